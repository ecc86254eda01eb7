package reconcile

import (
	"strconv"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/docintel/internal/model"
)

var exportHeader = []string{
	"Category", "Field", "Value", "Existing value", "Status", "Confidence", "Impact", "Source quote", "Run", "Created",
}

// ExportXLSX writes the case view to path as a workbook with one summary
// sheet and one row per finding.
func ExportXLSX(path string, view *model.CaseView) error {
	f := xlsx.NewFile()

	summary, err := f.AddSheet("Summary")
	if err != nil {
		return eris.Wrap(err, "xlsx: add summary sheet")
	}
	addRow(summary, "Case", view.CaseID)
	addRow(summary, "Pending", strconv.Itoa(view.PendingCount))
	addRow(summary, "Conflicts", strconv.Itoa(view.ConflictCount))
	addRow(summary, "Needs review", strconv.Itoa(view.NeedsReview))

	sheet, err := f.AddSheet("Findings")
	if err != nil {
		return eris.Wrap(err, "xlsx: add findings sheet")
	}
	addRow(sheet, exportHeader...)
	for _, cat := range view.Categories {
		for _, fd := range cat.Findings {
			row := sheet.AddRow()
			row.AddCell().SetString(cat.CategoryKey)
			row.AddCell().SetString(fd.FieldKey)
			row.AddCell().SetString(fd.Value)
			row.AddCell().SetString(deref(fd.ExistingValue))
			row.AddCell().SetString(string(fd.Status))
			row.AddCell().SetFloat(fd.Confidence)
			row.AddCell().SetString(string(fd.Impact))
			row.AddCell().SetString(deref(fd.SourceQuote))
			row.AddCell().SetString(fd.PipelineRunID)
			row.AddCell().SetString(fd.CreatedAt.Format("2006-01-02 15:04:05"))
		}
	}

	return eris.Wrapf(f.Save(path), "xlsx: save %s", path)
}

func addRow(sheet *xlsx.Sheet, cells ...string) {
	row := sheet.AddRow()
	for _, c := range cells {
		row.AddCell().SetString(c)
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
