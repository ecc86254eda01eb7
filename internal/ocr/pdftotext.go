package ocr

import (
	"bytes"
	"context"
	"os/exec"

	"github.com/rotisserie/eris"
)

// PdfToText extracts text from PDFs using the pdftotext CLI tool.
type PdfToText struct {
	binPath string
}

// NewPdfToText creates a PdfToText extractor. If binPath is empty, "pdftotext" is used.
func NewPdfToText(binPath string) *PdfToText {
	if binPath == "" {
		binPath = "pdftotext"
	}
	return &PdfToText{binPath: binPath}
}

// ExtractText pipes the PDF through pdftotext -layout and returns stdout.
func (p *PdfToText) ExtractText(ctx context.Context, blob []byte, _ string) (string, error) {
	cmd := exec.CommandContext(ctx, p.binPath, "-layout", "-", "-")
	cmd.Stdin = bytes.NewReader(blob)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", eris.Wrapf(err, "ocr: pdftotext failed: %s", stderr.String())
	}

	return stdout.String(), nil
}
