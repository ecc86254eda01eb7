package ocr

import (
	"bytes"
	"context"
	"strings"
	"unicode/utf8"

	"github.com/rotisserie/eris"
	"golang.org/x/text/encoding/htmlindex"

	"github.com/sells-group/docintel/internal/model"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// PlainText decodes text documents, honoring a charset parameter.
type PlainText struct{}

// ExtractText implements Extractor.
func (PlainText) ExtractText(_ context.Context, blob []byte, mediaType string) (string, error) {
	_, params := splitMediaType(mediaType)
	charset := strings.ToLower(params["charset"])

	if charset != "" && charset != "utf-8" && charset != "utf8" {
		enc, err := htmlindex.Get(charset)
		if err != nil {
			return "", eris.Wrapf(model.ErrUnsupportedFormat, "ocr: unknown charset %q", charset)
		}
		decoded, err := enc.NewDecoder().Bytes(blob)
		if err != nil {
			return "", eris.Wrapf(err, "ocr: decode %s", charset)
		}
		return string(decoded), nil
	}

	blob = bytes.TrimPrefix(blob, utf8BOM)
	if !utf8.Valid(blob) {
		return "", eris.Wrap(model.ErrUnsupportedFormat, "ocr: text is not valid UTF-8")
	}
	return string(blob), nil
}
