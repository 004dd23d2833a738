package extractor

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/ledongthuc/pdf"
)

// ExtractPDF extracts text from a PDF, one chunk per page. Scanned PDFs with
// no extractable text are rejected with an error.
func ExtractPDF(filePath string) ([]DocumentChunk, error) {
	f, r, err := pdf.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open pdf: %w", err)
	}
	defer f.Close()

	fileName := filepath.Base(filePath)
	var chunks []DocumentChunk
	numPages := r.NumPage()

	for pageIndex := 1; pageIndex <= numPages; pageIndex++ {
		p := r.Page(pageIndex)
		if p.V.IsNull() {
			continue
		}
		text, err := p.GetPlainText(nil)
		if err != nil {
			continue
		}
		if strings.TrimSpace(text) != "" {
			chunks = append(chunks, DocumentChunk{
				PageNumber: pageIndex,
				Document:   fileName,
				Text:       text,
			})
		}
	}

	if len(chunks) == 0 {
		return nil, fmt.Errorf("no text extracted from %s (scanned PDFs are not supported)", fileName)
	}
	return chunks, nil
}
