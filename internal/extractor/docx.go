package extractor

import (
	"fmt"
	"path/filepath"

	"github.com/nguyenthenguyen/docx"
)

// ExtractDOCX extracts text from a DOCX file. DOCX has no physical page
// breaks, so paragraphs are grouped into logical pages.
func ExtractDOCX(filePath string) ([]DocumentChunk, error) {
	r, err := docx.ReadDocxFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read docx: %w", err)
	}
	defer r.Close()

	fileName := filepath.Base(filePath)
	paragraphs := splitParagraphs(r.Editable().GetContent(), "<w:p")
	chunks := groupIntoPages(paragraphs, fileName)

	if len(chunks) == 0 {
		return nil, fmt.Errorf("no text extracted from %s", fileName)
	}
	return chunks, nil
}
