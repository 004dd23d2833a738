package extractor

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ExtractText reads a plain text file and groups blank-line separated blocks
// into logical pages.
func ExtractText(filePath string) ([]DocumentChunk, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	fileName := filepath.Base(filePath)
	content := strings.ReplaceAll(string(data), "\r\n", "\n")
	chunks := groupIntoPages(strings.Split(content, "\n\n"), fileName)

	if len(chunks) == 0 {
		return nil, fmt.Errorf("no text extracted from %s", fileName)
	}
	return chunks, nil
}
