package extractor

import (
	"fmt"
	"path/filepath"
	"strings"
)

// DocumentChunk is a piece of extracted text from one page of a document.
type DocumentChunk struct {
	PageNumber int
	Text       string
	Document   string
}

// Extract dispatches on the file extension. CSV files extract as plain text
// so their contents stay searchable; tabular analysis goes through the
// dataset package instead.
func Extract(filePath string) ([]DocumentChunk, error) {
	switch strings.ToLower(filepath.Ext(filePath)) {
	case ".pdf":
		return ExtractPDF(filePath)
	case ".docx":
		return ExtractDOCX(filePath)
	case ".pptx":
		return ExtractPPTX(filePath)
	case ".txt", ".md", ".csv":
		return ExtractText(filePath)
	default:
		return nil, fmt.Errorf("unsupported file type: %s", filepath.Ext(filePath))
	}
}

// Formats without physical pages are grouped into ~3000 character logical
// pages so citations still carry meaningful page numbers.
const charsPerPage = 3000

func groupIntoPages(paragraphs []string, docName string) []DocumentChunk {
	var chunks []DocumentChunk
	var pageBuf strings.Builder
	pageNum := 1

	flush := func() {
		if pageBuf.Len() == 0 {
			return
		}
		chunks = append(chunks, DocumentChunk{
			PageNumber: pageNum,
			Text:       strings.TrimSpace(pageBuf.String()),
			Document:   docName,
		})
		pageNum++
		pageBuf.Reset()
	}

	for _, para := range paragraphs {
		text := strings.TrimSpace(para)
		if text == "" {
			continue
		}
		if pageBuf.Len() > 0 && pageBuf.Len()+len(text) > charsPerPage {
			flush()
		}
		if pageBuf.Len() > 0 {
			pageBuf.WriteString("\n")
		}
		pageBuf.WriteString(text)
	}
	flush()
	return chunks
}

func stripTags(xmlStr string) string {
	var sb strings.Builder
	inTag := false
	for _, r := range xmlStr {
		if r == '<' {
			inTag = true
			continue
		}
		if r == '>' {
			inTag = false
			continue
		}
		if !inTag {
			sb.WriteRune(r)
		}
	}
	return sb.String()
}

// splitParagraphs splits XML content on a paragraph open tag and strips the
// remaining markup from each piece.
func splitParagraphs(xmlStr, openTag string) []string {
	parts := strings.Split(xmlStr, openTag)
	var paragraphs []string
	for _, part := range parts {
		cleaned := strings.TrimSpace(stripTags(part))
		if cleaned != "" {
			paragraphs = append(paragraphs, cleaned)
		}
	}
	return paragraphs
}
