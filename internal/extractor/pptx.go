package extractor

import (
	"archive/zip"
	"fmt"
	"io"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

var slideNameRe = regexp.MustCompile(`^ppt/slides/slide(\d+)\.xml$`)

// ExtractPPTX extracts text from a PPTX deck, one page per slide. A PPTX is
// a zip archive with slide text held in <a:t> runs under ppt/slides/.
func ExtractPPTX(filePath string) ([]DocumentChunk, error) {
	zr, err := zip.OpenReader(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open pptx: %w", err)
	}
	defer zr.Close()

	fileName := filepath.Base(filePath)
	slides := make(map[int]string)
	var nums []int

	for _, f := range zr.File {
		m := slideNameRe.FindStringSubmatch(f.Name)
		if m == nil {
			continue
		}
		num, _ := strconv.Atoi(m[1])

		rc, err := f.Open()
		if err != nil {
			continue
		}
		raw, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			continue
		}

		slides[num] = strings.Join(textRuns(string(raw)), "\n")
		nums = append(nums, num)
	}
	sort.Ints(nums)

	var chunks []DocumentChunk
	for _, num := range nums {
		text := strings.TrimSpace(slides[num])
		if text == "" {
			continue
		}
		chunks = append(chunks, DocumentChunk{
			PageNumber: num,
			Document:   fileName,
			Text:       text,
		})
	}

	if len(chunks) == 0 {
		return nil, fmt.Errorf("no text extracted from %s", fileName)
	}
	return chunks, nil
}

// textRuns pulls the contents of <a:t> elements out of slide XML.
func textRuns(xmlStr string) []string {
	var runs []string
	for {
		start := strings.Index(xmlStr, "<a:t>")
		if start < 0 {
			break
		}
		rest := xmlStr[start+len("<a:t>"):]
		end := strings.Index(rest, "</a:t>")
		if end < 0 {
			break
		}
		if run := strings.TrimSpace(rest[:end]); run != "" {
			runs = append(runs, run)
		}
		xmlStr = rest[end+len("</a:t>"):]
	}
	return runs
}
