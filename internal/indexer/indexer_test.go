package indexer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"dora/internal/extractor"
)

func writeFile(path, content string) error {
	return os.WriteFile(path, []byte(content), 0644)
}

// ========== ChunkPages ==========

func TestChunkPages_ShortPage(t *testing.T) {
	idx := &Index{}
	text := "This is a short document with only a few words."
	chunks := idx.ChunkPages([]extractor.DocumentChunk{
		{PageNumber: 1, Document: "test.pdf", Text: text},
	})

	if len(chunks) != 1 {
		t.Fatalf("expected 1 chunk, got %d", len(chunks))
	}
	if chunks[0].Text != text {
		t.Errorf("chunk text mismatch: got %q", chunks[0].Text)
	}
	if chunks[0].Document != "test.pdf" {
		t.Errorf("expected document 'test.pdf', got %q", chunks[0].Document)
	}
	if chunks[0].PageNumber != 1 {
		t.Errorf("expected page 1, got %d", chunks[0].PageNumber)
	}
}

func TestChunkPages_ExactlyChunkSize(t *testing.T) {
	words := make([]string, 150)
	for i := range words {
		words[i] = "word"
	}
	text := strings.Join(words, " ")

	idx := &Index{}
	chunks := idx.ChunkPages([]extractor.DocumentChunk{
		{PageNumber: 1, Document: "test.pdf", Text: text},
	})

	if len(chunks) != 1 {
		t.Fatalf("expected 1 chunk for exactly 150 words, got %d", len(chunks))
	}
}

func TestChunkPages_LargePageProducesMultipleChunks(t *testing.T) {
	words := make([]string, 300)
	for i := range words {
		words[i] = "word"
	}
	text := strings.Join(words, " ")

	idx := &Index{}
	chunks := idx.ChunkPages([]extractor.DocumentChunk{
		{PageNumber: 1, Document: "test.pdf", Text: text},
	})

	if len(chunks) < 2 {
		t.Fatalf("expected at least 2 chunks for 300 words, got %d", len(chunks))
	}
	for i, chunk := range chunks {
		wordCount := len(strings.Fields(chunk.Text))
		if i < len(chunks)-1 && wordCount != 150 {
			t.Errorf("chunk %d: expected 150 words, got %d", i, wordCount)
		}
		if wordCount > 150 {
			t.Errorf("chunk %d: exceeded 150 words (got %d)", i, wordCount)
		}
	}
}

func TestChunkPages_ParentTextPreserved(t *testing.T) {
	words := make([]string, 300)
	for i := range words {
		words[i] = "word"
	}
	text := strings.Join(words, " ")

	idx := &Index{}
	chunks := idx.ChunkPages([]extractor.DocumentChunk{
		{PageNumber: 1, Document: "test.pdf", Text: text},
	})

	for i, chunk := range chunks {
		if chunk.ParentText != text {
			t.Errorf("chunk %d: ParentText should be full page text", i)
		}
	}
}

func TestChunkPages_MultiplePages(t *testing.T) {
	idx := &Index{}
	chunks := idx.ChunkPages([]extractor.DocumentChunk{
		{PageNumber: 1, Document: "test.pdf", Text: "Page one content here."},
		{PageNumber: 2, Document: "test.pdf", Text: "Page two content here."},
	})

	if len(chunks) != 2 {
		t.Fatalf("expected 2 chunks (one per page), got %d", len(chunks))
	}
	if chunks[0].PageNumber != 1 || chunks[1].PageNumber != 2 {
		t.Errorf("pages = %d, %d", chunks[0].PageNumber, chunks[1].PageNumber)
	}
}

func TestChunkPages_EmptyInput(t *testing.T) {
	idx := &Index{}
	if chunks := idx.ChunkPages(nil); len(chunks) != 0 {
		t.Errorf("expected 0 chunks for nil input, got %d", len(chunks))
	}
}

func TestChunkPages_EmptyText(t *testing.T) {
	idx := &Index{}
	chunks := idx.ChunkPages([]extractor.DocumentChunk{
		{PageNumber: 1, Document: "test.pdf", Text: ""},
	})
	if len(chunks) != 0 {
		t.Errorf("expected 0 chunks for empty text, got %d", len(chunks))
	}
}

func TestChunkPages_UniqueChunkIDs(t *testing.T) {
	words := make([]string, 500)
	for i := range words {
		words[i] = "word"
	}
	text := strings.Join(words, " ")

	idx := &Index{}
	chunks := idx.ChunkPages([]extractor.DocumentChunk{
		{PageNumber: 1, Document: "a.pdf", Text: text},
		{PageNumber: 2, Document: "a.pdf", Text: text},
	})

	ids := make(map[string]bool)
	for _, c := range chunks {
		if ids[c.ID] {
			t.Errorf("duplicate chunk ID: %s", c.ID)
		}
		ids[c.ID] = true
	}
}

// ========== AddSummary ==========

func TestAddSummary_ThreadSafe(t *testing.T) {
	idx := &Index{}

	done := make(chan bool, 10)
	for i := 0; i < 10; i++ {
		go func() {
			idx.AddSummary(DocumentSummary{Document: "doc.pdf", Title: "Test"})
			done <- true
		}()
	}
	for i := 0; i < 10; i++ {
		<-done
	}

	if len(idx.Summaries) != 10 {
		t.Errorf("expected 10 summaries, got %d", len(idx.Summaries))
	}
}

// ========== EmbedAndIndex cancellation ==========

// cancellingEmbedder cancels the run on its first call and then fails until
// the context is observed as done.
type cancellingEmbedder struct {
	cancel context.CancelFunc
}

func (e *cancellingEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	e.cancel()
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestEmbedAndIndex_CancelMidRunReturns(t *testing.T) {
	idx, err := NewIndex("test-key", "", filepath.Join(t.TempDir(), "bm25.index"))
	if err != nil {
		t.Fatalf("NewIndex failed: %v", err)
	}
	defer idx.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	idx.Embedder = &cancellingEmbedder{cancel: cancel}

	// More batches than the worker pool, so some are still unscheduled when
	// the cancellation lands.
	var chunks []Chunk
	for i := 0; i < 1500; i++ {
		chunks = append(chunks, Chunk{
			ID:         fmt.Sprintf("doc.pdf_p1_c%d", i),
			Document:   "doc.pdf",
			PageNumber: 1,
			Text:       "word",
		})
	}

	done := make(chan error, 1)
	go func() { done <- idx.EmbedAndIndex(ctx, chunks, nil, 0) }()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("err = %v, want context.Canceled", err)
		}
	case <-time.After(30 * time.Second):
		t.Fatal("EmbedAndIndex did not return after cancellation")
	}
	if len(idx.Chunks) != 0 {
		t.Errorf("cancelled run indexed %d chunks", len(idx.Chunks))
	}
}

// ========== Vector persistence ==========

func TestSaveLoadVectors_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vectors.json")

	src := &Index{
		Chunks: []Chunk{
			{ID: "a.pdf_p1_c0", Document: "a.pdf", PageNumber: 1, Text: "hello", ParentText: "hello world", Embedding: []float32{0.1, 0.2}},
			{ID: "a.pdf_p2_c1", Document: "a.pdf", PageNumber: 2, Text: "more", ParentText: "more text", Embedding: []float32{0.3, 0.4}},
		},
		Summaries: []DocumentSummary{
			{Document: "a.pdf", Title: "A", DocType: "report", Summary: "About things.", Pages: 2},
		},
	}
	if err := src.SaveVectors(path); err != nil {
		t.Fatalf("SaveVectors failed: %v", err)
	}

	dst := &Index{}
	if err := dst.LoadVectors(path); err != nil {
		t.Fatalf("LoadVectors failed: %v", err)
	}
	if len(dst.Chunks) != 2 {
		t.Fatalf("expected 2 chunks, got %d", len(dst.Chunks))
	}
	if dst.Chunks[1].Embedding[1] != 0.4 {
		t.Errorf("embedding not preserved: %v", dst.Chunks[1].Embedding)
	}
	if len(dst.Summaries) != 1 || dst.Summaries[0].Title != "A" {
		t.Errorf("summaries = %+v", dst.Summaries)
	}
}

func TestLoadVectors_JSONFallback(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vectors.json")

	src := &Index{Chunks: []Chunk{{ID: "x", Document: "x.pdf", PageNumber: 1, Text: "t"}}}
	if err := src.SaveVectors(path); err != nil {
		t.Fatalf("SaveVectors failed: %v", err)
	}
	// Corrupt the binary copy so the loader has to fall back to JSON.
	gobPath := filepath.Join(dir, "vectors.gob")
	if err := writeFile(gobPath, "not gob data"); err != nil {
		t.Fatal(err)
	}

	dst := &Index{}
	if err := dst.LoadVectors(path); err != nil {
		t.Fatalf("LoadVectors failed: %v", err)
	}
	if len(dst.Chunks) != 1 || dst.Chunks[0].ID != "x" {
		t.Errorf("chunks = %+v", dst.Chunks)
	}
}

func TestLoadVectors_MissingFile(t *testing.T) {
	idx := &Index{}
	if err := idx.LoadVectors(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Error("expected error for missing vector file")
	}
}

// ========== Summary persistence ==========

func TestSaveLoadSummaries_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "summary.json")

	idx := &Index{Summaries: []DocumentSummary{
		{Document: "a.pdf", Title: "Annual Report", DocType: "financial_report", Summary: "Yearly results.", Pages: 80},
		{Document: "b.docx", Title: "Notes", DocType: "other", Summary: "Meeting notes.", Pages: 3},
	}}
	if err := idx.SaveSummaries(path); err != nil {
		t.Fatalf("SaveSummaries failed: %v", err)
	}

	got, err := LoadSummaries(path)
	if err != nil {
		t.Fatalf("LoadSummaries failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 summaries, got %d", len(got))
	}
	if got[0].Title != "Annual Report" || got[1].Pages != 3 {
		t.Errorf("summaries = %+v", got)
	}
}

func TestLoadSummaries_MissingFile(t *testing.T) {
	if _, err := LoadSummaries(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Error("expected error for missing summary file")
	}
}
