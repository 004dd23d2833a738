package indexer

import (
	"context"
	"encoding/gob"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"dora/internal/extractor"

	"github.com/blevesearch/bleve/v2"
	"github.com/sashabaranov/go-openai"
)

// DocumentSummary is one entry of a project's summary index, generated by an
// LLM when the document is processed.
type DocumentSummary struct {
	Document string `json:"document"`
	Title    string `json:"title"`
	DocType  string `json:"type"`
	Summary  string `json:"summary"`
	Pages    int    `json:"pages"`
}

// Chunk is a piece of text to be embedded and indexed. Text is a small search
// chunk (~150 words); ParentText is the full page sent to the LLM.
type Chunk struct {
	ID         string    `json:"id"`
	Document   string    `json:"document"`
	PageNumber int       `json:"page_number"`
	Text       string    `json:"text"`
	ParentText string    `json:"parent_text"`
	Embedding  []float32 `json:"embedding"`
}

// EmbeddingProvider turns texts into vectors.
type EmbeddingProvider interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// ProgressFunc is called during ingestion with (totalChunks, chunksDone).
type ProgressFunc func(total, done int)

// Index holds one project's retrieval index (vectors + BM25) and its summary
// index side by side.
type Index struct {
	Chunks    []Chunk
	Summaries []DocumentSummary
	BM25Index bleve.Index
	Embedder  EmbeddingProvider
	mu        sync.Mutex // protects Chunks and Summaries during concurrent writes
}

// NewIndex opens (or creates) the BM25 index at bm25Path and wires an OpenAI
// embedder for the vector side.
func NewIndex(apiKey, modelName, bm25Path string) (*Index, error) {
	var bmIndex bleve.Index
	var err error

	if _, statErr := os.Stat(bm25Path); os.IsNotExist(statErr) {
		mapping := bleve.NewIndexMapping()
		bmIndex, err = bleve.New(bm25Path, mapping)
		if err != nil {
			return nil, err
		}
	} else {
		bmIndex, err = bleve.Open(bm25Path)
		if err != nil {
			return nil, err
		}
	}

	if modelName == "" {
		modelName = "text-embedding-3-small"
	}

	return &Index{
		Chunks:    []Chunk{},
		BM25Index: bmIndex,
		Embedder:  &OpenAIEmbedder{client: openai.NewClient(apiKey), model: modelName},
	}, nil
}

// AddDocument processes extracted pages without a progress callback.
func (idx *Index) AddDocument(ctx context.Context, docChunks []extractor.DocumentChunk) error {
	return idx.AddDocumentWithProgress(ctx, docChunks, nil)
}

// AddDocumentWithProgress chunks the pages, then embeds and indexes them.
func (idx *Index) AddDocumentWithProgress(ctx context.Context, docChunks []extractor.DocumentChunk, progress ProgressFunc) error {
	indexChunks := idx.ChunkPages(docChunks)

	log.Printf("Chunking complete: %d chunks from %d pages", len(indexChunks), len(docChunks))
	if progress != nil {
		progress(len(indexChunks), 0)
	}

	return idx.EmbedAndIndex(ctx, indexChunks, progress, 0)
}

// ChunkPages splits extracted pages into small overlapping search chunks
// linked to their full-page parent text. Pure; safe to call concurrently.
func (idx *Index) ChunkPages(docChunks []extractor.DocumentChunk) []Chunk {
	const (
		chunkSize = 150
		overlap   = 30
	)

	var indexChunks []Chunk
	for _, page := range docChunks {
		words := strings.Fields(page.Text)

		for i := 0; i < len(words); i += chunkSize - overlap {
			end := i + chunkSize
			if end > len(words) {
				end = len(words)
			}

			indexChunks = append(indexChunks, Chunk{
				ID:         fmt.Sprintf("%s_p%d_c%d", page.Document, page.PageNumber, len(indexChunks)),
				Document:   page.Document,
				PageNumber: page.PageNumber,
				Text:       strings.Join(words[i:end], " "),
				ParentText: page.Text,
			})

			if end == len(words) {
				break
			}
		}
	}
	return indexChunks
}

// EmbedAndIndex embeds chunks and adds them to both the vector and BM25
// indexes. Batches of 200 run with up to 6 concurrent API calls and
// exponential-backoff retry. Thread-safe on the same Index.
func (idx *Index) EmbedAndIndex(ctx context.Context, chunks []Chunk, progress ProgressFunc, progressOffset int) error {
	if len(chunks) == 0 {
		return nil
	}

	totalChunks := len(chunks)

	const batchSize = 200
	type batchJob struct {
		start int
		end   int
	}
	var jobs []batchJob
	for i := 0; i < len(chunks); i += batchSize {
		end := i + batchSize
		if end > len(chunks) {
			end = len(chunks)
		}
		jobs = append(jobs, batchJob{start: i, end: end})
	}

	const concurrency = 6
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup
	var firstErr error
	var errOnce sync.Once
	var doneCount int
	var doneMu sync.Mutex

	// Each worker is spawned only after acquiring its semaphore slot, so a
	// cancelled run stops scheduling without stranding receivers.
scheduling:
	for _, job := range jobs {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			errOnce.Do(func() { firstErr = ctx.Err() })
			break scheduling
		}
		wg.Add(1)

		go func(j batchJob) {
			defer wg.Done()
			defer func() { <-sem }()

			if ctx.Err() != nil {
				errOnce.Do(func() { firstErr = ctx.Err() })
				return
			}

			batch := chunks[j.start:j.end]
			var inputs []string
			for _, c := range batch {
				inputs = append(inputs, c.Text)
			}

			var embeddings [][]float32
			var err error
			for attempt := 0; attempt < 5; attempt++ {
				if ctx.Err() != nil {
					errOnce.Do(func() { firstErr = ctx.Err() })
					return
				}
				embeddings, err = idx.Embedder.Embed(ctx, inputs)
				if err == nil {
					break
				}
				if attempt < 4 {
					wait := time.Duration(3*(1<<uint(attempt))) * time.Second
					if wait > 20*time.Second {
						wait = 20 * time.Second
					}
					log.Printf("Embedding batch retry %d after %v: %v", attempt+1, wait, err)
					timer := time.NewTimer(wait)
					select {
					case <-timer.C:
					case <-ctx.Done():
						timer.Stop()
						errOnce.Do(func() { firstErr = ctx.Err() })
						return
					}
				}
			}
			if err != nil {
				errOnce.Do(func() {
					firstErr = fmt.Errorf("embedding error on batch: %w", err)
				})
				return
			}

			idx.mu.Lock()
			for k, emb := range embeddings {
				batch[k].Embedding = emb
				idx.Chunks = append(idx.Chunks, batch[k])

				bm25Err := idx.BM25Index.Index(batch[k].ID, map[string]interface{}{
					"id":   batch[k].ID,
					"text": batch[k].Text,
					"doc":  batch[k].Document,
					"page": batch[k].PageNumber,
				})
				if bm25Err != nil {
					log.Printf("Failed to index BM25 for %s: %v", batch[k].ID, bm25Err)
				}
			}
			idx.mu.Unlock()

			doneMu.Lock()
			doneCount += len(batch)
			if progress != nil {
				progress(totalChunks, progressOffset+doneCount)
			}
			log.Printf("Embedded %d / %d chunks", doneCount, totalChunks)
			doneMu.Unlock()
		}(job)
	}

	wg.Wait()

	return firstErr
}

// AddSummary appends a document summary in a thread-safe way.
func (idx *Index) AddSummary(summary DocumentSummary) {
	idx.mu.Lock()
	idx.Summaries = append(idx.Summaries, summary)
	idx.mu.Unlock()
}

// vectorStore wraps chunks and summaries for serialization.
type vectorStore struct {
	Chunks    []Chunk           `json:"chunks"`
	Summaries []DocumentSummary `json:"summaries,omitempty"`
}

// SaveVectors writes the vector index in binary (fast) and JSON (fallback).
func (idx *Index) SaveVectors(path string) error {
	store := vectorStore{
		Chunks:    idx.Chunks,
		Summaries: idx.Summaries,
	}

	gobPath := strings.TrimSuffix(path, ".json") + ".gob"
	if err := saveVectorsBinary(gobPath, store); err != nil {
		log.Printf("Warning: failed to save binary vectors: %v", err)
	} else {
		log.Printf("Saved binary vectors: %s", gobPath)
	}

	data, err := json.Marshal(store)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

func saveVectorsBinary(path string, store vectorStore) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return gob.NewEncoder(f).Encode(store)
}

// LoadVectors reads the vector index from disk, binary format first.
func (idx *Index) LoadVectors(path string) error {
	start := time.Now()

	gobPath := strings.TrimSuffix(path, ".json") + ".gob"
	if _, statErr := os.Stat(gobPath); statErr == nil {
		err := idx.loadVectorsBinary(gobPath)
		if err == nil {
			log.Printf("Loaded %d chunks from binary in %v", len(idx.Chunks), time.Since(start))
			return nil
		}
		log.Printf("Binary load failed, falling back to JSON: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var store vectorStore
	if err := json.Unmarshal(data, &store); err != nil {
		return err
	}
	idx.Chunks = store.Chunks
	idx.Summaries = store.Summaries
	log.Printf("Loaded %d chunks from JSON in %v", len(idx.Chunks), time.Since(start))
	return nil
}

func (idx *Index) loadVectorsBinary(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var store vectorStore
	if err := gob.NewDecoder(f).Decode(&store); err != nil {
		return err
	}
	idx.Chunks = store.Chunks
	idx.Summaries = store.Summaries
	return nil
}

// SaveSummaries writes the summary index on its own, so summary queries can
// be answered without loading the vector index.
func (idx *Index) SaveSummaries(path string) error {
	data, err := json.MarshalIndent(idx.Summaries, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// LoadSummaries reads a standalone summary index.
func LoadSummaries(path string) ([]DocumentSummary, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var summaries []DocumentSummary
	if err := json.Unmarshal(data, &summaries); err != nil {
		return nil, err
	}
	return summaries, nil
}

// Close closes the BM25 index. Must be called before opening another index
// at the same path.
func (idx *Index) Close() error {
	if idx.BM25Index != nil {
		return idx.BM25Index.Close()
	}
	return nil
}

// ==========================================
// OpenAI Embedder
// ==========================================

type OpenAIEmbedder struct {
	client *openai.Client
	model  string
}

func (e *OpenAIEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: texts,
		Model: openai.EmbeddingModel(e.model),
	})
	if err != nil {
		return nil, err
	}

	var results [][]float32
	for _, d := range resp.Data {
		results = append(results, d.Embedding)
	}
	return results, nil
}
