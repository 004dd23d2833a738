package retriever

import (
	"context"
	"fmt"
	"math"
	"sort"

	"dora/internal/indexer"

	"github.com/blevesearch/bleve/v2"
)

// Result is a retrieved chunk with its fused relevance score.
type Result struct {
	ChunkID    string  `json:"chunk_id"`
	Document   string  `json:"document"`
	PageNumber int     `json:"page_number"`
	Text       string  `json:"text"`
	ParentText string  `json:"parent_text"`
	Score      float64 `json:"score"`
}

// Retriever performs hybrid search over the vector and BM25 sides of an index.
type Retriever struct {
	Chunks    []indexer.Chunk
	Summaries []indexer.DocumentSummary
	BM25Index bleve.Index
	Embedder  indexer.EmbeddingProvider
}

// NewRetriever creates a Retriever from a built Index.
func NewRetriever(idx *indexer.Index) *Retriever {
	return &Retriever{
		Chunks:    idx.Chunks,
		Summaries: idx.Summaries,
		BM25Index: idx.BM25Index,
		Embedder:  idx.Embedder,
	}
}

// Search runs vector similarity and BM25 in parallel ranks and merges them
// with Reciprocal Rank Fusion. Results are deduplicated by parent page: only
// the best chunk per document page is kept, carrying the full page text.
func (r *Retriever) Search(ctx context.Context, query string, topK int) ([]Result, error) {
	resp, err := r.Embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("query embedding error: %w", err)
	}
	queryEmb := resp[0]

	type scored struct {
		idx   int
		score float64
	}
	var vectorScores []scored
	for i, chunk := range r.Chunks {
		vectorScores = append(vectorScores, scored{i, cosineSimilarity(queryEmb, chunk.Embedding)})
	}
	sort.Slice(vectorScores, func(i, j int) bool {
		return vectorScores[i].score > vectorScores[j].score
	})

	bm25Query := bleve.NewMatchQuery(query)
	searchReq := bleve.NewSearchRequest(bm25Query)
	searchReq.Size = topK * 3 // extra candidates for fusion
	bm25Results, err := r.BM25Index.Search(searchReq)
	if err != nil {
		return nil, fmt.Errorf("BM25 search error: %w", err)
	}

	vectorRanks := make(map[string]int)
	limit := topK * 3
	if limit > len(vectorScores) {
		limit = len(vectorScores)
	}
	for rank, s := range vectorScores[:limit] {
		vectorRanks[r.Chunks[s.idx].ID] = rank + 1
	}

	bm25Ranks := make(map[string]int)
	for rank, hit := range bm25Results.Hits {
		bm25Ranks[hit.ID] = rank + 1
	}

	// Reciprocal Rank Fusion, k=60
	const k = 60.0
	allIDs := make(map[string]bool)
	for id := range vectorRanks {
		allIDs[id] = true
	}
	for id := range bm25Ranks {
		allIDs[id] = true
	}

	type fusedResult struct {
		id    string
		score float64
	}
	var fused []fusedResult
	for id := range allIDs {
		score := 0.0
		if vr, ok := vectorRanks[id]; ok {
			score += 1.0 / (k + float64(vr))
		}
		if br, ok := bm25Ranks[id]; ok {
			score += 1.0 / (k + float64(br))
		}
		fused = append(fused, fusedResult{id, score})
	}
	sort.Slice(fused, func(i, j int) bool {
		return fused[i].score > fused[j].score
	})

	chunkMap := make(map[string]indexer.Chunk)
	for _, c := range r.Chunks {
		chunkMap[c.ID] = c
	}

	seen := make(map[string]bool) // document+page already included
	var results []Result
	for _, f := range fused {
		if len(results) >= topK {
			break
		}
		chunk, ok := chunkMap[f.id]
		if !ok {
			continue
		}
		parentKey := fmt.Sprintf("%s_p%d", chunk.Document, chunk.PageNumber)
		if seen[parentKey] {
			continue
		}
		seen[parentKey] = true

		results = append(results, Result{
			ChunkID:    chunk.ID,
			Document:   chunk.Document,
			PageNumber: chunk.PageNumber,
			Text:       chunk.Text,
			ParentText: chunk.ParentText,
			Score:      f.score,
		})
	}

	return results, nil
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
