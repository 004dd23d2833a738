package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"dora/internal/extractor"
	"dora/internal/indexer"
	"dora/internal/llm"

	"github.com/joho/godotenv"
)

// Offline index builder: processes a directory of documents into the same
// vector + BM25 + summary indexes the server builds, so large corpora can be
// prepared without going through the upload UI.
func main() {
	corpusDir := flag.String("dir", "corpus", "directory of documents to index")
	outDir := flag.String("out", ".", "directory to write the indexes into")
	withSummaries := flag.Bool("summaries", true, "generate per-document summaries")
	flag.Parse()

	_ = godotenv.Load()
	apiKey := os.Getenv("OPENAI_API_KEY")
	if apiKey == "" {
		log.Fatal("OPENAI_API_KEY environment variable is required")
	}

	if err := os.MkdirAll(*outDir, 0755); err != nil {
		log.Fatalf("Failed to create output directory: %v", err)
	}

	index, err := indexer.NewIndex(apiKey, "", filepath.Join(*outDir, "bm25.index"))
	if err != nil {
		log.Fatalf("Failed to initialize index: %v", err)
	}

	files, err := os.ReadDir(*corpusDir)
	if err != nil {
		log.Fatalf("Failed to read corpus directory: %v", err)
	}

	ctx := context.Background()
	start := time.Now()
	for _, file := range files {
		if file.IsDir() {
			continue
		}
		path := filepath.Join(*corpusDir, file.Name())

		fmt.Printf("Processing %s...\n", file.Name())

		pages, err := extractor.Extract(path)
		if err != nil {
			log.Printf("Failed to extract %s: %v", file.Name(), err)
			continue
		}
		fmt.Printf("Extracted %d pages from %s\n", len(pages), file.Name())

		if *withSummaries {
			var texts []string
			for _, p := range pages {
				texts = append(texts, p.Text)
			}
			summary, err := llm.GenerateDocSummary(ctx, apiKey, file.Name(), texts, len(texts))
			if err != nil {
				log.Printf("Failed to summarize %s: %v", file.Name(), err)
			} else {
				index.AddSummary(*summary)
			}
		}

		if err := index.AddDocument(ctx, pages); err != nil {
			log.Printf("Failed to index %s: %v", file.Name(), err)
		}
	}

	fmt.Printf("Finished ingestion in %v. Saving indexes...\n", time.Since(start))
	if err := index.SaveVectors(filepath.Join(*outDir, "vectors.json")); err != nil {
		log.Fatalf("Failed to save vectors: %v", err)
	}
	if err := index.SaveSummaries(filepath.Join(*outDir, "summaries.json")); err != nil {
		log.Fatalf("Failed to save summaries: %v", err)
	}
	fmt.Println("Ingestion complete.")
}
