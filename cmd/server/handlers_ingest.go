package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"dora/internal/chat"
	"dora/internal/extractor"
	"dora/internal/indexer"
	"dora/internal/llm"
	"dora/internal/retriever"
)

// ========== Ingestion Endpoints ==========

func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	sess := s.requireSession(w, r)
	if sess == nil {
		return
	}

	sess.Lock()
	userKey := chat.SanitizeUserKey(sess.Identity)
	projectName := sess.Project
	sess.Unlock()

	if projectName == "" {
		jsonErr(w, "No active project", http.StatusBadRequest)
		return
	}

	if s.ingestStatus.snapshot().Phase == "processing" {
		jsonErr(w, "Processing already in progress", http.StatusConflict)
		return
	}

	s.mu.RLock()
	embedKey := s.embedAPIKey
	s.mu.RUnlock()
	if embedKey == "" {
		jsonErr(w, "OpenAI API key required for document processing", http.StatusBadRequest)
		return
	}

	uploadsDir := s.projects.UploadsDir(userKey, projectName)
	entries, _ := os.ReadDir(uploadsDir)
	var uploadedFiles []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if uploadExts[strings.ToLower(filepath.Ext(e.Name()))] {
			uploadedFiles = append(uploadedFiles, e.Name())
		}
	}
	if len(uploadedFiles) == 0 {
		jsonErr(w, "No files to process", http.StatusBadRequest)
		return
	}

	if proj, err := s.projects.Get(userKey, projectName); err == nil {
		proj.Status = "processing"
		_ = s.projects.Update(userKey, *proj)
	}

	s.ingestStatus.update(func(st *IngestState) {
		st.Phase = "processing"
		st.Project = projectName
		st.FilesTotal = len(uploadedFiles)
		st.FilesDone = 0
		st.ChunksTotal = 0
		st.ChunksDone = 0
		st.Error = ""
		st.FileResults = nil
	})

	// Create cancellable context for this ingestion run
	ctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.ingestCancel = cancel
	s.mu.Unlock()

	go s.runIngestion(ctx, userKey, projectName, uploadedFiles)

	jsonResp(w, map[string]string{"status": "started"})
}

func (s *Server) runIngestion(ctx context.Context, userKey, projectName string, files []string) {
	defer func() {
		s.mu.Lock()
		s.ingestCancel = nil
		s.mu.Unlock()
	}()

	uploadsDir := s.projects.UploadsDir(userKey, projectName)
	bm25Dir := s.projects.BM25Dir(userKey, projectName)
	vectorsPath := s.projects.VectorsPath(userKey, projectName)
	summariesPath := s.projects.SummariesPath(userKey, projectName)

	// Drop any loaded index for this project and remove the old BM25
	// directory so bleve can create a fresh one.
	s.indexCache.delete(cacheKey(userKey, projectName))
	_ = os.RemoveAll(bm25Dir)

	s.mu.RLock()
	embedKey := s.embedAPIKey
	openAIKey := s.providerKeys["openai"]
	s.mu.RUnlock()

	idx, err := indexer.NewIndex(embedKey, "", bm25Dir)
	if err != nil {
		s.failIngestion(fmt.Sprintf("Failed to create index: %v", err))
		return
	}

	// ===== STREAMED PIPELINE =====
	type extractResult struct {
		pages []extractor.DocumentChunk
		err   error
		file  string
	}

	var (
		filesDone   int32
		chunksTotal int64
		chunksDone  int64
	)

	resultsCh := make(chan extractResult, len(files))
	extractSem := make(chan struct{}, 4)
	var extractWg sync.WaitGroup

	for _, filename := range files {
		extractWg.Add(1)
		go func(fname string) {
			defer extractWg.Done()

			select {
			case <-ctx.Done():
				resultsCh <- extractResult{nil, ctx.Err(), fname}
				return
			case extractSem <- struct{}{}:
			}
			defer func() { <-extractSem }()

			start := time.Now()
			log.Printf("Extracting %s...", fname)

			pages, extractErr := extractor.Extract(filepath.Join(uploadsDir, fname))

			elapsed := time.Since(start)
			if extractErr != nil {
				log.Printf("Failed to extract %s after %v: %v", fname, elapsed, extractErr)
				resultsCh <- extractResult{nil, extractErr, fname}
			} else {
				log.Printf("Extracted %s: %d pages in %v", fname, len(pages), elapsed)
				resultsCh <- extractResult{pages, nil, fname}
			}

			newDone := int(atomic.AddInt32(&filesDone, 1))
			s.ingestStatus.update(func(st *IngestState) {
				st.FilesDone = newDone
			})
		}(filename)
	}

	go func() {
		extractWg.Wait()
		close(resultsCh)
	}()

	var fileResults []FileResult
	var fileResultsMu sync.Mutex
	var embedWg sync.WaitGroup
	var summaryWg sync.WaitGroup

	var firstErr error
	var errOnce sync.Once
	var anyFileOk bool

	for res := range resultsCh {
		if ctx.Err() != nil {
			break
		}

		if res.err != nil || res.pages == nil {
			errMsg := "unknown error"
			if res.err != nil {
				errMsg = res.err.Error()
			}
			fileResultsMu.Lock()
			fileResults = append(fileResults, FileResult{
				Name:   res.file,
				Status: "failed",
				Error:  errMsg,
			})
			fileResultsMu.Unlock()
			continue
		}

		anyFileOk = true
		pages := res.pages
		fileName := res.file

		if openAIKey != "" {
			summaryWg.Add(1)
			go func(dc []extractor.DocumentChunk, fname string) {
				defer summaryWg.Done()
				var texts []string
				for _, c := range dc {
					texts = append(texts, c.Text)
				}
				summary, err := llm.GenerateDocSummary(ctx, openAIKey, fname, texts, len(texts))
				if err != nil {
					log.Printf("Warning: failed to generate summary for %s: %v", fname, err)
					return
				}
				idx.AddSummary(*summary)
				log.Printf("Generated summary for %s: %s (%s)", fname, summary.Title, summary.DocType)
			}(pages, fileName)
		}

		fileChunks := idx.ChunkPages(pages)
		numChunks := len(fileChunks)
		log.Printf("Chunked %s: %d pages, %d chunks", fileName, len(pages), numChunks)

		atomic.AddInt64(&chunksTotal, int64(numChunks))
		s.ingestStatus.update(func(st *IngestState) {
			st.ChunksTotal = int(atomic.LoadInt64(&chunksTotal))
		})

		fileResultsMu.Lock()
		fileResults = append(fileResults, FileResult{
			Name:   fileName,
			Status: "ok",
			Chunks: numChunks,
		})
		fileResultsMu.Unlock()

		embedWg.Add(1)
		go func(chunks []indexer.Chunk, fname string) {
			defer embedWg.Done()

			// Progress is reported per file; fold the per-call delta
			// into the shared counter.
			lastDone := 0
			embedProgress := func(total, done int) {
				newDone := int(atomic.AddInt64(&chunksDone, int64(done-lastDone)))
				lastDone = done
				s.ingestStatus.update(func(st *IngestState) {
					st.ChunksTotal = int(atomic.LoadInt64(&chunksTotal))
					st.ChunksDone = newDone
				})
			}

			if err := idx.EmbedAndIndex(ctx, chunks, embedProgress, 0); err != nil {
				if ctx.Err() == nil {
					errOnce.Do(func() { firstErr = err })
					log.Printf("Embedding error for %s: %v", fname, err)
				}
			}
		}(fileChunks, fileName)
	}

	embedWg.Wait()
	summaryWg.Wait()

	s.ingestStatus.update(func(st *IngestState) {
		st.FileResults = fileResults
	})

	if ctx.Err() != nil {
		log.Printf("Processing cancelled for %s/%s", userKey, projectName)
		s.ingestStatus.update(func(st *IngestState) {
			st.Phase = "cancelled"
			st.Error = "Processing was cancelled"
		})
		_ = idx.Close()
		return
	}

	if !anyFileOk {
		log.Printf("No text extracted from any uploaded file")
		s.failIngestion("No text could be extracted from any uploaded file. Scanned PDFs are not supported.")
		_ = idx.Close()
		return
	}

	if firstErr != nil {
		s.failIngestion(fmt.Sprintf("Embedding error: %v", firstErr))
		_ = idx.Close()
		return
	}

	log.Printf("All files processed: %d chunks total", len(idx.Chunks))

	if err := idx.SaveVectors(vectorsPath); err != nil {
		log.Printf("Failed to save vectors: %v", err)
	}
	if err := idx.SaveSummaries(summariesPath); err != nil {
		log.Printf("Failed to save summaries: %v", err)
	}

	s.ingestStatus.update(func(st *IngestState) {
		st.Phase = "done"
		st.ChunksDone = len(idx.Chunks)
		st.ChunksTotal = len(idx.Chunks)
	})

	// Cache for instant first query
	s.indexCache.put(cacheKey(userKey, projectName), &cachedIndex{
		idx: idx,
		ret: retriever.NewRetriever(idx),
	})

	if proj, err := s.projects.Get(userKey, projectName); err == nil {
		proj.Status = "ready"
		proj.ChunkCount = len(idx.Chunks)
		_ = s.projects.Update(userKey, *proj)
	}

	log.Printf("Processing complete for %s/%s: %d chunks", userKey, projectName, len(idx.Chunks))
}

func (s *Server) failIngestion(msg string) {
	s.ingestStatus.update(func(st *IngestState) {
		st.Phase = "error"
		st.Error = msg
	})
}

func (s *Server) handleCancelProcess(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	sess := s.requireSession(w, r)
	if sess == nil {
		return
	}

	sess.Lock()
	userKey := chat.SanitizeUserKey(sess.Identity)
	projectName := sess.Project
	sess.Unlock()

	s.mu.Lock()
	cancel := s.ingestCancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		log.Printf("Processing cancel requested by user")
	}

	// Reset project status back to upload (handles stale "processing" too)
	if projectName != "" {
		if proj, err := s.projects.Get(userKey, projectName); err == nil {
			if proj.Status == "processing" || proj.Status == "upload" {
				proj.Status = "upload"
				_ = s.projects.Update(userKey, *proj)
			}
		}
	}

	s.ingestStatus.update(func(st *IngestState) {
		st.Phase = "idle"
		st.Error = ""
	})

	jsonResp(w, map[string]string{"status": "cancelled"})
}

// loadProjectIndex returns the project's index, from the LRU cache or disk.
func (s *Server) loadProjectIndex(userKey, projectName string) (*cachedIndex, error) {
	key := cacheKey(userKey, projectName)
	if cached, ok := s.indexCache.get(key); ok {
		return cached, nil
	}

	vectorsPath := s.projects.VectorsPath(userKey, projectName)
	if _, err := os.Stat(strings.TrimSuffix(vectorsPath, ".json") + ".gob"); err != nil {
		if _, err := os.Stat(vectorsPath); os.IsNotExist(err) {
			return nil, fmt.Errorf("project %s has no built index", projectName)
		}
	}

	s.mu.RLock()
	embedKey := s.embedAPIKey
	s.mu.RUnlock()

	idx, err := indexer.NewIndex(embedKey, "", s.projects.BM25Dir(userKey, projectName))
	if err != nil {
		return nil, fmt.Errorf("failed to open BM25 index: %w", err)
	}
	if err := idx.LoadVectors(vectorsPath); err != nil {
		_ = idx.Close()
		return nil, fmt.Errorf("failed to load vectors: %w", err)
	}

	// Summaries saved standalone win over the copy inside the vector store
	if summaries, err := indexer.LoadSummaries(s.projects.SummariesPath(userKey, projectName)); err == nil && len(summaries) > 0 {
		idx.Summaries = summaries
	}

	cached := &cachedIndex{idx: idx, ret: retriever.NewRetriever(idx)}
	s.indexCache.put(key, cached)
	log.Printf("Loaded %d chunks for %s", len(idx.Chunks), key)
	return cached, nil
}
