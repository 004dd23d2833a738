package main

import (
	"encoding/json"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"dora/internal/chat"

	"github.com/gorilla/websocket"
)

// uploadExts are the document types the extractor understands.
var uploadExts = map[string]bool{
	".pdf":  true,
	".docx": true,
	".pptx": true,
	".txt":  true,
	".md":   true,
	".csv":  true,
}

// ========== Project Endpoints ==========

func (s *Server) handleProjects(w http.ResponseWriter, r *http.Request) {
	sess := s.requireSession(w, r)
	if sess == nil {
		return
	}

	sess.Lock()
	userKey := chat.SanitizeUserKey(sess.Identity)
	sess.Unlock()

	switch r.Method {
	case http.MethodGet:
		jsonResp(w, s.projects.List(userKey))

	case http.MethodPost:
		var req struct {
			Name string `json:"name"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)

		proj, err := s.projects.Create(userKey, req.Name)
		if err != nil {
			jsonErr(w, err.Error(), http.StatusBadRequest)
			return
		}

		// New project becomes the active one
		sess.Lock()
		sess.Project = proj.Name
		sess.Projects = append(sess.Projects, proj.Name)
		sess.Unlock()

		jsonResp(w, proj)

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleSelectProject(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	sess := s.requireSession(w, r)
	if sess == nil {
		return
	}

	var req struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		jsonErr(w, "name is required", http.StatusBadRequest)
		return
	}

	sess.Lock()
	userKey := chat.SanitizeUserKey(sess.Identity)
	sess.Unlock()

	proj, err := s.projects.Get(userKey, req.Name)
	if err != nil {
		jsonErr(w, err.Error(), http.StatusNotFound)
		return
	}

	sess.Lock()
	sess.Project = proj.Name
	sess.Unlock()

	// Warm the index cache so the first question does not pay the load cost
	if proj.Status == "ready" {
		if _, err := s.loadProjectIndex(userKey, proj.Name); err != nil {
			log.Printf("Warning: could not load index for %s/%s: %v", userKey, proj.Name, err)
		}
	}

	jsonResp(w, proj)
}

func (s *Server) handleDeleteProject(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost && r.Method != http.MethodDelete {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	sess := s.requireSession(w, r)
	if sess == nil {
		return
	}

	var req struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		jsonErr(w, "name is required", http.StatusBadRequest)
		return
	}

	sess.Lock()
	userKey := chat.SanitizeUserKey(sess.Identity)
	sess.Unlock()

	s.indexCache.delete(cacheKey(userKey, req.Name))

	if err := s.projects.Delete(userKey, req.Name); err != nil {
		jsonErr(w, err.Error(), http.StatusNotFound)
		return
	}

	sess.Lock()
	if sess.Project == req.Name {
		sess.Project = ""
	}
	for i, name := range sess.Projects {
		if name == req.Name {
			sess.Projects = append(sess.Projects[:i:i], sess.Projects[i+1:]...)
			break
		}
	}
	sess.Unlock()

	jsonResp(w, map[string]string{"status": "deleted"})
}

// ========== File Upload ==========

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
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
		jsonErr(w, "No active project. Create or select a project first.", http.StatusBadRequest)
		return
	}

	// Parse multipart (max 100MB)
	if err := r.ParseMultipartForm(100 << 20); err != nil {
		jsonErr(w, "Failed to parse upload: "+err.Error(), http.StatusBadRequest)
		return
	}

	files := r.MultipartForm.File["files"]
	if len(files) == 0 {
		files = r.MultipartForm.File["file"]
	}
	if len(files) == 0 {
		jsonErr(w, "No files uploaded", http.StatusBadRequest)
		return
	}

	uploadsDir := s.projects.UploadsDir(userKey, projectName)
	_ = os.MkdirAll(uploadsDir, 0755)

	var saved []string
	for _, fh := range files {
		if !uploadExts[strings.ToLower(filepath.Ext(fh.Filename))] {
			continue
		}
		// Prevent path traversal via the client-supplied filename
		name := filepath.Base(fh.Filename)
		if name == "." || name == ".." {
			continue
		}

		src, err := fh.Open()
		if err != nil {
			continue
		}
		dst, err := os.Create(filepath.Join(uploadsDir, name))
		if err != nil {
			src.Close()
			continue
		}
		_, _ = io.Copy(dst, src)
		src.Close()
		dst.Close()
		saved = append(saved, name)
	}

	s.refreshFileCount(userKey, projectName)

	jsonResp(w, map[string]interface{}{
		"uploaded": saved,
		"count":    len(saved),
	})
}

func (s *Server) handleFiles(w http.ResponseWriter, r *http.Request) {
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
	uploadsDir := s.projects.UploadsDir(userKey, projectName)

	switch r.Method {
	case http.MethodGet:
		entries, _ := os.ReadDir(uploadsDir)
		var files []map[string]interface{}
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			info, _ := e.Info()
			size := int64(0)
			if info != nil {
				size = info.Size()
			}
			files = append(files, map[string]interface{}{
				"name": e.Name(),
				"size": size,
			})
		}
		if files == nil {
			files = []map[string]interface{}{}
		}
		jsonResp(w, files)

	case http.MethodDelete:
		var req struct {
			Name string `json:"name"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)

		if req.Name != "" {
			// Single file delete
			clean := filepath.Base(req.Name)
			if clean != req.Name || clean == "." || clean == ".." {
				jsonErr(w, "invalid filename", http.StatusBadRequest)
				return
			}
			target := filepath.Join(uploadsDir, clean)
			if _, err := os.Stat(target); os.IsNotExist(err) {
				jsonErr(w, "file not found", http.StatusNotFound)
				return
			}
			if err := os.Remove(target); err != nil {
				jsonErr(w, "failed to delete file: "+err.Error(), http.StatusInternalServerError)
				return
			}
			remaining := s.refreshFileCount(userKey, projectName)
			jsonResp(w, map[string]interface{}{"status": "deleted", "remaining": remaining})
			return
		}

		// Clear uploads and indexes for this project
		s.indexCache.delete(cacheKey(userKey, projectName))
		_ = os.RemoveAll(uploadsDir)
		_ = os.MkdirAll(uploadsDir, 0755)
		_ = os.RemoveAll(s.projects.BM25Dir(userKey, projectName))
		_ = os.Remove(s.projects.VectorsPath(userKey, projectName))
		_ = os.Remove(strings.TrimSuffix(s.projects.VectorsPath(userKey, projectName), ".json") + ".gob")
		_ = os.Remove(s.projects.SummariesPath(userKey, projectName))

		if proj, err := s.projects.Get(userKey, projectName); err == nil {
			proj.FileCount = 0
			proj.ChunkCount = 0
			proj.Status = "upload"
			_ = s.projects.Update(userKey, *proj)
		}

		s.ingestStatus.reset()
		jsonResp(w, map[string]string{"status": "cleared"})

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// refreshFileCount recounts uploads and stores the result on the project.
func (s *Server) refreshFileCount(userKey, projectName string) int {
	entries, _ := os.ReadDir(s.projects.UploadsDir(userKey, projectName))
	count := 0
	for _, e := range entries {
		if !e.IsDir() {
			count++
		}
	}
	if proj, err := s.projects.Get(userKey, projectName); err == nil {
		proj.FileCount = count
		_ = s.projects.Update(userKey, *proj)
	}
	return count
}

// ========== Status ==========

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	jsonResp(w, s.ingestStatus.snapshot())
}

var wsUpgrader = websocket.Upgrader{
	// Same-origin policy is handled by the CORS layer; the status stream
	// carries no secrets beyond progress counters.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleStatusWS streams ingest status updates over a websocket. The client
// gets the current snapshot on connect and a new one on every change.
func (s *Server) handleStatusWS(w http.ResponseWriter, r *http.Request) {
	if s.session(r) == nil {
		jsonErr(w, "Not signed in", http.StatusUnauthorized)
		return
	}

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("Status websocket upgrade failed: %v", err)
		return
	}

	s.ingestStatus.subscribe(conn)
	go func() {
		// Reads are discarded; a read error means the client went away.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				s.ingestStatus.unsubscribe(conn)
				return
			}
		}
	}()
}
