package project

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Project is one document workspace of a user, with its own uploads and
// indexes.
type Project struct {
	Name       string    `json:"name"`
	CreatedAt  time.Time `json:"created_at"`
	FileCount  int       `json:"file_count"`
	ChunkCount int       `json:"chunk_count"`
	Status     string    `json:"status"` // "upload", "processing", "ready"
}

// Store manages per-user project registries on disk. Each user gets a
// directory under dataDir keyed by their sanitized identity, holding a
// projects.json registry plus one directory per project.
type Store struct {
	mu      sync.Mutex
	dataDir string
}

func NewStore(dataDir string) (*Store, error) {
	if err := os.MkdirAll(filepath.Join(dataDir, "users"), 0755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}
	return &Store{dataDir: dataDir}, nil
}

// validName rejects names that would escape the user's directory.
func validName(name string) error {
	if name == "" {
		return fmt.Errorf("project name required")
	}
	if strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return fmt.Errorf("invalid project name: %s", name)
	}
	return nil
}

func (s *Store) userDir(userKey string) string {
	return filepath.Join(s.dataDir, "users", userKey)
}

func (s *Store) registryPath(userKey string) string {
	return filepath.Join(s.userDir(userKey), "projects.json")
}

func (s *Store) loadRegistry(userKey string) []Project {
	var projects []Project
	if data, err := os.ReadFile(s.registryPath(userKey)); err == nil {
		_ = json.Unmarshal(data, &projects)
	}
	return projects
}

func (s *Store) saveRegistry(userKey string, projects []Project) error {
	if err := os.MkdirAll(s.userDir(userKey), 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(projects, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.registryPath(userKey), data, 0644)
}

// ==================== Project CRUD ====================

func (s *Store) Create(userKey, name string) (*Project, error) {
	if err := validName(name); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	projects := s.loadRegistry(userKey)
	for _, p := range projects {
		if p.Name == name {
			return nil, fmt.Errorf("project already exists: %s", name)
		}
	}

	if err := os.MkdirAll(s.UploadsDir(userKey, name), 0755); err != nil {
		return nil, fmt.Errorf("failed to create project dir: %w", err)
	}

	p := Project{Name: name, CreatedAt: time.Now(), Status: "upload"}
	projects = append(projects, p)
	if err := s.saveRegistry(userKey, projects); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *Store) List(userKey string) []Project {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadRegistry(userKey)
}

func (s *Store) Get(userKey, name string) (*Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range s.loadRegistry(userKey) {
		if p.Name == name {
			return &p, nil
		}
	}
	return nil, fmt.Errorf("project not found: %s", name)
}

func (s *Store) Update(userKey string, project Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	projects := s.loadRegistry(userKey)
	for i := range projects {
		if projects[i].Name == project.Name {
			projects[i] = project
			return s.saveRegistry(userKey, projects)
		}
	}
	return fmt.Errorf("project not found: %s", project.Name)
}

func (s *Store) Delete(userKey, name string) error {
	if err := validName(name); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	projects := s.loadRegistry(userKey)
	found := false
	var updated []Project
	for _, p := range projects {
		if p.Name == name {
			found = true
			continue
		}
		updated = append(updated, p)
	}
	if !found {
		return fmt.Errorf("project not found: %s", name)
	}

	_ = os.RemoveAll(s.ProjectDir(userKey, name))
	return s.saveRegistry(userKey, updated)
}

// ==================== Path Helpers ====================

func (s *Store) ProjectDir(userKey, name string) string {
	return filepath.Join(s.userDir(userKey), name)
}

func (s *Store) UploadsDir(userKey, name string) string {
	return filepath.Join(s.userDir(userKey), name, "uploads")
}

func (s *Store) BM25Dir(userKey, name string) string {
	return filepath.Join(s.userDir(userKey), name, "bm25.index")
}

func (s *Store) VectorsPath(userKey, name string) string {
	return filepath.Join(s.userDir(userKey), name, "vectors.json")
}

func (s *Store) SummariesPath(userKey, name string) string {
	return filepath.Join(s.userDir(userKey), name, "summaries.json")
}
