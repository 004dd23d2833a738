package main

import (
	"container/list"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"sync"

	"dora/internal/chat"
	"dora/internal/crypto"
	"dora/internal/firebase"
	"dora/internal/indexer"
	"dora/internal/llm"
	"dora/internal/project"
	"dora/internal/retriever"

	"github.com/gorilla/websocket"
)

// Server holds all shared state.
type Server struct {
	mu sync.RWMutex

	sessions *chat.SessionStore
	chats    *chat.Manager
	projects *project.Store
	auth     *firebase.Auth
	db       *firebase.Database

	// Index cache: LRU cache of loaded indexes keyed by "userKey/project".
	// Keeps up to maxCacheSize entries; least-recently-used is evicted.
	indexCache *lruCache

	ingestStatus *IngestStatus
	ingestCancel context.CancelFunc // cancels the active ingestion goroutine

	providerKeys map[string]string
	defaultLLM   string
	embedAPIKey  string
}

const maxCacheSize = 5

type cachedIndex struct {
	idx *indexer.Index
	ret *retriever.Retriever
}

func cacheKey(userKey, projectName string) string {
	return userKey + "/" + projectName
}

// lruCache is a thread-safe LRU cache for loaded indexes.
type lruCache struct {
	mu      sync.Mutex
	maxSize int
	items   map[string]*list.Element
	order   *list.List // front = most recently used
}

type lruEntry struct {
	key   string
	value *cachedIndex
}

func newLRUCache(maxSize int) *lruCache {
	return &lruCache{
		maxSize: maxSize,
		items:   make(map[string]*list.Element),
		order:   list.New(),
	}
}

// get returns the cached index and true if found, promoting it to front.
func (c *lruCache) get(key string) (*cachedIndex, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		c.order.MoveToFront(el)
		return el.Value.(*lruEntry).value, true
	}
	return nil, false
}

// put adds or updates an entry. If the cache is full, the LRU entry is
// evicted and its BM25 index closed.
func (c *lruCache) put(key string, value *cachedIndex) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		c.order.MoveToFront(el)
		el.Value.(*lruEntry).value = value
		return
	}
	if c.order.Len() >= c.maxSize {
		oldest := c.order.Back()
		if oldest != nil {
			entry := oldest.Value.(*lruEntry)
			c.order.Remove(oldest)
			delete(c.items, entry.key)
			_ = entry.value.idx.Close()
			log.Printf("LRU cache: evicted index for %s", entry.key)
		}
	}
	el := c.order.PushFront(&lruEntry{key: key, value: value})
	c.items[key] = el
}

// delete removes an entry from the cache and closes its index.
func (c *lruCache) delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		c.order.Remove(el)
		delete(c.items, key)
		_ = el.Value.(*lruEntry).value.idx.Close()
	}
}

// ========== Ingest Status ==========

// IngestState is the progress snapshot sent to clients, via GET polling and
// the status websocket.
type IngestState struct {
	Phase       string       `json:"phase"` // idle, processing, done, error, cancelled
	Project     string       `json:"project,omitempty"`
	FilesTotal  int          `json:"files_total"`
	FilesDone   int          `json:"files_done"`
	ChunksTotal int          `json:"chunks_total"`
	ChunksDone  int          `json:"chunks_done"`
	Error       string       `json:"error,omitempty"`
	FileResults []FileResult `json:"file_results,omitempty"`
}

// IngestStatus holds the current ingest state and the websocket subscribers
// it is pushed to on every change.
type IngestStatus struct {
	mu    sync.Mutex
	state IngestState
	conns map[*websocket.Conn]bool
}

// FileResult tracks per-file processing outcome.
type FileResult struct {
	Name   string `json:"name"`
	Status string `json:"status"` // "ok" or "failed"
	Error  string `json:"error,omitempty"`
	Chunks int    `json:"chunks"`
}

func newIngestStatus() *IngestStatus {
	return &IngestStatus{
		state: IngestState{Phase: "idle"},
		conns: make(map[*websocket.Conn]bool),
	}
}

func (s *IngestStatus) snapshot() IngestState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// update applies fn under the lock and pushes the new state to every
// websocket subscriber. Writes are serialized under the same lock.
func (s *IngestStatus) update(fn func(*IngestState)) {
	s.mu.Lock()
	fn(&s.state)
	snap := s.state

	var dead []*websocket.Conn
	for conn := range s.conns {
		if err := conn.WriteJSON(snap); err != nil {
			dead = append(dead, conn)
		}
	}
	for _, conn := range dead {
		delete(s.conns, conn)
		_ = conn.Close()
	}
	s.mu.Unlock()
}

func (s *IngestStatus) reset() {
	s.update(func(st *IngestState) {
		*st = IngestState{Phase: "idle"}
	})
}

func (s *IngestStatus) subscribe(conn *websocket.Conn) {
	s.mu.Lock()
	s.conns[conn] = true
	// Send current state immediately so the client does not wait for the
	// next progress event.
	_ = conn.WriteJSON(s.state)
	s.mu.Unlock()
}

func (s *IngestStatus) unsubscribe(conn *websocket.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	_ = conn.Close()
}

// ========== Settings Persistence ==========

const settingsFile = "data/settings.json"

type SavedSettings struct {
	OpenAIKey      string `json:"openai_key"`
	AnthropicKey   string `json:"anthropic_key"`
	FirebaseAPIKey string `json:"firebase_api_key"`
	DatabaseURL    string `json:"database_url"`
	DefaultLLM     string `json:"default_llm"`
}

func loadSavedSettings() *SavedSettings {
	data, err := os.ReadFile(settingsFile)
	if err != nil {
		return nil
	}
	var s SavedSettings
	if err := json.Unmarshal(data, &s); err != nil {
		log.Printf("Warning: could not parse %s: %v", settingsFile, err)
		return nil
	}

	// Decrypt API key fields (backward-compatible: if decryption fails, use raw value)
	s.OpenAIKey = decryptOrPassthrough(s.OpenAIKey)
	s.AnthropicKey = decryptOrPassthrough(s.AnthropicKey)
	s.FirebaseAPIKey = decryptOrPassthrough(s.FirebaseAPIKey)

	return &s
}

// decryptOrPassthrough tries to decrypt a value; if it fails (e.g. legacy
// plaintext), returns the original value unchanged.
func decryptOrPassthrough(val string) string {
	if val == "" {
		return ""
	}
	decrypted, err := crypto.Decrypt(val)
	if err != nil {
		return val
	}
	return decrypted
}

func persistSettings(s SavedSettings) error {
	_ = os.MkdirAll("data", 0755)

	// Encrypt API key fields before writing to disk
	toSave := s
	var err error
	if toSave.OpenAIKey, err = crypto.Encrypt(s.OpenAIKey); err != nil {
		log.Printf("Warning: failed to encrypt OpenAI key: %v", err)
		toSave.OpenAIKey = s.OpenAIKey
	}
	if toSave.AnthropicKey, err = crypto.Encrypt(s.AnthropicKey); err != nil {
		log.Printf("Warning: failed to encrypt Anthropic key: %v", err)
		toSave.AnthropicKey = s.AnthropicKey
	}
	if toSave.FirebaseAPIKey, err = crypto.Encrypt(s.FirebaseAPIKey); err != nil {
		log.Printf("Warning: failed to encrypt Firebase key: %v", err)
		toSave.FirebaseAPIKey = s.FirebaseAPIKey
	}

	data, err := json.MarshalIndent(toSave, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(settingsFile, data, 0644)
}

func maskKey(key string) string {
	if len(key) <= 8 {
		if key == "" {
			return ""
		}
		return "****"
	}
	return key[:4] + "..." + key[len(key)-4:]
}

// ========== Middleware ==========

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ========== Helpers ==========

// A settings update can swap the auth, database, and chat manager clients
// under s.mu; handlers must read them through these accessors.

func (s *Server) authClient() *firebase.Auth {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.auth
}

func (s *Server) database() *firebase.Database {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.db
}

func (s *Server) chatManager() *chat.Manager {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.chats
}

// session resolves the bearer token in the Authorization header (or the
// "token" query parameter for websocket clients) to a live session.
func (s *Server) session(r *http.Request) *chat.Session {
	token := strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer"))
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	if token == "" {
		return nil
	}
	return s.sessions.Get(token)
}

// requireSession resolves the session or writes a 401.
func (s *Server) requireSession(w http.ResponseWriter, r *http.Request) *chat.Session {
	sess := s.session(r)
	if sess == nil {
		jsonErr(w, "Not signed in", http.StatusUnauthorized)
	}
	return sess
}

func (s *Server) getProvider(requestedProvider, requestedModel string) (llm.Provider, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	provider := requestedProvider
	if provider == "" {
		provider = s.defaultLLM
	}
	apiKey := s.providerKeys[provider]
	if apiKey == "" || apiKey == "your_openai_key_here" || apiKey == "your_anthropic_key_here" {
		return nil, fmt.Errorf("no API key configured for provider: %s", provider)
	}
	return llm.NewProvider(provider, apiKey, requestedModel)
}

func jsonResp(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func jsonErr(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
