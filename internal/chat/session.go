package chat

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ==================== Session ====================

// Session is the per-login state: who is signed in, which project is active,
// the in-progress chat, and the cached chat list. All manager operations take
// the session explicitly; callers must hold its lock across an operation.
type Session struct {
	sync.Mutex

	Identity  string    // signed-in email, empty when logged out
	IDToken   string    // bearer credential for remote database writes
	ExpiresAt time.Time // idToken expiry, zero if unknown

	Project  string   // active project name
	Projects []string // projects owned by this identity

	ChatID   string
	Title    string
	Messages []Message
	ChatList []Record

	dirty bool // true when Messages has turns not yet persisted
}

// Append adds a message to the active chat and marks the chat unsaved.
func (s *Session) Append(msg Message) {
	s.Messages = append(s.Messages, msg)
	s.dirty = true
}

// HasUnsaved reports whether the active chat holds messages that were not
// persisted since the last save or load.
func (s *Session) HasUnsaved() bool {
	return s.dirty && len(s.Messages) > 0
}

// resetChat switches the session to a fresh empty chat.
func (s *Session) resetChat(chatID string) {
	s.ChatID = chatID
	s.Title = DefaultTitle
	s.Messages = nil
	s.dirty = false
}

// clear wipes all identity and chat state. Used on logout.
func (s *Session) clear() {
	s.Identity = ""
	s.IDToken = ""
	s.ExpiresAt = time.Time{}
	s.Project = ""
	s.Projects = nil
	s.ChatList = nil
	s.resetChat("")
}

// ==================== SessionStore ====================

// SessionStore tracks live sessions keyed by an opaque bearer token handed to
// the client at login.
type SessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewSessionStore() *SessionStore {
	return &SessionStore{sessions: make(map[string]*Session)}
}

// Create registers a session for identity and returns the session token.
func (st *SessionStore) Create(identity, idToken string, expiresAt time.Time) (string, *Session) {
	token := strings.ReplaceAll(uuid.NewString(), "-", "")
	sess := &Session{
		Identity:  identity,
		IDToken:   idToken,
		ExpiresAt: expiresAt,
	}
	sess.resetChat(NewChatID(time.Now()))

	st.mu.Lock()
	st.sessions[token] = sess
	st.mu.Unlock()
	return token, sess
}

// Get returns the session for a token, or nil if the token is unknown or the
// session's credential has expired.
func (st *SessionStore) Get(token string) *Session {
	st.mu.RLock()
	sess := st.sessions[token]
	st.mu.RUnlock()
	if sess == nil {
		return nil
	}
	if !sess.ExpiresAt.IsZero() && time.Now().After(sess.ExpiresAt) {
		st.Delete(token)
		return nil
	}
	return sess
}

// Delete removes a session. Safe to call with an unknown token.
func (st *SessionStore) Delete(token string) {
	st.mu.Lock()
	delete(st.sessions, token)
	st.mu.Unlock()
}
