package chat

import (
	"testing"
	"time"
)

// ========== Session ==========

func TestSession_AppendMarksUnsaved(t *testing.T) {
	s := &Session{}
	s.resetChat("chat_x")

	if s.HasUnsaved() {
		t.Error("fresh chat should not be unsaved")
	}
	s.Append(Message{Role: "user", Content: "hi"})
	if !s.HasUnsaved() {
		t.Error("appended message should mark the chat unsaved")
	}
}

func TestSession_ResetChat(t *testing.T) {
	s := &Session{}
	s.resetChat("chat_a")
	s.Append(Message{Role: "user", Content: "hi"})
	s.Title = "something"

	s.resetChat("chat_b")
	if s.ChatID != "chat_b" || s.Title != DefaultTitle || len(s.Messages) != 0 || s.HasUnsaved() {
		t.Errorf("resetChat left state behind: %+v", s)
	}
}

// ========== SessionStore ==========

func TestSessionStore_Lifecycle(t *testing.T) {
	st := NewSessionStore()

	token, sess := st.Create("a@b.com", "idtok", time.Now().Add(time.Hour))
	if token == "" {
		t.Fatal("expected non-empty session token")
	}
	if sess.ChatID == "" {
		t.Error("new session should start with an active chat id")
	}

	got := st.Get(token)
	if got != sess {
		t.Fatal("Get should return the created session")
	}

	st.Delete(token)
	if st.Get(token) != nil {
		t.Error("session should be gone after Delete")
	}
}

func TestSessionStore_UnknownToken(t *testing.T) {
	st := NewSessionStore()
	if st.Get("nope") != nil {
		t.Error("unknown token should return nil")
	}
}

func TestSessionStore_ExpiredCredential(t *testing.T) {
	st := NewSessionStore()
	token, _ := st.Create("a@b.com", "idtok", time.Now().Add(-time.Minute))

	if st.Get(token) != nil {
		t.Error("expired session should not be returned")
	}
	// Expiry evicts the session entirely.
	if st.Get(token) != nil {
		t.Error("expired session should have been evicted")
	}
}

func TestSessionStore_ZeroExpiryNeverExpires(t *testing.T) {
	st := NewSessionStore()
	token, _ := st.Create("a@b.com", "idtok", time.Time{})

	if st.Get(token) == nil {
		t.Error("session with unknown expiry should stay valid")
	}
}

func TestSessionStore_UniqueTokens(t *testing.T) {
	st := NewSessionStore()
	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		token, _ := st.Create("a@b.com", "idtok", time.Time{})
		if seen[token] {
			t.Fatalf("duplicate session token: %s", token)
		}
		seen[token] = true
	}
}
