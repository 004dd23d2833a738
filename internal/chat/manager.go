package chat

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"
)

// Precondition failures surfaced to handlers as user-facing messages.
var (
	ErrNoIdentity = errors.New("no signed-in identity")
	ErrNoMessages = errors.New("chat has no messages")
	ErrNotFound   = errors.New("chat not found")
)

// RemoteStore is the hosted database surface chats are persisted to. The
// authToken may be empty; the backing store decides whether unauthenticated
// writes are accepted.
type RemoteStore interface {
	SetChat(ctx context.Context, userKey, chatID string, rec Record, authToken string) error
	GetChats(ctx context.Context, userKey, authToken string) (map[string]Record, error)
	RemoveChat(ctx context.Context, userKey, chatID, authToken string) error
}

// Manager implements the chat lifecycle (save, load, delete, list, start new,
// logout) over a RemoteStore. Last write wins on concurrent saves of the same
// chat id; there is no retry or version check.
type Manager struct {
	store RemoteStore
	now   func() time.Time
}

func NewManager(store RemoteStore) *Manager {
	return &Manager{store: store, now: time.Now}
}

// Save persists the active chat. Preconditions (a signed-in identity and at
// least one message) are checked before any remote write; on failure the
// remote store is untouched. On success the session's chat list is updated,
// replacing an existing entry with the same chat id or prepending a new one.
func (m *Manager) Save(ctx context.Context, s *Session) error {
	if s.Identity == "" {
		return ErrNoIdentity
	}
	if len(s.Messages) == 0 {
		return ErrNoMessages
	}
	if s.ChatID == "" {
		// An empty id would collapse the record path onto the user's whole
		// chat collection.
		s.ChatID = NewChatID(m.now())
	}

	rec := Record{
		ChatID:    s.ChatID,
		Title:     DeriveTitle(s.Messages),
		Timestamp: m.now().Format(TimestampLayout),
		Messages:  SanitizeMessages(s.Messages),
		Project:   s.Project,
	}

	userKey := SanitizeUserKey(s.Identity)
	if err := m.store.SetChat(ctx, userKey, rec.ChatID, rec, s.IDToken); err != nil {
		return fmt.Errorf("save chat %s: %w", rec.ChatID, err)
	}

	s.Title = rec.Title
	replaced := false
	for i := range s.ChatList {
		if s.ChatList[i].ChatID == rec.ChatID {
			s.ChatList[i] = rec
			replaced = true
			break
		}
	}
	if !replaced {
		s.ChatList = append([]Record{rec}, s.ChatList...)
	}
	s.dirty = false
	return nil
}

// StartNew saves the active chat if it has unsaved messages, then switches
// the session to a fresh chat. A failed save is logged but never blocks the
// switch; the session always comes out holding a fresh empty chat.
func (m *Manager) StartNew(ctx context.Context, s *Session) {
	if s.HasUnsaved() {
		if err := m.Save(ctx, s); err != nil {
			log.Printf("Warning: could not save chat before starting a new one: %v", err)
		}
	}
	s.resetChat(NewChatID(m.now()))
}

// Load replaces the active chat and project context with the list entry at
// index. A record saved without a project clears the active project. The
// loaded chat starts clean: loading and immediately starting a new chat
// performs no remote write.
func (m *Manager) Load(s *Session, index int) error {
	if index < 0 || index >= len(s.ChatList) {
		return fmt.Errorf("chat index %d: %w", index, ErrNotFound)
	}
	rec := s.ChatList[index]
	s.ChatID = rec.ChatID
	s.Title = rec.Title
	s.Project = rec.Project
	s.Messages = append([]Message(nil), rec.Messages...)
	s.dirty = false
	return nil
}

// Delete removes the list entry at index from the remote store and then from
// the session. If the remote delete fails the local list is left unchanged.
// Deleting the active chat switches the session to a fresh one.
func (m *Manager) Delete(ctx context.Context, s *Session, index int) error {
	if index < 0 || index >= len(s.ChatList) {
		return fmt.Errorf("chat index %d: %w", index, ErrNotFound)
	}
	if s.Identity == "" {
		return ErrNoIdentity
	}

	rec := s.ChatList[index]
	userKey := SanitizeUserKey(s.Identity)
	if err := m.store.RemoveChat(ctx, userKey, rec.ChatID, s.IDToken); err != nil {
		return fmt.Errorf("delete chat %s: %w", rec.ChatID, err)
	}

	s.ChatList = append(s.ChatList[:index:index], s.ChatList[index+1:]...)
	if s.ChatID == rec.ChatID {
		s.resetChat(NewChatID(m.now()))
	}
	return nil
}

// ListChats fetches all chats for the session's identity, newest first, and
// caches the result on the session. A fetch failure is logged as a warning
// and yields an empty list rather than an error.
func (m *Manager) ListChats(ctx context.Context, s *Session) []Record {
	if s.Identity == "" {
		return nil
	}
	userKey := SanitizeUserKey(s.Identity)
	chats, err := m.store.GetChats(ctx, userKey, s.IDToken)
	if err != nil {
		log.Printf("Warning: could not load chats for %s: %v", userKey, err)
		s.ChatList = nil
		return nil
	}

	list := make([]Record, 0, len(chats))
	for id, rec := range chats {
		if rec.ChatID == "" {
			rec.ChatID = id
		}
		list = append(list, rec)
	}
	sort.SliceStable(list, func(i, j int) bool {
		return list[i].Timestamp > list[j].Timestamp
	})
	s.ChatList = list
	return list
}

// Logout saves the active chat if it has unsaved messages, then clears the
// session. A failed save is logged but never blocks the logout.
func (m *Manager) Logout(ctx context.Context, s *Session) {
	if s.HasUnsaved() {
		if err := m.Save(ctx, s); err != nil {
			log.Printf("Warning: could not save chat on logout: %v", err)
		}
	}
	s.clear()
}
