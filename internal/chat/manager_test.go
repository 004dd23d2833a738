package chat

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

// fakeRemote is an in-memory RemoteStore that counts writes and can be made
// to fail on demand.
type fakeRemote struct {
	chats      map[string]map[string]Record // userKey -> chatID -> record
	sets       int
	removes    int
	gets       int
	failSet    error
	failRemove error
	failGet    error
	lastAuth   string
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{chats: make(map[string]map[string]Record)}
}

func (f *fakeRemote) SetChat(_ context.Context, userKey, chatID string, rec Record, authToken string) error {
	f.lastAuth = authToken
	if f.failSet != nil {
		return f.failSet
	}
	f.sets++
	if f.chats[userKey] == nil {
		f.chats[userKey] = make(map[string]Record)
	}
	f.chats[userKey][chatID] = rec
	return nil
}

func (f *fakeRemote) GetChats(_ context.Context, userKey, authToken string) (map[string]Record, error) {
	f.lastAuth = authToken
	if f.failGet != nil {
		return nil, f.failGet
	}
	f.gets++
	out := make(map[string]Record, len(f.chats[userKey]))
	for id, rec := range f.chats[userKey] {
		out[id] = rec
	}
	return out, nil
}

func (f *fakeRemote) RemoveChat(_ context.Context, userKey, chatID, authToken string) error {
	f.lastAuth = authToken
	if f.failRemove != nil {
		return f.failRemove
	}
	f.removes++
	delete(f.chats[userKey], chatID)
	return nil
}

func testManager(remote *fakeRemote) *Manager {
	m := NewManager(remote)
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	n := 0
	m.now = func() time.Time {
		n++
		return base.Add(time.Duration(n) * time.Second)
	}
	return m
}

func loggedInSession() *Session {
	s := &Session{Identity: "a@b.com", IDToken: "tok123", Project: "q4-report"}
	s.resetChat(NewChatID(time.Date(2025, 3, 1, 11, 0, 0, 0, time.UTC)))
	return s
}

// ========== Save ==========

func TestSave_NoIdentity(t *testing.T) {
	remote := newFakeRemote()
	m := testManager(remote)
	s := loggedInSession()
	s.Identity = ""
	s.Append(Message{Role: "user", Content: "hello"})

	err := m.Save(context.Background(), s)
	if !errors.Is(err, ErrNoIdentity) {
		t.Fatalf("expected ErrNoIdentity, got %v", err)
	}
	if remote.sets != 0 {
		t.Errorf("precondition failure must not write: %d writes", remote.sets)
	}
}

func TestSave_NoMessages(t *testing.T) {
	remote := newFakeRemote()
	m := testManager(remote)
	s := loggedInSession()

	err := m.Save(context.Background(), s)
	if !errors.Is(err, ErrNoMessages) {
		t.Fatalf("expected ErrNoMessages, got %v", err)
	}
	if remote.sets != 0 {
		t.Errorf("precondition failure must not write: %d writes", remote.sets)
	}
}

func TestSave_WritesUnderSanitizedKey(t *testing.T) {
	remote := newFakeRemote()
	m := testManager(remote)
	s := loggedInSession()
	s.Append(Message{Role: "user", Content: "what is in the report?"})
	s.Append(Message{Role: "assistant", Content: "Revenue grew 12%."})

	if err := m.Save(context.Background(), s); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	stored, ok := remote.chats["a_at_b_com"][s.ChatID]
	if !ok {
		t.Fatalf("chat not stored under users/a_at_b_com: %+v", remote.chats)
	}
	if stored.Title != "what is in the report?" {
		t.Errorf("title = %q", stored.Title)
	}
	if stored.Project != "q4-report" {
		t.Errorf("project = %q, want q4-report", stored.Project)
	}
	if len(stored.Messages) != 2 {
		t.Errorf("stored %d messages, want 2", len(stored.Messages))
	}
	if _, err := time.Parse(TimestampLayout, stored.Timestamp); err != nil {
		t.Errorf("timestamp %q does not match layout: %v", stored.Timestamp, err)
	}
	if remote.lastAuth != "tok123" {
		t.Errorf("auth token = %q, want tok123", remote.lastAuth)
	}
}

func TestSave_ReplacesExistingListEntry(t *testing.T) {
	remote := newFakeRemote()
	m := testManager(remote)
	s := loggedInSession()
	s.Append(Message{Role: "user", Content: "first"})

	if err := m.Save(context.Background(), s); err != nil {
		t.Fatalf("first save: %v", err)
	}
	s.Append(Message{Role: "assistant", Content: "answer"})
	if err := m.Save(context.Background(), s); err != nil {
		t.Fatalf("second save: %v", err)
	}

	if len(s.ChatList) != 1 {
		t.Fatalf("saving the same chat twice should keep one entry, got %d", len(s.ChatList))
	}
	if len(s.ChatList[0].Messages) != 2 {
		t.Errorf("list entry has %d messages, want 2", len(s.ChatList[0].Messages))
	}
}

func TestSave_PrependsNewEntry(t *testing.T) {
	remote := newFakeRemote()
	m := testManager(remote)
	s := loggedInSession()
	s.ChatList = []Record{{ChatID: "chat_old", Title: "older"}}
	s.Append(Message{Role: "user", Content: "newer chat"})

	if err := m.Save(context.Background(), s); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if len(s.ChatList) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(s.ChatList))
	}
	if s.ChatList[0].ChatID != s.ChatID {
		t.Errorf("new chat should be first in the list, got %q", s.ChatList[0].ChatID)
	}
}

func TestSave_AssignsIDWhenMissing(t *testing.T) {
	remote := newFakeRemote()
	m := testManager(remote)
	s := loggedInSession()
	s.ChatID = ""
	s.Append(Message{Role: "user", Content: "hello"})

	if err := m.Save(context.Background(), s); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if s.ChatID == "" {
		t.Fatal("Save must assign a chat id when the session has none")
	}
	if _, ok := remote.chats["a_at_b_com"][s.ChatID]; !ok {
		t.Errorf("chat not stored under the assigned id %q", s.ChatID)
	}
}

func TestSave_RemoteFailureKeepsDirty(t *testing.T) {
	remote := newFakeRemote()
	remote.failSet = errors.New("503 service unavailable")
	m := testManager(remote)
	s := loggedInSession()
	s.Append(Message{Role: "user", Content: "hello"})

	if err := m.Save(context.Background(), s); err == nil {
		t.Fatal("expected error from failing remote")
	}
	if !s.HasUnsaved() {
		t.Error("failed save must leave the chat unsaved")
	}
	if len(s.ChatList) != 0 {
		t.Errorf("failed save must not touch the chat list, got %d entries", len(s.ChatList))
	}
}

// ========== Image round trip ==========

func TestSave_ImageContentIsLossy(t *testing.T) {
	remote := newFakeRemote()
	m := testManager(remote)
	s := loggedInSession()
	s.Append(Message{Role: "user", Content: "plot revenue by quarter"})
	s.Append(Message{Role: "assistant", Content: "iVBORw0KGgo=", IsImage: true})

	if err := m.Save(context.Background(), s); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	stored := remote.chats["a_at_b_com"][s.ChatID]
	if stored.Messages[1].Content != ImagePlaceholder {
		t.Errorf("stored image content = %q, want placeholder", stored.Messages[1].Content)
	}
	if !stored.Messages[1].IsImage {
		t.Error("stored image message should keep is_image")
	}
	// The live session still shows the rendered chart.
	if s.Messages[1].Content != "iVBORw0KGgo=" {
		t.Errorf("session image content mutated: %q", s.Messages[1].Content)
	}

	// Round trip: list then load yields the placeholder, not the image.
	m.ListChats(context.Background(), s)
	if err := m.Load(s, 0); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if s.Messages[1].Content != ImagePlaceholder {
		t.Errorf("loaded image content = %q, want placeholder", s.Messages[1].Content)
	}
}

// ========== StartNew ==========

func TestStartNew_SavesOnceThenResets(t *testing.T) {
	remote := newFakeRemote()
	m := testManager(remote)
	s := loggedInSession()
	oldID := s.ChatID
	s.Append(Message{Role: "user", Content: "hello"})

	m.StartNew(context.Background(), s)
	if remote.sets != 1 {
		t.Errorf("expected exactly 1 remote write, got %d", remote.sets)
	}
	if s.ChatID == oldID {
		t.Error("StartNew should assign a fresh chat id")
	}
	if len(s.Messages) != 0 || s.Title != DefaultTitle {
		t.Errorf("session not reset: %d messages, title %q", len(s.Messages), s.Title)
	}

	// Second StartNew has nothing unsaved: still exactly one write.
	m.StartNew(context.Background(), s)
	if remote.sets != 1 {
		t.Errorf("expected no additional write, got %d total", remote.sets)
	}
}

func TestStartNew_RemoteFailureStillResets(t *testing.T) {
	remote := newFakeRemote()
	remote.failSet = errors.New("503 service unavailable")
	m := testManager(remote)
	s := loggedInSession()
	oldID := s.ChatID
	s.Append(Message{Role: "user", Content: "will not reach the remote"})

	m.StartNew(context.Background(), s)

	if s.ChatID == oldID {
		t.Error("StartNew must assign a fresh chat id even when the save fails")
	}
	if len(s.Messages) != 0 || s.Title != DefaultTitle {
		t.Errorf("session not reset: %d messages, title %q", len(s.Messages), s.Title)
	}
}

func TestStartNew_EmptyChatWritesNothing(t *testing.T) {
	remote := newFakeRemote()
	m := testManager(remote)
	s := loggedInSession()

	m.StartNew(context.Background(), s)
	if remote.sets != 0 {
		t.Errorf("empty chat must not be persisted, got %d writes", remote.sets)
	}
}

func TestStartNew_NoIdentityStillResets(t *testing.T) {
	remote := newFakeRemote()
	m := testManager(remote)
	s := &Session{}
	s.resetChat("chat_abc")
	s.Append(Message{Role: "user", Content: "anonymous"})

	m.StartNew(context.Background(), s)
	if remote.sets != 0 {
		t.Errorf("no identity: expected 0 writes, got %d", remote.sets)
	}
	if s.ChatID == "chat_abc" || len(s.Messages) != 0 {
		t.Error("session should reset even when the save is skipped")
	}
}

// ========== Load ==========

func TestLoad_OutOfRange(t *testing.T) {
	m := testManager(newFakeRemote())
	s := loggedInSession()
	s.ChatList = []Record{{ChatID: "chat_a"}}

	for _, idx := range []int{-1, 1, 99} {
		if err := m.Load(s, idx); !errors.Is(err, ErrNotFound) {
			t.Errorf("Load(%d): expected ErrNotFound, got %v", idx, err)
		}
	}
}

func TestLoad_RestoresChatClean(t *testing.T) {
	remote := newFakeRemote()
	m := testManager(remote)
	s := loggedInSession()
	s.ChatList = []Record{{
		ChatID:   "chat_a",
		Title:    "old chat",
		Project:  "archive",
		Messages: []Message{{Role: "user", Content: "hi"}, {Role: "assistant", Content: "hello"}},
	}}

	if err := m.Load(s, 0); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if s.ChatID != "chat_a" || s.Title != "old chat" || s.Project != "archive" {
		t.Errorf("session = %q/%q/%q", s.ChatID, s.Title, s.Project)
	}
	if len(s.Messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(s.Messages))
	}
	if s.HasUnsaved() {
		t.Error("a freshly loaded chat must not count as unsaved")
	}

	// StartNew right after a load writes nothing.
	m.StartNew(context.Background(), s)
	if remote.sets != 0 {
		t.Errorf("expected 0 writes after load+startnew, got %d", remote.sets)
	}
}

func TestLoad_EmptyProjectClearsActive(t *testing.T) {
	m := testManager(newFakeRemote())
	s := loggedInSession()
	s.ChatList = []Record{{
		ChatID:   "chat_a",
		Title:    "projectless chat",
		Messages: []Message{{Role: "user", Content: "hi"}},
	}}

	if err := m.Load(s, 0); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if s.Project != "" {
		t.Errorf("project = %q, want cleared", s.Project)
	}
}

// ========== Delete ==========

func TestDelete_OutOfRange(t *testing.T) {
	m := testManager(newFakeRemote())
	s := loggedInSession()

	if err := m.Delete(context.Background(), s, 0); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestDelete_RemoteFailureLeavesListIntact(t *testing.T) {
	remote := newFakeRemote()
	remote.failRemove = errors.New("403 permission denied")
	m := testManager(remote)
	s := loggedInSession()
	s.ChatList = []Record{{ChatID: "chat_a"}, {ChatID: "chat_b"}}

	if err := m.Delete(context.Background(), s, 0); err == nil {
		t.Fatal("expected error from failing remote")
	}
	if len(s.ChatList) != 2 {
		t.Errorf("failed delete must not modify the list, got %d entries", len(s.ChatList))
	}
}

func TestDelete_RemovesEntry(t *testing.T) {
	remote := newFakeRemote()
	m := testManager(remote)
	s := loggedInSession()
	s.Append(Message{Role: "user", Content: "to be deleted"})
	if err := m.Save(context.Background(), s); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	if err := m.Delete(context.Background(), s, 0); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if len(s.ChatList) != 0 {
		t.Errorf("expected empty list, got %d", len(s.ChatList))
	}
	if len(remote.chats["a_at_b_com"]) != 0 {
		t.Errorf("remote still holds %d chats", len(remote.chats["a_at_b_com"]))
	}
}

func TestDelete_ActiveChatGetsFreshID(t *testing.T) {
	remote := newFakeRemote()
	m := testManager(remote)
	s := loggedInSession()
	s.Append(Message{Role: "user", Content: "hello"})
	if err := m.Save(context.Background(), s); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	deleted := s.ChatID

	if err := m.Delete(context.Background(), s, 0); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if s.ChatID == deleted {
		t.Error("deleting the active chat should switch to a fresh id")
	}
	if len(s.Messages) != 0 {
		t.Errorf("expected empty messages, got %d", len(s.Messages))
	}
}

// ========== ListChats ==========

func TestListChats_NewestFirst(t *testing.T) {
	remote := newFakeRemote()
	m := testManager(remote)
	s := loggedInSession()

	for i, ts := range []string{"2025-01-01 10:00:00", "2025-03-01 10:00:00", "2025-02-01 10:00:00"} {
		id := fmt.Sprintf("chat_%d", i)
		remote.chats["a_at_b_com"] = appendChat(remote.chats["a_at_b_com"], id, Record{
			ChatID: id, Title: ts, Timestamp: ts,
		})
	}

	list := m.ListChats(context.Background(), s)
	if len(list) != 3 {
		t.Fatalf("expected 3 chats, got %d", len(list))
	}
	want := []string{"2025-03-01 10:00:00", "2025-02-01 10:00:00", "2025-01-01 10:00:00"}
	for i, w := range want {
		if list[i].Timestamp != w {
			t.Errorf("list[%d].Timestamp = %q, want %q", i, list[i].Timestamp, w)
		}
	}
	if len(s.ChatList) != 3 {
		t.Errorf("session list not updated: %d entries", len(s.ChatList))
	}
}

func TestListChats_FetchFailureYieldsEmpty(t *testing.T) {
	remote := newFakeRemote()
	remote.failGet = errors.New("network unreachable")
	m := testManager(remote)
	s := loggedInSession()
	s.ChatList = []Record{{ChatID: "stale"}}

	list := m.ListChats(context.Background(), s)
	if list != nil {
		t.Errorf("expected nil list on fetch failure, got %d entries", len(list))
	}
	if s.ChatList != nil {
		t.Error("stale list should be cleared on fetch failure")
	}
}

func TestListChats_NoIdentity(t *testing.T) {
	remote := newFakeRemote()
	m := testManager(remote)
	s := &Session{}

	if list := m.ListChats(context.Background(), s); list != nil {
		t.Errorf("expected nil list without identity, got %d entries", len(list))
	}
	if remote.gets != 0 {
		t.Errorf("no identity: expected 0 remote reads, got %d", remote.gets)
	}
}

func appendChat(m map[string]Record, id string, rec Record) map[string]Record {
	if m == nil {
		m = make(map[string]Record)
	}
	m[id] = rec
	return m
}

// ========== Logout ==========

func TestLogout_SavesUnsavedThenClears(t *testing.T) {
	remote := newFakeRemote()
	m := testManager(remote)
	s := loggedInSession()
	s.Append(Message{Role: "user", Content: "last words"})

	m.Logout(context.Background(), s)

	if remote.sets != 1 {
		t.Errorf("expected 1 write on logout, got %d", remote.sets)
	}
	if s.Identity != "" || s.IDToken != "" || len(s.Messages) != 0 || s.ChatList != nil {
		t.Errorf("session not cleared: %+v", s)
	}
}

func TestLogout_SaveFailureStillClears(t *testing.T) {
	remote := newFakeRemote()
	remote.failSet = errors.New("write refused")
	m := testManager(remote)
	s := loggedInSession()
	s.Append(Message{Role: "user", Content: "unsaved"})

	m.Logout(context.Background(), s)

	if s.Identity != "" || len(s.Messages) != 0 {
		t.Error("logout must clear the session even when the save fails")
	}
}

// ========== End to end ==========

func TestEndToEnd_SaveListLoadDelete(t *testing.T) {
	remote := newFakeRemote()
	m := testManager(remote)
	s := loggedInSession()

	s.Append(Message{Role: "user", Content: "summarize the quarterly sales report"})
	s.Append(Message{Role: "assistant", Content: "Revenue grew 12% over Q3."})
	if err := m.Save(context.Background(), s); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	savedID := s.ChatID

	m.StartNew(context.Background(), s)

	list := m.ListChats(context.Background(), s)
	if len(list) != 1 {
		t.Fatalf("expected 1 chat in list, got %d", len(list))
	}
	if list[0].ChatID != savedID {
		t.Errorf("listed chat id = %q, want %q", list[0].ChatID, savedID)
	}
	if list[0].Title != "summarize the quarterly sales ..." {
		t.Errorf("title = %q", list[0].Title)
	}

	if err := m.Load(s, 0); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(s.Messages) != 2 {
		t.Errorf("loaded %d messages, want 2", len(s.Messages))
	}

	if err := m.Delete(context.Background(), s, 0); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if got := m.ListChats(context.Background(), s); len(got) != 0 {
		t.Errorf("expected empty list after delete, got %d", len(got))
	}
}
