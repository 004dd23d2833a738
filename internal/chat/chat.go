package chat

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// TimestampLayout is the wire format for chat timestamps.
const TimestampLayout = "2006-01-02 15:04:05"

const (
	// DefaultTitle is used when a chat has no user message to derive a title from.
	DefaultTitle = "New Chat"
	// ImagePlaceholder replaces rendered chart content when a chat is persisted.
	ImagePlaceholder = "[Image visualization]"

	titleMaxRunes = 30
)

// Message is a single turn in a chat. IsImage marks assistant messages whose
// content is a rendered chart (base64 PNG) while held in the session.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	IsImage bool   `json:"is_image,omitempty"`
}

// Record is the persisted shape of one chat under
// users/<user_key>/chats/<chat_id> in the remote database.
type Record struct {
	ChatID    string    `json:"chat_id"`
	Title     string    `json:"title"`
	Timestamp string    `json:"timestamp"`
	Messages  []Message `json:"messages"`
	Project   string    `json:"project"`
}

// NewChatID returns a fresh chat identifier: a short random token plus a
// second-resolution timestamp, e.g. "chat_1a2b3c4d5e_20250114093045".
func NewChatID(now time.Time) string {
	token := strings.ReplaceAll(uuid.NewString(), "-", "")[:10]
	return fmt.Sprintf("chat_%s_%s", token, now.Format("20060102150405"))
}

var userKeyReplacer = strings.NewReplacer("@", "_at_", ".", "_")

// SanitizeUserKey maps an identity (email) to a database-safe key:
// "." becomes "_" and "@" becomes "_at_", so "a@b.com" -> "a_at_b_com".
func SanitizeUserKey(identity string) string {
	return userKeyReplacer.Replace(identity)
}

// DeriveTitle returns the chat title: the first user message, truncated to 30
// characters with a "..." suffix when longer. Falls back to DefaultTitle.
func DeriveTitle(messages []Message) string {
	for _, m := range messages {
		if m.Role != "user" {
			continue
		}
		runes := []rune(m.Content)
		if len(runes) > titleMaxRunes {
			return string(runes[:titleMaxRunes]) + "..."
		}
		return m.Content
	}
	return DefaultTitle
}

// SanitizeMessages returns a copy of messages safe for remote persistence.
// Image messages keep their role and flag but their content is replaced with
// ImagePlaceholder, so the round trip is intentionally lossy for images.
func SanitizeMessages(messages []Message) []Message {
	out := make([]Message, len(messages))
	for i, m := range messages {
		if m.IsImage {
			m.Content = ImagePlaceholder
		}
		out[i] = m
	}
	return out
}
