package firebase

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"dora/internal/chat"
)

// Database is a REST client for a hosted realtime database. Every node lives
// at {base}/{path}.json; the idToken rides along as an auth query parameter.
// An empty token sends an unauthenticated request and lets the database's own
// rules decide whether to accept it.
type Database struct {
	baseURL string
	client  *http.Client
}

func NewDatabase(databaseURL string) *Database {
	u := strings.TrimSuffix(databaseURL, "/")
	if u != "" && !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
		u = "https://" + u
	}
	return &Database{
		baseURL: u,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

// BaseURL returns the normalized database root URL.
func (d *Database) BaseURL() string {
	return d.baseURL
}

func (d *Database) nodeURL(path, authToken string) string {
	u := fmt.Sprintf("%s/%s.json", d.baseURL, strings.Trim(path, "/"))
	if authToken != "" {
		u += "?auth=" + url.QueryEscape(authToken)
	}
	return u
}

// Put writes value at path, replacing whatever was there. Last write wins.
func (d *Database) Put(ctx context.Context, path string, value interface{}, authToken string) error {
	body, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("database marshal: %w", err)
	}

	req, _ := http.NewRequestWithContext(ctx, "PUT", d.nodeURL(path, authToken), bytes.NewBuffer(body))
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("database put error: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("database put %s: %d - %s", path, resp.StatusCode, string(bodyBytes))
	}
	return nil
}

// Get reads the node at path into dest. Returns false when the node does not
// exist (the database answers "null" for absent nodes).
func (d *Database) Get(ctx context.Context, path string, dest interface{}, authToken string) (bool, error) {
	req, _ := http.NewRequestWithContext(ctx, "GET", d.nodeURL(path, authToken), nil)

	resp, err := d.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("database get error: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return false, fmt.Errorf("database read error: %w", err)
	}
	if resp.StatusCode != 200 {
		return false, fmt.Errorf("database get %s: %d - %s", path, resp.StatusCode, string(bodyBytes))
	}
	if strings.TrimSpace(string(bodyBytes)) == "null" {
		return false, nil
	}
	if err := json.Unmarshal(bodyBytes, dest); err != nil {
		return false, fmt.Errorf("database get %s: decode: %w", path, err)
	}
	return true, nil
}

// Delete removes the node at path. Deleting an absent node succeeds.
func (d *Database) Delete(ctx context.Context, path, authToken string) error {
	req, _ := http.NewRequestWithContext(ctx, "DELETE", d.nodeURL(path, authToken), nil)

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("database delete error: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("database delete %s: %d - %s", path, resp.StatusCode, string(bodyBytes))
	}
	return nil
}

// ========== chat.RemoteStore ==========

func chatPath(userKey, chatID string) string {
	return fmt.Sprintf("users/%s/chats/%s", userKey, chatID)
}

func (d *Database) SetChat(ctx context.Context, userKey, chatID string, rec chat.Record, authToken string) error {
	return d.Put(ctx, chatPath(userKey, chatID), rec, authToken)
}

func (d *Database) GetChats(ctx context.Context, userKey, authToken string) (map[string]chat.Record, error) {
	var chats map[string]chat.Record
	ok, err := d.Get(ctx, fmt.Sprintf("users/%s/chats", userKey), &chats, authToken)
	if err != nil {
		return nil, err
	}
	if !ok {
		return map[string]chat.Record{}, nil
	}
	return chats, nil
}

func (d *Database) RemoveChat(ctx context.Context, userKey, chatID, authToken string) error {
	return d.Delete(ctx, chatPath(userKey, chatID), authToken)
}

// ========== User profile ==========

// CreateUserProfile records a signup under users/<user_key>/profile.
func (d *Database) CreateUserProfile(ctx context.Context, userKey, email, authToken string) error {
	return d.Put(ctx, fmt.Sprintf("users/%s/profile", userKey), map[string]string{
		"email":      email,
		"created_at": time.Now().Format(chat.TimestampLayout),
	}, authToken)
}
