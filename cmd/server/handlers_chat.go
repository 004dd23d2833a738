package main

import (
	"encoding/json"
	"errors"
	"net/http"

	"dora/internal/chat"
)

// ========== Chat Persistence Endpoints ==========

type chatIndexRequest struct {
	Index int `json:"index"`
}

// chatState is what the client needs to render the active chat.
type chatState struct {
	ChatID   string         `json:"chat_id"`
	Title    string         `json:"title"`
	Project  string         `json:"project,omitempty"`
	Messages []chat.Message `json:"messages"`
}

func currentChatState(sess *chat.Session) chatState {
	return chatState{
		ChatID:   sess.ChatID,
		Title:    sess.Title,
		Project:  sess.Project,
		Messages: append([]chat.Message(nil), sess.Messages...),
	}
}

// chatErrStatus maps manager sentinels to HTTP status codes.
func chatErrStatus(err error) int {
	switch {
	case errors.Is(err, chat.ErrNoIdentity):
		return http.StatusUnauthorized
	case errors.Is(err, chat.ErrNoMessages):
		return http.StatusBadRequest
	case errors.Is(err, chat.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleChats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	sess := s.requireSession(w, r)
	if sess == nil {
		return
	}

	sess.Lock()
	list := s.chatManager().ListChats(r.Context(), sess)
	sess.Unlock()

	if list == nil {
		list = []chat.Record{}
	}
	jsonResp(w, list)
}

func (s *Server) handleNewChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	sess := s.requireSession(w, r)
	if sess == nil {
		return
	}

	sess.Lock()
	s.chatManager().StartNew(r.Context(), sess)
	state := currentChatState(sess)
	sess.Unlock()

	jsonResp(w, state)
}

func (s *Server) handleSaveChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	sess := s.requireSession(w, r)
	if sess == nil {
		return
	}

	sess.Lock()
	err := s.chatManager().Save(r.Context(), sess)
	title := sess.Title
	chatID := sess.ChatID
	sess.Unlock()

	if err != nil {
		jsonErr(w, err.Error(), chatErrStatus(err))
		return
	}
	jsonResp(w, map[string]string{"status": "saved", "chat_id": chatID, "title": title})
}

func (s *Server) handleLoadChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	sess := s.requireSession(w, r)
	if sess == nil {
		return
	}

	var req chatIndexRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonErr(w, "index is required", http.StatusBadRequest)
		return
	}

	sess.Lock()
	err := s.chatManager().Load(sess, req.Index)
	state := currentChatState(sess)
	sess.Unlock()

	if err != nil {
		jsonErr(w, err.Error(), chatErrStatus(err))
		return
	}
	jsonResp(w, state)
}

func (s *Server) handleDeleteChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	sess := s.requireSession(w, r)
	if sess == nil {
		return
	}

	var req chatIndexRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonErr(w, "index is required", http.StatusBadRequest)
		return
	}

	sess.Lock()
	err := s.chatManager().Delete(r.Context(), sess, req.Index)
	state := currentChatState(sess)
	sess.Unlock()

	if err != nil {
		jsonErr(w, err.Error(), chatErrStatus(err))
		return
	}
	jsonResp(w, state)
}
