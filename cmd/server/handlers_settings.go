package main

import (
	"encoding/json"
	"log"
	"net/http"
	"strings"

	"dora/internal/chat"
	"dora/internal/firebase"
)

// ========== Settings Endpoint ==========

func (s *Server) handleSettings(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.mu.RLock()
		resp := map[string]interface{}{
			"default_llm":      s.defaultLLM,
			"openai_key":       maskKey(s.providerKeys["openai"]),
			"anthropic_key":    maskKey(s.providerKeys["anthropic"]),
			"firebase_api_key": maskKey(s.auth.APIKey()),
			"database_url":     s.db.BaseURL(),
		}
		s.mu.RUnlock()
		jsonResp(w, resp)

	case http.MethodPost:
		var req struct {
			OpenAIKey      string `json:"openai_key"`
			AnthropicKey   string `json:"anthropic_key"`
			FirebaseAPIKey string `json:"firebase_api_key"`
			DatabaseURL    string `json:"database_url"`
			DefaultLLM     string `json:"default_llm"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			jsonErr(w, "Invalid request", http.StatusBadRequest)
			return
		}

		s.mu.Lock()
		// Only update keys if a real (non-masked) value was sent
		if req.OpenAIKey != "" && !strings.Contains(req.OpenAIKey, "...") {
			s.providerKeys["openai"] = req.OpenAIKey
			s.embedAPIKey = req.OpenAIKey
		}
		if req.AnthropicKey != "" && !strings.Contains(req.AnthropicKey, "...") {
			s.providerKeys["anthropic"] = req.AnthropicKey
		}
		if req.FirebaseAPIKey != "" && !strings.Contains(req.FirebaseAPIKey, "...") {
			s.auth = firebase.NewAuth(req.FirebaseAPIKey)
		}
		if req.DatabaseURL != "" {
			s.db = firebase.NewDatabase(req.DatabaseURL)
			s.chats = chat.NewManager(s.db)
		}
		if req.DefaultLLM != "" {
			s.defaultLLM = req.DefaultLLM
		}

		saved := SavedSettings{
			OpenAIKey:      s.providerKeys["openai"],
			AnthropicKey:   s.providerKeys["anthropic"],
			FirebaseAPIKey: s.auth.APIKey(),
			DatabaseURL:    s.db.BaseURL(),
			DefaultLLM:     s.defaultLLM,
		}
		s.mu.Unlock()

		if err := persistSettings(saved); err != nil {
			log.Printf("Failed to persist settings: %v", err)
		}

		log.Printf("Settings updated: LLM=%s", saved.DefaultLLM)
		jsonResp(w, map[string]string{"status": "saved"})

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}
