package main

import (
	"encoding/json"
	"log"
	"net/http"
	"strings"

	"dora/internal/chat"
	"dora/internal/firebase"
)

// ========== Auth Endpoints ==========

type authRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type authResponse struct {
	Token    string   `json:"token"`
	Email    string   `json:"email"`
	Projects []string `json:"projects"`
}

func (s *Server) handleSignup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req authRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Email == "" || req.Password == "" {
		jsonErr(w, "email and password are required", http.StatusBadRequest)
		return
	}

	creds, err := s.authClient().SignUp(r.Context(), req.Email, req.Password)
	if err != nil {
		jsonErr(w, err.Error(), http.StatusBadRequest)
		return
	}

	userKey := chat.SanitizeUserKey(creds.Email)
	if err := s.database().CreateUserProfile(r.Context(), userKey, creds.Email, creds.IDToken); err != nil {
		log.Printf("Warning: could not create profile for %s: %v", userKey, err)
	}

	s.startSession(w, r, creds)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req authRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Email == "" || req.Password == "" {
		jsonErr(w, "email and password are required", http.StatusBadRequest)
		return
	}

	creds, err := s.authClient().SignIn(r.Context(), req.Email, req.Password)
	if err != nil {
		jsonErr(w, err.Error(), http.StatusUnauthorized)
		return
	}

	s.startSession(w, r, creds)
}

// startSession registers a session for fresh credentials and responds with
// the session token and the user's projects. The saved chat list is fetched
// eagerly so the sidebar is populated on first paint.
func (s *Server) startSession(w http.ResponseWriter, r *http.Request, creds *firebase.Credentials) {
	token, sess := s.sessions.Create(creds.Email, creds.IDToken, creds.ExpiresAt)
	userKey := chat.SanitizeUserKey(creds.Email)

	sess.Lock()
	for _, p := range s.projects.List(userKey) {
		sess.Projects = append(sess.Projects, p.Name)
	}
	s.chatManager().ListChats(r.Context(), sess)
	projects := append([]string(nil), sess.Projects...)
	sess.Unlock()

	log.Printf("Session started for %s", userKey)
	jsonResp(w, authResponse{Token: token, Email: creds.Email, Projects: projects})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	sess := s.requireSession(w, r)
	if sess == nil {
		return
	}

	sess.Lock()
	s.chatManager().Logout(r.Context(), sess)
	sess.Unlock()

	token := strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer"))
	s.sessions.Delete(token)

	jsonResp(w, map[string]string{"status": "logged out"})
}
