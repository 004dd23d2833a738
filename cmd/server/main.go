package main

import (
	"log"
	"net/http"
	"os"

	"dora/internal/chat"
	"dora/internal/firebase"
	"dora/internal/project"

	"github.com/joho/godotenv"
)

func main() {
	_ = godotenv.Load()

	providerKeys := map[string]string{
		"openai":    os.Getenv("OPENAI_API_KEY"),
		"anthropic": os.Getenv("ANTHROPIC_API_KEY"),
	}
	defaultLLM := os.Getenv("LLM_PROVIDER")
	if defaultLLM == "" {
		defaultLLM = "openai"
	}
	firebaseAPIKey := os.Getenv("FIREBASE_API_KEY")
	databaseURL := os.Getenv("FIREBASE_DATABASE_URL")

	// Override with saved settings if they exist
	if saved := loadSavedSettings(); saved != nil {
		log.Printf("Loading saved settings from %s", settingsFile)
		if saved.OpenAIKey != "" {
			providerKeys["openai"] = saved.OpenAIKey
		}
		if saved.AnthropicKey != "" {
			providerKeys["anthropic"] = saved.AnthropicKey
		}
		if saved.FirebaseAPIKey != "" {
			firebaseAPIKey = saved.FirebaseAPIKey
		}
		if saved.DatabaseURL != "" {
			databaseURL = saved.DatabaseURL
		}
		if saved.DefaultLLM != "" {
			defaultLLM = saved.DefaultLLM
		}
	}

	dataDir := os.Getenv("DATA_DIR")
	if dataDir == "" {
		dataDir = "data"
	}
	projects, err := project.NewStore(dataDir)
	if err != nil {
		log.Fatalf("Failed to init project store: %v", err)
	}

	if databaseURL == "" {
		log.Printf("Warning: FIREBASE_DATABASE_URL not set; chat persistence will fail")
	}
	db := firebase.NewDatabase(databaseURL)

	srv := &Server{
		sessions:     chat.NewSessionStore(),
		chats:        chat.NewManager(db),
		projects:     projects,
		auth:         firebase.NewAuth(firebaseAPIKey),
		db:           db,
		indexCache:   newLRUCache(maxCacheSize),
		ingestStatus: newIngestStatus(),
		providerKeys: providerKeys,
		defaultLLM:   defaultLLM,
		embedAPIKey:  providerKeys["openai"],
	}

	mux := http.NewServeMux()

	// Auth endpoints
	mux.HandleFunc("/api/auth/signup", srv.handleSignup)
	mux.HandleFunc("/api/auth/login", srv.handleLogin)
	mux.HandleFunc("/api/auth/logout", srv.handleLogout)

	// Project & ingestion endpoints
	mux.HandleFunc("/api/projects", srv.handleProjects)
	mux.HandleFunc("/api/projects/select", srv.handleSelectProject)
	mux.HandleFunc("/api/projects/delete", srv.handleDeleteProject)
	mux.HandleFunc("/api/projects/upload", srv.handleUpload)
	mux.HandleFunc("/api/projects/files", srv.handleFiles)
	mux.HandleFunc("/api/projects/process", srv.handleProcess)
	mux.HandleFunc("/api/projects/process/cancel", srv.handleCancelProcess)
	mux.HandleFunc("/api/projects/status", srv.handleStatus)
	mux.HandleFunc("/api/projects/status/ws", srv.handleStatusWS)

	// Query endpoints
	mux.HandleFunc("/api/query", srv.handleQuery)
	mux.HandleFunc("/api/visualize", srv.handleVisualize)

	// Chat persistence endpoints
	mux.HandleFunc("/api/chats", srv.handleChats)
	mux.HandleFunc("/api/chats/new", srv.handleNewChat)
	mux.HandleFunc("/api/chats/save", srv.handleSaveChat)
	mux.HandleFunc("/api/chats/load", srv.handleLoadChat)
	mux.HandleFunc("/api/chats/delete", srv.handleDeleteChat)

	mux.HandleFunc("/api/settings", srv.handleSettings)

	// Static files
	mux.Handle("/", http.FileServer(http.Dir("web")))

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	log.Printf("DORA server starting on http://localhost:%s", port)
	if err := http.ListenAndServe(":"+port, corsMiddleware(mux)); err != nil {
		log.Fatal(err)
	}
}
