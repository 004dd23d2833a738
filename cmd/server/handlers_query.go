package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"dora/internal/chat"
	"dora/internal/dataset"
	"dora/internal/llm"
	"dora/internal/viz"
)

// ========== Query Endpoints ==========

type queryRequest struct {
	Question string `json:"question"`
	Provider string `json:"provider,omitempty"`
	Model    string `json:"model,omitempty"`
}

// handleQuery answers a document question over the active project. Summary
// style queries are routed to the summary index; everything else goes through
// hybrid retrieval. Both the question and the answer are appended to the
// session's active chat.
func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	sess := s.requireSession(w, r)
	if sess == nil {
		return
	}

	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Question == "" {
		jsonErr(w, "question is required", http.StatusBadRequest)
		return
	}

	sess.Lock()
	userKey := chat.SanitizeUserKey(sess.Identity)
	projectName := sess.Project
	history := append([]chat.Message(nil), sess.Messages...)
	sess.Unlock()

	if projectName == "" {
		jsonErr(w, "No active project. Select a project first.", http.StatusBadRequest)
		return
	}

	cached, err := s.loadProjectIndex(userKey, projectName)
	if err != nil {
		jsonErr(w, "No documents indexed. Upload and process documents first.", http.StatusBadRequest)
		return
	}

	provider, err := s.getProvider(req.Provider, req.Model)
	if err != nil {
		jsonErr(w, fmt.Sprintf("Provider error: %v", err), http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	start := time.Now()

	var answer string
	if llm.IsSummaryQuery(req.Question) && len(cached.idx.Summaries) > 0 {
		answer, err = llm.AnswerFromSummaries(ctx, provider, req.Question, cached.idx.Summaries, history)
	} else {
		results, searchErr := cached.ret.Search(ctx, req.Question, 20)
		if searchErr != nil {
			jsonErr(w, fmt.Sprintf("Retrieval error: %v", searchErr), http.StatusInternalServerError)
			return
		}
		answer, err = llm.AnswerQuestion(ctx, provider, req.Question, results, history)
	}
	if err != nil {
		jsonErr(w, fmt.Sprintf("LLM error: %v", err), http.StatusInternalServerError)
		return
	}

	sess.Lock()
	sess.Append(chat.Message{Role: "user", Content: req.Question})
	sess.Append(chat.Message{Role: "assistant", Content: answer})
	sess.Unlock()

	jsonResp(w, map[string]interface{}{
		"answer":       answer,
		"time_seconds": time.Since(start).Seconds(),
	})
}

// handleVisualize runs natural-language analysis over the active project's
// CSV dataset. Chart queries render a PNG; everything else gets a textual
// answer from the aggregation pipeline. Failures are appended to the chat as
// assistant messages so the conversation keeps its shape.
func (s *Server) handleVisualize(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	sess := s.requireSession(w, r)
	if sess == nil {
		return
	}

	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Question == "" {
		jsonErr(w, "question is required", http.StatusBadRequest)
		return
	}

	sess.Lock()
	userKey := chat.SanitizeUserKey(sess.Identity)
	projectName := sess.Project
	sess.Unlock()

	if projectName == "" {
		jsonErr(w, "No active project. Select a project first.", http.StatusBadRequest)
		return
	}

	csvPath, err := dataset.FindCSV(s.projects.UploadsDir(userKey, projectName))
	if err != nil {
		jsonErr(w, "No CSV dataset in this project. Upload a CSV file first.", http.StatusBadRequest)
		return
	}
	table, err := dataset.LoadCSV(csvPath)
	if err != nil {
		jsonErr(w, fmt.Sprintf("Failed to load dataset: %v", err), http.StatusInternalServerError)
		return
	}

	provider, err := s.getProvider(req.Provider, req.Model)
	if err != nil {
		jsonErr(w, fmt.Sprintf("Provider error: %v", err), http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	start := time.Now()

	sess.Lock()
	sess.Append(chat.Message{Role: "user", Content: req.Question})
	sess.Unlock()

	if viz.IsChartQuery(req.Question) {
		plan, err := viz.PlanChart(ctx, provider, table, req.Question)
		if err != nil {
			s.appendVizError(w, sess, fmt.Sprintf("Could not plan a chart: %v", err))
			return
		}
		png, err := viz.RenderPNG(table, plan)
		if err != nil {
			s.appendVizError(w, sess, fmt.Sprintf("Could not render the chart: %v", err))
			return
		}

		sess.Lock()
		sess.Append(chat.Message{Role: "assistant", Content: png, IsImage: true})
		sess.Unlock()

		jsonResp(w, map[string]interface{}{
			"image":        png,
			"is_image":     true,
			"title":        plan.Title,
			"time_seconds": time.Since(start).Seconds(),
		})
		return
	}

	answer, err := viz.Analyze(ctx, provider, table, req.Question)
	if err != nil {
		s.appendVizError(w, sess, fmt.Sprintf("Could not analyze the dataset: %v", err))
		return
	}

	sess.Lock()
	sess.Append(chat.Message{Role: "assistant", Content: answer})
	sess.Unlock()

	jsonResp(w, map[string]interface{}{
		"answer":       answer,
		"time_seconds": time.Since(start).Seconds(),
	})
}

// appendVizError records an analysis failure as an assistant turn and reports
// it to the client.
func (s *Server) appendVizError(w http.ResponseWriter, sess *chat.Session, msg string) {
	sess.Lock()
	sess.Append(chat.Message{Role: "assistant", Content: msg})
	sess.Unlock()
	jsonErr(w, msg, http.StatusInternalServerError)
}
