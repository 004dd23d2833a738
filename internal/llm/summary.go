package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"dora/internal/indexer"

	"github.com/sashabaranov/go-openai"
)

// GenerateDocSummary produces one summary-index entry for a document using a
// cheap model over its first pages.
func GenerateDocSummary(ctx context.Context, apiKey, docName string, pages []string, totalPages int) (*indexer.DocumentSummary, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("OpenAI API key required for summary generation")
	}

	maxPages := 5
	if len(pages) < maxPages {
		maxPages = len(pages)
	}
	sampleText := strings.Join(pages[:maxPages], "\n\n--- PAGE BREAK ---\n\n")

	// Cap the sample to stay within cheap model limits
	words := strings.Fields(sampleText)
	if len(words) > 4000 {
		sampleText = strings.Join(words[:4000], " ")
	}

	prompt := fmt.Sprintf(`Analyze this document and produce a structured summary as JSON.

Document name: %s
Total pages: %d

First %d pages of text:
---
%s
---

Return ONLY valid JSON in this exact format:
{
  "title": "Full document title",
  "type": "report|article|presentation|contract|dataset|other",
  "summary": "2-3 sentence summary of the document's content and purpose"
}`, docName, totalPages, maxPages, sampleText)

	client := openai.NewClient(apiKey)
	resp, err := client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: "gpt-4o-mini",
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		Temperature:    0.1,
		ResponseFormat: &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject},
	})
	if err != nil {
		return nil, fmt.Errorf("summary LLM call failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("empty response from summary LLM")
	}

	rawJSON := TrimCodeFence(resp.Choices[0].Message.Content)

	var summary struct {
		Title   string `json:"title"`
		DocType string `json:"type"`
		Summary string `json:"summary"`
	}
	if err := json.Unmarshal([]byte(rawJSON), &summary); err != nil {
		log.Printf("Failed to parse doc summary JSON for %s: %v (raw: %.200s)", docName, err, rawJSON)
		return nil, fmt.Errorf("parse summary: %w", err)
	}

	return &indexer.DocumentSummary{
		Document: docName,
		Title:    summary.Title,
		DocType:  summary.DocType,
		Summary:  summary.Summary,
		Pages:    totalPages,
	}, nil
}
