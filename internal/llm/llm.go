package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"dora/internal/chat"

	"github.com/sashabaranov/go-openai"
)

// Provider is one hosted chat model. History carries the recent turns of the
// active chat as conversational memory.
type Provider interface {
	Complete(ctx context.Context, system string, history []chat.Message, user string) (string, error)
}

// NewProvider creates the appropriate LLM provider based on config.
func NewProvider(providerName, apiKey, model string) (Provider, error) {
	switch strings.ToLower(providerName) {
	case "openai", "":
		if model == "" {
			model = openai.GPT4o
		}
		return &OpenAIProvider{client: openai.NewClient(apiKey), model: model}, nil
	case "anthropic":
		if model == "" {
			model = "claude-opus-4-6"
		}
		return &AnthropicProvider{apiKey: apiKey, model: model}, nil
	default:
		return nil, fmt.Errorf("unknown LLM provider: %s", providerName)
	}
}

// TrimCodeFence strips a markdown code fence wrapper from model output.
func TrimCodeFence(raw string) string {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```python")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.Split(raw, "```")[0]
	return strings.TrimSpace(raw)
}

// historyContent returns the text sent to the model for a history message.
// Rendered charts are replaced with their placeholder; base64 pixels are of
// no use as conversational memory.
func historyContent(m chat.Message) string {
	if m.IsImage {
		return chat.ImagePlaceholder
	}
	return m.Content
}

// ==========================================
// OpenAI Provider
// ==========================================

type OpenAIProvider struct {
	client *openai.Client
	model  string
}

func (p *OpenAIProvider) Complete(ctx context.Context, system string, history []chat.Message, user string) (string, error) {
	messages := []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: system},
	}
	for _, m := range history {
		role := openai.ChatMessageRoleUser
		if m.Role == "assistant" {
			role = openai.ChatMessageRoleAssistant
		}
		messages = append(messages, openai.ChatCompletionMessage{Role: role, Content: historyContent(m)})
	}
	messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: user})

	resp, err := p.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       p.model,
		Messages:    messages,
		Temperature: 0.1,
	})
	if err != nil {
		return "", fmt.Errorf("openai error: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("openai empty response")
	}
	return resp.Choices[0].Message.Content, nil
}

// ==========================================
// Anthropic Provider
// ==========================================

type AnthropicProvider struct {
	apiKey string
	model  string
}

func (p *AnthropicProvider) Complete(ctx context.Context, system string, history []chat.Message, user string) (string, error) {
	var messages []map[string]string
	for _, m := range history {
		role := "user"
		if m.Role == "assistant" {
			role = "assistant"
		}
		messages = append(messages, map[string]string{"role": role, "content": historyContent(m)})
	}
	messages = append(messages, map[string]string{"role": "user", "content": user})

	reqBody, _ := json.Marshal(map[string]interface{}{
		"model":       p.model,
		"max_tokens":  2048,
		"temperature": 0.1,
		"system":      system,
		"messages":    messages,
	})

	req, _ := http.NewRequestWithContext(ctx, "POST", "https://api.anthropic.com/v1/messages", bytes.NewBuffer(reqBody))
	req.Header.Set("x-api-key", p.apiKey)
	req.Header.Set("anthropic-version", "2023-06-01")
	req.Header.Set("content-type", "application/json")

	client := &http.Client{}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("anthropic req error: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("anthropic api error: %d - %s", resp.StatusCode, string(bodyBytes))
	}

	var anthResp struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&anthResp); err != nil {
		return "", fmt.Errorf("anthropic json decode error: %w", err)
	}

	var fullText string
	for _, block := range anthResp.Content {
		if block.Type == "" || block.Type == "text" {
			fullText += block.Text
		}
	}
	if fullText == "" {
		return "", fmt.Errorf("anthropic: no text content in response")
	}
	return fullText, nil
}
