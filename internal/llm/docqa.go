package llm

import (
	"context"
	"fmt"
	"strings"

	"dora/internal/chat"
	"dora/internal/indexer"
	"dora/internal/retriever"
)

// systemPrompt is the assistant persona for document QA.
const systemPrompt = `Leverage your chatbot abilities to answer in detail some given questions on a specific topic by only using the context provided, not using any prior knowledge, making sure to avoid repetitions in the informations and write the answers in such a way that all the answers must follow the flow and together can be used to form a report.
IMPORTANT: Pay close attention to any formatting, length, or style instructions in the question.
If asked for a short answer, brief summary, or specific word count, strictly adhere to those requirements.
Only use the given context, do not add any prior knowledge.
You are an AI assistant named DORA, not a person. If asked who you are, identify yourself as DORA, an AI assistant.
Take into account our conversation history when answering.`

// maxHistory limits conversational memory to the most recent turns.
const maxHistory = 4

var summaryKeywords = []string{"summary", "short note", "tldr", "tl;dr"}

// IsSummaryQuery reports whether a query should be answered from the summary
// index instead of hybrid retrieval.
func IsSummaryQuery(query string) bool {
	lower := strings.ToLower(query)
	for _, kw := range summaryKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// RecentHistory returns the last turns of a conversation for use as memory.
func RecentHistory(messages []chat.Message) []chat.Message {
	if len(messages) > maxHistory {
		messages = messages[len(messages)-maxHistory:]
	}
	return append([]chat.Message(nil), messages...)
}

// FormatContext builds the context block for QA prompts, preferring the full
// parent page over the small search chunk.
func FormatContext(results []retriever.Result) string {
	var parts []string
	for i, r := range results {
		text := r.ParentText
		if text == "" {
			text = r.Text
		}
		parts = append(parts, fmt.Sprintf("[Source %d] Document: %s | Page: %d\n%s", i+1, r.Document, r.PageNumber, text))
	}
	return strings.Join(parts, "\n\n---\n\n")
}

// AnswerQuestion answers a document question from retrieved excerpts, with
// the recent chat history as conversational memory.
func AnswerQuestion(ctx context.Context, p Provider, question string, results []retriever.Result, history []chat.Message) (string, error) {
	user := fmt.Sprintf("The given context:\n%s\n\nQuestion: %s", FormatContext(results), question)
	return p.Complete(ctx, systemPrompt, RecentHistory(history), user)
}

// AnswerFromSummaries answers summary-style queries from the project's
// summary index rather than retrieved excerpts.
func AnswerFromSummaries(ctx context.Context, p Provider, question string, summaries []indexer.DocumentSummary, history []chat.Message) (string, error) {
	var parts []string
	for _, s := range summaries {
		parts = append(parts, fmt.Sprintf("Document: %s (%s)\nType: %s\nPages: %d\nSummary: %s",
			s.Document, s.Title, s.DocType, s.Pages, s.Summary))
	}
	user := fmt.Sprintf("The given context:\n%s\n\nQuestion: %s", strings.Join(parts, "\n\n"), question)
	return p.Complete(ctx, systemPrompt, RecentHistory(history), user)
}
