package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/quillmind/recall/internal/llm"
)

const (
	importancePrompt = `You judge whether a chat message contains information worth remembering long term.

Rules:
1. important is true only for durable personal information: stable facts, dated events, tasks, reminders
2. category must be one of: fact/event/todo/reminder/none
3. Small talk, questions, and transient chatter are not important

Return strict JSON object: {"important":true,"category":"fact"}

Recent conversation:
%s

Message:
%s`

	extractPrompt = `Extract durable memory items from the message, using the conversation for context.

Rules:
1. Extract only explicit statements, no speculation
2. Each item is one self-contained sentence
3. category must be one of: fact/event
4. confidence must be in [0.0, 1.0]
5. For events include an ISO date (YYYY-MM-DD) when one is stated or implied

Return strict JSON object:
{"facts":[{"text":"...","category":"fact","confidence":0.9,"date":""}]}

Recent conversation:
%s

Message:
%s`

	batchPrompt = `Summarize this conversation into standalone memory chunks worth keeping long term.

Rules:
1. Each chunk is a short self-contained paragraph
2. Separate chunks with a line containing only ---
3. Skip chatter with no durable information; return an empty response if nothing qualifies

Conversation:
%s`

	reformulatePrompt = `Rewrite the user message as a short standalone search query for a personal memory store.
Resolve pronouns and references using the recent conversation. Return only the query text.

Recent conversation:
%s

Message:
%s`
)

// BatchChunkSeparator delimits chunks in the bulk extraction output.
const BatchChunkSeparator = "---"

// Classifier is the AI collaborator contract: importance detection, fact
// extraction, bulk extraction, and query reformulation. All methods are
// fallible and callers degrade soft on error.
type Classifier interface {
	DetectImportance(ctx context.Context, text string, contextWindow []CacheEntry) (ImportanceResult, error)
	ExtractFacts(ctx context.Context, text string, contextWindow []CacheEntry) ([]ExtractedFact, error)
	ExtractBatch(ctx context.Context, conversation string) (string, error)
	ReformulateQuery(ctx context.Context, query string, recent []CacheEntry) (string, error)
}

type llmClassifier struct {
	client *llm.Client
}

func NewClassifier(client *llm.Client) Classifier {
	return &llmClassifier{client: client}
}

func (c *llmClassifier) DetectImportance(ctx context.Context, text string, contextWindow []CacheEntry) (ImportanceResult, error) {
	resp, err := c.client.CompleteJSON(ctx, fmt.Sprintf(importancePrompt, formatWindow(contextWindow), text))
	if err != nil {
		return ImportanceResult{}, fmt.Errorf("detect importance: %w", err)
	}
	var out ImportanceResult
	if err := json.Unmarshal([]byte(resp), &out); err != nil {
		return ImportanceResult{}, fmt.Errorf("parse importance result: %w", err)
	}
	return out, nil
}

func (c *llmClassifier) ExtractFacts(ctx context.Context, text string, contextWindow []CacheEntry) ([]ExtractedFact, error) {
	resp, err := c.client.CompleteJSON(ctx, fmt.Sprintf(extractPrompt, formatWindow(contextWindow), text))
	if err != nil {
		return nil, fmt.Errorf("extract facts: %w", err)
	}
	var out struct {
		Facts []ExtractedFact `json:"facts"`
	}
	if err := json.Unmarshal([]byte(resp), &out); err != nil {
		return nil, fmt.Errorf("parse extraction result: %w", err)
	}
	return out.Facts, nil
}

func (c *llmClassifier) ExtractBatch(ctx context.Context, conversation string) (string, error) {
	resp, err := c.client.Complete(ctx, fmt.Sprintf(batchPrompt, conversation))
	if err != nil {
		return "", fmt.Errorf("extract batch: %w", err)
	}
	return resp, nil
}

func (c *llmClassifier) ReformulateQuery(ctx context.Context, query string, recent []CacheEntry) (string, error) {
	resp, err := c.client.Complete(ctx, fmt.Sprintf(reformulatePrompt, formatWindow(recent), query))
	if err != nil {
		return "", fmt.Errorf("reformulate query: %w", err)
	}
	reformulated := strings.TrimSpace(resp)
	if reformulated == "" {
		return "", fmt.Errorf("reformulate query: empty result")
	}
	return reformulated, nil
}

func formatWindow(entries []CacheEntry) string {
	if len(entries) == 0 {
		return "(none)"
	}
	var sb strings.Builder
	for _, e := range entries {
		sb.WriteString("[")
		sb.WriteString(string(e.Turn.Role))
		sb.WriteString("]: ")
		sb.WriteString(e.Turn.Content)
		sb.WriteString("\n")
	}
	return strings.TrimSpace(sb.String())
}

// SplitBatchChunks splits raw bulk-extraction output on the chunk separator,
// trims each chunk, and drops chunks shorter than minLen as noise.
func SplitBatchChunks(raw string, minLen int) []string {
	if minLen <= 0 {
		minLen = 20
	}
	chunks := make([]string, 0)
	for _, part := range strings.Split(raw, BatchChunkSeparator) {
		chunk := strings.TrimSpace(part)
		if len(chunk) < minLen {
			continue
		}
		chunks = append(chunks, chunk)
	}
	return chunks
}
