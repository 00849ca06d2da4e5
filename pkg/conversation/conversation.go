// Package conversation answers a user's question from retrieved document
// context and recent chat history.
package conversation

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/tmc/langchaingo/llms"

	"github.com/xhad/groundnotes/internal/models"
	"github.com/xhad/groundnotes/internal/types"
	"github.com/xhad/groundnotes/pkg/rag"
)

const (
	DefaultMaxChunks       = 4
	DefaultMaxHistoryTurns = 5
)

const groundedInstruction = `You are a study assistant answering questions about the user's documents.
Answer using the numbered context passages below. Cite passages by their number, like [1].
If the passages do not contain the answer, say so instead of guessing.`

const noContextInstruction = `You are a study assistant answering questions about the user's documents.
No passages from the documents matched this question. Tell the user that the answer was not found
in their documents, then offer a brief general answer clearly marked as not coming from them.`

// ContextRetriever supplies ranked context for a query.
type ContextRetriever interface {
	GetContext(ctx context.Context, query string, scope models.Scope, maxChunks int) (*rag.Context, error)
}

// Generator produces a reply for a chat prompt.
type Generator interface {
	Generate(ctx context.Context, messages []llms.MessageContent) (string, error)
}

type OrchestratorConfig struct {
	MaxChunks int
	// MaxHistoryTurns defaults to DefaultMaxHistoryTurns when nil. Zero sends
	// no history.
	MaxHistoryTurns *int
	Logger          *slog.Logger
}

type Orchestrator struct {
	config       OrchestratorConfig
	historyTurns int
	retriever ContextRetriever
	generator Generator
}

type Request struct {
	Query   string                    `json:"query"`
	Scope   models.Scope              `json:"scope"`
	History []models.ConversationTurn `json:"history,omitempty"`
	// MaxHistoryTurns overrides the orchestrator default when positive.
	MaxHistoryTurns int `json:"max_history_turns,omitempty"`
}

type Answer struct {
	ResponseText string       `json:"response_text"`
	SourcesUsed  int          `json:"sources_used"`
	Scope        models.Scope `json:"scope"`
}

func NewWithConfig(config OrchestratorConfig, retriever ContextRetriever, generator Generator) (*Orchestrator, error) {
	if config.MaxChunks == 0 {
		config.MaxChunks = DefaultMaxChunks
	}
	historyTurns := DefaultMaxHistoryTurns
	if config.MaxHistoryTurns != nil {
		historyTurns = *config.MaxHistoryTurns
	}
	config.MaxHistoryTurns = &historyTurns
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.MaxChunks < 0 {
		return nil, types.NewValidationError("max_chunks", "must be positive, got %d", config.MaxChunks)
	}
	if historyTurns < 0 {
		return nil, types.NewValidationError("max_history_turns", "must be non-negative, got %d", historyTurns)
	}
	return &Orchestrator{config: config, historyTurns: historyTurns, retriever: retriever, generator: generator}, nil
}

// Answer retrieves context for req.Query and makes one generation request.
func (o *Orchestrator) Answer(ctx context.Context, req Request) (*Answer, error) {
	if strings.TrimSpace(req.Query) == "" {
		return nil, types.NewValidationError("query", "is required")
	}
	if req.MaxHistoryTurns < 0 {
		return nil, types.NewValidationError("max_history_turns", "must be non-negative, got %d", req.MaxHistoryTurns)
	}
	for i, turn := range req.History {
		if turn.Role != models.RoleUser && turn.Role != models.RoleAssistant {
			return nil, types.NewValidationError("history", "turn %d has unknown role %q", i, turn.Role)
		}
	}

	retrieved, err := o.retriever.GetContext(ctx, req.Query, req.Scope, o.config.MaxChunks)
	if err != nil {
		return nil, err
	}

	limit := o.historyTurns
	if req.MaxHistoryTurns > 0 {
		limit = req.MaxHistoryTurns
	}
	history := LastTurns(req.History, limit)

	reply, err := o.generator.Generate(ctx, BuildPrompt(req.Query, retrieved, history))
	if err != nil {
		return nil, err
	}

	o.config.Logger.Info("answered query",
		"sources", len(retrieved.Chunks),
		"history_turns", len(history),
		"documents", len(retrieved.Scope.DocumentIDs),
	)

	return &Answer{
		ResponseText: reply,
		SourcesUsed:  len(retrieved.Chunks),
		Scope:        retrieved.Scope,
	}, nil
}

// LastTurns returns the final n turns of history in their original order.
func LastTurns(history []models.ConversationTurn, n int) []models.ConversationTurn {
	if n <= 0 {
		return nil
	}
	if len(history) > n {
		history = history[len(history)-n:]
	}
	return history
}

// BuildPrompt lays out the system instruction, the context block, the history
// and finally the current query.
func BuildPrompt(query string, retrieved *rag.Context, history []models.ConversationTurn) []llms.MessageContent {
	messages := make([]llms.MessageContent, 0, len(history)+2)

	if text := retrieved.Text(); text != "" {
		system := fmt.Sprintf("%s\n\nContext:\n%s", groundedInstruction, text)
		messages = append(messages, llms.TextParts(llms.ChatMessageTypeSystem, system))
	} else {
		messages = append(messages, llms.TextParts(llms.ChatMessageTypeSystem, noContextInstruction))
	}

	for _, turn := range history {
		role := llms.ChatMessageTypeHuman
		if turn.Role == models.RoleAssistant {
			role = llms.ChatMessageTypeAI
		}
		messages = append(messages, llms.TextParts(role, turn.Content))
	}

	return append(messages, llms.TextParts(llms.ChatMessageTypeHuman, query))
}
