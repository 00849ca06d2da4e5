package config

import (
	"fmt"
	"net/url"
	"strings"
)

type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

var providers = map[string]bool{"ollama": true, "openai": true}

func (c *Config) Validate() []ValidationError {
	var errors []ValidationError
	add := func(field, format string, args ...any) {
		errors = append(errors, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	// LLM
	if !providers[c.LLM.Provider] {
		add("llm.provider", "unknown provider %q", c.LLM.Provider)
	}
	if c.LLM.Provider == "ollama" && c.LLM.BaseURL == "" {
		add("llm.base_url", "Ollama base URL is required")
	} else if c.LLM.BaseURL != "" && !validHTTPURL(c.LLM.BaseURL) {
		add("llm.base_url", "invalid base URL %q", c.LLM.BaseURL)
	}
	if c.LLM.Provider == "openai" && c.LLM.APIKey == "" {
		add("llm.api_key", "api_key is required for openai")
	}
	if c.LLM.MaxTokens < 1 || c.LLM.MaxTokens > 4096 {
		add("llm.max_tokens", "max_tokens must be between 1 and 4096")
	}
	if c.LLM.Temperature < 0 || c.LLM.Temperature > 1 {
		add("llm.temperature", "temperature must be between 0 and 1")
	}

	// Embedder
	if !providers[c.Embedder.Provider] {
		add("embedder.provider", "unknown provider %q", c.Embedder.Provider)
	}
	if c.Embedder.Provider == "openai" && c.Embedder.APIKey == "" {
		add("embedder.api_key", "api_key is required for openai")
	}
	if c.Embedder.BatchSize < 1 {
		add("embedder.batch_size", "batch_size must be positive")
	}
	if c.Embedder.MaxRetries < 0 {
		add("embedder.max_retries", "max_retries must be non-negative")
	}

	// Database
	if c.Database.URL != "" {
		if u, err := url.Parse(c.Database.URL); err != nil || !strings.HasPrefix(u.Scheme, "postgres") {
			add("database.url", "invalid database URL")
		}
	}
	if c.Database.VectorDim < 1 {
		add("database.vector_dim", "vector_dim must be positive")
	}
	switch c.Database.IndexType {
	case "hnsw", "ivfflat", "none":
	default:
		add("database.index_type", "index_type must be hnsw, ivfflat or none")
	}

	// Chunker
	if c.Chunker.ChunkSize < 1 {
		add("chunker.chunk_size", "chunk_size must be positive")
	}
	if o := c.Chunker.ChunkOverlap; o != nil && (*o < 0 || *o >= c.Chunker.ChunkSize) {
		add("chunker.chunk_overlap", "chunk_overlap must be non-negative and less than chunk_size")
	}

	// Retrieval
	if th := c.Retrieval.Threshold; th != nil && (*th < 0 || *th > 1) {
		add("retrieval.threshold", "threshold must be between 0 and 1")
	}
	if c.Retrieval.MaxContextChars < 0 {
		add("retrieval.max_context_chars", "max_context_chars must be non-negative")
	}
	if c.Retrieval.ProcessTimeout <= 0 {
		add("retrieval.process_timeout", "process_timeout must be positive")
	} else if c.Retrieval.ProcessTimeout >= c.Database.ClaimLease {
		add("retrieval.process_timeout", "process_timeout must be shorter than database.claim_lease")
	}
	if c.Retrieval.MaxDocuments < 1 {
		add("retrieval.max_documents", "max_documents must be positive")
	}
	if c.Retrieval.EmbedConcurrency < 1 {
		add("retrieval.embed_concurrency", "embed_concurrency must be positive")
	}

	// Conversation
	if c.Conversation.MaxChunks < 1 {
		add("conversation.max_chunks", "max_chunks must be positive")
	}
	if h := c.Conversation.MaxHistoryTurns; h != nil && *h < 0 {
		add("conversation.max_history_turns", "max_history_turns must be non-negative")
	}

	// Scraper
	if c.Scraper.MaxDepth < 0 {
		add("scraper.max_depth", "max_depth must be non-negative")
	}
	if c.Scraper.RateLimit <= 0 {
		add("scraper.rate_limit", "rate_limit must be positive")
	}
	for _, ext := range c.Scraper.AllowedExtensions {
		if !strings.HasPrefix(ext, ".") && ext != "" && ext != "/" {
			add("scraper.allowed_extensions", "invalid extension format: %s", ext)
		}
	}

	return errors
}

func validHTTPURL(raw string) bool {
	u, err := url.Parse(raw)
	return err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
