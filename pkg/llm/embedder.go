package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/xhad/groundnotes/internal/types"
)

const (
	ProviderOllama = "ollama"
	ProviderOpenAI = "openai"
)

// EmbedderConfig represents the configuration for an embedder.
type EmbedderConfig struct {
	Provider   string
	Model      string
	BaseURL    string // Ollama server URL or OpenAI-compatible base URL
	APIKey     string
	Dimension  int // expected vector length, 0 disables the check
	BatchSize  int // texts per backend request
	MaxRetries int
	// InitialBackoff is the first retry delay; it doubles up to MaxBackoff.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Logger         *slog.Logger
}

// Embedder turns text into vectors through an EmbeddingClient and retries
// transient failures.
type Embedder struct {
	config EmbedderConfig
	client types.EmbeddingClient
}

// NewEmbedderWithConfig builds the langchaingo client named by config.Provider.
func NewEmbedderWithConfig(config EmbedderConfig) (*Embedder, error) {
	config = applyEmbedderDefaults(config)

	var (
		client embeddings.EmbedderClient
		err    error
	)
	switch config.Provider {
	case ProviderOllama:
		client, err = ollama.New(
			ollama.WithModel(config.Model),
			ollama.WithServerURL(config.BaseURL),
		)
	case ProviderOpenAI:
		opts := []openai.Option{
			openai.WithToken(config.APIKey),
			openai.WithEmbeddingModel(config.Model),
		}
		if config.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(config.BaseURL))
		}
		client, err = openai.New(opts...)
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", config.Provider)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to initialize embedding client: %w", err)
	}

	impl, err := embeddings.NewEmbedder(client,
		embeddings.WithBatchSize(config.BatchSize),
		embeddings.WithStripNewLines(false),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize embedder: %w", err)
	}

	return NewEmbedder(batchedClient{impl: impl}, config), nil
}

// batchedClient splits large inputs into BatchSize requests.
type batchedClient struct {
	impl *embeddings.EmbedderImpl
}

func (c batchedClient) CreateEmbedding(ctx context.Context, texts []string) ([][]float32, error) {
	return c.impl.EmbedDocuments(ctx, texts)
}

// NewEmbedder wraps an existing client.
func NewEmbedder(client types.EmbeddingClient, config EmbedderConfig) *Embedder {
	return &Embedder{
		config: applyEmbedderDefaults(config),
		client: client,
	}
}

func applyEmbedderDefaults(config EmbedderConfig) EmbedderConfig {
	if config.Provider == "" {
		config.Provider = ProviderOllama
	}
	if config.Model == "" {
		if config.Provider == ProviderOpenAI {
			config.Model = "text-embedding-3-small"
		} else {
			config.Model = "nomic-embed-text:latest" // Default Ollama model
		}
	}
	if config.BaseURL == "" && config.Provider == ProviderOllama {
		config.BaseURL = "http://localhost:11434" // Default Ollama URL
	}
	if config.BatchSize == 0 {
		config.BatchSize = 32
	}
	if config.MaxRetries == 0 {
		config.MaxRetries = 3
	}
	if config.InitialBackoff == 0 {
		config.InitialBackoff = 200 * time.Millisecond
	}
	if config.MaxBackoff == 0 {
		config.MaxBackoff = 5 * time.Second
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return config
}

func (e *Embedder) Config() EmbedderConfig {
	return e.config
}

// Embed returns the vector for a single text.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vectors, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// EmbedBatch returns one vector per text in the same order.
func (e *Embedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, types.EmptyInputError{}
	}
	for _, t := range texts {
		if strings.TrimSpace(t) == "" {
			return nil, types.EmptyInputError{}
		}
	}

	var (
		vectors  [][]float32
		attempts int
	)
	operation := func() error {
		attempts++
		out, err := e.client.CreateEmbedding(ctx, texts)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			var perm *types.PermanentError
			if errors.As(err, &perm) || isClientError(err) {
				return backoff.Permanent(err)
			}
			e.config.Logger.Warn("embedding attempt failed", "attempt", attempts, "error", err)
			return err
		}
		if err := e.check(out, len(texts)); err != nil {
			return backoff.Permanent(err)
		}
		vectors = out
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.config.InitialBackoff
	b.MaxInterval = e.config.MaxBackoff
	b.MaxElapsedTime = 0

	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(e.config.MaxRetries)), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		return nil, &types.EmbeddingServiceError{Attempts: attempts, Err: err}
	}

	return vectors, nil
}

// statusPattern pulls an HTTP status out of backend error text, covering both
// "status code: 401" and "404 Not Found" wordings.
var statusPattern = regexp.MustCompile(`(?i:status(?:[ _]?code)?\W{0,3})(\d{3})\b|\b(\d{3}) (?:Bad Request|Unauthorized|Forbidden|Not Found|Unprocessable Entity)`)

// isClientError reports whether err carries a 4xx status that a retry cannot
// fix. 408 and 429 are left to the retry loop.
func isClientError(err error) bool {
	code := 0
	var sc interface{ StatusCode() int }
	if errors.As(err, &sc) {
		code = sc.StatusCode()
	} else if m := statusPattern.FindStringSubmatch(err.Error()); m != nil {
		digits := m[1]
		if digits == "" {
			digits = m[2]
		}
		code, _ = strconv.Atoi(digits)
	}
	switch {
	case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests:
		return false
	default:
		return code >= 400 && code < 500
	}
}

func (e *Embedder) check(vectors [][]float32, want int) error {
	if len(vectors) != want {
		return fmt.Errorf("expected %d embeddings, got %d", want, len(vectors))
	}
	for _, v := range vectors {
		if len(v) == 0 {
			return errors.New("empty embedding returned")
		}
		if e.config.Dimension > 0 && len(v) != e.config.Dimension {
			return fmt.Errorf("%w: expected %d, got %d", types.ErrDimensionMismatch, e.config.Dimension, len(v))
		}
	}
	return nil
}
