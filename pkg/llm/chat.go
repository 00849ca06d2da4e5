package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/xhad/groundnotes/internal/types"
)

// ChatConfig represents the configuration for a generator.
type ChatConfig struct {
	Provider    string
	Model       string
	Temperature float64
	MaxTokens   int
	BaseURL     string // Ollama server URL or OpenAI-compatible base URL
	APIKey      string
}

// Generator sends one prompt to an LLM and returns the generated text.
type Generator struct {
	config ChatConfig
	llm    llms.Model
}

// NewWithConfig creates a new Generator with the given configuration.
func NewWithConfig(config ChatConfig) (*Generator, error) {
	config, err := applyChatDefaults(config)
	if err != nil {
		return nil, err
	}

	var model llms.Model
	switch config.Provider {
	case ProviderOllama:
		model, err = ollama.New(ollama.WithModel(config.Model),
			ollama.WithServerURL(config.BaseURL))
	case ProviderOpenAI:
		opts := []openai.Option{
			openai.WithToken(config.APIKey),
			openai.WithModel(config.Model),
		}
		if config.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(config.BaseURL))
		}
		model, err = openai.New(opts...)
	default:
		return nil, fmt.Errorf("unknown generation provider %q", config.Provider)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to initialize LLM: %w", err)
	}

	return &Generator{config: config, llm: model}, nil
}

// NewGenerator wraps an existing model.
func NewGenerator(model llms.Model, config ChatConfig) (*Generator, error) {
	config, err := applyChatDefaults(config)
	if err != nil {
		return nil, err
	}
	return &Generator{config: config, llm: model}, nil
}

func applyChatDefaults(config ChatConfig) (ChatConfig, error) {
	if config.Provider == "" {
		config.Provider = ProviderOllama
	}
	if config.Model == "" {
		config.Model = "mistral" // Default Ollama model
	}
	if config.Temperature < 0 || config.Temperature > 1 {
		return config, fmt.Errorf("temperature must be between 0 and 1")
	}
	if config.Temperature == 0 {
		config.Temperature = 0.7
	}
	if config.MaxTokens < 0 {
		return config, fmt.Errorf("max tokens cannot be negative")
	} else if config.MaxTokens == 0 {
		config.MaxTokens = 2000
	}
	if config.BaseURL == "" && config.Provider == ProviderOllama {
		config.BaseURL = "http://localhost:11434" // Default Ollama URL
	}
	return config, nil
}

// Generate sends messages as a single request.
func (g *Generator) Generate(ctx context.Context, messages []llms.MessageContent) (string, error) {
	response, err := g.llm.GenerateContent(ctx, messages,
		llms.WithTemperature(g.config.Temperature),
		llms.WithMaxTokens(g.config.MaxTokens),
	)
	if err != nil {
		return "", &types.GenerationServiceError{Err: err}
	}
	if response == nil || len(response.Choices) == 0 || response.Choices[0] == nil {
		return "", &types.GenerationServiceError{Err: errors.New("no response from LLM")}
	}

	return strings.TrimSpace(response.Choices[0].Content), nil
}
