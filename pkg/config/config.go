package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type LLMConfig struct {
	Provider    string  `yaml:"provider"`
	BaseURL     string  `yaml:"base_url"`
	APIKey      string  `yaml:"api_key"`
	Model       string  `yaml:"model"`
	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float64 `yaml:"temperature"`
}

type EmbedderConfig struct {
	Provider   string        `yaml:"provider"`
	BaseURL    string        `yaml:"base_url"`
	APIKey     string        `yaml:"api_key"`
	Model      string        `yaml:"model"`
	BatchSize  int           `yaml:"batch_size"`
	MaxRetries int           `yaml:"max_retries"`
	Backoff    time.Duration `yaml:"backoff"`
}

type DatabaseConfig struct {
	URL           string `yaml:"url"`
	ChunkTable    string `yaml:"chunk_table"`
	DocumentTable string `yaml:"document_table"`
	VectorDim     int    `yaml:"vector_dim"`
	IndexType     string `yaml:"index_type"`

	// SkipMigrations disables schema bootstrap on startup.
	SkipMigrations bool `yaml:"skip_migrations"`
	// ClaimLease is how long a processing claim holds before another worker
	// may take the document over.
	ClaimLease time.Duration `yaml:"claim_lease"`
}

// Fields where zero is a meaningful setting are pointers so an explicit 0 in
// the file survives applyDefaults.

type ChunkerConfig struct {
	ChunkSize    int  `yaml:"chunk_size"`
	ChunkOverlap *int `yaml:"chunk_overlap"`
}

type RetrievalConfig struct {
	Threshold    *float64 `yaml:"threshold"`
	MaxDocuments int      `yaml:"max_documents"`
	// MaxContextChars caps the context text per question; 0 means no cap.
	MaxContextChars  int `yaml:"max_context_chars"`
	EmbedConcurrency int `yaml:"embed_concurrency"`
	// ProcessTimeout bounds one document's chunk, embed and store run.
	ProcessTimeout time.Duration `yaml:"process_timeout"`
}

type ConversationConfig struct {
	MaxChunks       int  `yaml:"max_chunks"`
	MaxHistoryTurns *int `yaml:"max_history_turns"`
}

type ScraperConfig struct {
	MaxDepth          int      `yaml:"max_depth"`
	RateLimit         float64  `yaml:"rate_limit"`
	IgnorePatterns    []string `yaml:"ignore_patterns"`
	AllowedExtensions []string `yaml:"allowed_extensions"`
}

type ServerConfig struct {
	Addr           string   `yaml:"addr"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type Config struct {
	LLM          LLMConfig          `yaml:"llm"`
	Embedder     EmbedderConfig     `yaml:"embedder"`
	Database     DatabaseConfig     `yaml:"database"`
	Chunker      ChunkerConfig      `yaml:"chunker"`
	Retrieval    RetrievalConfig    `yaml:"retrieval"`
	Conversation ConversationConfig `yaml:"conversation"`
	Scraper      ScraperConfig      `yaml:"scraper"`
	Server       ServerConfig       `yaml:"server"`
	LogLevel     string             `yaml:"log_level"`
}

// DefaultLocations are searched in order when LoadConfig gets no path.
func DefaultLocations() []string {
	return []string{
		"config.yaml",
		"config.yml",
		filepath.Join(os.Getenv("HOME"), ".config/groundnotes/config.yaml"),
		"/etc/groundnotes/config.yaml",
	}
}

// LoadConfig reads path, or the first default location that exists, then
// applies a .env file, environment overrides and defaults.
func LoadConfig(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("error loading .env: %w", err)
	}

	if path == "" {
		for _, loc := range DefaultLocations() {
			if _, err := os.Stat(loc); err == nil {
				path = loc
				break
			}
		}
	}

	if path == "" {
		return getDefaultConfig()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	mergeWithEnv(&config)
	applyDefaults(&config)

	return &config, nil
}

func getDefaultConfig() (*Config, error) {
	config := &Config{}
	mergeWithEnv(config)
	applyDefaults(config)
	return config, nil
}

func applyDefaults(config *Config) {
	if config.LLM.Provider == "" {
		config.LLM.Provider = "ollama"
	}
	if config.LLM.Model == "" {
		config.LLM.Model = "mistral"
	}
	if config.LLM.MaxTokens == 0 {
		config.LLM.MaxTokens = 2000
	}
	if config.LLM.Temperature == 0 {
		config.LLM.Temperature = 0.7
	}
	if config.LLM.BaseURL == "" && config.LLM.Provider == "ollama" {
		config.LLM.BaseURL = "http://localhost:11434"
	}

	if config.Embedder.Provider == "" {
		config.Embedder.Provider = config.LLM.Provider
	}
	if config.Embedder.BaseURL == "" && config.Embedder.Provider == config.LLM.Provider {
		config.Embedder.BaseURL = config.LLM.BaseURL
	}
	if config.Embedder.APIKey == "" {
		config.Embedder.APIKey = config.LLM.APIKey
	}
	if config.Embedder.Model == "" {
		if config.Embedder.Provider == "openai" {
			config.Embedder.Model = "text-embedding-3-small"
		} else {
			config.Embedder.Model = "nomic-embed-text:latest"
		}
	}
	if config.Embedder.BatchSize == 0 {
		config.Embedder.BatchSize = 32
	}
	if config.Embedder.MaxRetries == 0 {
		config.Embedder.MaxRetries = 3
	}
	if config.Embedder.Backoff == 0 {
		config.Embedder.Backoff = 200 * time.Millisecond
	}

	if config.Database.ChunkTable == "" {
		config.Database.ChunkTable = "document_chunks"
	}
	if config.Database.DocumentTable == "" {
		config.Database.DocumentTable = "documents"
	}
	if config.Database.VectorDim == 0 {
		if config.Embedder.Provider == "openai" {
			config.Database.VectorDim = 1536
		} else {
			config.Database.VectorDim = 768
		}
	}
	if config.Database.IndexType == "" {
		config.Database.IndexType = "hnsw"
	}
	if config.Database.ClaimLease == 0 {
		config.Database.ClaimLease = 30 * time.Minute
	}

	if config.Chunker.ChunkSize == 0 {
		config.Chunker.ChunkSize = 500
	}
	if config.Chunker.ChunkOverlap == nil {
		config.Chunker.ChunkOverlap = ptr(50)
	}

	if config.Retrieval.Threshold == nil {
		config.Retrieval.Threshold = ptr(0.5)
	}
	if config.Retrieval.MaxDocuments == 0 {
		config.Retrieval.MaxDocuments = 10
	}
	if config.Retrieval.EmbedConcurrency == 0 {
		config.Retrieval.EmbedConcurrency = 4
	}
	if config.Retrieval.ProcessTimeout == 0 {
		config.Retrieval.ProcessTimeout = 10 * time.Minute
	}

	if config.Conversation.MaxChunks == 0 {
		config.Conversation.MaxChunks = 4
	}
	if config.Conversation.MaxHistoryTurns == nil {
		config.Conversation.MaxHistoryTurns = ptr(5)
	}

	if config.Scraper.RateLimit == 0 {
		config.Scraper.RateLimit = 2.0
	}
	if len(config.Scraper.AllowedExtensions) == 0 {
		config.Scraper.AllowedExtensions = []string{".html", ".htm", "/", ""}
	}

	if config.Server.Addr == "" {
		config.Server.Addr = ":8080"
	}

	if config.LogLevel == "" {
		config.LogLevel = "info"
	}
}

func ptr[T any](v T) *T {
	return &v
}

func mergeWithEnv(config *Config) {
	if baseURL := os.Getenv("OLLAMA_BASE_URL"); baseURL != "" {
		config.LLM.BaseURL = baseURL
	}
	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		config.Database.URL = dbURL
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		config.LLM.APIKey = key
	}
	if provider := os.Getenv("EMBEDDER_PROVIDER"); provider != "" {
		config.Embedder.Provider = provider
	}
	if port := os.Getenv("PORT"); port != "" {
		config.Server.Addr = ":" + port
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		config.LogLevel = level
	}
}
