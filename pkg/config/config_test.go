package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configData := `
llm:
  base_url: "http://localhost:11434"
  model: "llama3"
  max_tokens: 1000
  temperature: 0.5

embedder:
  model: "mxbai-embed-large"
  max_retries: 5
  backoff: 500ms

database:
  url: "postgres://localhost:5432/test"
  chunk_table: "test_chunks"
  vector_dim: 1024
  index_type: "ivfflat"

chunker:
  chunk_size: 300
  chunk_overlap: 30

retrieval:
  threshold: 0.6
  max_documents: 4

conversation:
  max_chunks: 3
  max_history_turns: 8

scraper:
  max_depth: 1
  rate_limit: 1.5
  ignore_patterns:
    - "/test/"
`
	require.NoError(t, os.WriteFile(configPath, []byte(configData), 0644))

	config, err := LoadConfig(configPath)
	require.NoError(t, err)

	assert.Equal(t, "http://localhost:11434", config.LLM.BaseURL)
	assert.Equal(t, "llama3", config.LLM.Model)
	assert.Equal(t, 1000, config.LLM.MaxTokens)
	assert.Equal(t, 0.5, config.LLM.Temperature)

	assert.Equal(t, "ollama", config.Embedder.Provider)
	assert.Equal(t, "mxbai-embed-large", config.Embedder.Model)
	assert.Equal(t, config.LLM.BaseURL, config.Embedder.BaseURL)
	assert.Equal(t, 5, config.Embedder.MaxRetries)
	assert.Equal(t, 500*time.Millisecond, config.Embedder.Backoff)

	assert.Equal(t, "postgres://localhost:5432/test", config.Database.URL)
	assert.Equal(t, "test_chunks", config.Database.ChunkTable)
	assert.Equal(t, "documents", config.Database.DocumentTable)
	assert.Equal(t, 1024, config.Database.VectorDim)

	assert.Equal(t, 300, config.Chunker.ChunkSize)
	assert.Equal(t, 30, *config.Chunker.ChunkOverlap)
	assert.Equal(t, 0.6, *config.Retrieval.Threshold)
	assert.Equal(t, 3, config.Conversation.MaxChunks)
	assert.Equal(t, 8, *config.Conversation.MaxHistoryTurns)
	assert.Equal(t, 1, config.Scraper.MaxDepth)
	assert.Equal(t, ":8080", config.Server.Addr)

	assert.Empty(t, config.Validate())
}

func TestDefaults(t *testing.T) {
	config := &Config{}
	applyDefaults(config)

	assert.Equal(t, 500, config.Chunker.ChunkSize)
	assert.Equal(t, 50, *config.Chunker.ChunkOverlap)
	assert.Equal(t, 0.5, *config.Retrieval.Threshold)
	assert.Equal(t, 10, config.Retrieval.MaxDocuments)
	assert.Zero(t, config.Retrieval.MaxContextChars)
	assert.Equal(t, 10*time.Minute, config.Retrieval.ProcessTimeout)
	assert.Equal(t, 30*time.Minute, config.Database.ClaimLease)
	assert.Equal(t, 4, config.Conversation.MaxChunks)
	assert.Equal(t, 5, *config.Conversation.MaxHistoryTurns)
	assert.Equal(t, 768, config.Database.VectorDim)
	assert.Equal(t, "hnsw", config.Database.IndexType)
	assert.Empty(t, config.Validate())
}

func TestConfigValidation(t *testing.T) {
	valid := func() Config {
		c := Config{}
		applyDefaults(&c)
		return c
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		fields []string
	}{
		{
			name:   "valid config",
			mutate: func(*Config) {},
		},
		{
			name: "invalid llm",
			mutate: func(c *Config) {
				c.LLM.BaseURL = "invalid-url"
				c.LLM.MaxTokens = 5000
				c.LLM.Temperature = 3.0
			},
			fields: []string{"llm.base_url", "llm.max_tokens", "llm.temperature"},
		},
		{
			name: "invalid database",
			mutate: func(c *Config) {
				c.Database.URL = "mysql://localhost/db"
				c.Database.VectorDim = -1
				c.Database.IndexType = "flat"
			},
			fields: []string{"database.url", "database.vector_dim", "database.index_type"},
		},
		{
			name: "overlap not below size",
			mutate: func(c *Config) {
				c.Chunker.ChunkOverlap = ptr(c.Chunker.ChunkSize)
			},
			fields: []string{"chunker.chunk_overlap"},
		},
		{
			name: "openai without key",
			mutate: func(c *Config) {
				c.Embedder.Provider = "openai"
			},
			fields: []string{"embedder.api_key"},
		},
		{
			name: "retrieval bounds",
			mutate: func(c *Config) {
				c.Retrieval.Threshold = ptr(1.2)
				c.Conversation.MaxHistoryTurns = ptr(-1)
			},
			fields: []string{"retrieval.threshold", "conversation.max_history_turns"},
		},
		{
			name: "process timeout outlives claim lease",
			mutate: func(c *Config) {
				c.Retrieval.ProcessTimeout = time.Hour
				c.Database.ClaimLease = 30 * time.Minute
			},
			fields: []string{"retrieval.process_timeout"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := valid()
			tt.mutate(&config)

			errs := config.Validate()
			var fields []string
			for _, e := range errs {
				fields = append(fields, e.Field)
			}
			assert.Equal(t, tt.fields, fields)
		})
	}
}

func TestLoadConfig_ExplicitZeros(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	configData := `
chunker:
  chunk_overlap: 0
retrieval:
  threshold: 0
conversation:
  max_history_turns: 0
`
	require.NoError(t, os.WriteFile(configPath, []byte(configData), 0644))

	config, err := LoadConfig(configPath)
	require.NoError(t, err)

	require.NotNil(t, config.Chunker.ChunkOverlap)
	assert.Zero(t, *config.Chunker.ChunkOverlap)
	require.NotNil(t, config.Retrieval.Threshold)
	assert.Zero(t, *config.Retrieval.Threshold)
	require.NotNil(t, config.Conversation.MaxHistoryTurns)
	assert.Zero(t, *config.Conversation.MaxHistoryTurns)
	assert.Empty(t, config.Validate())
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("OLLAMA_BASE_URL", "http://env-ollama:11434")
	t.Setenv("DATABASE_URL", "postgres://env-db:5432/test")
	t.Setenv("EMBEDDER_PROVIDER", "openai")
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("PORT", "9090")

	config := &Config{}
	mergeWithEnv(config)
	applyDefaults(config)

	assert.Equal(t, "http://env-ollama:11434", config.LLM.BaseURL)
	assert.Equal(t, "postgres://env-db:5432/test", config.Database.URL)
	assert.Equal(t, "openai", config.Embedder.Provider)
	assert.Equal(t, "sk-test", config.Embedder.APIKey)
	assert.Equal(t, "text-embedding-3-small", config.Embedder.Model)
	assert.Equal(t, 1536, config.Database.VectorDim)
	assert.Equal(t, ":9090", config.Server.Addr)
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
