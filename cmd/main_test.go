package main

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommands(t *testing.T) {
	root := newRootCmd()

	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	for _, want := range []string{"ingest", "status", "reprocess", "delete", "ask", "chat", "serve"} {
		assert.Contains(t, names, want)
	}

	ask, _, err := root.Find([]string{"ask"})
	require.NoError(t, err)
	assert.NotNil(t, ask.Flags().Lookup("doc"))
}

func TestIsURL(t *testing.T) {
	assert.True(t, isURL("https://example.com/notes"))
	assert.True(t, isURL("http://localhost:8000"))
	assert.False(t, isURL("notes/chapter1.md"))
}

func TestURLRegex(t *testing.T) {
	assert.Equal(t, "https://example.com/a", urlRegex.FindString("summarize https://example.com/a please"))
}

func TestNewLogger(t *testing.T) {
	logger := newLogger("debug")
	assert.True(t, logger.Enabled(context.Background(), slog.LevelDebug))

	logger = newLogger("nonsense")
	assert.False(t, logger.Enabled(context.Background(), slog.LevelDebug))
	assert.True(t, logger.Enabled(context.Background(), slog.LevelInfo))
}
