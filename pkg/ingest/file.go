// Package ingest turns plain text files and web pages into documents ready to
// be saved and processed.
package ingest

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/xhad/groundnotes/internal/models"
	"github.com/xhad/groundnotes/internal/types"
)

// MaxFileBytes is the largest file LoadTextFile accepts.
const MaxFileBytes = 20 << 20

var textExtensions = map[string]bool{
	".txt":      true,
	".md":       true,
	".markdown": true,
	".text":     true,
	"":          true,
}

// LoadTextFile reads a UTF-8 text or markdown file into an unsaved document.
func LoadTextFile(path string) (models.Document, error) {
	ext := strings.ToLower(filepath.Ext(path))
	if !textExtensions[ext] {
		return models.Document{}, types.NewValidationError("path", "unsupported file type %q", ext)
	}

	info, err := os.Stat(path)
	if err != nil {
		return models.Document{}, fmt.Errorf("error reading file: %w", err)
	}
	if info.IsDir() {
		return models.Document{}, types.NewValidationError("path", "%s is a directory", path)
	}
	if info.Size() > MaxFileBytes {
		return models.Document{}, types.NewValidationError("path", "file is %d bytes, limit is %d", info.Size(), MaxFileBytes)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return models.Document{}, fmt.Errorf("error reading file: %w", err)
	}
	if bytes.IndexByte(data, 0) >= 0 || !utf8.Valid(data) {
		return models.Document{}, types.NewValidationError("path", "%s is not a UTF-8 text file", path)
	}
	if strings.TrimSpace(string(data)) == "" {
		return models.Document{}, types.NewValidationError("path", "%s is empty", path)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}

	return models.Document{
		Title:   strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)),
		Source:  "file://" + filepath.ToSlash(abs),
		Content: string(data),
	}, nil
}
