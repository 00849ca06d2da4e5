package chunker

import (
	"strings"
	"unicode/utf8"

	"github.com/xhad/groundnotes/internal/models"
	"github.com/xhad/groundnotes/internal/types"
)

const (
	DefaultChunkSize    = 500
	DefaultChunkOverlap = 50
)

type ChunkerConfig struct {
	ChunkSize int // words per window
	// ChunkOverlap is the number of words shared by consecutive windows.
	// Nil means DefaultChunkOverlap.
	ChunkOverlap *int
}

type Chunker struct {
	size    int
	overlap int
}

func NewWithConfig(config ChunkerConfig) (*Chunker, error) {
	c := &Chunker{size: config.ChunkSize, overlap: DefaultChunkOverlap}
	if c.size == 0 {
		c.size = DefaultChunkSize
	}
	if config.ChunkOverlap != nil {
		c.overlap = *config.ChunkOverlap
	}
	if err := validate(c.size, c.overlap); err != nil {
		return nil, err
	}
	return c, nil
}

// Size reports the resolved window size in words.
func (c *Chunker) Size() int {
	return c.size
}

func (c *Chunker) Overlap() int {
	return c.overlap
}

// Chunk splits text with the configured window size and overlap.
func (c *Chunker) Chunk(text string) ([]models.ChunkCandidate, error) {
	return Chunk(text, c.size, c.overlap)
}

// Chunk splits text into word windows of size words, each starting size-overlap
// words after the previous one. Text without words yields no candidates.
func Chunk(text string, size, overlap int) ([]models.ChunkCandidate, error) {
	if err := validate(size, overlap); err != nil {
		return nil, err
	}

	words := strings.Fields(text)
	n := len(words)
	if n == 0 {
		return nil, nil
	}

	step := size - overlap
	candidates := make([]models.ChunkCandidate, 0, n/step+1)

	for start := 0; start < n; start += step {
		end := start + size
		if end > n {
			end = n
		}

		content := strings.TrimSpace(strings.Join(words[start:end], " "))
		if content == "" {
			continue
		}

		candidates = append(candidates, models.ChunkCandidate{
			Index:   len(candidates),
			Content: content,
			Metadata: models.ChunkMetadata{
				StartWord: start,
				EndWord:   end,
				WordCount: end - start,
			},
		})
	}

	return candidates, nil
}

// Normalize collapses runs of whitespace and drops invalid UTF-8 bytes so the
// stored content is valid text for the database.
func Normalize(text string) string {
	return strings.Join(strings.Fields(sanitizeUTF8(text)), " ")
}

func validate(size, overlap int) error {
	if size <= 0 {
		return types.NewValidationError("chunk_size", "must be positive, got %d", size)
	}
	if overlap < 0 {
		return types.NewValidationError("chunk_overlap", "must be non-negative, got %d", overlap)
	}
	if overlap >= size {
		return types.NewValidationError("chunk_overlap", "must be less than chunk_size (%d >= %d)", overlap, size)
	}
	return nil
}

func sanitizeUTF8(s string) string {
	if utf8.ValidString(s) {
		return s
	}
	v := make([]rune, 0, len(s))
	for i, r := range s {
		if r == utf8.RuneError {
			_, size := utf8.DecodeRuneInString(s[i:])
			if size == 1 {
				continue
			}
		}
		v = append(v, r)
	}
	return string(v)
}
