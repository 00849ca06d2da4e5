package ingest

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xhad/groundnotes/internal/types"
)

const testPage = `
<html>
	<head><title>Test Page</title><script>var tracking = 1;</script></head>
	<body>
		<nav>Home Docs Blog</nav>
		<main>
			<h1>Test Content</h1>
			<p>This is a test paragraph.</p>
			<p>Accept Cookies</p>
			<a href="/page2.html">Next</a>
			<a href="https://elsewhere.example/page.html">Away</a>
			<a href="/file.pdf">PDF</a>
		</main>
	</body>
</html>`

func newTestSite(t *testing.T, hits *atomic.Int32) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(testPage))
	})
	mux.HandleFunc("/page2.html", func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write([]byte(`<html><head><title>Second</title></head><body><article>Second page body. <a href="/">Back</a></article></body></html>`))
	})
	mux.HandleFunc("/missing", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func TestFetch(t *testing.T) {
	var hits atomic.Int32
	server := newTestSite(t, &hits)

	var progress []string
	f := NewURLFetcher(FetcherConfig{
		RateLimit:  100,
		OnProgress: func(url string) { progress = append(progress, url) },
	})

	doc, err := f.Fetch(context.Background(), server.URL)
	require.NoError(t, err)
	assert.Equal(t, "Test Page", doc.Title)
	assert.Equal(t, server.URL, doc.Source)
	assert.Equal(t, "Test Content This is a test paragraph. Next Away PDF", doc.Content)
	assert.NotContains(t, doc.Content, "tracking")
	assert.Equal(t, []string{server.URL}, progress)
	assert.Equal(t, int32(1), hits.Load())
}

func TestFetch_Errors(t *testing.T) {
	var hits atomic.Int32
	server := newTestSite(t, &hits)
	f := NewURLFetcher(FetcherConfig{RateLimit: 100})

	_, err := f.Fetch(context.Background(), server.URL+"/missing")
	assert.ErrorContains(t, err, "status code 404")

	_, err = f.Fetch(context.Background(), "http://")
	assert.ErrorContains(t, err, "missing host")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = f.Fetch(ctx, server.URL)
	assert.Error(t, err)
}

func TestCrawl(t *testing.T) {
	var hits atomic.Int32
	server := newTestSite(t, &hits)

	f := NewURLFetcher(FetcherConfig{RateLimit: 100, MaxDepth: 2})
	docs, err := f.Crawl(context.Background(), server.URL+"/")
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "Second", docs[1].Title)
	assert.Equal(t, "Second page body. Back", docs[1].Content)
	assert.Equal(t, int32(2), hits.Load())
}

func TestShouldFollow(t *testing.T) {
	f := NewURLFetcher(FetcherConfig{
		IgnorePatterns:    []string{"/ignore/", "private"},
		AllowedExtensions: []string{".html", "/"},
	})

	tests := []struct {
		url      string
		expected bool
	}{
		{"https://example.com/docs/", true},
		{"https://example.com/page.html", true},
		{"https://example.com/ignore/page.html", false},
		{"https://other-domain.com/page.html", false},
		{"https://example.com/file.pdf", false},
		{"mailto://example.com/", false},
	}

	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			assert.Equal(t, tt.expected, f.shouldFollow(tt.url, "example.com"))
		})
	}
}

func TestNormalizeURL(t *testing.T) {
	u, err := normalizeURL("  example.com/notes ")
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/notes", u.String())
}

func TestLoadTextFile(t *testing.T) {
	dir := t.TempDir()

	path := filepath.Join(dir, "lecture-notes.md")
	require.NoError(t, os.WriteFile(path, []byte("# Cells\n\nThe cell is the unit of life."), 0o644))

	doc, err := LoadTextFile(path)
	require.NoError(t, err)
	assert.Equal(t, "lecture-notes", doc.Title)
	assert.True(t, strings.HasPrefix(doc.Source, "file://"))
	assert.Contains(t, doc.Content, "unit of life")
}

func TestLoadTextFile_Rejects(t *testing.T) {
	dir := t.TempDir()

	binary := filepath.Join(dir, "data.txt")
	require.NoError(t, os.WriteFile(binary, []byte{'a', 0, 'b'}, 0o644))
	_, err := LoadTextFile(binary)
	assert.True(t, types.IsValidation(err))

	empty := filepath.Join(dir, "empty.txt")
	require.NoError(t, os.WriteFile(empty, []byte(" \n "), 0o644))
	_, err = LoadTextFile(empty)
	assert.True(t, types.IsValidation(err))

	_, err = LoadTextFile(filepath.Join(dir, "slides.pdf"))
	assert.True(t, types.IsValidation(err))

	_, err = LoadTextFile(filepath.Join(dir, "absent.txt"))
	assert.Error(t, err)
	assert.False(t, types.IsValidation(err))
}
