package assets

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aristath/workerbench/pkg/logger"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestServer_SPAFallbackServesIndexForUnknownPaths(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "index.html", `<div id=app></div>`)
	writeFile(t, dir, "style.css", `body{color:red}`)

	s, err := New(Config{Root: dir, HTMLHandling: HTMLHandlingAuto, NotFoundHandling: NotFoundSPA}, logger.NewNop())
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/any/random/path", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, `<div id=app></div>`, rec.Body.String())

	req2 := httptest.NewRequest(http.MethodGet, "/style.css", nil)
	rec2 := httptest.NewRecorder()
	s.ServeHTTP(rec2, req2)
	require.Equal(t, http.StatusOK, rec2.Code)
	require.Equal(t, `body{color:red}`, rec2.Body.String())
}

func TestServer_SPAFallbackDoesNotCatchAssetLikePaths(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "index.html", `<div id=app></div>`)

	s, err := New(Config{Root: dir, NotFoundHandling: NotFoundSPA}, logger.NewNop())
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/missing.png", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_ETagAndConditionalRequest(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "style.css", `body{color:red}`)

	s, err := New(Config{Root: dir}, logger.NewNop())
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/style.css", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	etag := rec.Header().Get("ETag")
	require.NotEmpty(t, etag)

	req2 := httptest.NewRequest(http.MethodGet, "/style.css", nil)
	req2.Header.Set("If-None-Match", etag)
	rec2 := httptest.NewRecorder()
	s.ServeHTTP(rec2, req2)
	require.Equal(t, http.StatusNotModified, rec2.Code)
}

func TestServer_RedirectsFileAppliesFirstMatchWithSplat(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "_redirects", "/blog/* /archive/:splat 301\n/blog/* /other 302\n")

	s, err := New(Config{Root: dir}, logger.NewNop())
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/blog/2024/p", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	require.Equal(t, http.StatusMovedPermanently, rec.Code)
	require.Equal(t, "/archive/2024/p", rec.Header().Get("Location"))
}

func TestServer_RedirectStatus200IsInternalRewrite(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "real.html", "real content")
	writeFile(t, dir, "_redirects", "/alias /real.html 200\n")

	s, err := New(Config{Root: dir}, logger.NewNop())
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/alias", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "real content", rec.Body.String())
}

func TestServer_PathTraversalRejected(t *testing.T) {
	dir := t.TempDir()
	s, err := New(Config{Root: dir}, logger.NewNop())
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/../../etc/passwd", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_HeadersFileAppliesRulesInOrder(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "secret.txt", "shh")
	writeFile(t, dir, "_headers", "/secret\\.txt\n  X-Robots-Tag: noindex\n  !Cache-Control\n")

	s, err := New(Config{Root: dir}, logger.NewNop())
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/secret.txt", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	require.Equal(t, "noindex", rec.Header().Get("X-Robots-Tag"))
	require.Empty(t, rec.Header().Get("Cache-Control"))
}

func TestPattern_SplatCaptureMatchesSpecExample(t *testing.T) {
	p, err := CompilePattern("/blog/*")
	require.NoError(t, err)

	ok, _, splat := p.Match("/blog/2024/p")
	require.True(t, ok)
	require.Equal(t, "2024/p", splat)

	ok, _, _ = p.Match("/blog")
	require.False(t, ok)
}
