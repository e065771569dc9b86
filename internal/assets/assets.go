// Package assets implements the static-asset server (spec.md §4.2):
// path-traversal guarded file resolution, `_redirects`/`_headers` rule
// engines, HTML trailing-slash policies, not-found handling (plain,
// walk-up 404.html, or SPA fallback), and conditional-response
// decoration (ETag/If-None-Match, Cache-Control, Content-Type).
package assets

import (
	"fmt"
	"mime"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
)

// HTMLHandling controls trailing-slash and implicit-index resolution.
type HTMLHandling string

const (
	HTMLHandlingNone  HTMLHandling = "none"
	HTMLHandlingAuto  HTMLHandling = "auto-trailing-slash"
	HTMLHandlingForce HTMLHandling = "force-trailing-slash"
	HTMLHandlingDrop  HTMLHandling = "drop-trailing-slash"
)

// NotFoundHandling controls what is served when resolution fails.
type NotFoundHandling string

const (
	NotFoundPlain NotFoundHandling = "none"
	NotFoundPage  NotFoundHandling = "404-page"
	NotFoundSPA   NotFoundHandling = "single-page-application"
)

// maxRedirectHops bounds the 200-rewrite resolution loop so a cyclical
// set of internal-rewrite rules can't hang a request.
const maxRedirectHops = 20

// Config configures a Server (spec.md §4.2).
type Config struct {
	Root                string
	HTMLHandling        HTMLHandling
	NotFoundHandling    NotFoundHandling
	MaxStaticRedirects  int
	MaxDynamicRedirects int
	MaxHeaderRules      int
}

// Server serves one static-assets root directory.
type Server struct {
	root             string
	htmlHandling     HTMLHandling
	notFoundHandling NotFoundHandling
	redirects        []RedirectRule
	headers          []HeaderRule
	log              zerolog.Logger
}

// New builds a Server, parsing `_redirects` and `_headers` under root
// once if present (spec.md §4.2: "Parse `_redirects` once (cache)").
func New(cfg Config, log zerolog.Logger) (*Server, error) {
	s := &Server{
		root:             cfg.Root,
		htmlHandling:     cfg.HTMLHandling,
		notFoundHandling: cfg.NotFoundHandling,
		log:              log.With().Str("component", "assets").Logger(),
	}
	if s.htmlHandling == "" {
		s.htmlHandling = HTMLHandlingAuto
	}
	if s.notFoundHandling == "" {
		s.notFoundHandling = NotFoundPlain
	}

	if f, err := os.Open(filepath.Join(cfg.Root, "_redirects")); err == nil {
		defer f.Close()
		rules, err := ParseRedirects(f, cfg.MaxStaticRedirects, cfg.MaxDynamicRedirects)
		if err != nil {
			return nil, err
		}
		s.redirects = rules
	}
	if f, err := os.Open(filepath.Join(cfg.Root, "_headers")); err == nil {
		defer f.Close()
		rules, err := ParseHeaders(f, cfg.MaxHeaderRules, 0)
		if err != nil {
			return nil, err
		}
		s.headers = rules
	}
	return s, nil
}

// ServeHTTP runs the full request pipeline (spec.md §4.2).
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqPath := r.URL.Path
	if strings.Contains(reqPath, "..") {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	clean := path.Clean("/" + reqPath)
	if !strings.HasPrefix(clean, "/") {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	resolved := clean
	for hop := 0; hop < maxRedirectHops; hop++ {
		rule, target, matched := matchRedirect(s.redirects, resolved)
		if !matched {
			break
		}
		if rule.Status != 200 {
			loc := target
			if r.URL.RawQuery != "" {
				loc += "?" + r.URL.RawQuery
			}
			w.Header().Set("Location", loc)
			w.WriteHeader(rule.Status)
			return
		}
		resolved = path.Clean("/" + target)
	}

	if redirectTo, status, ok := s.trailingSlashRedirect(resolved); ok {
		loc := redirectTo
		if r.URL.RawQuery != "" {
			loc += "?" + r.URL.RawQuery
		}
		w.Header().Set("Location", loc)
		w.WriteHeader(status)
		return
	}

	file, isAsset := s.resolve(resolved)
	if file == "" {
		s.serveNotFound(w, r, resolved, isAsset)
		return
	}
	s.serveFile(w, r, file, http.StatusOK)
}

// HasAsset reports whether p resolves to an on-disk file, without
// running the redirect/not-found pipeline — used by the dispatcher to
// decide worker-vs-asset ordering under run_worker_first (spec.md §6).
func (s *Server) HasAsset(p string) bool {
	clean := path.Clean("/" + p)
	file, _ := s.resolve(clean)
	return file != ""
}

func (s *Server) trailingSlashRedirect(p string) (string, int, bool) {
	hasExt := filepath.Ext(p) != ""
	switch s.htmlHandling {
	case HTMLHandlingForce:
		if !hasExt && !strings.HasSuffix(p, "/") {
			return p + "/", http.StatusTemporaryRedirect, true
		}
	case HTMLHandlingDrop:
		if p != "/" && strings.HasSuffix(p, "/") {
			return strings.TrimSuffix(p, "/"), http.StatusTemporaryRedirect, true
		}
	}
	return "", 0, false
}

// resolve finds the on-disk file for p, returning its absolute path
// and whether p looked like it targeted an asset (had an extension) —
// used by the not-found SPA-fallback exception.
func (s *Server) resolve(p string) (file string, looksLikeAsset bool) {
	looksLikeAsset = filepath.Ext(p) != ""

	candidate := filepath.Join(s.root, filepath.FromSlash(p))
	if fi, err := os.Stat(candidate); err == nil && !fi.IsDir() {
		return candidate, looksLikeAsset
	}

	if p == "/" {
		idx := filepath.Join(s.root, "index.html")
		if fi, err := os.Stat(idx); err == nil && !fi.IsDir() {
			return idx, looksLikeAsset
		}
		return "", looksLikeAsset
	}

	if s.htmlHandling != HTMLHandlingNone {
		dirIndex := filepath.Join(s.root, filepath.FromSlash(p), "index.html")
		if fi, err := os.Stat(dirIndex); err == nil && !fi.IsDir() {
			return dirIndex, looksLikeAsset
		}
		withExt := filepath.Join(s.root, filepath.FromSlash(p)+".html")
		if fi, err := os.Stat(withExt); err == nil && !fi.IsDir() {
			return withExt, looksLikeAsset
		}
	}
	return "", looksLikeAsset
}

func (s *Server) serveNotFound(w http.ResponseWriter, r *http.Request, reqPath string, looksLikeAsset bool) {
	switch s.notFoundHandling {
	case NotFoundSPA:
		if !looksLikeAsset {
			idx := filepath.Join(s.root, "index.html")
			if fi, err := os.Stat(idx); err == nil && !fi.IsDir() {
				s.serveFile(w, r, idx, http.StatusOK)
				return
			}
		}
	case NotFoundPage:
		dir := filepath.Dir(filepath.Join(s.root, filepath.FromSlash(reqPath)))
		for {
			candidate := filepath.Join(dir, "404.html")
			if fi, err := os.Stat(candidate); err == nil && !fi.IsDir() {
				s.serveFile(w, r, candidate, http.StatusNotFound)
				return
			}
			if dir == s.root || len(dir) <= len(s.root) {
				break
			}
			parent := filepath.Dir(dir)
			if parent == dir {
				break
			}
			dir = parent
		}
	}
	http.Error(w, "not found", http.StatusNotFound)
}

func (s *Server) serveFile(w http.ResponseWriter, r *http.Request, file string, status int) {
	fi, err := os.Stat(file)
	if err != nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	etag := weakETag(fi.ModTime().UnixMilli(), fi.Size())
	if inm := r.Header.Get("If-None-Match"); inm != "" && inm == etag {
		w.Header().Set("ETag", etag)
		w.WriteHeader(http.StatusNotModified)
		return
	}

	header := w.Header()
	header.Set("ETag", etag)
	header.Set("Cache-Control", "public, max-age=0, must-revalidate")
	if ct := mime.TypeByExtension(filepath.Ext(file)); ct != "" {
		header.Set("Content-Type", ct)
	}

	resolvedPath := requestPathFor(s.root, file)
	ApplyHeaders(s.headers, resolvedPath, header.Set, header.Del)

	data, err := os.ReadFile(file)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

func requestPathFor(root, file string) string {
	rel, err := filepath.Rel(root, file)
	if err != nil {
		return "/"
	}
	return "/" + filepath.ToSlash(rel)
}

// weakETag computes spec.md §4.2's `"mtimeMs-size"` base36 weak etag.
func weakETag(mtimeMs int64, size int64) string {
	return fmt.Sprintf(`"%s-%s"`, strconv.FormatInt(mtimeMs, 36), strconv.FormatInt(size, 36))
}
