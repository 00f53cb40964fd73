// Package web is the configuration interface for the clock. It writes
// the shared config store and reloads the quote index; the refresh loop
// only ever reads both, so the boundary stays one-directional.
package web

import (
	"crypto/subtle"
	"embed"
	"encoding/json"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/terribilis/litclock2/internal/config"
	appLog "github.com/terribilis/litclock2/internal/log"
	"github.com/terribilis/litclock2/internal/quotes"
)

//go:embed static
var embeddedStatic embed.FS

// maxUploadBytes bounds quote CSV uploads. The full annotated corpus is
// around 2 MB.
const maxUploadBytes = 16 << 20

// Server provides the settings form and JSON API.
type Server struct {
	cfg    *config.Store
	quotes *quotes.Store
	mux    *http.ServeMux

	// panelState reports the driver state for /api/status without the
	// web package owning the driver.
	panelState func() string

	// previewPath is where the refresh loop dumps the last rendered
	// preview, when enabled.
	previewPath string
}

// NewServer constructs a Server around the shared stores.
func NewServer(cfg *config.Store, qs *quotes.Store, panelState func() string, previewPath string) *Server {
	s := &Server{
		cfg:         cfg,
		quotes:      qs,
		mux:         http.NewServeMux(),
		panelState:  panelState,
		previewPath: previewPath,
	}
	s.registerRoutes()
	return s
}

// Handler returns the http.Handler, wrapped with basic auth when
// configured.
func (s *Server) Handler() http.Handler {
	h := http.Handler(s.mux)
	if s.basicAuthEnabled() {
		appLog.Info("HTTP basic auth enabled")
		return s.basicAuthMiddleware(h)
	}
	return h
}

func (s *Server) basicAuthEnabled() bool {
	ba := s.cfg.Current().BasicAuth
	return ba != nil && ba.Username != "" && ba.Password != ""
}

// basicAuthMiddleware wraps all handlers except /health.
func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}
		ba := s.cfg.Current().BasicAuth
		u, p, ok := r.BasicAuth()
		if ba == nil || !ok || !secureCompare(u, ba.Username) || !secureCompare(p, ba.Password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="litclock", charset="UTF-8"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/api/config", s.handleConfig)
	s.mux.HandleFunc("/api/status", s.handleStatus)
	s.mux.HandleFunc("/api/quotes/reload", s.handleReload)
	s.mux.HandleFunc("/save_settings", s.handleSaveSettings)
	s.mux.HandleFunc("/upload_csv", s.handleUploadCSV)
	s.mux.HandleFunc("/preview.png", s.handlePreview)
	s.mux.Handle("/", s.staticFileServer())
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleConfig serves and accepts the persisted settings as JSON.
func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, s.cfg.Current())
	case http.MethodPost:
		// Decode over the current snapshot: fields absent from the body
		// keep their value, an explicit zero is honored.
		cfg := *s.cfg.Current()
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&cfg); err != nil {
			writeError(w, http.StatusBadRequest, "invalid config JSON")
			return
		}
		cfg.Normalize()
		if err := s.cfg.Replace(&cfg); err != nil {
			appLog.Error("config save failed", err)
			writeError(w, http.StatusInternalServerError, "failed to save config")
			return
		}
		appLog.Info("config updated via API")
		writeJSON(w, http.StatusOK, s.cfg.Current())
	default:
		w.Header().Set("Allow", "GET, POST")
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// handleSaveSettings accepts the HTML form post. Field names match the
// original settings form.
func (s *Server) handleSaveSettings(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, "invalid form")
		return
	}

	cur := *s.cfg.Current()
	cur.UpdateInterval = parseIntDefault(r.PostFormValue("update_interval"), cur.UpdateInterval)
	cur.FontSize = parseIntDefault(r.PostFormValue("font_size"), cur.FontSize)
	cur.ShowBookInfo = r.PostForm.Has("show_book_info")
	cur.ShowAuthor = r.PostForm.Has("show_author")
	cur.ContentFilter = config.ContentFilter(r.PostFormValue("content_filter"))
	cur.DisplayBrightness = parseIntDefault(r.PostFormValue("display_brightness"), cur.DisplayBrightness)
	cur.Normalize()

	if err := s.cfg.Replace(&cur); err != nil {
		appLog.Error("config save failed", err)
		writeError(w, http.StatusInternalServerError, "failed to save config")
		return
	}
	appLog.Info("settings saved",
		"update_interval", cur.UpdateInterval,
		"font_size", cur.FontSize,
		"content_filter", string(cur.ContentFilter))
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

// handleUploadCSV replaces the quote source file and reloads the index.
func (s *Server) handleUploadCSV(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeError(w, http.StatusBadRequest, "invalid upload")
		return
	}
	file, hdr, err := r.FormFile("csv_file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "csv_file field is required")
		return
	}
	defer file.Close()

	dst := s.cfg.Current().QuotesPath
	if err := writeFileAtomic(dst, file); err != nil {
		appLog.Error("quote upload write failed", err, "path", dst)
		writeError(w, http.StatusInternalServerError, "failed to store quote file")
		return
	}

	idx, err := s.quotes.Reload(dst)
	if err != nil {
		appLog.Error("quote reload after upload failed", err, "path", dst)
		writeError(w, http.StatusInternalServerError, "uploaded file could not be indexed")
		return
	}
	appLog.Info("quote file uploaded",
		"name", hdr.Filename,
		"entries", idx.Len(),
		"malformed", idx.Malformed())
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

// handleReload rebuilds the index from the configured source path.
func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	path := s.cfg.Current().QuotesPath
	idx, err := s.quotes.Reload(path)
	if err != nil {
		appLog.Error("quote reload failed", err, "path", path)
		writeError(w, http.StatusInternalServerError, "reload failed")
		return
	}
	appLog.Info("quote index reloaded", "entries", idx.Len(), "malformed", idx.Malformed())
	writeJSON(w, http.StatusOK, map[string]int{
		"entries":   idx.Len(),
		"malformed": idx.Malformed(),
	})
}

// handleStatus reports panel and index state for the UI.
func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	idx := s.quotes.Index()
	state := "unknown"
	if s.panelState != nil {
		state = s.panelState()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"panel_state":       state,
		"quote_entries":     idx.Len(),
		"malformed_records": idx.Malformed(),
		"time_keys":         len(idx.TimeKeys()),
	})
}

// handlePreview serves the last rendered preview written by the loop.
func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	if s.previewPath == "" {
		http.NotFound(w, r)
		return
	}
	http.ServeFile(w, r, s.previewPath)
}

func (s *Server) staticFileServer() http.Handler {
	sub, err := fs.Sub(embeddedStatic, "static")
	if err != nil {
		appLog.Error("embedded static filesystem unavailable", err)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "UI not available", http.StatusServiceUnavailable)
		})
	}
	fileServer := http.FileServer(http.FS(sub))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/api") {
			http.NotFound(w, r)
			return
		}
		fileServer.ServeHTTP(w, r)
	})
}

func writeFileAtomic(path string, src io.Reader) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".upload-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := io.Copy(tmp, io.LimitReader(src, maxUploadBytes)); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

func parseIntDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	type errResp struct {
		Error string `json:"error"`
	}
	writeJSON(w, status, errResp{Error: msg})
}
