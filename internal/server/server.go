package server

import (
	"bytes"
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"io/fs"
	"log/slog"
	"net/http"
	"time"

	"github.com/yuin/goldmark"

	"github.com/TobiSchelling/sentiscore/internal/config"
	"github.com/TobiSchelling/sentiscore/internal/ingest"
	"github.com/TobiSchelling/sentiscore/internal/logging"
	"github.com/TobiSchelling/sentiscore/internal/metrics"
	"github.com/TobiSchelling/sentiscore/internal/sentiment"
)

//go:embed templates/*
var templateFS embed.FS

//go:embed static/*
var staticFS embed.FS

var md = goldmark.New()

// Error messages of the HTTP surface itself.
const (
	msgNoFile         = "no file provided"
	msgNoSelectedFile = "no selected file"
	msgNotFound       = "endpoint not found"
	msgMethod         = "method not allowed"
	msgInternal       = "internal server error"
)

// Runner scores an ordered list of reviews.
type Runner interface {
	Run(ctx context.Context, reviews []string) (*sentiment.Summary, error)
}

// Server is the HTTP adapter around a Runner.
type Server struct {
	runner    Runner
	metrics   *metrics.Metrics
	maxUpload int64
	index     []byte
	mux       *http.ServeMux
}

// New creates a new Server. m may be nil, which disables /metrics.
func New(runner Runner, m *metrics.Metrics, maxUpload int64) (*Server, error) {
	index, err := renderIndex()
	if err != nil {
		return nil, err
	}

	s := &Server{
		runner:    runner,
		metrics:   m,
		maxUpload: maxUpload,
		index:     index,
		mux:       http.NewServeMux(),
	}
	s.routes()
	return s, nil
}

// Handler returns the HTTP handler for the server, wrapped in middleware.
func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	if s.metrics != nil {
		h = instrument(s.metrics, h)
	}
	return requestID(recoverer(h))
}

func (s *Server) routes() {
	staticSub, _ := fs.Sub(staticFS, "static")
	s.mux.Handle("/static/", http.StripPrefix("/static/", http.FileServer(http.FS(staticSub))))

	s.mux.HandleFunc("/", s.handleIndex)
	s.mux.HandleFunc("/upload", s.handleUpload)
	s.mux.HandleFunc("/healthz", s.handleHealth)
	if s.metrics != nil {
		s.mux.Handle("/metrics", s.metrics.Handler())
	}
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		writeError(w, http.StatusNotFound, msgNotFound)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(s.index)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, msgMethod)
		return
	}
	log := logging.FromContext(r.Context())

	r.Body = http.MaxBytesReader(w, r.Body, s.maxUpload)
	if err := r.ParseMultipartForm(s.maxUpload); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("failed to read the file: upload exceeds %d bytes", tooBig.Limit))
			return
		}
		writeError(w, http.StatusBadRequest, msgNoFile)
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		// A file input submitted without a selection arrives as a plain
		// value with an empty filename.
		if _, ok := r.MultipartForm.Value["file"]; ok {
			writeError(w, http.StatusBadRequest, msgNoSelectedFile)
			return
		}
		writeError(w, http.StatusBadRequest, msgNoFile)
		return
	}
	defer file.Close()

	if header.Filename == "" {
		writeError(w, http.StatusBadRequest, msgNoSelectedFile)
		return
	}

	reviews, err := ingest.Parse(file, ingest.Extension(header.Filename))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	log.Info("Upload parsed", slog.String("filename", header.Filename), slog.Int("reviews", len(reviews)))

	summary, err := s.runner.Run(r.Context(), reviews)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// fail writes validation errors verbatim and hides everything else.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	var ve *sentiment.ValidationError
	if errors.As(err, &ve) {
		writeError(w, http.StatusBadRequest, ve.Message)
		return
	}
	logging.FromContext(r.Context()).Error("Request failed", slog.String("error", err.Error()))
	writeError(w, http.StatusInternalServerError, msgInternal)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Failed to write response", slog.String("error", err.Error()))
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func renderIndex() ([]byte, error) {
	usage, err := templateFS.ReadFile("templates/usage.md")
	if err != nil {
		return nil, fmt.Errorf("reading usage: %w", err)
	}
	tmpl, err := template.ParseFS(templateFS, "templates/base.html")
	if err != nil {
		return nil, fmt.Errorf("parsing base template: %w", err)
	}

	var buf bytes.Buffer
	err = tmpl.Execute(&buf, map[string]any{
		"Title":   "sentiscore",
		"Content": renderMarkdown(string(usage)),
	})
	if err != nil {
		return nil, fmt.Errorf("rendering index: %w", err)
	}
	return buf.Bytes(), nil
}

func renderMarkdown(text string) template.HTML {
	var buf bytes.Buffer
	if err := md.Convert([]byte(text), &buf); err != nil {
		return template.HTML(template.HTMLEscapeString(text))
	}
	return template.HTML(buf.String()) //nolint: gosec
}

// Serve runs the server until ctx is done, then shuts down gracefully.
func Serve(ctx context.Context, srv *Server, cfg config.Server) error {
	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      srv.Handler(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server listening", slog.String("addr", httpServer.Addr))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		slog.Info("Shutdown signal received")
		timeout := cfg.ShutdownTimeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	}
}
