package cmd

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Siddhant-K-code/ctxcache/pkg/api"
	"github.com/Siddhant-K-code/ctxcache/pkg/cache"
	"github.com/Siddhant-K-code/ctxcache/pkg/engine"
	"github.com/Siddhant-K-code/ctxcache/pkg/ingest"
	"github.com/Siddhant-K-code/ctxcache/pkg/layer"
	"github.com/Siddhant-K-code/ctxcache/pkg/sse"
	"github.com/Siddhant-K-code/ctxcache/pkg/telemetry"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the ctxcache HTTP API server",
	Long: `Starts an HTTP server exposing every cache operation as JSON over
POST, plus bulk import with Server-Sent Events progress. The expiry sweeper
runs in the background while the server is up.

Example:
  ctxcache serve --port 8080
  ctxcache serve --config /etc/ctxcache/ctxcache.yaml

The server exposes:
  POST /v1/cache/{get,set,delete,search,clear,clear-stats}
  GET  /v1/cache/{stats,performance}
  POST /v1/predict
  POST /v1/semantic/similar
  POST /v1/vector/context
  POST /v1/global/search
  POST /v1/diary/memories
  POST /v1/diary/insights
  POST /v1/import          - JSONL body, SSE progress
  GET  /health             - Health check
  GET  /metrics            - Prometheus metrics`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	// Server settings
	serveCmd.Flags().IntP("port", "p", 0, "HTTP server port (default: server.port)")
	serveCmd.Flags().String("host", "", "HTTP server host (default: server.host)")
}

const (
	maxBodyBytes   = 8 << 20
	maxImportBytes = 1 << 30

	progressInterval = 250 * time.Millisecond

	// statusClientClosed is the de facto status for requests the client
	// abandoned.
	statusClientClosed = 499
)

// Server holds the HTTP server state.
type Server struct {
	svc    *api.Service
	engine *engine.Engine
	keys   [][]byte
	log    *zap.Logger
}

// NewServer wraps a built engine.
func NewServer(e *engine.Engine) *Server {
	s := &Server{
		svc:    api.New(e.Router),
		engine: e,
		log:    e.Log().Named("http"),
	}
	for _, k := range e.Config.Auth.APIKeys {
		if k = strings.TrimSpace(k); k != "" {
			s.keys = append(s.keys, []byte(k))
		}
	}
	return s
}

type route struct {
	pattern string
	op      string
}

var routes = []route{
	{"POST /v1/cache/get", api.OpGet},
	{"POST /v1/cache/set", api.OpSet},
	{"POST /v1/cache/delete", api.OpDelete},
	{"POST /v1/cache/search", api.OpSearch},
	{"POST /v1/cache/clear", api.OpClear},
	{"GET /v1/cache/stats", api.OpStats},
	{"GET /v1/cache/performance", api.OpPerformance},
	{"POST /v1/cache/clear-stats", api.OpClearStats},
	{"POST /v1/predict", api.OpPredict},
	{"POST /v1/semantic/similar", api.OpSemanticSimilar},
	{"POST /v1/vector/context", api.OpSelectContext},
	{"POST /v1/global/search", api.OpSearchKnowledge},
	{"POST /v1/diary/memories", api.OpSessionMemories},
	{"POST /v1/diary/insights", api.OpInsights},
}

// Handler returns the routed, instrumented handler.
func (s *Server) Handler() http.Handler {
	m := s.engine.Metrics
	mux := http.NewServeMux()
	for _, rt := range routes {
		endpoint := rt.pattern[strings.Index(rt.pattern, " ")+1:]
		mux.HandleFunc(rt.pattern, m.Middleware(endpoint, s.auth(s.handleOp(endpoint, rt.op))))
	}
	mux.HandleFunc("POST /v1/import", m.Middleware("/v1/import", s.auth(s.handleImport)))
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", m.Handler())
	return corsMiddleware(mux)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	e, err := openEngine(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = e.Close(context.Background()) }()

	cfg := e.Config.Server
	if port, _ := cmd.Flags().GetInt("port"); port > 0 {
		cfg.Port = port
	}
	if host, _ := cmd.Flags().GetString("host"); host != "" {
		cfg.Host = host
	}

	server := NewServer(e)
	e.Start(ctx)

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      server.Handler(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	fmt.Fprintf(os.Stderr, "ctxcache server starting on %s\n", addr)
	fmt.Fprintf(os.Stderr, "  Layers: %s\n", strings.Join(e.Router.Chain(), " → "))
	fmt.Fprintf(os.Stderr, "  Embeddings: %v\n", e.Embedder != nil)
	fmt.Fprintf(os.Stderr, "  Auth: %v (%d keys)\n", len(server.keys) > 0, len(server.keys))
	fmt.Fprintln(os.Stderr)

	return serveUntilDone(ctx, httpServer, cfg.ShutdownTimeout, server.log)
}

// serveUntilDone runs srv until ctx is cancelled, then shuts it down
// gracefully.
func serveUntilDone(ctx context.Context, srv *http.Server, timeout time.Duration, log *zap.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	log.Info("http server listening", zap.String("addr", srv.Addr))

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("shutting down http server")
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown error: %w", err)
	}
	log.Info("http server stopped")
	return nil
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// auth requires one of the configured API keys, as a bearer token or in
// X-API-Key. No keys configured means no auth.
func (s *Server) auth(next http.HandlerFunc) http.HandlerFunc {
	if len(s.keys) == 0 {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		token := r.Header.Get("X-API-Key")
		if token == "" {
			auth := r.Header.Get("Authorization")
			if auth == "" {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Authorization header required"})
				return
			}
			token = strings.TrimPrefix(auth, "Bearer ")
		}
		for _, k := range s.keys {
			if subtle.ConstantTimeCompare([]byte(token), k) == 1 {
				next(w, r)
				return
			}
		}
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Invalid API key"})
	}
}

func (s *Server) handleOp(endpoint, op string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := s.engine.Tracer.StartRequest(r.Context(), endpoint)
		defer span.End()

		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "request body too large"})
				return
			}
			writeError(w, cache.Validationf("failed to read body: %v", err))
			return
		}

		out, err := s.svc.Call(ctx, op, body)
		if err != nil {
			telemetry.RecordError(span, err)
			if status := statusFor(err); status >= http.StatusInternalServerError {
				s.log.Warn("operation failed", zap.String("op", op), zap.Error(err))
			}
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, out)
	}
}

// handleImport streams a JSONL body through the ingest pipeline. Progress
// is sent as SSE when the client accepts it; otherwise the final stats are
// returned as JSON.
func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	layerName := q.Get("layer")
	if layerName != "" && !layer.Valid(layerName) {
		writeError(w, cache.Validationf("unknown layer %q", layerName))
		return
	}
	intent := q.Get("intent")

	imp := s.engine.Config.Import
	pipeline := ingest.NewPipeline(s.engine.Router, ingest.Config{
		Layer:      layerName,
		Intent:     intent,
		Workers:    imp.Workers,
		BatchSize:  imp.BatchSize,
		MaxRetries: imp.MaxRetries,
	},
		ingest.WithRecorder(s.engine.Metrics),
		ingest.WithTracer(s.engine.Tracer),
		ingest.WithLogger(s.log.Named("import")),
	)
	src := ingest.NewJSONL(http.MaxBytesReader(w, r.Body, maxImportBytes))

	var sw *sse.Writer
	if strings.Contains(r.Header.Get("Accept"), "text/event-stream") {
		// Progress is written while the body is still being read.
		_ = http.NewResponseController(w).EnableFullDuplex()
		sw = sse.NewWriter(w, progressInterval)
	}
	if sw == nil {
		stats, err := pipeline.Run(r.Context(), src, nil)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, stats)
		return
	}

	stats, err := pipeline.Run(r.Context(), src, func(st ingest.Stats) {
		_, _ = sw.Progress(st)
	})
	if err != nil {
		_ = sw.Fail(string(cache.KindOf(err)), err.Error(), stats)
		return
	}
	_ = sw.Complete(stats)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"layers":     s.engine.Router.Chain(),
		"embeddings": s.engine.Embedder != nil,
	})
}

// statusFor maps an error kind to an HTTP status.
func statusFor(err error) int {
	switch cache.KindOf(err) {
	case cache.KindValidation:
		return http.StatusBadRequest
	case cache.KindDimensionMismatch:
		return http.StatusUnprocessableEntity
	case cache.KindNotFound:
		return http.StatusNotFound
	case cache.KindStorageUnavailable:
		return http.StatusServiceUnavailable
	case cache.KindTimeout:
		return http.StatusGatewayTimeout
	case cache.KindCanceled:
		return statusClientClosed
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), api.NewErrorBody(err))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
