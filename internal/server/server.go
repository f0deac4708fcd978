// Package server exposes dispatch and patching over HTTP and WebSocket.
package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/netutil"

	"github.com/breeze-rmm/voicetask/internal/dispatch"
	"github.com/breeze-rmm/voicetask/internal/logging"
	"github.com/breeze-rmm/voicetask/internal/patching"
	"github.com/breeze-rmm/voicetask/pkg/models"
)

const (
	maxUploadSize   = 32 << 20
	maxJSONBodySize = 1 << 20
	shutdownTimeout = 30 * time.Second
)

// Dispatcher runs one instruction. *dispatch.Orchestrator satisfies it.
type Dispatcher interface {
	Dispatch(ctx context.Context, req dispatch.Request) (models.DispatchResponse, error)
}

// Patcher runs one patch workflow. *patching.Manager satisfies it.
type Patcher interface {
	Run(ctx context.Context, vm patching.VMInfo, onLog patching.ProgressCallback) *patching.State
}

// StatusReporter describes the running service. *collector.ServiceCollector
// satisfies it.
type StatusReporter interface {
	Status(ctx context.Context) (models.ServiceStatus, error)
}

// Server holds the HTTP handlers and their collaborators.
type Server struct {
	dispatcher Dispatcher
	patcher    Patcher
	status     StatusReporter
	uploadDir  string
	logger     *zap.Logger
}

// New creates a Server. Uploaded audio is staged in uploadDir and removed
// once the request completes.
func New(dispatcher Dispatcher, patcher Patcher, uploadDir string, logger *zap.Logger) *Server {
	if uploadDir == "" {
		uploadDir = os.TempDir()
	}
	return &Server{
		dispatcher: dispatcher,
		patcher:    patcher,
		uploadDir:  uploadDir,
		logger:     logging.OrNop(logger).Named("server"),
	}
}

// WithStatus enables resource figures on GET /status.
func (s *Server) WithStatus(r StatusReporter) *Server {
	s.status = r
	return s
}

// Handler returns the routed, CORS-wrapped handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /process_audio", s.processAudio)
	mux.HandleFunc("POST /ask", s.ask)
	mux.HandleFunc("POST /patch", s.patch)
	mux.HandleFunc("GET /patch/stream", s.patchStream)
	mux.HandleFunc("GET /healthz", s.healthz)
	mux.HandleFunc("GET /status", s.serviceStatus)
	return cors(s.logRequests(mux))
}

// ListenAndServe listens on addr, capping concurrent connections at
// maxConns when positive, and serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string, maxConns int) error {
	if err := os.MkdirAll(s.uploadDir, 0o700); err != nil {
		return fmt.Errorf("create upload dir: %w", err)
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	if maxConns > 0 {
		ln = netutil.LimitListener(ln, maxConns)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	s.logger.Info("http server listening", zap.String("addr", ln.Addr().String()))

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("http shutdown incomplete", zap.Error(err))
	}
	<-errCh
	s.logger.Info("http server stopped")
	return nil
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// Hijack hands the connection to the websocket upgrader.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	r.status = http.StatusSwitchingProtocols
	return http.NewResponseController(r.ResponseWriter).Hijack()
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

// cors allows any origin, matching the service's browser front end.
func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
