// Package server provides the HTTP transport of the resampler service. It
// accepts the plain-text request line UTAU hosts send and runs one render per
// request.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/resampler-service/internal/core"
	"github.com/book-expert/resampler-service/internal/flags"
)

// Request-line geometry. A request line carries two paths followed by eleven
// whitespace-free fields; the paths themselves may contain spaces, so the
// split anchors on the input path's ".wav " suffix.
const (
	trailingFieldCount = 11

	readHeaderTimeout = 10 * time.Second
	shutdownTimeout   = 5 * time.Second
	maxRequestBytes   = 1 << 20
)

// Response bodies. Hosts match on these strings, so they stay stable.
const (
	msgReady        = "Server Ready"
	msgInitializing = "Server Initializing"
	msgRetry        = "Server initializing, please retry."
	msgBadRequest   = "Error processing: Invalid request."
	msgNotFound     = "Error processing: Input file not found."
	msgInternal     = "Error processing: Internal error."
)

// ErrRequestLineSplit reports a request line whose input path cannot be
// located.
var ErrRequestLineSplit = errors.New("cannot find '.wav' split in request line")

// Server serves health checks and render requests over HTTP.
type Server struct {
	renderer   core.Renderer
	ready      atomic.Bool
	log        *logger.Logger
	httpServer *http.Server
}

// New creates a server listening on the given port. The server reports
// itself unavailable until SetReady is called.
func New(port int, renderer core.Renderer, log *logger.Logger) *Server {
	srv := &Server{
		renderer:   renderer,
		ready:      atomic.Bool{},
		log:        log,
		httpServer: nil,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", srv.handleHealth)
	mux.HandleFunc("GET /", srv.handleHealth)
	mux.HandleFunc("POST /", srv.handleRender)

	srv.httpServer = &http.Server{
		Addr:              ":" + strconv.Itoa(port),
		Handler:           mux,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	return srv
}

// SetReady flips the readiness flag once the render pipeline is wired up.
func (s *Server) SetReady(ready bool) {
	s.ready.Store(ready)
}

// Handler exposes the request mux, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Run serves until the context is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	serveErrors := make(chan error, 1)

	go func() {
		serveErrors <- s.httpServer.ListenAndServe()
	}()

	select {
	case err := <-serveErrors:
		return fmt.Errorf("server stopped unexpectedly: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	shutdownErr := s.httpServer.Shutdown(shutdownCtx)
	if shutdownErr != nil {
		return fmt.Errorf("failed to shut down server: %w", shutdownErr)
	}

	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	if s.ready.Load() {
		writeText(w, http.StatusOK, msgReady)

		return
	}

	writeText(w, http.StatusServiceUnavailable, msgInitializing)
}

func (s *Server) handleRender(w http.ResponseWriter, r *http.Request) {
	if !s.ready.Load() {
		s.log.Warn("Render request arrived but server not ready.")
		writeText(w, http.StatusServiceUnavailable, msgRetry)

		return
	}

	body, readErr := io.ReadAll(io.LimitReader(r.Body, maxRequestBytes))
	if readErr != nil {
		writeText(w, http.StatusBadRequest, msgBadRequest)

		return
	}

	fields, splitErr := SplitRequestLine(strings.TrimRight(string(body), "\r\n"))
	if splitErr != nil {
		s.log.Error("Failed to split request line: %v", splitErr)
		writeText(w, http.StatusBadRequest, msgBadRequest)

		return
	}

	request, parseErr := flags.ParseRequestFields(fields)
	if parseErr != nil {
		s.log.Error("Failed to parse request fields: %v", parseErr)
		writeText(w, http.StatusBadRequest, msgBadRequest)

		return
	}

	noteInfo := fmt.Sprintf("'%s' -> '%s'",
		strings.TrimSuffix(filepath.Base(request.InputPath), filepath.Ext(request.InputPath)),
		filepath.Base(request.OutputPath))
	s.log.Info("Queued %s ...", noteInfo)

	renderErr := s.renderer.Render(r.Context(), request)
	if renderErr != nil {
		s.log.Error("Processing %s failed: %v", noteInfo, renderErr)
		writeText(w, renderStatus(renderErr), renderMessage(renderErr))

		return
	}

	s.log.Info("Processing %s successful.", noteInfo)
	writeText(w, http.StatusOK, "Success: "+noteInfo)
}

func renderStatus(err error) int {
	switch {
	case errors.Is(err, core.ErrInvalidTiming):
		return http.StatusBadRequest
	case errors.Is(err, core.ErrIOFailure):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func renderMessage(err error) string {
	switch {
	case errors.Is(err, core.ErrInvalidTiming):
		return msgBadRequest
	case errors.Is(err, core.ErrIOFailure):
		return msgNotFound
	default:
		return msgInternal
	}
}

func writeText(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(message))
}

// SplitRequestLine splits a request line into the thirteen positional
// fields. The final eleven fields never contain spaces; everything before
// them is the two paths, divided at the input path's ".wav " suffix so both
// paths may contain spaces.
func SplitRequestLine(input string) ([]string, error) {
	tokens := strings.Split(input, " ")
	if len(tokens) < trailingFieldCount+2 {
		return nil, fmt.Errorf("%w: got %d tokens", ErrRequestLineSplit, len(tokens))
	}

	pathRegion := strings.Join(tokens[:len(tokens)-trailingFieldCount], " ")

	splitIdx := strings.Index(pathRegion, ".wav ")
	if splitIdx < 0 {
		return nil, ErrRequestLineSplit
	}

	inputPath := pathRegion[:splitIdx+len(".wav")]
	outputPath := strings.TrimLeft(pathRegion[splitIdx+len(".wav"):], " ")

	fields := make([]string, 0, trailingFieldCount+2)
	fields = append(fields, inputPath, outputPath)
	fields = append(fields, tokens[len(tokens)-trailingFieldCount:]...)

	return fields, nil
}
