// Package api serves the HTTP control plane: session lifecycle commands,
// archive inspection, status and debug charts.
package api

import (
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/banshee-data/mocapfusion/internal/dispatch"
	"github.com/banshee-data/mocapfusion/internal/fusion"
	"github.com/banshee-data/mocapfusion/internal/httputil"
	"github.com/banshee-data/mocapfusion/internal/session"
	"github.com/banshee-data/mocapfusion/internal/sinks"
	"github.com/banshee-data/mocapfusion/internal/storage"
	"github.com/banshee-data/mocapfusion/internal/stream"
	"github.com/banshee-data/mocapfusion/internal/version"
)

// ANSI escape codes for cyan and reset
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

// Options wires the server to the running engine. Only Controller and
// Sources are required.
type Options struct {
	Controller *session.Controller
	Sources    *storage.Sources
	Registry   *fusion.Registry
	Pipeline   *fusion.Pipeline
	Dispatcher *dispatch.Dispatcher
	UDP        *sinks.UDPBroadcaster
	Stream     *stream.Publisher
	Version    version.Info
}

type Server struct {
	ctrl       *session.Controller
	sources    *storage.Sources
	registry   *fusion.Registry
	pipeline   *fusion.Pipeline
	dispatcher *dispatch.Dispatcher
	udp        *sinks.UDPBroadcaster
	stream     *stream.Publisher
	version    version.Info
}

func NewServer(opts Options) *Server {
	return &Server{
		ctrl:       opts.Controller,
		sources:    opts.Sources,
		registry:   opts.Registry,
		pipeline:   opts.Pipeline,
		dispatcher: opts.Dispatcher,
		udp:        opts.UDP,
		stream:     opts.Stream,
		version:    opts.Version,
	}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, query, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		log.Printf(
			"[API] [%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/session/record", s.handleRecord)
	mux.HandleFunc("/api/session/record/stop", s.handleStopRecord)
	mux.HandleFunc("/api/session/play", s.handlePlay)
	mux.HandleFunc("/api/session/pause", s.handlePause)
	mux.HandleFunc("/api/session/resume", s.handleResume)
	mux.HandleFunc("/api/session/stop", s.handleStop)
	mux.HandleFunc("/api/session/jump", s.handleJump)
	mux.HandleFunc("/api/session", s.handleSession)
	mux.HandleFunc("/api/sessions", s.handleListSessions)
	mux.HandleFunc("/api/sessions/timeline", s.handleTimeline)
	mux.HandleFunc("/api/sessions/plot", s.handlePlot)
	mux.HandleFunc("/api/status", s.handleStatus)
	return mux
}

// writeError maps engine errors onto HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrUnknownSource), errors.Is(err, storage.ErrSessionNotFound):
		httputil.NotFound(w, err.Error())
	case errors.Is(err, session.ErrSessionEmpty), errors.Is(err, session.ErrInvalidTransition),
		errors.Is(err, storage.ErrSessionActive):
		httputil.Conflict(w, err.Error())
	default:
		httputil.InternalServerError(w, err.Error())
	}
}

// sessionQuery holds the validated parameters that identify a session
// window.
type sessionQuery struct {
	source string
	store  storage.Store
	name   string
	start  int64
	end    int64
}

// parseSessionQuery validates source, name, start and end. It writes the
// error response itself and returns false when the request is invalid.
func (s *Server) parseSessionQuery(w http.ResponseWriter, r *http.Request) (sessionQuery, bool) {
	q := r.URL.Query()
	var sq sessionQuery

	sq.source = q.Get("source")
	if sq.source == "" {
		httputil.BadRequest(w, "Parameter 'source' is missing")
		return sq, false
	}
	store, ok := s.sources.Get(sq.source)
	if !ok {
		httputil.NotFound(w, fmt.Sprintf("Source %s not found", sq.source))
		return sq, false
	}
	sq.store = store

	sq.name = q.Get("name")
	if sq.name == "" {
		httputil.BadRequest(w, "Parameter 'name' is missing")
		return sq, false
	}

	var err error
	if sq.start, err = httputil.QueryInt64(r, "start", 0); err != nil || sq.start < 0 {
		httputil.BadRequest(w, "Parameter 'start' contains no number >= 0")
		return sq, false
	}
	if sq.end, err = httputil.QueryInt64(r, "end", -1); err != nil || sq.end < -1 {
		httputil.BadRequest(w, "Parameter 'end' contains no number >= -1")
		return sq, false
	}
	return sq, true
}
