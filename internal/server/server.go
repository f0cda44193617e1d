// Package server exposes Lucid Weaver over HTTP.
//
// Routes:
//
//	GET  /healthz                 liveness
//	GET  /readyz                  readiness (journal and provider checks)
//	GET  /metrics                 Prometheus scrape endpoint
//	GET  /v1/record               WebSocket: stream a microphone, receive live text and the analysis
//	GET  /v1/recordings           active WebSocket recordings
//	POST /v1/dreams               analyse a transcript and save it
//	GET  /v1/dreams               list saved dreams, newest first
//	GET  /v1/dreams/{id}          one dream with its conversation
//	GET  /v1/dreams/{id}/image    the dream image
//	POST /v1/dreams/{id}/chat     ask a follow-up question; the reply is streamed as text
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/lucidweaver/internal/dream"
	"github.com/MrWong99/lucidweaver/internal/health"
	"github.com/MrWong99/lucidweaver/internal/journal"
	"github.com/MrWong99/lucidweaver/internal/observe"
	"github.com/MrWong99/lucidweaver/pkg/capture"
	"github.com/MrWong99/lucidweaver/pkg/provider/transcribe"
)

const (
	defaultProcessingTick = 2 * time.Second
	maxRequestBody        = 1 << 20
)

// Config holds the dependencies of a [Server].
type Config struct {
	// Analyzer turns transcripts into analyses and chats. Required.
	Analyzer *dream.Analyzer

	// Journal stores analysed dreams. Required.
	Journal journal.Store

	// Transcription opens live transcription channels for /v1/record.
	// When nil the recording endpoint responds 503.
	Transcription transcribe.Provider

	// TranscriptionName labels transcription metrics.
	TranscriptionName string

	// TranscriptionModel overrides the provider's default model.
	TranscriptionModel string

	// Constraints describe the audio handed to the transcription channel.
	// Zero value means [capture.DefaultConstraints].
	Constraints capture.Constraints

	// Health serves /healthz and /readyz. Nil serves liveness only.
	Health *health.Handler

	// Metrics records HTTP and recording metrics. Nil uses
	// [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// MetricsHandler serves /metrics. Nil uses promhttp.Handler().
	MetricsHandler http.Handler

	// AllowedOrigins are the cross-origin host patterns accepted by the
	// recording WebSocket.
	AllowedOrigins []string

	// MaxRecordings caps concurrent WebSocket recordings. Zero means no limit.
	MaxRecordings int

	// ProcessingTick is how often a new progress message is sent while a
	// recording is analysed. Zero means two seconds.
	ProcessingTick time.Duration
}

// Server routes HTTP requests to the recorder, analyzer and journal.
type Server struct {
	cfg      Config
	metrics  *observe.Metrics
	sessions *SessionManager
	handler  http.Handler

	// base is cancelled by Close to end long-lived WebSocket handlers that
	// http.Server.Shutdown does not track.
	base      context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// New validates cfg and builds the route table.
func New(cfg Config) (*Server, error) {
	if cfg.Analyzer == nil {
		return nil, errors.New("server: analyzer is required")
	}
	if cfg.Journal == nil {
		return nil, errors.New("server: journal is required")
	}
	if cfg.Constraints == (capture.Constraints{}) {
		cfg.Constraints = capture.DefaultConstraints()
	}
	if cfg.Health == nil {
		cfg.Health = health.New()
	}
	if cfg.MetricsHandler == nil {
		cfg.MetricsHandler = promhttp.Handler()
	}
	if cfg.ProcessingTick <= 0 {
		cfg.ProcessingTick = defaultProcessingTick
	}
	if cfg.TranscriptionName == "" {
		cfg.TranscriptionName = "transcription"
	}
	m := cfg.Metrics
	if m == nil {
		m = observe.DefaultMetrics()
	}

	base, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:      cfg,
		metrics:  m,
		sessions: NewSessionManager(cfg.MaxRecordings),
		base:     base,
		cancel:   cancel,
	}

	mux := http.NewServeMux()
	cfg.Health.Register(mux)
	mux.Handle("GET /metrics", cfg.MetricsHandler)
	mux.HandleFunc("GET /v1/record", s.handleRecord)
	mux.HandleFunc("GET /v1/recordings", s.handleRecordings)
	mux.HandleFunc("POST /v1/dreams", s.handleCreateDream)
	mux.HandleFunc("GET /v1/dreams", s.handleListDreams)
	mux.HandleFunc("GET /v1/dreams/{id}", s.handleGetDream)
	mux.HandleFunc("GET /v1/dreams/{id}/image", s.handleDreamImage)
	mux.HandleFunc("POST /v1/dreams/{id}/chat", s.handleChat)
	s.handler = observe.Middleware(m, observe.WithQuietRoutes("GET /healthz", "GET /readyz", "GET /metrics"))(mux)
	return s, nil
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler { return s.handler }

// Sessions returns the tracker of active WebSocket recordings.
func (s *Server) Sessions() *SessionManager { return s.sessions }

// Close ends every active recording and its WebSocket. Call it before
// http.Server.Shutdown, which does not wait for hijacked connections.
// Idempotent.
func (s *Server) Close() error {
	s.closeOnce.Do(func() {
		s.sessions.CloseAll()
		s.cancel()
	})
	return nil
}

func (s *Server) handleRecordings(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"recordings": s.sessions.Active()})
}

// ── Helpers ──────────────────────────────────────────────────────────────────

type errorResponse struct {
	Error string `json:"error"`
}

// writeJSON encodes v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// decodeBody decodes a size-limited JSON request body into v.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
