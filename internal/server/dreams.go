package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/MrWong99/lucidweaver/internal/dream"
	"github.com/MrWong99/lucidweaver/internal/journal"
	"github.com/MrWong99/lucidweaver/internal/observe"
	"github.com/MrWong99/lucidweaver/internal/recorder"
	"github.com/MrWong99/lucidweaver/pkg/capture"
)

const maxListLimit = 200

// User-facing messages. Provider details stay in the logs.
const (
	msgTooShort      = "Dream recording is too short. Please try again."
	msgMicrophone    = "Could not access microphone. Please check your browser permissions."
	msgTranscription = "The transcription service is unavailable. Please try again."
	msgImage         = "Failed to generate dream image."
	msgInterpret     = "Failed to generate dream interpretation."
	msgAnalysis      = "An unknown error occurred during analysis."
	msgChat          = "Sorry, I encountered an error. Please try again."
	msgShutdown      = "The server is shutting down."
)

// entryResponse is a journal entry as served to clients. The image is
// referenced by URL rather than inlined.
type entryResponse struct {
	journal.Entry
	ImageURL string `json:"image_url,omitempty"`
}

func newEntryResponse(e journal.Entry) entryResponse {
	r := entryResponse{Entry: e}
	if e.ImageMIME != "" {
		r.ImageURL = "/v1/dreams/" + e.ID + "/image"
	}
	if r.Messages == nil {
		r.Messages = []journal.Message{}
	}
	return r
}

// userMessage maps an error to the text shown to the dreamer.
func userMessage(err error) string {
	var (
		dae   *capture.DeviceAccessError
		cerr  *recorder.ChannelError
		stage *dream.StageError
	)
	switch {
	case errors.Is(err, dream.ErrTranscriptTooShort):
		return msgTooShort
	case errors.As(err, &dae):
		return msgMicrophone
	case errors.As(err, &cerr):
		return msgTranscription
	case errors.As(err, &stage) && stage.Stage == dream.StageImage:
		return msgImage
	case errors.As(err, &stage) && stage.Stage == dream.StageInterpretation:
		return msgInterpret
	}
	return msgAnalysis
}

// createDream analyses text and saves the result. While the analysis runs,
// progress receives a rotating processing message every ProcessingTick,
// starting immediately. progress may be nil.
func (s *Server) createDream(ctx context.Context, text string, progress func(string)) (journal.Entry, error) {
	ctx, span := observe.StartSpan(ctx, "server.create_dream")
	defer span.End()

	if progress != nil {
		tickCtx, stopTicks := context.WithCancel(ctx)
		defer stopTicks()
		go func() {
			ticker := time.NewTicker(s.cfg.ProcessingTick)
			defer ticker.Stop()
			for i := 0; ; i++ {
				progress(dream.ProcessingMessage(i))
				select {
				case <-ticker.C:
				case <-tickCtx.Done():
					return
				}
			}
		}()
	}

	analysis, err := s.cfg.Analyzer.Analyze(ctx, text)
	if err != nil {
		observe.Fail(span, err)
		return journal.Entry{}, err
	}
	// A finished analysis is kept even if the client has gone away.
	entry, err := s.cfg.Journal.Save(context.WithoutCancel(ctx), journal.NewEntry(analysis))
	if err != nil {
		observe.Fail(span, err)
		return journal.Entry{}, err
	}
	observe.Logger(ctx).Info("dream saved", "dream_id", entry.ID)
	return entry, nil
}

// ── POST /v1/dreams ──────────────────────────────────────────────────────────

type createDreamRequest struct {
	Transcription string `json:"transcription"`
}

func (s *Server) handleCreateDream(w http.ResponseWriter, r *http.Request) {
	var req createDreamRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := dream.ValidateTranscript(req.Transcription, s.cfg.Analyzer.MinTranscriptLength()); err != nil {
		writeError(w, http.StatusUnprocessableEntity, msgTooShort)
		return
	}

	entry, err := s.createDream(r.Context(), req.Transcription, nil)
	if err != nil {
		log := observe.Logger(r.Context())
		var stage *dream.StageError
		if errors.As(err, &stage) {
			log.Warn("dream analysis failed", "stage", stage.Stage, "err", err)
			writeError(w, http.StatusBadGateway, userMessage(err))
			return
		}
		log.Error("dream could not be saved", "err", err)
		writeError(w, http.StatusInternalServerError, msgAnalysis)
		return
	}
	writeJSON(w, http.StatusCreated, newEntryResponse(entry))
}

// ── GET /v1/dreams ───────────────────────────────────────────────────────────

func (s *Server) handleListDreams(w http.ResponseWriter, r *http.Request) {
	limit := journal.DefaultListLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > maxListLimit {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and "+strconv.Itoa(maxListLimit))
			return
		}
		limit = n
	}

	entries, err := s.cfg.Journal.List(r.Context(), limit)
	if err != nil {
		observe.Logger(r.Context()).Error("list dreams", "err", err)
		writeError(w, http.StatusInternalServerError, "could not list dreams")
		return
	}
	out := make([]entryResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, newEntryResponse(e))
	}
	writeJSON(w, http.StatusOK, map[string]any{"dreams": out})
}

// ── GET /v1/dreams/{id} ──────────────────────────────────────────────────────

func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (journal.Entry, bool) {
	entry, err := s.cfg.Journal.Get(r.Context(), r.PathValue("id"))
	switch {
	case errors.Is(err, journal.ErrNotFound):
		writeError(w, http.StatusNotFound, "dream not found")
		return journal.Entry{}, false
	case err != nil:
		observe.Logger(r.Context()).Error("get dream", "dream_id", r.PathValue("id"), "err", err)
		writeError(w, http.StatusInternalServerError, "could not load dream")
		return journal.Entry{}, false
	}
	return entry, true
}

func (s *Server) handleGetDream(w http.ResponseWriter, r *http.Request) {
	entry, ok := s.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, newEntryResponse(entry))
}

// ── GET /v1/dreams/{id}/image ────────────────────────────────────────────────

func (s *Server) handleDreamImage(w http.ResponseWriter, r *http.Request) {
	entry, ok := s.lookup(w, r)
	if !ok {
		return
	}
	if len(entry.Image) == 0 {
		writeError(w, http.StatusNotFound, "dream has no image")
		return
	}
	w.Header().Set("Content-Type", entry.ImageMIME)
	w.Header().Set("Content-Length", strconv.Itoa(len(entry.Image)))
	w.Header().Set("Cache-Control", "private, max-age=86400")
	_, _ = w.Write(entry.Image)
}

// ── POST /v1/dreams/{id}/chat ────────────────────────────────────────────────

type chatRequest struct {
	Message string `json:"message"`
}

// handleChat streams the reply to a follow-up question as plain text. The
// exchange is appended to the entry once the reply completes. A failure
// after the first byte is reported inline, as the status is already sent.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	entry, ok := s.lookup(w, r)
	if !ok {
		return
	}
	ctx := observe.WithLogAttrs(r.Context(), "dream_id", entry.ID)
	log := observe.Logger(ctx)

	chat := s.cfg.Analyzer.NewChat(entry.Transcription, entry.ChatHistory()...)
	before := len(chat.History())
	replies, err := chat.Send(ctx, req.Message)
	switch {
	case errors.Is(err, dream.ErrEmptyMessage):
		writeError(w, http.StatusBadRequest, "message is empty")
		return
	case err != nil:
		log.Warn("chat failed", "err", err)
		writeError(w, http.StatusBadGateway, msgChat)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)

	failed := false
	for chunk := range replies {
		if cerr := chunk.Err(); cerr != nil {
			log.Warn("chat stream failed", "err", cerr)
			failed = true
			continue
		}
		if chunk.Text == "" {
			continue
		}
		if _, err := w.Write([]byte(chunk.Text)); err != nil {
			// Client gone; keep draining so the chat goroutine finishes.
			continue
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
	if failed {
		_, _ = w.Write([]byte("\n\n" + msgChat))
		return
	}

	history := chat.History()
	if len(history) <= before {
		return
	}
	msgs := make([]journal.Message, 0, len(history)-before)
	now := time.Now().UTC()
	for _, m := range history[before:] {
		msgs = append(msgs, journal.Message{Role: m.Role, Content: m.Content, CreatedAt: now})
	}
	if err := s.cfg.Journal.AppendMessages(context.WithoutCancel(ctx), entry.ID, msgs...); err != nil {
		log.Error("chat: save exchange", "err", err)
	}
}
