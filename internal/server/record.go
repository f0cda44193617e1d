package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"github.com/MrWong99/lucidweaver/internal/dream"
	"github.com/MrWong99/lucidweaver/internal/observe"
	"github.com/MrWong99/lucidweaver/internal/recorder"
	"github.com/MrWong99/lucidweaver/internal/transcript"
	"github.com/MrWong99/lucidweaver/pkg/audio"
	"github.com/MrWong99/lucidweaver/pkg/capture/feed"
	"github.com/MrWong99/lucidweaver/pkg/provider/transcribe"
)

const (
	minClientRate  = 8000
	maxClientRate  = 192000
	maxFrameBytes  = 1 << 20
	outboxSize     = 64
	writeTimeout   = 5 * time.Second
	stopMessage    = "stop"
	msgUnknownCtrl = "Unrecognised control message."
)

// Server to client messages on /v1/record.
const (
	eventPhase      = "phase"
	eventLive       = "live"
	eventTranscript = "transcript"
	eventResult     = "result"
	eventError      = "error"
)

// recordEvent is one JSON message sent to a recording client. Only the fields
// relevant to Type are set.
type recordEvent struct {
	Type      string         `json:"type"`
	Phase     string         `json:"phase,omitempty"`
	Message   string         `json:"message,omitempty"`
	Committed string         `json:"committed,omitempty"`
	Live      string         `json:"live,omitempty"`
	Text      string         `json:"text,omitempty"`
	Entry     *entryResponse `json:"entry,omitempty"`
}

func phaseEvent(p dream.Phase, msg string) recordEvent {
	return recordEvent{Type: eventPhase, Phase: p.String(), Message: msg}
}

func errorEvent(msg string) recordEvent {
	return recordEvent{Type: eventError, Message: msg}
}

// clientMessage is a text frame sent by a recording client.
type clientMessage struct {
	Type string `json:"type"`
}

// ── Outbox ───────────────────────────────────────────────────────────────────

// outbox serialises writes to a WebSocket. Hooks run on recorder goroutines
// and must never block on a slow client, so they go through offer; the
// handler's own messages go through send and are never dropped.
type outbox struct {
	ch   chan recordEvent
	done chan struct{}
}

func newOutbox() *outbox {
	return &outbox{
		ch:   make(chan recordEvent, outboxSize),
		done: make(chan struct{}),
	}
}

// send queues ev, waiting for room. It gives up once the outbox is closed.
func (o *outbox) send(ev recordEvent) {
	select {
	case o.ch <- ev:
	case <-o.done:
	}
}

// offer queues ev if there is room. Live updates carry the full transcript,
// so a dropped one is superseded by the next.
func (o *outbox) offer(ev recordEvent) {
	select {
	case o.ch <- ev:
	default:
	}
}

// run writes queued events until done is closed, then flushes what is left.
// After the first write error further events are discarded.
func (o *outbox) run(conn *websocket.Conn, log *slog.Logger) {
	failed := false
	write := func(ev recordEvent) {
		if failed {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		defer cancel()
		if err := wsjson.Write(ctx, conn, ev); err != nil {
			log.Debug("record: write event", "type", ev.Type, "err", err)
			failed = true
		}
	}
	for {
		select {
		case ev := <-o.ch:
			write(ev)
		case <-o.done:
			for {
				select {
				case ev := <-o.ch:
					write(ev)
				default:
					return
				}
			}
		}
	}
}

// ── GET /v1/record ───────────────────────────────────────────────────────────

// handleRecord records a dream streamed from a browser microphone.
//
// The client sends binary frames of little-endian float32 mono samples at the
// rate given by the "rate" query parameter, and a {"type":"stop"} text frame
// to finish. The server answers with phase, live, transcript, result and
// error events. Closing the socket without a stop discards the recording.
func (s *Server) handleRecord(w http.ResponseWriter, r *http.Request) {
	rate := s.cfg.Constraints.SampleRate
	if v := r.URL.Query().Get("rate"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < minClientRate || n > maxClientRate {
			writeError(w, http.StatusBadRequest, "rate must be between "+strconv.Itoa(minClientRate)+" and "+strconv.Itoa(maxClientRate))
			return
		}
		rate = n
	}
	if s.cfg.Transcription == nil {
		writeError(w, http.StatusServiceUnavailable, "live transcription is not configured")
		return
	}
	if s.sessions.Full() {
		writeError(w, http.StatusServiceUnavailable, ErrTooManyRecordings.Error())
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowedOrigins,
	})
	if err != nil {
		// Accept has already written the response.
		slog.Warn("record: websocket accept failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(maxFrameBytes)
	s.metrics.ActiveConnections.Add(r.Context(), 1)
	defer s.metrics.ActiveConnections.Add(context.WithoutCancel(r.Context()), -1)

	id := uuid.NewString()
	ctx, cancel := context.WithCancel(observe.WithLogAttrs(r.Context(), "session_id", id, "remote", r.RemoteAddr))
	log := observe.Logger(ctx)

	// Hijacked connections outlive http.Server.Shutdown; Close ends them
	// through the base context. A cancelled read closes the socket, so the
	// client is told first.
	defer cancel()
	stopAfter := context.AfterFunc(s.base, func() {
		wctx, wcancel := context.WithTimeout(context.Background(), writeTimeout)
		defer wcancel()
		if err := wsjson.Write(wctx, conn, errorEvent(msgShutdown)); err != nil {
			log.Debug("record: write shutdown notice", "err", err)
		}
		cancel()
	})
	defer stopAfter()

	out := newOutbox()
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		out.run(conn, log)
	}()
	defer func() {
		close(out.done)
		<-writerDone
		conn.Close(websocket.StatusNormalClosure, "")
	}()

	src := feed.New("websocket:"+r.RemoteAddr, audio.Format{SampleRate: rate, Channels: 1})
	rec, err := recorder.New(recorder.Config{
		Device:        src,
		Provider:      s.cfg.Transcription,
		ProviderName:  s.cfg.TranscriptionName,
		Constraints:   s.cfg.Constraints,
		Transcription: transcribe.Config{Model: s.cfg.TranscriptionModel},
		Metrics:       s.metrics,
		Hooks: recorder.Hooks{
			OnStateChange: func(st recorder.State) {
				if st == recorder.StateActive {
					out.send(phaseEvent(dream.PhaseRecording, ""))
				}
			},
			OnLiveText: func(u transcript.Update) {
				out.offer(recordEvent{Type: eventLive, Committed: u.Committed, Live: u.Live})
			},
			OnError: func(err error) {
				out.offer(errorEvent(userMessage(err)))
			},
		},
	})
	if err != nil {
		log.Error("record: create recorder", "err", err)
		out.send(errorEvent(msgAnalysis))
		return
	}
	defer src.Close()

	info := SessionInfo{
		SessionID:  id,
		StartedAt:  time.Now().UTC(),
		RemoteAddr: r.RemoteAddr,
		SampleRate: rate,
	}
	if err := s.sessions.Add(info, rec); err != nil {
		log.Warn("record: rejected", "err", err)
		out.send(errorEvent(msgShutdownOrBusy(err)))
		return
	}
	defer s.sessions.Remove(id)

	if err := rec.Start(ctx); err != nil {
		// Device and channel failures were already reported by OnError.
		out.send(phaseEvent(dream.PhaseIdle, ""))
		return
	}

	if !s.readAudio(ctx, conn, src, out, log) {
		_ = rec.Close()
		if s.base.Err() == nil {
			log.Info("record: client left without stopping")
		}
		return
	}

	// Audio frames may still be in flight after the stop; keep reading so
	// they are drained and a disconnect cancels the analysis.
	go func() {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				cancel()
				return
			}
		}
	}()

	text, ok := rec.Stop(ctx)
	if !ok {
		text = rec.Transcript()
	}
	_ = rec.Close()
	out.send(recordEvent{Type: eventTranscript, Text: text})

	if err := dream.ValidateTranscript(text, s.cfg.Analyzer.MinTranscriptLength()); err != nil {
		out.send(errorEvent(msgTooShort))
		out.send(phaseEvent(dream.PhaseIdle, ""))
		return
	}

	entry, err := s.createDream(ctx, text, func(msg string) {
		out.offer(phaseEvent(dream.PhaseProcessing, msg))
	})
	if err != nil {
		log.Warn("record: analysis failed", "err", err)
		out.send(errorEvent(userMessage(err)))
		out.send(phaseEvent(dream.PhaseError, ""))
		return
	}
	resp := newEntryResponse(entry)
	out.send(recordEvent{Type: eventResult, Entry: &resp})
	out.send(phaseEvent(dream.PhaseResults, ""))
}

// readAudio forwards binary frames to src until the client asks to stop. It
// reports false when the connection ends first.
func (s *Server) readAudio(ctx context.Context, conn *websocket.Conn, src *feed.Source, out *outbox, log *slog.Logger) bool {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
			default:
				if ctx.Err() == nil {
					log.Debug("record: read", "err", err)
				}
			}
			return false
		}

		switch typ {
		case websocket.MessageBinary:
			samples := audio.DecodeFloat32(data)
			if len(samples) == 0 {
				continue
			}
			if err := src.Write(samples); err != nil {
				if errors.Is(err, feed.ErrClosed) {
					return false
				}
				log.Debug("record: write samples", "err", err)
			}
		case websocket.MessageText:
			var msg clientMessage
			if err := json.Unmarshal(data, &msg); err != nil || msg.Type != stopMessage {
				out.send(errorEvent(msgUnknownCtrl))
				continue
			}
			return true
		}
	}
}

func msgShutdownOrBusy(err error) string {
	if errors.Is(err, ErrTooManyRecordings) {
		return "Too many dreams are being recorded right now. Please try again shortly."
	}
	return msgShutdown
}
