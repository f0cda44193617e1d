// Package recorder implements the lifecycle of a live dream recording
// session: acquire the microphone, open a transcription channel, stream
// encoded audio into it, accumulate the returned transcript, and hand the
// final transcript to the caller when recording stops.
//
// A [Recorder] owns at most one session at a time and moves through the
// states Idle → Starting → Active → Stopping → Idle, or Starting → Failed →
// Idle when access to the microphone or the channel cannot be obtained.
//
// All transcription events of a session are applied by a single goroutine in
// arrival order, so the transcript never depends on scheduling. Teardown
// detaches that goroutine before the final snapshot is taken: events that
// arrive late are dropped rather than mutating a transcript that has already
// been delivered.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/lucidweaver/internal/observe"
	"github.com/MrWong99/lucidweaver/internal/transcript"
	"github.com/MrWong99/lucidweaver/pkg/audio"
	"github.com/MrWong99/lucidweaver/pkg/capture"
	"github.com/MrWong99/lucidweaver/pkg/provider/transcribe"
)

const defaultDrainTimeout = 2 * time.Second

// Hooks are the callbacks through which a Recorder reports progress. Every
// field is optional. Hooks run synchronously on recorder goroutines and must
// not call Start, Stop or Close themselves.
type Hooks struct {
	// OnRecordingStart is called at the beginning of every Start, before any
	// resource is acquired. It is called even if Start later fails.
	OnRecordingStart func()

	// OnRecordingStop is called exactly once per session that reached the
	// active state, with the final transcript. It is never called for a
	// failed Start.
	OnRecordingStop func(transcript string)

	// OnLiveText is called after every transcript change while active.
	OnLiveText func(transcript.Update)

	// OnError receives user-facing errors: a *capture.DeviceAccessError or
	// *ChannelError from a failed Start, and *ChannelError values for
	// streaming problems that do not end the session.
	OnError func(error)

	// OnStateChange is called after every state transition.
	OnStateChange func(State)
}

// Config holds the dependencies and settings of a [Recorder].
type Config struct {
	// Device provides microphone access. Required.
	Device capture.Device

	// Provider opens transcription channels. Required.
	Provider transcribe.Provider

	// ProviderName labels metrics, e.g. "gemini-live".
	ProviderName string

	// Constraints requested from Device. Zero value means
	// [capture.DefaultConstraints].
	Constraints capture.Constraints

	// Transcription configures each channel. SampleRate defaults to the
	// capture sample rate.
	Transcription transcribe.Config

	// Hooks receive lifecycle notifications.
	Hooks Hooks

	// Metrics records recording metrics. Nil uses [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// DrainTimeout bounds how long Stop waits for in-flight events when its
	// context has no deadline. Zero means two seconds.
	DrainTimeout time.Duration
}

// Recorder runs recording sessions. All exported methods are safe for
// concurrent use.
type Recorder struct {
	cfg     Config
	acc     transcript.Accumulator
	metrics *observe.Metrics

	mu     sync.Mutex
	state  State
	closed bool
	sess   *session
}

// session holds the resources of one active recording.
type session struct {
	id      string
	log     *slog.Logger
	stream  capture.Stream
	channel transcribe.Channel
	started time.Time

	pumpDone   chan struct{}
	eventsDone chan struct{}

	// detachMu serializes event application against detach so that no event
	// is applied once teardown has taken over.
	detachMu sync.Mutex
	detached bool
}

// New validates cfg and returns an idle Recorder.
func New(cfg Config) (*Recorder, error) {
	if cfg.Device == nil {
		return nil, errors.New("recorder: capture device is required")
	}
	if cfg.Provider == nil {
		return nil, errors.New("recorder: transcription provider is required")
	}
	if cfg.Constraints == (capture.Constraints{}) {
		cfg.Constraints = capture.DefaultConstraints()
	}
	if cfg.Transcription.SampleRate == 0 {
		cfg.Transcription.SampleRate = cfg.Constraints.SampleRate
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = defaultDrainTimeout
	}
	if cfg.ProviderName == "" {
		cfg.ProviderName = "transcription"
	}
	m := cfg.Metrics
	if m == nil {
		m = observe.DefaultMetrics()
	}

	r := &Recorder{cfg: cfg, metrics: m}
	r.acc.OnUpdate(func(u transcript.Update) {
		if fn := r.cfg.Hooks.OnLiveText; fn != nil {
			fn(u)
		}
	})
	return r, nil
}

// State returns the current lifecycle state.
func (r *Recorder) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Transcript returns the transcript accumulated so far in the current (or
// most recent) session.
func (r *Recorder) Transcript() string { return r.acc.Snapshot() }

// setState transitions to s and notifies the hook. Callers must not hold mu.
func (r *Recorder) setState(s State) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
	r.notifyState(s)
}

func (r *Recorder) notifyState(s State) {
	if fn := r.cfg.Hooks.OnStateChange; fn != nil {
		fn(s)
	}
}

// ── Start ────────────────────────────────────────────────────────────────────

// Start begins a recording session. It is only accepted in [StateIdle].
//
// Start calls Hooks.OnRecordingStart, resets the transcript, opens the
// capture device and then the transcription channel. When both succeed the
// recorder becomes active and Start returns nil. On failure the recorder
// passes through [StateFailed] back to [StateIdle], releases whatever it had
// acquired, reports the error through Hooks.OnError and returns it. A
// microphone failure is returned as a *capture.DeviceAccessError and a
// channel failure as a *ChannelError.
func (r *Recorder) Start(ctx context.Context) error {
	r.mu.Lock()
	switch {
	case r.closed:
		r.mu.Unlock()
		return ErrClosed
	case r.state != StateIdle:
		state := r.state
		r.mu.Unlock()
		return fmt.Errorf("%w (state %s)", ErrNotIdle, state)
	}
	r.state = StateStarting
	r.mu.Unlock()
	r.notifyState(StateStarting)

	if fn := r.cfg.Hooks.OnRecordingStart; fn != nil {
		fn()
	}
	r.acc.Reset()

	id := uuid.NewString()
	log := slog.With("session_id", id)

	stream, err := r.cfg.Device.Open(ctx, r.cfg.Constraints)
	if err != nil {
		var dae *capture.DeviceAccessError
		if !errors.As(err, &dae) {
			err = &capture.DeviceAccessError{Err: err}
		}
		r.fail(ctx, log, err)
		return err
	}

	connectStart := time.Now()
	ch, err := r.cfg.Provider.Connect(ctx, r.cfg.Transcription)
	r.metrics.TranscriptionConnectDuration.Record(ctx, time.Since(connectStart).Seconds())
	if err != nil {
		r.metrics.RecordProviderRequest(ctx, r.cfg.ProviderName, "transcription", "error")
		r.metrics.RecordProviderError(ctx, r.cfg.ProviderName, "transcription")
		if cerr := stream.Close(); cerr != nil {
			log.Warn("recorder: release capture after failed connect", "err", cerr)
		}
		cerr := &ChannelError{Op: "connect", Err: err}
		r.fail(ctx, log, cerr)
		return cerr
	}
	r.metrics.RecordProviderRequest(ctx, r.cfg.ProviderName, "transcription", "ok")

	sess := &session{
		id:         id,
		log:        log,
		stream:     stream,
		channel:    ch,
		started:    time.Now(),
		pumpDone:   make(chan struct{}),
		eventsDone: make(chan struct{}),
	}

	r.mu.Lock()
	if r.closed {
		// Close ran while we were acquiring resources.
		r.state = StateIdle
		r.mu.Unlock()
		_ = ch.Close()
		_ = stream.Close()
		r.notifyState(StateIdle)
		log.Info("recorder: closed during start; session discarded")
		return ErrClosed
	}
	r.sess = sess
	r.state = StateActive
	r.mu.Unlock()

	go r.pump(sess)
	go r.consume(sess)

	r.metrics.ActiveRecordings.Add(ctx, 1)
	log.Info("recording started",
		"sample_rate", r.cfg.Constraints.SampleRate,
		"buffer_size", r.cfg.Constraints.BufferSize,
	)
	r.notifyState(StateActive)
	return nil
}

// fail reports a Start failure and returns the recorder to idle.
func (r *Recorder) fail(ctx context.Context, log *slog.Logger, err error) {
	r.setState(StateFailed)
	log.Error("recording failed to start", "err", err)
	r.metrics.RecordRecording(ctx, "failed", 0)
	if fn := r.cfg.Hooks.OnError; fn != nil {
		fn(err)
	}
	r.setState(StateIdle)
}

// ── Session goroutines ───────────────────────────────────────────────────────

// pump encodes captured chunks and sends them in capture order. It runs until
// the capture stream is closed. Send failures are counted and logged but do
// not stop capture.
func (r *Recorder) pump(s *session) {
	defer close(s.pumpDone)

	ctx := context.Background()
	want := r.cfg.Constraints.BufferSize
	var warnedSize, warnedSend bool
	for chunk := range s.stream.Chunks() {
		if len(chunk.Samples) != want && !warnedSize {
			warnedSize = true
			s.log.Warn("recorder: chunk size differs from negotiated buffer size",
				"samples", len(chunk.Samples),
				"want", want,
			)
		}
		err := s.channel.Send(audio.Encode(chunk))
		switch {
		case err == nil:
			r.metrics.RecordAudioChunk(ctx, "sent")
		case errors.Is(err, transcribe.ErrClosed):
			// Teardown closed the channel ahead of the stream.
		default:
			r.metrics.RecordAudioChunk(ctx, "error")
			if !warnedSend {
				warnedSend = true
				s.log.Warn("recorder: sending audio failed", "seq", chunk.Seq, "err", err)
			}
		}
	}
}

// consume applies channel events to the transcript in arrival order until the
// channel's event stream ends.
func (r *Recorder) consume(s *session) {
	defer close(s.eventsDone)

	ctx := context.Background()
	for ev := range s.channel.Events() {
		r.metrics.RecordTranscriptionEvent(ctx, ev.Kind.String())
		r.apply(s, ev)
	}

	s.detachMu.Lock()
	detached := s.detached
	s.detachMu.Unlock()
	if detached {
		return
	}
	// The remote side ended the stream while the session is still active.
	// The session keeps running until Stop; the closure is only reported.
	if err := s.channel.Err(); err != nil {
		s.log.Warn("transcription channel closed with error", "err", err)
		r.reportChannelError(ctx, &ChannelError{Op: "stream", Err: err})
		return
	}
	s.log.Info("transcription channel closed by remote")
}

func (r *Recorder) apply(s *session, ev transcribe.Event) {
	s.detachMu.Lock()
	defer s.detachMu.Unlock()
	if s.detached {
		return
	}
	switch ev.Kind {
	case transcribe.EventPartialText:
		r.acc.OnPartialText(ev.Text)
	case transcribe.EventTurnComplete:
		r.acc.OnTurnComplete()
	case transcribe.EventError:
		s.log.Warn("transcription channel error", "err", ev.Err)
		r.reportChannelError(context.Background(), &ChannelError{Op: "stream", Err: ev.Err})
	default:
		s.log.Debug("recorder: ignoring unknown event", "kind", ev.Kind.String())
	}
}

func (r *Recorder) reportChannelError(ctx context.Context, err *ChannelError) {
	r.metrics.ChannelErrors.Add(ctx, 1)
	r.metrics.RecordProviderError(ctx, r.cfg.ProviderName, "transcription")
	if fn := r.cfg.Hooks.OnError; fn != nil {
		fn(err)
	}
}

// ── Stop / Close ─────────────────────────────────────────────────────────────

// Stop ends the active session and returns its final transcript. It reports
// false, and does nothing else, when no session is active; this makes it
// safe to call repeatedly and guarantees Hooks.OnRecordingStop fires once.
//
// Teardown closes the transcription channel, waits for already-received
// events to be applied (bounded by ctx, or by Config.DrainTimeout when ctx
// has no deadline), detaches event handling, closes the capture stream, and
// only then snapshots the transcript. Teardown errors are logged and
// otherwise ignored.
func (r *Recorder) Stop(ctx context.Context) (string, bool) {
	r.mu.Lock()
	if r.state != StateActive || r.sess == nil {
		r.mu.Unlock()
		return "", false
	}
	s := r.sess
	r.state = StateStopping
	r.mu.Unlock()
	r.notifyState(StateStopping)

	r.teardown(ctx, s)
	text := r.acc.Snapshot()

	r.mu.Lock()
	r.sess = nil
	r.state = StateIdle
	r.mu.Unlock()

	elapsed := time.Since(s.started)
	bg := context.Background()
	r.metrics.ActiveRecordings.Add(bg, -1)
	r.metrics.RecordRecording(bg, "completed", elapsed)
	s.log.Info("recording stopped",
		"duration", elapsed,
		"turns", r.acc.Turns(),
		"chars", len(text),
	)

	r.notifyState(StateIdle)
	if fn := r.cfg.Hooks.OnRecordingStop; fn != nil {
		fn(text)
	}
	return text, true
}

func (r *Recorder) teardown(ctx context.Context, s *session) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.DrainTimeout)
		defer cancel()
	}

	if err := s.channel.Close(); err != nil {
		s.log.Warn("recorder: close transcription channel", "err", err)
	}
	select {
	case <-s.eventsDone:
	case <-ctx.Done():
		s.log.Warn("recorder: transcription events still pending; detaching", "err", ctx.Err())
	}

	s.detachMu.Lock()
	s.detached = true
	s.detachMu.Unlock()

	if err := s.stream.Close(); err != nil {
		s.log.Warn("recorder: close capture stream", "err", err)
	}
	select {
	case <-s.pumpDone:
	case <-ctx.Done():
		s.log.Warn("recorder: audio pump did not finish", "err", ctx.Err())
	}
}

// Close stops an active session exactly as Stop would (including the
// OnRecordingStop callback), aborts a session that is still starting, and
// rejects further Start calls. It is the teardown path for an owner that is
// going away. Idempotent.
func (r *Recorder) Close() error {
	r.mu.Lock()
	r.closed = true
	active := r.state == StateActive
	r.mu.Unlock()

	if active {
		r.Stop(context.Background())
	}
	return nil
}
