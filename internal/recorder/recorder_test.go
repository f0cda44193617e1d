package recorder_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/lucidweaver/internal/observe"
	"github.com/MrWong99/lucidweaver/internal/recorder"
	"github.com/MrWong99/lucidweaver/internal/transcript"
	"github.com/MrWong99/lucidweaver/pkg/audio"
	"github.com/MrWong99/lucidweaver/pkg/capture"
	capturemock "github.com/MrWong99/lucidweaver/pkg/capture/mock"
	"github.com/MrWong99/lucidweaver/pkg/provider/transcribe"
	transcribemock "github.com/MrWong99/lucidweaver/pkg/provider/transcribe/mock"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

// hookLog records every hook invocation. Safe for concurrent use.
type hookLog struct {
	mu      sync.Mutex
	starts  int
	stops   []string
	errs    []error
	states  []recorder.State
	updates []transcript.Update
}

func (h *hookLog) hooks() recorder.Hooks {
	return recorder.Hooks{
		OnRecordingStart: func() { h.mu.Lock(); h.starts++; h.mu.Unlock() },
		OnRecordingStop:  func(s string) { h.mu.Lock(); h.stops = append(h.stops, s); h.mu.Unlock() },
		OnError:          func(err error) { h.mu.Lock(); h.errs = append(h.errs, err); h.mu.Unlock() },
		OnStateChange:    func(s recorder.State) { h.mu.Lock(); h.states = append(h.states, s); h.mu.Unlock() },
		OnLiveText:       func(u transcript.Update) { h.mu.Lock(); h.updates = append(h.updates, u); h.mu.Unlock() },
	}
}

func (h *hookLog) snapshot() (starts int, stops []string, errs []error, states []recorder.State) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.starts, append([]string(nil), h.stops...), append([]error(nil), h.errs...),
		append([]recorder.State(nil), h.states...)
}

func newMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader()))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

type fixture struct {
	rec     *recorder.Recorder
	log     *hookLog
	device  *capturemock.Device
	stream  *capturemock.Stream
	prov    *transcribemock.Provider
	channel *transcribemock.Channel
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		log:     &hookLog{},
		stream:  capturemock.NewStream(16),
		channel: transcribemock.NewChannel(16),
	}
	f.device = &capturemock.Device{Stream: f.stream}
	f.prov = &transcribemock.Provider{Channel: f.channel}
	rec, err := recorder.New(recorder.Config{
		Device:       f.device,
		Provider:     f.prov,
		ProviderName: "mock",
		Hooks:        f.log.hooks(),
		Metrics:      newMetrics(t),
		DrainTimeout: time.Second,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	f.rec = rec
	return f
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// ── Tests ─────────────────────────────────────────────────────────────────────

func TestNew_RequiresDependencies(t *testing.T) {
	t.Parallel()

	if _, err := recorder.New(recorder.Config{Provider: &transcribemock.Provider{}}); err == nil {
		t.Error("expected error without device")
	}
	if _, err := recorder.New(recorder.Config{Device: &capturemock.Device{}}); err == nil {
		t.Error("expected error without provider")
	}
}

func TestRecorder_ReferenceTranscript(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	if err := f.rec.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := f.rec.State(); got != recorder.StateActive {
		t.Fatalf("State = %v, want active", got)
	}

	f.channel.Emit(transcribe.Event{Kind: transcribe.EventPartialText, Text: "hello "})
	f.channel.Emit(transcribe.Event{Kind: transcribe.EventPartialText, Text: "world"})
	f.channel.Emit(transcribe.Event{Kind: transcribe.EventTurnComplete})
	f.channel.Emit(transcribe.Event{Kind: transcribe.EventPartialText, Text: "again"})

	text, ok := f.rec.Stop(context.Background())
	if !ok {
		t.Fatal("Stop reported no active session")
	}
	if want := "hello world again"; text != want {
		t.Errorf("transcript = %q, want %q", text, want)
	}

	starts, stops, errs, states := f.log.snapshot()
	if starts != 1 {
		t.Errorf("OnRecordingStart calls = %d, want 1", starts)
	}
	if len(stops) != 1 || stops[0] != "hello world again" {
		t.Errorf("OnRecordingStop calls = %q, want one with final transcript", stops)
	}
	if len(errs) != 0 {
		t.Errorf("unexpected errors: %v", errs)
	}
	wantStates := []recorder.State{recorder.StateStarting, recorder.StateActive, recorder.StateStopping, recorder.StateIdle}
	if len(states) != len(wantStates) {
		t.Fatalf("states = %v, want %v", states, wantStates)
	}
	for i := range wantStates {
		if states[i] != wantStates[i] {
			t.Errorf("state %d = %v, want %v", i, states[i], wantStates[i])
		}
	}
	if f.channel.CloseCount() != 1 {
		t.Errorf("channel Close calls = %d, want 1", f.channel.CloseCount())
	}
	if !f.stream.Closed() {
		t.Error("capture stream not closed")
	}
}

func TestRecorder_StopIsIdempotent(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	if _, ok := f.rec.Stop(context.Background()); ok {
		t.Error("Stop while idle reported a session")
	}
	if err := f.rec.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, ok := f.rec.Stop(context.Background()); !ok {
		t.Fatal("first Stop reported no session")
	}
	if _, ok := f.rec.Stop(context.Background()); ok {
		t.Error("second Stop reported a session")
	}
	_, stops, _, _ := f.log.snapshot()
	if len(stops) != 1 {
		t.Errorf("OnRecordingStop calls = %d, want 1", len(stops))
	}
}

func TestRecorder_ConcurrentStopFiresOnce(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	if err := f.rec.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.rec.Stop(context.Background())
		}()
	}
	wg.Wait()
	_, stops, _, _ := f.log.snapshot()
	if len(stops) != 1 {
		t.Errorf("OnRecordingStop calls = %d, want 1", len(stops))
	}
}

func TestRecorder_StartWhileActive(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	if err := f.rec.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer f.rec.Stop(context.Background())

	if err := f.rec.Start(context.Background()); !errors.Is(err, recorder.ErrNotIdle) {
		t.Fatalf("second Start = %v, want ErrNotIdle", err)
	}
	if f.device.OpenCallCount() != 1 {
		t.Errorf("Open calls = %d, want 1", f.device.OpenCallCount())
	}
}

func TestRecorder_DeviceDenied(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.device.OpenErr = &capture.DeviceAccessError{Device: "mic", Err: capture.ErrPermissionDenied}

	err := f.rec.Start(context.Background())
	var dae *capture.DeviceAccessError
	if !errors.As(err, &dae) {
		t.Fatalf("Start = %v, want *DeviceAccessError", err)
	}

	starts, stops, errs, states := f.log.snapshot()
	if starts != 1 {
		t.Errorf("OnRecordingStart calls = %d, want 1", starts)
	}
	if len(stops) != 0 {
		t.Errorf("OnRecordingStop called %d times for failed start", len(stops))
	}
	if len(errs) != 1 || !errors.Is(errs[0], capture.ErrPermissionDenied) {
		t.Errorf("OnError = %v, want the access error", errs)
	}
	wantStates := []recorder.State{recorder.StateStarting, recorder.StateFailed, recorder.StateIdle}
	if len(states) != len(wantStates) {
		t.Fatalf("states = %v, want %v", states, wantStates)
	}
	if f.prov.ConnectCallCount() != 0 {
		t.Error("channel opened despite device failure")
	}
	if f.rec.State() != recorder.StateIdle {
		t.Errorf("State = %v, want idle", f.rec.State())
	}

	// A retry is allowed once the user fixes access.
	f.device.OpenErr = nil
	if err := f.rec.Start(context.Background()); err != nil {
		t.Fatalf("retry Start: %v", err)
	}
	f.rec.Stop(context.Background())
}

func TestRecorder_PlainDeviceErrorIsWrapped(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.device.OpenErr = errors.New("no input devices")

	err := f.rec.Start(context.Background())
	var dae *capture.DeviceAccessError
	if !errors.As(err, &dae) {
		t.Fatalf("Start = %v, want *DeviceAccessError", err)
	}
}

func TestRecorder_ConnectFailure(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.prov.ConnectErr = errors.New("dial refused")

	err := f.rec.Start(context.Background())
	var ce *recorder.ChannelError
	if !errors.As(err, &ce) || ce.Op != "connect" {
		t.Fatalf("Start = %v, want connect *ChannelError", err)
	}
	if !f.stream.Closed() {
		t.Error("capture stream not released after connect failure")
	}
	_, stops, errs, _ := f.log.snapshot()
	if len(stops) != 0 {
		t.Error("OnRecordingStop called for failed start")
	}
	if len(errs) != 1 {
		t.Errorf("OnError calls = %d, want 1", len(errs))
	}
	if f.rec.State() != recorder.StateIdle {
		t.Errorf("State = %v, want idle", f.rec.State())
	}
}

func TestRecorder_FailedStartPublishesNoLiveText(t *testing.T) {
	t.Parallel()

	for name, setup := range map[string]func(*fixture){
		"device denied":  func(f *fixture) { f.device.OpenErr = &capture.DeviceAccessError{Device: "mic", Err: capture.ErrPermissionDenied} },
		"connect failed": func(f *fixture) { f.prov.ConnectErr = errors.New("dial refused") },
	} {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t)
			setup(f)

			if err := f.rec.Start(context.Background()); err == nil {
				t.Fatal("Start succeeded, want an error")
			}
			f.log.mu.Lock()
			defer f.log.mu.Unlock()
			if len(f.log.updates) != 0 {
				t.Errorf("OnLiveText called %d times during a failed start: %v", len(f.log.updates), f.log.updates)
			}
		})
	}
}

func TestRecorder_StreamsChunksInOrder(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	if err := f.rec.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	for i := range 3 {
		samples := make([]float32, audio.ChunkSize)
		samples[0] = float32(i) / 4
		f.stream.Push(audio.Chunk{Samples: samples, SampleRate: audio.SampleRate, Seq: uint64(i)})
	}
	waitFor(t, "three payloads", func() bool { return len(f.channel.Sent()) == 3 })
	f.rec.Stop(context.Background())

	for i, p := range f.channel.Sent() {
		if p.MIMEType != "audio/pcm;rate=16000" {
			t.Errorf("payload %d: MIMEType = %q", i, p.MIMEType)
		}
		pcm, err := audio.DecodePCM16(p)
		if err != nil {
			t.Fatalf("payload %d: %v", i, err)
		}
		if len(pcm) != audio.ChunkSize {
			t.Errorf("payload %d: %d samples, want %d", i, len(pcm), audio.ChunkSize)
		}
		if want := int16(i * 8192); pcm[0] != want {
			t.Errorf("payload %d: first sample %d, want %d (order preserved)", i, pcm[0], want)
		}
	}
}

func TestRecorder_ChannelErrorKeepsSession(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	if err := f.rec.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	f.channel.Emit(transcribe.Event{Kind: transcribe.EventPartialText, Text: "before "})
	f.channel.Emit(transcribe.Event{Kind: transcribe.EventError, Err: errors.New("quota hiccup")})
	f.channel.Emit(transcribe.Event{Kind: transcribe.EventPartialText, Text: "after"})

	waitFor(t, "error reported", func() bool {
		_, _, errs, _ := f.log.snapshot()
		return len(errs) == 1
	})
	if f.rec.State() != recorder.StateActive {
		t.Fatalf("State = %v, want active after channel error", f.rec.State())
	}

	text, _ := f.rec.Stop(context.Background())
	if text != "before after" {
		t.Errorf("transcript = %q, want %q", text, "before after")
	}
	_, _, errs, _ := f.log.snapshot()
	var ce *recorder.ChannelError
	if !errors.As(errs[0], &ce) || ce.Op != "stream" {
		t.Errorf("OnError = %v, want stream *ChannelError", errs[0])
	}
}

func TestRecorder_RemoteCloseIsReportedNotStopped(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	if err := f.rec.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	f.channel.Emit(transcribe.Event{Kind: transcribe.EventPartialText, Text: "partial"})
	f.channel.RemoteClose(errors.New("connection reset"))

	waitFor(t, "close reported", func() bool {
		_, _, errs, _ := f.log.snapshot()
		return len(errs) == 1
	})
	if f.rec.State() != recorder.StateActive {
		t.Fatalf("State = %v, want active", f.rec.State())
	}
	text, ok := f.rec.Stop(context.Background())
	if !ok || text != "partial" {
		t.Errorf("Stop = %q, %v; want %q, true", text, ok, "partial")
	}
}

func TestRecorder_LateEventsAfterDetachAreIgnored(t *testing.T) {
	t.Parallel()

	ch := &lingeringChannel{events: make(chan transcribe.Event)}
	log := &hookLog{}
	rec, err := recorder.New(recorder.Config{
		Device:       &capturemock.Device{},
		Provider:     &transcribemock.Provider{Channel: ch},
		Hooks:        log.hooks(),
		Metrics:      newMetrics(t),
		DrainTimeout: 20 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := rec.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	ch.events <- transcribe.Event{Kind: transcribe.EventPartialText, Text: "kept"}

	text, _ := rec.Stop(context.Background())
	if text != "kept" {
		t.Fatalf("transcript = %q, want %q", text, "kept")
	}

	// Unbuffered sends: the second returns only after the first was handled.
	ch.events <- transcribe.Event{Kind: transcribe.EventPartialText, Text: " late"}
	ch.events <- transcribe.Event{Kind: transcribe.EventTurnComplete}
	if got := rec.Transcript(); got != "kept" {
		t.Errorf("transcript mutated after stop: %q", got)
	}
	close(ch.events)
}

func TestRecorder_CloseWhileActiveDeliversTranscript(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	if err := f.rec.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	f.channel.Emit(transcribe.Event{Kind: transcribe.EventPartialText, Text: "unmounted"})
	if err := f.rec.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := f.rec.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	_, stops, _, _ := f.log.snapshot()
	if len(stops) != 1 || stops[0] != "unmounted" {
		t.Errorf("OnRecordingStop = %q, want [unmounted]", stops)
	}
	if err := f.rec.Start(context.Background()); !errors.Is(err, recorder.ErrClosed) {
		t.Errorf("Start after Close = %v, want ErrClosed", err)
	}
}

func TestRecorder_ResetsTranscriptPerSession(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	if err := f.rec.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	f.channel.Emit(transcribe.Event{Kind: transcribe.EventPartialText, Text: "first"})
	f.rec.Stop(context.Background())

	f.channel = transcribemock.NewChannel(16)
	f.prov.Channel = f.channel
	f.stream = capturemock.NewStream(16)
	f.device.Stream = f.stream

	if err := f.rec.Start(context.Background()); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	f.channel.Emit(transcribe.Event{Kind: transcribe.EventPartialText, Text: "second"})
	text, _ := f.rec.Stop(context.Background())
	if text != "second" {
		t.Errorf("transcript = %q, want %q", text, "second")
	}
}

func TestState_String(t *testing.T) {
	t.Parallel()

	tests := map[recorder.State]string{
		recorder.StateIdle:     "idle",
		recorder.StateStarting: "starting",
		recorder.StateActive:   "active",
		recorder.StateStopping: "stopping",
		recorder.StateFailed:   "failed",
		recorder.State(42):     "State(42)",
	}
	for s, want := range tests {
		if got := s.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", int(s), got, want)
		}
	}
}

// lingeringChannel never closes its event stream on Close, simulating a
// transport that keeps delivering after teardown began.
type lingeringChannel struct {
	events chan transcribe.Event
}

func (c *lingeringChannel) Send(audio.Payload) error { return nil }
func (c *lingeringChannel) Events() <-chan transcribe.Event { return c.events }
func (c *lingeringChannel) Err() error { return nil }
func (c *lingeringChannel) Close() error { return nil }
