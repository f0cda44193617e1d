// Package ffmpeg implements [capture.Device] by running an ffmpeg subprocess
// that reads the platform microphone and writes raw float32 mono PCM to its
// stdout.
//
// The subprocess is started on Open and killed on Close. Access failures
// (binary missing, device busy, permission refused by the sound server) are
// detected before Open returns: Open waits until the first samples arrive or
// the process exits, whichever comes first.
package ffmpeg

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/lucidweaver/pkg/audio"
	"github.com/MrWong99/lucidweaver/pkg/capture"
)

const (
	defaultBinary         = "ffmpeg"
	defaultStartupTimeout = 5 * time.Second
	stderrTail            = 4096
	readBlock             = 16 * 1024
	chunkBuffer           = 16
)

// Compile-time interface assertions.
var (
	_ capture.Device = (*Device)(nil)
	_ capture.Stream = (*stream)(nil)
)

// ── Options ──────────────────────────────────────────────────────────────────

// Option configures a [Device].
type Option func(*Device)

// WithBinary sets the ffmpeg executable. Defaults to "ffmpeg" on PATH.
func WithBinary(path string) Option {
	return func(d *Device) { d.binary = path }
}

// WithInputFormat sets the ffmpeg input device format, e.g. "pulse", "alsa",
// "avfoundation" or "dshow". Defaults to the platform's usual choice.
func WithInputFormat(format string) Option {
	return func(d *Device) { d.format = format }
}

// WithInput sets the ffmpeg input name, e.g. "default" or ":0".
func WithInput(input string) Option {
	return func(d *Device) { d.input = input }
}

// WithStartupTimeout bounds how long Open waits for the first samples.
func WithStartupTimeout(timeout time.Duration) Option {
	return func(d *Device) { d.startupTimeout = timeout }
}

// WithCommand replaces the generated ffmpeg invocation entirely. The command
// must write little-endian float32 mono samples at the requested rate to
// stdout. Intended for alternative capture tools and for tests.
func WithCommand(name string, args ...string) Option {
	return func(d *Device) {
		d.binary = name
		d.args = args
	}
}

// ── Device ───────────────────────────────────────────────────────────────────

// Device captures the local microphone through ffmpeg.
// Each Open starts a new subprocess; a Device may be reused after the
// previous stream has been closed.
type Device struct {
	binary         string
	format         string
	input          string
	args           []string
	startupTimeout time.Duration
}

// New returns a Device with platform defaults adjusted by opts.
func New(opts ...Option) *Device {
	format, input := platformDefaults()
	d := &Device{
		binary:         defaultBinary,
		format:         format,
		input:          input,
		startupTimeout: defaultStartupTimeout,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

func platformDefaults() (format, input string) {
	switch runtime.GOOS {
	case "darwin":
		return "avfoundation", ":0"
	case "windows":
		return "dshow", "audio=default"
	default:
		return "pulse", "default"
	}
}

// Name identifies the device in errors and logs.
func (d *Device) Name() string {
	if d.args != nil {
		return "command:" + d.binary
	}
	return fmt.Sprintf("ffmpeg:%s:%s", d.format, d.input)
}

func (d *Device) commandArgs(c capture.Constraints) []string {
	if d.args != nil {
		return d.args
	}
	return []string{
		"-hide_banner", "-loglevel", "error", "-nostdin",
		"-f", d.format, "-i", d.input,
		"-ac", "1", "-ar", strconv.Itoa(c.SampleRate),
		"-f", "f32le", "-",
	}
}

// Open starts ffmpeg and blocks until audio flows, the process fails, the
// startup timeout elapses, or ctx is cancelled.
func (d *Device) Open(ctx context.Context, c capture.Constraints) (capture.Stream, error) {
	if err := c.Validate(); err != nil {
		return nil, &capture.DeviceAccessError{Device: d.Name(), Err: err}
	}

	// The subprocess outlives Open's ctx; it is bound to the stream instead.
	procCtx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(procCtx, d.binary, d.commandArgs(c)...)
	stderr := &tailBuffer{limit: stderrTail}
	cmd.Stderr = stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("ffmpeg: stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, &capture.DeviceAccessError{
			Device: d.Name(),
			Err:    fmt.Errorf("%w: start %s: %w", capture.ErrDeviceUnavailable, d.binary, err),
		}
	}

	s := &stream{
		cmd:     cmd,
		stdout:  stdout,
		cancel:  cancel,
		chunks:  make(chan audio.Chunk, chunkBuffer),
		done:    make(chan struct{}),
		readEnd: make(chan struct{}),
		ready:   make(chan struct{}),
		framer:  audio.NewFramer(c.BufferSize, c.SampleRate),
		name:    d.Name(),
	}
	go s.readLoop(stdout)

	timer := time.NewTimer(d.startupTimeout)
	defer timer.Stop()

	select {
	case <-s.ready:
		slog.Debug("ffmpeg capture started", "device", s.name, "pid", cmd.Process.Pid)
		return s, nil
	case <-s.readEnd:
		select {
		case <-s.ready:
			// Short source that produced audio and already finished.
			return s, nil
		default:
		}
		// Close waits for the process, which flushes stderr into the buffer.
		s.Close()
		return nil, &capture.DeviceAccessError{Device: d.Name(), Err: classify(stderr.String())}
	case <-timer.C:
		s.Close()
		return nil, &capture.DeviceAccessError{
			Device: d.Name(),
			Err:    fmt.Errorf("%w: no audio within %s", capture.ErrDeviceUnavailable, d.startupTimeout),
		}
	case <-ctx.Done():
		s.Close()
		return nil, fmt.Errorf("ffmpeg: open: %w", ctx.Err())
	}
}

// classify maps the subprocess's stderr to a capture sentinel.
func classify(stderr string) error {
	msg := lastLine(stderr)
	if msg == "" {
		msg = "capture process exited before producing audio"
	}
	lower := strings.ToLower(stderr)
	if strings.Contains(lower, "permission denied") || strings.Contains(lower, "not authorized") ||
		strings.Contains(lower, "access denied") {
		return fmt.Errorf("%w: %s", capture.ErrPermissionDenied, msg)
	}
	return fmt.Errorf("%w: %s", capture.ErrDeviceUnavailable, msg)
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	return strings.TrimSpace(s)
}

// ── Stream ───────────────────────────────────────────────────────────────────

type stream struct {
	cmd    *exec.Cmd
	stdout io.Closer
	cancel context.CancelFunc
	framer *audio.Framer
	name   string

	chunks  chan audio.Chunk
	done    chan struct{} // closed by Close
	readEnd chan struct{} // closed when readLoop returns
	ready   chan struct{} // closed on first bytes

	closeOnce sync.Once
}

func (s *stream) Chunks() <-chan audio.Chunk { return s.chunks }

// readLoop decodes stdout into fixed-size chunks until EOF or Close.
func (s *stream) readLoop(r io.Reader) {
	defer close(s.readEnd)
	defer close(s.chunks)

	var (
		buf      = make([]byte, readBlock)
		leftover []byte
		started  bool
	)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			if !started {
				started = true
				close(s.ready)
			}
			data := buf[:n]
			if len(leftover) > 0 {
				data = append(leftover, data...)
				leftover = nil
			}
			whole := len(data) - len(data)%4
			if whole < len(data) {
				leftover = append([]byte(nil), data[whole:]...)
			}
			for _, c := range s.framer.Write(audio.DecodeFloat32(data[:whole])) {
				select {
				case s.chunks <- c:
				case <-s.done:
					return
				}
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				select {
				case <-s.done:
				default:
					slog.Warn("ffmpeg capture read failed", "device", s.name, "err", err)
				}
			}
			if pending := s.framer.Pending(); pending > 0 {
				slog.Debug("ffmpeg capture dropped partial chunk", "device", s.name, "samples", pending)
			}
			return
		}
	}
}

// Close kills the subprocess and waits for the reader to stop. The process
// exit status is not reported: a killed ffmpeg always exits non-zero.
func (s *stream) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.cancel()
		// Unblocks the reader even if a grandchild still holds the pipe.
		_ = s.stdout.Close()
		<-s.readEnd
		// Unread chunks are dropped; readLoop has already closed the channel.
		for range s.chunks {
		}
		if err := s.cmd.Wait(); err != nil {
			slog.Debug("ffmpeg capture exited", "device", s.name, "err", err)
		}
	})
	return nil
}

// ── helpers ──────────────────────────────────────────────────────────────────

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu    sync.Mutex
	buf   bytes.Buffer
	limit int
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf.Write(p)
	if over := t.buf.Len() - t.limit; over > 0 {
		t.buf.Next(over)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.buf.String()
}
