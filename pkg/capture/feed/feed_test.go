package feed_test

import (
	"context"
	"errors"
	"testing"

	"github.com/MrWong99/lucidweaver/pkg/audio"
	"github.com/MrWong99/lucidweaver/pkg/capture"
	"github.com/MrWong99/lucidweaver/pkg/capture/feed"
)

func smallConstraints() capture.Constraints {
	c := capture.DefaultConstraints()
	c.BufferSize = 4
	return c
}

func TestSource_FramesWrites(t *testing.T) {
	t.Parallel()

	src := feed.New("test", audio.Format{SampleRate: 16000, Channels: 1})
	s, err := src.Open(context.Background(), smallConstraints())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if err := src.Write([]float32{0.1, 0.2, 0.3}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := src.Write([]float32{0.4, 0.5}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	c := <-s.Chunks()
	if len(c.Samples) != 4 || c.Samples[3] != 0.4 {
		t.Fatalf("unexpected chunk %v", c.Samples)
	}

	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, ok := <-s.Chunks(); ok {
		t.Fatal("expected closed chunk channel; partial chunk must be discarded")
	}
	if err := src.Write([]float32{1}); !errors.Is(err, feed.ErrClosed) {
		t.Errorf("Write after Close = %v, want ErrClosed", err)
	}
}

func TestSource_ResamplesStereo48k(t *testing.T) {
	t.Parallel()

	src := feed.New("browser", audio.Format{SampleRate: 48000, Channels: 2})
	s, err := src.Open(context.Background(), smallConstraints())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	// 12 stereo frames at 48 kHz → 4 mono samples at 16 kHz.
	if err := src.Write(make([]float32, 24)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	c := <-s.Chunks()
	if c.SampleRate != 16000 || len(c.Samples) != 4 {
		t.Fatalf("unexpected chunk: %d samples at %d Hz", len(c.Samples), c.SampleRate)
	}
}

func TestSource_WriteBeforeOpen(t *testing.T) {
	t.Parallel()

	src := feed.New("test", audio.Format{SampleRate: 16000})
	if err := src.Write([]float32{0}); !errors.Is(err, feed.ErrNotOpen) {
		t.Fatalf("Write = %v, want ErrNotOpen", err)
	}
}

func TestSource_SingleUse(t *testing.T) {
	t.Parallel()

	src := feed.New("test", audio.Format{SampleRate: 16000})
	if _, err := src.Open(context.Background(), smallConstraints()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	_, err := src.Open(context.Background(), smallConstraints())
	if !errors.Is(err, capture.ErrAlreadyOpen) {
		t.Fatalf("second Open = %v, want ErrAlreadyOpen", err)
	}

	closed := feed.New("gone", audio.Format{SampleRate: 16000})
	closed.Close()
	_, err = closed.Open(context.Background(), smallConstraints())
	var dae *capture.DeviceAccessError
	if !errors.As(err, &dae) || !errors.Is(err, capture.ErrDeviceUnavailable) {
		t.Fatalf("Open after Close = %v, want DeviceAccessError(ErrDeviceUnavailable)", err)
	}
}

func TestSource_CloseDropsUnreadChunks(t *testing.T) {
	t.Parallel()

	src := feed.New("test", audio.Format{SampleRate: 16000})
	s, err := src.Open(context.Background(), smallConstraints())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	// Three complete chunks, all buffered and unread.
	if err := src.Write(make([]float32, 12)); err != nil {
		t.Fatalf("Write: %v", err)
	}

	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if c, ok := <-s.Chunks(); ok {
		t.Fatalf("received chunk %v after Close", c.Samples)
	}
}

func TestSource_CloseUnblocksWriter(t *testing.T) {
	t.Parallel()

	src := feed.New("test", audio.Format{SampleRate: 16000})
	if _, err := src.Open(context.Background(), smallConstraints()); err != nil {
		t.Fatalf("Open: %v", err)
	}

	errc := make(chan error, 1)
	go func() {
		// Far more chunks than the channel buffers; nobody reads.
		errc <- src.Write(make([]float32, 4*64))
	}()
	src.Close()
	if err := <-errc; !errors.Is(err, feed.ErrClosed) {
		t.Fatalf("Write = %v, want ErrClosed", err)
	}
}
