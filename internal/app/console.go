package app

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/MrWong99/lucidweaver/internal/dream"
	"github.com/MrWong99/lucidweaver/internal/journal"
	"github.com/MrWong99/lucidweaver/internal/recorder"
	"github.com/MrWong99/lucidweaver/internal/transcript"
	"github.com/MrWong99/lucidweaver/pkg/capture"
	"github.com/MrWong99/lucidweaver/pkg/provider/transcribe"
)

// ErrNoMicrophone is returned by [App.Record] when no capture device or
// transcription provider is configured.
var ErrNoMicrophone = errors.New("app: console recording needs a capture device and a transcription provider")

const processingTick = 2 * time.Second

// ConsoleConfig configures [App.Record].
type ConsoleConfig struct {
	// In supplies the Enter that stops recording and the follow-up
	// questions. Required.
	In io.Reader

	// Out receives live text, progress and answers. Required.
	Out io.Writer

	// ImageDir is where the dream image is written. Empty means the current
	// directory.
	ImageDir string
}

// Record runs one dream capture on the local microphone: it streams live
// text to cc.Out until a line is read from cc.In (or ctx ends), analyses the
// transcript, saves it to the journal, writes the image next to ImageDir and
// then answers follow-up questions until cc.In is exhausted.
//
// A transcript that is too short returns [dream.ErrTranscriptTooShort].
func (a *App) Record(ctx context.Context, cc ConsoleConfig) error {
	if a.providers.Capture == nil || a.providers.Transcription == nil {
		return ErrNoMicrophone
	}
	out := cc.Out
	lines := readLines(cc.In)

	var lastCommitted string
	rec, err := recorder.New(recorder.Config{
		Device:        a.providers.Capture,
		Provider:      a.providers.Transcription,
		ProviderName:  a.providers.TranscriptionName,
		Constraints:   a.constraints(),
		Transcription: transcribe.Config{Model: a.cfg.Providers.Transcription.Model},
		Metrics:       a.metrics,
		Hooks: recorder.Hooks{
			OnLiveText: func(u transcript.Update) {
				// Print each turn once it is committed.
				if u.Committed != lastCommitted {
					fmt.Fprintln(out, strings.TrimSpace(strings.TrimPrefix(u.Committed, lastCommitted)))
					lastCommitted = u.Committed
				}
			},
			OnError: func(err error) {
				fmt.Fprintln(out, "!", consoleMessage(err))
			},
		},
	})
	if err != nil {
		return fmt.Errorf("app: record: %w", err)
	}
	defer rec.Close()

	if err := rec.Start(ctx); err != nil {
		return fmt.Errorf("app: record: %w", err)
	}
	fmt.Fprintln(out, "Recording. Describe your dream, then press Enter to finish.")

	select {
	case <-lines:
	case <-ctx.Done():
	}
	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	text, _ := rec.Stop(stopCtx)
	cancel()
	if ctx.Err() != nil {
		return ctx.Err()
	}

	text = strings.TrimSpace(text)
	if err := dream.ValidateTranscript(text, a.analyzer.MinTranscriptLength()); err != nil {
		fmt.Fprintln(out, "Dream recording is too short. Please try again.")
		return err
	}
	fmt.Fprintf(out, "\nYour dream:\n%s\n\n", text)

	entry, err := a.analyze(ctx, out, text)
	if err != nil {
		fmt.Fprintln(out, consoleMessage(err))
		return err
	}

	fmt.Fprintf(out, "\nInterpretation:\n%s\n\n", entry.Interpretation)
	if path, err := writeImage(cc.ImageDir, entry); err != nil {
		slog.Warn("console: write image", "err", err)
	} else {
		fmt.Fprintf(out, "Image saved to %s\n", path)
	}
	fmt.Fprintf(out, "Saved to the journal as %s.\n", entry.ID)

	return a.chat(ctx, out, lines, entry)
}

// analyze runs the analysis while printing a rotating progress line, then
// saves the result.
func (a *App) analyze(ctx context.Context, out io.Writer, text string) (journal.Entry, error) {
	type result struct {
		analysis *dream.Analysis
		err      error
	}
	done := make(chan result, 1)
	go func() {
		an, err := a.analyzer.Analyze(ctx, text)
		done <- result{an, err}
	}()

	ticker := time.NewTicker(processingTick)
	defer ticker.Stop()
	fmt.Fprintln(out, dream.ProcessingMessage(0))
	for i := 1; ; i++ {
		select {
		case <-ticker.C:
			fmt.Fprintln(out, dream.ProcessingMessage(i))
		case r := <-done:
			if r.err != nil {
				return journal.Entry{}, r.err
			}
			return a.journal.Save(context.WithoutCancel(ctx), journal.NewEntry(r.analysis))
		}
	}
}

// chat answers follow-up questions read from lines until it is closed or ctx
// ends. Each completed exchange is appended to the journal entry.
func (a *App) chat(ctx context.Context, out io.Writer, lines <-chan string, entry journal.Entry) error {
	c := a.analyzer.NewChat(entry.Transcription, entry.ChatHistory()...)
	fmt.Fprintln(out, "\nAsk about your dream (Ctrl+D to finish):")
	for {
		fmt.Fprint(out, "> ")
		var line string
		select {
		case <-ctx.Done():
			return nil
		case l, ok := <-lines:
			if !ok {
				fmt.Fprintln(out)
				return nil
			}
			line = l
		}

		before := len(c.History())
		replies, err := c.Send(ctx, line)
		if errors.Is(err, dream.ErrEmptyMessage) {
			continue
		}
		if err != nil {
			slog.Warn("console: chat", "err", err)
			fmt.Fprintln(out, "Sorry, I encountered an error. Please try again.")
			continue
		}
		failed := false
		for chunk := range replies {
			if chunk.Err() != nil {
				failed = true
				continue
			}
			fmt.Fprint(out, chunk.Text)
		}
		fmt.Fprintln(out)
		if failed {
			fmt.Fprintln(out, "Sorry, I encountered an error. Please try again.")
			continue
		}

		history := c.History()
		if len(history) <= before {
			continue
		}
		now := time.Now().UTC()
		msgs := make([]journal.Message, 0, len(history)-before)
		for _, m := range history[before:] {
			msgs = append(msgs, journal.Message{Role: m.Role, Content: m.Content, CreatedAt: now})
		}
		if err := a.journal.AppendMessages(context.WithoutCancel(ctx), entry.ID, msgs...); err != nil {
			slog.Warn("console: save exchange", "dream_id", entry.ID, "err", err)
		}
	}
}

// readLines delivers lines from r until EOF, then closes the channel.
func readLines(r io.Reader) <-chan string {
	ch := make(chan string)
	go func() {
		defer close(ch)
		sc := bufio.NewScanner(r)
		for sc.Scan() {
			ch <- sc.Text()
		}
	}()
	return ch
}

func writeImage(dir string, e journal.Entry) (string, error) {
	if len(e.Image) == 0 {
		return "", errors.New("entry has no image")
	}
	ext := ".jpg"
	if e.ImageMIME == "image/png" {
		ext = ".png"
	}
	path := filepath.Join(dir, "dream-"+e.ID+ext)
	if err := os.WriteFile(path, e.Image, 0o644); err != nil {
		return "", err
	}
	return path, nil
}

// consoleMessage maps an error to the line shown in the terminal.
func consoleMessage(err error) string {
	var (
		dae   *capture.DeviceAccessError
		cerr  *recorder.ChannelError
		stage *dream.StageError
	)
	switch {
	case errors.As(err, &dae):
		return "Could not access microphone: " + dae.Err.Error()
	case errors.As(err, &cerr):
		return "Transcription problem: " + cerr.Err.Error()
	case errors.As(err, &stage) && stage.Stage == dream.StageImage:
		return "Failed to generate dream image."
	case errors.As(err, &stage) && stage.Stage == dream.StageInterpretation:
		return "Failed to generate dream interpretation."
	}
	return "An unknown error occurred during analysis."
}
