package capture

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/loqalabs/bookwise/internal/config"
	"github.com/mattn/go-shellwords"
)

// Source opens the microphone and yields raw signed 16-bit little-endian PCM
// until the returned stream is closed.
type Source interface {
	Open(ctx context.Context) (io.ReadCloser, error)
}

// NewSource builds the source selected by cfg.Mode.
func NewSource(cfg config.CaptureConfig) (Source, error) {
	switch cfg.Mode {
	case "exec":
		return NewExecSource(cfg.Command)
	case "mock":
		return NewMockSource(cfg.SampleRate, cfg.Channels), nil
	default:
		return nil, fmt.Errorf("unsupported capture mode %q", cfg.Mode)
	}
}

type execSource struct {
	cmd []string
}

// NewExecSource runs command and reads PCM from its stdout, e.g.
// "arecord -q -f S16_LE -r 16000 -c 1 -t raw".
func NewExecSource(command string) (Source, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse capture command: %w", err)
	}
	if len(args) == 0 {
		return nil, errors.New("capture command is empty")
	}
	return &execSource{cmd: args}, nil
}

func (s *execSource) Open(ctx context.Context) (io.ReadCloser, error) {
	cmdCtx, cancel := context.WithCancel(ctx)
	command := exec.CommandContext(cmdCtx, s.cmd[0], s.cmd[1:]...)
	// An interrupt lets recorders such as arecord flush buffered audio
	// before exiting; WaitDelay kills the ones that ignore it.
	command.Cancel = func() error { return command.Process.Signal(os.Interrupt) }
	command.WaitDelay = stopGrace
	var stderr bytes.Buffer
	command.Stderr = &stderr
	stdout, err := command.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("capture stdout: %w", err)
	}
	if err := command.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("start capture command: %w", err)
	}
	return &execStream{
		cmd:     command,
		stdout:  stdout,
		cancel:  cancel,
		stderr:  &stderr,
		drained: make(chan struct{}),
	}, nil
}

// stopGrace bounds how long Close waits for the recorder to exit and for
// its remaining output to be read.
const stopGrace = 2 * time.Second

type execStream struct {
	cmd       *exec.Cmd
	stdout    io.ReadCloser
	cancel    context.CancelFunc
	stderr    *bytes.Buffer
	drained   chan struct{}
	drainOnce sync.Once
	closeOnce sync.Once
}

func (s *execStream) Read(p []byte) (int, error) {
	n, err := s.stdout.Read(p)
	if err != nil {
		s.drainOnce.Do(func() { close(s.drained) })
	}
	return n, err
}

// Close interrupts the recorder process and waits until its output has been
// read to EOF before reaping it, since Wait closes the pipe. The interrupt
// exit status is expected and not reported.
func (s *execStream) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		select {
		case <-s.drained:
		case <-time.After(stopGrace):
		}
		_ = s.cmd.Wait()
	})
	return nil
}

type mockSource struct {
	sampleRate int
	channels   int
}

// NewMockSource produces a quiet 440Hz tone at the given format.
func NewMockSource(sampleRate, channels int) Source {
	if sampleRate <= 0 {
		sampleRate = 16000
	}
	if channels <= 0 {
		channels = 1
	}
	return &mockSource{sampleRate: sampleRate, channels: channels}
}

func (m *mockSource) Open(ctx context.Context) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &toneStream{
		sampleRate: m.sampleRate,
		channels:   m.channels,
		ticker:     time.NewTicker(frameInterval),
		done:       make(chan struct{}),
	}, nil
}

const frameInterval = 20 * time.Millisecond

// toneStream yields one 20ms frame per tick until closed.
type toneStream struct {
	sampleRate int
	channels   int
	position   int
	ticker     *time.Ticker
	done       chan struct{}
	once       sync.Once
}

func (t *toneStream) Read(p []byte) (int, error) {
	select {
	case <-t.done:
		return 0, io.EOF
	case <-t.ticker.C:
	}
	frame := t.sampleRate / 50 * t.channels * 2
	if frame > len(p) {
		frame = len(p) - len(p)%(t.channels*2)
	}
	n := 0
	for n+t.channels*2 <= frame {
		v := int16(1000 * math.Sin(2*math.Pi*440*float64(t.position)/float64(t.sampleRate)))
		for c := 0; c < t.channels; c++ {
			binary.LittleEndian.PutUint16(p[n:], uint16(v))
			n += 2
		}
		t.position++
	}
	return n, nil
}

func (t *toneStream) Close() error {
	t.once.Do(func() {
		t.ticker.Stop()
		close(t.done)
	})
	return nil
}
