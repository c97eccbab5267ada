package tts

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sync"
	"time"

	"github.com/loqalabs/bookwise/internal/config"
	"github.com/mattn/go-shellwords"
)

// Handle is one playing clip.
type Handle interface {
	// Stop ends playback without blocking. It is safe to call repeatedly.
	Stop()
	// Done is closed when playback ends, naturally or after Stop.
	Done() <-chan struct{}
}

// Player starts playback of encoded audio.
type Player interface {
	Start(ctx context.Context, audio []byte) (Handle, error)
}

// NewPlayer builds the player selected by cfg.Mode.
func NewPlayer(cfg config.PlaybackConfig) (Player, error) {
	switch cfg.Mode {
	case "exec":
		return NewExecPlayer(cfg.Command)
	case "mock":
		return NewMockPlayer(500 * time.Millisecond), nil
	default:
		return nil, fmt.Errorf("unsupported playback mode %q", cfg.Mode)
	}
}

type execPlayer struct {
	cmd []string
}

// NewExecPlayer pipes audio into command's stdin, e.g. "mpg123 -q -".
func NewExecPlayer(command string) (Player, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse playback command: %w", err)
	}
	if len(args) == 0 {
		return nil, errors.New("playback command empty")
	}
	return &execPlayer{cmd: args}, nil
}

func (p *execPlayer) Start(ctx context.Context, audio []byte) (Handle, error) {
	cmdCtx, cancel := context.WithCancel(ctx)
	command := exec.CommandContext(cmdCtx, p.cmd[0], p.cmd[1:]...)
	command.Stdin = bytes.NewReader(audio)
	if err := command.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("start playback command: %w", err)
	}
	h := &execHandle{cancel: cancel, done: make(chan struct{})}
	go func() {
		_ = command.Wait()
		cancel()
		close(h.done)
	}()
	return h, nil
}

type execHandle struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func (h *execHandle) Stop()                 { h.cancel() }
func (h *execHandle) Done() <-chan struct{} { return h.done }

type mockPlayer struct {
	duration time.Duration
}

// NewMockPlayer "plays" every clip for duration.
func NewMockPlayer(duration time.Duration) Player {
	return &mockPlayer{duration: duration}
}

func (m *mockPlayer) Start(ctx context.Context, _ []byte) (Handle, error) {
	h := &timerHandle{done: make(chan struct{}), stop: make(chan struct{})}
	go func() {
		defer close(h.done)
		timer := time.NewTimer(m.duration)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-h.stop:
		case <-ctx.Done():
		}
	}()
	return h, nil
}

type timerHandle struct {
	once sync.Once
	stop chan struct{}
	done chan struct{}
}

func (h *timerHandle) Stop()                 { h.once.Do(func() { close(h.stop) }) }
func (h *timerHandle) Done() <-chan struct{} { return h.done }
