package tts

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/loqalabs/bookwise/internal/notify"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// State reports which message, if any, the slot is playing for. Index is
// meaningful only when Playing is true.
type State struct {
	Index   int
	Playing bool
}

type Option func(*Controller)

// WithErrorHandler is called when fetching or starting audio fails for the
// current request.
func WithErrorHandler(fn func(index int, err error)) Option {
	return func(c *Controller) { c.onError = fn }
}

// Controller is the single playback slot. A new request always stops the
// current occupant first.
type Controller struct {
	synth  Synthesizer
	player Player
	voice  string
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	onError func(index int, err error)

	mu          sync.Mutex
	generation  uint64
	state       State
	handle      Handle
	fetchCancel context.CancelFunc
	observers   map[int]func(State)
	nextID      int

	seq notify.Sequencer

	starts   metric.Int64Counter
	failures metric.Int64Counter
}

func NewController(parent context.Context, synth Synthesizer, player Player, voice string, logger *slog.Logger, opts ...Option) *Controller {
	ctx, cancel := context.WithCancel(parent)
	c := &Controller{
		synth:     synth,
		player:    player,
		voice:     voice,
		logger:    logger.With(slog.String("component", "tts-playback")),
		ctx:       ctx,
		cancel:    cancel,
		observers: make(map[int]func(State)),
	}
	for _, opt := range opts {
		opt(c)
	}
	meter := otel.Meter("github.com/loqalabs/bookwise/internal/tts")
	var err error
	if c.starts, err = meter.Int64Counter("bookwise.tts.playback_starts", metric.WithDescription("Clips started")); err != nil {
		c.logger.Warn("failed to create metric", slogError(err))
	}
	if c.failures, err = meter.Int64Counter("bookwise.tts.playback_failures", metric.WithDescription("Fetch or start failures")); err != nil {
		c.logger.Warn("failed to create metric", slogError(err))
	}
	return c
}

// Subscribe registers fn for playing-state changes, delivered in order.
func (c *Controller) Subscribe(fn func(State)) func() {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.observers[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.observers, id)
		c.mu.Unlock()
	}
}

func (c *Controller) Playing() (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Index, c.state.Playing
}

// Play speaks text for the message at index. Asking again for the index that
// is already playing stops it instead.
func (c *Controller) Play(text string, index int) {
	c.mu.Lock()
	if c.ctx.Err() != nil {
		c.mu.Unlock()
		return
	}
	toggle := c.state.Playing && c.state.Index == index
	wasPlaying := c.state.Playing
	c.stopLocked()
	if toggle {
		c.logger.Debug("playback toggled off", slog.Int("index", index))
		c.publishLocked()
		return
	}

	gen := c.generation
	fetchCtx, cancel := context.WithCancel(c.ctx)
	c.fetchCancel = cancel
	c.state = State{Index: index, Playing: true}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.fetchAndPlay(fetchCtx, gen, text, index)
	}()
	if wasPlaying {
		c.logger.Debug("playback replaced", slog.Int("index", index))
	}
	c.publishLocked()
}

// Stop empties the slot.
func (c *Controller) Stop() {
	c.mu.Lock()
	if !c.state.Playing && c.handle == nil && c.fetchCancel == nil {
		c.mu.Unlock()
		return
	}
	c.stopLocked()
	c.publishLocked()
}

// Close stops playback and waits for background work.
func (c *Controller) Close() {
	c.Stop()
	c.cancel()
	c.wg.Wait()
}

func (c *Controller) fetchAndPlay(ctx context.Context, gen uint64, text string, index int) {
	audio, err := c.synth.Synthesize(ctx, text, c.voice)
	if err != nil {
		c.fail(gen, index, err)
		return
	}

	c.mu.Lock()
	if gen != c.generation {
		c.mu.Unlock()
		return
	}
	handle, err := c.player.Start(c.ctx, audio)
	if err != nil {
		c.mu.Unlock()
		c.fail(gen, index, err)
		return
	}
	c.handle = handle
	if c.fetchCancel != nil {
		c.fetchCancel()
		c.fetchCancel = nil
	}
	c.mu.Unlock()

	if c.starts != nil {
		c.starts.Add(context.Background(), 1)
	}
	c.logger.Info("playback started", slog.Int("index", index), slog.Int("bytes", len(audio)))

	select {
	case <-handle.Done():
	case <-c.ctx.Done():
		handle.Stop()
		return
	}

	c.mu.Lock()
	if gen != c.generation || c.handle != handle {
		c.mu.Unlock()
		return
	}
	c.handle = nil
	c.state = State{}
	c.logger.Debug("playback finished", slog.Int("index", index))
	c.publishLocked()
}

func (c *Controller) fail(gen uint64, index int, err error) {
	c.mu.Lock()
	if gen != c.generation {
		c.mu.Unlock()
		return
	}
	if c.fetchCancel != nil {
		c.fetchCancel()
		c.fetchCancel = nil
	}
	c.state = State{}
	c.publishLocked()

	if errors.Is(err, context.Canceled) {
		return
	}
	if c.failures != nil {
		c.failures.Add(context.Background(), 1)
	}
	c.logger.Warn("playback failed", slog.Int("index", index), slogError(err))
	if c.onError != nil {
		c.onError(index, err)
	}
}

// stopLocked supersedes every outstanding request. Caller holds mu.
func (c *Controller) stopLocked() {
	c.generation++
	if c.fetchCancel != nil {
		c.fetchCancel()
		c.fetchCancel = nil
	}
	if c.handle != nil {
		c.handle.Stop()
		c.handle = nil
	}
	c.state = State{}
}

// publishLocked releases mu and delivers the current state. Observers see
// changes in the order they were made.
func (c *Controller) publishLocked() {
	state := c.state
	observers := make([]func(State), 0, len(c.observers))
	for _, fn := range c.observers {
		observers = append(observers, fn)
	}
	ticket := c.seq.Ticket()
	c.mu.Unlock()
	c.seq.Deliver(ticket, func() {
		for _, fn := range observers {
			fn(state)
		}
	})
}
