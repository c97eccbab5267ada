// Package chat streams recommendation replies into the transcript.
package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/bookwise/internal/transcript"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// FailureText replaces the bot reply when its stream fails.
const FailureText = "Sorry, I couldn't get a recommendation right now. Please try again."

var (
	ErrEmptyPrompt = errors.New("prompt is empty")
	ErrBusy        = errors.New("a reply is still streaming")
)

// Opener starts a chat request and returns its streaming body.
type Opener interface {
	OpenChatStream(ctx context.Context, prompt string) (io.ReadCloser, error)
}

// Result describes a finished stream.
type Result struct {
	Prompt    string
	Index     int
	BookTitle string
	Chunks    int
	Err       error
	Latency   time.Duration
}

// Hooks let the owner observe the consumer. All are optional. OnSent and the
// first OnLoading(true) run inside Send; the rest run on the streaming
// goroutine.
type Hooks struct {
	OnLoading  func(loading bool)
	OnSent     func(prompt string, userIndex int)
	OnComplete func(Result)
}

// Consumer owns the single in-flight chat stream of one conversation.
type Consumer struct {
	store  *transcript.Store
	opener Opener
	hooks  Hooks
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	loading bool

	streams  metric.Int64Counter
	chunks   metric.Int64Counter
	failures metric.Int64Counter
	latency  metric.Float64Histogram
}

func NewConsumer(parent context.Context, store *transcript.Store, opener Opener, hooks Hooks, logger *slog.Logger) *Consumer {
	ctx, cancel := context.WithCancel(parent)
	c := &Consumer{
		store:  store,
		opener: opener,
		hooks:  hooks,
		logger: logger.With(slog.String("component", "chat-consumer")),
		ctx:    ctx,
		cancel: cancel,
	}
	c.initMetrics()
	return c
}

func (c *Consumer) initMetrics() {
	meter := otel.Meter("github.com/loqalabs/bookwise/internal/chat")
	var err error
	if c.streams, err = meter.Int64Counter("bookwise.chat.streams", metric.WithDescription("Chat streams started")); err != nil {
		c.logger.Warn("failed to create metric", slogError(err))
	}
	if c.chunks, err = meter.Int64Counter("bookwise.chat.chunks", metric.WithDescription("Chunks applied to the transcript")); err != nil {
		c.logger.Warn("failed to create metric", slogError(err))
	}
	if c.failures, err = meter.Int64Counter("bookwise.chat.failures", metric.WithDescription("Chat streams that failed")); err != nil {
		c.logger.Warn("failed to create metric", slogError(err))
	}
	if c.latency, err = meter.Float64Histogram("bookwise.chat.latency", metric.WithUnit("s")); err != nil {
		c.logger.Warn("failed to create metric", slogError(err))
	}
}

// Loading reports whether a stream is in flight.
func (c *Consumer) Loading() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loading
}

// Send appends the user turn and a bot placeholder, then streams the reply
// into the placeholder. It rejects blank prompts and overlapping sends
// without touching the transcript.
func (c *Consumer) Send(prompt string) error {
	if strings.TrimSpace(prompt) == "" {
		return ErrEmptyPrompt
	}

	c.mu.Lock()
	if c.loading {
		c.mu.Unlock()
		return ErrBusy
	}
	c.loading = true
	c.mu.Unlock()
	c.notifyLoading(true)

	first := c.store.Append(
		transcript.Message{Sender: transcript.SenderUser, Text: prompt},
		transcript.Message{Sender: transcript.SenderBot},
	)
	sess := &streamSession{prompt: prompt, target: first + 1, started: time.Now()}
	if c.hooks.OnSent != nil {
		c.hooks.OnSent(prompt, first)
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.run(sess)
	}()
	return nil
}

// Wait blocks until the in-flight stream, if any, has finished.
func (c *Consumer) Wait() { c.wg.Wait() }

// Close abandons any in-flight stream and waits for it to unwind.
func (c *Consumer) Close() {
	c.cancel()
	c.wg.Wait()
}

type streamSession struct {
	prompt  string
	target  int
	title   string
	chunks  int
	started time.Time
}

func (c *Consumer) run(sess *streamSession) {
	c.add(c.streams, 1)

	err := c.consume(sess)
	if err != nil {
		c.add(c.failures, 1)
		c.logger.Warn("chat stream failed", slog.Int("index", sess.target), slogError(err))
		c.replaceText(sess.target, FailureText)
	} else {
		c.logger.Info("chat stream complete",
			slog.Int("index", sess.target),
			slog.Int("chunks", sess.chunks),
			slog.Bool("has_title", sess.title != ""),
			slog.Duration("latency", time.Since(sess.started)))
	}
	if c.latency != nil {
		c.latency.Record(context.Background(), time.Since(sess.started).Seconds(),
			metric.WithAttributes(attribute.Bool("failed", err != nil)))
	}

	c.mu.Lock()
	c.loading = false
	c.mu.Unlock()
	c.notifyLoading(false)

	if c.hooks.OnComplete != nil {
		c.hooks.OnComplete(Result{
			Prompt:    sess.prompt,
			Index:     sess.target,
			BookTitle: sess.title,
			Chunks:    sess.chunks,
			Err:       err,
			Latency:   time.Since(sess.started),
		})
	}
}

// consume folds the stream into the target message and returns the error
// that ended it, if any.
func (c *Consumer) consume(sess *streamSession) error {
	body, err := c.opener.OpenChatStream(c.ctx, sess.prompt)
	if err != nil {
		return fmt.Errorf("open chat stream: %w", err)
	}
	for ev := range Stream(c.ctx, body) {
		switch ev.Kind {
		case EventFragment:
			sess.chunks++
			c.add(c.chunks, 1)
			c.appendText(sess.target, ev.Text)
		case EventTitle:
			sess.chunks++
			c.add(c.chunks, 1)
			if sess.title == "" && c.setTitle(sess.target, ev.Text) {
				sess.title = ev.Text
			}
		case EventError:
			return fmt.Errorf("read chat stream: %w", ev.Err)
		case EventDone:
			return nil
		}
	}
	if err := c.ctx.Err(); err != nil {
		return err
	}
	return errors.New("chat stream closed without completion")
}

func (c *Consumer) appendText(index int, text string) {
	c.update(index, func(m transcript.Message) (transcript.Message, bool) {
		m.Text += text
		return m, true
	})
}

// setTitle keeps the first title of a stream; later ones are ignored.
func (c *Consumer) setTitle(index int, title string) bool {
	changed := c.update(index, func(m transcript.Message) (transcript.Message, bool) {
		if m.Sender != transcript.SenderBot || m.BookTitle != "" {
			return m, false
		}
		m.BookTitle = title
		return m, true
	})
	return changed
}

func (c *Consumer) replaceText(index int, text string) {
	c.update(index, func(m transcript.Message) (transcript.Message, bool) {
		m.Text = text
		return m, true
	})
}

func (c *Consumer) update(index int, fn func(transcript.Message) (transcript.Message, bool)) bool {
	changed, err := c.store.Update(index, fn)
	if err != nil {
		c.logger.Error("transcript update failed", slog.Int("index", index), slogError(err))
	}
	return changed
}

func (c *Consumer) notifyLoading(loading bool) {
	if c.hooks.OnLoading != nil {
		c.hooks.OnLoading(loading)
	}
}

func (c *Consumer) add(counter metric.Int64Counter, n int64) {
	if counter != nil {
		counter.Add(context.Background(), n)
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
