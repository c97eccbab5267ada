// Package cover requests generated cover art for recommended books.
package cover

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/bookwise/internal/api"
	"github.com/loqalabs/bookwise/internal/transcript"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// Generator produces an image for a book.
type Generator interface {
	GenerateImage(ctx context.Context, title, summary string) (api.ImageResult, error)
}

// Result describes a finished cover request.
type Result struct {
	Index     int
	BookTitle string
	ImageURL  string
	Err       error
	Latency   time.Duration
}

// Controller runs cover requests against transcript messages. Each request
// only ever touches the message it was made for.
type Controller struct {
	store      *transcript.Store
	generator  Generator
	logger     *slog.Logger
	onComplete func(Result)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	requests metric.Int64Counter
	failures metric.Int64Counter
}

func NewController(parent context.Context, store *transcript.Store, generator Generator, onComplete func(Result), logger *slog.Logger) *Controller {
	ctx, cancel := context.WithCancel(parent)
	c := &Controller{
		store:      store,
		generator:  generator,
		logger:     logger.With(slog.String("component", "cover")),
		onComplete: onComplete,
		ctx:        ctx,
		cancel:     cancel,
	}
	meter := otel.Meter("github.com/loqalabs/bookwise/internal/cover")
	var err error
	if c.requests, err = meter.Int64Counter("bookwise.cover.requests", metric.WithDescription("Cover requests accepted")); err != nil {
		c.logger.Warn("failed to create metric", slogError(err))
	}
	if c.failures, err = meter.Int64Counter("bookwise.cover.failures", metric.WithDescription("Cover requests that failed")); err != nil {
		c.logger.Warn("failed to create metric", slogError(err))
	}
	return c
}

// Generate starts a cover request for the message at index. It reports
// whether the request was accepted. Messages that are not bot replies, lack
// a title, already have an image or are already loading are left alone.
func (c *Controller) Generate(index int) bool {
	if c.ctx.Err() != nil {
		return false
	}
	var title, summary string
	accepted, err := c.store.Update(index, func(m transcript.Message) (transcript.Message, bool) {
		if m.Sender != transcript.SenderBot || m.BookTitle == "" || m.ImageLoading || m.ImageURL != "" {
			return m, false
		}
		title, summary = m.BookTitle, m.Text
		m.ImageLoading = true
		return m, true
	})
	if err != nil || !accepted {
		c.logger.Debug("cover request ignored", slog.Int("index", index))
		return false
	}
	if c.requests != nil {
		c.requests.Add(context.Background(), 1)
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.run(index, title, summary)
	}()
	return true
}

func (c *Controller) run(index int, title, summary string) {
	started := time.Now()
	result, err := c.generator.GenerateImage(c.ctx, title, summary)

	_, updateErr := c.store.Update(index, func(m transcript.Message) (transcript.Message, bool) {
		m.ImageLoading = false
		if err == nil {
			m.ImageURL = result.ImageURL
		}
		return m, true
	})
	if updateErr != nil {
		c.logger.Error("transcript update failed", slog.Int("index", index), slogError(updateErr))
	}

	if err != nil {
		if c.failures != nil {
			c.failures.Add(context.Background(), 1)
		}
		c.logger.Warn("cover generation failed", slog.Int("index", index), slog.String("title", title), slogError(err))
	} else {
		c.logger.Info("cover generated", slog.Int("index", index), slog.String("title", title))
	}
	if c.onComplete != nil {
		c.onComplete(Result{
			Index:     index,
			BookTitle: title,
			ImageURL:  result.ImageURL,
			Err:       err,
			Latency:   time.Since(started),
		})
	}
}

// Wait blocks until every accepted request has finished.
func (c *Controller) Wait() { c.wg.Wait() }

// Close abandons outstanding requests and waits for them to unwind.
func (c *Controller) Close() {
	c.cancel()
	c.wg.Wait()
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
