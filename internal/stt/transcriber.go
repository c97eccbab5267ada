// Package stt turns finished recordings into prompt text.
package stt

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/loqalabs/bookwise/internal/capture"
	"github.com/loqalabs/bookwise/internal/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// FailureText is appended as a bot message when transcription fails.
const FailureText = "Sorry, I couldn't understand the audio. Please try again."

// Result captures transcriber output.
type Result struct {
	Text    string
	Latency time.Duration
}

// Transcriber abstracts STT backends.
type Transcriber interface {
	Transcribe(ctx context.Context, res capture.Resource) (Result, error)
}

// Uploader sends audio to the remote speech-to-text endpoint.
type Uploader interface {
	Transcribe(ctx context.Context, filename string, audio io.Reader, language string) (string, error)
}

// New selects the backend from cfg.STTMode.
func New(cfg config.APIConfig, uploader Uploader, logger *slog.Logger) (Transcriber, error) {
	switch cfg.STTMode {
	case "", "http":
		return NewHTTPTranscriber(uploader, cfg.Language, logger), nil
	case "mock":
		return NewMockTranscriber(""), nil
	default:
		return nil, fmt.Errorf("unsupported stt mode %q", cfg.STTMode)
	}
}

type httpTranscriber struct {
	uploader Uploader
	language string
	logger   *slog.Logger
	requests metric.Int64Counter
}

func NewHTTPTranscriber(uploader Uploader, language string, logger *slog.Logger) Transcriber {
	t := &httpTranscriber{
		uploader: uploader,
		language: language,
		logger:   logger.With(slog.String("component", "stt")),
	}
	meter := otel.Meter("github.com/loqalabs/bookwise/internal/stt")
	counter, err := meter.Int64Counter("bookwise.stt.transcriptions", metric.WithDescription("Transcription requests"))
	if err != nil {
		t.logger.Warn("failed to create metric", slogError(err))
	}
	t.requests = counter
	return t
}

func (t *httpTranscriber) Transcribe(ctx context.Context, res capture.Resource) (Result, error) {
	started := time.Now()
	file, err := res.Open()
	if err != nil {
		t.record(false)
		return Result{}, fmt.Errorf("open recording: %w", err)
	}
	defer file.Close()

	text, err := t.uploader.Transcribe(ctx, res.Name(), file, t.language)
	if err != nil {
		t.record(false)
		return Result{}, fmt.Errorf("transcribe %s: %w", res.Name(), err)
	}
	t.record(true)
	latency := time.Since(started)
	t.logger.Debug("transcription complete",
		slog.String("file", res.Name()),
		slog.Int("chars", len(text)),
		slog.Duration("latency", latency))
	return Result{Text: text, Latency: latency}, nil
}

func (t *httpTranscriber) record(ok bool) {
	if t.requests != nil {
		t.requests.Add(context.Background(), 1, metric.WithAttributes(attribute.Bool("ok", ok)))
	}
}

type mockTranscriber struct {
	text string
}

// NewMockTranscriber returns text for every recording, or a description of
// the recording when text is empty.
func NewMockTranscriber(text string) Transcriber {
	return &mockTranscriber{text: text}
}

func (m *mockTranscriber) Transcribe(ctx context.Context, res capture.Resource) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	if m.text != "" {
		return Result{Text: m.text}, nil
	}
	return Result{Text: fmt.Sprintf("[mock transcript duration=%s]", res.Duration)}, nil
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
