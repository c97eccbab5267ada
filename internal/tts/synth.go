// Package tts fetches spoken audio for bot replies and plays it through a
// single playback slot.
package tts

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// Synthesizer is the contract for producing encoded audio.
type Synthesizer interface {
	Synthesize(ctx context.Context, text, voice string) ([]byte, error)
}

// NewSynthesizer selects the backend from mode. remote serves "http".
func NewSynthesizer(mode string, remote Synthesizer) (Synthesizer, error) {
	switch mode {
	case "", "http":
		if remote == nil {
			return nil, fmt.Errorf("http tts requires a remote synthesizer")
		}
		return remote, nil
	case "mock":
		return NewMockSynth(50 * time.Millisecond), nil
	default:
		return nil, fmt.Errorf("unsupported tts mode %q", mode)
	}
}

type mockSynth struct {
	delay time.Duration
}

// NewMockSynth returns a few silent MPEG frame headers after delay.
func NewMockSynth(delay time.Duration) Synthesizer {
	return &mockSynth{delay: delay}
}

func (m *mockSynth) Synthesize(ctx context.Context, text, _ string) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(m.delay):
	}
	audio := make([]byte, 0, 4*(1+len(text)/16))
	for i := 0; i <= len(text)/16; i++ {
		audio = append(audio, 0xff, 0xfb, 0x90, 0x00)
	}
	return audio, nil
}

type cachedSynth struct {
	inner  Synthesizer
	cache  *lru.Cache[string, []byte]
	logger *slog.Logger
	hits   metric.Int64Counter
}

// NewCachedSynthesizer keeps the last size results keyed by md5(text+voice).
func NewCachedSynthesizer(inner Synthesizer, size int, logger *slog.Logger) (Synthesizer, error) {
	cache, err := lru.New[string, []byte](size)
	if err != nil {
		return nil, fmt.Errorf("create tts cache: %w", err)
	}
	s := &cachedSynth{inner: inner, cache: cache, logger: logger.With(slog.String("component", "tts-cache"))}
	meter := otel.Meter("github.com/loqalabs/bookwise/internal/tts")
	if s.hits, err = meter.Int64Counter("bookwise.tts.cache_hits", metric.WithDescription("Speech requests served from cache")); err != nil {
		s.logger.Warn("failed to create metric", slogError(err))
	}
	return s, nil
}

func (s *cachedSynth) Synthesize(ctx context.Context, text, voice string) ([]byte, error) {
	key := cacheKey(text, voice)
	if audio, ok := s.cache.Get(key); ok {
		if s.hits != nil {
			s.hits.Add(ctx, 1)
		}
		s.logger.Debug("speech cache hit", slog.String("key", key))
		return audio, nil
	}
	audio, err := s.inner.Synthesize(ctx, text, voice)
	if err != nil {
		return nil, err
	}
	s.cache.Add(key, audio)
	return audio, nil
}

func cacheKey(text, voice string) string {
	sum := md5.Sum([]byte(text + voice))
	return hex.EncodeToString(sum[:])
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
