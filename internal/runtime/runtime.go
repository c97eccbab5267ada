// Package runtime assembles a conversation from configuration and owns its
// process-level services: telemetry, journal, bus and the HTTP surface.
package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/loqalabs/bookwise/internal/api"
	"github.com/loqalabs/bookwise/internal/bus"
	"github.com/loqalabs/bookwise/internal/capture"
	"github.com/loqalabs/bookwise/internal/config"
	"github.com/loqalabs/bookwise/internal/conversation"
	"github.com/loqalabs/bookwise/internal/eventstore"
	"github.com/loqalabs/bookwise/internal/natsserver"
	"github.com/loqalabs/bookwise/internal/router"
	"github.com/loqalabs/bookwise/internal/stt"
	"github.com/loqalabs/bookwise/internal/transcript"
	"github.com/loqalabs/bookwise/internal/tts"
)

// Options customise assembly.
type Options struct {
	Version string
	// OnRecordStart runs whenever a recording starts.
	OnRecordStart func()
	// HTTPClient overrides the client used for the remote API.
	HTTPClient *http.Client
}

type Runtime struct {
	cfg    config.Config
	logger *slog.Logger

	app       *conversation.App
	journal   *eventstore.Store
	sessionID string

	embedded *natsserver.EmbeddedServer
	bus      *bus.Client
	router   *router.Service

	metrics        http.Handler
	httpServer     *http.Server
	telemetryClose func(context.Context) error

	ready     atomic.Bool
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// Open builds every component described by cfg. Call Close when done.
func Open(ctx context.Context, cfg config.Config, logger *slog.Logger, opts Options) (_ *Runtime, err error) {
	r := &Runtime{cfg: cfg, logger: logger.With(slog.String("component", "runtime"))}
	defer func() {
		if err != nil {
			r.Close()
		}
	}()

	r.telemetryClose, r.metrics, err = setupTelemetry(ctx, cfg, opts.Version, logger)
	if err != nil {
		return nil, fmt.Errorf("setup telemetry: %w", err)
	}

	r.journal, err = eventstore.Open(ctx, cfg.EventStore, logger)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	r.sessionID, err = r.journal.StartSession(ctx, cfg.ClientName)
	if err != nil {
		return nil, fmt.Errorf("start journal session: %w", err)
	}

	var apiOpts []api.Option
	if opts.HTTPClient != nil {
		apiOpts = append(apiOpts, api.WithHTTPClient(opts.HTTPClient))
	}
	client := api.New(cfg.API, logger, apiOpts...)

	deps, err := r.buildDeps(cfg, client, logger, opts)
	if err != nil {
		return nil, err
	}
	r.app = conversation.New(context.Background(), deps, logger)

	if cfg.Bus.Enabled {
		if err := r.startBus(ctx, logger); err != nil {
			return nil, err
		}
	}
	if cfg.HTTP.Enabled {
		r.startHTTP()
	}

	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("session", r.sessionID),
		slog.String("api", cfg.API.BaseURL),
		slog.Bool("bus", cfg.Bus.Enabled),
		slog.Bool("http", cfg.HTTP.Enabled))
	return r, nil
}

func (r *Runtime) buildDeps(cfg config.Config, client *api.Client, logger *slog.Logger, opts Options) (conversation.Deps, error) {
	source, err := capture.NewSource(cfg.Capture)
	if err != nil {
		return conversation.Deps{}, fmt.Errorf("capture source: %w", err)
	}
	var recOpts []capture.Option
	if opts.OnRecordStart != nil {
		recOpts = append(recOpts, capture.WithOnStart(opts.OnRecordStart))
	}
	recorder := capture.NewRecorder(cfg.Capture, source, logger, recOpts...)

	transcriber, err := stt.New(cfg.API, client, logger)
	if err != nil {
		return conversation.Deps{}, fmt.Errorf("transcriber: %w", err)
	}

	synth, err := tts.NewSynthesizer(cfg.API.TTSMode, client)
	if err != nil {
		return conversation.Deps{}, fmt.Errorf("synthesizer: %w", err)
	}
	if cfg.Playback.CacheEntries > 0 {
		if synth, err = tts.NewCachedSynthesizer(synth, cfg.Playback.CacheEntries, logger); err != nil {
			return conversation.Deps{}, err
		}
	}
	player, err := tts.NewPlayer(cfg.Playback)
	if err != nil {
		return conversation.Deps{}, fmt.Errorf("player: %w", err)
	}

	var journal conversation.Journal
	if r.journal.Enabled() {
		journal = r.journal
	}
	return conversation.Deps{
		Opener:      client,
		Recorder:    recorder,
		Transcriber: transcriber,
		Synth:       synth,
		Player:      player,
		Images:      client,
		Voice:       cfg.API.Voice,
		Journal:     journal,
		SessionID:   r.sessionID,
	}, nil
}

func (r *Runtime) startBus(ctx context.Context, logger *slog.Logger) error {
	busCfg := r.cfg.Bus
	embedded, err := natsserver.Start(busCfg, logger)
	if err != nil {
		return fmt.Errorf("start embedded nats: %w", err)
	}
	r.embedded = embedded
	if embedded != nil {
		busCfg.Servers = []string{embedded.ClientURL()}
	}

	r.bus, err = bus.Connect(ctx, r.cfg.ClientName, busCfg, logger)
	if err != nil {
		return err
	}
	r.router = router.NewService(context.Background(), r.bus, r.app, logger)
	if err := r.router.Start(); err != nil {
		return fmt.Errorf("start router: %w", err)
	}
	return nil
}

func (r *Runtime) startHTTP() {
	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()
	r.logger.Info("http server listening", slog.String("addr", addr))
}

// App is the conversation driven by this runtime.
func (r *Runtime) App() *conversation.App { return r.app }

// Journal is the interaction journal; it may be disabled.
func (r *Runtime) Journal() *eventstore.Store { return r.journal }

// SessionID identifies this run in the journal.
func (r *Runtime) SessionID() string { return r.sessionID }

// Handler serves health, metrics and the transcript.
func (r *Runtime) Handler() http.Handler {
	mux := chi.NewRouter()
	mux.Use(middleware.Recoverer)
	mux.Get("/healthz", r.handleHealth)
	mux.Get("/readyz", r.handleReady)
	mux.Get("/transcript", r.handleTranscript)
	if r.metrics != nil {
		mux.Method(http.MethodGet, "/metrics", r.metrics)
	}
	return mux
}

// Close shuts everything down. It is safe to call more than once.
func (r *Runtime) Close() {
	r.closeOnce.Do(func() {
		r.ready.Store(false)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if r.httpServer != nil {
			if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
				r.logger.Error("http shutdown error", slog.String("error", err.Error()))
			}
			r.wg.Wait()
		}
		if r.router != nil {
			r.router.Close()
		}
		if r.app != nil {
			r.app.Close()
		}
		r.bus.Close()
		r.embedded.Shutdown()
		if r.journal != nil {
			if err := r.journal.Close(); err != nil {
				r.logger.Error("journal close error", slog.String("error", err.Error()))
			}
		}
		if r.telemetryClose != nil {
			if err := r.telemetryClose(shutdownCtx); err != nil {
				r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
			}
		}
	})
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	ready := r.ready.Load()
	if r.router != nil && !r.router.Healthy() {
		ready = false
	}
	if ready {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

type transcriptResponse struct {
	Version  uint64               `json:"version"`
	Messages []transcript.Message `json:"messages"`
	Loading  bool                 `json:"loading"`
	Playing  int                  `json:"playing_index"`
}

func (r *Runtime) handleTranscript(w http.ResponseWriter, _ *http.Request) {
	if r.app == nil {
		http.Error(w, "not ready", http.StatusServiceUnavailable)
		return
	}
	snap := r.app.Transcript().Snapshot()
	state := r.app.State()
	messages := snap.Messages
	if messages == nil {
		messages = []transcript.Message{}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(transcriptResponse{
		Version:  snap.Version,
		Messages: messages,
		Loading:  state.Loading,
		Playing:  state.PlayingIndex,
	})
}
