// Package conversation ties the transcript to chat streaming, recording,
// transcription, playback and cover generation for a single conversation.
package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/loqalabs/bookwise/internal/capture"
	"github.com/loqalabs/bookwise/internal/chat"
	"github.com/loqalabs/bookwise/internal/cover"
	"github.com/loqalabs/bookwise/internal/eventstore"
	"github.com/loqalabs/bookwise/internal/notify"
	"github.com/loqalabs/bookwise/internal/stt"
	"github.com/loqalabs/bookwise/internal/transcript"
	"github.com/loqalabs/bookwise/internal/tts"
)

// Hints surfaced to the user when a request is refused.
const (
	HintNothingHeard = "I didn't catch anything. Try recording again."
	HintBusy         = "Still working on the previous reply."
)

var (
	ErrNoMessage    = errors.New("no such message")
	ErrNoImage      = errors.New("message has no image")
	ErrTranscribing = errors.New("a recording is still being transcribed")
)

// State holds the flags a renderer needs besides the transcript.
type State struct {
	Loading      bool
	Transcribing bool
	Recording    bool
	PlayingIndex int
	ModalImage   string
	Hint         string
}

// IsPlaying reports whether index is the message being spoken.
func (s State) IsPlaying(index int) bool { return s.PlayingIndex >= 0 && s.PlayingIndex == index }

// Journal records interaction events.
type Journal interface {
	Record(ctx context.Context, evt eventstore.Event) error
}

// Deps are the collaborators of an App. Journal may be nil.
type Deps struct {
	Store       *transcript.Store
	Opener      chat.Opener
	Recorder    *capture.Recorder
	Transcriber stt.Transcriber
	Synth       tts.Synthesizer
	Player      tts.Player
	Images      cover.Generator
	Voice       string
	Journal     Journal
	SessionID   string
}

// App is the single conversation of a client run.
type App struct {
	deps   Deps
	logger *slog.Logger

	store    *transcript.Store
	consumer *chat.Consumer
	playback *tts.Controller
	covers   *cover.Controller

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	state     State
	observers map[int]func(State)
	nextID    int
	seq       notify.Sequencer
}

func New(parent context.Context, deps Deps, logger *slog.Logger) *App {
	ctx, cancel := context.WithCancel(parent)
	store := deps.Store
	if store == nil {
		store = transcript.NewStore()
	}
	a := &App{
		deps:      deps,
		logger:    logger.With(slog.String("component", "conversation")),
		store:     store,
		ctx:       ctx,
		cancel:    cancel,
		state:     State{PlayingIndex: -1},
		observers: make(map[int]func(State)),
	}
	a.consumer = chat.NewConsumer(ctx, store, deps.Opener, chat.Hooks{
		OnLoading:  a.setLoading,
		OnSent:     a.turnSent,
		OnComplete: a.streamComplete,
	}, logger)
	a.playback = tts.NewController(ctx, deps.Synth, deps.Player, deps.Voice, logger,
		tts.WithErrorHandler(a.playbackFailed))
	a.playback.Subscribe(a.playbackChanged)
	a.covers = cover.NewController(ctx, store, deps.Images, a.coverComplete, logger)
	return a
}

// Transcript exposes the store for renderers.
func (a *App) Transcript() *transcript.Store { return a.store }

func (a *App) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Subscribe registers fn for state changes, delivered in order. fn must not
// call back into App actions.
func (a *App) Subscribe(fn func(State)) func() {
	a.mu.Lock()
	id := a.nextID
	a.nextID++
	a.observers[id] = fn
	a.mu.Unlock()
	return func() {
		a.mu.Lock()
		delete(a.observers, id)
		a.mu.Unlock()
	}
}

// SubmitText sends a typed prompt.
func (a *App) SubmitText(text string) error {
	a.clearHint()
	return a.send(text)
}

func (a *App) send(prompt string) error {
	if err := a.consumer.Send(prompt); err != nil {
		if errors.Is(err, chat.ErrBusy) {
			a.setHint(HintBusy)
		}
		return err
	}
	return nil
}

// StartRecording opens the microphone.
func (a *App) StartRecording(ctx context.Context) error {
	if a.deps.Recorder == nil {
		return capture.ErrMicrophoneUnavailable
	}
	a.mu.Lock()
	transcribing := a.state.Transcribing
	a.mu.Unlock()
	if transcribing {
		return ErrTranscribing
	}
	if err := a.deps.Recorder.Start(ctx); err != nil {
		return err
	}
	a.update(func(s *State) {
		s.Recording = true
		s.Hint = ""
	})
	return nil
}

// StopRecording ends the recording and transcribes it in the background.
// A non-empty transcription is sent as the next prompt.
func (a *App) StopRecording() error {
	if a.deps.Recorder == nil {
		return capture.ErrNotRecording
	}
	res, err := a.deps.Recorder.Stop()
	if err != nil {
		a.update(func(s *State) { s.Recording = false })
		return err
	}
	a.update(func(s *State) {
		s.Recording = false
		s.Transcribing = true
	})

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.transcribe(res)
	}()
	return nil
}

func (a *App) transcribe(res capture.Resource) {
	defer func() {
		if err := res.Remove(); err != nil {
			a.logger.Debug("failed to remove recording", slog.String("path", res.Path), slogError(err))
		}
	}()

	result, err := a.deps.Transcriber.Transcribe(a.ctx, res)
	if err != nil {
		a.logger.Warn("transcription failed", slogError(err))
		index := a.store.Append(transcript.Message{Sender: transcript.SenderBot, Text: stt.FailureText})
		a.journal(eventstore.TypeTranscriptionFailed, index, map[string]any{"error": err.Error()})
		a.update(func(s *State) { s.Transcribing = false })
		return
	}

	a.update(func(s *State) { s.Transcribing = false })
	text := strings.TrimSpace(result.Text)
	if text == "" {
		a.setHint(HintNothingHeard)
		return
	}
	if err := a.send(text); err != nil {
		a.logger.Warn("transcribed prompt not sent", slogError(err))
	}
}

// Play speaks the bot message at index, or stops it when it is already
// playing.
func (a *App) Play(index int) error {
	msg, ok := a.store.Snapshot().At(index)
	if !ok || msg.Sender != transcript.SenderBot || strings.TrimSpace(msg.Text) == "" {
		return fmt.Errorf("%w: %d", ErrNoMessage, index)
	}
	a.playback.Play(msg.Text, index)
	return nil
}

// StopPlayback empties the playback slot.
func (a *App) StopPlayback() { a.playback.Stop() }

// GenerateCover requests art for the message at index. It reports whether
// the request was accepted.
func (a *App) GenerateCover(index int) bool {
	return a.covers.Generate(index)
}

// OpenImage shows the cover of the message at index enlarged.
func (a *App) OpenImage(index int) error {
	msg, ok := a.store.Snapshot().At(index)
	if !ok {
		return fmt.Errorf("%w: %d", ErrNoMessage, index)
	}
	if msg.ImageURL == "" {
		return ErrNoImage
	}
	a.update(func(s *State) { s.ModalImage = msg.ImageURL })
	return nil
}

func (a *App) CloseImage() {
	a.update(func(s *State) { s.ModalImage = "" })
}

// Wait blocks until in-flight streams, transcriptions and cover requests
// have finished. Playback is not waited for.
func (a *App) Wait() {
	a.wg.Wait()
	a.consumer.Wait()
	a.covers.Wait()
}

// Close stops every activity and releases the microphone.
func (a *App) Close() {
	if a.deps.Recorder != nil && a.deps.Recorder.State() == capture.StateRecording {
		if res, err := a.deps.Recorder.Stop(); err == nil {
			_ = res.Remove()
		}
	}
	a.cancel()
	a.wg.Wait()
	a.consumer.Close()
	a.covers.Close()
	a.playback.Close()
}

func (a *App) setLoading(loading bool) {
	a.update(func(s *State) { s.Loading = loading })
}

func (a *App) setHint(hint string) {
	a.update(func(s *State) { s.Hint = hint })
}

func (a *App) clearHint() {
	a.mu.Lock()
	empty := a.state.Hint == ""
	a.mu.Unlock()
	if !empty {
		a.setHint("")
	}
}

func (a *App) playbackChanged(ps tts.State) {
	a.update(func(s *State) {
		if ps.Playing {
			s.PlayingIndex = ps.Index
		} else {
			s.PlayingIndex = -1
		}
	})
}

func (a *App) turnSent(prompt string, index int) {
	a.journal(eventstore.TypeTurnSent, index, map[string]any{"prompt": prompt})
}

func (a *App) streamComplete(r chat.Result) {
	if r.Err != nil {
		a.journal(eventstore.TypeStreamFailed, r.Index, map[string]any{"error": r.Err.Error()})
		return
	}
	a.journal(eventstore.TypeStreamCompleted, r.Index, map[string]any{
		"book_title": r.BookTitle,
		"chunks":     r.Chunks,
		"latency_ms": r.Latency.Milliseconds(),
	})
}

func (a *App) coverComplete(r cover.Result) {
	if r.Err != nil {
		a.journal(eventstore.TypeCoverFailed, r.Index, map[string]any{"book_title": r.BookTitle, "error": r.Err.Error()})
		return
	}
	a.journal(eventstore.TypeCoverGenerated, r.Index, map[string]any{"book_title": r.BookTitle, "image_url": r.ImageURL})
}

func (a *App) playbackFailed(index int, err error) {
	a.journal(eventstore.TypePlaybackFailed, index, map[string]any{"error": err.Error()})
}

// update applies fn under the state lock and notifies observers in order.
func (a *App) update(fn func(*State)) {
	a.mu.Lock()
	before := a.state
	fn(&a.state)
	state := a.state
	if state == before {
		a.mu.Unlock()
		return
	}
	observers := make([]func(State), 0, len(a.observers))
	for _, o := range a.observers {
		observers = append(observers, o)
	}
	ticket := a.seq.Ticket()
	a.mu.Unlock()
	a.seq.Deliver(ticket, func() {
		for _, o := range observers {
			o(state)
		}
	})
}

func (a *App) journal(eventType string, index int, fields map[string]any) {
	if a.deps.Journal == nil {
		return
	}
	payload, err := json.Marshal(fields)
	if err != nil {
		a.logger.Warn("failed to marshal journal payload", slogError(err))
		return
	}
	evt := eventstore.Event{SessionID: a.deps.SessionID, Type: eventType, Index: index, Payload: payload}
	if err := a.deps.Journal.Record(context.Background(), evt); err != nil {
		a.logger.Warn("failed to record journal event", slog.String("type", eventType), slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
