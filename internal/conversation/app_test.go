package conversation

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/bookwise/internal/api"
	"github.com/loqalabs/bookwise/internal/capture"
	"github.com/loqalabs/bookwise/internal/config"
	"github.com/loqalabs/bookwise/internal/eventstore"
	"github.com/loqalabs/bookwise/internal/stt"
	"github.com/loqalabs/bookwise/internal/transcript"
	"github.com/loqalabs/bookwise/internal/tts"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

// scriptedOpener replies to every prompt with the same chunks.
type scriptedOpener struct {
	chunks []string
	err    error
}

func (s scriptedOpener) OpenChatStream(_ context.Context, _ string) (io.ReadCloser, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &chunkReader{chunks: append([]string(nil), s.chunks...)}, nil
}

type chunkReader struct{ chunks []string }

func (r *chunkReader) Read(p []byte) (int, error) {
	if len(r.chunks) == 0 {
		return 0, io.EOF
	}
	n := copy(p, r.chunks[0])
	r.chunks = r.chunks[1:]
	return n, nil
}

func (r *chunkReader) Close() error { return nil }

type failingTranscriber struct{}

func (failingTranscriber) Transcribe(context.Context, capture.Resource) (stt.Result, error) {
	return stt.Result{}, &api.Error{StatusCode: 500, Detail: api.GenericErrorMessage}
}

type fixedImages struct{}

func (fixedImages) GenerateImage(_ context.Context, title, _ string) (api.ImageResult, error) {
	return api.ImageResult{ImageURL: "https://img.example/" + title + ".png"}, nil
}

type fixedPCM struct{}

func (fixedPCM) Open(context.Context) (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(make([]byte, 3200))), nil
}

type memoryJournal struct {
	mu     sync.Mutex
	events []eventstore.Event
}

func (j *memoryJournal) Record(_ context.Context, evt eventstore.Event) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.events = append(j.events, evt)
	return nil
}

func (j *memoryJournal) types() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	var out []string
	for _, e := range j.events {
		out = append(out, e.Type)
	}
	return out
}

func newApp(t *testing.T, opener scriptedOpener, transcriber stt.Transcriber, journal Journal) *App {
	t.Helper()
	recorder := capture.NewRecorder(config.CaptureConfig{SampleRate: 16000, Channels: 1, Directory: t.TempDir()}, fixedPCM{}, newLogger())
	app := New(context.Background(), Deps{
		Opener:      opener,
		Recorder:    recorder,
		Transcriber: transcriber,
		Synth:       tts.NewMockSynth(time.Millisecond),
		Player:      tts.NewMockPlayer(time.Hour),
		Images:      fixedImages{},
		Voice:       "nova",
		Journal:     journal,
		SessionID:   "session-1",
	}, newLogger())
	t.Cleanup(app.Close)
	return app
}

var mysteryReply = scriptedOpener{chunks: []string{"Try ", "And Then There Were None", ".", "TITLE::And Then There Were None"}}

func TestTypedTurnThenCoverAndModal(t *testing.T) {
	journal := &memoryJournal{}
	app := newApp(t, mysteryReply, stt.NewMockTranscriber("unused"), journal)

	if err := app.SubmitText("Recommend a mystery novel"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	app.Wait()

	bot, ok := app.Transcript().Snapshot().At(1)
	if !ok || bot.BookTitle != "And Then There Were None" || bot.Text != "Try And Then There Were None." {
		t.Fatalf("unexpected bot message %+v", bot)
	}
	if app.State().Loading {
		t.Fatal("expected loading cleared")
	}

	if err := app.OpenImage(1); !errors.Is(err, ErrNoImage) {
		t.Fatalf("expected ErrNoImage, got %v", err)
	}
	if !app.GenerateCover(1) {
		t.Fatal("expected cover accepted")
	}
	app.Wait()
	if err := app.OpenImage(1); err != nil {
		t.Fatalf("open image: %v", err)
	}
	if got := app.State().ModalImage; got != "https://img.example/And Then There Were None.png" {
		t.Fatalf("unexpected modal %q", got)
	}
	app.CloseImage()
	if app.State().ModalImage != "" {
		t.Fatal("expected modal closed")
	}

	want := []string{eventstore.TypeTurnSent, eventstore.TypeStreamCompleted, eventstore.TypeCoverGenerated}
	got := journal.types()
	if len(got) != len(want) {
		t.Fatalf("unexpected journal %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("unexpected journal %v", got)
		}
	}
}

func TestVoiceTurnSendsTranscription(t *testing.T) {
	app := newApp(t, mysteryReply, stt.NewMockTranscriber("Recommend a mystery novel"), nil)

	if err := app.StartRecording(context.Background()); err != nil {
		t.Fatalf("start recording: %v", err)
	}
	if !app.State().Recording {
		t.Fatal("expected recording flag")
	}
	if err := app.StopRecording(); err != nil {
		t.Fatalf("stop recording: %v", err)
	}
	app.Wait()

	snap := app.Transcript().Snapshot()
	if snap.Len() != 2 {
		t.Fatalf("expected user and bot messages, got %d", snap.Len())
	}
	if snap.Messages[0].Sender != transcript.SenderUser || snap.Messages[0].Text != "Recommend a mystery novel" {
		t.Fatalf("unexpected user message %+v", snap.Messages[0])
	}
	state := app.State()
	if state.Recording || state.Transcribing || state.Loading {
		t.Fatalf("expected flags cleared, got %+v", state)
	}
}

func TestEmptyTranscriptionSendsNothing(t *testing.T) {
	app := newApp(t, mysteryReply, stt.NewMockTranscriber("   "), nil)

	if err := app.StartRecording(context.Background()); err != nil {
		t.Fatalf("start recording: %v", err)
	}
	if err := app.StopRecording(); err != nil {
		t.Fatalf("stop recording: %v", err)
	}
	app.Wait()

	if n := app.Transcript().Len(); n != 0 {
		t.Fatalf("expected no messages, got %d", n)
	}
	state := app.State()
	if state.Hint != HintNothingHeard || state.Transcribing {
		t.Fatalf("unexpected state %+v", state)
	}
}

func TestTranscriptionFailureAppendsMessage(t *testing.T) {
	journal := &memoryJournal{}
	app := newApp(t, mysteryReply, failingTranscriber{}, journal)

	if err := app.StartRecording(context.Background()); err != nil {
		t.Fatalf("start recording: %v", err)
	}
	if err := app.StopRecording(); err != nil {
		t.Fatalf("stop recording: %v", err)
	}
	app.Wait()

	snap := app.Transcript().Snapshot()
	if snap.Len() != 1 || snap.Messages[0].Sender != transcript.SenderBot || snap.Messages[0].Text != stt.FailureText {
		t.Fatalf("unexpected transcript %+v", snap.Messages)
	}
	if app.State().Transcribing {
		t.Fatal("expected transcribing cleared")
	}
	if got := journal.types(); len(got) != 1 || got[0] != eventstore.TypeTranscriptionFailed {
		t.Fatalf("unexpected journal %v", got)
	}
}

func TestStopWithoutRecording(t *testing.T) {
	app := newApp(t, mysteryReply, stt.NewMockTranscriber("x"), nil)
	if err := app.StopRecording(); !errors.Is(err, capture.ErrNotRecording) {
		t.Fatalf("expected ErrNotRecording, got %v", err)
	}
}

func TestPlayTracksIndexAndToggles(t *testing.T) {
	app := newApp(t, mysteryReply, stt.NewMockTranscriber("x"), nil)
	for _, prompt := range []string{"Recommend a mystery novel", "Another one"} {
		if err := app.SubmitText(prompt); err != nil {
			t.Fatalf("submit: %v", err)
		}
		app.Wait()
	}

	if err := app.Play(7); !errors.Is(err, ErrNoMessage) {
		t.Fatalf("expected ErrNoMessage, got %v", err)
	}
	if err := app.Play(1); err != nil {
		t.Fatalf("play: %v", err)
	}
	if !app.State().IsPlaying(1) {
		t.Fatalf("expected index 1 playing, got %+v", app.State())
	}
	if err := app.Play(3); err != nil {
		t.Fatalf("play: %v", err)
	}
	if !app.State().IsPlaying(3) || app.State().IsPlaying(1) {
		t.Fatalf("expected only index 3 playing, got %+v", app.State())
	}
	if err := app.Play(3); err != nil {
		t.Fatalf("play: %v", err)
	}
	waitFor(t, func() bool { return app.State().PlayingIndex == -1 })
}

func TestPlayRefusesUserMessages(t *testing.T) {
	app := newApp(t, mysteryReply, stt.NewMockTranscriber("x"), nil)
	if err := app.SubmitText("Recommend a mystery novel"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	app.Wait()

	if err := app.Play(0); !errors.Is(err, ErrNoMessage) {
		t.Fatalf("expected ErrNoMessage for the user message, got %v", err)
	}
	if got := app.State().PlayingIndex; got != -1 {
		t.Fatalf("expected nothing playing, got %d", got)
	}
}

func TestChatFailureIsJournaled(t *testing.T) {
	journal := &memoryJournal{}
	app := newApp(t, scriptedOpener{err: &api.Error{StatusCode: 500, Detail: api.GenericErrorMessage}}, stt.NewMockTranscriber("x"), journal)
	if err := app.SubmitText("anything"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	app.Wait()

	got := journal.types()
	if len(got) != 2 || got[1] != eventstore.TypeStreamFailed {
		t.Fatalf("unexpected journal %v", got)
	}
}
