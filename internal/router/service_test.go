package router

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/bookwise/internal/api"
	"github.com/loqalabs/bookwise/internal/bus"
	"github.com/loqalabs/bookwise/internal/config"
	"github.com/loqalabs/bookwise/internal/conversation"
	"github.com/loqalabs/bookwise/internal/natsserver"
	"github.com/loqalabs/bookwise/internal/protocol"
	"github.com/loqalabs/bookwise/internal/stt"
	"github.com/loqalabs/bookwise/internal/tts"
	"github.com/nats-io/nats.go"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type replyOpener struct{}

func (replyOpener) OpenChatStream(_ context.Context, _ string) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader("Try Dune.")), nil
}

type noImages struct{}

func (noImages) GenerateImage(context.Context, string, string) (api.ImageResult, error) {
	return api.ImageResult{ImageURL: "https://img.example/x.png"}, nil
}

func startBus(t *testing.T) *bus.Client {
	t.Helper()
	cfg := config.BusConfig{Enabled: true, Embedded: true, Port: -1, ConnectTimeout: 2000}
	srv, err := natsserver.Start(cfg, newLogger())
	if err != nil {
		t.Fatalf("start embedded nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)

	cfg.Servers = []string{srv.ClientURL()}
	client, err := bus.Connect(context.Background(), "bookwise-test", cfg, newLogger())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

func TestSendCommandPublishesSnapshots(t *testing.T) {
	client := startBus(t)
	app := conversation.New(context.Background(), conversation.Deps{
		Opener:      replyOpener{},
		Transcriber: stt.NewMockTranscriber("x"),
		Synth:       tts.NewMockSynth(time.Millisecond),
		Player:      tts.NewMockPlayer(time.Millisecond),
		Images:      noImages{},
	}, newLogger())
	t.Cleanup(app.Close)

	svc := NewService(context.Background(), client, app, newLogger())
	if err := svc.Start(); err != nil {
		t.Fatalf("start router: %v", err)
	}
	t.Cleanup(svc.Close)
	if !svc.Healthy() {
		t.Fatal("expected router healthy")
	}

	snapshots := make(chan protocol.TranscriptSnapshot, 16)
	sub, err := client.Conn().Subscribe(protocol.SubjectTranscriptSnapshot, func(msg *nats.Msg) {
		var snap protocol.TranscriptSnapshot
		if err := json.Unmarshal(msg.Data, &snap); err == nil {
			snapshots <- snap
		}
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	t.Cleanup(func() { _ = sub.Unsubscribe() })
	if err := client.Conn().Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	data, _ := json.Marshal(protocol.SendCommand{Prompt: "sci-fi please"})
	resp, err := client.Conn().Request(protocol.SubjectCommandSend, data, 2*time.Second)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	var reply protocol.CommandReply
	if err := json.Unmarshal(resp.Data, &reply); err != nil || !reply.OK {
		t.Fatalf("unexpected reply %s %v", resp.Data, err)
	}

	deadline := time.After(2 * time.Second)
	for {
		select {
		case snap := <-snapshots:
			if len(snap.Messages) == 2 && snap.Messages[1].Text == "Try Dune." {
				return
			}
		case <-deadline:
			t.Fatal("expected final snapshot with bot reply")
		}
	}
}

func TestCommandErrorsAreReplied(t *testing.T) {
	client := startBus(t)
	app := conversation.New(context.Background(), conversation.Deps{
		Opener:      replyOpener{},
		Transcriber: stt.NewMockTranscriber("x"),
		Synth:       tts.NewMockSynth(time.Millisecond),
		Player:      tts.NewMockPlayer(time.Millisecond),
		Images:      noImages{},
	}, newLogger())
	t.Cleanup(app.Close)

	svc := NewService(context.Background(), client, app, newLogger())
	if err := svc.Start(); err != nil {
		t.Fatalf("start router: %v", err)
	}
	t.Cleanup(svc.Close)

	cases := []struct {
		subject string
		payload any
	}{
		{protocol.SubjectCommandSend, protocol.SendCommand{Prompt: "  "}},
		{protocol.SubjectCommandPlay, protocol.IndexCommand{Index: 4}},
		{protocol.SubjectCommandCover, protocol.IndexCommand{Index: 0}},
		{protocol.SubjectCommandRecordStop, struct{}{}},
	}
	for _, tc := range cases {
		data, _ := json.Marshal(tc.payload)
		resp, err := client.Conn().Request(tc.subject, data, 2*time.Second)
		if err != nil {
			t.Fatalf("%s: request: %v", tc.subject, err)
		}
		var reply protocol.CommandReply
		if err := json.Unmarshal(resp.Data, &reply); err != nil {
			t.Fatalf("%s: decode reply: %v", tc.subject, err)
		}
		if reply.OK || reply.Error == "" {
			t.Fatalf("%s: expected rejection, got %+v", tc.subject, reply)
		}
	}
}

func TestCloseWhileStateKeepsChanging(t *testing.T) {
	client := startBus(t)
	app := conversation.New(context.Background(), conversation.Deps{
		Opener:      replyOpener{},
		Transcriber: stt.NewMockTranscriber("x"),
		Synth:       tts.NewMockSynth(0),
		Player:      tts.NewMockPlayer(time.Millisecond),
		Images:      noImages{},
	}, newLogger())
	t.Cleanup(app.Close)
	if err := app.SubmitText("sci-fi please"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	app.Wait()

	for round := 0; round < 20; round++ {
		svc := NewService(context.Background(), client, app, newLogger())
		if err := svc.Start(); err != nil {
			t.Fatalf("start router: %v", err)
		}

		stop := make(chan struct{})
		var churn sync.WaitGroup
		for i := 0; i < 3; i++ {
			churn.Add(1)
			go func() {
				defer churn.Done()
				for {
					select {
					case <-stop:
						return
					default:
					}
					_ = app.Play(1)
				}
			}()
		}

		closed := make(chan struct{})
		go func() {
			svc.Close()
			close(closed)
		}()
		select {
		case <-closed:
		case <-time.After(5 * time.Second):
			t.Fatalf("round %d: router close did not return while state was changing", round)
		}
		close(stop)
		churn.Wait()
	}
}
