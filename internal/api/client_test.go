package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/loqalabs/bookwise/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestClient(t *testing.T, r http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return New(config.APIConfig{BaseURL: srv.URL + "/", TimeoutMS: 5000}, newLogger())
}

func TestOpenChatStreamSendsPrompt(t *testing.T) {
	r := chi.NewRouter()
	r.Post(PathChat, func(w http.ResponseWriter, req *http.Request) {
		var body map[string]any
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		if body["prompt"] != "mystery please" || body["advanced_flow"] != true {
			t.Errorf("unexpected body: %v", body)
		}
		_, _ = io.WriteString(w, "Try this.")
	})
	c := newTestClient(t, r)

	stream, err := c.OpenChatStream(context.Background(), "mystery please")
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer stream.Close()
	data, err := io.ReadAll(stream)
	if err != nil {
		t.Fatalf("read stream: %v", err)
	}
	if string(data) != "Try this." {
		t.Fatalf("unexpected body %q", data)
	}
}

func TestErrorDetailIsSurfacedVerbatim(t *testing.T) {
	r := chi.NewRouter()
	r.Post(PathChat, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"detail":"Inappropriate content detected."}`)
	})
	c := newTestClient(t, r)

	_, err := c.OpenChatStream(context.Background(), "bad words")
	apiErr, ok := AsError(err)
	if !ok {
		t.Fatalf("expected *Error, got %v", err)
	}
	if apiErr.StatusCode != http.StatusBadRequest {
		t.Fatalf("unexpected status %d", apiErr.StatusCode)
	}
	if apiErr.Error() != "Inappropriate content detected." {
		t.Fatalf("unexpected detail %q", apiErr.Error())
	}
}

func TestErrorWithoutDetailUsesGenericMessage(t *testing.T) {
	r := chi.NewRouter()
	r.Post(PathImage, func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})
	c := newTestClient(t, r)

	_, err := c.GenerateImage(context.Background(), "Dune", "sand")
	apiErr, ok := AsError(err)
	if !ok {
		t.Fatalf("expected *Error, got %v", err)
	}
	if apiErr.Detail != GenericErrorMessage {
		t.Fatalf("unexpected detail %q", apiErr.Detail)
	}
}

func TestTranscribeUploadsMultipart(t *testing.T) {
	r := chi.NewRouter()
	r.Post(PathSpeechToText, func(w http.ResponseWriter, req *http.Request) {
		file, header, err := req.FormFile("file")
		if err != nil {
			t.Errorf("form file: %v", err)
			http.Error(w, "bad", http.StatusBadRequest)
			return
		}
		defer file.Close()
		data, _ := io.ReadAll(file)
		if header.Filename != "clip.wav" || string(data) != "RIFF" {
			t.Errorf("unexpected upload %q %q", header.Filename, data)
		}
		if lang := req.FormValue("language"); lang != "en" {
			t.Errorf("unexpected language %q", lang)
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"text": "a cosy mystery"})
	})
	c := newTestClient(t, r)

	text, err := c.Transcribe(context.Background(), "clip.wav", strings.NewReader("RIFF"), "en")
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if text != "a cosy mystery" {
		t.Fatalf("unexpected text %q", text)
	}
}

func TestSynthesizeReturnsAudio(t *testing.T) {
	r := chi.NewRouter()
	r.Post(PathTextToSpeech, func(w http.ResponseWriter, req *http.Request) {
		var body speechRequest
		_ = json.NewDecoder(req.Body).Decode(&body)
		if body.Voice != "nova" || body.Text != "hello" {
			t.Errorf("unexpected request %+v", body)
		}
		w.Header().Set("Content-Type", "audio/mpeg")
		_, _ = w.Write([]byte{0xff, 0xfb, 0x90})
	})
	c := newTestClient(t, r)

	audio, err := c.Synthesize(context.Background(), "hello", "nova")
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	if len(audio) != 3 {
		t.Fatalf("unexpected audio length %d", len(audio))
	}
}

func TestGenerateImageRequiresURL(t *testing.T) {
	r := chi.NewRouter()
	r.Post(PathImage, func(w http.ResponseWriter, req *http.Request) {
		var body imageRequest
		_ = json.NewDecoder(req.Body).Decode(&body)
		if body.BookTitle == "Empty" {
			_, _ = io.WriteString(w, `{"image_url":"","revised_prompt":""}`)
			return
		}
		_, _ = io.WriteString(w, `{"image_url":"https://img.example/dune.png","revised_prompt":"desert"}`)
	})
	c := newTestClient(t, r)

	result, err := c.GenerateImage(context.Background(), "Dune", "A desert planet.")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if result.ImageURL != "https://img.example/dune.png" {
		t.Fatalf("unexpected url %q", result.ImageURL)
	}
	if _, err := c.GenerateImage(context.Background(), "Empty", ""); err == nil {
		t.Fatal("expected error for missing image_url")
	}
}
