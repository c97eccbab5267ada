// Package api talks to the book-recommendation service over HTTP.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/loqalabs/bookwise/internal/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	PathChat         = "/chat/"
	PathSpeechToText = "/audio/speech-to-text"
	PathTextToSpeech = "/audio/text-to-speech"
	PathImage        = "/image/generate"
)

// GenericErrorMessage is used when an error response carries no detail.
const GenericErrorMessage = "Failed to get a response from the server."

const maxErrorBody = 64 << 10

// Error is a non-success response from the service.
type Error struct {
	StatusCode int
	Detail     string
}

func (e *Error) Error() string { return e.Detail }

// AsError reports whether err carries an *Error.
func AsError(err error) (*Error, bool) {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}

type chatRequest struct {
	Prompt       string `json:"prompt"`
	AdvancedFlow bool   `json:"advanced_flow"`
}

type transcriptionResponse struct {
	Text string `json:"text"`
}

type speechRequest struct {
	Text  string `json:"text"`
	Voice string `json:"voice"`
}

type imageRequest struct {
	BookTitle   string `json:"book_title"`
	BookSummary string `json:"book_summary"`
}

// ImageResult is the image-generation response.
type ImageResult struct {
	ImageURL      string `json:"image_url"`
	RevisedPrompt string `json:"revised_prompt"`
}

// Client issues requests against one service base URL.
type Client struct {
	baseURL string
	http    *http.Client
	timeout time.Duration
	tracer  trace.Tracer
	logger  *slog.Logger
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

func New(cfg config.APIConfig, logger *slog.Logger, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http:    &http.Client{},
		timeout: time.Duration(cfg.TimeoutMS) * time.Millisecond,
		tracer:  otel.Tracer("github.com/loqalabs/bookwise/internal/api"),
		logger:  logger.With(slog.String("component", "api-client")),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// OpenChatStream posts prompt and returns the streaming response body once a
// success status has been received. The chat stream has no overall timeout;
// cancel ctx to abandon it.
func (c *Client) OpenChatStream(ctx context.Context, prompt string) (io.ReadCloser, error) {
	ctx, span := c.tracer.Start(ctx, "api.chat.stream")
	body, err := json.Marshal(chatRequest{Prompt: prompt, AdvancedFlow: true})
	if err != nil {
		endSpan(span, err)
		return nil, fmt.Errorf("marshal chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+PathChat, bytes.NewReader(body))
	if err != nil {
		endSpan(span, err)
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/plain")

	resp, err := c.http.Do(req)
	if err != nil {
		endSpan(span, err)
		return nil, fmt.Errorf("do request: %w", err)
	}
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	if !success(resp.StatusCode) {
		defer resp.Body.Close()
		err := parseError(resp)
		endSpan(span, err)
		return nil, err
	}
	return &spanBody{ReadCloser: resp.Body, span: span}, nil
}

// Transcribe uploads one audio file and returns the recognized text.
func (c *Client) Transcribe(ctx context.Context, filename string, audio io.Reader, language string) (string, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	ctx, span := c.tracer.Start(ctx, "api.speech_to_text")

	var payload bytes.Buffer
	writer := multipart.NewWriter(&payload)
	part, err := writer.CreateFormFile("file", filename)
	if err != nil {
		endSpan(span, err)
		return "", fmt.Errorf("create form file: %w", err)
	}
	if _, err := io.Copy(part, audio); err != nil {
		endSpan(span, err)
		return "", fmt.Errorf("copy audio: %w", err)
	}
	if language != "" {
		if err := writer.WriteField("language", language); err != nil {
			endSpan(span, err)
			return "", fmt.Errorf("write field language: %w", err)
		}
	}
	if err := writer.Close(); err != nil {
		endSpan(span, err)
		return "", fmt.Errorf("close writer: %w", err)
	}

	var result transcriptionResponse
	err = c.do(ctx, PathSpeechToText, writer.FormDataContentType(), &payload, func(r io.Reader) error {
		if err := json.NewDecoder(r).Decode(&result); err != nil {
			return fmt.Errorf("decode transcription: %w", err)
		}
		return nil
	})
	endSpan(span, err)
	if err != nil {
		return "", err
	}
	return result.Text, nil
}

// Synthesize returns the raw audio bytes spoken for text.
func (c *Client) Synthesize(ctx context.Context, text, voice string) ([]byte, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	ctx, span := c.tracer.Start(ctx, "api.text_to_speech", trace.WithAttributes(attribute.String("voice", voice)))

	body, err := json.Marshal(speechRequest{Text: text, Voice: voice})
	if err != nil {
		endSpan(span, err)
		return nil, fmt.Errorf("marshal speech request: %w", err)
	}
	var audio []byte
	err = c.do(ctx, PathTextToSpeech, "application/json", bytes.NewReader(body), func(r io.Reader) error {
		data, err := io.ReadAll(r)
		if err != nil {
			return fmt.Errorf("read audio: %w", err)
		}
		if len(data) == 0 {
			return errors.New("empty audio response")
		}
		audio = data
		span.SetAttributes(attribute.Int("audio.bytes", len(data)))
		return nil
	})
	endSpan(span, err)
	if err != nil {
		return nil, err
	}
	return audio, nil
}

// GenerateImage requests a cover for the given book.
func (c *Client) GenerateImage(ctx context.Context, title, summary string) (ImageResult, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	ctx, span := c.tracer.Start(ctx, "api.image.generate")

	body, err := json.Marshal(imageRequest{BookTitle: title, BookSummary: summary})
	if err != nil {
		endSpan(span, err)
		return ImageResult{}, fmt.Errorf("marshal image request: %w", err)
	}
	var result ImageResult
	err = c.do(ctx, PathImage, "application/json", bytes.NewReader(body), func(r io.Reader) error {
		if err := json.NewDecoder(r).Decode(&result); err != nil {
			return fmt.Errorf("decode image response: %w", err)
		}
		if strings.TrimSpace(result.ImageURL) == "" {
			return errors.New("image response missing image_url")
		}
		return nil
	})
	endSpan(span, err)
	if err != nil {
		return ImageResult{}, err
	}
	return result, nil
}

func (c *Client) do(ctx context.Context, path, contentType string, body io.Reader, decode func(io.Reader) error) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()
	c.logger.Debug("api response", slog.String("path", path), slog.Int("status", resp.StatusCode))

	if !success(resp.StatusCode) {
		return parseError(resp)
	}
	return decode(resp.Body)
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.timeout)
}

func success(status int) bool {
	return status >= 200 && status < 300
}

func parseError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	apiErr := &Error{StatusCode: resp.StatusCode, Detail: GenericErrorMessage}
	var payload struct {
		Detail json.RawMessage `json:"detail"`
	}
	if err := json.Unmarshal(data, &payload); err == nil && len(payload.Detail) > 0 {
		var detail string
		if err := json.Unmarshal(payload.Detail, &detail); err == nil && strings.TrimSpace(detail) != "" {
			apiErr.Detail = detail
		}
	}
	return apiErr
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// spanBody ends the chat span once the caller is done with the stream.
type spanBody struct {
	io.ReadCloser
	span trace.Span
	read int64
}

func (b *spanBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	b.read += int64(n)
	if err != nil && !errors.Is(err, io.EOF) {
		b.span.RecordError(err)
		b.span.SetStatus(codes.Error, err.Error())
	}
	return n, err
}

func (b *spanBody) Close() error {
	b.span.SetAttributes(attribute.Int64("stream.bytes", b.read))
	b.span.End()
	return b.ReadCloser.Close()
}
