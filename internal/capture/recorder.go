// Package capture records microphone audio into WAV files.
package capture

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/google/uuid"
	"github.com/loqalabs/bookwise/internal/config"
)

var (
	ErrMicrophoneUnavailable = errors.New("microphone unavailable")
	ErrAlreadyRecording      = errors.New("already recording")
	ErrNotRecording          = errors.New("not recording")
)

// State of a Recorder.
type State int

const (
	StateIdle State = iota
	StateRecording
)

func (s State) String() string {
	if s == StateRecording {
		return "recording"
	}
	return "idle"
}

// Resource is a finished recording on disk.
type Resource struct {
	Path       string
	SampleRate int
	Channels   int
	Duration   time.Duration
	Size       int64
}

// Name is the file name used when uploading the recording.
func (r Resource) Name() string { return filepath.Base(r.Path) }

func (r Resource) Open() (io.ReadCloser, error) { return os.Open(r.Path) }

func (r Resource) Remove() error { return os.Remove(r.Path) }

type Option func(*Recorder)

// WithOnStart registers fn to run each time a recording starts.
func WithOnStart(fn func()) Option {
	return func(r *Recorder) { r.onStart = fn }
}

// Recorder drives one microphone. It holds at most one session at a time.
type Recorder struct {
	cfg     config.CaptureConfig
	source  Source
	logger  *slog.Logger
	onStart func()

	mu      sync.Mutex
	session *session
}

type session struct {
	stream  io.ReadCloser
	buf     bytes.Buffer
	started time.Time
	done    chan struct{}
}

func NewRecorder(cfg config.CaptureConfig, source Source, logger *slog.Logger, opts ...Option) *Recorder {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	if cfg.Channels <= 0 {
		cfg.Channels = 1
	}
	r := &Recorder{
		cfg:    cfg,
		source: source,
		logger: logger.With(slog.String("component", "capture")),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Recorder) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.session != nil {
		return StateRecording
	}
	return StateIdle
}

// Start opens the microphone and begins buffering PCM. The recorder stays
// idle when the source cannot be opened.
func (r *Recorder) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.session != nil {
		return ErrAlreadyRecording
	}
	stream, err := r.source.Open(ctx)
	if err != nil {
		r.logger.Warn("microphone unavailable", slogError(err))
		return fmt.Errorf("%w: %v", ErrMicrophoneUnavailable, err)
	}
	sess := &session{stream: stream, started: time.Now(), done: make(chan struct{})}
	go func() {
		defer close(sess.done)
		// Read errors after Stop closes the stream are expected.
		_, _ = io.Copy(&sess.buf, stream)
	}()
	r.session = sess
	r.logger.Info("recording started")
	if r.onStart != nil {
		r.onStart()
	}
	return nil
}

// Stop ends the session and writes the captured audio as a WAV file.
func (r *Recorder) Stop() (Resource, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess := r.session
	if sess == nil {
		return Resource{}, ErrNotRecording
	}
	r.session = nil

	_ = sess.stream.Close()
	<-sess.done

	res, err := r.writeResource(sess.buf.Bytes())
	if err != nil {
		return Resource{}, err
	}
	r.logger.Info("recording stopped",
		slog.String("path", res.Path),
		slog.Duration("duration", res.Duration),
		slog.Duration("wall", time.Since(sess.started)))
	return res, nil
}

func (r *Recorder) writeResource(pcm []byte) (Resource, error) {
	dir := r.cfg.Directory
	if dir == "" {
		dir = os.TempDir()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Resource{}, fmt.Errorf("create recordings dir: %w", err)
	}
	path := filepath.Join(dir, "recording-"+uuid.NewString()+".wav")
	file, err := os.Create(path)
	if err != nil {
		return Resource{}, fmt.Errorf("create recording: %w", err)
	}
	if err := writePCMToWav(file, pcm, r.cfg.SampleRate, r.cfg.Channels); err != nil {
		file.Close()
		os.Remove(path)
		return Resource{}, err
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return Resource{}, fmt.Errorf("stat recording: %w", err)
	}
	if err := file.Close(); err != nil {
		return Resource{}, fmt.Errorf("close recording: %w", err)
	}
	frames := len(pcm) / (2 * r.cfg.Channels)
	return Resource{
		Path:       path,
		SampleRate: r.cfg.SampleRate,
		Channels:   r.cfg.Channels,
		Duration:   time.Duration(frames) * time.Second / time.Duration(r.cfg.SampleRate),
		Size:       info.Size(),
	}, nil
}

// writePCMToWav encodes s16le PCM. A trailing odd byte is dropped.
func writePCMToWav(file *os.File, pcm []byte, sampleRate, channels int) error {
	pcm = pcm[:len(pcm)-len(pcm)%2]
	buffer := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: channels, SampleRate: sampleRate},
		SourceBitDepth: 16,
	}
	samples := make([]int, len(pcm)/2)
	for i := range samples {
		samples[i] = int(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	buffer.Data = samples

	enc := wav.NewEncoder(file, sampleRate, 16, channels, 1)
	if err := enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
