// Package router bridges a conversation to the bus: it publishes transcript
// snapshots and state, and dispatches commands from external renderers.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/bookwise/internal/bus"
	"github.com/loqalabs/bookwise/internal/conversation"
	"github.com/loqalabs/bookwise/internal/protocol"
	"github.com/loqalabs/bookwise/internal/transcript"
	"github.com/nats-io/nats.go"
)

// Conversation is the part of conversation.App the router drives.
type Conversation interface {
	Transcript() *transcript.Store
	State() conversation.State
	Subscribe(fn func(conversation.State)) func()
	SubmitText(text string) error
	Play(index int) error
	GenerateCover(index int) bool
	StartRecording(ctx context.Context) error
	StopRecording() error
}

var errCoverIgnored = errors.New("cover request ignored")

type Service struct {
	bus    *bus.Client
	conv   Conversation
	logger *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	subs        []*nats.Subscription
	unsubscribe []func()
	started     bool

	playingMu   sync.Mutex
	lastPlaying int
}

func NewService(parent context.Context, busClient *bus.Client, conv Conversation, logger *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		bus:         busClient,
		conv:        conv,
		logger:      logger.With(slog.String("component", "router")),
		ctx:         ctx,
		cancel:      cancel,
		lastPlaying: -1,
	}
}

func (s *Service) Start() error {
	handlers := map[string]nats.MsgHandler{
		protocol.SubjectCommandSend:        s.handleSend,
		protocol.SubjectCommandPlay:        s.handlePlay,
		protocol.SubjectCommandCover:       s.handleCover,
		protocol.SubjectCommandRecordStart: s.handleRecordStart,
		protocol.SubjectCommandRecordStop:  s.handleRecordStop,
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for subject, handler := range handlers {
		sub, err := s.bus.Conn().Subscribe(subject, handler)
		if err != nil {
			s.drainLocked()
			return fmt.Errorf("subscribe %s: %w", subject, err)
		}
		s.subs = append(s.subs, sub)
	}

	s.unsubscribe = append(s.unsubscribe,
		s.conv.Transcript().Subscribe(s.publishSnapshot),
		s.conv.Subscribe(s.publishState),
	)
	s.started = true
	s.logger.Info("router started", slog.Int("subjects", len(s.subs)))
	return nil
}

// Close stops publishing and drains the command subscriptions. The
// conversation is unsubscribed outside mu since its observers call back into
// the service.
func (s *Service) Close() {
	s.cancel()
	s.mu.Lock()
	unsubscribe := s.unsubscribe
	s.unsubscribe = nil
	s.drainLocked()
	s.started = false
	s.mu.Unlock()

	for _, fn := range unsubscribe {
		fn()
	}
}

func (s *Service) Healthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started && s.bus.Healthy()
}

func (s *Service) drainLocked() {
	for _, sub := range s.subs {
		_ = sub.Drain()
	}
	s.subs = nil
}

func (s *Service) publishSnapshot(snap transcript.Snapshot) {
	msg := protocol.TranscriptSnapshot{
		Version:   snap.Version,
		Messages:  snap.Messages,
		Timestamp: time.Now().UTC(),
	}
	if err := s.bus.PublishJSON(protocol.SubjectTranscriptSnapshot, msg); err != nil {
		s.logger.Warn("failed to publish snapshot", slogError(err))
	}
}

func (s *Service) publishState(state conversation.State) {
	now := time.Now().UTC()
	msg := protocol.AppState{
		Loading:      state.Loading,
		Transcribing: state.Transcribing,
		Recording:    state.Recording,
		PlayingIndex: state.PlayingIndex,
		ModalImage:   state.ModalImage,
		Hint:         state.Hint,
		Timestamp:    now,
	}
	if err := s.bus.PublishJSON(protocol.SubjectAppState, msg); err != nil {
		s.logger.Warn("failed to publish state", slogError(err))
	}

	s.playingMu.Lock()
	changed := state.PlayingIndex != s.lastPlaying
	s.lastPlaying = state.PlayingIndex
	s.playingMu.Unlock()
	if !changed {
		return
	}
	playback := protocol.PlaybackState{Index: state.PlayingIndex, Playing: state.PlayingIndex >= 0, Timestamp: now}
	if err := s.bus.PublishJSON(protocol.SubjectPlaybackState, playback); err != nil {
		s.logger.Warn("failed to publish playback state", slogError(err))
	}
}

func (s *Service) handleSend(msg *nats.Msg) {
	var cmd protocol.SendCommand
	if err := json.Unmarshal(msg.Data, &cmd); err != nil {
		s.reply(msg, fmt.Errorf("decode send command: %w", err))
		return
	}
	s.reply(msg, s.conv.SubmitText(cmd.Prompt))
}

func (s *Service) handlePlay(msg *nats.Msg) {
	var cmd protocol.IndexCommand
	if err := json.Unmarshal(msg.Data, &cmd); err != nil {
		s.reply(msg, fmt.Errorf("decode play command: %w", err))
		return
	}
	s.reply(msg, s.conv.Play(cmd.Index))
}

func (s *Service) handleCover(msg *nats.Msg) {
	var cmd protocol.IndexCommand
	if err := json.Unmarshal(msg.Data, &cmd); err != nil {
		s.reply(msg, fmt.Errorf("decode cover command: %w", err))
		return
	}
	var err error
	if !s.conv.GenerateCover(cmd.Index) {
		err = errCoverIgnored
	}
	s.reply(msg, err)
}

func (s *Service) handleRecordStart(msg *nats.Msg) {
	s.reply(msg, s.conv.StartRecording(s.ctx))
}

func (s *Service) handleRecordStop(msg *nats.Msg) {
	s.reply(msg, s.conv.StopRecording())
}

func (s *Service) reply(msg *nats.Msg, err error) {
	resp := protocol.CommandReply{OK: err == nil}
	if err != nil {
		resp.Error = err.Error()
		s.logger.Debug("command rejected", slog.String("subject", msg.Subject), slogError(err))
	}
	if rerr := s.bus.RespondJSON(msg, resp); rerr != nil {
		s.logger.Warn("failed to reply", slog.String("subject", msg.Subject), slogError(rerr))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
