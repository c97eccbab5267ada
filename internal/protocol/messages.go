// Package protocol defines the bus subjects and payloads through which an
// external renderer observes and drives a conversation.
package protocol

import (
	"time"

	"github.com/loqalabs/bookwise/internal/transcript"
)

const (
	SubjectTranscriptSnapshot = "bookwise.transcript.snapshot"
	SubjectPlaybackState      = "bookwise.playback.state"
	SubjectAppState           = "bookwise.state"

	SubjectCommandSend        = "bookwise.cmd.send"
	SubjectCommandPlay        = "bookwise.cmd.play"
	SubjectCommandCover       = "bookwise.cmd.cover"
	SubjectCommandRecordStart = "bookwise.cmd.record.start"
	SubjectCommandRecordStop  = "bookwise.cmd.record.stop"
)

// TranscriptSnapshot is published after every transcript mutation.
type TranscriptSnapshot struct {
	Version   uint64               `json:"version"`
	Messages  []transcript.Message `json:"messages"`
	Timestamp time.Time            `json:"timestamp"`
}

// PlaybackState reports the playback slot. Index is -1 when idle.
type PlaybackState struct {
	Index     int       `json:"index"`
	Playing   bool      `json:"playing"`
	Timestamp time.Time `json:"timestamp"`
}

// AppState mirrors the conversation flags a renderer needs.
type AppState struct {
	Loading      bool      `json:"loading"`
	Transcribing bool      `json:"transcribing"`
	Recording    bool      `json:"recording"`
	PlayingIndex int       `json:"playing_index"`
	ModalImage   string    `json:"modal_image,omitempty"`
	Hint         string    `json:"hint,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// SendCommand submits a typed prompt.
type SendCommand struct {
	Prompt string `json:"prompt"`
}

// IndexCommand targets one transcript message (play, cover).
type IndexCommand struct {
	Index int `json:"index"`
}

// CommandReply answers a command request.
type CommandReply struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}
