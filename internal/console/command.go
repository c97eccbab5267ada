// Package console renders a conversation as a line-oriented terminal chat.
package console

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Kind of a console command.
type Kind int

const (
	KindSend Kind = iota
	KindRecord
	KindStop
	KindPlay
	KindCover
	KindOpen
	KindClose
	KindHelp
	KindQuit
	KindNone
)

// Command is one parsed input line. Text is set for KindSend, Index for the
// commands that target a message.
type Command struct {
	Kind  Kind
	Text  string
	Index int
}

var ErrUnknownCommand = errors.New("unknown command")

var slashCommands = map[string]Kind{
	"/record": KindRecord,
	"/stop":   KindStop,
	"/play":   KindPlay,
	"/cover":  KindCover,
	"/open":   KindOpen,
	"/close":  KindClose,
	"/help":   KindHelp,
	"/quit":   KindQuit,
	"/exit":   KindQuit,
}

// Parse interprets an input line. Anything that does not start with a slash
// is a prompt; a blank line is KindNone.
func Parse(line string) (Command, error) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return Command{Kind: KindNone}, nil
	}
	if !strings.HasPrefix(trimmed, "/") {
		return Command{Kind: KindSend, Text: trimmed}, nil
	}

	fields := strings.Fields(trimmed)
	kind, ok := slashCommands[strings.ToLower(fields[0])]
	if !ok {
		return Command{}, fmt.Errorf("%w: %s", ErrUnknownCommand, fields[0])
	}
	cmd := Command{Kind: kind}
	switch kind {
	case KindPlay, KindCover, KindOpen:
		if len(fields) != 2 {
			return Command{}, fmt.Errorf("%s needs a message number", fields[0])
		}
		n, err := strconv.Atoi(fields[1])
		if err != nil || n < 1 {
			return Command{}, fmt.Errorf("%s: invalid message number %q", fields[0], fields[1])
		}
		// Messages are shown numbered from 1.
		cmd.Index = n - 1
	default:
		if len(fields) != 1 {
			return Command{}, fmt.Errorf("%s takes no arguments", fields[0])
		}
	}
	return cmd, nil
}

// Help lists the console commands.
const Help = `Type a message to ask for a recommendation.
  /record      start recording a voice message
  /stop        stop recording and send what was said
  /play N      read message N aloud (again to stop)
  /cover N     generate a cover for the book in message N
  /open N      show the cover of message N
  /close       close the cover view
  /quit        leave`
