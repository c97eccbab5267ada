package console

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"github.com/loqalabs/bookwise/internal/chat"
	"github.com/loqalabs/bookwise/internal/conversation"
	"github.com/loqalabs/bookwise/internal/stt"
	"github.com/loqalabs/bookwise/internal/transcript"
)

var (
	colorUser  = lipgloss.Color("#6b93b5")
	colorBot   = lipgloss.Color("#93b56b")
	colorTitle = lipgloss.Color("#f5b761")
	colorError = lipgloss.Color("#d95f5f")
	colorMuted = lipgloss.Color("#83715f")
	colorFocus = lipgloss.Color("#eb8755")
)

type styles struct {
	user  lipgloss.Style
	bot   lipgloss.Style
	title lipgloss.Style
	err   lipgloss.Style
	muted lipgloss.Style
	modal lipgloss.Style
}

func newStyles(r *lipgloss.Renderer) styles {
	return styles{
		user:  r.NewStyle().Bold(true).Foreground(colorUser),
		bot:   r.NewStyle().Bold(true).Foreground(colorBot),
		title: r.NewStyle().Italic(true).Foreground(colorTitle),
		err:   r.NewStyle().Foreground(colorError),
		muted: r.NewStyle().Faint(true).Foreground(colorMuted),
		modal: r.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(colorFocus).Padding(0, 1),
	}
}

type messageView struct {
	text    string
	titled  bool
	loading bool
	image   string
}

// Printer writes transcript snapshots and state changes as they happen.
// Streaming text is written incrementally on the message's line.
type Printer struct {
	mu    sync.Mutex
	out   io.Writer
	st    styles
	seen  []messageView
	open  int
	state conversation.State
}

func NewPrinter(out io.Writer) *Printer {
	return &Printer{
		out:   out,
		st:    newStyles(lipgloss.NewRenderer(out)),
		open:  -1,
		state: conversation.State{PlayingIndex: -1},
	}
}

// Snapshot prints what changed since the previous snapshot.
func (p *Printer) Snapshot(snap transcript.Snapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, m := range snap.Messages {
		if i >= len(p.seen) {
			p.endLine()
			p.printf("%s %s", p.label(i, m.Sender), p.body(m.Text))
			p.seen = append(p.seen, messageView{text: m.Text})
			p.open = i
		} else if v := &p.seen[i]; m.Text != v.text {
			if strings.HasPrefix(m.Text, v.text) {
				if p.open != i {
					p.endLine()
					p.printf("%s %s", p.label(i, m.Sender), p.st.muted.Render("…"))
				}
				p.printf("%s", m.Text[len(v.text):])
			} else {
				p.endLine()
				p.printf("%s %s", p.label(i, m.Sender), p.body(m.Text))
			}
			v.text = m.Text
			p.open = i
		}

		v := &p.seen[i]
		if m.BookTitle != "" && !v.titled {
			v.titled = true
			p.endLine()
			p.println("    " + p.st.title.Render("📖 "+m.BookTitle) + p.st.muted.Render(fmt.Sprintf("  (/cover %d, /play %d)", i+1, i+1)))
		}
		if m.ImageLoading && !v.loading {
			p.endLine()
			p.println("    " + p.st.muted.Render(fmt.Sprintf("drawing a cover for message %d…", i+1)))
		}
		if !m.ImageLoading && v.loading && m.ImageURL == "" {
			p.endLine()
			p.println("    " + p.st.err.Render(fmt.Sprintf("could not draw a cover for message %d", i+1)))
		}
		v.loading = m.ImageLoading
		if m.ImageURL != "" && m.ImageURL != v.image {
			v.image = m.ImageURL
			p.endLine()
			p.println("    " + p.st.title.Render("cover: ") + m.ImageURL + p.st.muted.Render(fmt.Sprintf("  (/open %d)", i+1)))
		}
	}
}

// State prints changes of the conversation flags.
func (p *Printer) State(s conversation.State) {
	p.mu.Lock()
	defer p.mu.Unlock()
	prev := p.state
	p.state = s

	if s.Recording && !prev.Recording {
		p.notice(p.st.err.Render("● recording") + p.st.muted.Render("  /stop to send"))
	}
	if s.Transcribing && !prev.Transcribing {
		p.notice(p.st.muted.Render("transcribing…"))
	}
	if s.Hint != "" && s.Hint != prev.Hint {
		p.notice(p.st.title.Render(s.Hint))
	}
	if s.PlayingIndex != prev.PlayingIndex {
		if s.PlayingIndex >= 0 {
			p.notice(p.st.muted.Render(fmt.Sprintf("▶ reading message %d aloud", s.PlayingIndex+1)))
		} else {
			p.notice(p.st.muted.Render("■ playback stopped"))
		}
	}
	if s.ModalImage != prev.ModalImage {
		if s.ModalImage != "" {
			p.notice(p.st.modal.Render("Cover\n" + s.ModalImage + "\n" + p.st.muted.Render("/close to dismiss")))
		} else {
			p.notice(p.st.muted.Render("cover closed"))
		}
	}
}

// Info prints a neutral line.
func (p *Printer) Info(text string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.notice(text)
}

// Error prints err in the error style.
func (p *Printer) Error(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.notice(p.st.err.Render(err.Error()))
}

// Finish terminates an open line.
func (p *Printer) Finish() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.endLine()
}

func (p *Printer) notice(line string) {
	p.endLine()
	p.println(line)
}

func (p *Printer) label(index int, sender transcript.Sender) string {
	if sender == transcript.SenderUser {
		return p.st.user.Render(fmt.Sprintf("[%d] You:", index+1))
	}
	return p.st.bot.Render(fmt.Sprintf("[%d] Bookwise:", index+1))
}

func (p *Printer) body(text string) string {
	if text == chat.FailureText || text == stt.FailureText {
		return p.st.err.Render(text)
	}
	return text
}

func (p *Printer) endLine() {
	if p.open >= 0 {
		_, _ = io.WriteString(p.out, "\n")
		p.open = -1
	}
}

func (p *Printer) printf(format string, args ...any) {
	_, _ = fmt.Fprintf(p.out, format, args...)
}

func (p *Printer) println(line string) {
	_, _ = io.WriteString(p.out, line+"\n")
}
