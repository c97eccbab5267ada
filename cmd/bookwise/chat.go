package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/loqalabs/bookwise/internal/chat"
	"github.com/loqalabs/bookwise/internal/console"
	"github.com/loqalabs/bookwise/internal/conversation"
	"github.com/loqalabs/bookwise/internal/runtime"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Start an interactive conversation",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runChat(cmd, cmd.InOrStdin(), cmd.OutOrStdout())
	},
}

var (
	askCover bool
	askSpeak bool
)

var askCmd = &cobra.Command{
	Use:   "ask PROMPT",
	Short: "Ask once and print the reply",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runAsk(cmd, strings.Join(args, " "), cmd.OutOrStdout())
	},
}

func init() {
	askCmd.Flags().BoolVar(&askCover, "cover", false, "generate a cover for the recommended title")
	askCmd.Flags().BoolVar(&askSpeak, "speak", false, "read the reply aloud")
}

func openRuntime(ctx context.Context, cmd *cobra.Command, opts runtime.Options) (*runtime.Runtime, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	logger := newLogger(cmd.ErrOrStderr(), cfg.Telemetry)
	opts.Version = version
	rt, err := runtime.Open(ctx, cfg, logger, opts)
	if err != nil {
		return nil, fmt.Errorf("start: %w", err)
	}
	return rt, nil
}

func runChat(cmd *cobra.Command, in io.Reader, out io.Writer) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	interactive := false
	if f, ok := in.(*os.File); ok {
		interactive = isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
	}

	printer := console.NewPrinter(out)
	opts := runtime.Options{}
	if interactive {
		opts.OnRecordStart = func() { _, _ = io.WriteString(out, "\a") }
	}
	rt, err := openRuntime(ctx, cmd, opts)
	if err != nil {
		return err
	}
	defer rt.Close()

	app := rt.App()
	unsubSnap := app.Transcript().Subscribe(printer.Snapshot)
	defer unsubSnap()
	unsubState := app.Subscribe(printer.State)
	defer unsubState()

	if interactive {
		printer.Info(console.Help)
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			printer.Finish()
			return nil
		case line, ok := <-lines:
			if !ok {
				// Piped input: let pending replies land before leaving.
				app.Wait()
				printer.Finish()
				return nil
			}
			c, err := console.Parse(line)
			if err != nil {
				printer.Error(err)
				continue
			}
			if c.Kind == console.KindQuit {
				printer.Finish()
				return nil
			}
			if err := dispatch(ctx, app, printer, c); err != nil {
				printer.Error(err)
			}
		}
	}
}

func dispatch(ctx context.Context, app *conversation.App, printer *console.Printer, c console.Command) error {
	switch c.Kind {
	case console.KindSend:
		err := app.SubmitText(c.Text)
		if errors.Is(err, chat.ErrBusy) {
			// The hint is already on screen.
			return nil
		}
		return err
	case console.KindRecord:
		return app.StartRecording(ctx)
	case console.KindStop:
		return app.StopRecording()
	case console.KindPlay:
		return app.Play(c.Index)
	case console.KindCover:
		if !app.GenerateCover(c.Index) {
			printer.Info(fmt.Sprintf("message %d has no title to draw, or a cover is already on its way", c.Index+1))
		}
		return nil
	case console.KindOpen:
		return app.OpenImage(c.Index)
	case console.KindClose:
		app.CloseImage()
		return nil
	case console.KindHelp:
		printer.Info(console.Help)
		return nil
	}
	return nil
}

func runAsk(cmd *cobra.Command, prompt string, out io.Writer) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := openRuntime(ctx, cmd, runtime.Options{})
	if err != nil {
		return err
	}
	defer rt.Close()

	app := rt.App()
	printer := console.NewPrinter(out)
	unsub := app.Transcript().Subscribe(printer.Snapshot)
	defer unsub()

	if err := app.SubmitText(prompt); err != nil {
		return err
	}
	app.Wait()

	snap := app.Transcript().Snapshot()
	index := snap.Len() - 1
	reply, _ := snap.At(index)
	if reply.Text == chat.FailureText {
		printer.Finish()
		return errors.New("no recommendation received")
	}

	if askCover && reply.BookTitle != "" && app.GenerateCover(index) {
		app.Wait()
	}
	if askSpeak {
		if err := speak(ctx, app, index); err != nil {
			printer.Finish()
			return err
		}
	}
	printer.Finish()
	return nil
}

// speak plays the message at index and blocks until playback ends.
func speak(ctx context.Context, app *conversation.App, index int) error {
	done := make(chan struct{})
	started := false
	unsub := app.Subscribe(func(s conversation.State) {
		if s.IsPlaying(index) {
			started = true
			return
		}
		if started && s.PlayingIndex == -1 {
			select {
			case <-done:
			default:
				close(done)
			}
		}
	})
	defer unsub()

	if err := app.Play(index); err != nil {
		return err
	}
	select {
	case <-done:
	case <-ctx.Done():
		app.StopPlayback()
	}
	return nil
}
