package main

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/loqalabs/bookwise/internal/eventstore"
	"github.com/spf13/cobra"
)

var (
	journalSession  string
	journalLimit    int
	journalSessions bool
)

var journalCmd = &cobra.Command{
	Use:   "journal",
	Short: "Show recorded conversation events",
	Args:  cobra.NoArgs,
	RunE:  runJournal,
}

func init() {
	journalCmd.Flags().StringVar(&journalSession, "session", "", "session id (default: latest)")
	journalCmd.Flags().IntVar(&journalLimit, "limit", 100, "maximum rows to print")
	journalCmd.Flags().BoolVar(&journalSessions, "sessions", false, "list sessions instead of events")
}

func runJournal(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cfg.EventStore.RetentionMode == "ephemeral" {
		return errors.New("the journal is disabled (event_store.retention_mode is ephemeral)")
	}
	ctx := cmd.Context()
	store, err := eventstore.Open(ctx, cfg.EventStore, newLogger(cmd.ErrOrStderr(), cfg.Telemetry))
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer store.Close()

	out := cmd.OutOrStdout()
	if journalSessions {
		sessions, err := store.ListSessions(ctx, journalLimit)
		if err != nil {
			return fmt.Errorf("list sessions: %w", err)
		}
		printSessions(out, sessions)
		return nil
	}

	sessionID := journalSession
	if sessionID == "" {
		if sessionID, err = store.LatestSession(ctx); err != nil {
			return err
		}
	}
	events, err := store.ListSessionEvents(ctx, sessionID, journalLimit)
	if err != nil {
		return fmt.Errorf("list events: %w", err)
	}
	printEvents(out, sessionID, events)
	return nil
}

func printSessions(w io.Writer, sessions []eventstore.Session) {
	t := newTable("SESSION", "CLIENT", "STARTED", "EVENTS")
	for _, s := range sessions {
		t.Row(s.ID, s.ClientName, s.StartedAt.Local().Format(time.DateTime), strconv.Itoa(s.Events))
	}
	fmt.Fprintln(w, t.Render())
}

func printEvents(w io.Writer, sessionID string, events []eventstore.Event) {
	fmt.Fprintf(w, "session %s\n", sessionID)
	t := newTable("TIME", "EVENT", "MESSAGE", "DETAILS")
	for _, e := range events {
		t.Row(e.CreatedAt.Local().Format(time.TimeOnly), e.Type, strconv.Itoa(e.Index+1), string(e.Payload))
	}
	fmt.Fprintln(w, t.Render())
}

func newTable(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Faint(true)).
		Headers(headers...)
}
