package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ricardothe3rd/gazebo-robot-control/internal/config"
	"github.com/ricardothe3rd/gazebo-robot-control/internal/journal"
)

func newJournalCmd() *cobra.Command {
	var (
		configPath string
		kind       string
		session    string
		limit      int
	)

	cmd := &cobra.Command{
		Use:   "journal",
		Short: "List recent link events",
		Long:  "Lists robot link transitions and browser attach/detach events recorded by the relay, newest first.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runJournal(cmd, configPath, kind, session, limit)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "relay.yaml", "path to relay config file")
	cmd.Flags().StringVar(&kind, "kind", "", "filter by kind (upstream, browser)")
	cmd.Flags().StringVar(&session, "session", "", "filter by session ID (defaults to the configured session)")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of events")
	return cmd
}

func runJournal(cmd *cobra.Command, configPath, kind, session string, limit int) error {
	if kind != "" && kind != journal.KindUpstream && kind != journal.KindBrowser {
		return fmt.Errorf("invalid kind %q: must be %s or %s", kind, journal.KindUpstream, journal.KindBrowser)
	}

	cfg, err := config.Load(configPath, true)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if session == "" {
		session = cfg.Session.ID
	}

	db, err := journal.Open(cfg.Journal.Driver, cfg.Journal.DSN)
	if err != nil {
		return err
	}
	if err := journal.AutoMigrate(db); err != nil {
		return err
	}
	events, err := journal.Recent(db, session, kind, limit)
	if err != nil {
		return err
	}
	printEvents(cmd.OutOrStdout(), events)
	return nil
}

func printEvents(out io.Writer, events []journal.LinkEvent) {
	if len(events) == 0 {
		fmt.Fprintln(out, "No events recorded.")
		return
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tKIND\tEVENT\tCONN\tDURATION")
	for _, e := range events {
		conn, dur := "-", "-"
		if e.ConnID != "" {
			conn = e.ConnID
		}
		if e.Event == journal.EventDetach {
			dur = (time.Duration(e.DurationMs) * time.Millisecond).String()
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", e.CreatedAt.Format(time.RFC3339), e.Kind, e.Event, conn, dur)
	}
	w.Flush()
}
