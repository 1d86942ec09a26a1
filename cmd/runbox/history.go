package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaninda/runbox/internal/history"
)

var (
	historyConfigPath string
	historyLimit      int
)

var historyCmd = &cobra.Command{
	Use:   "history [session-id]",
	Short: "Show recent sessions, or one session's operations",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd, historyConfigPath)
		if err != nil {
			return err
		}
		logger := newLogger(cfg.Log)
		ws, err := initWorkspace(cfg)
		if err != nil {
			return err
		}
		hs, err := history.Open(ws.HistoryDBPath(), logger)
		if err != nil {
			return fmt.Errorf("opening history store: %w", err)
		}
		defer hs.Close()

		if len(args) == 1 {
			return showSession(hs, args[0])
		}
		return listSessions(hs, historyLimit)
	},
}

func init() {
	historyCmd.Flags().StringVar(&historyConfigPath, "config", "", "path to config file")
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "number of sessions to list")
}

func listSessions(hs *history.Store, limit int) error {
	sessions, err := hs.List(context.Background(), limit)
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		fmt.Println("no sessions recorded")
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tREPOSITORY\tSTATUS\tATTEMPTS\tSTARTED")
	for _, s := range sessions {
		fmt.Fprintf(w, "%s\t%s@%s\t%s\t%d\t%s\n",
			s.ID, s.Origin, short(s.Commit), s.Status, s.Attempts, s.StartedAt.Format(time.RFC3339))
	}
	return w.Flush()
}

func showSession(hs *history.Store, id string) error {
	s, err := hs.Get(context.Background(), id)
	if err != nil {
		return err
	}
	if s == nil {
		return fmt.Errorf("no session %q", id)
	}
	fmt.Printf("session %s: %s\n", s.ID, s.Status)
	fmt.Printf("  repository: %s@%s\n", s.Origin, s.Commit)
	if s.Reason != "" {
		fmt.Printf("  reason: %s\n", s.Reason)
	}
	fmt.Printf("  attempts: %d, cache hit: %t\n", s.Attempts, s.CacheHit)
	for _, r := range s.Results {
		fmt.Printf("  [%d.%d] %s [%s] exit=%d (%s, %dms)\n",
			r.Attempt, r.Seq, r.Command, r.Intent, r.ExitCode, r.Classification, r.DurationMS)
	}
	return nil
}

func short(commit string) string {
	if len(commit) > 8 {
		return commit[:8]
	}
	return commit
}
