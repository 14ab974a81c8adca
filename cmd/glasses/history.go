// ABOUTME: history subcommand: list recent chat exchanges from the local journal
// ABOUTME: Text output is one colored line per run; --json prints the records

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/littlebotshi/openclaw-glasses/internal/store"
)

func newHistoryCmd(root *rootOptions) *cobra.Command {
	var (
		limit  int
		asJSON bool
		dbPath string
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent chat exchanges from the journal",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := root.load(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			path := dbPath
			if path == "" {
				path = e.journalPath()
			}
			if _, err := os.Stat(path); os.IsNotExist(err) {
				fmt.Fprintln(cmd.ErrOrStderr(), "no journal yet; set journal.enabled in the config to record chats")
				return nil
			}

			s, err := store.NewSQLiteStore(path)
			if err != nil {
				return fmt.Errorf("opening journal: %w", err)
			}
			defer s.Close()

			runs, err := s.RecentRuns(cmd.Context(), limit)
			if err != nil {
				return err
			}

			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(runs)
			}
			writeHistory(cmd.OutOrStdout(), runs)
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of runs to show")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	cmd.Flags().StringVar(&dbPath, "db", "", "journal database (default from config)")
	return cmd
}

func writeHistory(w io.Writer, runs []*store.Run) {
	if len(runs) == 0 {
		fmt.Fprintln(w, "no runs recorded")
		return
	}
	gray := color.New(color.FgHiBlack)
	for _, r := range runs {
		gray.Fprint(w, r.StartedAt.Local().Format("2006-01-02 15:04:05")+" ")
		fmt.Fprint(w, statusLabel(r.Status)+" ")
		fmt.Fprintf(w, "[%s] %s", r.SessionKey, oneLine(r.Prompt, 60))
		switch {
		case r.Error != "":
			fmt.Fprint(w, color.RedString(" ! %s", oneLine(r.Error, 80)))
		case r.Response != "":
			gray.Fprint(w, " → ")
			fmt.Fprint(w, oneLine(r.Response, 80))
		}
		fmt.Fprintln(w)
	}
}

func statusLabel(status string) string {
	switch status {
	case store.RunStatusOK:
		return color.GreenString("%-11s", status)
	case store.RunStatusNoResponse:
		return color.YellowString("%-11s", status)
	case store.RunStatusTimeout:
		return color.MagentaString("%-11s", status)
	default:
		return color.RedString("%-11s", status)
	}
}

// oneLine collapses whitespace and truncates to max runes.
func oneLine(s string, max int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max-1]) + "…"
}
