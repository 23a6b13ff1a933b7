package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/ent0n29/voicerelay/internal/app"
	"github.com/ent0n29/voicerelay/internal/journal"
)

func newTranscriptCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "transcript <journal-handle>",
		Short: "Print the journaled turns of one call",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if cfg.DatabaseDriver() == "memory" {
				return fmt.Errorf("DATABASE_URL is not set; transcripts are only kept in a durable journal")
			}
			store, err := app.OpenJournal(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			handle := strings.TrimSpace(args[0])
			rec, err := store.GetSession(cmd.Context(), handle)
			if err != nil {
				return fmt.Errorf("session %s: %w", handle, err)
			}
			turns, err := store.ListTurns(cmd.Context(), handle)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(struct {
					Session journal.SessionRecord `json:"session"`
					Turns   []journal.TurnRecord  `json:"turns"`
				}{rec, turns})
			}
			renderTranscript(out, rec, turns)
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Emit the session and turns as JSON")
	return cmd
}

func renderTranscript(out io.Writer, rec journal.SessionRecord, turns []journal.TurnRecord) {
	fmt.Fprintf(out, "Session %s (key %s, call %s)\n", rec.ID, valueOrDash(rec.SessionKey), valueOrDash(rec.Call.CallSID))
	ended := "in progress"
	if rec.EndedAt != nil {
		ended = rec.EndedAt.Format(time.RFC3339)
	}
	fmt.Fprintf(out, "Started %s, ended %s, %d turn pairs\n", rec.StartedAt.Format(time.RFC3339), ended, rec.TurnPairs)

	rows := make([][]string, 0, len(turns))
	for _, t := range turns {
		content := t.Content
		if t.PIIRedacted {
			content += " [redacted]"
		}
		rows = append(rows, []string{
			fmt.Sprintf("%d", t.Number),
			t.Role,
			content,
			t.CreatedAt.Format("15:04:05"),
		})
	}
	renderTable(out, []string{"#", "Role", "Content", "At"}, rows)
}

func renderTable(out io.Writer, headers []string, rows [][]string) {
	if len(rows) == 0 {
		fmt.Fprintln(out, "No turns recorded.")
		return
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(out)
	if shouldColorize(out) {
		tw.SetStyle(table.StyleColoredDark)
	} else {
		tw.SetStyle(table.StyleRounded)
	}
	tw.Style().Options.SeparateRows = false

	header := make(table.Row, len(headers))
	for i, h := range headers {
		header[i] = h
	}
	tw.AppendHeader(header)
	for _, row := range rows {
		r := make(table.Row, len(row))
		for i, cell := range row {
			r[i] = cell
		}
		tw.AppendRow(r)
	}
	tw.Render()
}

func shouldColorize(writer io.Writer) bool {
	file, ok := writer.(*os.File)
	if !ok {
		return false
	}
	fd := file.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

func valueOrDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}
