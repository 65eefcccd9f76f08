package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/pitabwire/workwell/internal/history"
	"github.com/pitabwire/workwell/internal/observability"
	"github.com/pitabwire/workwell/model"
)

// HistoryExport is the file read by the history command: collection
// metadata plus the raw engagement list as the remote API returns it.
type HistoryExport struct {
	Collections []model.WorkflowCollection `json:"collections"`
	Engagements []model.Engagement         `json:"engagements"`
}

type historyOptions struct {
	year       int
	month      int
	timezone   string
	collection string
}

// NewHistoryCommand creates the history command.
func NewHistoryCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &historyOptions{}

	cmd := &cobra.Command{
		Use:   "history <export-file>",
		Short: "Aggregate exported engagements into a history calendar",
		Long: `Aggregate an exported engagement list into the same calendar the BFF serves.

Without --collection the history spans every ACTIVITY collection engaged
with. With --collection only that collection is shown, including the
questions and answers of each completed workflow.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHistory(rootOpts, opts, cmd, args[0])
		},
	}
	cmd.Flags().IntVar(&opts.year, "year", time.Now().Year(), "calendar year")
	cmd.Flags().IntVar(&opts.month, "month", 0, "restrict to one month (1-12)")
	cmd.Flags().StringVar(&opts.timezone, "tz", "UTC", "IANA timezone engagement days are computed in")
	cmd.Flags().StringVar(&opts.collection, "collection", "", "collection URL or ID to restrict the history to")

	return cmd
}

func runHistory(rootOpts *RootOptions, opts *historyOptions, cmd *cobra.Command, path string) error {
	if opts.month < 0 || opts.month > 12 {
		return WrapExitError(ExitCommandError, fmt.Sprintf("invalid month %d", opts.month), nil)
	}
	loc, err := time.LoadLocation(opts.timezone)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid timezone", err)
	}
	export, err := readExport(path)
	if err != nil {
		return WrapExitError(ExitCommandError, "read export", err)
	}

	byURL := make(map[string]model.WorkflowCollection, len(export.Collections))
	for _, c := range export.Collections {
		byURL[c.URL()] = c
	}

	in := history.Input{
		Year:        opts.year,
		Location:    loc,
		Records:     export.Engagements,
		Loaded:      true,
		Collections: byURL,
	}
	if opts.month != 0 {
		w := history.MonthWindow(opts.year, time.Month(opts.month), loc)
		in.Window = &w
	}

	agg := history.NewAggregator(observability.NewNopMetrics(), rootOpts.logger(cmd))
	var res history.Result
	if opts.collection != "" {
		url, ok := resolveCollection(export.Collections, opts.collection)
		if !ok {
			return WrapExitError(ExitCommandError, "collection "+opts.collection+" is not in the export", nil)
		}
		res = agg.AggregateCollection(url, in)
	} else {
		res = agg.AggregateAll(in)
	}

	if len(res.Missing) > 0 {
		return WrapExitError(ExitFailure, fmt.Sprintf("export lacks metadata for %d collection(s): %v", len(res.Missing), res.Missing), nil)
	}

	w := cmd.OutOrStdout()
	if rootOpts.Format == "json" {
		return writeJSON(w, Response{Status: "ok", Data: res.View})
	}
	printHistory(w, opts.year, res.View, byURL)
	return nil
}

func readExport(path string) (HistoryExport, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return HistoryExport{}, err
	}
	var export HistoryExport
	if err := json.Unmarshal(data, &export); err != nil {
		return HistoryExport{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return export, nil
}

func resolveCollection(collections []model.WorkflowCollection, ref string) (string, bool) {
	for _, c := range collections {
		if c.URL() == ref || c.ID == ref || c.Code == ref {
			return c.URL(), true
		}
	}
	return "", false
}

// printHistory lists each engaged day followed by the month grids that
// contain engagements.
func printHistory(w io.Writer, year int, view model.HistoryView, collections map[string]model.WorkflowCollection) {
	engaged := func(d model.CalendarDay) bool { return len(d.Engagements) > 0 }

	total := 0
	for _, m := range view.Calendar {
		for _, d := range m.DaysInMonth {
			for _, pe := range d.Engagements {
				total++
				name := pe.Collection
				if c, ok := collections[pe.Collection]; ok {
					name = c.Name
				}
				fmt.Fprintf(w, "%s  %s\n", pe.EngagementDate, name)
				for _, cw := range pe.WorkflowsCompleted {
					fmt.Fprintf(w, "    %s\n", cw.Name)
					for _, sa := range cw.StepData {
						fmt.Fprintf(w, "      %s %s\n", sa.Question, sa.Answer)
					}
				}
			}
		}
	}
	if total == 0 {
		fmt.Fprintf(w, "no completed engagements in %d\n", year)
		return
	}

	for _, m := range view.Calendar {
		if !hasEngagements(m) {
			continue
		}
		fmt.Fprintln(w)
		printMonth(w, year, m, engaged)
	}
}

func hasEngagements(m model.CalendarMonth) bool {
	for _, d := range m.DaysInMonth {
		if len(d.Engagements) > 0 {
			return true
		}
	}
	return false
}
