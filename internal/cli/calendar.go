package cli

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/pitabwire/workwell/internal/calendar"
	"github.com/pitabwire/workwell/model"
)

// NewCalendarCommand creates the calendar command.
func NewCalendarCommand(rootOpts *RootOptions) *cobra.Command {
	var month int

	cmd := &cobra.Command{
		Use:   "calendar <year>",
		Short: "Print the calendar skeleton for a year",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			year, err := strconv.Atoi(args[0])
			if err != nil || year < 1 || year > 9999 {
				return WrapExitError(ExitCommandError, "invalid year "+strconv.Quote(args[0]), err)
			}
			if month < 0 || month > 12 {
				return WrapExitError(ExitCommandError, fmt.Sprintf("invalid month %d", month), nil)
			}
			return runCalendar(rootOpts, cmd.OutOrStdout(), year, time.Month(month))
		},
	}
	cmd.Flags().IntVarP(&month, "month", "m", 0, "print a single month (1-12)")

	return cmd
}

func runCalendar(opts *RootOptions, w io.Writer, year int, month time.Month) error {
	cal := calendar.Generate(year)
	months := cal[:]
	if month != 0 {
		months = cal[month-1 : month]
	}

	if opts.Format == "json" {
		return writeJSON(w, Response{Status: "ok", Data: months})
	}
	for i, m := range months {
		if i > 0 {
			fmt.Fprintln(w)
		}
		printMonth(w, year, m, nil)
	}
	return nil
}

// printMonth renders a month grid. Days for which marked returns true are
// flagged with an asterisk.
func printMonth(w io.Writer, year int, m model.CalendarMonth, marked func(model.CalendarDay) bool) {
	fmt.Fprintf(w, "%s %d\n", m.MonthName, year)
	fmt.Fprintln(w, "Su  Mo  Tu  We  Th  Fr  Sa")
	for _, week := range calendar.Weeks(m) {
		cells := make([]string, len(week))
		for i, d := range week {
			if d.DayIndex == nil {
				cells[i] = "   "
				continue
			}
			mark := " "
			if marked != nil && marked(d) {
				mark = "*"
			}
			cells[i] = fmt.Sprintf("%2d%s", *d.DayIndex+1, mark)
		}
		fmt.Fprintln(w, strings.TrimRight(strings.Join(cells, " "), " "))
	}
}
