package main

import (
	"fmt"
	"io"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/jotsync/jotsync/internal/synchronizer"
)

var (
	// https://github.com/muesli/termenv/blob/master/ansicolors.go
	errStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	headStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("14")).Bold(true)
	labelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("248"))
	mutedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("242"))
)

func printReport(w io.Writer, r *synchronizer.Report) {
	if r == nil {
		return
	}

	status := okStyle.Render("completed")
	switch {
	case r.Cancelled:
		status = warnStyle.Render("cancelled")
	case r.State == synchronizer.StateError:
		status = errStyle.Render("failed")
	case len(r.Errors) > 0:
		status = warnStyle.Render("completed with errors")
	}
	took := r.CompletedTime.Sub(r.StartTime).Round(time.Millisecond)
	fmt.Fprintf(w, "%s %s in %s\n", headStyle.Render("sync"), status, took)

	fmt.Fprintf(w, "  %s +%d ~%d -%d\n", labelStyle.Render("local "), r.CreateLocal, r.UpdateLocal, r.DeleteLocal)
	fmt.Fprintf(w, "  %s +%d ~%d -%d\n", labelStyle.Render("remote"), r.CreateRemote, r.UpdateRemote, r.DeleteRemote)
	if r.Conflicts > 0 {
		fmt.Fprintf(w, "  %s %d\n", warnStyle.Render("conflicts"), r.Conflicts)
	}
	if r.Skipped > 0 {
		fmt.Fprintf(w, "  %s %d\n", warnStyle.Render("skipped"), r.Skipped)
	}
	for _, e := range r.Errors {
		fmt.Fprintf(w, "  %s %s\n", errStyle.Render("error"), e.Error())
	}
	if r.Warning != "" {
		fmt.Fprintf(w, "  %s %s\n", warnStyle.Render("warning"), r.Warning)
	}
}

func printTable(w io.Writer, headers []string, rows [][]string) {
	if len(rows) == 0 {
		fmt.Fprintln(w, mutedStyle.Render("(none)"))
		return
	}
	t := table.New().
		Border(lipgloss.HiddenBorder()).
		Headers(headers...).
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return labelStyle.PaddingRight(1)
			}
			return lipgloss.NewStyle().PaddingRight(1)
		})
	fmt.Fprintln(w, t.String())
}

func printField(w io.Writer, label string, value any) {
	fmt.Fprintf(w, "%s %v\n", labelStyle.Render(fmt.Sprintf("%-20s", label+":")), value)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
