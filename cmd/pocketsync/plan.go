package main

import (
	"fmt"
	"io"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"github.com/openmined/pocketsync/internal/sync"
)

var (
	red    = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	green  = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	yellow = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	cyan   = lipgloss.NewStyle().Foreground(lipgloss.Color("14"))
	gray   = lipgloss.NewStyle().Foreground(lipgloss.Color("242"))
)

func actionStyle(a sync.Action) lipgloss.Style {
	switch {
	case a == sync.ActionConflict:
		return yellow
	case a.IsDelete():
		return red
	case a.IsPush():
		return cyan
	case a.IsPull():
		return green
	default:
		return gray
	}
}

// printPlan writes the pending operations of plan as a table.
func printPlan(w io.Writer, plan sync.Plan) {
	changes := plan.Changes()
	if len(changes) == 0 {
		fmt.Fprintln(w, gray.Render("nothing to sync"))
		return
	}

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Action", "Path", "Local", "Remote", "Size"})
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(false)
	table.SetBorder(false)
	for _, op := range changes {
		size := ""
		if src := op.Source(); src != nil && !src.IsDir() && !op.Action.IsDelete() {
			size = humanize.Bytes(uint64(src.Size))
		}
		path := op.Path
		if op.IsDir() {
			path += "/"
		}
		table.Append([]string{
			actionStyle(op.Action).Render(op.Action.String()),
			path,
			op.LocalStatus.String(),
			op.RemoteStatus.String(),
			size,
		})
	}
	table.Render()
	fmt.Fprintf(w, "%d changes, dry run: nothing was modified\n", len(changes))
}

// printSummary writes one line per conflict and failure, then the totals.
func printSummary(w io.Writer, res *sync.Result) {
	for _, r := range res.Report.Conflicts() {
		line := "conflict " + r.Op.Path
		if r.Artifact != "" {
			line += ": local copy moved to " + r.Artifact
		}
		fmt.Fprintln(w, yellow.Render(line))
	}
	for _, r := range res.Report.Failed() {
		fmt.Fprintln(w, red.Render(fmt.Sprintf("failed %s %s: %v", r.Op.Action, r.Op.Path, r.Err)))
	}

	var pushed, pulled, deleted int
	for _, r := range res.Report.Results() {
		if r.Outcome != sync.OutcomeApplied {
			continue
		}
		switch {
		case r.Op.Action.IsPush():
			pushed++
		case r.Op.Action.IsPull():
			pulled++
		case r.Op.Action.IsDelete():
			deleted++
		}
	}
	counts := res.Report.Counts()
	summary := fmt.Sprintf("%d pushed, %d pulled, %d deleted, %d skipped, %d conflicts, %d failed in %s",
		pushed, pulled, deleted, counts[sync.OutcomeSkipped], counts[sync.OutcomeConflict], counts[sync.OutcomeFailed],
		res.Duration.Round(time.Millisecond))
	if counts[sync.OutcomeFailed] > 0 {
		fmt.Fprintln(w, red.Render(summary))
	} else {
		fmt.Fprintln(w, green.Render(summary))
	}
}
