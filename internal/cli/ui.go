package cli

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/dyike/cortexfeed/internal/ingest"
	"github.com/dyike/cortexfeed/internal/models"
	"github.com/dyike/cortexfeed/internal/provider"
)

// UI styles
var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#7C3AED")).
			Padding(0, 1)

	headerCellStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#3B82F6")).
			Padding(0, 1)

	cellStyle = lipgloss.NewStyle().Padding(0, 1)

	borderStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#6B7280"))

	// Status styles
	pendingStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#6B7280"))

	completedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#10B981")).
			Bold(true)

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#EF4444")).
			Bold(true)

	warnStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#F59E0B"))
)

func renderTable(headers []string, rows [][]string) string {
	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(borderStyle).
		Headers(headers...).
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerCellStyle
			}
			return cellStyle
		})
	return t.String()
}

func statusText(ok bool) string {
	if ok {
		return completedStyle.Render("ok")
	}
	return errorStyle.Render("failed")
}

func renderProviders(list []provider.Descriptor) string {
	rows := make([][]string, 0, len(list))
	for _, d := range list {
		state := completedStyle.Render("enabled")
		switch {
		case d.Disabled:
			state = errorStyle.Render("disabled: " + d.DisabledReason)
		case !d.Enabled:
			state = pendingStyle.Render("off")
		}
		schedule := d.Schedule
		if schedule == "" {
			schedule = "-"
		}
		rows = append(rows, []string{
			d.ID,
			d.Name,
			string(d.Kind),
			state,
			schedule,
			strconv.Itoa(d.RateLimitRPM),
			strconv.Itoa(d.Symbols),
		})
	}
	return renderTable([]string{"ID", "NAME", "KIND", "STATE", "SCHEDULE", "RPM", "SYMBOLS"}, rows)
}

func renderRuns(runs []models.ProviderRun) string {
	rows := make([][]string, 0, len(runs))
	for _, r := range runs {
		rows = append(rows, []string{
			r.ID,
			r.StartedAt.Local().Format(time.DateTime),
			statusText(r.Success),
			fmt.Sprintf("%dms", r.DurationMs),
			strconv.Itoa(r.PriceCount),
			strconv.Itoa(r.NewsCount),
			strconv.Itoa(r.ErrorCount),
		})
	}
	return renderTable([]string{"RUN", "STARTED", "STATUS", "DURATION", "PRICES", "NEWS", "ERRORS"}, rows)
}

func renderSummary(s ingest.Summary) string {
	var b strings.Builder
	b.WriteString(titleStyle.Render(fmt.Sprintf("%s %s", s.SourceID, s.RunID)))
	b.WriteString("\n")
	fmt.Fprintf(&b, "status:    %s", statusText(s.Success))
	if s.Aborted {
		b.WriteString(warnStyle.Render(" (aborted)"))
	}
	if s.DryRun {
		b.WriteString(pendingStyle.Render(" (dry run)"))
	}
	b.WriteString("\n")
	fmt.Fprintf(&b, "symbols:   %d in %d batches\n", s.Symbols, s.Batches)
	fmt.Fprintf(&b, "rows:      %d prices, %d news, %d data\n", s.Prices, s.News, s.Data)
	if s.RagIndexed > 0 {
		fmt.Fprintf(&b, "indexed:   %d\n", s.RagIndexed)
	}
	fmt.Fprintf(&b, "duration:  %dms\n", s.DurationMs)
	for _, e := range s.Errors {
		b.WriteString(errorStyle.Render(fmt.Sprintf("  %s: %s", e.Symbol, e.Message)))
		b.WriteString("\n")
	}
	return b.String()
}

func renderBulk(out ingest.BulkOutcome) string {
	rows := make([][]string, 0, len(out.Outcomes))
	for _, o := range out.Outcomes {
		detail := o.Error
		if o.Summary != nil && detail == "" {
			detail = fmt.Sprintf("%d prices, %d news, %d errors", o.Summary.Prices, o.Summary.News, o.Summary.ErrorCount)
		}
		rows = append(rows, []string{o.SourceID, statusText(o.OK), fmt.Sprintf("%dms", o.DurationMs), detail})
	}
	var b strings.Builder
	b.WriteString(renderTable([]string{"SOURCE", "STATUS", "DURATION", "DETAIL"}, rows))
	fmt.Fprintf(&b, "\n%d succeeded, %d failed in %dms (concurrency %d)\n",
		out.Succeeded, out.Failed, out.DurationMs, out.Concurrency)
	return b.String()
}

func renderProgress(ev ingest.Event) string {
	switch ev.Type {
	case ingest.EventStart:
		return pendingStyle.Render(fmt.Sprintf("started %s: %d symbols in %d batches", ev.RunID, len(ev.Symbols), ev.TotalBatches))
	case ingest.EventProgress:
		if ev.Progress == nil {
			return ""
		}
		return fmt.Sprintf("batch %d/%d done in %dms", ev.Progress.Batch, ev.Progress.TotalBatches, ev.Progress.DurationMs)
	case ingest.EventError:
		return errorStyle.Render("error: " + ev.Error)
	}
	return ""
}
