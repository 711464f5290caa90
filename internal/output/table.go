package output

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/pankaj-dahiya-devops/hubsync/internal/models"
)

// ANSI color codes for severity and status output (used when Colored=true).
const (
	ansiReset   = "\033[0m"
	ansiBoldRed = "\033[1;31m"
	ansiRed     = "\033[0;31m"
	ansiYellow  = "\033[0;33m"
	ansiBlue    = "\033[0;34m"
	ansiGreen   = "\033[0;32m"
)

// TableOptions controls how tables are rendered.
type TableOptions struct {
	// Colored wraps severity and status labels with ANSI codes. Default false (CI-safe).
	Colored bool

	// IncludeTrigger adds a TRIGGER column to run tables.
	IncludeTrigger bool
}

// ColorSeverity wraps a severity string with ANSI codes when colored is true.
// When colored is false the string is returned unchanged (CI-safe default).
func ColorSeverity(sev models.Severity, colored bool) string {
	s := string(sev)
	if code := severityCode(sev); colored && code != "" {
		return code + s + ansiReset
	}
	return s
}

// ShortenMessage truncates msg to at most max runes, appending "..." when truncated.
// max is treated as at least 4 to guarantee space for the ellipsis.
func ShortenMessage(msg string, max int) string {
	if max < 4 {
		max = 4
	}
	runes := []rune(msg)
	if len(runes) <= max {
		return msg
	}
	return string(runes[:max-3]) + "..."
}

func severityCode(sev models.Severity) string {
	switch sev {
	case models.SeverityCritical:
		return ansiBoldRed
	case models.SeverityHigh:
		return ansiRed
	case models.SeverityMedium:
		return ansiYellow
	case models.SeverityLow:
		return ansiBlue
	default:
		return ""
	}
}

func statusCode(st models.RunStatus) string {
	switch st {
	case models.RunStatusSucceeded:
		return ansiGreen
	case models.RunStatusPartial, models.RunStatusCancelled:
		return ansiYellow
	case models.RunStatusFailed:
		return ansiRed
	default:
		return ""
	}
}

// paddedCell pads text to width. When code is set, ANSI codes wrap only the
// text; trailing padding stays plain so later columns line up.
func paddedCell(text, code string, width int) string {
	if code == "" {
		return fmt.Sprintf("%-*s", width, text)
	}
	spaces := max(width-len(text), 0)
	return code + text + ansiReset + strings.Repeat(" ", spaces)
}

// truncateField shortens s to at most max bytes for ID/label columns.
func truncateField(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-1] + "~"
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

// RenderRuns writes a table of run summaries to w, one row per run.
//
// Column order:
//
//	RUN ID  [TRIGGER]  STATUS  STARTED  DURATION  REGIONS  SEEN  NEW  CHANGED  FAILED
func RenderRuns(w io.Writer, runs []models.RunMetadata, opts TableOptions) {
	if len(runs) == 0 {
		fmt.Fprintln(w, "No runs.")
		return
	}

	const (
		wID       = 26
		wTrigger  = 9
		wStatus   = 9
		wStarted  = 20
		wDuration = 10
		wRegions  = 7
		wCount    = 7
	)

	var hb strings.Builder
	hb.WriteString(fmt.Sprintf("%-*s", wID, "RUN ID"))
	if opts.IncludeTrigger {
		hb.WriteString(fmt.Sprintf("  %-*s", wTrigger, "TRIGGER"))
	}
	hb.WriteString(fmt.Sprintf("  %-*s  %-*s  %-*s  %-*s", wStatus, "STATUS", wStarted, "STARTED", wDuration, "DURATION", wRegions, "REGIONS"))
	hb.WriteString(fmt.Sprintf("  %-*s  %-*s  %-*s  %s", wCount, "SEEN", wCount, "NEW", wCount, "CHANGED", "FAILED"))
	header := hb.String()

	fmt.Fprintln(w, header)
	fmt.Fprintln(w, strings.Repeat("-", len(header)))

	for _, r := range runs {
		var code string
		if opts.Colored {
			code = statusCode(r.Status)
		}
		var rb strings.Builder
		rb.WriteString(fmt.Sprintf("%-*s", wID, truncateField(r.ID, wID)))
		if opts.IncludeTrigger {
			rb.WriteString(fmt.Sprintf("  %-*s", wTrigger, string(r.Trigger)))
		}
		rb.WriteString("  " + paddedCell(string(r.Status), code, wStatus))
		rb.WriteString(fmt.Sprintf("  %-*s", wStarted, formatTime(r.StartedAt)))
		rb.WriteString(fmt.Sprintf("  %-*s", wDuration, r.Duration().Round(time.Second)))
		regions := fmt.Sprintf("%d/%d", len(r.RegionsSucceeded), len(r.RegionsAttempted))
		rb.WriteString(fmt.Sprintf("  %-*s", wRegions, regions))
		rb.WriteString(fmt.Sprintf("  %-*d  %-*d  %-*d  %d", wCount, r.FindingsSeen, wCount, r.FindingsCreated, wCount, r.ChangesDetected, len(r.RegionsFailed)))
		fmt.Fprintln(w, rb.String())
	}
}

// RenderRunSummary writes a multi-line summary of one run, including every
// failed region with its reason.
func RenderRunSummary(w io.Writer, r *models.RunMetadata, opts TableOptions) {
	status := string(r.Status)
	if code := statusCode(r.Status); opts.Colored && code != "" {
		status = code + status + ansiReset
	}
	fmt.Fprintf(w, "Run %s (%s)\n", r.ID, r.Trigger)
	fmt.Fprintf(w, "  status:     %s\n", status)
	fmt.Fprintf(w, "  started:    %s\n", formatTime(r.StartedAt))
	fmt.Fprintf(w, "  finished:   %s\n", formatTime(r.FinishedAt))
	fmt.Fprintf(w, "  regions:    %d attempted, %d succeeded, %d failed\n",
		len(r.RegionsAttempted), len(r.RegionsSucceeded), len(r.RegionsFailed))
	fmt.Fprintf(w, "  findings:   %d seen, %d new, %d changed\n", r.FindingsSeen, r.FindingsCreated, r.ChangesDetected)
	if r.MalformedSkipped > 0 || r.StorageFailures > 0 {
		fmt.Fprintf(w, "  skipped:    %d malformed, %d storage failures\n", r.MalformedSkipped, r.StorageFailures)
	}
	if r.Error != "" {
		fmt.Fprintf(w, "  error:      %s\n", r.Error)
	}
	for _, f := range r.RegionsFailed {
		fmt.Fprintf(w, "  ! %-15s %s\n", f.Region, ShortenMessage(f.Reason, 80))
	}
}

// RenderFinding writes the canonical record of one finding as aligned
// key/value lines.
func RenderFinding(w io.Writer, f *models.Finding, opts TableOptions) {
	rows := [][2]string{
		{"id", f.ID},
		{"title", f.Title},
		{"severity", ColorSeverity(f.Severity, opts.Colored)},
		{"status", string(f.Status)},
		{"workflow", string(f.Workflow)},
		{"compliance", string(f.Compliance)},
		{"verification", string(f.Verification)},
		{"product", f.ProductName},
		{"account", f.AccountID},
		{"region", f.Region},
		{"resources", strings.Join(f.ResourceIDs, ", ")},
		{"remediation", f.RemediationText},
		{"first seen", formatTime(f.FirstSeenAt)},
		{"last updated", formatTime(f.LastUpdatedAt)},
	}
	for _, row := range rows {
		if row[1] == "" {
			continue
		}
		fmt.Fprintf(w, "%-13s %s\n", row[0]+":", row[1])
	}
}

// RenderHistory writes one line per change, oldest first, listing each
// changed field as "field: old -> new".
func RenderHistory(w io.Writer, entries []models.HistoryEntry) {
	if len(entries) == 0 {
		fmt.Fprintln(w, "No history.")
		return
	}

	const (
		wTime = 20
		wRun  = 26
	)
	header := fmt.Sprintf("%-*s  %-*s  %s", wTime, "CHANGED AT", wRun, "RUN ID", "CHANGES")
	fmt.Fprintln(w, header)
	fmt.Fprintln(w, strings.Repeat("-", len(header)))

	for _, e := range entries {
		run := e.RunID
		if run == "" {
			run = "-"
		}
		fmt.Fprintf(w, "%-*s  %-*s  %s\n", wTime, formatTime(e.ChangedAt), wRun, truncateField(run, wRun), describeChanges(e))
	}
}

func describeChanges(e models.HistoryEntry) string {
	if e.Created {
		return "first observed"
	}
	fields := make([]string, 0, len(e.Changes))
	for name := range e.Changes {
		fields = append(fields, name)
	}
	sort.Strings(fields)

	parts := make([]string, 0, len(fields))
	for _, name := range fields {
		c := e.Changes[name]
		parts = append(parts, fmt.Sprintf("%s: %s -> %s", name, orDash(c.Old), orDash(c.New)))
	}
	return strings.Join(parts, "; ")
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
