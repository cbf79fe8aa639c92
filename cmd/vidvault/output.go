package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/kalambet/vidvault/internal/jobs"
	"github.com/kalambet/vidvault/internal/storage"
)

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorBold   = "\033[1m"
)

func colorize(color, text string) string {
	if noColor {
		return text
	}
	return color + text + colorReset
}

func printSuccess(format string, args ...any) {
	fmt.Fprintln(os.Stderr, colorize(colorGreen, "✓ "+fmt.Sprintf(format, args...)))
}

func printError(format string, args ...any) {
	fmt.Fprintln(os.Stderr, colorize(colorRed, "✗ "+fmt.Sprintf(format, args...)))
}

func printWarning(format string, args ...any) {
	fmt.Fprintln(os.Stderr, colorize(colorYellow, "⚠ "+fmt.Sprintf(format, args...)))
}

func printStatus(label string, format string, args ...any) {
	fmt.Fprintf(os.Stderr, "  %s %s\n", colorize(colorBold, label+":"), fmt.Sprintf(format, args...))
}

func printStep(format string, args ...any) {
	fmt.Fprintln(os.Stderr, colorize(colorCyan, "→ "+fmt.Sprintf(format, args...)))
}

func stateColor(s storage.State) string {
	switch s {
	case storage.StateSuccess:
		return colorGreen
	case storage.StateFailed:
		return colorRed
	case storage.StatePending:
		return colorYellow
	}
	return colorCyan
}

// writeSnapshot prints a job in the multi-line form used by `job show`.
func writeSnapshot(w io.Writer, s jobs.Snapshot) {
	line := func(label, value string) {
		fmt.Fprintf(w, "  %s %s\n", colorize(colorBold, label+":"), value)
	}

	line("Job", s.TaskID)
	line("Video", s.VideoID)
	line("State", colorize(stateColor(s.State), string(s.State))+" ("+s.Status+")")
	line("Message", s.Message)
	line("Created", relTime(s.CreatedAt))
	line("Updated", relTime(s.UpdatedAt))

	if r := s.Result; r != nil {
		line("JSON", r.JSONPath)
		line("Video file", r.VideoPath)
		line("Cover", r.ImagePath)
		if r.ShortCircuited {
			line("Reused", "yes")
		}
		if r.Transcript != nil {
			fmt.Fprintf(w, "\n%s\n", *r.Transcript)
		}
	}
	if e := s.Error; e != nil {
		line("Error", colorize(colorRed, string(e.Kind))+": "+e.Detail)
	}
}

// writeJobRow prints a job as one line of `job list`.
func writeJobRow(w io.Writer, s jobs.Snapshot) {
	id := s.TaskID
	if len(id) > 8 {
		id = id[:8]
	}
	fmt.Fprintf(w, "%s  %-21s  %-12s  %-14s  %s\n",
		colorize(colorCyan, id),
		s.VideoID,
		colorize(stateColor(s.State), string(s.State)),
		relTime(s.UpdatedAt),
		s.Message,
	)
}

func relTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return humanize.Time(t)
}
