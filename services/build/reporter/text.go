// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package reporter renders orchestrator events and run summaries.
package reporter

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/AleutianAI/meridian/services/build/orchestrator"
)

// OutputStyle selects which task output the text reporter prints.
type OutputStyle string

const (
	// OutputAll prints the output of every finished task.
	OutputAll OutputStyle = "all"
	// OutputFailures prints the output of failed tasks only.
	OutputFailures OutputStyle = "failures"
	// OutputNone prints status lines only.
	OutputNone OutputStyle = "none"
)

// Text writes a line per task transition and a closing summary.
type Text struct {
	w      io.Writer
	s      styles
	output OutputStyle
}

// NewText creates a text reporter. Color is used when color is true.
func NewText(w io.Writer, output OutputStyle, color bool) *Text {
	if output == "" {
		output = OutputFailures
	}
	return &Text{w: w, s: newStyles(w, color), output: output}
}

// Consume prints events until the channel is closed.
func (t *Text) Consume(events <-chan orchestrator.Event) {
	for ev := range events {
		t.Handle(ev)
	}
}

// Handle prints one event.
func (t *Text) Handle(ev orchestrator.Event) {
	switch ev.Type {
	case orchestrator.EventStarted:
		fmt.Fprintf(t.w, "%s %s\n", t.s.render(t.s.muted, iconStarted), t.s.render(t.s.muted, ev.Task.ID))
	case orchestrator.EventCompleted:
		if ev.Result != nil {
			t.completed(ev.Result)
		}
	}
}

func (t *Text) completed(res *orchestrator.Result) {
	var detail string
	switch res.Status {
	case orchestrator.StatusCacheHit:
		detail = t.s.render(t.s.muted, fmt.Sprintf("[%s]", res.CacheState))
	case orchestrator.StatusFailure:
		detail = t.s.render(t.s.failure, fmt.Sprintf("exit %d", res.Code))
	case orchestrator.StatusSkipped:
		if res.SkippedBy != "" {
			detail = t.s.render(t.s.muted, fmt.Sprintf("skipped, %s failed", res.SkippedBy))
		} else {
			detail = t.s.render(t.s.muted, "skipped")
		}
	}
	line := fmt.Sprintf("%s %s", t.s.status(res.Status), res.TaskID)
	if res.Duration > 0 && res.Status != orchestrator.StatusSkipped {
		line += " " + t.s.render(t.s.muted, formatDuration(res.Duration))
	}
	if detail != "" {
		line += " " + detail
	}
	fmt.Fprintln(t.w, line)

	if t.printOutput(res) {
		out := strings.TrimRight(res.TerminalOutput, "\n")
		if out != "" {
			fmt.Fprintln(t.w, indent(out, "    "))
		}
	}
}

func (t *Text) printOutput(res *orchestrator.Result) bool {
	switch t.output {
	case OutputAll:
		return res.Status != orchestrator.StatusSkipped
	case OutputFailures:
		return res.Status == orchestrator.StatusFailure
	}
	return false
}

// Summary prints the closing block of a run.
func (t *Text) Summary(target string, s *orchestrator.Summary) {
	total := len(s.Results)
	elapsed := formatDuration(s.End.Sub(s.Start))
	cached := s.Count(orchestrator.StatusCacheHit)

	var b strings.Builder
	if s.ExitCode() == 0 {
		fmt.Fprintf(&b, "%s Ran target %s for %d tasks in %s",
			t.s.render(t.s.success, iconSuccess), target, total, elapsed)
		if cached > 0 {
			fmt.Fprintf(&b, "\n  %d of %d restored from cache", cached, total)
		}
	} else {
		failed := s.IDs(orchestrator.StatusFailure)
		skipped := s.IDs(orchestrator.StatusSkipped)
		fmt.Fprintf(&b, "%s Target %s failed: %d failed, %d skipped of %d tasks in %s",
			t.s.render(t.s.failure, iconFailure), target, len(failed), len(skipped), total, elapsed)
		if len(failed) > 0 {
			b.WriteString("\n\n" + t.s.render(t.s.failure, "Failed tasks:"))
			for _, id := range failed {
				fmt.Fprintf(&b, "\n  - %s", id)
			}
		}
		if len(skipped) > 0 {
			b.WriteString("\n\n" + t.s.render(t.s.warning, "Skipped tasks:"))
			for _, id := range skipped {
				if by := s.Results[id].SkippedBy; by != "" {
					fmt.Fprintf(&b, "\n  - %s (after %s)", id, by)
				} else {
					fmt.Fprintf(&b, "\n  - %s (cancelled)", id)
				}
			}
		}
	}

	if t.s.color {
		fmt.Fprintln(t.w, t.s.box.Render(b.String()))
		return
	}
	fmt.Fprintln(t.w, b.String())
}

// List prints a titled list, one item per line.
func (t *Text) List(title string, items []string) {
	fmt.Fprintln(t.w, t.s.render(t.s.title, title))
	if len(items) == 0 {
		fmt.Fprintln(t.w, t.s.render(t.s.muted, "  (none)"))
		return
	}
	for _, it := range items {
		fmt.Fprintf(t.w, "  %s\n", it)
	}
}

func indent(s, prefix string) string {
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = prefix + l
	}
	return strings.Join(lines, "\n")
}

func formatDuration(d time.Duration) string {
	switch {
	case d < time.Second:
		return fmt.Sprintf("%dms", d.Milliseconds())
	case d < time.Minute:
		return fmt.Sprintf("%.1fs", d.Seconds())
	default:
		return d.Round(time.Second).String()
	}
}
