package metrics

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#89B4FA"))
	labelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#7F849C")).Width(16)
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#A6E3A1"))
	failStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#F38BA8"))
	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#7F849C"))
)

// FormatRecord renders the one-line summary shown after each iteration.
func FormatRecord(r Record) string {
	status := okStyle.Render("ok")
	if !r.Success {
		status = failStyle.Render(fmt.Sprintf("exit %d", r.ExitCode))
	}
	return fmt.Sprintf("#%d %s  %s  %s  in %s · out %s · cache read %s (hit %s)  files %d  %s",
		r.Iteration,
		status,
		r.Model,
		r.Duration(),
		formatInt(r.Usage.InputTokens),
		formatInt(r.Usage.OutputTokens),
		formatInt(r.Usage.CacheReadTokens),
		withPercent(HitRate(r.Usage.CacheReadTokens, r.Usage.InputTokens)),
		r.FilesChanged,
		dimStyle.Render(r.StopReason),
	)
}

// FormatSummary renders the final run summary block.
func FormatSummary(a Aggregate) string {
	var sb strings.Builder

	sb.WriteString(titleStyle.Render("Run summary"))
	sb.WriteString("\n")

	if a.Iterations == 0 {
		row(&sb, "Iterations", "0 recorded")
		row(&sb, "Cache hit rate", a.HitRate())
		return strings.TrimSuffix(sb.String(), "\n")
	}

	row(&sb, "Iterations", fmt.Sprintf("%d (%d succeeded, %.0f%%)", a.Iterations, a.Successes, a.SuccessPercent()))
	row(&sb, "Duration", fmt.Sprintf("total %s, avg %s, min %s, max %s",
		seconds(a.TotalDurationSeconds),
		time.Duration(a.AvgDurationSeconds()*float64(time.Second)).Round(time.Second),
		seconds(a.MinDurationSeconds),
		seconds(a.MaxDurationSeconds),
	))
	row(&sb, "Input tokens", fmt.Sprintf("%s (avg %s)", formatInt(a.Usage.InputTokens), formatInt(int(a.AvgInputTokens()))))
	row(&sb, "Output tokens", fmt.Sprintf("%s (avg %s)", formatInt(a.Usage.OutputTokens), formatInt(int(a.AvgOutputTokens()))))
	row(&sb, "Total tokens", fmt.Sprintf("%s (avg %s)", formatInt(a.Usage.TotalTokens), formatInt(int(a.AvgTotalTokens()))))
	row(&sb, "Cache", fmt.Sprintf("created %s · read %s · hit rate %s",
		formatInt(a.Usage.CacheCreationTokens),
		formatInt(a.Usage.CacheReadTokens),
		withPercent(a.HitRate()),
	))
	row(&sb, "Files changed", fmt.Sprintf("%d (avg %.1f)", a.FilesChanged, a.AvgFilesChanged()))
	row(&sb, "Est. cost", fmt.Sprintf("$%.2f", a.EstimatedCost))

	if len(a.Models) > 1 {
		row(&sb, "By model", "")
		for _, m := range a.Models {
			sb.WriteString(fmt.Sprintf("  %-28s %3d iter  %12s tokens  $%.2f\n",
				m.Model, m.Iterations, formatInt(m.Usage.TotalTokens), m.Cost))
		}
	}

	return strings.TrimSuffix(sb.String(), "\n")
}

func row(sb *strings.Builder, label, value string) {
	sb.WriteString("  ")
	sb.WriteString(labelStyle.Render(label + ":"))
	sb.WriteString(value)
	sb.WriteString("\n")
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

func withPercent(rate string) string {
	if rate == "N/A" {
		return rate
	}
	return rate + "%"
}

// formatInt renders n with thousands separators.
func formatInt(n int) string {
	s := strconv.Itoa(n)
	neg := strings.HasPrefix(s, "-")
	if neg {
		s = s[1:]
	}
	var out []byte
	for i := range s {
		if i > 0 && (len(s)-i)%3 == 0 {
			out = append(out, ',')
		}
		out = append(out, s[i])
	}
	if neg {
		return "-" + string(out)
	}
	return string(out)
}
