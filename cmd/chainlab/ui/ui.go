// Package ui renders CLI output: styled messages, tables, and scenario run
// reports.
package ui

import (
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/muesli/termenv"

	"chainlab/internal/daemon/api"
	"chainlab/internal/scenario"
)

// Palette: muted, dark-terminal friendly.
var (
	purple = lipgloss.Color("99")
	green  = lipgloss.Color("76")
	red    = lipgloss.Color("204")
	yellow = lipgloss.Color("214")
	dim    = lipgloss.Color("243")
	faint  = lipgloss.Color("238")
)

var (
	AccentStyle  = lipgloss.NewStyle().Foreground(purple)
	SuccessStyle = lipgloss.NewStyle().Foreground(green)
	ErrorStyle   = lipgloss.NewStyle().Foreground(red)
	WarnStyle    = lipgloss.NewStyle().Foreground(yellow)
	MutedStyle   = lipgloss.NewStyle().Foreground(dim)
	LabelStyle   = lipgloss.NewStyle().Foreground(dim)
	BoldStyle    = lipgloss.NewStyle().Bold(true)
)

// Configure picks a color profile. Plain output is forced when requested,
// when stdout is not a terminal, or in CI.
func Configure(plain bool) {
	if plain || os.Getenv("CI") != "" || os.Getenv("TERM") == "dumb" {
		lipgloss.SetColorProfile(termenv.Ascii)
		return
	}
	lipgloss.SetColorProfile(termenv.ColorProfile())
}

func SuccessMsg(format string, a ...any) string {
	return SuccessStyle.Render("✓") + " " + fmt.Sprintf(format, a...)
}

func ErrorMsg(format string, a ...any) string {
	return ErrorStyle.Render("✗") + " " + fmt.Sprintf(format, a...)
}

func InfoMsg(format string, a ...any) string {
	return AccentStyle.Render("●") + " " + fmt.Sprintf(format, a...)
}

// Status styles a run status by how good the news is.
func Status(s scenario.Status) string {
	switch s {
	case scenario.StatusSucceeded:
		return SuccessStyle.Render(string(s))
	case scenario.StatusFailed:
		return ErrorStyle.Render(string(s))
	case scenario.StatusAborted:
		return WarnStyle.Render(string(s))
	default:
		return MutedStyle.Render(string(s))
	}
}

func Outcome(o scenario.Outcome) string {
	switch o {
	case scenario.OutcomeOK:
		return SuccessStyle.Render("ok")
	case scenario.OutcomeAssertionFailed:
		return ErrorStyle.Render("assertion failed")
	default:
		return ErrorStyle.Render("error")
	}
}

// Pair is a key plus a rendered value for KeyValues.
type Pair struct {
	key   string
	value string
}

func KV(key, value string) Pair { return Pair{key: key, value: value} }

// KeyValues renders aligned "key:  value" lines with a trailing newline.
func KeyValues(indent string, pairs ...Pair) string {
	maxLen := 0
	for _, p := range pairs {
		if len(p.key) > maxLen {
			maxLen = len(p.key)
		}
	}
	var sb strings.Builder
	for _, p := range pairs {
		label := fmt.Sprintf("%-*s", maxLen+1, p.key+":")
		sb.WriteString(indent + LabelStyle.Render(label) + " " + p.value + "\n")
	}
	return sb.String()
}

// Table renders a styled table with rounded borders.
func Table(headers []string, rows [][]string) string {
	headerStyle := lipgloss.NewStyle().
		Foreground(purple).
		Bold(true).
		Padding(0, 1)
	cellStyle := lipgloss.NewStyle().Padding(0, 1)
	oddStyle := cellStyle.Foreground(dim)

	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(faint)).
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row == table.HeaderRow:
				return headerStyle
			case row%2 == 0:
				return cellStyle
			default:
				return oddStyle
			}
		}).
		Headers(headers...).
		Rows(rows...)
	return t.String()
}

// RunReport renders a full scenario run report: header, per-step table, and
// the run-level error when there is one.
func RunReport(report *api.RunReport) string {
	var sb strings.Builder
	sb.WriteString(BoldStyle.Render(report.Scenario) + "\n")
	sb.WriteString(KeyValues("  ",
		KV("run", report.ID),
		KV("workspace", report.WorkspaceID),
		KV("status", Status(report.Status)),
	))

	if report.Error != "" {
		sb.WriteString("\n" + ErrorMsg("%s", report.Error) + "\n")
	}
	if len(report.Steps) == 0 {
		return sb.String()
	}

	rows := make([][]string, 0, len(report.Steps))
	for _, step := range report.Steps {
		detail := step.Detail
		if step.Description != "" {
			detail = step.Description + ": " + detail
		}
		rows = append(rows, []string{
			fmt.Sprintf("%d", step.Index),
			string(step.Kind),
			Outcome(step.Outcome),
			fmt.Sprintf("%d", step.GasUsed),
			detail,
		})
	}
	sb.WriteString("\n" + Table([]string{"#", "kind", "outcome", "gas", "detail"}, rows) + "\n")
	return sb.String()
}
