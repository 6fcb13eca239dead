package cmd

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/Iron-Ham/swarm/internal/runstate"
	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"
)

var (
	primaryColor = lipgloss.Color("#A78BFA") // Purple
	greenColor   = lipgloss.Color("#10B981")
	amberColor   = lipgloss.Color("#F59E0B")
	redColor     = lipgloss.Color("#F87171")
	mutedColor   = lipgloss.Color("#9CA3AF")

	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(primaryColor)
	headerStyle = lipgloss.NewStyle().Bold(true)
	okStyle     = lipgloss.NewStyle().Foreground(greenColor)
	warnStyle   = lipgloss.NewStyle().Foreground(amberColor)
	errStyle    = lipgloss.NewStyle().Foreground(redColor)
	mutedStyle  = lipgloss.NewStyle().Foreground(mutedColor)
)

const defaultWidth = 100

func isTerminal() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

// terminalWidth returns the width of stdout, or defaultWidth when stdout is
// not a terminal.
func terminalWidth() int {
	if !isTerminal() {
		return defaultWidth
	}
	if w, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil && w > 0 {
		return w
	}
	return defaultWidth
}

func statusStyle(s runstate.Status) lipgloss.Style {
	switch s {
	case runstate.StatusDone:
		return okStyle
	case runstate.StatusBlocked, runstate.StatusHalted:
		return warnStyle
	case runstate.StatusFailed:
		return errStyle
	default:
		return titleStyle
	}
}

// printTable writes rows aligned under a bold header.
func printTable(w io.Writer, header []string, rows [][]string) error {
	var buf strings.Builder
	tw := tabwriter.NewWriter(&buf, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, strings.Join(header, "\t"))
	for _, row := range rows {
		fmt.Fprintln(tw, strings.Join(row, "\t"))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	head, body, _ := strings.Cut(buf.String(), "\n")
	_, err := fmt.Fprintf(w, "%s\n%s", headerStyle.Render(head), body)
	return err
}
