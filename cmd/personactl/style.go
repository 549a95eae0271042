package main

import (
	"io"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
)

// styles renders report lines. Plain output is used unless w is a terminal.
type styles struct {
	enabled bool
	title   lipgloss.Style
	pass    lipgloss.Style
	warn    lipgloss.Style
	fail    lipgloss.Style
	dim     lipgloss.Style
}

func newStyles(w io.Writer) styles {
	s := styles{
		title: lipgloss.NewStyle().Bold(true),
		pass:  lipgloss.NewStyle().Foreground(lipgloss.Color("2")),
		warn:  lipgloss.NewStyle().Foreground(lipgloss.Color("3")),
		fail:  lipgloss.NewStyle().Foreground(lipgloss.Color("1")).Bold(true),
		dim:   lipgloss.NewStyle().Foreground(lipgloss.Color("240")),
	}
	if f, ok := w.(*os.File); ok && os.Getenv("MCPGEN_NO_COLOR") == "" {
		s.enabled = isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
	}
	return s
}

func (s styles) render(st lipgloss.Style, text string) string {
	if !s.enabled {
		return text
	}
	return st.Render(text)
}

func (s styles) Title(text string) string { return s.render(s.title, text) }
func (s styles) Dim(text string) string   { return s.render(s.dim, text) }

// Status renders a PASS/WARN/FAIL/SKIP label.
func (s styles) Status(status string) string {
	label := status
	for len(label) < 4 {
		label += " "
	}
	switch status {
	case "PASS", "OK":
		return s.render(s.pass, label)
	case "WARN":
		return s.render(s.warn, label)
	case "FAIL", "BROKEN":
		return s.render(s.fail, label)
	default:
		return s.render(s.dim, label)
	}
}
