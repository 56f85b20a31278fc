package tui

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"
)

// Header renders the title bar.
type Header struct {
	width   int
	addr    string
	version string
}

// NewHeader creates a new Header.
func NewHeader(addr, version string) *Header {
	return &Header{
		width:   80,
		addr:    addr,
		version: version,
	}
}

// SetWidth sets the header width.
func (h *Header) SetWidth(width int) {
	h.width = width
}

// View renders the header.
func (h *Header) View() string {
	title := lipgloss.NewStyle().
		Foreground(lipgloss.Color("#4ECDC4")).
		Bold(true).
		Render("loopd")

	meta := lipgloss.NewStyle().
		Foreground(lipgloss.Color("243")).
		Italic(true).
		Render(fmt.Sprintf("%s  %s", h.addr, h.version))

	gap := h.width - lipgloss.Width(title) - lipgloss.Width(meta) - 2
	if gap < 1 {
		gap = 1
	}
	line := title + lipgloss.NewStyle().Width(gap).Render("") + meta

	return lipgloss.NewStyle().
		Width(h.width).
		Padding(0, 1).
		BorderStyle(lipgloss.NormalBorder()).
		BorderBottom(true).
		BorderForeground(lipgloss.Color("238")).
		Render(line)
}

// Height returns the header height in lines.
func (h *Header) Height() int {
	return 2 // title + border
}
