package tui

import (
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/ShayCichocki/loopd/pkg/models"
)

// FilterField narrows the loop list by name or id.
type FilterField struct {
	input  textinput.Model
	active bool
}

// NewFilterField creates a new FilterField.
func NewFilterField() *FilterField {
	ti := textinput.New()
	ti.Prompt = "/ "
	ti.Placeholder = "filter by name or id"
	ti.CharLimit = 100
	ti.Width = 40
	return &FilterField{input: ti}
}

// Active reports whether the field has focus.
func (f *FilterField) Active() bool {
	return f.active
}

// Focus starts editing.
func (f *FilterField) Focus() tea.Cmd {
	f.active = true
	return f.input.Focus()
}

// Value returns the current filter text.
func (f *FilterField) Value() string {
	return strings.TrimSpace(f.input.Value())
}

// Update handles keys while the field has focus. Enter keeps the filter,
// Esc clears it.
func (f *FilterField) Update(msg tea.Msg) (*FilterField, tea.Cmd) {
	if k, ok := msg.(tea.KeyMsg); ok {
		switch k.String() {
		case "enter":
			f.active = false
			f.input.Blur()
			return f, nil
		case "esc":
			f.active = false
			f.input.Blur()
			f.input.Reset()
			return f, nil
		}
	}
	var cmd tea.Cmd
	f.input, cmd = f.input.Update(msg)
	return f, cmd
}

// Match reports whether loop passes the filter.
func (f *FilterField) Match(loop *models.Loop) bool {
	q := strings.ToLower(f.Value())
	if q == "" {
		return true
	}
	return strings.Contains(strings.ToLower(loop.Config.Name), q) ||
		strings.HasPrefix(strings.ToLower(loop.Config.ID), q)
}

// View renders the field.
func (f *FilterField) View() string {
	if !f.active && f.Value() == "" {
		return ""
	}
	return f.input.View()
}
