// Package indicator shows a spinner and elapsed time while the agent runs.
package indicator

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
	"github.com/sourcegraph/conc"
)

var (
	spinnerStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#89B4FA"))
	labelStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#CDD6F4"))
	elapsedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#7F849C"))
)

// Message types sent to the model.
type (
	tickMsg  time.Time
	labelMsg string
	stopMsg  struct{}
)

// Model renders one status line: spinner, label, elapsed time.
type Model struct {
	spinner spinner.Model
	label   string
	start   time.Time
	now     time.Time
	done    bool
}

// NewModel creates a model started at start.
func NewModel(label string, start time.Time) Model {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = spinnerStyle
	return Model{spinner: s, label: label, start: start, now: start}
}

// Init implements tea.Model.
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, tick())
}

func tick() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })
}

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case stopMsg:
		m.done = true
		return m, tea.Quit
	case labelMsg:
		m.label = string(msg)
		return m, nil
	case tickMsg:
		m.now = time.Time(msg)
		return m, tick()
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

// View implements tea.Model. A stopped model renders nothing so the line
// is cleared on exit.
func (m Model) View() string {
	if m.done {
		return ""
	}
	return fmt.Sprintf("%s %s %s",
		m.spinner.View(),
		labelStyle.Render(m.label),
		elapsedStyle.Render(FormatElapsed(m.now.Sub(m.start))),
	)
}

// FormatElapsed renders d as mm:ss, or h:mm:ss past an hour.
func FormatElapsed(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	s := int(d / time.Second)
	h, m, s := s/3600, (s%3600)/60, s%60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%02d:%02d", m, s)
}

// Indicator is a running liveness display. The zero value is a no-op.
type Indicator struct {
	p    *tea.Program
	wg   conc.WaitGroup
	once sync.Once
}

// Start runs the indicator on out if out is a terminal. Otherwise it
// returns a no-op Indicator. Callers must defer Stop.
func Start(out io.Writer, label string) *Indicator {
	if !IsTerminal(out) {
		return &Indicator{}
	}
	return start(out, label)
}

func start(out io.Writer, label string) *Indicator {
	ind := &Indicator{}
	ind.p = tea.NewProgram(NewModel(label, time.Now()),
		tea.WithOutput(out),
		tea.WithInput(nil),
		tea.WithoutSignalHandler(),
	)
	ind.wg.Go(func() {
		// Errors only mean the terminal went away; there is nothing to show.
		_, _ = ind.p.Run()
	})
	return ind
}

// SetLabel replaces the status text.
func (i *Indicator) SetLabel(label string) {
	if i == nil || i.p == nil {
		return
	}
	i.p.Send(labelMsg(label))
}

// Stop quits the display, waits for it and clears the line. Safe to call
// more than once.
func (i *Indicator) Stop() {
	if i == nil || i.p == nil {
		return
	}
	i.once.Do(func() {
		i.p.Send(stopMsg{})
		i.wg.Wait()
	})
}

// IsTerminal reports whether w is an interactive terminal.
func IsTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
