package indicator

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
)

func TestFormatElapsed(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{0, "00:00"},
		{-time.Second, "00:00"},
		{1500 * time.Millisecond, "00:01"},
		{65 * time.Second, "01:05"},
		{time.Hour + 2*time.Minute + 3*time.Second, "1:02:03"},
	}
	for _, tt := range tests {
		if got := FormatElapsed(tt.d); got != tt.want {
			t.Errorf("FormatElapsed(%v) = %q, want %q", tt.d, got, tt.want)
		}
	}
}

func TestModel_Init(t *testing.T) {
	m := NewModel("claude", time.Now())
	if m.Init() == nil {
		t.Error("Init() should start the spinner and clock")
	}
}

func TestModel_Update(t *testing.T) {
	start := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	m := NewModel("iteration 1", start)

	next, cmd := m.Update(tickMsg(start.Add(75 * time.Second)))
	m = next.(Model)
	if cmd == nil {
		t.Error("tick should schedule the next tick")
	}
	if !strings.Contains(m.View(), "01:15") {
		t.Errorf("View() = %q, want elapsed 01:15", m.View())
	}

	next, _ = m.Update(labelMsg("attempt 2/3 (opus)"))
	m = next.(Model)
	if !strings.Contains(m.View(), "attempt 2/3 (opus)") {
		t.Errorf("View() = %q, want new label", m.View())
	}

	next, _ = m.Update(spinner.TickMsg{})
	m = next.(Model)

	next, cmd = m.Update(stopMsg{})
	m = next.(Model)
	if !m.done {
		t.Error("stop should mark the model done")
	}
	if cmd == nil {
		t.Fatal("stop should return tea.Quit")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Error("stop should return tea.Quit")
	}
	if m.View() != "" {
		t.Errorf("View() after stop = %q, want empty", m.View())
	}
}

func TestStart_NotTerminal(t *testing.T) {
	var buf bytes.Buffer
	ind := Start(&buf, "claude")
	ind.SetLabel("x")
	ind.Stop()
	ind.Stop()
	if buf.Len() != 0 {
		t.Errorf("non-terminal output got %q, want nothing", buf.String())
	}
}

func TestIndicator_StopTearsDown(t *testing.T) {
	var buf bytes.Buffer
	ind := start(&buf, "claude")
	ind.SetLabel("attempt 1/3 (opus)")

	done := make(chan struct{})
	go func() {
		ind.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop() did not return")
	}
	ind.Stop()
}

func TestIndicator_StopOnPanic(t *testing.T) {
	var buf bytes.Buffer
	var ind *Indicator

	func() {
		defer func() { _ = recover() }()
		ind = start(&buf, "claude")
		defer ind.Stop()
		panic("boom")
	}()

	// Stop already ran from the deferred call; a second call must not block.
	ind.Stop()
}

func TestIsTerminal(t *testing.T) {
	if IsTerminal(&bytes.Buffer{}) {
		t.Error("bytes.Buffer is not a terminal")
	}
}
