// Package checkpoint stores the settings of the last run of a plan so an
// interrupted run can be resumed with the same flags.
package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/afero"
)

// FileName is the checkpoint file inside the private dir.
const FileName = "checkpoint.json"

// DirName is looper's private directory inside a plan.
const DirName = ".looper"

// ErrNotFound is returned when a plan has no checkpoint.
var ErrNotFound = errors.New("no checkpoint found")

// Status values.
const (
	StatusRunning     = "running"
	StatusInterrupted = "interrupted"
	StatusComplete    = "complete"
	StatusBudget      = "budget_reached"
	StatusFailed      = "failed"
)

// Settings are the invocation flags replayed by `looper resume`.
type Settings struct {
	Model     string `json:"model"`
	AcceptAny bool   `json:"accept_any,omitempty"`
	// Iterations is the iteration budget; 0 means unlimited.
	Iterations          int    `json:"iterations"`
	MaxAttempts         int    `json:"max_attempts,omitempty"`
	InitialDelaySeconds int    `json:"initial_delay_seconds,omitempty"`
	MaxDelaySeconds     int    `json:"max_delay_seconds,omitempty"`
	Timeout             string `json:"timeout,omitempty"`
	NoCommit            bool   `json:"no_commit,omitempty"`
	JSONL               bool   `json:"jsonl,omitempty"`
	ConfigFile          string `json:"config_file,omitempty"`
}

// Checkpoint is the persisted state of the last invocation.
type Checkpoint struct {
	RunID    string   `json:"run_id"`
	PlanDir  string   `json:"plan_dir"`
	Settings Settings `json:"settings"`
	Status   string   `json:"status"`
	// Branch is the branch the run committed to.
	Branch string `json:"branch,omitempty"`
	// Completed counts iterations finished by this invocation.
	Completed int `json:"completed"`
	// LastIteration is the number of the last recorded iteration.
	LastIteration int       `json:"last_iteration"`
	GitCommit     string    `json:"git_commit,omitempty"`
	StartedAt     time.Time `json:"started_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Remaining returns the iteration budget left, or 0 for unlimited runs.
// A finite budget that is used up also yields 1 so a resume still makes
// progress.
func (c *Checkpoint) Remaining() int {
	if c.Settings.Iterations == 0 {
		return 0
	}
	left := c.Settings.Iterations - c.Completed
	if left < 1 {
		return 1
	}
	return left
}

// ResumeCommand returns the shell command that resumes this plan.
func (c *Checkpoint) ResumeCommand() string {
	return "looper resume " + shellQuote(c.PlanDir)
}

// RunCommand returns the equivalent `looper run` invocation with the
// remaining budget.
func (c *Checkpoint) RunCommand() string {
	args := []string{"looper", "run", shellQuote(c.PlanDir)}
	if n := c.Remaining(); n > 0 {
		args = append(args, strconv.Itoa(n))
	}
	args = append(args, c.Settings.Flags()...)
	return strings.Join(args, " ")
}

// Flags renders s as command-line flags, omitting defaults.
func (s Settings) Flags() []string {
	var flags []string
	if s.Model != "" {
		flags = append(flags, "--model", s.Model)
	}
	if s.AcceptAny {
		flags = append(flags, "--accept-any")
	}
	if s.MaxAttempts > 0 {
		flags = append(flags, "--max-attempts", strconv.Itoa(s.MaxAttempts))
	}
	if s.InitialDelaySeconds > 0 {
		flags = append(flags, "--initial-delay", strconv.Itoa(s.InitialDelaySeconds))
	}
	if s.MaxDelaySeconds > 0 {
		flags = append(flags, "--max-delay", strconv.Itoa(s.MaxDelaySeconds))
	}
	if s.Timeout != "" {
		flags = append(flags, "--timeout", s.Timeout)
	}
	if s.NoCommit {
		flags = append(flags, "--no-commit")
	}
	if s.JSONL {
		flags = append(flags, "--jsonl")
	}
	if s.ConfigFile != "" {
		flags = append(flags, "--config", shellQuote(s.ConfigFile))
	}
	return flags
}

// Manager reads and writes the checkpoint of one plan.
type Manager struct {
	fs  afero.Fs
	dir string
}

// NewManager returns a manager for planDir on the OS filesystem.
func NewManager(planDir string) *Manager {
	return NewManagerWithFs(afero.NewOsFs(), filepath.Join(planDir, DirName))
}

// NewManagerWithFs returns a manager storing its file in dir on fs.
func NewManagerWithFs(fs afero.Fs, dir string) *Manager {
	return &Manager{fs: fs, dir: dir}
}

// Dir returns the directory holding the checkpoint.
func (m *Manager) Dir() string {
	return m.dir
}

// Path returns the checkpoint file path.
func (m *Manager) Path() string {
	return filepath.Join(m.dir, FileName)
}

// Save writes cp atomically: a temp file is written then renamed over
// the old checkpoint.
func (m *Manager) Save(cp *Checkpoint) error {
	if cp.RunID == "" {
		return fmt.Errorf("checkpoint run id is required")
	}
	if err := m.fs.MkdirAll(m.dir, 0o755); err != nil {
		return fmt.Errorf("create checkpoint dir: %w", err)
	}

	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}

	tmp, err := afero.TempFile(m.fs, m.dir, FileName+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp checkpoint: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		m.fs.Remove(tmpName)
		return fmt.Errorf("write checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		m.fs.Remove(tmpName)
		return fmt.Errorf("close checkpoint: %w", err)
	}
	if err := m.fs.Rename(tmpName, m.Path()); err != nil {
		m.fs.Remove(tmpName)
		return fmt.Errorf("rename checkpoint: %w", err)
	}
	return nil
}

// Load reads the checkpoint. Returns ErrNotFound if there is none.
func (m *Manager) Load() (*Checkpoint, error) {
	data, err := afero.ReadFile(m.fs, m.Path())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read checkpoint: %w", err)
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("parse checkpoint: %w", err)
	}
	return &cp, nil
}

// shellQuote single-quotes s when it contains characters a shell would
// interpret.
func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	if strings.IndexFunc(s, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || strings.ContainsRune("-_./=:@+,", r))
	}) < 0 {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
