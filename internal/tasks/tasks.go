// Package tasks reads the markdown task list and manages the progress log.
package tasks

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/spf13/afero"
)

const (
	// DefaultTaskFile is the task list name inside a plan directory.
	DefaultTaskFile = "tasks.md"
	// DefaultProgressFile is the progress log name inside a plan directory.
	DefaultProgressFile = "progress.md"
)

var checkboxRe = regexp.MustCompile(`^\s*[-*]\s+\[([ xX])\]\s+(.*)$`)

// Task is one checkbox line of the task list.
type Task struct {
	Description string
	Done        bool
	// Line is the 1-based line number in the file.
	Line int
}

// IsOpen returns true if the task is not checked off.
func (t *Task) IsOpen() bool {
	return !t.Done
}

// List is a markdown task list on disk. looper only reads it; the agent
// checks items off.
type List struct {
	fs   afero.Fs
	path string
}

// NewList returns the task list at path on the OS filesystem.
func NewList(path string) *List {
	return NewListWithFs(afero.NewOsFs(), path)
}

// NewListWithFs returns the task list at path on fs.
func NewListWithFs(fs afero.Fs, path string) *List {
	return &List{fs: fs, path: path}
}

// Path returns the file path.
func (l *List) Path() string {
	return l.path
}

// Exists reports whether the task list file is present.
func (l *List) Exists() bool {
	info, err := l.fs.Stat(l.path)
	return err == nil && !info.IsDir()
}

// Load parses every checkbox line in file order.
func (l *List) Load() ([]Task, error) {
	data, err := afero.ReadFile(l.fs, l.path)
	if err != nil {
		return nil, fmt.Errorf("read task list: %w", err)
	}
	return Parse(data), nil
}

// FirstIncomplete returns the first unchecked task, or nil if every task
// is done.
func (l *List) FirstIncomplete() (*Task, error) {
	tasks, err := l.Load()
	if err != nil {
		return nil, err
	}
	for i := range tasks {
		if tasks[i].IsOpen() {
			return &tasks[i], nil
		}
	}
	return nil, nil
}

// Counts returns the number of checked tasks and the total.
func (l *List) Counts() (done, total int, err error) {
	tasks, err := l.Load()
	if err != nil {
		return 0, 0, err
	}
	for _, t := range tasks {
		if t.Done {
			done++
		}
	}
	return done, len(tasks), nil
}

// Parse extracts checkbox tasks from markdown.
func Parse(data []byte) []Task {
	var tasks []Task
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		m := checkboxRe.FindStringSubmatch(scanner.Text())
		if m == nil {
			continue
		}
		tasks = append(tasks, Task{
			Description: strings.TrimSpace(m[2]),
			Done:        m[1] != " ",
			Line:        line,
		})
	}
	return tasks
}

// EnsureProgress creates an empty progress log at path if none exists.
// An existing log is never modified.
func EnsureProgress(fs afero.Fs, path string) error {
	if err := fs.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create progress dir: %w", err)
	}
	f, err := fs.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open progress log: %w", err)
	}
	return f.Close()
}
