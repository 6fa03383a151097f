package metrics

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/spf13/afero"
)

// DefaultFileName is the metrics log name inside a plan directory.
const DefaultFileName = "metrics.jsonl"

// maxLineSize bounds a single record line when reading the log back.
const maxLineSize = 1024 * 1024

// Store is an append-only JSON Lines log of iteration records.
// The log is never rewritten; aggregates are always recomputed from it.
type Store struct {
	fs   afero.Fs
	path string
	mu   sync.Mutex
}

// Log is the parsed content of a metrics log.
type Log struct {
	// Records holds every well-formed record in file order.
	Records []Record

	// Skipped counts lines that could not be parsed, e.g. a torn final
	// line left by a crash mid-write.
	Skipped int
}

// NewStore creates a store backed by the OS filesystem.
func NewStore(path string) *Store {
	return NewStoreWithFs(afero.NewOsFs(), path)
}

// NewStoreWithFs creates a store on the given filesystem (mainly for testing).
func NewStoreWithFs(fs afero.Fs, path string) *Store {
	return &Store{fs: fs, path: path}
}

// Path returns the log file path.
func (s *Store) Path() string {
	return s.path
}

// Touch creates the log if needed and checks it can be opened for appending.
func (s *Store) Touch() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.open()
	if err != nil {
		return err
	}
	return f.Close()
}

// Append writes rec as a single line. The line is written with one Write
// call on an O_APPEND handle so concurrent readers never see a record
// interleaved with another. If the log ends in a torn line, the record
// starts on a new line so only the torn line is lost.
func (s *Store) Append(rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	data = append(data, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()

	torn, err := s.tornTail()
	if err != nil {
		return err
	}
	if torn {
		data = append([]byte{'\n'}, data...)
	}

	f, err := s.open()
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("append metrics record: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync metrics log: %w", err)
	}
	return f.Close()
}

// Load reads the whole log. A missing log yields an empty Log.
func (s *Store) Load() (*Log, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := afero.ReadFile(s.fs, s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &Log{}, nil
		}
		return nil, fmt.Errorf("read metrics log: %w", err)
	}
	return parseLog(data)
}

// LastIteration returns the highest iteration number in the log, or 0.
func (s *Store) LastIteration() (int, error) {
	log, err := s.Load()
	if err != nil {
		return 0, err
	}
	last := 0
	for _, r := range log.Records {
		if r.Iteration > last {
			last = r.Iteration
		}
	}
	return last, nil
}

// tornTail reports whether the log is non-empty and does not end in a
// newline.
func (s *Store) tornTail() (bool, error) {
	info, err := s.fs.Stat(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("stat metrics log: %w", err)
	}
	if info.Size() == 0 {
		return false, nil
	}

	f, err := s.fs.Open(s.path)
	if err != nil {
		return false, fmt.Errorf("open metrics log: %w", err)
	}
	defer f.Close()

	last := make([]byte, 1)
	if _, err := f.ReadAt(last, info.Size()-1); err != nil {
		return false, fmt.Errorf("read metrics log: %w", err)
	}
	return last[0] != '\n', nil
}

func (s *Store) open() (afero.File, error) {
	if dir := filepath.Dir(s.path); dir != "" {
		if err := s.fs.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create metrics dir: %w", err)
		}
	}
	f, err := s.fs.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open metrics log: %w", err)
	}
	return f, nil
}

func parseLog(data []byte) (*Log, error) {
	log := &Log{}
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			log.Skipped++
			continue
		}
		log.Records = append(log.Records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan metrics log: %w", err)
	}
	return log, nil
}
