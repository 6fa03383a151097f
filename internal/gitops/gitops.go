// Package gitops wraps the handful of git operations looper needs.
package gitops

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// PrivateDir is looper's metadata directory. Its contents never count as
// work-tree changes.
const PrivateDir = ".looper/"

// ErrNotGitRepo is returned when the directory is not inside a git work tree.
var ErrNotGitRepo = errors.New("not a git repository")

// Entry is one line of `git status --porcelain`.
type Entry struct {
	// Index and Worktree are the two status letters ("??" for untracked).
	Index    byte
	Worktree byte
	Path     string
	// OrigPath is set for renames and copies.
	OrigPath string
}

// Untracked reports whether the entry is an untracked file.
func (e Entry) Untracked() bool {
	return e.Index == '?' && e.Worktree == '?'
}

// Repo runs git in a working directory.
type Repo struct {
	dir string

	// Exclude lists repo-relative path prefixes ignored by ChangedFiles.
	Exclude []string
}

// New returns a Repo rooted at dir. It does not check that dir is a repo.
func New(dir string) *Repo {
	return &Repo{dir: dir, Exclude: []string{PrivateDir}}
}

// IsRepo reports whether the directory is inside a git work tree.
func (r *Repo) IsRepo(ctx context.Context) bool {
	out, err := r.git(ctx, "rev-parse", "--is-inside-work-tree")
	return err == nil && out == "true"
}

// Root returns the absolute path of the work tree root.
func (r *Repo) Root(ctx context.Context) (string, error) {
	return r.git(ctx, "rev-parse", "--show-toplevel")
}

// IsDetached reports whether HEAD points at a commit instead of a branch.
func (r *Repo) IsDetached(ctx context.Context) (bool, error) {
	cmd := exec.CommandContext(ctx, "git", "symbolic-ref", "-q", "HEAD")
	cmd.Dir = r.dir
	err := cmd.Run()
	if err == nil {
		return false, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
		return true, nil
	}
	return false, fmt.Errorf("git symbolic-ref: %w", err)
}

// CurrentBranch returns the short name of the checked-out branch.
func (r *Repo) CurrentBranch(ctx context.Context) (string, error) {
	return r.git(ctx, "symbolic-ref", "--short", "HEAD")
}

// HeadCommit returns the full hash of HEAD, or "" for an unborn branch.
func (r *Repo) HeadCommit(ctx context.Context) string {
	out, err := r.git(ctx, "rev-parse", "--verify", "-q", "HEAD")
	if err != nil {
		return ""
	}
	return out
}

// ConfigValue returns a git config value, or "" when it is unset.
func (r *Repo) ConfigValue(ctx context.Context, key string) string {
	out, err := r.git(ctx, "config", "--get", key)
	if err != nil {
		return ""
	}
	return out
}

// Status lists modified, staged and untracked paths. Untracked
// directories are expanded to their files.
func (r *Repo) Status(ctx context.Context) ([]Entry, error) {
	cmd := exec.CommandContext(ctx, "git", "status", "--porcelain", "-z", "--untracked-files=all")
	cmd.Dir = r.dir
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return nil, gitError("status", err, stderr.String())
	}
	return parseStatus(out), nil
}

// ChangedFiles counts status entries outside the excluded prefixes.
func (r *Repo) ChangedFiles(ctx context.Context) (int, error) {
	entries, err := r.Status(ctx)
	if err != nil {
		return 0, err
	}
	return len(filterExcluded(entries, r.Exclude)), nil
}

// AddAll stages every change in the work tree.
func (r *Repo) AddAll(ctx context.Context) error {
	_, err := r.git(ctx, "add", "-A")
	return err
}

// Commit commits staged changes with message.
func (r *Repo) Commit(ctx context.Context, message string) error {
	_, err := r.git(ctx, "commit", "-q", "-m", message)
	return err
}

// EnsureGitignore makes sure entry is listed in the .gitignore at root.
// Returns true if the file was modified.
func EnsureGitignore(root, entry string) (bool, error) {
	path := filepath.Join(root, ".gitignore")

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return false, fmt.Errorf("read .gitignore: %w", err)
	}

	want := strings.TrimSuffix(entry, "/")
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if strings.TrimSuffix(strings.TrimPrefix(line, "/"), "/") == want {
			return false, nil
		}
	}

	var b strings.Builder
	b.Write(data)
	if len(data) > 0 && !bytes.HasSuffix(data, []byte("\n")) {
		b.WriteByte('\n')
	}
	b.WriteString(entry)
	b.WriteByte('\n')

	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return false, fmt.Errorf("write .gitignore: %w", err)
	}
	return true, nil
}

func (r *Repo) git(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = r.dir
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return "", gitError(args[0], err, stderr.String())
	}
	return strings.TrimSpace(string(out)), nil
}

func gitError(sub string, err error, stderr string) error {
	var execErr *exec.Error
	if errors.As(err, &execErr) {
		return fmt.Errorf("git %s: git command not found: %w", sub, err)
	}
	if msg := strings.TrimSpace(stderr); msg != "" {
		return fmt.Errorf("git %s: %s: %w", sub, msg, err)
	}
	return fmt.Errorf("git %s: %w", sub, err)
}

// parseStatus parses `git status --porcelain -z` output. Each record is
// "XY PATH\0"; renames and copies carry the original path as an extra
// NUL-terminated field.
func parseStatus(out []byte) []Entry {
	var entries []Entry
	fields := strings.Split(string(out), "\x00")
	for i := 0; i < len(fields); i++ {
		f := fields[i]
		if len(f) < 4 {
			continue
		}
		e := Entry{Index: f[0], Worktree: f[1], Path: f[3:]}
		if (e.Index == 'R' || e.Index == 'C') && i+1 < len(fields) {
			i++
			e.OrigPath = fields[i]
		}
		entries = append(entries, e)
	}
	return entries
}

func filterExcluded(entries []Entry, exclude []string) []Entry {
	var kept []Entry
	for _, e := range entries {
		if !excluded(e.Path, exclude) {
			kept = append(kept, e)
		}
	}
	return kept
}

func excluded(path string, exclude []string) bool {
	for _, prefix := range exclude {
		if prefix == "" {
			continue
		}
		if path == strings.TrimSuffix(prefix, "/") || strings.HasPrefix(path, prefix) {
			return true
		}
		// Nested private dirs, e.g. plans/x/.looper/debug.log.
		if prefix == PrivateDir && strings.Contains(path, "/"+prefix) {
			return true
		}
	}
	return false
}
