package preflight

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/spf13/afero"

	"github.com/pengelbrecht/looper/internal/agent"
	"github.com/pengelbrecht/looper/internal/gitops"
	"github.com/pengelbrecht/looper/internal/metrics"
)

// Binary checks that name resolves on PATH.
func Binary(name string) Check {
	return Check{
		Name:   "binary " + name,
		Remedy: fmt.Sprintf("install %s and make sure it is on PATH", name),
		Run: func(context.Context) error {
			if _, err := exec.LookPath(name); err != nil {
				return fmt.Errorf("%s not found", name)
			}
			return nil
		},
	}
}

// AgentInstalled checks that the agent's CLI can be found.
func AgentInstalled(a agent.Agent) Check {
	return Check{
		Name:   "agent " + a.Name(),
		Remedy: fmt.Sprintf("install the %s CLI or set claude.command in looper.yaml", a.Name()),
		Run: func(context.Context) error {
			if !a.Available() {
				return fmt.Errorf("%s CLI not found", a.Name())
			}
			return nil
		},
	}
}

// GitRepo checks that the directory is inside a work tree.
func GitRepo(repo *gitops.Repo) Check {
	return Check{
		Name:   "git repository",
		Remedy: "run looper inside a git repository (git init)",
		Run: func(ctx context.Context) error {
			if !repo.IsRepo(ctx) {
				return gitops.ErrNotGitRepo
			}
			return nil
		},
	}
}

// GitIdentity checks that user.name and user.email are set.
func GitIdentity(repo *gitops.Repo) Check {
	return Check{
		Name:   "git identity",
		Remedy: `git config user.name "Your Name" && git config user.email you@example.com`,
		Run: func(ctx context.Context) error {
			var missing []string
			for _, key := range []string{"user.name", "user.email"} {
				if repo.ConfigValue(ctx, key) == "" {
					missing = append(missing, key)
				}
			}
			if len(missing) > 0 {
				return fmt.Errorf("%v not configured", missing)
			}
			return nil
		},
	}
}

// AttachedHead checks that HEAD is on a branch.
func AttachedHead(repo *gitops.Repo) Check {
	return Check{
		Name:   "branch",
		Remedy: "check out a branch (git switch <branch>)",
		Run: func(ctx context.Context) error {
			detached, err := repo.IsDetached(ctx)
			if err != nil {
				return err
			}
			if detached {
				return errors.New("HEAD is detached")
			}
			return nil
		},
	}
}

// FileExists checks that path is a regular file.
func FileExists(fs afero.Fs, label, path string) Check {
	return Check{
		Name:   label,
		Remedy: fmt.Sprintf("create %s", path),
		Run: func(context.Context) error {
			info, err := fs.Stat(path)
			if err != nil {
				if os.IsNotExist(err) {
					return fmt.Errorf("%s does not exist", path)
				}
				return err
			}
			if info.IsDir() {
				return fmt.Errorf("%s is a directory", path)
			}
			return nil
		},
	}
}

// Appendable checks that path can be created or opened for append.
func Appendable(fs afero.Fs, label, path string) Check {
	return Check{
		Name:   label,
		Remedy: fmt.Sprintf("make %s writable", filepath.Dir(path)),
		Run: func(context.Context) error {
			if err := fs.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return err
			}
			f, err := fs.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
			if err != nil {
				return err
			}
			return f.Close()
		},
	}
}

// MetricsLog checks that the metrics log can be created and appended to.
func MetricsLog(store *metrics.Store) Check {
	return Check{
		Name:   "metrics log",
		Remedy: fmt.Sprintf("make %s writable", filepath.Dir(store.Path())),
		Run: func(context.Context) error {
			return store.Touch()
		},
	}
}

// CleanTree warns about uncommitted changes to tracked files.
func CleanTree(repo *gitops.Repo) Check {
	return Check{
		Name:     "uncommitted changes",
		Severity: Warning,
		Remedy:   "they will be included in the first iteration's commit",
		Run: func(ctx context.Context) error {
			entries, err := repo.Status(ctx)
			if err != nil {
				return err
			}
			n := 0
			for _, e := range entries {
				if !e.Untracked() {
					n++
				}
			}
			if n > 0 {
				return fmt.Errorf("%d tracked file(s) modified", n)
			}
			return nil
		},
	}
}

// NoUntracked warns about untracked files.
func NoUntracked(repo *gitops.Repo) Check {
	return Check{
		Name:     "untracked files",
		Severity: Warning,
		Remedy:   "they will be included in the first iteration's commit",
		Run: func(ctx context.Context) error {
			entries, err := repo.Status(ctx)
			if err != nil {
				return err
			}
			n := 0
			for _, e := range entries {
				if e.Untracked() {
					n++
				}
			}
			if n > 0 {
				return fmt.Errorf("%d untracked file(s)", n)
			}
			return nil
		},
	}
}

// Standard returns looper's precondition list.
func Standard(repo *gitops.Repo, fs afero.Fs, a agent.Agent, store *metrics.Store, taskFile, progressFile string) []Check {
	return []Check{
		Binary("git"),
		AgentInstalled(a),
		GitRepo(repo),
		GitIdentity(repo),
		AttachedHead(repo),
		FileExists(fs, "task list", taskFile),
		// Warnings look at the tree before looper creates its own files.
		CleanTree(repo),
		NoUntracked(repo),
		MetricsLog(store),
		Appendable(fs, "progress log", progressFile),
	}
}
