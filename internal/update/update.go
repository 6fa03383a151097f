// Package update checks GitHub releases for a newer looper and replaces
// the running binary.
package update

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/creativeprojects/go-selfupdate"
)

const (
	repoOwner = "pengelbrecht"
	repoName  = "looper"

	checkInterval = 24 * time.Hour
	checkTimeout  = 3 * time.Second
)

// ErrDevBuild is returned when the running binary has no release version.
var ErrDevBuild = errors.New("cannot update dev builds")

// Release describes the newest published release.
type Release struct {
	Version    string
	ReleaseURL string

	asset *selfupdate.Release
}

// Source finds and installs releases. The default is GitHub.
type Source interface {
	Latest(ctx context.Context) (*Release, bool, error)
	Install(ctx context.Context, rel *Release, exe string) error
}

type githubSource struct {
	updater *selfupdate.Updater
}

func newGitHubSource() (*githubSource, error) {
	source, err := selfupdate.NewGitHubSource(selfupdate.GitHubConfig{})
	if err != nil {
		return nil, fmt.Errorf("create GitHub source: %w", err)
	}
	updater, err := selfupdate.NewUpdater(selfupdate.Config{Source: source})
	if err != nil {
		return nil, fmt.Errorf("create updater: %w", err)
	}
	return &githubSource{updater: updater}, nil
}

func (g *githubSource) Latest(ctx context.Context) (*Release, bool, error) {
	latest, found, err := g.updater.DetectLatest(ctx, selfupdate.NewRepositorySlug(repoOwner, repoName))
	if err != nil || !found {
		return nil, found, err
	}
	return &Release{Version: latest.Version(), ReleaseURL: latest.URL, asset: latest}, true, nil
}

func (g *githubSource) Install(ctx context.Context, rel *Release, exe string) error {
	if rel.asset == nil {
		return fmt.Errorf("release %s has no downloadable asset", rel.Version)
	}
	return g.updater.UpdateTo(ctx, rel.asset, exe)
}

// Checker compares the running version against the latest release.
type Checker struct {
	current   string
	source    Source
	cachePath string
	now       func() time.Time
}

// NewChecker returns a checker for currentVersion backed by GitHub.
func NewChecker(currentVersion string) (*Checker, error) {
	src, err := newGitHubSource()
	if err != nil {
		return nil, err
	}
	return newChecker(currentVersion, src, defaultCachePath()), nil
}

func newChecker(current string, src Source, cachePath string) *Checker {
	return &Checker{current: current, source: src, cachePath: cachePath, now: time.Now}
}

func isDev(version string) bool {
	v := strings.TrimPrefix(version, "v")
	return v == "" || v == "dev"
}

// Check returns the latest release and whether it is newer than the
// running version. Dev builds never report an update.
func (c *Checker) Check(ctx context.Context) (*Release, bool, error) {
	if isDev(c.current) {
		return nil, false, nil
	}
	latest, found, err := c.source.Latest(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("detect latest version: %w", err)
	}
	if !found {
		return nil, false, nil
	}
	return latest, isNewerVersion(latest.Version, c.current), nil
}

// Update installs the latest release over the running executable.
func (c *Checker) Update(ctx context.Context) (*Release, error) {
	if DetectInstallMethod() == InstallHomebrew {
		return nil, fmt.Errorf("looper was installed via Homebrew. Please run: brew upgrade pengelbrecht/tap/looper")
	}
	if isDev(c.current) {
		return nil, ErrDevBuild
	}

	latest, found, err := c.source.Latest(ctx)
	if err != nil {
		return nil, fmt.Errorf("detect latest version: %w", err)
	}
	if !found {
		return nil, fmt.Errorf("no releases found")
	}
	if !isNewerVersion(latest.Version, c.current) {
		return nil, fmt.Errorf("already at latest version (%s)", c.current)
	}

	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("get executable path: %w", err)
	}
	if err := c.source.Install(ctx, latest, exe); err != nil {
		return nil, fmt.Errorf("update: %w", err)
	}
	return latest, nil
}

// Notice returns a one-line update notice, checking GitHub at most once a
// day. Failures are silent.
func (c *Checker) Notice(ctx context.Context) string {
	if isDev(c.current) {
		return ""
	}

	if cache := loadCache(c.cachePath); cache != nil && c.now().Sub(cache.LastCheck) < checkInterval {
		// The user may have upgraded since the cache was written.
		if cache.UpdateAvailable && isNewerVersion(cache.LatestVersion, c.current) {
			return formatUpdateNotice(c.current, cache.LatestVersion, DetectInstallMethod())
		}
		return ""
	}

	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()
	rel, newer, err := c.Check(ctx)

	cache := &updateCache{LastCheck: c.now(), UpdateAvailable: newer && err == nil}
	if rel != nil {
		cache.LatestVersion = rel.Version
	}
	saveCache(c.cachePath, cache)

	if err != nil || !newer {
		return ""
	}
	return formatUpdateNotice(c.current, rel.Version, DetectInstallMethod())
}

// isNewerVersion reports whether a is a higher semantic version than b.
// Unparseable versions are never newer.
func isNewerVersion(a, b string) bool {
	va, err := semver.NewVersion(a)
	if err != nil {
		return false
	}
	vb, err := semver.NewVersion(b)
	if err != nil {
		return false
	}
	return va.GreaterThan(vb)
}

func formatUpdateNotice(current, latest string, method InstallMethod) string {
	cmd := "looper upgrade"
	if method == InstallHomebrew {
		cmd = "brew upgrade pengelbrecht/tap/looper"
	}
	return fmt.Sprintf("Update available: %s -> %s (run: %s)", current, latest, cmd)
}

// updateCache stores the last update check result.
type updateCache struct {
	LastCheck       time.Time `json:"last_check"`
	LatestVersion   string    `json:"latest_version,omitempty"`
	UpdateAvailable bool      `json:"update_available"`
}

func defaultCachePath() string {
	dir := os.Getenv("XDG_CACHE_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		dir = filepath.Join(home, ".cache")
	}
	return filepath.Join(dir, "looper", "update-cache.json")
}

func loadCache(path string) *updateCache {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var cache updateCache
	if err := json.Unmarshal(data, &cache); err != nil {
		return nil
	}
	return &cache
}

func saveCache(path string, cache *updateCache) {
	if path == "" {
		return
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return
	}
	data, err := json.Marshal(cache)
	if err != nil {
		return
	}
	_ = os.WriteFile(path, data, 0o644)
}
