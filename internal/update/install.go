package update

import (
	"os"
	"path/filepath"
	"strings"
)

// InstallMethod represents how looper was installed.
type InstallMethod int

const (
	InstallUnknown InstallMethod = iota
	InstallHomebrew
	// InstallScript covers the install script and go install.
	InstallScript
)

func (m InstallMethod) String() string {
	switch m {
	case InstallHomebrew:
		return "homebrew"
	case InstallScript:
		return "script"
	default:
		return "unknown"
	}
}

// DetectInstallMethod inspects the resolved executable path.
func DetectInstallMethod() InstallMethod {
	exe, err := os.Executable()
	if err != nil {
		return InstallUnknown
	}
	exe, err = filepath.EvalSymlinks(exe)
	if err != nil {
		return InstallUnknown
	}
	return installMethodFor(exe)
}

func installMethodFor(exe string) InstallMethod {
	if strings.Contains(exe, "/Cellar/") ||
		strings.HasPrefix(exe, "/opt/homebrew/") ||
		strings.HasPrefix(exe, "/usr/local/Homebrew/") ||
		strings.Contains(exe, "linuxbrew") {
		return InstallHomebrew
	}
	return InstallScript
}
