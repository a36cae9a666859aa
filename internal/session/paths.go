// Package session resolves per-profile filesystem locations under ~/.swapchat.
package session

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
)

// BaseDir returns ~/.swapchat.
func BaseDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".swapchat")
}

// Dir returns the profile-specific directory.
func Dir(profile string) string {
	return filepath.Join(BaseDir(), "profiles", profile)
}

// ArchiveDBPath returns the local archive database path for a profile.
func ArchiveDBPath(profile string) string {
	return filepath.Join(Dir(profile), "archive.db")
}

// LogDir returns the log directory for a profile.
func LogDir(profile string) string {
	return filepath.Join(Dir(profile), "logs")
}

// LogPath returns the daemon log file path.
func LogPath(profile string) string {
	return filepath.Join(LogDir(profile), "swapchatd.log")
}

// ConfigPath returns the global config file path.
func ConfigPath() string {
	return filepath.Join(BaseDir(), "config.toml")
}

// EnsureDir creates the profile directory tree with owner-only permissions.
func EnsureDir(profile string) error {
	for _, d := range []string{Dir(profile), LogDir(profile)} {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}

var nameRe = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]{0,63}$`)

// ValidateName rejects profile names that would escape the profiles directory
// or produce surprising paths.
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("profile name is empty")
	}
	if !nameRe.MatchString(name) {
		return fmt.Errorf("invalid profile name %q", name)
	}
	return nil
}

// Resolve picks the profile name: explicit flag wins, then the config default,
// then "default".
func Resolve(flagValue, configDefault string) string {
	if flagValue != "" {
		return flagValue
	}
	if configDefault != "" {
		return configDefault
	}
	return "default"
}
