// Package xdgpaths resolves per-user config and data directories.
//
// The teacher resolves these through its own private module,
// github.com/tzrikka/xdg (see cmd/timpani/main.go's use of xdg.CreateFile
// and xdg.ConfigHome). That module isn't fetchable from outside the
// teacher's org, so this package keeps the same concern — XDG base
// directory resolution with a config-file-exists guarantee — built
// directly on os.UserConfigDir/os.UserHomeDir.
package xdgpaths

import (
	"os"
	"path/filepath"
)

// ConfigFile returns the path to name under dir/appName, creating an empty
// file (and any missing parent directories) if it doesn't already exist.
func ConfigFile(appName, name string) (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}

	appDir := filepath.Join(dir, appName)
	if err := os.MkdirAll(appDir, 0o755); err != nil {
		return "", err
	}

	path := filepath.Join(appDir, name)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return "", err
		}
		_ = f.Close()
	}

	return path, nil
}

// DataDir returns (creating if needed) a per-app data directory, used for
// metrics CSV files and other non-configuration persistent state.
func DataDir(appName string) (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	dir := filepath.Join(home, ".local", "share", appName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}

	return dir, nil
}
