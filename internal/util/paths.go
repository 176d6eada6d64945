package util

import (
	"os"
	"path/filepath"
	"runtime"
)

const appDir = "clipbird"

// ConfigEnvVar overrides the default config file location
const ConfigEnvVar = "CLIPBIRD_CONFIG"

// platformBase picks the per-user base directory. env is consulted first, then
// fallback joined under the home directory (or USERPROFILE on Windows).
func platformBase(env string, fallback ...string) string {
	if v := os.Getenv(env); v != "" {
		return v
	}
	home := os.Getenv("USERPROFILE")
	if runtime.GOOS != "windows" || home == "" {
		home, _ = os.UserHomeDir()
	}
	return filepath.Join(append([]string{home}, fallback...)...)
}

// GetConfigDir returns where the config file lives:
// $XDG_CONFIG_HOME/clipbird (~/.config/clipbird) on Linux and BSD,
// ~/Library/Application Support/clipbird on macOS, %APPDATA%/clipbird on Windows.
func GetConfigDir() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(platformBase("APPDATA", "AppData", "Roaming"), appDir)
	case "darwin":
		return filepath.Join(platformBase("", "Library", "Application Support"), appDir)
	}
	return filepath.Join(platformBase("XDG_CONFIG_HOME", ".config"), appDir)
}

// GetDataDir returns where the bbolt store, certificate and clipboard file live:
// $XDG_DATA_HOME/clipbird (~/.local/share/clipbird) on Linux and BSD, the config
// directory on macOS, %LOCALAPPDATA%/clipbird on Windows.
func GetDataDir() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(platformBase("LOCALAPPDATA", "AppData", "Local"), appDir)
	case "darwin":
		return GetConfigDir()
	}
	return filepath.Join(platformBase("XDG_DATA_HOME", ".local", "share"), appDir)
}

// GetDefaultConfigPath returns CLIPBIRD_CONFIG if set, else config.toml in GetConfigDir.
func GetDefaultConfigPath() string {
	if p := os.Getenv(ConfigEnvVar); p != "" {
		return p
	}
	return filepath.Join(GetConfigDir(), "config.toml")
}
