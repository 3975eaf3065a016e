package session

import (
	"os"
	"path/filepath"
)

// BaseDir returns ~/.privchat.
func BaseDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".privchat")
}

// Dir returns the session-specific directory.
func Dir(name string) string {
	return filepath.Join(BaseDir(), "sessions", name)
}

// SocketPath returns the control API unix socket path for a session.
func SocketPath(name string) string {
	return filepath.Join(Dir(name), "daemon.sock")
}

// DBPath returns the local cache database path for a session.
func DBPath(name string) string {
	return filepath.Join(Dir(name), "privchat.db")
}

// LogPath returns the daemon log file path for a session.
func LogPath(name string) string {
	return filepath.Join(Dir(name), "logs", "privchatd.log")
}

// ConfigPath returns the global config file path.
func ConfigPath() string {
	return filepath.Join(BaseDir(), "config.toml")
}

// EnsureDir creates the session directory tree with owner-only permissions.
func EnsureDir(name string) error {
	for _, d := range []string{Dir(name), filepath.Join(Dir(name), "logs")} {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}
