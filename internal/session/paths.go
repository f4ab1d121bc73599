package session

import (
	"os"
	"path/filepath"
)

// BaseDir returns ~/.chatsync.
func BaseDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".chatsync")
}

// Dir returns the client session directory.
func Dir(name string) string {
	return filepath.Join(BaseDir(), "sessions", name)
}

// LogDir returns the log directory for a client session.
func LogDir(name string) string {
	return filepath.Join(Dir(name), "logs")
}

// LogPath returns the chatctl log file path.
func LogPath(name string) string {
	return filepath.Join(LogDir(name), "chatctl.log")
}

// ConfigPath returns the global config file path.
func ConfigPath() string {
	return filepath.Join(BaseDir(), "config.toml")
}

// EnvPath returns the optional .env file next to the config.
func EnvPath() string {
	return filepath.Join(BaseDir(), ".env")
}

// ServerDir returns the chatsyncd data directory: override when set,
// otherwise ~/.chatsync/server.
func ServerDir(override string) string {
	if override != "" {
		return override
	}
	return filepath.Join(BaseDir(), "server")
}

// ServerDBPath returns the SQLite database path inside a data directory.
func ServerDBPath(dataDir string) string {
	return filepath.Join(dataDir, "chatsync.db")
}

// ServerLogPath returns the chatsyncd log file path inside a data directory.
func ServerLogPath(dataDir string) string {
	return filepath.Join(dataDir, "logs", "chatsyncd.log")
}

// EnsureDir creates the client session directory tree with proper
// permissions.
func EnsureDir(name string) error {
	for _, d := range []string{Dir(name), LogDir(name)} {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}
