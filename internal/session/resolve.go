package session

import (
	"os"

	"github.com/matheus3301/chatsync/internal/config"
)

const DefaultSessionName = "main"

// Resolve picks the active client session: the --session flag, then
// CHATSYNC_SESSION, then default_session from cfg, then "main".
func Resolve(flagOverride string, cfg *config.Config) string {
	if flagOverride != "" {
		return flagOverride
	}
	if v := os.Getenv("CHATSYNC_SESSION"); v != "" {
		return v
	}
	if cfg != nil && cfg.DefaultSession != "" {
		return cfg.DefaultSession
	}
	return DefaultSessionName
}
