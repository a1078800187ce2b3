package storage

import (
	"errors"
	"strings"

	logx "postbot/pkg/logx"
)

// Open initializes the configured seen store.
func Open(cfg Config, log logx.Logger) (SeenStore, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown seen store driver: " + driver)
	}
}
