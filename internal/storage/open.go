package storage

import (
	"context"
	"errors"
	"strings"

	logx "xrelay/pkg/logx"
)

const defaultKeep = 500

// Store is the persistence API used by the bot and the poller.
type Store interface {
	AppendAudit(ctx context.Context, e AuditEntry) error
	RecordDelivery(ctx context.Context, d Delivery) error
	// RecentDeliveries returns up to limit deliveries, newest first.
	RecentDeliveries(ctx context.Context, limit int) ([]Delivery, error)
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Keep <= 0 {
		cfg.Keep = defaultKeep
	}

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
