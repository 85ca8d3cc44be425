package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "github.com/palemoky/xiaomi-speaker/pkg/logx"
)

// Store is the minimal persistence API used by the pipeline.
type Store interface {
	AppendJobAudit(ctx context.Context, e JobAuditEntry) error

	PutArtifact(ctx context.Context, fp string, size int64, hits uint64, lastUsed time.Time) error
	DeleteArtifact(ctx context.Context, fp string) error
	ListArtifacts(ctx context.Context) (map[string]ArtifactRow, error)

	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)

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

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
