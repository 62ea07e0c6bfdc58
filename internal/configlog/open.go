package configlog

import (
	"context"
	"errors"
	"strings"

	"agentfleet/pkg/logx"
)

// Open initializes the configured log.
// It returns (nil, nil) if persistence is disabled.
func Open(ctx context.Context, cfg Config, log logx.Logger) (Log, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "configlog"), logx.String("driver", driver))

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(ctx, cfg, log)
	case "redis":
		return openRedis(ctx, cfg, log)
	case "postgres", "postgresql", "pg":
		return openPostgres(ctx, cfg, log)
	default:
		return nil, errors.New("unknown config log driver: " + driver)
	}
}

// replayLine decodes one stored line and hands it to fn. Malformed lines are
// logged and skipped.
func replayLine(log logx.Logger, raw []byte, fn ReplayFunc) error {
	r, err := decodeRecord(raw)
	if err != nil {
		log.Warn("skipping malformed config log line", logx.Err(err))
		return nil
	}
	return fn(r.Path, r.Data, r.Actor)
}
