package configlog

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"agentfleet/pkg/logx"
)

const (
	defaultRedisKey  = "agentfleet:configlog"
	redisReplayChunk = 256
)

// redisLog stores records as a Redis list in append order.
type redisLog struct {
	rdb *redis.Client
	key string
	log logx.Logger
}

func openRedis(ctx context.Context, cfg Config, log logx.Logger) (Log, error) {
	url := strings.TrimSpace(cfg.URL)
	if url == "" {
		return nil, errors.New("config_log.url is required for redis driver")
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	key := strings.TrimSpace(cfg.Key)
	if key == "" {
		key = defaultRedisKey
	}
	log.Info("redis config log connected", logx.String("key", key))
	return &redisLog{rdb: rdb, key: key, log: log}, nil
}

func (l *redisLog) Append(ctx context.Context, r Record) error {
	b, err := encodeRecord(r)
	if err != nil {
		return err
	}
	return l.rdb.RPush(ctx, l.key, b).Err()
}

func (l *redisLog) Replay(ctx context.Context, fn ReplayFunc) error {
	for start := int64(0); ; start += redisReplayChunk {
		lines, err := l.rdb.LRange(ctx, l.key, start, start+redisReplayChunk-1).Result()
		if err != nil {
			return fmt.Errorf("configlog: lrange %s: %w", l.key, err)
		}
		for i, line := range lines {
			if err := replayLine(l.log, []byte(line), fn); err != nil {
				return fmt.Errorf("configlog: replay index %d: %w", start+int64(i), err)
			}
		}
		if len(lines) < redisReplayChunk {
			return nil
		}
	}
}

func (l *redisLog) Close() error {
	return l.rdb.Close()
}
