package configlog

import (
	"context"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	tcpg "github.com/testcontainers/testcontainers-go/modules/postgres"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"

	"agentfleet/pkg/logx"
)

func TestRedisLogReplay(t *testing.T) {
	if testing.Short() {
		t.Skip("container test skipped in -short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	ctr, err := tcredis.Run(ctx, "redis:7-alpine")
	testcontainers.CleanupContainer(t, ctr)
	if err != nil {
		t.Fatalf("start redis: %v", err)
	}
	url, err := ctr.ConnectionString(ctx)
	if err != nil {
		t.Fatalf("redis url: %v", err)
	}

	l, err := Open(ctx, Config{Driver: "redis", URL: url, Key: "test:configlog"}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer l.Close()
	appendSamples(t, l)
	checkSamples(t, collect(t, l))
}

func TestPostgresLogReplay(t *testing.T) {
	if testing.Short() {
		t.Skip("container test skipped in -short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	ctr, err := tcpg.Run(ctx, "postgres:16-alpine",
		tcpg.WithDatabase("fleet_test"),
		tcpg.WithUsername("test"),
		tcpg.WithPassword("test"),
		tcpg.BasicWaitStrategies(),
	)
	testcontainers.CleanupContainer(t, ctr)
	if err != nil {
		t.Fatalf("start postgres: %v", err)
	}
	dsn, err := ctr.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("pg connection string: %v", err)
	}

	cfg := Config{Driver: "postgres", DSN: dsn}
	l, err := Open(ctx, cfg, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	appendSamples(t, l)
	_ = l.Close()

	l, err = Open(ctx, cfg, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer l.Close()
	checkSamples(t, collect(t, l))
}
