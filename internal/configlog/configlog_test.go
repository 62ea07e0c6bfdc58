package configlog

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"agentfleet/pkg/logx"
)

type replayed struct {
	path  string
	line  string
	actor string
}

func collect(t *testing.T, l Log) []replayed {
	t.Helper()
	var out []replayed
	err := l.Replay(context.Background(), func(path string, line []byte, actor string) error {
		out = append(out, replayed{path: path, line: string(line), actor: actor})
		return nil
	})
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	return out
}

func appendSamples(t *testing.T, l Log) {
	t.Helper()
	ctx := context.Background()
	samples := []struct {
		path string
		v    any
	}{
		{"workers", map[string]any{"kind": "fetcher", "type": "http", "version": 1}},
		{"tasks", map[string]any{"kind": "report", "type": "daily", "version": 1}},
		{"workers", map[string]any{"kind": "fetcher", "type": "http", "version": 2}},
	}
	for _, s := range samples {
		r, err := NewRecord(s.path, "alice", s.v)
		if err != nil {
			t.Fatalf("NewRecord: %v", err)
		}
		if err := l.Append(ctx, r); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
}

func checkSamples(t *testing.T, got []replayed) {
	t.Helper()
	if len(got) != 3 {
		t.Fatalf("replayed %d records, want 3", len(got))
	}
	wantPaths := []string{"workers", "tasks", "workers"}
	for i, r := range got {
		if r.path != wantPaths[i] || r.actor != "alice" {
			t.Fatalf("record %d = %+v", i, r)
		}
	}
	var last struct {
		Version int `json:"version"`
	}
	if err := json.Unmarshal([]byte(got[2].line), &last); err != nil {
		t.Fatalf("decode line: %v", err)
	}
	if last.Version != 2 {
		t.Fatalf("last version = %d, want 2", last.Version)
	}
}

func TestOpenDisabled(t *testing.T) {
	t.Parallel()
	l, err := Open(context.Background(), Config{Driver: "none"}, logx.Nop())
	if err != nil || l != nil {
		t.Fatalf("Open(none) = %v,%v, want nil,nil", l, err)
	}
	if _, err := Open(context.Background(), Config{Driver: "etcd"}, logx.Nop()); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}

func TestFileLogReplaysAcrossReopen(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "state", "config.jsonl")
	cfg := Config{Driver: "file", Path: path}

	l, err := Open(context.Background(), cfg, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	appendSamples(t, l)
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	l, err = Open(context.Background(), cfg, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer l.Close()
	checkSamples(t, collect(t, l))
}

func TestFileLogSkipsMalformedLines(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.jsonl")
	content := "not json\n\n" +
		`{"at":"2026-01-01T00:00:00Z","path":"workers","actor":"bob","data":{"kind":"a"}}` + "\n" +
		`{"path":"","data":{}}` + "\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	l, err := Open(context.Background(), Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer l.Close()
	got := collect(t, l)
	if len(got) != 1 || got[0].actor != "bob" || got[0].line != `{"kind":"a"}` {
		t.Fatalf("replayed = %+v", got)
	}
}

func TestFileLogAppendAfterClose(t *testing.T) {
	t.Parallel()
	l, err := Open(context.Background(), Config{Driver: "file", Path: filepath.Join(t.TempDir(), "c.jsonl")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	_ = l.Close()
	r, _ := NewRecord("workers", "", map[string]int{"v": 1})
	if err := l.Append(context.Background(), r); err != ErrClosed {
		t.Fatalf("Append after close = %v, want ErrClosed", err)
	}
}

func TestSQLiteLogReplaysAcrossReopen(t *testing.T) {
	t.Parallel()
	cfg := Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "config.db")}
	l, err := Open(context.Background(), cfg, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	appendSamples(t, l)
	_ = l.Close()

	l, err = Open(context.Background(), cfg, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer l.Close()
	checkSamples(t, collect(t, l))
}
