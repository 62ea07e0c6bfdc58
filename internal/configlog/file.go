package configlog

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"agentfleet/pkg/logx"
)

const maxLineSize = 4 << 20

// fileLog appends one JSON record per line.
type fileLog struct {
	log  logx.Logger
	path string

	mu sync.Mutex
	f  *os.File
}

func openFile(cfg Config, log logx.Logger) (Log, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("config_log.path is required for file driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	return &fileLog{log: log, path: path, f: f}, nil
}

func (l *fileLog) Append(_ context.Context, r Record) error {
	b, err := encodeRecord(r)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return ErrClosed
	}
	if _, err := l.f.Write(append(b, '\n')); err != nil {
		return fmt.Errorf("configlog: append: %w", err)
	}
	return nil
}

func (l *fileLog) Replay(ctx context.Context, fn ReplayFunc) error {
	f, err := os.Open(l.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	defer f.Close()

	s := bufio.NewScanner(f)
	s.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	n := 0
	for s.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := s.Bytes()
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}
		n++
		if err := replayLine(l.log, line, fn); err != nil {
			return fmt.Errorf("configlog: replay line %d: %w", n, err)
		}
	}
	return s.Err()
}

func (l *fileLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return nil
	}
	err := l.f.Close()
	l.f = nil
	return err
}
