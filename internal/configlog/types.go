package configlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var ErrClosed = errors.New("config log closed")

// Config selects and configures a driver.
type Config struct {
	Driver      string
	Path        string        // file, sqlite
	DSN         string        // postgres
	URL         string        // redis
	Key         string        // redis list key / postgres table; defaults apply
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Record is one persisted snapshot.
type Record struct {
	At    time.Time       `json:"at"`
	Path  string          `json:"path"`
	Actor string          `json:"actor,omitempty"`
	Data  json.RawMessage `json:"data"`
}

// ReplayFunc receives one record at a time, in append order.
type ReplayFunc func(path string, line []byte, actor string) error

// Appender is the write side used by the registry and scheduler.
type Appender interface {
	Append(ctx context.Context, r Record) error
}

// Log is a durable config log.
type Log interface {
	Appender
	Replay(ctx context.Context, fn ReplayFunc) error
	Close() error
}

// NewRecord marshals v into a record stamped with the current time.
func NewRecord(path, actor string, v any) (Record, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return Record{}, fmt.Errorf("configlog: marshal %s snapshot: %w", path, err)
	}
	return Record{At: time.Now().UTC(), Path: path, Actor: actor, Data: b}, nil
}

func encodeRecord(r Record) ([]byte, error) {
	if r.At.IsZero() {
		r.At = time.Now().UTC()
	}
	return json.Marshal(r)
}

func decodeRecord(b []byte) (Record, error) {
	var r Record
	if err := json.Unmarshal(b, &r); err != nil {
		return Record{}, err
	}
	if r.Path == "" || len(r.Data) == 0 {
		return Record{}, errors.New("record without path or data")
	}
	return r, nil
}
