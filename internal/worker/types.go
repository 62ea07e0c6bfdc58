package worker

import (
	"context"
	"fmt"
	"slices"
	"time"
)

// Config is one immutable version of a worker configuration.
type Config struct {
	Kind         string            `json:"kind"`
	Type         string            `json:"type"`
	Version      int               `json:"version"`
	MaxPoolSize  int               `json:"maxPoolSize"`
	AutoPopulate bool              `json:"autoPopulate,omitempty"`
	Capabilities []string          `json:"capabilities,omitempty"`
	Description  string            `json:"description,omitempty"`
	Labels       map[string]string `json:"labels,omitempty"`
	Owner        string            `json:"owner,omitempty"`
	CreatedAt    time.Time         `json:"createdAt"`
}

func (c Config) clone() Config {
	c.Capabilities = slices.Clone(c.Capabilities)
	if c.Labels != nil {
		m := make(map[string]string, len(c.Labels))
		for k, v := range c.Labels {
			m[k] = v
		}
		c.Labels = m
	}
	return c
}

// Pooled reports whether instances are kept after release.
func (c Config) Pooled() bool { return c.MaxPoolSize > 0 }

// Patch is a partial update applied on top of the latest version.
// Nil fields are kept. Labels are deep-merged; Capabilities, when non-nil,
// replace the previous list.
type Patch struct {
	Kind         string            `json:"kind"`
	Type         string            `json:"type"`
	MaxPoolSize  *int              `json:"maxPoolSize,omitempty"`
	AutoPopulate *bool             `json:"autoPopulate,omitempty"`
	Capabilities []string          `json:"capabilities,omitempty"`
	Description  string            `json:"description,omitempty"`
	Labels       map[string]string `json:"labels,omitempty"`
}

// CapabilityProvider lists the tools a worker kind offers.
type CapabilityProvider interface {
	Capabilities() []string
}

// StaticCapabilities is a fixed capability list.
type StaticCapabilities []string

func (s StaticCapabilities) Capabilities() []string { return slices.Clone(s) }

// Lifecycle materializes and tears down worker payloads for one kind.
//
// Create receives the registry-generated id and may return a different one;
// an empty id keeps the generated one.
type Lifecycle interface {
	Create(ctx context.Context, cfg Config, id string, caps CapabilityProvider) (string, any, error)
	Destroy(ctx context.Context, id string, payload any) error
}

// Acquirer is an optional Lifecycle extension called on every acquire. A
// non-nil returned payload replaces the stored one.
type Acquirer interface {
	Acquire(ctx context.Context, id string, payload any) (any, error)
}

// Releaser is an optional Lifecycle extension called before an instance is
// returned to its pool.
type Releaser interface {
	Release(ctx context.Context, id string, payload any) error
}

// AvailabilityFunc is notified whenever an instance of (kind, type, version)
// becomes free.
type AvailabilityFunc func(kind, typ string, version, count int)

// Instance is a snapshot of one worker instance.
type Instance struct {
	ID         string    `json:"id"`
	Kind       string    `json:"kind"`
	Type       string    `json:"type"`
	Version    int       `json:"version"`
	Seq        int       `json:"seq"`
	InUse      bool      `json:"inUse"`
	CreatedAt  time.Time `json:"createdAt"`
	AcquiredAt time.Time `json:"acquiredAt,omitzero"`
	Payload    any       `json:"-"`
}

// VersionStats counts instances of one pool version.
type VersionStats struct {
	Version   int  `json:"version"`
	Latest    bool `json:"latest"`
	PoolSize  int  `json:"poolSize"`
	Created   int  `json:"created"`
	Available int  `json:"available"`
	Active    int  `json:"active"`
	Pending   int  `json:"pending,omitempty"`
}

// PoolStats aggregates every live version of one (kind, type).
type PoolStats struct {
	Kind      string         `json:"kind"`
	Type      string         `json:"type"`
	PoolSize  int            `json:"poolSize"`
	Created   int            `json:"created"`
	Available int            `json:"available"`
	Active    int            `json:"active"`
	Versions  []VersionStats `json:"versions"`
}

// Snapshot is a diagnostics view of the whole registry.
type Snapshot struct {
	Kinds          []string    `json:"kinds"`
	Pools          []PoolStats `json:"pools"`
	StaleVersions  int         `json:"staleVersions"`
	CleanupRunning bool        `json:"cleanupRunning"`
}

// InstanceID builds the deterministic id of an instance.
func InstanceID(kind, typ string, seq, version int) string {
	return fmt.Sprintf("%s:%s:%d@v%d", kind, typ, seq, version)
}

// Resource returns the access resource id of a worker type.
func Resource(kind, typ string) string { return "workers/" + kind + "/" + typ }

const (
	// ResourceRoot is the access resource guarding config creation.
	ResourceRoot = "workers"

	// LogPath tags persisted worker configs; LogPathDestroy tags tombstones.
	LogPath        = "workers"
	LogPathDestroy = "workers.destroy"
)
