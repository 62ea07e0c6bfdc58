// Package access provides the permission gate consulted before every
// registry and scheduler operation.
//
// Resource ids are slash-separated paths ("workers/fetcher/http",
// "runs/<id>"). A grant on a path also covers every path below it.
package access

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
)

var (
	ErrPermissionDenied = errors.New("permission denied")
	ErrNoResource       = errors.New("access resource not found")
)

// Gate is the access collaborator. CheckPermission fails fast with an error
// wrapping ErrPermissionDenied.
type Gate interface {
	CreateResource(id, owner, creator string) error
	CreatePermissions(id, grantee string, level Level, grantor string) error
	RemovePermissions(id, grantee, remover string) error
	RemoveResource(id, actor string) error
	CheckPermission(id, actor string, level Level) error
	HasPermission(id, actor string, level Level) bool
}

func deny(id, actor string, level Level) error {
	return fmt.Errorf("%w: %s needs %s on %s", ErrPermissionDenied, actorName(actor), level, id)
}

func actorName(a string) string {
	if a == "" {
		return "anonymous"
	}
	return a
}

type resource struct {
	owner   string
	creator string
	grants  map[string]Level
}

// Memory is an in-process Gate. Superusers hold Full on every resource.
type Memory struct {
	mu         sync.RWMutex
	superusers map[string]struct{}
	resources  map[string]*resource
}

func NewMemory(superusers ...string) *Memory {
	m := &Memory{
		superusers: map[string]struct{}{},
		resources:  map[string]*resource{},
	}
	for _, s := range superusers {
		if s = strings.TrimSpace(s); s != "" {
			m.superusers[s] = struct{}{}
		}
	}
	return m
}

// CreateResource registers id with its owner. Re-creating an existing
// resource keeps its grants.
func (m *Memory) CreateResource(id, owner, creator string) error {
	id = clean(id)
	if id == "" {
		return errors.New("access: empty resource id")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.resources[id]; ok {
		return nil
	}
	r := &resource{owner: owner, creator: creator, grants: map[string]Level{}}
	if owner != "" {
		r.grants[owner] = Full
	}
	m.resources[id] = r
	return nil
}

func (m *Memory) CreatePermissions(id, grantee string, level Level, grantor string) error {
	id = clean(id)
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.resources[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoResource, id)
	}
	if !m.allowedLocked(id, grantor, Full) {
		return deny(id, grantor, Full)
	}
	r.grants[grantee] |= level
	return nil
}

func (m *Memory) RemovePermissions(id, grantee, remover string) error {
	id = clean(id)
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.resources[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoResource, id)
	}
	if !m.allowedLocked(id, remover, Full) {
		return deny(id, remover, Full)
	}
	delete(r.grants, grantee)
	return nil
}

// RemoveResource drops id. Removing a missing resource is a no-op.
func (m *Memory) RemoveResource(id, actor string) error {
	id = clean(id)
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.resources[id]; !ok {
		return nil
	}
	if !m.allowedLocked(id, actor, Full) {
		return deny(id, actor, Full)
	}
	delete(m.resources, id)
	return nil
}

func (m *Memory) CheckPermission(id, actor string, level Level) error {
	if m.HasPermission(id, actor, level) {
		return nil
	}
	return deny(clean(id), actor, level)
}

func (m *Memory) HasPermission(id, actor string, level Level) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.allowedLocked(clean(id), actor, level)
}

func (m *Memory) allowedLocked(id, actor string, level Level) bool {
	if _, ok := m.superusers[actor]; ok {
		return true
	}
	var have Level
	for p := id; p != ""; p = parent(p) {
		if r, ok := m.resources[p]; ok {
			have |= r.grants[actor]
			if have.Allows(level) {
				return true
			}
		}
	}
	return false
}

// Resources lists registered resource ids, for diagnostics.
func (m *Memory) Resources() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.resources))
	for id := range m.resources {
		out = append(out, id)
	}
	return out
}

func clean(id string) string { return strings.Trim(strings.TrimSpace(id), "/") }

func parent(id string) string {
	i := strings.LastIndexByte(id, '/')
	if i < 0 {
		return ""
	}
	return id[:i]
}

type allowAll struct{}

// AllowAll returns a Gate that permits everything. Components fall back to
// it when no gate is configured.
func AllowAll() Gate { return allowAll{} }

func (allowAll) CreateResource(string, string, string) error { return nil }
func (allowAll) CreatePermissions(string, string, Level, string) error { return nil }
func (allowAll) RemovePermissions(string, string, string) error { return nil }
func (allowAll) RemoveResource(string, string) error { return nil }
func (allowAll) CheckPermission(string, string, Level) error { return nil }
func (allowAll) HasPermission(string, string, Level) bool { return true }

type actorKey struct{}

// WithActor attaches the acting identity to ctx.
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// ActorFrom returns the acting identity, or "" when none is set.
func ActorFrom(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	s, _ := ctx.Value(actorKey{}).(string)
	return s
}
