// Package vpool implements the versioned pool shared by the worker registry
// and the task scheduler: a two-level key (kind, type) mapping to an ordered
// list of (version -> set of instance ids).
//
// A Pool is not safe for concurrent use. Each owner guards its pool with its
// own mutex and is the only component that mutates it.
package vpool

import (
	"errors"
	"fmt"
	"sort"
)

var (
	ErrNotFound     = errors.New("pool version not found")
	ErrVersionOrder = errors.New("pool version must be greater than the latest version")
	ErrDuplicateID  = errors.New("id already pooled under another version")
)

// Key identifies a pool family.
type Key struct {
	Kind string
	Type string
}

func (k Key) String() string { return k.Kind + "/" + k.Type }

// Ref identifies a single version of a pool family.
type Ref struct {
	Key
	Version int
}

// Set is the id-set of one pool version.
type Set[ID comparable] struct {
	ids   map[ID]struct{}
	order []ID
}

func newSet[ID comparable]() *Set[ID] {
	return &Set[ID]{ids: map[ID]struct{}{}}
}

// Has reports whether id is a member.
func (s *Set[ID]) Has(id ID) bool {
	_, ok := s.ids[id]
	return ok
}

// Len returns the number of members.
func (s *Set[ID]) Len() int { return len(s.ids) }

// IDs returns the members in insertion order.
func (s *Set[ID]) IDs() []ID {
	out := make([]ID, len(s.order))
	copy(out, s.order)
	return out
}

func (s *Set[ID]) add(id ID) bool {
	if _, ok := s.ids[id]; ok {
		return false
	}
	s.ids[id] = struct{}{}
	s.order = append(s.order, id)
	return true
}

func (s *Set[ID]) remove(id ID) bool {
	if _, ok := s.ids[id]; !ok {
		return false
	}
	delete(s.ids, id)
	for i, v := range s.order {
		if v == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return true
}

type version[ID comparable] struct {
	number int
	set    *Set[ID]
}

// Pool maps each Key to its versions in ascending order.
type Pool[ID comparable] struct {
	entries map[Key][]version[ID]
}

// New returns an empty pool.
func New[ID comparable]() *Pool[ID] {
	return &Pool[ID]{entries: map[Key][]version[ID]{}}
}

// InitializeVersion appends an empty version entry. Versions must be
// appended in strictly increasing order.
func (p *Pool[ID]) InitializeVersion(kind, typ string, v int) error {
	k := Key{Kind: kind, Type: typ}
	list := p.entries[k]
	if n := len(list); n > 0 && list[n-1].number >= v {
		return fmt.Errorf("%w: %s v%d (latest v%d)", ErrVersionOrder, k, v, list[n-1].number)
	}
	p.entries[k] = append(list, version[ID]{number: v, set: newSet[ID]()})
	return nil
}

// Get returns the mutable id-set of a version.
func (p *Pool[ID]) Get(kind, typ string, v int) (*Set[ID], error) {
	k := Key{Kind: kind, Type: typ}
	for _, e := range p.entries[k] {
		if e.number == v {
			return e.set, nil
		}
	}
	return nil, fmt.Errorf("%w: %s v%d", ErrNotFound, k, v)
}

// Add puts id into version v. An id lives in at most one version of a key;
// adding it twice to the same version is a no-op.
func (p *Pool[ID]) Add(kind, typ string, v int, id ID) error {
	k := Key{Kind: kind, Type: typ}
	var target *Set[ID]
	for _, e := range p.entries[k] {
		if e.number == v {
			target = e.set
			continue
		}
		if e.set.Has(id) {
			return fmt.Errorf("%w: %v in %s v%d", ErrDuplicateID, id, k, e.number)
		}
	}
	if target == nil {
		return fmt.Errorf("%w: %s v%d", ErrNotFound, k, v)
	}
	target.add(id)
	return nil
}

// Remove deletes id from a version and reports whether it was present.
func (p *Pool[ID]) Remove(kind, typ string, v int, id ID) (bool, error) {
	set, err := p.Get(kind, typ, v)
	if err != nil {
		return false, err
	}
	return set.remove(id), nil
}

// RemoveVersionIfEmpty drops a version entry once its set is empty.
func (p *Pool[ID]) RemoveVersionIfEmpty(kind, typ string, v int) (bool, error) {
	k := Key{Kind: kind, Type: typ}
	list := p.entries[k]
	for i, e := range list {
		if e.number != v {
			continue
		}
		if e.set.Len() > 0 {
			return false, nil
		}
		list = append(list[:i:i], list[i+1:]...)
		if len(list) == 0 {
			delete(p.entries, k)
		} else {
			p.entries[k] = list
		}
		return true, nil
	}
	return false, fmt.Errorf("%w: %s v%d", ErrNotFound, k, v)
}

// RemoveKey drops a whole pool family regardless of contents.
func (p *Pool[ID]) RemoveKey(kind, typ string) {
	delete(p.entries, Key{Kind: kind, Type: typ})
}

// Latest returns the highest initialized version.
func (p *Pool[ID]) Latest(kind, typ string) (int, bool) {
	list := p.entries[Key{Kind: kind, Type: typ}]
	if len(list) == 0 {
		return 0, false
	}
	return list[len(list)-1].number, true
}

// Versions lists the initialized versions in ascending order.
func (p *Pool[ID]) Versions(kind, typ string) []int {
	list := p.entries[Key{Kind: kind, Type: typ}]
	out := make([]int, 0, len(list))
	for _, e := range list {
		out = append(out, e.number)
	}
	return out
}

// VersionOf finds the version currently holding id.
func (p *Pool[ID]) VersionOf(kind, typ string, id ID) (int, bool) {
	for _, e := range p.entries[Key{Kind: kind, Type: typ}] {
		if e.set.Has(id) {
			return e.number, true
		}
	}
	return 0, false
}

// Stale returns every non-latest version, sorted by key then version.
func (p *Pool[ID]) Stale() []Ref {
	var out []Ref
	for k, list := range p.entries {
		for i := 0; i < len(list)-1; i++ {
			out = append(out, Ref{Key: k, Version: list[i].number})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Key != out[j].Key {
			return out[i].Key.String() < out[j].Key.String()
		}
		return out[i].Version < out[j].Version
	})
	return out
}

// Keys lists all pool families.
func (p *Pool[ID]) Keys() []Key {
	out := make([]Key, 0, len(p.entries))
	for k := range p.entries {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}
