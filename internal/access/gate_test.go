package access

import (
	"context"
	"errors"
	"testing"
)

func TestLevelAllows(t *testing.T) {
	t.Parallel()
	cases := []struct {
		have, want Level
		ok         bool
	}{
		{ReadOnly, Read, true},
		{ReadOnly, Write, false},
		{ReadWrite, Write, true},
		{ReadExecute, Execute, true},
		{ReadExecute, ReadWrite, false},
		{Full, ReadExecute, true},
	}
	for _, tc := range cases {
		if got := tc.have.Allows(tc.want); got != tc.ok {
			t.Errorf("%s.Allows(%s) = %v, want %v", tc.have, tc.want, got, tc.ok)
		}
	}
}

func TestParseLevel(t *testing.T) {
	t.Parallel()
	for _, l := range []Level{ReadOnly, WriteOnly, ReadWrite, ReadExecute, Full} {
		got, err := ParseLevel(l.String())
		if err != nil || got != l {
			t.Fatalf("ParseLevel(%q) = %v,%v", l.String(), got, err)
		}
	}
	if _, err := ParseLevel("admin"); err == nil {
		t.Fatal("expected error for unknown level")
	}
}

func TestOwnerAndGrants(t *testing.T) {
	t.Parallel()
	g := NewMemory("system")
	if err := g.CreateResource("workers/fetcher/http", "alice", "system"); err != nil {
		t.Fatalf("CreateResource: %v", err)
	}
	if err := g.CheckPermission("workers/fetcher/http", "alice", Full); err != nil {
		t.Fatalf("owner check: %v", err)
	}
	err := g.CheckPermission("workers/fetcher/http", "bob", ReadOnly)
	if !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("err = %v, want ErrPermissionDenied", err)
	}

	if err := g.CreatePermissions("workers/fetcher/http", "bob", ReadExecute, "bob"); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("self-grant err = %v, want ErrPermissionDenied", err)
	}
	if err := g.CreatePermissions("workers/fetcher/http", "bob", ReadExecute, "alice"); err != nil {
		t.Fatalf("CreatePermissions: %v", err)
	}
	if !g.HasPermission("workers/fetcher/http", "bob", Execute) {
		t.Fatal("bob should have execute")
	}
	if g.HasPermission("workers/fetcher/http", "bob", Write) {
		t.Fatal("bob should not have write")
	}
	if err := g.RemovePermissions("workers/fetcher/http", "bob", "alice"); err != nil {
		t.Fatalf("RemovePermissions: %v", err)
	}
	if g.HasPermission("workers/fetcher/http", "bob", Read) {
		t.Fatal("bob should have lost read")
	}
}

func TestParentGrantCoversChildren(t *testing.T) {
	t.Parallel()
	g := NewMemory("system")
	_ = g.CreateResource("tasks", "system", "system")
	_ = g.CreatePermissions("tasks", "ops", ReadWrite, "system")
	_ = g.CreateResource("tasks/report/daily", "carol", "carol")

	if !g.HasPermission("tasks/report/daily", "ops", Write) {
		t.Fatal("parent grant should cover child")
	}
	if g.HasPermission("tasks/report/daily", "ops", Execute) {
		t.Fatal("parent grant should not add execute")
	}
	if !g.HasPermission("tasks/anything", "system", Full) {
		t.Fatal("superuser should be allowed on unregistered ids")
	}
}

func TestRemoveResource(t *testing.T) {
	t.Parallel()
	g := NewMemory()
	_ = g.CreateResource("runs/1", "alice", "alice")
	if err := g.RemoveResource("runs/1", "bob"); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("err = %v, want ErrPermissionDenied", err)
	}
	if err := g.RemoveResource("runs/1", "alice"); err != nil {
		t.Fatalf("RemoveResource: %v", err)
	}
	if err := g.RemoveResource("runs/1", "alice"); err != nil {
		t.Fatalf("second RemoveResource: %v", err)
	}
	if err := g.CreatePermissions("runs/1", "bob", ReadOnly, "alice"); !errors.Is(err, ErrNoResource) {
		t.Fatalf("err = %v, want ErrNoResource", err)
	}
}

func TestActorContext(t *testing.T) {
	t.Parallel()
	if got := ActorFrom(context.Background()); got != "" {
		t.Fatalf("ActorFrom(empty) = %q", got)
	}
	ctx := WithActor(context.Background(), "alice")
	if got := ActorFrom(ctx); got != "alice" {
		t.Fatalf("ActorFrom = %q, want alice", got)
	}
	if err := AllowAll().CheckPermission("x", "", Full); err != nil {
		t.Fatalf("AllowAll denied: %v", err)
	}
}
