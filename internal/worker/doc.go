// Package worker is the worker registry: versioned worker configurations,
// pooled worker instances and the background job that drains superseded
// pool versions.
//
// Configurations are immutable per version. UpdateConfig always installs a
// new version; instances of older versions keep serving until they are
// released, after which the cleanup job destroys them and retires the old
// version once its pool is empty.
//
// What a worker actually is stays opaque. Each kind registers a
// CapabilityProvider (the tools it offers) and a Lifecycle (how to
// materialize and tear down a payload).
package worker
