// Package monitor defines the contract spec.md §6 describes for the
// external monitor subsystem: for each configured server it publishes
// {role, reachable, maintenance, replication_depth,
// replication_lag_seconds | unknown} atomically, and a failover event
// is detected when the set of primary-flagged servers changes.
//
// The publishing side is generalized from the teacher's
// replica.Pool health map (a mutex-guarded map updated by a
// health-check goroutine) into the lock-free, sequentially-consistent
// atomic-value model spec.md §5 requires: sessions read roster entries
// without locking and tolerate brief staleness by re-checking at the
// moment of dispatch.
package monitor

import (
	"sync/atomic"

	"github.com/mevdschee/rwsplit/backend"
)

// Status is one server's published state, read by sessions without
// locking.
type Status struct {
	Roles       backend.Role
	Reachable   bool
	Maintenance bool
	Depth       int
	Lag         backend.Lag
}

// Roster publishes the current Status of every configured server
// behind one atomic pointer per server, so readers never block behind
// the monitor's writes and writes never block behind readers.
type Roster struct {
	entries map[string]*atomic.Pointer[Status]
	order   []string
}

// NewRoster creates a roster for the given server names.
func NewRoster(names []string) *Roster {
	r := &Roster{entries: make(map[string]*atomic.Pointer[Status], len(names)), order: append([]string(nil), names...)}
	for _, n := range names {
		p := &atomic.Pointer[Status]{}
		p.Store(&Status{})
		r.entries[n] = p
	}
	return r
}

// Publish atomically updates one server's status. Called by the
// monitor thread; never by a session.
func (r *Roster) Publish(name string, s Status) {
	p, ok := r.entries[name]
	if !ok {
		return
	}
	p.Store(&s)
}

// Status returns the last published status for name. Safe for
// concurrent use by any number of session workers.
func (r *Roster) Status(name string) (Status, bool) {
	p, ok := r.entries[name]
	if !ok {
		return Status{}, false
	}
	return *p.Load(), true
}

// Names returns the configured server names in publish order.
func (r *Roster) Names() []string { return r.order }

// Primaries returns the set of server names currently flagged
// primary. Comparing two calls' results is how a failover event is
// detected, per spec.md §6.
func (r *Roster) Primaries() map[string]bool {
	out := make(map[string]bool)
	for _, n := range r.order {
		if s, ok := r.Status(n); ok && s.Roles.Has(backend.RolePrimary) {
			out[n] = true
		}
	}
	return out
}

// PrimariesChanged reports whether the primary set differs between
// two snapshots returned by Primaries.
func PrimariesChanged(prev, cur map[string]bool) bool {
	if len(prev) != len(cur) {
		return true
	}
	for n := range prev {
		if !cur[n] {
			return true
		}
	}
	return false
}
