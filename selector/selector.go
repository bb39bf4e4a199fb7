// Package selector implements the backend selector of spec.md §4.2:
// given a session's backend set, a desired role, and constraints, it
// returns the one backend handle satisfying the configured selection
// criterion with deterministic tie-breaks. It generalizes the
// teacher's round-robin-with-health-map replica.Pool.GetReplica into a
// criterion-based, lag-bounded selection over an arbitrary roster.
package selector

import (
	"strings"

	"github.com/mevdschee/rwsplit/backend"
)

// Role is the desired backend role for a selection call.
type Role int

const (
	RoleReplica Role = iota
	RolePrimary
)

// Criterion is a total order over candidate backends, used to break
// ties between equally-qualified replicas, per spec.md §3's
// `selection criterion` configuration parameter. Lower is better.
type Criterion func(h *backend.Handle) int64

// LeastConnections, LeastBehindPrimary, LeastCurrentOperations,
// LeastOverallRoutes, and AdaptiveLatency are the five criteria named
// in spec.md §3. Each takes a live stats lookup so the criterion
// itself stays a pure total order; callers wire real counters in.
type Stats interface {
	Connections(name string) int64
	BehindPrimary(name string) int64
	CurrentOperations(name string) int64
	OverallRoutes(name string) int64
	AdaptiveLatency(name string) int64
}

func LeastConnections(s Stats) Criterion {
	return func(h *backend.Handle) int64 { return s.Connections(h.Name) }
}

func LeastBehindPrimary(s Stats) Criterion {
	return func(h *backend.Handle) int64 { return s.BehindPrimary(h.Name) }
}

func LeastCurrentOperations(s Stats) Criterion {
	return func(h *backend.Handle) int64 { return s.CurrentOperations(h.Name) }
}

func LeastOverallRoutes(s Stats) Criterion {
	return func(h *backend.Handle) int64 { return s.OverallRoutes(h.Name) }
}

func AdaptiveLatency(s Stats) Criterion {
	return func(h *backend.Handle) int64 { return s.AdaptiveLatency(h.Name) }
}

// Session is the narrow view of a router session the selector needs:
// its backend roster, a pinned forced node (if any), and whether a
// read-only transaction is currently active.
type Session interface {
	Backends() []*backend.Handle
	TargetNode() (*backend.Handle, bool)
	InReadOnlyTransaction() bool
	MasterAcceptReads() bool
}

// MaxLag of 0 means "no bound" throughout this package, matching
// spec.md's "an optional maximum replication lag".
const NoMaxLag = 0

// Select implements spec.md §4.2 in full: the forced-node short
// circuit, the optional named-server lookup with replica fallback,
// and the role-specific candidate walk.
func Select(sess Session, role Role, name string, maxLag int, criterion Criterion) *backend.Handle {
	if node, ok := sess.TargetNode(); ok && sess.InReadOnlyTransaction() {
		return node
	}

	if name != "" {
		if h := findNamed(sess, name); h != nil {
			return h
		}
		// Falls through as if the role were replica.
		role = RoleReplica
	}

	switch role {
	case RolePrimary:
		return selectPrimary(sess)
	default:
		return selectReplica(sess, maxLag, criterion)
	}
}

func findNamed(sess Session, name string) *backend.Handle {
	for _, h := range sess.Backends() {
		if !h.InUse() || !h.IsActive() {
			continue
		}
		if !h.IsPrimary() && !h.IsReplica() && !h.IsRelay() {
			continue
		}
		if strings.EqualFold(h.Name, name) {
			return h
		}
	}
	return nil
}

func selectReplica(sess Session, maxLag int, criterion Criterion) *backend.Handle {
	var candidate *backend.Handle
	candidateIsPrimary := false

	for _, h := range sess.Backends() {
		if !h.InUse() || !h.IsActive() {
			continue
		}
		if !h.IsPrimary() && !h.IsReplica() {
			continue
		}

		// Any primary-flagged backend counts as a qualifying candidate;
		// Session exposes no current primary, so it is not compared here.
		isCurrentPrimary := h.IsPrimary()
		qualifiesAsReplica := h.IsReplica() && qualifiesOnLag(h, maxLag)

		if candidate == nil {
			if isCurrentPrimary || qualifiesAsReplica {
				candidate = h
				candidateIsPrimary = isCurrentPrimary
			}
			continue
		}

		if candidateIsPrimary {
			if qualifiesAsReplica && !sess.MasterAcceptReads() {
				candidate = h
				candidateIsPrimary = false
			}
			continue
		}

		// candidate is a qualifying replica already.
		if qualifiesAsReplica && criterion != nil && criterion(h) < criterion(candidate) {
			candidate = h
		}
	}

	return candidate
}

func qualifiesOnLag(h *backend.Handle, maxLag int) bool {
	if maxLag <= NoMaxLag {
		return true
	}
	return h.Lag().Within(maxLag)
}

func selectPrimary(sess Session) *backend.Handle {
	var root *backend.Handle
	bestDepth := int(^uint(0) >> 1) // max int

	for _, h := range sess.Backends() {
		if !h.InUse() || !h.IsActive() || !h.IsPrimary() {
			continue
		}
		if h.Depth() < bestDepth {
			root = h
			bestDepth = h.Depth()
		}
	}

	// Re-check at the moment of return: its status may have changed
	// concurrently between the scan above and now, per spec.md §4.2.
	if root != nil && !root.IsPrimary() {
		return nil
	}
	return root
}
