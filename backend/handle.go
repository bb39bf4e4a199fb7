// Package backend models one session's connection to one database
// server: the connection itself, its role/health flags as last
// published by the monitor, and the per-backend session-command
// replay state. A Handle is owned by exactly one session (spec.md
// §3); it is never shared and never outlives the session that created
// it.
package backend

import (
	"time"

	"github.com/mevdschee/rwsplit/sescmd"
)

// Role is a bitfield: a backend can be flagged primary, replica, or
// relay, matching spec.md §3's role-flag enumeration.
type Role uint8

const (
	RolePrimary Role = 1 << iota
	RoleReplica
	RoleRelay
)

func (r Role) Has(flag Role) bool { return r&flag != 0 }

// Lag represents a replica's replication lag as published by the
// monitor. Known is false for the "unknown" sentinel in spec.md §3.
type Lag struct {
	Seconds int
	Known   bool
}

// Within reports whether the lag is within maxSeconds. Unknown lag is
// always treated as too far when a bound is given, per spec.md §4.2.
func (l Lag) Within(maxSeconds int) bool {
	if !l.Known {
		return false
	}
	return l.Seconds <= maxSeconds
}

// ReplyState is the small state machine a backend's in-flight reply
// moves through, per spec.md §4.6.
type ReplyState int

const (
	ReplyDone ReplyState = iota
	ReplyStart
	ReplyBody
	ReplyRsetColCount
	ReplyRsetRows
	ReplyRsetDone
)

// Conn is the narrow interface a Handle needs from the underlying
// network connection to the backend server. Production code backs it
// with a net.Conn (or a driver-specific wrapper); tests back it with
// an in-memory fake.
type Conn interface {
	Write(p []byte) (int, error)
	Close() error
}

// QueueItem is one entry on a backend's per-connection replay queue.
// SessionCmd is non-nil for session commands awaiting replay; it is
// nil for an ordinary statement slot, which only needs ExpectsResponse
// to drive the reply assembler in spec.md §4.6.
type QueueItem struct {
	SessionCmd      *sescmd.Entry
	ExpectsResponse bool
}

// Handle is one backend connection owned by a session.
type Handle struct {
	Name string

	roles       Role
	reachable   bool
	maintenance bool
	lagging     bool
	depth       int
	lag         Lag
	lastRead    time.Time

	conn Conn

	inUse          bool
	banned         bool
	awaitingResult bool
	cursor         int64
	expected       int
	replyState     ReplyState

	queue []QueueItem
}

// New creates a Handle for a backend server. The handle starts neither
// in-use nor active; a session marks it in-use once it opens (or
// lazily reuses) the underlying connection.
func New(name string, conn Conn) *Handle {
	return &Handle{Name: name, conn: conn, replyState: ReplyDone}
}

// SetStatus applies the monitor's latest published view of this
// server. It never mutates in_use/active/cursor, which are owned by
// the session, not the monitor.
func (h *Handle) SetStatus(roles Role, reachable, maintenance bool, depth int, lag Lag) {
	h.roles = roles
	h.reachable = reachable
	h.maintenance = maintenance
	h.depth = depth
	h.lag = lag
	h.lagging = lag.Known && lag.Seconds > 0
}

func (h *Handle) Roles() Role       { return h.roles }
func (h *Handle) IsPrimary() bool   { return h.roles.Has(RolePrimary) }
func (h *Handle) IsReplica() bool   { return h.roles.Has(RoleReplica) }
func (h *Handle) IsRelay() bool     { return h.roles.Has(RoleRelay) }
func (h *Handle) Reachable() bool   { return h.reachable }
func (h *Handle) Maintenance() bool { return h.maintenance }
func (h *Handle) Lagging() bool     { return h.lagging }
func (h *Handle) Depth() int        { return h.depth }
func (h *Handle) Lag() Lag          { return h.lag }

func (h *Handle) InUse() bool    { return h.inUse }
func (h *Handle) SetInUse(v bool) { h.inUse = v }

// IsActive reports whether the handle is currently eligible for
// selection: in use, reachable, not under maintenance, and not
// permanently banned from this session.
func (h *Handle) IsActive() bool {
	return h.inUse && h.reachable && !h.maintenance && !h.banned
}

// Ban permanently excludes this handle from selection for the rest of
// the session, per spec.md §7 (session-command divergence) and §4.3
// (history-bound eviction of behind replicas).
func (h *Handle) Ban() {
	h.banned = true
	h.inUse = false
}

// Banned reports whether Ban was called.
func (h *Handle) Banned() bool { return h.banned }

func (h *Handle) AwaitingResult() bool     { return h.awaitingResult }
func (h *Handle) LastRead() time.Time      { return h.lastRead }
func (h *Handle) Touch(now time.Time)      { h.lastRead = now }
func (h *Handle) ReplyState() ReplyState   { return h.replyState }
func (h *Handle) SetReplyState(s ReplyState) { h.replyState = s }
func (h *Handle) ExpectedReplies() int     { return h.expected }

// Cursor is the next session-command log position this backend has
// yet to execute. Implements sescmd.BackendTarget.
func (h *Handle) Cursor() int64 { return h.cursor }

// SetCursor implements sescmd.BackendTarget.
func (h *Handle) SetCursor(pos int64) { h.cursor = pos }

// EnqueueSessionCommand implements sescmd.BackendTarget: it appends a
// replay queue entry for a session command at the tail of this
// backend's queue.
func (h *Handle) EnqueueSessionCommand(e *sescmd.Entry) {
	h.queue = append(h.queue, QueueItem{SessionCmd: e, ExpectsResponse: e.AwaitsResponse})
}

// EnqueueStatement appends a plain (non-session-command) statement
// slot to the replay queue, used by the routing engine so the reply
// assembler can tell session-command replies from ordinary ones.
func (h *Handle) EnqueueStatement(expectsResponse bool) {
	h.queue = append(h.queue, QueueItem{ExpectsResponse: expectsResponse})
}

// Front returns the oldest outstanding queue item, if any.
func (h *Handle) Front() (QueueItem, bool) {
	if len(h.queue) == 0 {
		return QueueItem{}, false
	}
	return h.queue[0], true
}

// PopFront removes the oldest outstanding queue item.
func (h *Handle) PopFront() {
	if len(h.queue) == 0 {
		return
	}
	h.queue = h.queue[1:]
}

// QueueLen reports how many entries remain on the replay queue.
func (h *Handle) QueueLen() int { return len(h.queue) }

// Write sends request bytes to the backend and tracks the expected
// reply, per spec.md §4.4 step 5.
func (h *Handle) Write(request []byte, expectsResponse bool) error {
	if _, err := h.conn.Write(request); err != nil {
		return err
	}
	h.awaitingResult = true
	if expectsResponse {
		h.expected++
	}
	return nil
}

// CompleteOneReply decrements the expected-reply counter and clears
// awaiting-result once none remain, per spec.md §4.6.
func (h *Handle) CompleteOneReply() {
	if h.expected > 0 {
		h.expected--
	}
	if h.expected == 0 {
		h.awaitingResult = false
	}
	h.replyState = ReplyDone
}

// Close releases the underlying connection and marks the handle not
// in use. It is safe to call more than once.
func (h *Handle) Close() error {
	h.inUse = false
	if h.conn == nil {
		return nil
	}
	conn := h.conn
	h.conn = nil
	return conn.Close()
}
