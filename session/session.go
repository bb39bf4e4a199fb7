// Package session implements the router session and its failover
// handling, per spec.md §3 and §4.7. A Session owns the per-session
// set of backend handles, the weak current_master/target_node
// relations into that set, the session-command log, and the frozen
// configuration snapshot. It generalizes the teacher's
// mariadb.clientConn (one struct per client connection, driving a
// dispatch loop) away from direct database/sql execution and toward
// forwarding through backend.Handle.
package session

import (
	"errors"
	"time"

	"github.com/mevdschee/rwsplit/backend"
	"github.com/mevdschee/rwsplit/routetarget"
	"github.com/mevdschee/rwsplit/selector"
	"github.com/mevdschee/rwsplit/sescmd"
)

// ErrBackendBanned is returned when code tries to rejoin a backend
// that was permanently excluded from this session (history-bound
// eviction or session-command divergence), per spec.md §4.3/§7.
var ErrBackendBanned = errors.New("session: backend is banned for the remainder of this session")

// MasterFailureMode controls what happens when no primary is
// selectable, per spec.md §3.
type MasterFailureMode int

const (
	FailInstantly MasterFailureMode = iota
	FailOnWrite
	ErrorOnWrite
)

// LoadDataState is the LOAD DATA LOCAL INFILE sub-state machine of
// spec.md §4.4 and §9.
type LoadDataState int

const (
	LoadInactive LoadDataState = iota
	LoadStart
	LoadActive
	LoadEnd
)

// Config is the frozen Routing configuration snapshot of spec.md §3.
type Config struct {
	Criterion            selector.Criterion
	UseSQLVariablesIn    routetarget.UseSQLVariablesIn
	MasterFailureMode    MasterFailureMode
	MaxSescmdHistory     int
	DisableSescmdHistory bool
	RetryFailedReads     bool
	MasterAcceptReads    bool
	StrictMultiStmt      bool
	ConnectionKeepalive  time.Duration
}

// TrxOracle is the external transaction-state tracker of spec.md §6.
// The router never computes these from SQL.
type TrxOracle interface {
	IsActive() bool
	IsReadOnly() bool
	IsEnding() bool
}

// RetryStash holds one statement pending a single reselect-and-retry,
// per spec.md §4.4 step 6 and §7's retry_failed_reads policy.
type RetryStash struct {
	Request []byte
	Attempt int
}

// Session is one client's routing state machine.
type Session struct {
	backends []*backend.Handle
	byName   map[string]*backend.Handle

	currentMaster *backend.Handle // weak: index into backends, never a second owner
	targetNode    *backend.Handle
	multiStmtNode *backend.Handle // weak: primary pin from an in-flight multi-statement packet

	log *sescmd.Log
	cfg Config
	trx TrxOracle

	loadState     LoadDataState
	loadDataSent  int64
	haveTmpTables bool
	sentSescmd    int64
	retry         *RetryStash
	terminating   bool
}

// Open creates a session over the given backend handles, computes the
// initial root primary (spec.md §4.2), and snapshots cfg. backends
// need not all be in_use yet; lazy connection is permitted by
// spec.md §4.7.
func Open(backends []*backend.Handle, cfg Config, trx TrxOracle) *Session {
	s := &Session{
		backends: backends,
		byName:   make(map[string]*backend.Handle, len(backends)),
		log:      sescmd.New(cfg.MaxSescmdHistory),
		cfg:      cfg,
		trx:      trx,
	}
	for _, h := range backends {
		s.byName[h.Name] = h
	}
	s.retrackLog()
	s.currentMaster = selector.Select(s, selector.RolePrimary, "", selector.NoMaxLag, nil)
	return s
}

func (s *Session) retrackLog() {
	targets := make([]sescmd.BackendTarget, len(s.backends))
	for i, h := range s.backends {
		targets[i] = h
	}
	s.log.TrackBackends(targets)
}

// Backends implements selector.Session.
func (s *Session) Backends() []*backend.Handle { return s.backends }

// ByName looks up a backend handle by its stable server name.
func (s *Session) ByName(name string) (*backend.Handle, bool) {
	h, ok := s.byName[name]
	return h, ok
}

// CurrentMaster returns the session's current primary relation, which
// may be nil if none is selectable.
func (s *Session) CurrentMaster() *backend.Handle { return s.currentMaster }

// TargetNode implements selector.Session.
func (s *Session) TargetNode() (*backend.Handle, bool) {
	if s.targetNode == nil {
		return nil, false
	}
	return s.targetNode, true
}

// PinTargetNode pins h as the forced node for the duration of an
// active read-only transaction, per spec.md §3's target_node
// invariant: h must already be in_use.
func (s *Session) PinTargetNode(h *backend.Handle) {
	s.targetNode = h
}

// ClearTargetNode releases the forced-node pin once the read-only
// transaction ends.
func (s *Session) ClearTargetNode() { s.targetNode = nil }

// MultiStmtNode returns the primary pin left by a previously routed
// multi-statement packet, per spec.md §4.4 step 2. This is tracked
// separately from TargetNode because TargetNode's invariant (spec.md
// §3) ties it to an active read-only transaction and this pin is
// neither a replica nor transaction-scoped.
func (s *Session) MultiStmtNode() (*backend.Handle, bool) {
	if s.multiStmtNode == nil {
		return nil, false
	}
	return s.multiStmtNode, true
}

// PinMultiStmt pins h (the current primary) so that every statement
// following a detected multi-statement packet keeps routing to it,
// until ClearMultiStmtNode is called.
func (s *Session) PinMultiStmt(h *backend.Handle) { s.multiStmtNode = h }

// ClearMultiStmtNode releases the multi-statement primary pin. Called
// unconditionally after routing unless strict_multi_stmt keeps the pin
// alive for future statements (spec.md §4.4 step 2, relaxed mode).
func (s *Session) ClearMultiStmtNode() { s.multiStmtNode = nil }

// InReadOnlyTransaction implements selector.Session.
func (s *Session) InReadOnlyTransaction() bool {
	return s.targetNode != nil && s.trx.IsActive() && s.trx.IsReadOnly()
}

// MasterAcceptReads implements selector.Session.
func (s *Session) MasterAcceptReads() bool { return s.cfg.MasterAcceptReads }

// Trx exposes the transaction-state oracle to the routing engine.
func (s *Session) Trx() TrxOracle { return s.trx }

// Config returns the frozen routing configuration.
func (s *Session) Config() Config { return s.cfg }

// Log returns the session-command log.
func (s *Session) Log() *sescmd.Log { return s.log }

func (s *Session) LoadState() LoadDataState    { return s.loadState }
func (s *Session) SetLoadState(v LoadDataState) { s.loadState = v }
func (s *Session) HaveTmpTables() bool         { return s.haveTmpTables }
func (s *Session) SetHaveTmpTables(v bool)     { s.haveTmpTables = v }
func (s *Session) SentSescmd() int64           { return s.sentSescmd }
func (s *Session) SetSentSescmd(pos int64)     { s.sentSescmd = pos }
func (s *Session) Retry() *RetryStash          { return s.retry }
func (s *Session) SetRetry(r *RetryStash)      { s.retry = r }
func (s *Session) ClearRetry()                 { s.retry = nil }
func (s *Session) Terminating() bool           { return s.terminating }

// LoadDataSent returns the number of LOAD DATA LOCAL INFILE payload
// bytes accumulated for the in-flight load, per spec.md §3's
// load_data_sent counter.
func (s *Session) LoadDataSent() int64 { return s.loadDataSent }

// AddLoadDataSent accumulates n payload bytes onto load_data_sent.
func (s *Session) AddLoadDataSent(n int64) { s.loadDataSent += n }

// ResetLoadDataSent zeroes load_data_sent at the start of a new load.
func (s *Session) ResetLoadDataSent() { s.loadDataSent = 0 }

// ExpectedResponses sums the per-backend expected-reply counters into
// the session-level aggregate spec.md §3/§8.1 describe.
func (s *Session) ExpectedResponses() int {
	total := 0
	for _, h := range s.backends {
		total += h.ExpectedReplies()
	}
	return total
}

// Terminate marks the session as shutting down: in-flight backend
// writes are allowed to complete to the extent already accepted, then
// every backend is closed and the retry stash is dropped, per
// spec.md §5's cancellation rules.
func (s *Session) Terminate() {
	s.terminating = true
	s.retry = nil
	for _, h := range s.backends {
		h.Close()
	}
}

// OnFailoverEvent recomputes the root primary and, if it changed,
// closes the obsolete primary handle so subsequent writes target the
// new primary without client-visible reconnection, per spec.md §4.7.
func (s *Session) OnFailoverEvent() (oldPrimary, newPrimary *backend.Handle, changed bool) {
	newPrimary = selector.Select(s, selector.RolePrimary, "", selector.NoMaxLag, nil)
	oldPrimary = s.currentMaster
	if samePointer(oldPrimary, newPrimary) {
		return oldPrimary, newPrimary, false
	}
	if oldPrimary != nil {
		oldPrimary.Close()
	}
	s.currentMaster = newPrimary
	return oldPrimary, newPrimary, true
}

// OnReplicaLost marks a replica not-in-use. If session-command
// history has already been disabled and the replica's cursor was
// behind sescmd_count, it is permanently banned from rejoining this
// session, per spec.md §4.7 and §4.3.
func (s *Session) OnReplicaLost(name string) {
	h, ok := s.byName[name]
	if !ok {
		return
	}
	behind := h.Cursor() < s.log.Count()
	h.SetInUse(false)
	if !s.log.HistoryEnabled() && behind {
		h.Ban()
	}
}

// RejoinBackend brings a previously-lost backend back into rotation.
// Its replay queue is seeded from its cursor before it is considered
// for selection again, per spec.md §5's newly-joined-backend rule.
func (s *Session) RejoinBackend(h *backend.Handle) error {
	if h.Banned() {
		return ErrBackendBanned
	}
	h.SetInUse(true)
	s.log.Stamp(h)
	return nil
}

// BanBackend permanently excludes h from selection for the rest of
// the session, used by the reply assembler on session-command
// divergence (spec.md §7).
func (s *Session) BanBackend(h *backend.Handle) {
	h.Ban()
}

func samePointer(a, b *backend.Handle) bool { return a == b }
