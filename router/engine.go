// Package router implements the per-session routing engine of
// spec.md §4.4–§4.6: it classifies one request buffer at a time,
// resolves a route target, dispatches to the selected backend(s), and
// assembles backend replies back into the single client-visible
// stream. It generalizes the teacher's mariadb.clientConn dispatch
// loop (handshake → run → dispatch → per-command handlers in
// mariadb/mariadb.go) away from direct database/sql execution and
// toward forwarding through backend.Handle.
package router

import (
	"bytes"
	"fmt"
	"log"
	"time"

	"github.com/mevdschee/rwsplit/backend"
	"github.com/mevdschee/rwsplit/classify"
	"github.com/mevdschee/rwsplit/hint"
	"github.com/mevdschee/rwsplit/routetarget"
	"github.com/mevdschee/rwsplit/selector"
	"github.com/mevdschee/rwsplit/session"
	"github.com/mevdschee/rwsplit/wire"
)

// ClientConn is the narrow interface the engine needs to write bytes
// back to the client, e.g. a synthetic read-only error reply.
type ClientConn interface {
	Write(p []byte) (int, error)
}

// Metrics is the narrow observability port the engine reports through,
// satisfied structurally by *metrics.Collector.
type Metrics interface {
	ObserveRoute(target string)
	ObserveError(kind string)
	ObserveKeepalive()
}

type noopMetrics struct{}

func (noopMetrics) ObserveRoute(string) {}
func (noopMetrics) ObserveError(string) {}
func (noopMetrics) ObserveKeepalive()   {}

// Engine is one session's routing engine, grounded on the teacher's
// per-connection clientConn: one Engine per client session, holding
// everything needed to route that session's requests without shared
// mutable state across sessions.
type Engine struct {
	Session    *session.Session
	Classifier classify.Classifier
	ParseHints func(buf []byte) hint.Chain
	Client     ClientConn
	Metrics    Metrics
	Now        func() time.Time

	replyBuf map[*backend.Handle][]byte
}

// New builds a routing engine for sess. classifier and parseHints are
// external ports (spec.md §6); client is where completed replies and
// synthetic error packets are written.
func New(sess *session.Session, classifier classify.Classifier, parseHints func([]byte) hint.Chain, client ClientConn) *Engine {
	return &Engine{
		Session:    sess,
		Classifier: classifier,
		ParseHints: parseHints,
		Client:     client,
		Metrics:    noopMetrics{},
		Now:        time.Now,
		replyBuf:   make(map[*backend.Handle][]byte),
	}
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// Route is the main entrypoint, implementing spec.md §4.4's
// single-statement path and §4.5's session-write broadcast path for
// one request buffer.
func (e *Engine) Route(buf []byte) error {
	sess := e.Session
	if sess.Terminating() {
		return ErrSessionTerminating
	}

	if sess.LoadState() == session.LoadActive {
		return e.routeLoadDataChunk(buf)
	}

	res, err := e.Classifier.Classify(buf)
	if err != nil {
		// An uncertain classification is treated as a write, the safe
		// side of the split, per spec.md §7.
		res = classify.Result{QType: classify.Write | classify.Unknown}
	}
	qtype := res.QType

	e.handleMultiAndLoad(buf, res, &qtype)

	chain := e.ParseHints(buf)

	targetNode, targetNodeSet := sess.TargetNode()
	multiStmtNode, multiStmtPinned := sess.MultiStmtNode()
	targetNodeIsPrimary := false
	if targetNodeSet && sess.CurrentMaster() != nil && targetNode == sess.CurrentMaster() {
		targetNodeIsPrimary = true
	}
	if multiStmtPinned && multiStmtNode == sess.CurrentMaster() {
		targetNodeIsPrimary = true
	}

	target, warn := routetarget.Resolve(routetarget.Input{
		QType:               qtype,
		TrxActive:           sess.Trx().IsActive(),
		TrxReadOnly:         sess.Trx().IsReadOnly(),
		LoadActive:          sess.LoadState() != session.LoadInactive,
		Hints:               chain,
		Config:              routetarget.Config{UseSQLVariablesIn: sess.Config().UseSQLVariablesIn},
		TargetNodeSet:       targetNodeSet || multiStmtPinned,
		TargetNodeIsPrimary: targetNodeIsPrimary,
	})
	if warn != "" {
		log.Printf("[router] %s", warn)
	}
	for _, h := range chain {
		if h.Kind == hint.Parameter && h.Key != "max_slave_replication_lag" {
			log.Printf("[router] ignoring unknown hint parameter %q", h.Key)
		}
	}

	routeErr := e.dispatch(buf, qtype, target, chain, true)

	// Relaxed mode (strict_multi_stmt=false, the default): the pin only
	// covers the multi-statement packet itself, mirroring
	// route_single_stmt's "!strict_multi_stmt && target_node ==
	// current_master" reset in rwsplit_route_stmt.cc. In strict mode the
	// pin survives until something else clears it, so every later
	// statement keeps routing to the primary.
	if multiStmtPinned && !sess.Config().StrictMultiStmt {
		sess.ClearMultiStmtNode()
	}

	return routeErr
}

// handleMultiAndLoad implements spec.md §4.4 step 2, grounded on
// handle_multi_temp_and_load in rwsplit_route_stmt.cc: multi-statement
// detection and the primary pin happen unconditionally, OR-ing in WRITE
// when there is no primary to pin to. The pin itself is kept in the
// session's dedicated multiStmtNode rather than target_node, because
// target_node's invariant (spec.md §3) ties it to an active read-only
// transaction and this pin is neither a replica nor trx-scoped;
// strict_multi_stmt only decides how long the pin survives (see Route).
func (e *Engine) handleMultiAndLoad(buf []byte, res classify.Result, qtype *classify.QType) {
	sess := e.Session

	if _, pinned := sess.MultiStmtNode(); !pinned && isMultiStatement(buf) {
		if master := sess.CurrentMaster(); master != nil {
			sess.PinMultiStmt(master)
		} else {
			*qtype |= classify.Write
		}
	}

	if sess.HaveTmpTables() && qtype.Has(classify.ReadTmpTable) {
		*qtype |= classify.MasterRead
	}
	if qtype.Has(classify.CreateTmpTable) {
		sess.SetHaveTmpTables(true)
	}

	if res.Op == classify.OpLoad {
		sess.SetLoadState(session.LoadStart)
		sess.ResetLoadDataSent()
	}
}

func (e *Engine) dispatch(buf []byte, qtype classify.QType, target routetarget.Target, chain hint.Chain, expectsResponse bool) error {
	sess := e.Session

	switch {
	case target.Has(routetarget.All):
		e.Metrics.ObserveRoute("all")
		return e.broadcastSessionCommand(buf, expectsResponse)

	case target.Has(routetarget.NamedServer), target.Has(routetarget.RLagMax):
		name, _ := chain.NamedServer()
		lag, _ := chain.MaxSlaveReplicationLag()
		h := selector.Select(sess, selector.RoleReplica, name, lag, sess.Config().Criterion)
		if h == nil {
			e.Metrics.ObserveError("no_replica_available")
			return ErrNoReplicaAvailable
		}
		e.Metrics.ObserveRoute("replica")
		return e.forwardWithRetry(h, selector.RoleReplica, buf, expectsResponse)

	case target.Has(routetarget.Slave):
		// selector's own candidate walk already falls back to the
		// current primary when no qualifying replica exists; nil here
		// means the roster has no usable backend at all, spec.md §7's
		// "no replica available" kind.
		h := selector.Select(sess, selector.RoleReplica, "", 0, sess.Config().Criterion)
		if h == nil {
			e.Metrics.ObserveError("no_replica_available")
			return ErrNoReplicaAvailable
		}
		e.Metrics.ObserveRoute("replica")
		return e.forwardWithRetry(h, selector.RoleReplica, buf, expectsResponse)

	default: // Primary
		h := selector.Select(sess, selector.RolePrimary, "", selector.NoMaxLag, nil)
		if h == nil {
			e.Metrics.ObserveError("no_primary_available")
			return e.handleNoPrimaryAvailable(qtype.Has(classify.Write))
		}
		e.sendKeepAlives(h)
		e.Metrics.ObserveRoute("primary")
		if err := e.forward(h, buf, expectsResponse); err != nil {
			e.Metrics.ObserveError("backend_write_failed")
			return fmt.Errorf("%w: %v", ErrBackendWriteFailed, err)
		}
		return nil
	}
}

// forwardWithRetry implements spec.md §4.4 step 6 and the backend
// write failure policy of §7: a failed write to a replica is retried
// once against a different replica when retry_failed_reads is set; a
// successful write optionally stashes the statement for retry.
func (e *Engine) forwardWithRetry(h *backend.Handle, role selector.Role, buf []byte, expectsResponse bool) error {
	e.sendKeepAlives(h)
	if err := e.forward(h, buf, expectsResponse); err != nil {
		if role == selector.RoleReplica && e.Session.Config().RetryFailedReads {
			if h2 := e.selectExcluding(h); h2 != nil {
				if err2 := e.forward(h2, buf, expectsResponse); err2 == nil {
					e.Session.SetRetry(&session.RetryStash{Request: buf})
					return nil
				}
			}
		}
		e.Metrics.ObserveError("backend_write_failed")
		return fmt.Errorf("%w: %v", ErrBackendWriteFailed, err)
	}
	if role == selector.RoleReplica && e.Session.Config().RetryFailedReads {
		e.Session.SetRetry(&session.RetryStash{Request: buf})
	}
	return nil
}

// selectExcluding re-runs replica selection with h temporarily taken
// out of rotation. The session is single-threaded and cooperative
// (spec.md §5), so toggling in_use for the duration of one call is
// safe.
func (e *Engine) selectExcluding(h *backend.Handle) *backend.Handle {
	was := h.InUse()
	h.SetInUse(false)
	defer h.SetInUse(was)
	return selector.Select(e.Session, selector.RoleReplica, "", 0, e.Session.Config().Criterion)
}

func (e *Engine) forward(h *backend.Handle, buf []byte, expectsResponse bool) error {
	h.EnqueueStatement(expectsResponse)
	if err := h.Write(buf, expectsResponse); err != nil {
		return err
	}
	if e.Session.LoadState() == session.LoadStart {
		e.Session.SetLoadState(session.LoadActive)
	}
	return nil
}

// broadcastSessionCommand implements spec.md §4.5: the buffer becomes
// a log entry, it is enqueued and written to every in-use backend. The
// log checks its history bound inside Append, right after incrementing
// sescmd_count, so the bound can trip before any reply arrives.
func (e *Engine) broadcastSessionCommand(buf []byte, expectsResponse bool) error {
	sess := e.Session
	entry := sess.Log().Append(buf, expectsResponse)

	successes := 0
	for _, h := range sess.Backends() {
		if !h.InUse() {
			continue
		}
		h.EnqueueSessionCommand(entry)
		if err := h.Write(buf, expectsResponse); err != nil {
			log.Printf("[router] session command write failed on %s: %v", h.Name, err)
			continue
		}
		successes++
	}
	if successes == 0 {
		e.Metrics.ObserveError("no_backend_available")
		return ErrNoBackendAvailable
	}
	sess.SetSentSescmd(entry.Position)
	return nil
}

// routeLoadDataChunk implements the LOAD DATA LOCAL INFILE sub-state
// machine of spec.md §4.4/§9: while load_state is active, every buffer
// is raw file data (forwarded without classification) until an empty
// buffer marks the terminator.
func (e *Engine) routeLoadDataChunk(buf []byte) error {
	sess := e.Session
	h := sess.CurrentMaster()
	if h == nil {
		return e.handleNoPrimaryAvailable(true)
	}
	sess.AddLoadDataSent(int64(len(buf)))
	if len(buf) == 0 {
		sess.SetLoadState(session.LoadEnd)
		return e.forward(h, buf, true)
	}
	return e.forward(h, buf, false)
}

// handleNoPrimaryAvailable implements spec.md §7's master_failure_mode
// policy when no primary is selectable.
func (e *Engine) handleNoPrimaryAvailable(isWrite bool) error {
	sess := e.Session
	switch sess.Config().MasterFailureMode {
	case session.FailInstantly:
		sess.Terminate()
		return ErrSessionTerminated
	case session.FailOnWrite:
		if isWrite {
			sess.Terminate()
			return ErrSessionTerminated
		}
		return ErrNoPrimaryAvailable
	case session.ErrorOnWrite:
		if old := sess.CurrentMaster(); old != nil {
			old.Close()
		}
		if e.Client != nil {
			pkt := wire.ReadOnlyErrorPacket(wire.ClientProtocol41, 0)
			if _, err := e.Client.Write(pkt); err != nil {
				return err
			}
		}
		return nil
	default:
		return ErrNoPrimaryAvailable
	}
}

// sendKeepAlives implements spec.md §4.4 step 7: every other in-use,
// idle backend past the keepalive interval receives an ignorable ping.
func (e *Engine) sendKeepAlives(except *backend.Handle) {
	interval := e.Session.Config().ConnectionKeepalive
	if interval <= 0 {
		return
	}
	now := e.now()
	for _, h := range e.Session.Backends() {
		if h == except || !h.InUse() || h.AwaitingResult() {
			continue
		}
		if now.Sub(h.LastRead()) < interval {
			continue
		}
		// Handle.Write takes a bare payload, like every other forwarded
		// request, so the 4-byte packet header is left off.
		ping := wire.PingPacket(0)[4:]
		h.EnqueueStatement(true)
		if err := h.Write(ping, true); err != nil {
			log.Printf("[router] keepalive ping failed on %s: %v", h.Name, err)
			continue
		}
		h.Touch(now)
		e.Metrics.ObserveKeepalive()
	}
}

// isMultiStatement reports whether buf contains more than one
// semicolon-separated SQL statement, ignoring a single trailing
// semicolon and anything inside string/backtick quoting.
func isMultiStatement(buf []byte) bool {
	var quote byte
	for i := 0; i < len(buf); i++ {
		c := buf[i]
		switch {
		case quote != 0:
			if c == '\\' {
				i++
			} else if c == quote {
				quote = 0
			}
		case c == '\'' || c == '"' || c == '`':
			quote = c
		case c == ';':
			if len(bytes.TrimSpace(buf[i+1:])) != 0 {
				return true
			}
		}
	}
	return false
}
