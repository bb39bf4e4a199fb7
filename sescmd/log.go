// Package sescmd implements the session-command log: the ordered
// record of session-scoping statements (SET, USE, prepares) that must
// be replayed on every backend participating in a session, per
// spec.md §3 and §4.3.
package sescmd

// Entry is one session-scoping statement. Request is shared-owned by
// the log and by every backend's replay queue (spec.md §9); once
// appended it is never mutated.
type Entry struct {
	Position       int64
	Request        []byte
	AwaitsResponse bool
}

// BackendTarget is the narrow view of a backend.Handle the log needs
// in order to stamp and advance it. Kept as an interface here (rather
// than importing package backend) to avoid a dependency cycle, since
// backend.Handle in turn needs the Entry type defined above.
type BackendTarget interface {
	Cursor() int64
	SetCursor(int64)
	EnqueueSessionCommand(*Entry)
	InUse() bool
}

// Log is one session's ordered session-command history plus the
// response map described in spec.md §3. It is not safe for concurrent
// use: per spec.md §5 a session is driven by exactly one worker.
type Log struct {
	entries []*Entry
	count   int64 // sescmd_count

	responses map[int64][]byte
	divergent map[int64]bool

	maxHistory     int
	historyEnabled bool

	live []BackendTarget // current in-use backends, for pruning
}

// New creates an empty log. maxHistory <= 0 disables the bound
// (history never auto-disables).
func New(maxHistory int) *Log {
	return &Log{
		responses:      make(map[int64][]byte),
		divergent:      make(map[int64]bool),
		maxHistory:     maxHistory,
		historyEnabled: true,
	}
}

// Count returns sescmd_count, the number of entries ever appended.
func (l *Log) Count() int64 { return l.count }

// Len reports how many entries remain in the log (post-pruning).
func (l *Log) Len() int { return len(l.entries) }

// HistoryEnabled reports whether the history bound is still active.
func (l *Log) HistoryEnabled() bool { return l.historyEnabled }

// TrackBackends updates the set of in-use backends the log considers
// when computing the prune floor. The session calls this whenever its
// backend set changes (open, failover, replica loss or rejoin).
func (l *Log) TrackBackends(backends []BackendTarget) { l.live = backends }

// Append adds a new session-command entry and returns it. The history
// bound is checked right after sescmd_count is incremented, so the
// append that reaches the bound also disables history and clears the
// log; the returned entry stays valid for the caller to enqueue.
func (l *Log) Append(request []byte, awaitsResponse bool) *Entry {
	e := &Entry{
		Position:       l.count,
		Request:        request,
		AwaitsResponse: awaitsResponse,
	}
	l.entries = append(l.entries, e)
	l.count++
	l.maybeTripHistoryBound()
	return e
}

// Stamp enqueues every entry whose position is >= the backend's
// cursor onto the backend's replay queue, per spec.md §4.3 and the
// "append-then-stamp" law in §8. It does not advance the cursor;
// advancing only happens once a reply for that position arrives.
func (l *Log) Stamp(b BackendTarget) {
	cursor := b.Cursor()
	for _, e := range l.entries {
		if e.Position >= cursor {
			b.EnqueueSessionCommand(e)
		}
	}
}

// Advance records a backend's reply for position, advances that
// backend's cursor past it, and prunes the log if bounded. It returns
// whether this is the first reply recorded at position (the one that
// should be forwarded to the client) and whether a divergence was
// detected against an earlier reply at the same position.
func (l *Log) Advance(b BackendTarget, position int64, reply []byte) (first, diverged bool) {
	existing, ok := l.responses[position]
	switch {
	case !ok:
		l.responses[position] = reply
		first = true
	case !bytesEqual(existing, reply):
		diverged = true
		l.divergent[position] = true
	}

	b.SetCursor(position + 1)

	l.maybeTripHistoryBound()
	l.prune()

	return first, diverged
}

// maybeTripHistoryBound implements spec.md §4.3's "history-bound
// reached" transition: once sescmd_count hits the configured bound,
// history is disabled and the log (but not in-flight backend queues,
// which hold their own references) is cleared. From here the session
// is responsible for dropping any replica whose cursor fell behind.
func (l *Log) maybeTripHistoryBound() {
	if !l.historyEnabled || l.maxHistory <= 0 {
		return
	}
	if l.count < int64(l.maxHistory) {
		return
	}
	l.historyEnabled = false
	l.entries = nil
	l.responses = make(map[int64][]byte)
	l.divergent = make(map[int64]bool)
}

// prune drops entries and responses below min(cursor) over the
// tracked in-use backends, per spec.md §3's log-retention invariant.
// It is idempotent: pruning twice with no intervening append leaves
// the log unchanged (spec.md §8).
func (l *Log) prune() {
	if !l.historyEnabled {
		return
	}
	if l.maxHistory > 0 && int64(len(l.entries)) <= int64(l.maxHistory) {
		return
	}

	floor := l.minCursor()
	if floor <= 0 {
		return
	}

	kept := l.entries[:0:0]
	for _, e := range l.entries {
		if e.Position >= floor {
			kept = append(kept, e)
		} else {
			delete(l.responses, e.Position)
			delete(l.divergent, e.Position)
		}
	}
	l.entries = kept
}

func (l *Log) minCursor() int64 {
	min := int64(-1)
	for _, b := range l.live {
		if !b.InUse() {
			continue
		}
		c := b.Cursor()
		if min == -1 || c < min {
			min = c
		}
	}
	if min == -1 {
		return 0
	}
	return min
}

// Response returns the authoritative reply recorded at position, if
// any.
func (l *Log) Response(position int64) ([]byte, bool) {
	r, ok := l.responses[position]
	return r, ok
}

// Diverged reports whether a divergence was ever detected at
// position.
func (l *Log) Diverged(position int64) bool { return l.divergent[position] }

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
