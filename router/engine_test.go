package router

import (
	"errors"
	"testing"
	"time"

	"github.com/mevdschee/rwsplit/backend"
	"github.com/mevdschee/rwsplit/classify"
	"github.com/mevdschee/rwsplit/hint"
	"github.com/mevdschee/rwsplit/session"
)

type fakeConn struct {
	writes [][]byte
	failAt int // 0 means never fail
	calls  int
}

func (f *fakeConn) Write(p []byte) (int, error) {
	f.calls++
	if f.failAt != 0 && f.calls == f.failAt {
		return 0, errors.New("write failed")
	}
	f.writes = append(f.writes, append([]byte{}, p...))
	return len(p), nil
}
func (f *fakeConn) Close() error { return nil }

type fakeClient struct {
	writes [][]byte
}

func (c *fakeClient) Write(p []byte) (int, error) {
	c.writes = append(c.writes, append([]byte{}, p...))
	return len(p), nil
}

type fakeTrx struct{ active, readOnly bool }

func (f *fakeTrx) IsActive() bool   { return f.active }
func (f *fakeTrx) IsReadOnly() bool { return f.readOnly }
func (f *fakeTrx) IsEnding() bool   { return false }

func newHandle(name string, roles backend.Role, depth int, conn *fakeConn) *backend.Handle {
	h := backend.New(name, conn)
	h.SetInUse(true)
	h.SetStatus(roles, true, false, depth, backend.Lag{Known: true})
	return h
}

func classifyAs(qtype classify.QType) classify.Classifier {
	return classify.Func(func(buf []byte) (classify.Result, error) {
		return classify.Result{QType: qtype}, nil
	})
}

func noHints(buf []byte) hint.Chain { return nil }

func newEngine(sess *session.Session, c classify.Classifier, client ClientConn) *Engine {
	return New(sess, c, noHints, client)
}

func TestRouteReadGoesToReplica(t *testing.T) {
	pConn, rConn := &fakeConn{}, &fakeConn{}
	p := newHandle("p", backend.RolePrimary, 0, pConn)
	r := newHandle("r", backend.RoleReplica, 1, rConn)
	sess := session.Open([]*backend.Handle{p, r}, session.Config{}, &fakeTrx{})

	e := newEngine(sess, classifyAs(classify.Read), &fakeClient{})
	if err := e.Route([]byte("SELECT 1")); err != nil {
		t.Fatalf("Route: %v", err)
	}
	if len(rConn.writes) != 1 {
		t.Fatalf("replica writes = %d, want 1", len(rConn.writes))
	}
	if len(pConn.writes) != 0 {
		t.Fatalf("primary writes = %d, want 0", len(pConn.writes))
	}
}

func TestRouteWriteGoesToPrimary(t *testing.T) {
	pConn, rConn := &fakeConn{}, &fakeConn{}
	p := newHandle("p", backend.RolePrimary, 0, pConn)
	r := newHandle("r", backend.RoleReplica, 1, rConn)
	sess := session.Open([]*backend.Handle{p, r}, session.Config{}, &fakeTrx{})

	e := newEngine(sess, classifyAs(classify.Write), &fakeClient{})
	if err := e.Route([]byte("UPDATE t SET x=1")); err != nil {
		t.Fatalf("Route: %v", err)
	}
	if len(pConn.writes) != 1 {
		t.Fatalf("primary writes = %d, want 1", len(pConn.writes))
	}
	if len(rConn.writes) != 0 {
		t.Fatalf("replica writes = %d, want 0", len(rConn.writes))
	}
}

func TestRouteSessionWriteBroadcasts(t *testing.T) {
	pConn, rConn := &fakeConn{}, &fakeConn{}
	p := newHandle("p", backend.RolePrimary, 0, pConn)
	r := newHandle("r", backend.RoleReplica, 1, rConn)
	sess := session.Open([]*backend.Handle{p, r}, session.Config{}, &fakeTrx{})

	e := newEngine(sess, classifyAs(classify.SessionWrite), &fakeClient{})
	if err := e.Route([]byte("SET autocommit=0")); err != nil {
		t.Fatalf("Route: %v", err)
	}
	if len(pConn.writes) != 1 || len(rConn.writes) != 1 {
		t.Fatalf("expected broadcast to both backends, got p=%d r=%d", len(pConn.writes), len(rConn.writes))
	}
	if sess.Log().Count() != 1 {
		t.Fatalf("Log().Count() = %d, want 1", sess.Log().Count())
	}
	if sess.SentSescmd() != 0 {
		t.Fatalf("SentSescmd() = %d, want 0", sess.SentSescmd())
	}
}

func TestRouteNoPrimaryFailInstantlyTerminates(t *testing.T) {
	rConn := &fakeConn{}
	r := newHandle("r", backend.RoleReplica, 1, rConn)
	sess := session.Open([]*backend.Handle{r}, session.Config{MasterFailureMode: session.FailInstantly}, &fakeTrx{})

	e := newEngine(sess, classifyAs(classify.Write), &fakeClient{})
	err := e.Route([]byte("UPDATE t SET x=1"))
	if !errors.Is(err, ErrSessionTerminated) {
		t.Fatalf("err = %v, want ErrSessionTerminated", err)
	}
	if !sess.Terminating() {
		t.Fatal("expected session to be terminating")
	}
}

func TestRouteNoPrimaryErrorOnWriteSendsSyntheticReply(t *testing.T) {
	rConn := &fakeConn{}
	r := newHandle("r", backend.RoleReplica, 1, rConn)
	sess := session.Open([]*backend.Handle{r}, session.Config{MasterFailureMode: session.ErrorOnWrite}, &fakeTrx{})

	client := &fakeClient{}
	e := newEngine(sess, classifyAs(classify.Write), client)
	if err := e.Route([]byte("UPDATE t SET x=1")); err != nil {
		t.Fatalf("Route: %v", err)
	}
	if sess.Terminating() {
		t.Fatal("error-on-write must not terminate the session")
	}
	if len(client.writes) != 1 {
		t.Fatalf("client writes = %d, want 1 synthetic error packet", len(client.writes))
	}
}

func TestRouteRetryFailedReadsReselectsOnWriteFailure(t *testing.T) {
	pConn := &fakeConn{}
	r1Conn := &fakeConn{failAt: 1}
	r2Conn := &fakeConn{}
	p := newHandle("p", backend.RolePrimary, 0, pConn)
	r1 := newHandle("r1", backend.RoleReplica, 1, r1Conn)
	r2 := newHandle("r2", backend.RoleReplica, 1, r2Conn)
	sess := session.Open([]*backend.Handle{p, r1, r2}, session.Config{RetryFailedReads: true}, &fakeTrx{})

	e := newEngine(sess, classifyAs(classify.Read), &fakeClient{})
	if err := e.Route([]byte("SELECT 1")); err != nil {
		t.Fatalf("Route: %v", err)
	}
	if len(r1Conn.writes) != 0 {
		t.Fatalf("r1 should have failed its only write attempt, got %d successful writes", len(r1Conn.writes))
	}
	if len(r2Conn.writes) != 1 {
		t.Fatalf("r2 writes = %d, want 1 (retry target)", len(r2Conn.writes))
	}
	if sess.Retry() == nil {
		t.Fatal("expected a retry stash to be recorded for the successful retry")
	}
}

func TestRouteKeepAlivePingsIdleBackends(t *testing.T) {
	pConn, rConn := &fakeConn{}, &fakeConn{}
	p := newHandle("p", backend.RolePrimary, 0, pConn)
	r := newHandle("r", backend.RoleReplica, 1, rConn)
	r.Touch(time.Unix(0, 0))
	sess := session.Open([]*backend.Handle{p, r}, session.Config{ConnectionKeepalive: time.Second}, &fakeTrx{})

	e := newEngine(sess, classifyAs(classify.Write), &fakeClient{})
	e.Now = func() time.Time { return time.Unix(0, 0).Add(time.Hour) }

	if err := e.Route([]byte("UPDATE t SET x=1")); err != nil {
		t.Fatalf("Route: %v", err)
	}
	if len(rConn.writes) != 1 {
		t.Fatalf("replica should have received exactly one keepalive ping, got %d writes", len(rConn.writes))
	}
}

func TestRouteLoadDataStateMachine(t *testing.T) {
	pConn, rConn := &fakeConn{}, &fakeConn{}
	p := newHandle("p", backend.RolePrimary, 0, pConn)
	r := newHandle("r", backend.RoleReplica, 1, rConn)
	sess := session.Open([]*backend.Handle{p, r}, session.Config{}, &fakeTrx{})

	e := newEngine(sess, classifyAs(classify.Write), &fakeClient{})
	e.Classifier = classify.Func(func(buf []byte) (classify.Result, error) {
		return classify.Result{QType: classify.Write, Op: classify.OpLoad}, nil
	})

	if err := e.Route([]byte("LOAD DATA LOCAL INFILE 'x' INTO TABLE t")); err != nil {
		t.Fatalf("Route: %v", err)
	}
	if sess.LoadState() != session.LoadActive {
		t.Fatalf("LoadState() = %v, want LoadActive", sess.LoadState())
	}

	if err := e.Route([]byte("raw file bytes")); err != nil {
		t.Fatalf("Route (data chunk): %v", err)
	}
	if sess.LoadState() != session.LoadActive {
		t.Fatalf("LoadState() after data chunk = %v, want LoadActive", sess.LoadState())
	}

	if err := e.Route(nil); err != nil {
		t.Fatalf("Route (terminator): %v", err)
	}
	if sess.LoadState() != session.LoadEnd {
		t.Fatalf("LoadState() after terminator = %v, want LoadEnd", sess.LoadState())
	}
	if len(pConn.writes) != 3 {
		t.Fatalf("primary writes = %d, want 3 (LOAD start, data, terminator)", len(pConn.writes))
	}
}

func TestRouteMultiStatementPinsToPrimaryRegardlessOfStrictMode(t *testing.T) {
	pConn, rConn := &fakeConn{}, &fakeConn{}
	p := newHandle("p", backend.RolePrimary, 0, pConn)
	r := newHandle("r", backend.RoleReplica, 1, rConn)
	sess := session.Open([]*backend.Handle{p, r}, session.Config{StrictMultiStmt: false}, &fakeTrx{})

	e := newEngine(sess, classifyAs(classify.Write), &fakeClient{})
	if err := e.Route([]byte("INSERT INTO t VALUES (1); INSERT INTO t VALUES (2)")); err != nil {
		t.Fatalf("Route: %v", err)
	}
	if len(pConn.writes) != 1 {
		t.Fatalf("primary writes = %d, want 1", len(pConn.writes))
	}
	if _, pinned := sess.MultiStmtNode(); pinned {
		t.Fatal("relaxed mode must release the multi-statement pin after routing")
	}

	// A following plain read, with no multi-statement marker, should go
	// back to the replica since the pin was released.
	e.Classifier = classifyAs(classify.Read)
	if err := e.Route([]byte("SELECT 1")); err != nil {
		t.Fatalf("Route: %v", err)
	}
	if len(rConn.writes) != 1 {
		t.Fatalf("replica writes = %d, want 1 after pin release", len(rConn.writes))
	}
}

func TestRouteMultiStatementPinPersistsInStrictMode(t *testing.T) {
	pConn, rConn := &fakeConn{}, &fakeConn{}
	p := newHandle("p", backend.RolePrimary, 0, pConn)
	r := newHandle("r", backend.RoleReplica, 1, rConn)
	sess := session.Open([]*backend.Handle{p, r}, session.Config{StrictMultiStmt: true}, &fakeTrx{})

	e := newEngine(sess, classifyAs(classify.Write), &fakeClient{})
	if err := e.Route([]byte("INSERT INTO t VALUES (1); INSERT INTO t VALUES (2)")); err != nil {
		t.Fatalf("Route: %v", err)
	}
	if _, pinned := sess.MultiStmtNode(); !pinned {
		t.Fatal("strict mode must keep the multi-statement pin set")
	}

	e.Classifier = classifyAs(classify.Read)
	if err := e.Route([]byte("SELECT 1")); err != nil {
		t.Fatalf("Route: %v", err)
	}
	if len(pConn.writes) != 2 {
		t.Fatalf("primary writes = %d, want 2 (multi-stmt packet + later read still pinned)", len(pConn.writes))
	}
	if len(rConn.writes) != 0 {
		t.Fatalf("replica writes = %d, want 0 while pin is held", len(rConn.writes))
	}
}

func TestRouteTmpTableReadUpgradesToPrimary(t *testing.T) {
	pConn, rConn := &fakeConn{}, &fakeConn{}
	p := newHandle("p", backend.RolePrimary, 0, pConn)
	r := newHandle("r", backend.RoleReplica, 1, rConn)
	sess := session.Open([]*backend.Handle{p, r}, session.Config{}, &fakeTrx{})

	e := newEngine(sess, classifyAs(classify.Write|classify.CreateTmpTable), &fakeClient{})
	if err := e.Route([]byte("CREATE TEMPORARY TABLE tmp (id INT)")); err != nil {
		t.Fatalf("Route: %v", err)
	}
	if !sess.HaveTmpTables() {
		t.Fatal("expected HaveTmpTables() to be set after a CREATE TEMPORARY TABLE")
	}

	e.Classifier = classifyAs(classify.Read | classify.ReadTmpTable)
	if err := e.Route([]byte("SELECT * FROM tmp")); err != nil {
		t.Fatalf("Route: %v", err)
	}
	if len(pConn.writes) != 2 {
		t.Fatalf("primary writes = %d, want 2 (CREATE TEMPORARY TABLE + temp-table read)", len(pConn.writes))
	}
	if len(rConn.writes) != 0 {
		t.Fatalf("replica writes = %d, want 0: temp-table read must not go to a replica", len(rConn.writes))
	}
}

func TestRouteLoadDataAccumulatesSentBytes(t *testing.T) {
	pConn := &fakeConn{}
	p := newHandle("p", backend.RolePrimary, 0, pConn)
	sess := session.Open([]*backend.Handle{p}, session.Config{}, &fakeTrx{})

	e := newEngine(sess, classifyAs(classify.Write), &fakeClient{})
	e.Classifier = classify.Func(func(buf []byte) (classify.Result, error) {
		return classify.Result{QType: classify.Write, Op: classify.OpLoad}, nil
	})
	if err := e.Route([]byte("LOAD DATA LOCAL INFILE 'x' INTO TABLE t")); err != nil {
		t.Fatalf("Route: %v", err)
	}
	if err := e.Route([]byte("0123456789")); err != nil {
		t.Fatalf("Route (data chunk): %v", err)
	}
	if err := e.Route(nil); err != nil {
		t.Fatalf("Route (terminator): %v", err)
	}
	if got := sess.LoadDataSent(); got != 10 {
		t.Fatalf("LoadDataSent() = %d, want 10", got)
	}
}

func TestIsMultiStatement(t *testing.T) {
	cases := []struct {
		buf  string
		want bool
	}{
		{"SELECT 1", false},
		{"SELECT 1;", false},
		{"SELECT 1; SELECT 2", true},
		{"SELECT ';'; SELECT 2", true},
		{"SELECT ';'", false},
	}
	for _, tc := range cases {
		if got := isMultiStatement([]byte(tc.buf)); got != tc.want {
			t.Errorf("isMultiStatement(%q) = %v, want %v", tc.buf, got, tc.want)
		}
	}
}
