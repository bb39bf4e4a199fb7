package router

import (
	"testing"

	"github.com/mevdschee/rwsplit/backend"
	"github.com/mevdschee/rwsplit/classify"
	"github.com/mevdschee/rwsplit/session"
)

func TestOnPacketOrdinaryStatementForwardsOnOK(t *testing.T) {
	pConn := &fakeConn{}
	p := newHandle("p", backend.RolePrimary, 0, pConn)
	sess := session.Open([]*backend.Handle{p}, session.Config{}, &fakeTrx{})
	e := newEngine(sess, classifyAs(classify.Write), &fakeClient{})

	if err := e.Route([]byte("UPDATE t SET x=1")); err != nil {
		t.Fatalf("Route: %v", err)
	}

	reply, err := e.OnPacket(p, PacketOK, []byte("OK"))
	if err != nil {
		t.Fatalf("OnPacket: %v", err)
	}
	if string(reply) != "OK" {
		t.Fatalf("reply = %q, want %q", reply, "OK")
	}
	if p.QueueLen() != 0 {
		t.Fatalf("QueueLen() = %d, want 0", p.QueueLen())
	}
}

func TestOnPacketResultSetAccumulatesUntilFinalEOF(t *testing.T) {
	pConn := &fakeConn{}
	p := newHandle("p", backend.RolePrimary, 0, pConn)
	sess := session.Open([]*backend.Handle{p}, session.Config{}, &fakeTrx{})
	e := newEngine(sess, classifyAs(classify.Read), &fakeClient{})

	if err := e.Route([]byte("SELECT 1")); err != nil {
		t.Fatalf("Route: %v", err)
	}

	steps := []struct {
		kind PacketKind
		raw  string
	}{
		{PacketResultSetHeader, "hdr"},
		{PacketEOF, "eof-cols"},
		{PacketRow, "row1"},
		{PacketRow, "row2"},
	}
	for i, s := range steps {
		reply, err := e.OnPacket(p, s.kind, []byte(s.raw))
		if err != nil {
			t.Fatalf("OnPacket[%d]: %v", i, err)
		}
		if reply != nil {
			t.Fatalf("OnPacket[%d] returned early reply %q, want nil until the final EOF", i, reply)
		}
	}
	final, err := e.OnPacket(p, PacketEOF, []byte("eof-final"))
	if err != nil {
		t.Fatalf("OnPacket(final): %v", err)
	}
	if final == nil {
		t.Fatal("expected the final EOF to complete the reply")
	}
}

func TestOnPacketSessionCommandOnlyFirstReplyForwarded(t *testing.T) {
	pConn, rConn := &fakeConn{}, &fakeConn{}
	p := newHandle("p", backend.RolePrimary, 0, pConn)
	r := newHandle("r", backend.RoleReplica, 1, rConn)
	sess := session.Open([]*backend.Handle{p, r}, session.Config{}, &fakeTrx{})
	e := newEngine(sess, classifyAs(classify.SessionWrite), &fakeClient{})

	if err := e.Route([]byte("SET autocommit=0")); err != nil {
		t.Fatalf("Route: %v", err)
	}

	reply1, err := e.OnPacket(p, PacketOK, []byte("OK"))
	if err != nil {
		t.Fatalf("OnPacket(p): %v", err)
	}
	if reply1 == nil {
		t.Fatal("expected the first backend's reply (matching sent_sescmd) to be forwarded")
	}

	reply2, err := e.OnPacket(r, PacketOK, []byte("OK"))
	if err != nil {
		t.Fatalf("OnPacket(r): %v", err)
	}
	if reply2 != nil {
		t.Fatal("expected the second backend's identical reply to be dropped, not forwarded again")
	}
}

func TestOnPacketSessionCommandDivergenceBansBackend(t *testing.T) {
	pConn, rConn := &fakeConn{}, &fakeConn{}
	p := newHandle("p", backend.RolePrimary, 0, pConn)
	r := newHandle("r", backend.RoleReplica, 1, rConn)
	sess := session.Open([]*backend.Handle{p, r}, session.Config{}, &fakeTrx{})
	e := newEngine(sess, classifyAs(classify.SessionWrite), &fakeClient{})

	if err := e.Route([]byte("SET autocommit=0")); err != nil {
		t.Fatalf("Route: %v", err)
	}

	if _, err := e.OnPacket(p, PacketOK, []byte("OK")); err != nil {
		t.Fatalf("OnPacket(p): %v", err)
	}
	if _, err := e.OnPacket(r, PacketOK, []byte("DIFFERENT")); err != nil {
		t.Fatalf("OnPacket(r): %v", err)
	}
	if !r.Banned() {
		t.Fatal("expected diverging backend to be banned")
	}
}
