package router

import (
	"fmt"
	"log"

	"github.com/mevdschee/rwsplit/backend"
	"github.com/mevdschee/rwsplit/sescmd"
	"github.com/mevdschee/rwsplit/session"
)

// PacketKind is the small vocabulary of decoded-packet kinds spec.md
// §4.6 requires from the external byte-level protocol decoder. The
// decoder itself — the framing of a byte stream into discrete packets
// — is out of this package's scope; OnPacket only correlates already
// recognized packets with outstanding queue entries.
type PacketKind int

const (
	PacketOK PacketKind = iota
	PacketErr
	PacketEOF
	PacketResultSetHeader
	PacketRow
	PacketLocalInfileRequest
)

// OnPacket feeds one decoded backend packet into the reply assembler.
// It returns the bytes to forward to the client once a full logical
// reply has been assembled (nil while more packets are still expected,
// and nil for a reply that should be dropped rather than forwarded).
func (e *Engine) OnPacket(h *backend.Handle, kind PacketKind, raw []byte) ([]byte, error) {
	buf := append(e.replyBuf[h], raw...)

	next, complete := nextReplyState(h.ReplyState(), kind)
	h.SetReplyState(next)
	if !complete {
		e.replyBuf[h] = buf
		return nil, nil
	}
	delete(e.replyBuf, h)

	front, ok := h.Front()
	if !ok {
		return nil, fmt.Errorf("router: reply from %s with no outstanding queue entry", h.Name)
	}
	h.PopFront()
	h.CompleteOneReply()

	if front.SessionCmd != nil {
		return e.onSessionCommandReply(h, front.SessionCmd, buf)
	}

	sess := e.Session
	sess.ClearRetry()
	if sess.LoadState() == session.LoadEnd {
		sess.SetLoadState(session.LoadInactive)
	}
	return buf, nil
}

// onSessionCommandReply implements spec.md §4.6's session-command
// branch: the first reply recorded at a position is the authoritative
// one (sescmd.Log.Advance), a divergent reply bans the offending
// backend (§7), and only the reply for the position the broadcast last
// promised the client (sent_sescmd) is ever forwarded.
func (e *Engine) onSessionCommandReply(h *backend.Handle, entry *sescmd.Entry, raw []byte) ([]byte, error) {
	sess := e.Session
	first, diverged := sess.Log().Advance(h, entry.Position, raw)
	if diverged {
		log.Printf("[router] session-command divergence at position %d on %s; banning backend", entry.Position, h.Name)
		sess.BanBackend(h)
		e.Metrics.ObserveError("sescmd_divergence")
	}
	if first && entry.Position == sess.SentSescmd() {
		return raw, nil
	}
	return nil, nil
}

func nextReplyState(cur backend.ReplyState, kind PacketKind) (next backend.ReplyState, complete bool) {
	switch kind {
	case PacketOK, PacketErr, PacketLocalInfileRequest:
		return backend.ReplyDone, true
	case PacketResultSetHeader:
		return backend.ReplyRsetColCount, false
	case PacketRow:
		return backend.ReplyRsetRows, false
	case PacketEOF:
		switch cur {
		case backend.ReplyRsetColCount:
			return backend.ReplyRsetRows, false
		case backend.ReplyRsetRows:
			return backend.ReplyRsetDone, true
		default:
			return backend.ReplyDone, true
		}
	default:
		return backend.ReplyBody, false
	}
}
