package services

import (
	"sort"

	"peercall/internal/core/domain"
)

// SessionTable holds the per-peer sessions for the joined channel, keyed by
// remote user. Engine dispatch goroutine only.
type SessionTable struct {
	sessions map[domain.UserID]*PeerSession
}

func NewSessionTable() *SessionTable {
	return &SessionTable{sessions: make(map[domain.UserID]*PeerSession)}
}

func (t *SessionTable) Get(peer domain.UserID) (*PeerSession, bool) {
	s, ok := t.sessions[peer]
	return s, ok
}

func (t *SessionTable) Put(s *PeerSession) {
	t.sessions[s.PeerID()] = s
}

// Remove detaches the session without closing it; the caller owns teardown.
func (t *SessionTable) Remove(peer domain.UserID) (*PeerSession, bool) {
	s, ok := t.sessions[peer]
	if ok {
		delete(t.sessions, peer)
	}
	return s, ok
}

// All returns sessions ordered by peer ID so iteration is deterministic.
func (t *SessionTable) All() []*PeerSession {
	out := make([]*PeerSession, 0, len(t.sessions))
	for _, s := range t.sessions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PeerID() < out[j].PeerID() })
	return out
}

func (t *SessionTable) Len() int { return len(t.sessions) }

// CloseAll closes every session and empties the table.
func (t *SessionTable) CloseAll() {
	for peer, s := range t.sessions {
		_ = s.Close()
		delete(t.sessions, peer)
	}
}
