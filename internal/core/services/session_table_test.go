package services

import (
	"testing"

	"peercall/internal/core/domain"

	"github.com/stretchr/testify/assert"
)

func tableSession(self, peer domain.UserID) (*PeerSession, *fakePeerHandle) {
	handle := &fakePeerHandle{link: domain.LinkNew}
	return NewPeerSession(self, peer, handle, testLogger()), handle
}

func TestSessionTable_PutGetRemove(t *testing.T) {
	table := NewSessionTable()
	sess, _ := tableSession("alice", "bob")

	_, ok := table.Get("bob")
	assert.False(t, ok)

	table.Put(sess)
	got, ok := table.Get("bob")
	assert.True(t, ok)
	assert.Same(t, sess, got)
	assert.Equal(t, 1, table.Len())

	removed, ok := table.Remove("bob")
	assert.True(t, ok)
	assert.Same(t, sess, removed)
	assert.Equal(t, 0, table.Len())

	// Remove detaches without closing; teardown is the caller's job.
	assert.NotEqual(t, domain.NegotiationClosed, removed.State())
}

func TestSessionTable_AllOrderedByPeerID(t *testing.T) {
	table := NewSessionTable()
	carol, _ := tableSession("alice", "carol")
	bob, _ := tableSession("alice", "bob")
	dave, _ := tableSession("alice", "dave")

	table.Put(carol)
	table.Put(dave)
	table.Put(bob)

	all := table.All()
	assert.Len(t, all, 3)
	assert.Equal(t, domain.UserID("bob"), all[0].PeerID())
	assert.Equal(t, domain.UserID("carol"), all[1].PeerID())
	assert.Equal(t, domain.UserID("dave"), all[2].PeerID())
}

func TestSessionTable_CloseAll(t *testing.T) {
	table := NewSessionTable()
	bob, bobHandle := tableSession("alice", "bob")
	carol, carolHandle := tableSession("alice", "carol")
	table.Put(bob)
	table.Put(carol)

	table.CloseAll()

	assert.Equal(t, 0, table.Len())
	assert.True(t, bobHandle.isClosed())
	assert.True(t, carolHandle.isClosed())
	assert.Equal(t, domain.NegotiationClosed, bob.State())
	assert.Equal(t, domain.NegotiationClosed, carol.State())
}
