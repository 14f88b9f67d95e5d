package services

import (
	"testing"
	"time"

	"peercall/internal/core/domain"

	"github.com/stretchr/testify/assert"
)

func newTestFilter(self domain.UserID) *SignalFilter {
	f := NewSignalFilter(self, time.Minute)
	f.now = func() time.Time { return time.Unix(1_700_000_000, 0) }
	return f
}

func TestSignalFilter_AdmitsAddressedEnvelope(t *testing.T) {
	f := newTestFilter("alice")
	defer f.Stop()

	env := signalEnv(domain.KindOffer, "room", "bob", "alice")
	env.IssuedAt = f.now()
	env.ExpiresAt = f.now().Add(30 * time.Second)

	assert.Equal(t, DropNone, f.Admit(env))
}

func TestSignalFilter_AdmitsBroadcast(t *testing.T) {
	f := newTestFilter("alice")
	defer f.Stop()

	env := signalEnv(domain.KindJoin, "room", "bob", domain.EveryoneID)
	env.ExpiresAt = f.now().Add(30 * time.Second)

	assert.Equal(t, DropNone, f.Admit(env))
}

func TestSignalFilter_DropsExpired(t *testing.T) {
	f := newTestFilter("alice")
	defer f.Stop()

	env := signalEnv(domain.KindOffer, "room", "bob", "alice")
	env.ExpiresAt = f.now().Add(-time.Second)

	assert.Equal(t, DropExpired, f.Admit(env))
}

// Expiry is checked before everything else: an expired envelope from
// ourselves still reads as expired.
func TestSignalFilter_ExpiryCheckedFirst(t *testing.T) {
	f := newTestFilter("alice")
	defer f.Stop()

	env := signalEnv(domain.KindOffer, "room", "alice", "alice")
	env.ExpiresAt = f.now().Add(-time.Second)

	assert.Equal(t, DropExpired, f.Admit(env))
}

func TestSignalFilter_DropsOwnEnvelopes(t *testing.T) {
	f := newTestFilter("alice")
	defer f.Stop()

	env := signalEnv(domain.KindJoin, "room", "alice", domain.EveryoneID)
	env.ExpiresAt = f.now().Add(30 * time.Second)

	assert.Equal(t, DropSelf, f.Admit(env))
}

func TestSignalFilter_DropsMisaddressed(t *testing.T) {
	f := newTestFilter("alice")
	defer f.Stop()

	env := signalEnv(domain.KindOffer, "room", "bob", "carol")
	env.ExpiresAt = f.now().Add(30 * time.Second)

	assert.Equal(t, DropMisaddressed, f.Admit(env))
}

func TestSignalFilter_DropsDuplicates(t *testing.T) {
	f := newTestFilter("alice")
	defer f.Stop()

	env := signalEnv(domain.KindOffer, "room", "bob", "alice")
	env.ExpiresAt = f.now().Add(30 * time.Second)

	assert.Equal(t, DropNone, f.Admit(env))
	assert.Equal(t, DropDuplicate, f.Admit(env))
}

// A rejected envelope must not occupy retention space: the same ID arriving
// later with correct addressing still gets through.
func TestSignalFilter_RejectedIDNotRemembered(t *testing.T) {
	f := newTestFilter("alice")
	defer f.Stop()

	mis := signalEnv(domain.KindOffer, "room", "bob", "carol")
	mis.ExpiresAt = f.now().Add(30 * time.Second)
	assert.Equal(t, DropMisaddressed, f.Admit(mis))

	ok := signalEnv(domain.KindOffer, "room", "bob", "alice")
	ok.ID = mis.ID
	ok.ExpiresAt = f.now().Add(30 * time.Second)
	assert.Equal(t, DropNone, f.Admit(ok))
}

func TestSignalFilter_ResetForgetsSeen(t *testing.T) {
	f := newTestFilter("alice")
	defer f.Stop()

	env := signalEnv(domain.KindOffer, "room", "bob", "alice")
	env.ExpiresAt = f.now().Add(30 * time.Second)

	assert.Equal(t, DropNone, f.Admit(env))
	f.Reset()
	assert.Equal(t, DropNone, f.Admit(env))
}
