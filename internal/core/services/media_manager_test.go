package services

import (
	"context"
	"testing"

	"peercall/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMediaManager(mix bool) (*MediaManager, *fakeProvider) {
	provider := newFakeProvider()
	return NewMediaManager(provider, mix, testLogger()), provider
}

func TestMediaManager_AdoptMicrophoneCarriesMuteOver(t *testing.T) {
	m, _ := newTestMediaManager(true)
	m.SetMuted(true)

	mic := newFakeTrack("mic-1", domain.RoleMicrophone)
	m.AdoptMicrophone(mic)

	assert.False(t, mic.Enabled())
	assert.Same(t, mic, m.MicSlotTrack())
}

func TestMediaManager_AdoptMicrophoneDisplacesDuplicate(t *testing.T) {
	m, _ := newTestMediaManager(true)

	first := newFakeTrack("mic-1", domain.RoleMicrophone)
	second := newFakeTrack("mic-2", domain.RoleMicrophone)
	m.AdoptMicrophone(first)
	m.AdoptMicrophone(second)

	assert.Same(t, first, m.MicSlotTrack())
	assert.True(t, second.isClosed())
	assert.False(t, first.isClosed())
}

func TestMediaManager_MuteGatesSampleFlow(t *testing.T) {
	m, _ := newTestMediaManager(true)
	mic := newFakeTrack("mic-1", domain.RoleMicrophone)
	m.AdoptMicrophone(mic)

	m.SetMuted(true)
	assert.False(t, mic.Enabled())
	assert.True(t, m.State().Muted)

	m.SetMuted(false)
	assert.True(t, mic.Enabled())
}

func TestMediaManager_DeafenForcesMute(t *testing.T) {
	m, _ := newTestMediaManager(true)
	mic := newFakeTrack("mic-1", domain.RoleMicrophone)
	m.AdoptMicrophone(mic)

	m.SetDeafened(true)
	assert.True(t, m.State().Deafened)
	assert.True(t, m.State().Muted)
	assert.False(t, mic.Enabled())

	// Undeafen leaves the explicit mute in place.
	m.SetDeafened(false)
	assert.False(t, m.State().Deafened)
	assert.True(t, m.State().Muted)
}

func TestMediaManager_EnableVideoIdempotent(t *testing.T) {
	ctx := context.Background()
	m, provider := newTestMediaManager(true)

	first, err := m.EnableVideo(ctx)
	require.NoError(t, err)
	assert.True(t, m.State().VideoOn)

	second, err := m.EnableVideo(ctx)
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Len(t, provider.cameras, 1)
}

func TestMediaManager_DisableVideoClosesCamera(t *testing.T) {
	ctx := context.Background()
	m, provider := newTestMediaManager(true)

	_, err := m.EnableVideo(ctx)
	require.NoError(t, err)

	role, err := m.DisableVideo()
	require.NoError(t, err)
	assert.Equal(t, domain.RoleCamera, role)
	assert.False(t, m.State().VideoOn)
	assert.True(t, provider.cameras[0].isClosed())
}

func TestMediaManager_RefreshCameraSwapsInPlace(t *testing.T) {
	ctx := context.Background()
	m, provider := newTestMediaManager(true)

	_, err := m.RefreshCamera(ctx)
	assert.ErrorIs(t, err, domain.ErrTrackNotFound)

	_, err = m.EnableVideo(ctx)
	require.NoError(t, err)

	fresh, err := m.RefreshCamera(ctx)
	require.NoError(t, err)
	assert.Len(t, provider.cameras, 2)
	assert.True(t, provider.cameras[0].isClosed())
	assert.Same(t, provider.cameras[1], fresh)
	assert.True(t, m.State().VideoOn)
}

func TestMediaManager_ScreenShareMixesIntoMicSlot(t *testing.T) {
	ctx := context.Background()
	m, provider := newTestMediaManager(true)
	mic := newFakeTrack("mic-1", domain.RoleMicrophone)
	m.AdoptMicrophone(mic)

	start, err := m.StartScreenShare(ctx)
	require.NoError(t, err)
	require.NotNil(t, start)

	assert.NotNil(t, start.Video)
	assert.Nil(t, start.ExtraAudio)
	require.NotNil(t, start.MicSlot)
	assert.NotSame(t, mic, start.MicSlot)
	assert.Equal(t, 1, provider.mixCalls)
	assert.True(t, m.State().ScreenSharing)

	// The mixed track occupies the mic slot while the share runs.
	assert.Same(t, start.MicSlot, m.MicSlotTrack())

	stop, err := m.StopScreenShare()
	require.NoError(t, err)
	require.NotNil(t, stop)
	assert.Equal(t, []domain.TrackRole{domain.RoleScreenVideo}, stop.DetachRoles)
	assert.Same(t, mic, stop.MicSlot)
	assert.False(t, m.State().ScreenSharing)
	assert.Same(t, mic, m.MicSlotTrack())
}

func TestMediaManager_ScreenShareFallsBackWhenMixUnsupported(t *testing.T) {
	ctx := context.Background()
	m, provider := newTestMediaManager(true)
	provider.mixErr = domain.ErrMixUnsupported
	m.AdoptMicrophone(newFakeTrack("mic-1", domain.RoleMicrophone))

	start, err := m.StartScreenShare(ctx)
	require.NoError(t, err)
	require.NotNil(t, start)

	assert.NotNil(t, start.ExtraAudio)
	assert.Nil(t, start.MicSlot)

	stop, err := m.StopScreenShare()
	require.NoError(t, err)
	assert.Equal(t, []domain.TrackRole{domain.RoleScreenVideo, domain.RoleScreenAudio}, stop.DetachRoles)
	assert.Nil(t, stop.MicSlot)
}

func TestMediaManager_ScreenShareWithoutAudio(t *testing.T) {
	ctx := context.Background()
	m, provider := newTestMediaManager(true)
	provider.noAudio = true

	start, err := m.StartScreenShare(ctx)
	require.NoError(t, err)
	require.NotNil(t, start)
	assert.NotNil(t, start.Video)
	assert.Nil(t, start.ExtraAudio)
	assert.Nil(t, start.MicSlot)
	assert.Equal(t, 0, provider.mixCalls)
}

func TestMediaManager_ScreenShareAlreadyRunning(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestMediaManager(true)

	_, err := m.StartScreenShare(ctx)
	require.NoError(t, err)

	again, err := m.StartScreenShare(ctx)
	require.NoError(t, err)
	assert.Nil(t, again)

	_, err = m.StopScreenShare()
	require.NoError(t, err)

	stop, err := m.StopScreenShare()
	require.NoError(t, err)
	assert.Nil(t, stop)
}

func TestMediaManager_ActiveTracksOnePerSlot(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestMediaManager(false)

	assert.Empty(t, m.ActiveTracks())

	mic := newFakeTrack("mic-1", domain.RoleMicrophone)
	m.AdoptMicrophone(mic)
	_, err := m.EnableVideo(ctx)
	require.NoError(t, err)
	_, err = m.StartScreenShare(ctx)
	require.NoError(t, err)

	roles := make(map[domain.TrackRole]bool)
	for _, track := range m.ActiveTracks() {
		roles[track.Role()] = true
	}
	// Mixing disabled: screen audio travels as its own sender.
	assert.Equal(t, map[domain.TrackRole]bool{
		domain.RoleMicrophone:  true,
		domain.RoleCamera:      true,
		domain.RoleScreenVideo: true,
		domain.RoleScreenAudio: true,
	}, roles)
}

func TestMediaManager_StopReleasesTracksKeepsToggles(t *testing.T) {
	ctx := context.Background()
	m, provider := newTestMediaManager(true)
	mic := newFakeTrack("mic-1", domain.RoleMicrophone)
	m.AdoptMicrophone(mic)
	m.SetMuted(true)
	m.SetDeafened(true)
	_, err := m.EnableVideo(ctx)
	require.NoError(t, err)

	m.Stop()

	assert.True(t, mic.isClosed())
	assert.True(t, provider.cameras[0].isClosed())
	assert.Nil(t, m.MicSlotTrack())
	assert.Empty(t, m.ActiveTracks())

	state := m.State()
	assert.True(t, state.Muted)
	assert.True(t, state.Deafened)
	assert.False(t, state.VideoOn)
	assert.False(t, state.ScreenSharing)
}

func TestMediaManager_ApplyBitrate(t *testing.T) {
	ctx := context.Background()
	m, provider := newTestMediaManager(true)
	provider.noAudio = true

	_, err := m.EnableVideo(ctx)
	require.NoError(t, err)
	_, err = m.StartScreenShare(ctx)
	require.NoError(t, err)

	m.ApplyBitrate(BitrateTargets{Camera: 300_000, Screen: 3_000_000})

	assert.Equal(t, 300_000, provider.cameras[0].bitrateTarget())
	assert.Equal(t, 3_000_000, provider.screens[0].bitrateTarget())
}
