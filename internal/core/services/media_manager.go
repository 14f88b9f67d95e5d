package services

import (
	"context"
	"errors"
	"fmt"

	"peercall/internal/core/domain"
	"peercall/internal/core/ports"

	"go.uber.org/zap"
)

// ScreenShareStart describes how a started share wires into sessions.
// Video and ExtraAudio are new senders and need renegotiation; MicSlot
// swaps into the existing microphone sender without one.
type ScreenShareStart struct {
	Video      ports.LocalTrack
	ExtraAudio ports.LocalTrack
	MicSlot    ports.LocalTrack
}

// ScreenShareStop lists the roles to detach and, when the share was mixed
// into the microphone slot, the plain mic track to restore there.
type ScreenShareStop struct {
	DetachRoles []domain.TrackRole
	MicSlot     ports.LocalTrack
}

// MediaManager owns the local capture tracks and the user's media toggles.
// Track acquisition goes through the provider; sessions only ever see the
// tracks this manager hands out. Engine dispatch goroutine only.
type MediaManager struct {
	provider       ports.MediaProvider
	mixScreenAudio bool
	logger         *zap.SugaredLogger

	state domain.LocalMediaState

	mic         ports.LocalTrack
	camera      ports.LocalTrack
	screenVideo ports.LocalTrack
	screenAudio ports.LocalTrack
	mixed       ports.LocalTrack

	// True when screen audio went out as its own sender because mixing
	// was unavailable.
	screenAudioOwnSender bool
}

func NewMediaManager(provider ports.MediaProvider, mixScreenAudio bool, logger *zap.SugaredLogger) *MediaManager {
	return &MediaManager{
		provider:       provider,
		mixScreenAudio: mixScreenAudio,
		logger:         logger,
	}
}

// AdoptMicrophone installs a microphone acquired off the dispatch
// goroutine during join. Mute state carries over from any previous
// channel; a mic already in place displaces the new one.
func (m *MediaManager) AdoptMicrophone(mic ports.LocalTrack) {
	if m.mic != nil {
		if err := mic.Close(); err != nil {
			m.logger.Warnw("failed to close duplicate microphone", "error", err)
		}
		return
	}
	mic.SetEnabled(!m.state.Muted)
	m.mic = mic
}

// Stop releases every track. Mute and deafen toggles survive so rejoining
// a channel keeps the user's choice.
func (m *MediaManager) Stop() {
	for _, t := range []ports.LocalTrack{m.mixed, m.screenAudio, m.screenVideo, m.camera, m.mic} {
		if t != nil {
			if err := t.Close(); err != nil {
				m.logger.Warnw("failed to close track", "track_id", t.ID(), "error", err)
			}
		}
	}
	m.mic, m.camera, m.screenVideo, m.screenAudio, m.mixed = nil, nil, nil, nil, nil
	m.screenAudioOwnSender = false
	m.state.VideoOn = false
	m.state.ScreenSharing = false
}

func (m *MediaManager) State() domain.LocalMediaState { return m.state }

func (m *MediaManager) SetMuted(muted bool) {
	m.state.Muted = muted
	if m.mic != nil {
		m.mic.SetEnabled(!muted)
	}
}

// SetDeafened toggles deafen. Deafening forces mute; undeafening leaves
// the user muted until they unmute explicitly.
func (m *MediaManager) SetDeafened(deafened bool) {
	m.state.Deafened = deafened
	if deafened && !m.state.Muted {
		m.SetMuted(true)
	}
}

// EnableVideo acquires the camera and returns the track to attach.
// Idempotent: an already running camera is returned as is.
func (m *MediaManager) EnableVideo(ctx context.Context) (ports.LocalTrack, error) {
	if m.camera != nil {
		return m.camera, nil
	}
	camera, err := m.provider.AcquireCamera(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire camera: %w", err)
	}
	m.camera = camera
	m.state.VideoOn = true
	return camera, nil
}

// DisableVideo releases the camera. The returned role is what sessions
// should detach; stopping video always renegotiates.
func (m *MediaManager) DisableVideo() (domain.TrackRole, error) {
	if m.camera == nil {
		return domain.RoleCamera, nil
	}
	if err := m.camera.Close(); err != nil {
		m.logger.Warnw("failed to close camera track", "error", err)
	}
	m.camera = nil
	m.state.VideoOn = false
	return domain.RoleCamera, nil
}

// RefreshCamera swaps the running camera for a fresh capture, e.g. after a
// device change. The new track replaces the old one in place.
func (m *MediaManager) RefreshCamera(ctx context.Context) (ports.LocalTrack, error) {
	if m.camera == nil {
		return nil, domain.ErrTrackNotFound
	}
	camera, err := m.provider.AcquireCamera(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire camera: %w", err)
	}
	if err := m.camera.Close(); err != nil {
		m.logger.Warnw("failed to close camera track", "error", err)
	}
	m.camera = camera
	return camera, nil
}

// StartScreenShare acquires screen capture and decides how its audio
// travels. When the capture carries audio and mixing is enabled, mic and
// screen audio are mixed into one track that swaps into the microphone
// slot, avoiding an extra negotiation round. When the provider cannot mix,
// screen audio falls back to its own sender. Returns nil when a share is
// already running.
func (m *MediaManager) StartScreenShare(ctx context.Context) (*ScreenShareStart, error) {
	if m.state.ScreenSharing {
		return nil, nil
	}

	video, audio, err := m.provider.AcquireScreen(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire screen: %w", err)
	}

	start := &ScreenShareStart{Video: video}
	m.screenVideo = video

	if audio != nil {
		m.screenAudio = audio
		switch {
		case m.mixScreenAudio && m.mic != nil:
			mixed, mixErr := m.provider.MixAudio(m.mic, audio)
			if errors.Is(mixErr, domain.ErrMixUnsupported) {
				m.logger.Warnw("audio mixing unavailable, sending screen audio separately")
				start.ExtraAudio = audio
				m.screenAudioOwnSender = true
			} else if mixErr != nil {
				m.releaseScreenTracks()
				return nil, fmt.Errorf("mix screen audio: %w", mixErr)
			} else {
				m.mixed = mixed
				start.MicSlot = mixed
			}
		default:
			start.ExtraAudio = audio
			m.screenAudioOwnSender = true
		}
	}

	m.state.ScreenSharing = true
	return start, nil
}

// StopScreenShare releases the share and reports what sessions must undo.
// Returns nil when no share is running.
func (m *MediaManager) StopScreenShare() (*ScreenShareStop, error) {
	if !m.state.ScreenSharing {
		return nil, nil
	}

	stop := &ScreenShareStop{DetachRoles: []domain.TrackRole{domain.RoleScreenVideo}}
	if m.screenAudioOwnSender {
		stop.DetachRoles = append(stop.DetachRoles, domain.RoleScreenAudio)
	}
	if m.mixed != nil {
		stop.MicSlot = m.mic
	}

	m.releaseScreenTracks()
	m.state.ScreenSharing = false
	return stop, nil
}

func (m *MediaManager) releaseScreenTracks() {
	for _, t := range []ports.LocalTrack{m.mixed, m.screenAudio, m.screenVideo} {
		if t != nil {
			if err := t.Close(); err != nil {
				m.logger.Warnw("failed to close screen track", "track_id", t.ID(), "error", err)
			}
		}
	}
	m.mixed, m.screenAudio, m.screenVideo = nil, nil, nil
	m.screenAudioOwnSender = false
}

// MicSlotTrack returns the track currently occupying the microphone slot:
// the mixed track during a mixed share, otherwise the plain mic.
func (m *MediaManager) MicSlotTrack() ports.LocalTrack {
	if m.mixed != nil {
		return m.mixed
	}
	return m.mic
}

// ActiveTracks lists the tracks a new session should send, one per slot.
func (m *MediaManager) ActiveTracks() []ports.LocalTrack {
	var tracks []ports.LocalTrack
	if t := m.MicSlotTrack(); t != nil {
		tracks = append(tracks, t)
	}
	if m.camera != nil {
		tracks = append(tracks, m.camera)
	}
	if m.screenVideo != nil {
		tracks = append(tracks, m.screenVideo)
	}
	if m.screenAudioOwnSender && m.screenAudio != nil {
		tracks = append(tracks, m.screenAudio)
	}
	return tracks
}

// ApplyBitrate pushes the computed budgets down to the video sources.
func (m *MediaManager) ApplyBitrate(targets BitrateTargets) {
	if m.camera != nil {
		m.camera.SetBitrateTarget(targets.Camera)
	}
	if m.screenVideo != nil {
		m.screenVideo.SetBitrateTarget(targets.Screen)
	}
}
