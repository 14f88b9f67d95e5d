package domain

type TrackID string

type TrackKind string

const (
	TrackKindAudio TrackKind = "audio"
	TrackKindVideo TrackKind = "video"
)

// TrackRole names what a track carries, independent of its kind. Roles are
// published alongside offers so receivers can render screen shares without
// guessing from track IDs.
type TrackRole string

const (
	RoleMicrophone  TrackRole = "microphone"
	RoleCamera      TrackRole = "camera"
	RoleScreenVideo TrackRole = "screen-video"
	RoleScreenAudio TrackRole = "screen-audio"
)

// Kind returns the media kind a role maps onto.
func (r TrackRole) Kind() TrackKind {
	switch r {
	case RoleCamera, RoleScreenVideo:
		return TrackKindVideo
	default:
		return TrackKindAudio
	}
}

// Video reports whether the role carries video.
func (r TrackRole) Video() bool {
	return r.Kind() == TrackKindVideo
}

// LocalMediaState tracks the local user's own toggles.
type LocalMediaState struct {
	Muted         bool
	Deafened      bool
	VideoOn       bool
	ScreenSharing bool
}

// UserState converts the local toggles into the broadcastable form.
func (s LocalMediaState) UserState() UserState {
	return UserState{
		Muted:         s.Muted,
		Deafened:      s.Deafened,
		VideoOn:       s.VideoOn,
		ScreenSharing: s.ScreenSharing,
	}
}
