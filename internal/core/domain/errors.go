package domain

import "errors"

var (
	ErrMissingField     = errors.New("required envelope field missing")
	ErrNotInChannel     = errors.New("not joined to a channel")
	ErrAlreadyInChannel = errors.New("already joined to a channel")
	ErrSessionNotFound  = errors.New("peer session not found")
	ErrSessionClosed    = errors.New("peer session closed")
	ErrTrackNotFound    = errors.New("track not found")
	ErrNoActiveCall     = errors.New("no active call")
	ErrCallNotFound     = errors.New("call record not found")
	ErrCallInProgress   = errors.New("another call is in progress")
	ErrCallNotRinging   = errors.New("call is not ringing")
	ErrCallConcluded    = errors.New("call already concluded")
	ErrEngineClosed     = errors.New("engine closed")
	ErrMixUnsupported   = errors.New("audio mixing unsupported for source")
	ErrNoScreenAudio    = errors.New("screen source has no audio")
)
