package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"peercall/internal/core/domain"
	"peercall/internal/core/ports"

	"go.uber.org/zap"
)

var (
	errGlareIgnored     = errors.New("offer ignored: glare on impolite side")
	errOfferOutOfOrder  = errors.New("offer dropped: unexpected negotiation state")
	errAnswerOutOfOrder = errors.New("answer dropped: no local offer in flight")
	errOfferInFlight    = errors.New("local offer already in flight")
)

// PeerSession tracks the negotiation handshake with one remote user and
// owns the underlying peer link. All methods run on the engine dispatch
// goroutine; no internal locking.
type PeerSession struct {
	self   domain.UserID
	peerID domain.UserID
	polite bool
	handle ports.PeerHandle

	state           domain.NegotiationState
	establishedOnce bool
	remoteSet       bool
	link            domain.LinkState

	// Candidates received before the remote description; flushed in
	// arrival order once it lands.
	pendingICE []domain.IceCandidateData

	// Set when senders change while an offer round is in flight; the
	// session needs another round once it returns to stable.
	dirty bool

	senders map[domain.TrackRole]ports.SenderHandle

	remoteState domain.UserState
	remoteRoles map[domain.TrackID]domain.TrackRole
	inbound     map[domain.TrackID]domain.RemoteTrackInfo

	logger *zap.SugaredLogger
}

func NewPeerSession(self, peer domain.UserID, handle ports.PeerHandle, logger *zap.SugaredLogger) *PeerSession {
	return &PeerSession{
		self:        self,
		peerID:      peer,
		polite:      domain.Polite(self, peer),
		handle:      handle,
		state:       domain.NegotiationNew,
		link:        domain.LinkNew,
		senders:     make(map[domain.TrackRole]ports.SenderHandle),
		remoteRoles: make(map[domain.TrackID]domain.TrackRole),
		inbound:     make(map[domain.TrackID]domain.RemoteTrackInfo),
		logger:      logger,
	}
}

func (s *PeerSession) PeerID() domain.UserID                   { return s.peerID }
func (s *PeerSession) Polite() bool                            { return s.polite }
func (s *PeerSession) State() domain.NegotiationState          { return s.state }
func (s *PeerSession) EstablishedOnce() bool                   { return s.establishedOnce }
func (s *PeerSession) Link() domain.LinkState                  { return s.link }
func (s *PeerSession) SetLink(state domain.LinkState)          { s.link = state }
func (s *PeerSession) RemoteState() domain.UserState           { return s.remoteState }
func (s *PeerSession) SetRemoteState(st domain.UserState)      { s.remoteState = st }
func (s *PeerSession) PendingCandidates() int                  { return len(s.pendingICE) }
func (s *PeerSession) InboundStats() []domain.TrackStats       { return s.handle.InboundStats() }
func (s *PeerSession) RequestKeyFrame(id domain.TrackID) error { return s.handle.RequestKeyFrame(id) }

// CreateLocalOffer starts a negotiation round toward the peer. Allowed from
// new and stable states; an offer already in flight is reported so callers
// can skip instead of double-offering.
func (s *PeerSession) CreateLocalOffer(ctx context.Context) (string, error) {
	switch s.state {
	case domain.NegotiationNew, domain.NegotiationStable:
	case domain.NegotiationHaveLocalOffer:
		return "", errOfferInFlight
	case domain.NegotiationClosed:
		return "", domain.ErrSessionClosed
	default:
		return "", fmt.Errorf("cannot offer from state %s", s.state)
	}

	sdp, err := s.handle.CreateOffer(ctx)
	if err != nil {
		return "", fmt.Errorf("create offer for %s: %w", s.peerID, err)
	}
	s.state = domain.NegotiationHaveLocalOffer
	return sdp, nil
}

// AcceptRemoteOffer applies a remote offer and produces the answer SDP.
// On glare the polite side rolls back its own pending offer and answers;
// the impolite side reports errGlareIgnored and keeps waiting for its
// answer. Failures leave the state as it was before the offer so the next
// inbound round can retry.
func (s *PeerSession) AcceptRemoteOffer(ctx context.Context, sdp string, roles map[domain.TrackID]domain.TrackRole) (string, error) {
	switch s.state {
	case domain.NegotiationNew, domain.NegotiationStable:
	case domain.NegotiationHaveLocalOffer:
		if !s.polite {
			return "", errGlareIgnored
		}
		if err := s.handle.Rollback(); err != nil {
			return "", fmt.Errorf("rollback for %s: %w", s.peerID, err)
		}
		// The discarded offer may have been the round proposing our
		// senders; the colliding offer knows nothing about them, so the
		// settled session must offer them again. Removals need no extra
		// round, the answer already excludes them.
		if len(s.senders) > 0 {
			s.dirty = true
		}
		if s.establishedOnce {
			s.state = domain.NegotiationStable
		} else {
			s.state = domain.NegotiationNew
		}
	case domain.NegotiationClosed:
		return "", domain.ErrSessionClosed
	default:
		return "", errOfferOutOfOrder
	}

	prior := s.state

	if err := s.handle.SetRemoteOffer(ctx, sdp); err != nil {
		s.state = prior
		return "", fmt.Errorf("set remote offer from %s: %w", s.peerID, err)
	}
	s.state = domain.NegotiationHaveRemoteOffer
	s.remoteSet = true
	s.learnRoles(roles)
	s.flushPendingICE()

	answer, err := s.handle.CreateAnswer(ctx)
	if err != nil {
		// The remote description stays installed; the peer's next offer
		// round recovers the session.
		s.state = prior
		return "", fmt.Errorf("create answer for %s: %w", s.peerID, err)
	}

	s.establishedOnce = true
	s.state = domain.NegotiationStable
	return answer, nil
}

// AcceptRemoteAnswer completes a round we initiated. Answers in any other
// state are duplicates or stale and get dropped.
func (s *PeerSession) AcceptRemoteAnswer(ctx context.Context, sdp string) error {
	if s.state == domain.NegotiationClosed {
		return domain.ErrSessionClosed
	}
	if s.state != domain.NegotiationHaveLocalOffer {
		return errAnswerOutOfOrder
	}

	if err := s.handle.SetRemoteAnswer(ctx, sdp); err != nil {
		// State stays have-local-offer so a relay retry of the answer can
		// still land.
		return fmt.Errorf("set remote answer from %s: %w", s.peerID, err)
	}

	s.remoteSet = true
	s.flushPendingICE()
	s.establishedOnce = true
	s.state = domain.NegotiationStable
	return nil
}

// ConsumeDirty reports and clears the deferred renegotiation mark.
func (s *PeerSession) ConsumeDirty() bool {
	d := s.dirty
	s.dirty = false
	return d
}

// AbandonLocalOffer rolls back an offer that could not be delivered so the
// session does not wait for an answer that will never come.
func (s *PeerSession) AbandonLocalOffer() error {
	if s.state != domain.NegotiationHaveLocalOffer {
		return nil
	}
	if err := s.handle.Rollback(); err != nil {
		return fmt.Errorf("rollback for %s: %w", s.peerID, err)
	}
	if len(s.senders) > 0 {
		s.dirty = true
	}
	if s.establishedOnce {
		s.state = domain.NegotiationStable
	} else {
		s.state = domain.NegotiationNew
	}
	return nil
}

// AddRemoteCandidate applies a candidate, queueing it when the remote
// description has not landed yet.
func (s *PeerSession) AddRemoteCandidate(c domain.IceCandidateData) error {
	if s.state == domain.NegotiationClosed {
		return domain.ErrSessionClosed
	}
	if !s.remoteSet {
		s.pendingICE = append(s.pendingICE, c)
		return nil
	}
	if err := s.handle.AddRemoteCandidate(c); err != nil {
		return fmt.Errorf("add candidate from %s: %w", s.peerID, err)
	}
	return nil
}

func (s *PeerSession) flushPendingICE() {
	for _, c := range s.pendingICE {
		if err := s.handle.AddRemoteCandidate(c); err != nil {
			s.logger.Warnw("failed to apply queued candidate",
				"peer_id", s.peerID,
				"error", err,
			)
		}
	}
	s.pendingICE = nil
}

// AttachTrack adds a local track unless its role is already attached.
// Returns true when a sender was added and the session needs a new offer.
func (s *PeerSession) AttachTrack(t ports.LocalTrack) (bool, error) {
	if s.state == domain.NegotiationClosed {
		return false, domain.ErrSessionClosed
	}
	if _, ok := s.senders[t.Role()]; ok {
		return false, nil
	}

	sender, err := s.handle.AddTrack(t)
	if err != nil {
		return false, fmt.Errorf("add %s track for %s: %w", t.Role(), s.peerID, err)
	}
	s.senders[t.Role()] = sender
	if s.state == domain.NegotiationHaveLocalOffer {
		s.dirty = true
	}
	return true, nil
}

// DetachRole removes the sender for a role. Returns true when a sender was
// removed and the session needs a new offer.
func (s *PeerSession) DetachRole(role domain.TrackRole) (bool, error) {
	if s.state == domain.NegotiationClosed {
		return false, domain.ErrSessionClosed
	}
	sender, ok := s.senders[role]
	if !ok {
		return false, nil
	}

	if err := s.handle.RemoveTrack(sender); err != nil {
		return false, fmt.Errorf("remove %s track for %s: %w", role, s.peerID, err)
	}
	delete(s.senders, role)
	if s.state == domain.NegotiationHaveLocalOffer {
		s.dirty = true
	}
	return true, nil
}

// ReplaceRole swaps the outbound source in an existing sender slot without
// renegotiation. Returns true when no slot existed and the track was
// attached instead, which does need renegotiation.
func (s *PeerSession) ReplaceRole(role domain.TrackRole, t ports.LocalTrack) (bool, error) {
	if s.state == domain.NegotiationClosed {
		return false, domain.ErrSessionClosed
	}
	sender, ok := s.senders[role]
	if !ok {
		return s.AttachTrack(t)
	}
	if err := sender.ReplaceTrack(t); err != nil {
		return false, fmt.Errorf("replace %s track for %s: %w", role, s.peerID, err)
	}
	return false, nil
}

// SenderRoles returns the attached outbound roles.
func (s *PeerSession) SenderRoles() map[domain.TrackRole]domain.TrackID {
	roles := make(map[domain.TrackRole]domain.TrackID, len(s.senders))
	for role, sender := range s.senders {
		roles[role] = sender.Track().ID()
	}
	return roles
}

// OnRemoteTrack records an inbound track, resolving its role from the
// roles published with the remote offer. Unknown IDs fall back to the
// guess heuristics so peers that never publish roles still render.
func (s *PeerSession) OnRemoteTrack(id domain.TrackID, kind domain.TrackKind) domain.RemoteTrackInfo {
	role, ok := s.remoteRoles[id]
	if !ok {
		role = s.guessRole(id, kind)
	}

	info := domain.RemoteTrackInfo{ID: id, Kind: kind, Role: role}
	s.inbound[id] = info
	return info
}

// RemoteTracks returns the known inbound tracks.
func (s *PeerSession) RemoteTracks() []domain.RemoteTrackInfo {
	tracks := make([]domain.RemoteTrackInfo, 0, len(s.inbound))
	for _, info := range s.inbound {
		tracks = append(tracks, info)
	}
	return tracks
}

// RemoteScreenSharing reports whether any inbound track carries screen video.
func (s *PeerSession) RemoteScreenSharing() bool {
	for _, info := range s.inbound {
		if info.Role == domain.RoleScreenVideo {
			return true
		}
	}
	return s.remoteState.ScreenSharing
}

func (s *PeerSession) learnRoles(roles map[domain.TrackID]domain.TrackRole) {
	for id, role := range roles {
		s.remoteRoles[id] = role
	}
	// Re-resolve tracks that arrived before their role did.
	for id, info := range s.inbound {
		if role, ok := s.remoteRoles[id]; ok && info.Role != role {
			info.Role = role
			s.inbound[id] = info
		}
	}
}

// Participant snapshots the session for the control API.
func (s *PeerSession) Participant() domain.Participant {
	return domain.Participant{
		UserID:      s.peerID,
		State:       s.remoteState,
		Link:        s.link,
		Negotiation: s.state.String(),
		Tracks:      s.RemoteTracks(),
	}
}

// Close tears down the peer link. Idempotent.
func (s *PeerSession) Close() error {
	if s.state == domain.NegotiationClosed {
		return nil
	}
	s.state = domain.NegotiationClosed
	s.link = domain.LinkClosed
	s.pendingICE = nil
	return s.handle.Close()
}

// guessRole covers peers that omit track roles. Best effort: a second
// concurrent video from one member is read as a screen share (cameras are
// one per member), then the track name decides.
func (s *PeerSession) guessRole(id domain.TrackID, kind domain.TrackKind) domain.TrackRole {
	screen := strings.Contains(strings.ToLower(string(id)), "screen")
	switch {
	case kind == domain.TrackKindVideo && screen:
		return domain.RoleScreenVideo
	case kind == domain.TrackKindVideo:
		for _, info := range s.inbound {
			if info.ID != id && info.Role == domain.RoleCamera {
				return domain.RoleScreenVideo
			}
		}
		return domain.RoleCamera
	case screen:
		return domain.RoleScreenAudio
	default:
		return domain.RoleMicrophone
	}
}
