package services

import (
	"context"
	"errors"
	"fmt"

	"peercall/internal/core/domain"
	"peercall/internal/core/ports"
	"peercall/pkg/tracing"
	"peercall/pkg/utils"

	"go.uber.org/zap"
)

// SessionEvents receives peer link callbacks tagged with the session's
// user. The engine forwards them into its event queue; they fire on
// transport goroutines.
type SessionEvents struct {
	OnRemoteTrack    func(peer domain.UserID, id domain.TrackID, kind domain.TrackKind)
	OnLocalCandidate func(peer domain.UserID, c domain.IceCandidateData)
	OnLinkChange     func(peer domain.UserID, s domain.LinkState)
}

// Negotiator routes signaling envelopes to peer sessions and publishes the
// envelopes each handshake step produces. Mesh rule: existing members
// initiate toward a newcomer, and the newcomer learns the membership from
// the targeted state updates that come back. Engine dispatch goroutine
// only.
type Negotiator struct {
	self      domain.UserID
	table     *SessionTable
	connector ports.PeerConnector
	transport ports.SignalTransport
	media     *MediaManager
	metrics   ports.MetricsSink
	events    SessionEvents
	logger    *zap.SugaredLogger
}

func NewNegotiator(self domain.UserID, table *SessionTable, connector ports.PeerConnector, transport ports.SignalTransport, media *MediaManager, metrics ports.MetricsSink, events SessionEvents, logger *zap.SugaredLogger) *Negotiator {
	return &Negotiator{
		self:      self,
		table:     table,
		connector: connector,
		transport: transport,
		media:     media,
		metrics:   metrics,
		events:    events,
		logger:    logger,
	}
}

// EnsureSession returns the session for a peer, creating the peer link and
// attaching the current local tracks when none exists yet.
func (n *Negotiator) EnsureSession(peer domain.UserID) (*PeerSession, bool, error) {
	if sess, ok := n.table.Get(peer); ok {
		return sess, false, nil
	}

	handle, err := n.connector.NewPeer(ports.PeerEvents{
		OnRemoteTrack:    func(id domain.TrackID, kind domain.TrackKind) { n.events.OnRemoteTrack(peer, id, kind) },
		OnLocalCandidate: func(c domain.IceCandidateData) { n.events.OnLocalCandidate(peer, c) },
		OnLinkChange:     func(s domain.LinkState) { n.events.OnLinkChange(peer, s) },
	})
	if err != nil {
		return nil, false, fmt.Errorf("create peer link for %s: %w", peer, err)
	}

	sess := NewPeerSession(n.self, peer, handle, n.logger)
	for _, t := range n.media.ActiveTracks() {
		if _, err := sess.AttachTrack(t); err != nil {
			n.logger.Warnw("failed to attach local track",
				"peer_id", peer,
				"track_id", t.ID(),
				"error", err,
			)
		}
	}

	n.table.Put(sess)
	n.metrics.SessionOpened()
	n.logger.Infow("peer session opened", "peer_id", peer, "polite", sess.Polite())
	return sess, true, nil
}

// HandleJoin reacts to a membership announcement: replace any stale session
// from the peer's previous membership, introduce ourselves with a targeted
// state update, and initiate the handshake toward the newcomer.
func (n *Negotiator) HandleJoin(ctx context.Context, channel domain.ChannelID, env *domain.SignalEnvelope) error {
	if _, ok := n.table.Get(env.From); ok {
		// A fresh join supersedes whatever link the previous membership
		// left behind.
		n.DropPeer(env.From)
	}

	sess, _, err := n.EnsureSession(env.From)
	if err != nil {
		return err
	}
	if env.State != nil {
		sess.SetRemoteState(*env.State)
	}

	// The newcomer cannot see join announcements that expired before it
	// caught up, so members answer each join with a direct introduction.
	local := n.media.State().UserState()
	if err := n.publish(ctx, &domain.SignalEnvelope{
		Kind:      domain.KindStateUpdate,
		ChannelID: channel,
		From:      n.self,
		To:        env.From,
		State:     &local,
	}); err != nil {
		n.logger.Warnw("failed to send join introduction", "peer_id", env.From, "error", err)
	}

	return n.publishOffer(ctx, channel, sess)
}

// HandleLeave drops the departing peer's session.
func (n *Negotiator) HandleLeave(env *domain.SignalEnvelope) {
	n.DropPeer(env.From)
}

// HandleOffer runs the remote-offer step and publishes the answer.
func (n *Negotiator) HandleOffer(ctx context.Context, channel domain.ChannelID, env *domain.SignalEnvelope) error {
	ctx, span := tracing.TraceNegotiation(ctx, "handle_offer", string(env.From))
	defer span.End()

	sess, _, err := n.EnsureSession(env.From)
	if err != nil {
		return err
	}

	if sess.State() == domain.NegotiationHaveLocalOffer {
		n.metrics.GlareDetected()
		n.logger.Infow("offer glare",
			"peer_id", env.From,
			"resolution", map[bool]string{true: "rollback", false: "ignore"}[sess.Polite()],
		)
	}

	answer, err := sess.AcceptRemoteOffer(ctx, env.SDP, env.TrackRoles)
	if err != nil {
		if errors.Is(err, errGlareIgnored) {
			return nil
		}
		if errors.Is(err, errOfferOutOfOrder) {
			n.logger.Debugw("dropped out-of-order offer", "peer_id", env.From, "state", sess.State())
			return nil
		}
		return err
	}

	if err := n.publish(ctx, &domain.SignalEnvelope{
		Kind:       domain.KindAnswer,
		ChannelID:  channel,
		From:       n.self,
		To:         env.From,
		SDP:        answer,
		TrackRoles: n.localRoles(sess),
	}); err != nil {
		return err
	}

	return n.renegotiateIfDirty(ctx, channel, sess)
}

// HandleAnswer completes a round we initiated. Answers for unknown peers or
// stale rounds are dropped.
func (n *Negotiator) HandleAnswer(ctx context.Context, channel domain.ChannelID, env *domain.SignalEnvelope) error {
	ctx, span := tracing.TraceNegotiation(ctx, "handle_answer", string(env.From))
	defer span.End()

	sess, ok := n.table.Get(env.From)
	if !ok {
		n.logger.Debugw("dropped answer from unknown peer", "peer_id", env.From)
		return nil
	}

	if err := sess.AcceptRemoteAnswer(ctx, env.SDP); err != nil {
		if errors.Is(err, errAnswerOutOfOrder) {
			n.logger.Debugw("dropped stale answer", "peer_id", env.From, "state", sess.State())
			return nil
		}
		return err
	}

	if env.TrackRoles != nil {
		sess.learnRoles(env.TrackRoles)
	}

	return n.renegotiateIfDirty(ctx, channel, sess)
}

// HandleCandidate feeds a remote candidate into the session, creating it if
// the candidate raced ahead of the session's first offer.
func (n *Negotiator) HandleCandidate(env *domain.SignalEnvelope) error {
	if env.Candidate == nil {
		return nil
	}
	sess, _, err := n.EnsureSession(env.From)
	if err != nil {
		return err
	}
	return sess.AddRemoteCandidate(*env.Candidate)
}

// HandleStateUpdate records a peer's toggles, creating the session when the
// update is the first thing we hear from them.
func (n *Negotiator) HandleStateUpdate(env *domain.SignalEnvelope) error {
	if env.State == nil {
		return nil
	}
	sess, _, err := n.EnsureSession(env.From)
	if err != nil {
		return err
	}
	sess.SetRemoteState(*env.State)
	return nil
}

// Renegotiate starts a fresh round toward an established peer, used to
// recover a session whose inbound media stalled.
func (n *Negotiator) Renegotiate(ctx context.Context, channel domain.ChannelID, peer domain.UserID) error {
	sess, ok := n.table.Get(peer)
	if !ok {
		return domain.ErrSessionNotFound
	}
	if sess.State() != domain.NegotiationStable {
		return nil
	}
	return n.publishOffer(ctx, channel, sess)
}

// AttachTrackAll adds a local track to every session, renegotiating the
// stable ones. Sessions mid-round pick the track up when they settle.
func (n *Negotiator) AttachTrackAll(ctx context.Context, channel domain.ChannelID, t ports.LocalTrack) {
	for _, sess := range n.table.All() {
		added, err := sess.AttachTrack(t)
		if err != nil {
			n.logger.Warnw("failed to attach track", "peer_id", sess.PeerID(), "error", err)
			continue
		}
		if added && sess.State() == domain.NegotiationStable {
			if err := n.publishOffer(ctx, channel, sess); err != nil {
				n.logger.Warnw("failed to renegotiate after attach", "peer_id", sess.PeerID(), "error", err)
			}
		}
	}
}

// DetachRoleAll removes a role from every session, renegotiating the stable
// ones.
func (n *Negotiator) DetachRoleAll(ctx context.Context, channel domain.ChannelID, role domain.TrackRole) {
	for _, sess := range n.table.All() {
		removed, err := sess.DetachRole(role)
		if err != nil {
			n.logger.Warnw("failed to detach track", "peer_id", sess.PeerID(), "role", role, "error", err)
			continue
		}
		if removed && sess.State() == domain.NegotiationStable {
			if err := n.publishOffer(ctx, channel, sess); err != nil {
				n.logger.Warnw("failed to renegotiate after detach", "peer_id", sess.PeerID(), "error", err)
			}
		}
	}
}

// ReplaceRoleAll swaps the source in an existing sender slot on every
// session. No renegotiation unless a session had no slot for the role yet.
func (n *Negotiator) ReplaceRoleAll(ctx context.Context, channel domain.ChannelID, role domain.TrackRole, t ports.LocalTrack) {
	for _, sess := range n.table.All() {
		attached, err := sess.ReplaceRole(role, t)
		if err != nil {
			n.logger.Warnw("failed to replace track", "peer_id", sess.PeerID(), "role", role, "error", err)
			continue
		}
		if attached && sess.State() == domain.NegotiationStable {
			if err := n.publishOffer(ctx, channel, sess); err != nil {
				n.logger.Warnw("failed to renegotiate after replace", "peer_id", sess.PeerID(), "error", err)
			}
		}
	}
}

// DropPeer closes and forgets one session.
func (n *Negotiator) DropPeer(peer domain.UserID) {
	sess, ok := n.table.Remove(peer)
	if !ok {
		return
	}
	if err := sess.Close(); err != nil {
		n.logger.Warnw("failed to close peer session", "peer_id", peer, "error", err)
	}
	n.metrics.SessionClosed()
	n.logger.Infow("peer session closed", "peer_id", peer)
}

// CloseAll tears down every session.
func (n *Negotiator) CloseAll() {
	for _, sess := range n.table.All() {
		n.DropPeer(sess.PeerID())
	}
}

// publishOffer runs the local-offer step and sends it. An offer already in
// flight is left alone; an offer that cannot be delivered is rolled back so
// the session does not wait forever for an answer.
func (n *Negotiator) publishOffer(ctx context.Context, channel domain.ChannelID, sess *PeerSession) error {
	sdp, err := sess.CreateLocalOffer(ctx)
	if errors.Is(err, errOfferInFlight) {
		return nil
	}
	if err != nil {
		return err
	}

	n.logger.Debugw("publishing offer",
		"peer_id", sess.PeerID(),
		"sdp", utils.TruncateString(sdp, 120),
	)

	if err := n.publish(ctx, &domain.SignalEnvelope{
		Kind:       domain.KindOffer,
		ChannelID:  channel,
		From:       n.self,
		To:         sess.PeerID(),
		SDP:        sdp,
		TrackRoles: n.localRoles(sess),
	}); err != nil {
		if abandonErr := sess.AbandonLocalOffer(); abandonErr != nil {
			n.logger.Warnw("failed to abandon undelivered offer", "peer_id", sess.PeerID(), "error", abandonErr)
		}
		return err
	}
	return nil
}

func (n *Negotiator) renegotiateIfDirty(ctx context.Context, channel domain.ChannelID, sess *PeerSession) error {
	if sess.State() != domain.NegotiationStable || !sess.ConsumeDirty() {
		return nil
	}
	return n.publishOffer(ctx, channel, sess)
}

func (n *Negotiator) publish(ctx context.Context, env *domain.SignalEnvelope) error {
	if err := n.transport.Publish(ctx, env); err != nil {
		return fmt.Errorf("publish %s to %s: %w", env.Kind, env.To, err)
	}
	n.metrics.SignalSent(env.Kind)
	return nil
}

func (n *Negotiator) localRoles(sess *PeerSession) map[domain.TrackID]domain.TrackRole {
	senders := sess.SenderRoles()
	if len(senders) == 0 {
		return nil
	}
	roles := make(map[domain.TrackID]domain.TrackRole, len(senders))
	for role, id := range senders {
		roles[id] = role
	}
	return roles
}
