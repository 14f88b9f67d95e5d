package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"peercall/internal/core/domain"
	"peercall/internal/core/ports"
	"peercall/pkg/tracing"
	"peercall/pkg/utils"

	"go.uber.org/zap"
)

var errJoinAborted = errors.New("join aborted before completion")

// EngineConfig carries the runtime knobs the engine needs.
type EngineConfig struct {
	// SignalTTL bounds how long the dedup filter remembers envelope IDs.
	// Must cover the relay's envelope expiry window.
	SignalTTL time.Duration
	// RingTimeout concludes an outgoing call nobody answered.
	RingTimeout time.Duration
	// QueueSize bounds the event queue; PendingBufferSize bounds signals
	// buffered while a join is in flight.
	QueueSize         int
	PendingBufferSize int
	// MediaCheckInterval/MediaStallAfter drive the periodic inbound
	// liveness check.
	MediaCheckInterval time.Duration
	MediaStallAfter    time.Duration
	// MixScreenAudio asks the provider to mix mic and screen audio into
	// one outbound track during shares.
	MixScreenAudio bool
	// JoinTimeout bounds microphone acquisition during join.
	JoinTimeout time.Duration

	Bitrate BitratePolicyConfig
}

type joinPhase int

const (
	phaseIdle joinPhase = iota
	phaseJoining
	phaseJoined
)

// Events posted into the engine queue. Everything that mutates engine
// state arrives as one of these and is handled by the single dispatch
// goroutine.
type (
	envelopeEvent struct{ env *domain.SignalEnvelope }
	recordEvent   struct{ rec domain.CallRecord }

	remoteTrackEvent struct {
		peer domain.UserID
		id   domain.TrackID
		kind domain.TrackKind
	}
	localCandidateEvent struct {
		peer domain.UserID
		cand domain.IceCandidateData
	}
	linkChangeEvent struct {
		peer  domain.UserID
		state domain.LinkState
	}

	joinResultEvent struct {
		seq     uint64
		channel domain.ChannelID
		mic     ports.LocalTrack
		err     error
	}
	ringTimeoutEvent struct{ id domain.CallID }
	mediaCheckEvent  struct{}

	commandEvent struct {
		fn   func(ctx context.Context) error
		done chan error
	}
)

// Engine is the call runtime for one local user: a single dispatch
// goroutine owns every peer session, the media manager and the call
// controller, and drains one queue of inbound signals, presence events,
// local control actions and timer fires. Adapters never mutate state
// directly; they post events.
type Engine struct {
	cfg  EngineConfig
	self domain.UserID

	transport ports.SignalTransport
	presence  ports.PresenceStore
	provider  ports.MediaProvider
	metrics   ports.MetricsSink
	logger    *zap.SugaredLogger

	filter  *SignalFilter
	pending *PendingBuffer
	table   *SessionTable
	neg     *Negotiator
	media   *MediaManager
	calls   *CallController
	policy  *BitratePolicy

	events chan any
	closed chan struct{}

	startOnce sync.Once
	closeOnce sync.Once
	wg        sync.WaitGroup

	// Dispatch-goroutine state. Nothing below is touched from anywhere
	// else.
	phase       joinPhase
	channel     domain.ChannelID
	joinSeq     uint64
	joinWaiters []chan error
	unsubscribe func()
	ringTimer   *time.Timer
	mediaStop   chan struct{}
}

func NewEngine(
	cfg EngineConfig,
	self domain.UserID,
	transport ports.SignalTransport,
	presence ports.PresenceStore,
	history ports.CallLogWriter,
	connector ports.PeerConnector,
	provider ports.MediaProvider,
	metrics ports.MetricsSink,
	logger *zap.SugaredLogger,
) *Engine {
	e := &Engine{
		cfg:       cfg,
		self:      self,
		transport: transport,
		presence:  presence,
		provider:  provider,
		metrics:   metrics,
		logger:    logger,
		filter:    NewSignalFilter(self, cfg.SignalTTL),
		pending:   NewPendingBuffer(cfg.PendingBufferSize),
		table:     NewSessionTable(),
		media:     NewMediaManager(provider, cfg.MixScreenAudio, logger),
		calls:     NewCallController(self, presence, history, metrics, logger),
		policy:    NewBitratePolicy(cfg.Bitrate),
		events:    make(chan any, cfg.QueueSize),
		closed:    make(chan struct{}),
	}
	e.neg = NewNegotiator(self, e.table, connector, transport, e.media, metrics, SessionEvents{
		OnRemoteTrack: func(peer domain.UserID, id domain.TrackID, kind domain.TrackKind) {
			e.post(remoteTrackEvent{peer: peer, id: id, kind: kind})
		},
		OnLocalCandidate: func(peer domain.UserID, c domain.IceCandidateData) {
			e.post(localCandidateEvent{peer: peer, cand: c})
		},
		OnLinkChange: func(peer domain.UserID, s domain.LinkState) {
			e.post(linkChangeEvent{peer: peer, state: s})
		},
	}, logger)
	return e
}

// Start launches the dispatch loop and the presence watch. Must be called
// once before any other method.
func (e *Engine) Start(ctx context.Context) error {
	var startErr error
	e.startOnce.Do(func() {
		records, err := e.presence.Watch(ctx)
		if err != nil {
			startErr = fmt.Errorf("watch call records: %w", err)
			return
		}

		e.wg.Add(2)
		go e.pumpRecords(records)
		go e.run()

		e.logger.Infow("engine started", "user_id", e.self)
	})
	return startErr
}

// Close leaves whatever channel is active, concludes any live call and
// stops the dispatch loop. Idempotent.
func (e *Engine) Close() error {
	if err := e.do(context.Background(), e.leaveLocked); err != nil && !errors.Is(err, domain.ErrEngineClosed) {
		e.logger.Warnw("teardown on close failed", "error", err)
	}
	e.closeOnce.Do(func() { close(e.closed) })
	e.wg.Wait()
	e.filter.Stop()
	return nil
}

func (e *Engine) run() {
	defer e.wg.Done()
	for {
		select {
		case ev := <-e.events:
			e.dispatch(ev)
		case <-e.closed:
			return
		}
	}
}

func (e *Engine) dispatch(ev any) {
	switch ev := ev.(type) {
	case commandEvent:
		ev.done <- ev.fn(context.Background())
	case envelopeEvent:
		e.onEnvelope(ev.env)
	case recordEvent:
		e.onRecord(&ev.rec)
	case remoteTrackEvent:
		e.onRemoteTrack(ev)
	case localCandidateEvent:
		e.onLocalCandidate(ev)
	case linkChangeEvent:
		e.onLinkChange(ev)
	case joinResultEvent:
		e.finishJoin(ev)
	case ringTimeoutEvent:
		e.onRingTimeout(ev.id)
	case mediaCheckEvent:
		e.onMediaCheck()
	default:
		e.logger.Warnw("dropping unknown event", "type", fmt.Sprintf("%T", ev))
	}
	e.metrics.QueueDepth(len(e.events))
}

// post delivers an event from an adapter or timer goroutine. Blocks until
// the queue has room so per-source ordering survives bursts; the dispatch
// goroutine itself never posts.
func (e *Engine) post(ev any) {
	select {
	case e.events <- ev:
	case <-e.closed:
	}
}

// do runs fn on the dispatch goroutine and waits for its result.
func (e *Engine) do(ctx context.Context, fn func(ctx context.Context) error) error {
	done := make(chan error, 1)
	select {
	case e.events <- commandEvent{fn: fn, done: done}:
	case <-e.closed:
		return domain.ErrEngineClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-done:
		return err
	case <-e.closed:
		return domain.ErrEngineClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) pumpRecords(records <-chan domain.CallRecord) {
	defer e.wg.Done()
	for {
		select {
		case rec, ok := <-records:
			if !ok {
				return
			}
			e.post(recordEvent{rec: rec})
		case <-e.closed:
			return
		}
	}
}

func (e *Engine) pumpEnvelopes(envelopes <-chan *domain.SignalEnvelope) {
	defer e.wg.Done()
	for {
		select {
		case env, ok := <-envelopes:
			if !ok {
				return
			}
			e.post(envelopeEvent{env: env})
		case <-e.closed:
			return
		}
	}
}

// --- channel membership ---

// JoinChannel joins a voice channel and blocks until the local side is
// fully live: microphone acquired, join announced, relayed backlog
// processed. A join already in flight or an active channel rejects the
// call.
func (e *Engine) JoinChannel(ctx context.Context, channel domain.ChannelID) error {
	ctx, span := tracing.StartSpan(ctx, "engine.JoinChannel")
	defer span.End()

	done := make(chan error, 1)
	if err := e.do(ctx, func(context.Context) error {
		return e.beginJoin(channel, done)
	}); err != nil {
		return err
	}
	return e.awaitJoin(ctx, done)
}

func (e *Engine) awaitJoin(ctx context.Context, done chan error) error {
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		// The join keeps running; the caller just stopped waiting.
		return ctx.Err()
	case <-e.closed:
		return domain.ErrEngineClosed
	}
}

// beginJoin starts the two-phase join. Phase one (here, on the dispatch
// goroutine) claims the joining state and starts the subscription so no
// relayed signal is lost; phase two (finishJoin) runs when the microphone
// acquisition posts its result. Signals arriving in between sit in the
// pending buffer.
func (e *Engine) beginJoin(channel domain.ChannelID, done chan error) error {
	if e.phase != phaseIdle {
		return domain.ErrAlreadyInChannel
	}

	envelopes, err := e.transport.Subscribe(context.Background(), channel)
	if err != nil {
		return fmt.Errorf("subscribe to %s: %w", channel, err)
	}

	e.phase = phaseJoining
	e.channel = channel
	e.joinSeq++
	e.joinWaiters = append(e.joinWaiters, done)
	e.unsubscribe = func() {
		if err := e.transport.Unsubscribe(channel); err != nil {
			e.logger.Warnw("unsubscribe failed", "channel_id", channel, "error", err)
		}
	}

	e.wg.Add(1)
	go e.pumpEnvelopes(envelopes)

	// Microphone acquisition can block on device startup or a user
	// prompt, so it runs off the loop and posts its result.
	seq := e.joinSeq
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		actx, cancel := context.WithTimeout(context.Background(), e.cfg.JoinTimeout)
		defer cancel()
		mic, err := e.provider.AcquireMicrophone(actx)
		e.post(joinResultEvent{seq: seq, channel: channel, mic: mic, err: err})
	}()

	e.logger.Infow("joining channel", "channel_id", channel)
	return nil
}

func (e *Engine) finishJoin(ev joinResultEvent) {
	if e.phase != phaseJoining || e.joinSeq != ev.seq {
		// The join was abandoned while the microphone was starting.
		if ev.mic != nil {
			if err := ev.mic.Close(); err != nil {
				e.logger.Warnw("failed to release orphaned microphone", "error", err)
			}
		}
		return
	}

	if ev.err != nil {
		e.failJoin(fmt.Errorf("acquire microphone: %w", ev.err))
		return
	}

	e.media.AdoptMicrophone(ev.mic)

	// Announce ourselves. Members react by introducing themselves and
	// initiating the handshake toward us.
	state := e.media.State().UserState()
	e.sendEnvelope(&domain.SignalEnvelope{
		Kind:      domain.KindJoin,
		ChannelID: e.channel,
		From:      e.self,
		To:        domain.EveryoneID,
		State:     &state,
	})

	// Catch up on signals relayed while we were connecting, then replay
	// whatever the subscription buffered, in arrival order. The dedup
	// filter keeps the overlap harmless.
	if backlog, err := e.transport.Catchup(context.Background(), e.channel); err != nil {
		e.logger.Warnw("signal catch-up failed", "channel_id", e.channel, "error", err)
	} else {
		for _, env := range backlog {
			e.processEnvelope(env)
		}
	}

	e.phase = phaseJoined
	for _, env := range e.pending.Drain() {
		e.processEnvelope(env)
	}

	e.startMediaCheck()

	// A video call brings the camera up as soon as the channel is live.
	if call := e.calls.Active(); call != nil && call.CallType == domain.CallTypeVideo && !call.Concluded() {
		if err := e.enableVideoLocked(context.Background()); err != nil {
			e.logger.Warnw("camera unavailable for video call, continuing voice-only", "error", err)
		}
	}

	e.applyBitrate()
	e.resolveJoinWaiters(nil)
	e.logger.Infow("joined channel", "channel_id", e.channel)
}

// failJoin unwinds a join whose microphone never materialized. A call
// that depended on the join is concluded so the peer does not ring
// forever against a dead channel.
func (e *Engine) failJoin(cause error) {
	e.resolveJoinWaiters(cause)

	if call := e.calls.Active(); call != nil && !call.Concluded() {
		if _, err := e.calls.Abort(context.Background()); err != nil {
			e.logger.Warnw("failed to conclude call after join failure", "error", err)
		}
		e.cancelRingTimer()
		e.calls.Clear()
	}

	e.teardownChannel()
	e.logger.Errorw("join failed", "error", cause)
}

// LeaveChannel tears the channel down: any live call is concluded, every
// session closed, every track stopped, timers cancelled, queues emptied.
// Safe to call repeatedly.
func (e *Engine) LeaveChannel(ctx context.Context) error {
	ctx, span := tracing.StartSpan(ctx, "engine.LeaveChannel")
	defer span.End()
	return e.do(ctx, e.leaveLocked)
}

func (e *Engine) leaveLocked(ctx context.Context) error {
	if call := e.calls.Active(); call != nil && !call.Concluded() {
		if _, err := e.calls.End(ctx); err != nil {
			e.logger.Warnw("failed to conclude call on leave", "call_id", call.ID, "error", err)
		}
	}
	e.cancelRingTimer()
	e.calls.Clear()
	e.resolveJoinWaiters(errJoinAborted)
	e.teardownChannel()
	return nil
}

// teardownChannel releases everything the membership owned. Idempotent;
// every exit path from a channel funnels through here.
func (e *Engine) teardownChannel() {
	if e.phase == phaseIdle {
		return
	}

	if e.phase == phaseJoined {
		e.sendEnvelope(&domain.SignalEnvelope{
			Kind:      domain.KindLeave,
			ChannelID: e.channel,
			From:      e.self,
			To:        domain.EveryoneID,
		})
	}

	e.stopMediaCheck()
	e.neg.CloseAll()
	e.media.Stop()
	e.pending.Clear()
	e.filter.Reset()

	if e.unsubscribe != nil {
		e.unsubscribe()
		e.unsubscribe = nil
	}

	channel := e.channel
	e.channel = ""
	e.phase = phaseIdle
	e.resolveJoinWaiters(errJoinAborted)
	e.logger.Infow("left channel", "channel_id", channel)
}

func (e *Engine) resolveJoinWaiters(err error) {
	for _, w := range e.joinWaiters {
		w <- err
	}
	e.joinWaiters = nil
}

// --- calls ---

// StartCall rings another user and joins the call channel. Returns once
// the local side is live; media denial concludes the call before it ever
// rings through.
func (e *Engine) StartCall(ctx context.Context, to domain.UserID, callType domain.CallType) (*domain.CallRecord, error) {
	ctx, span := tracing.StartSpan(ctx, "engine.StartCall")
	defer span.End()

	var rec *domain.CallRecord
	done := make(chan error, 1)
	err := e.do(ctx, func(cctx context.Context) error {
		if e.phase != phaseIdle {
			return domain.ErrAlreadyInChannel
		}
		r, err := e.calls.StartOutgoing(cctx, to, callType)
		if err != nil {
			return err
		}
		rec = r
		e.armRingTimer(r.ID)
		if err := e.beginJoin(r.ChannelID, done); err != nil {
			e.cancelRingTimer()
			if _, endErr := e.calls.End(cctx); endErr != nil {
				e.logger.Warnw("failed to conclude unstartable call", "call_id", r.ID, "error", endErr)
			}
			e.calls.Clear()
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := e.awaitJoin(ctx, done); err != nil {
		return nil, err
	}
	return rec, nil
}

// AnswerCall accepts the ringing incoming call and joins its channel.
func (e *Engine) AnswerCall(ctx context.Context) error {
	ctx, span := tracing.StartSpan(ctx, "engine.AnswerCall")
	defer span.End()

	done := make(chan error, 1)
	if err := e.do(ctx, func(cctx context.Context) error {
		if e.phase != phaseIdle {
			return domain.ErrAlreadyInChannel
		}
		rec, err := e.calls.Answer(cctx)
		if err != nil {
			return err
		}
		return e.beginJoin(rec.ChannelID, done)
	}); err != nil {
		return err
	}
	return e.awaitJoin(ctx, done)
}

// DeclineCall rejects the ringing incoming call without joining anything.
func (e *Engine) DeclineCall(ctx context.Context) error {
	return e.do(ctx, func(cctx context.Context) error {
		if _, err := e.calls.Decline(cctx); err != nil {
			return err
		}
		e.calls.Clear()
		return nil
	})
}

// EndCall hangs up the active call and releases the channel.
func (e *Engine) EndCall(ctx context.Context) error {
	ctx, span := tracing.StartSpan(ctx, "engine.EndCall")
	defer span.End()
	return e.do(ctx, e.endCallLocked)
}

func (e *Engine) endCallLocked(ctx context.Context) error {
	if _, err := e.calls.End(ctx); err != nil {
		return err
	}
	e.cancelRingTimer()
	e.calls.Clear()
	e.teardownChannel()
	return nil
}

func (e *Engine) onRecord(rec *domain.CallRecord) {
	action, current := e.calls.OnRecordUpdate(rec)
	switch action {
	case CallActionRinging:
		e.logger.Infow("incoming call ringing",
			"call_id", current.ID,
			"caller_id", current.CallerID,
			"call_type", current.CallType,
		)
	case CallActionAnswered:
		// We are the caller; the other side picked up and will join the
		// channel, announcing itself through the normal join flow.
		e.cancelRingTimer()
		e.logger.Infow("call answered", "call_id", current.ID)
	case CallActionConcluded:
		e.cancelRingTimer()
		e.resolveJoinWaiters(errJoinAborted)
		e.teardownChannel()
		e.calls.Clear()
		e.logger.Infow("call concluded remotely", "call_id", current.ID, "status", current.Status)
	}
}

func (e *Engine) armRingTimer(id domain.CallID) {
	e.cancelRingTimer()
	e.ringTimer = time.AfterFunc(e.cfg.RingTimeout, func() {
		e.post(ringTimeoutEvent{id: id})
	})
}

func (e *Engine) cancelRingTimer() {
	if e.ringTimer != nil {
		e.ringTimer.Stop()
		e.ringTimer = nil
	}
}

func (e *Engine) onRingTimeout(id domain.CallID) {
	rec, err := e.calls.OnRingTimeout(context.Background(), id)
	if err != nil {
		e.logger.Warnw("ring timeout handling failed", "call_id", id, "error", err)
	}
	if rec == nil {
		// The call left ringing before the timer fired; stale fire.
		return
	}
	e.ringTimer = nil
	e.resolveJoinWaiters(errJoinAborted)
	e.teardownChannel()
	e.calls.Clear()
	e.logger.Infow("outgoing call missed", "call_id", id)
}

// --- inbound signals ---

func (e *Engine) onEnvelope(env *domain.SignalEnvelope) {
	e.metrics.SignalReceived(env.Kind)

	switch e.phase {
	case phaseIdle:
		// Leftovers from a subscription that is shutting down.
		e.metrics.SignalDropped("not-joined")
		return
	case phaseJoining:
		if dropped := e.pending.Add(env); dropped != nil {
			e.metrics.SignalDropped("pending-overflow")
			e.logger.Warnw("pending buffer overflow",
				"dropped_kind", dropped.Kind,
				"dropped_from", dropped.From,
			)
		}
		return
	}

	e.processEnvelope(env)
}

func (e *Engine) processEnvelope(env *domain.SignalEnvelope) {
	ctx, span := tracing.TraceSignal(context.Background(), string(env.Kind), string(env.ID), string(env.From))
	defer span.End()

	if reason := e.filter.Admit(env); reason != DropNone {
		e.metrics.SignalDropped(string(reason))
		e.logger.Debugw("dropped envelope",
			"envelope_id", env.ID,
			"kind", env.Kind,
			"from", env.From,
			"reason", reason,
		)
		return
	}

	var err error
	switch env.Kind {
	case domain.KindJoin:
		err = e.neg.HandleJoin(ctx, e.channel, env)
		e.applyBitrate()
	case domain.KindLeave:
		e.neg.HandleLeave(env)
		e.applyBitrate()
	case domain.KindOffer:
		err = e.neg.HandleOffer(ctx, e.channel, env)
	case domain.KindAnswer:
		err = e.neg.HandleAnswer(ctx, e.channel, env)
	case domain.KindIceCandidate:
		err = e.neg.HandleCandidate(env)
	case domain.KindStateUpdate:
		err = e.neg.HandleStateUpdate(env)
		e.applyBitrate()
	default:
		e.logger.Debugw("ignoring unknown signal kind", "kind", env.Kind, "from", env.From)
	}

	if err != nil {
		// The operation aborted with session state unchanged; the next
		// inbound round retries.
		e.logger.Warnw("signal handling failed",
			"envelope_id", env.ID,
			"kind", env.Kind,
			"from", env.From,
			"error", err,
		)
	}
}

// --- peer link events ---

func (e *Engine) onRemoteTrack(ev remoteTrackEvent) {
	sess, ok := e.table.Get(ev.peer)
	if !ok {
		return
	}
	info := sess.OnRemoteTrack(ev.id, ev.kind)
	if info.Kind == domain.TrackKindVideo {
		// Ask for a fresh keyframe so rendering starts without waiting
		// out the encoder's interval.
		if err := sess.RequestKeyFrame(ev.id); err != nil {
			e.logger.Debugw("keyframe request failed", "peer_id", ev.peer, "track_id", ev.id, "error", err)
		}
	}
	e.applyBitrate()
	e.logger.Infow("remote track started",
		"peer_id", ev.peer,
		"track_id", ev.id,
		"kind", info.Kind,
		"role", info.Role,
	)
}

func (e *Engine) onLocalCandidate(ev localCandidateEvent) {
	if e.phase == phaseIdle {
		return
	}
	e.sendEnvelope(&domain.SignalEnvelope{
		Kind:      domain.KindIceCandidate,
		ChannelID: e.channel,
		From:      e.self,
		To:        ev.peer,
		Candidate: &ev.cand,
	})
}

func (e *Engine) onLinkChange(ev linkChangeEvent) {
	sess, ok := e.table.Get(ev.peer)
	if !ok {
		return
	}
	sess.SetLink(ev.state)

	switch ev.state {
	case domain.LinkConnected:
		e.logger.Infow("peer link connected", "peer_id", ev.peer)
	case domain.LinkDisconnected:
		// Often transient; the transport keeps probing. Failed is the
		// terminal signal.
		e.logger.Warnw("peer link disconnected", "peer_id", ev.peer)
	case domain.LinkFailed:
		call := e.calls.Active()
		if call != nil && !call.Concluded() && call.Other(e.self) == ev.peer {
			e.logger.Errorw("peer link failed, ending call", "peer_id", ev.peer, "call_id", call.ID)
			if err := e.endCallLocked(context.Background()); err != nil {
				e.logger.Warnw("failed to end call after link failure", "error", err)
			}
			return
		}
		// Group channel: only this peer's session is affected.
		e.logger.Errorw("peer link failed, dropping session", "peer_id", ev.peer)
		e.neg.DropPeer(ev.peer)
		e.applyBitrate()
	}
}

// --- local media actions ---

// SetMuted toggles the microphone. The sender stays attached; only the
// sample flow gates.
func (e *Engine) SetMuted(ctx context.Context, muted bool) error {
	return e.do(ctx, func(context.Context) error {
		if e.phase != phaseJoined {
			return domain.ErrNotInChannel
		}
		e.media.SetMuted(muted)
		e.broadcastState()
		return nil
	})
}

// SetDeafened toggles deafen; deafening forces mute.
func (e *Engine) SetDeafened(ctx context.Context, deafened bool) error {
	return e.do(ctx, func(context.Context) error {
		if e.phase != phaseJoined {
			return domain.ErrNotInChannel
		}
		e.media.SetDeafened(deafened)
		e.broadcastState()
		return nil
	})
}

// SetVideo turns the camera on or off. Unlike mute, video off detaches
// the sender, so both directions renegotiate.
func (e *Engine) SetVideo(ctx context.Context, on bool) error {
	ctx, span := tracing.StartSpan(ctx, "engine.SetVideo")
	defer span.End()

	return e.do(ctx, func(cctx context.Context) error {
		if e.phase != phaseJoined {
			return domain.ErrNotInChannel
		}
		if on {
			if err := e.enableVideoLocked(cctx); err != nil {
				return err
			}
		} else {
			role, err := e.media.DisableVideo()
			if err != nil {
				return err
			}
			e.neg.DetachRoleAll(cctx, e.channel, role)
		}
		e.broadcastState()
		e.applyBitrate()
		return nil
	})
}

func (e *Engine) enableVideoLocked(ctx context.Context) error {
	track, err := e.media.EnableVideo(ctx)
	if err != nil {
		// Toggle fails, prior state is retained.
		return err
	}
	e.neg.AttachTrackAll(ctx, e.channel, track)
	return nil
}

// SetScreenShare starts or stops the screen share. Starting attaches the
// screen video (and screen audio when it cannot be mixed into the mic
// slot); stopping detaches them and restores the plain microphone.
func (e *Engine) SetScreenShare(ctx context.Context, on bool) error {
	ctx, span := tracing.StartSpan(ctx, "engine.SetScreenShare")
	defer span.End()

	return e.do(ctx, func(cctx context.Context) error {
		if e.phase != phaseJoined {
			return domain.ErrNotInChannel
		}
		if on {
			start, err := e.media.StartScreenShare(cctx)
			if err != nil {
				return err
			}
			if start == nil {
				return nil
			}
			e.neg.AttachTrackAll(cctx, e.channel, start.Video)
			if start.ExtraAudio != nil {
				e.neg.AttachTrackAll(cctx, e.channel, start.ExtraAudio)
			}
			if start.MicSlot != nil {
				e.neg.ReplaceRoleAll(cctx, e.channel, domain.RoleMicrophone, start.MicSlot)
			}
		} else {
			stop, err := e.media.StopScreenShare()
			if err != nil {
				return err
			}
			if stop == nil {
				return nil
			}
			for _, role := range stop.DetachRoles {
				e.neg.DetachRoleAll(cctx, e.channel, role)
			}
			if stop.MicSlot != nil {
				e.neg.ReplaceRoleAll(cctx, e.channel, domain.RoleMicrophone, stop.MicSlot)
			}
		}
		e.broadcastState()
		e.applyBitrate()
		return nil
	})
}

// RefreshCamera swaps the camera source in place after a device change.
// Replacement reuses the existing sender slots, so no negotiation round
// runs.
func (e *Engine) RefreshCamera(ctx context.Context) error {
	return e.do(ctx, func(cctx context.Context) error {
		if e.phase != phaseJoined {
			return domain.ErrNotInChannel
		}
		track, err := e.media.RefreshCamera(cctx)
		if err != nil {
			return err
		}
		e.neg.ReplaceRoleAll(cctx, e.channel, domain.RoleCamera, track)
		return nil
	})
}

func (e *Engine) broadcastState() {
	if e.phase != phaseJoined {
		return
	}
	state := e.media.State().UserState()
	e.sendEnvelope(&domain.SignalEnvelope{
		Kind:      domain.KindStateUpdate,
		ChannelID: e.channel,
		From:      e.self,
		To:        domain.EveryoneID,
		State:     &state,
	})
}

// sendEnvelope publishes fire-and-forget: session state never depends on
// delivery, and the relay owns retries.
func (e *Engine) sendEnvelope(env *domain.SignalEnvelope) {
	if err := e.transport.Publish(context.Background(), env); err != nil {
		e.logger.Warnw("failed to publish signal",
			"kind", env.Kind,
			"to", env.To,
			"error", err,
		)
		return
	}
	e.metrics.SignalSent(env.Kind)
}

// --- bitrate ---

func (e *Engine) applyBitrate() {
	sharing := e.media.State().ScreenSharing
	if !sharing {
		for _, sess := range e.table.All() {
			if sess.RemoteScreenSharing() {
				sharing = true
				break
			}
		}
	}
	targets := e.policy.Targets(e.table.Len()+1, sharing)
	e.media.ApplyBitrate(targets)
}

// --- inbound media liveness ---

func (e *Engine) startMediaCheck() {
	if e.cfg.MediaCheckInterval <= 0 {
		return
	}
	stop := make(chan struct{})
	e.mediaStop = stop
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ticker := time.NewTicker(e.cfg.MediaCheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				e.post(mediaCheckEvent{})
			case <-stop:
				return
			case <-e.closed:
				return
			}
		}
	}()
}

func (e *Engine) stopMediaCheck() {
	if e.mediaStop != nil {
		close(e.mediaStop)
		e.mediaStop = nil
	}
}

// onMediaCheck verifies that inbound tracks keep making RTP progress.
// Stalls are diagnostic: logged, and video gets a keyframe nudge.
func (e *Engine) onMediaCheck() {
	if e.phase != phaseJoined {
		return
	}
	now := utils.Now()
	for _, sess := range e.table.All() {
		if sess.Link() != domain.LinkConnected {
			continue
		}
		for _, st := range sess.InboundStats() {
			if st.LastPacket.IsZero() || now.Sub(st.LastPacket) < e.cfg.MediaStallAfter {
				continue
			}
			e.logger.Warnw("inbound track stalled",
				"peer_id", sess.PeerID(),
				"track_id", st.Track.ID,
				"kind", st.Track.Kind,
				"last_packet", st.LastPacket,
			)
			if st.Track.Kind == domain.TrackKindVideo {
				if err := sess.RequestKeyFrame(st.Track.ID); err != nil {
					e.logger.Debugw("keyframe nudge failed", "peer_id", sess.PeerID(), "error", err)
				}
			}
		}
	}
}

// --- snapshots ---

// Participants snapshots every remote member for the control surface.
func (e *Engine) Participants() []domain.Participant {
	var out []domain.Participant
	err := e.do(context.Background(), func(context.Context) error {
		sessions := e.table.All()
		out = make([]domain.Participant, 0, len(sessions))
		for _, sess := range sessions {
			out = append(out, sess.Participant())
		}
		return nil
	})
	if err != nil {
		return nil
	}
	return out
}

// Stats snapshots the engine for the control surface.
func (e *Engine) Stats() domain.EngineStats {
	var out domain.EngineStats
	err := e.do(context.Background(), func(context.Context) error {
		out = domain.EngineStats{
			UserID:       e.self,
			ChannelID:    e.channel,
			Joined:       e.phase == phaseJoined,
			Sessions:     e.table.Len(),
			Local:        e.media.State().UserState(),
			PendingCount: e.pending.Len(),
			Timestamp:    utils.Now(),
		}
		if call := e.calls.Active(); call != nil {
			out.CallID = call.ID
			out.CallStatus = string(call.Status)
		}
		return nil
	})
	if err != nil {
		return domain.EngineStats{UserID: e.self, Timestamp: utils.Now()}
	}
	return out
}
