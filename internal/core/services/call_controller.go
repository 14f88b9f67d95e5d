package services

import (
	"context"
	"fmt"
	"time"

	"peercall/internal/core/domain"
	"peercall/internal/core/ports"
	"peercall/pkg/tracing"
	"peercall/pkg/utils"

	"go.uber.org/zap"
)

// CallAction tells the engine what a presence record change means for the
// local side.
type CallAction int

const (
	CallActionNone CallAction = iota
	// CallActionRinging: an incoming call started ringing for us.
	CallActionRinging
	// CallActionAnswered: the other side picked up a call we started.
	CallActionAnswered
	// CallActionConcluded: the call ended or was declined remotely.
	CallActionConcluded
)

// CallController drives direct call lifecycle against the shared presence
// store and writes exactly one history entry per call for the local side.
// Engine dispatch goroutine only.
type CallController struct {
	self     domain.UserID
	presence ports.PresenceStore
	history  ports.CallLogWriter
	metrics  ports.MetricsSink
	logger   *zap.SugaredLogger
	now      func() time.Time

	active     *domain.CallRecord
	logWritten bool
}

func NewCallController(self domain.UserID, presence ports.PresenceStore, history ports.CallLogWriter, metrics ports.MetricsSink, logger *zap.SugaredLogger) *CallController {
	return &CallController{
		self:     self,
		presence: presence,
		history:  history,
		metrics:  metrics,
		logger:   logger,
		now:      utils.Now,
	}
}

// Active returns the call the local user is currently part of, nil when idle.
func (c *CallController) Active() *domain.CallRecord { return c.active }

// StartOutgoing creates a ringing record for a call we initiate. Busy when
// another call is still live.
func (c *CallController) StartOutgoing(ctx context.Context, to domain.UserID, callType domain.CallType) (*domain.CallRecord, error) {
	if c.active != nil && !c.active.Concluded() {
		return nil, domain.ErrCallInProgress
	}

	rec := &domain.CallRecord{
		ID:         domain.CallID(utils.NewCallID()),
		ChannelID:  domain.CallChannel(c.self, to),
		CallerID:   c.self,
		ReceiverID: to,
		CallType:   callType,
		Status:     domain.CallStatusRinging,
		CreatedAt:  c.now(),
	}

	ctx, span := tracing.TraceCall(ctx, "start", string(rec.ID))
	defer span.End()

	if err := c.presence.CreateCall(ctx, rec); err != nil {
		return nil, fmt.Errorf("create call record: %w", err)
	}

	c.active = rec
	c.logWritten = false
	return rec, nil
}

// OnRecordUpdate folds a presence store change into local call state and
// reports what the engine should do about it. Records for calls we are not
// part of, or for a concluded call we already logged, are ignored.
func (c *CallController) OnRecordUpdate(rec *domain.CallRecord) (CallAction, *domain.CallRecord) {
	if rec == nil || !rec.Involves(c.self) {
		return CallActionNone, nil
	}

	if c.active == nil || c.active.ID != rec.ID {
		// A fresh ring for us while idle; anything else is stale.
		if rec.Status == domain.CallStatusRinging && rec.ReceiverID == c.self &&
			(c.active == nil || c.active.Concluded()) {
			c.active = rec
			c.logWritten = false
			return CallActionRinging, rec
		}
		return CallActionNone, nil
	}

	c.active = rec
	switch rec.Status {
	case domain.CallStatusAnswered:
		return CallActionAnswered, rec
	case domain.CallStatusDeclined:
		c.writeLog(domain.OutcomeDeclined)
		return CallActionConcluded, rec
	case domain.CallStatusEnded:
		// A call that ended before anyone picked up reads as missed on
		// both sides; the local End path logs "ended" for a deliberate
		// hang-up before this event echoes back.
		outcome := domain.OutcomeEnded
		if rec.AnsweredAt.IsZero() {
			outcome = domain.OutcomeMissed
		}
		c.writeLog(outcome)
		return CallActionConcluded, rec
	default:
		return CallActionNone, rec
	}
}

// Answer accepts the ringing incoming call.
func (c *CallController) Answer(ctx context.Context) (*domain.CallRecord, error) {
	if c.active == nil || c.active.Concluded() {
		return nil, domain.ErrNoActiveCall
	}
	if c.active.Status != domain.CallStatusRinging || c.active.ReceiverID != c.self {
		return nil, domain.ErrCallNotRinging
	}

	ctx, span := tracing.TraceCall(ctx, "answer", string(c.active.ID))
	defer span.End()

	rec, err := c.presence.UpdateCallStatus(ctx, c.active.ID, domain.CallStatusAnswered)
	if err != nil {
		return nil, fmt.Errorf("answer call %s: %w", c.active.ID, err)
	}
	c.active = rec
	return rec, nil
}

// Decline rejects the ringing incoming call and logs it.
func (c *CallController) Decline(ctx context.Context) (*domain.CallRecord, error) {
	if c.active == nil || c.active.Concluded() {
		return nil, domain.ErrNoActiveCall
	}
	if c.active.Status != domain.CallStatusRinging || c.active.ReceiverID != c.self {
		return nil, domain.ErrCallNotRinging
	}

	ctx, span := tracing.TraceCall(ctx, "decline", string(c.active.ID))
	defer span.End()

	rec, err := c.presence.UpdateCallStatus(ctx, c.active.ID, domain.CallStatusDeclined)
	if err != nil {
		return nil, fmt.Errorf("decline call %s: %w", c.active.ID, err)
	}
	c.active = rec
	c.writeLog(domain.OutcomeDeclined)
	return rec, nil
}

// End hangs up the active call. Ending an outgoing call that never got
// answered logs it as ended with zero duration; the store update is best
// effort since the other side may have concluded the record first.
func (c *CallController) End(ctx context.Context) (*domain.CallRecord, error) {
	if c.active == nil || c.active.Concluded() {
		return nil, domain.ErrNoActiveCall
	}

	ctx, span := tracing.TraceCall(ctx, "end", string(c.active.ID))
	defer span.End()

	rec, err := c.presence.UpdateCallStatus(ctx, c.active.ID, domain.CallStatusEnded)
	if err != nil {
		c.logger.Warnw("failed to mark call ended, concluding locally",
			"call_id", c.active.ID,
			"error", err,
		)
		rec = c.active
		rec.Status = domain.CallStatusEnded
	}
	c.active = rec
	c.writeLog(domain.OutcomeEnded)
	return rec, nil
}

// Abort concludes a call whose local media never materialized. An
// outgoing ring the other side never got the chance to answer reads as
// missed on both ends; a call already answered concludes as a normal
// hang-up.
func (c *CallController) Abort(ctx context.Context) (*domain.CallRecord, error) {
	if c.active == nil || c.active.Concluded() {
		return nil, nil
	}
	if c.active.Status != domain.CallStatusRinging || c.active.CallerID != c.self {
		return c.End(ctx)
	}

	rec, err := c.presence.UpdateCallStatus(ctx, c.active.ID, domain.CallStatusEnded)
	if err != nil {
		c.logger.Warnw("failed to mark aborted call ended, concluding locally",
			"call_id", c.active.ID,
			"error", err,
		)
		rec = c.active
		rec.Status = domain.CallStatusEnded
	}
	c.active = rec
	c.writeLog(domain.OutcomeMissed)
	return rec, nil
}

// OnRingTimeout concludes an outgoing call nobody answered. The timer fires
// for stale calls too, so anything but "still ringing the same call" is a
// no-op.
func (c *CallController) OnRingTimeout(ctx context.Context, id domain.CallID) (*domain.CallRecord, error) {
	if c.active == nil || c.active.ID != id || c.active.Status != domain.CallStatusRinging || c.active.CallerID != c.self {
		return nil, nil
	}

	rec, err := c.presence.UpdateCallStatus(ctx, id, domain.CallStatusEnded)
	if err != nil {
		c.logger.Warnw("failed to mark call missed, concluding locally",
			"call_id", id,
			"error", err,
		)
		rec = c.active
		rec.Status = domain.CallStatusEnded
	}
	c.active = rec
	c.writeLog(domain.OutcomeMissed)
	return rec, nil
}

// Clear drops a concluded call so a new one can start.
func (c *CallController) Clear() {
	if c.active != nil && c.active.Concluded() {
		c.active = nil
	}
}

// writeLog appends the local history entry. The guard flips first so a
// remote conclusion racing a local hangup still produces one entry.
func (c *CallController) writeLog(outcome domain.CallOutcome) {
	if c.logWritten || c.active == nil {
		return
	}
	c.logWritten = true

	entry := c.active.LogEntry(outcome, c.now())
	if err := c.history.Append(context.Background(), c.self, entry); err != nil {
		c.logger.Errorw("failed to write call history",
			"call_id", entry.CallID,
			"outcome", entry.Outcome,
			"error", err,
		)
	}
	c.metrics.CallConcluded(outcome, entry.Duration)

	c.logger.Infow("call concluded",
		"call_id", entry.CallID,
		"outcome", entry.Outcome,
		"duration", utils.FormatDuration(entry.Duration),
	)
}
