package domain

import "time"

type CallID string

type CallType string

const (
	CallTypeVoice CallType = "voice"
	CallTypeVideo CallType = "video"
)

// CallStatus is the shared ringing state persisted in the presence store.
type CallStatus string

const (
	CallStatusRinging  CallStatus = "ringing"
	CallStatusAnswered CallStatus = "answered"
	CallStatusDeclined CallStatus = "declined"
	CallStatusEnded    CallStatus = "ended"
)

// CallRecord is one direct call between two users. Both sides observe the
// same record through the presence store; status moves strictly forward.
type CallRecord struct {
	ID         CallID     `json:"id"`
	ChannelID  ChannelID  `json:"channelId"`
	CallerID   UserID     `json:"callerId"`
	ReceiverID UserID     `json:"receiverId"`
	CallType   CallType   `json:"callType"`
	Status     CallStatus `json:"status"`
	CreatedAt  time.Time  `json:"createdAt"`
	AnsweredAt time.Time  `json:"answeredAt,omitempty"`
	EndedAt    time.Time  `json:"endedAt,omitempty"`
}

// Concluded reports whether the record can no longer change.
func (c *CallRecord) Concluded() bool {
	return c.Status == CallStatusEnded || c.Status == CallStatusDeclined
}

// Involves reports whether the user is either side of the call.
func (c *CallRecord) Involves(user UserID) bool {
	return c.CallerID == user || c.ReceiverID == user
}

// Other returns the opposite side of the call from user.
func (c *CallRecord) Other(user UserID) UserID {
	if c.CallerID == user {
		return c.ReceiverID
	}
	return c.CallerID
}

// CallChannel derives the signaling channel for a direct call between two
// users. The pair is sorted so both sides compute the same channel.
func CallChannel(a, b UserID) ChannelID {
	if b < a {
		a, b = b, a
	}
	return ChannelID("dm:" + string(a) + ":" + string(b))
}

type CallOutcome string

const (
	OutcomeEnded    CallOutcome = "ended"
	OutcomeMissed   CallOutcome = "missed"
	OutcomeDeclined CallOutcome = "declined"
)

// CallLogEntry is one line of call history.
type CallLogEntry struct {
	CallID     CallID        `json:"callId"`
	ChannelID  ChannelID     `json:"channelId"`
	CallType   CallType      `json:"callType"`
	Outcome    CallOutcome   `json:"outcome"`
	CallerID   UserID        `json:"callerId"`
	ReceiverID UserID        `json:"receiverId"`
	Duration   time.Duration `json:"duration,omitempty"`
	LoggedAt   time.Time     `json:"loggedAt"`
}

// LogEntry derives the history line for a concluded call. Duration counts
// from answer to end and stays zero for calls that never connected.
func (c *CallRecord) LogEntry(outcome CallOutcome, now time.Time) CallLogEntry {
	var duration time.Duration
	if outcome == OutcomeEnded && !c.AnsweredAt.IsZero() {
		ended := c.EndedAt
		if ended.IsZero() {
			ended = now
		}
		duration = ended.Sub(c.AnsweredAt)
	}

	return CallLogEntry{
		CallID:     c.ID,
		ChannelID:  c.ChannelID,
		CallType:   c.CallType,
		Outcome:    outcome,
		CallerID:   c.CallerID,
		ReceiverID: c.ReceiverID,
		Duration:   duration,
		LoggedAt:   now,
	}
}
