package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"peercall/internal/core/domain"
	"peercall/internal/core/ports"

	"go.uber.org/zap"
)

func testLogger() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}

// signalEnv builds a stamped envelope the way the relay transport would,
// with a fresh ID and an expiry in the future.
func signalEnv(kind domain.SignalKind, channel domain.ChannelID, from, to domain.UserID) *domain.SignalEnvelope {
	now := time.Now()
	return &domain.SignalEnvelope{
		ID:        domain.EnvelopeID(fmt.Sprintf("sig_test_%d", now.UnixNano())),
		Kind:      kind,
		ChannelID: channel,
		From:      from,
		To:        to,
		IssuedAt:  now,
		ExpiresAt: now.Add(30 * time.Second),
	}
}

// --- metrics ---

type recordingMetrics struct {
	mu        sync.Mutex
	received  map[domain.SignalKind]int
	dropped   map[string]int
	sent      map[domain.SignalKind]int
	glare     int
	opened    int
	closed    int
	concluded []domain.CallOutcome
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{
		received: make(map[domain.SignalKind]int),
		dropped:  make(map[string]int),
		sent:     make(map[domain.SignalKind]int),
	}
}

func (m *recordingMetrics) SignalReceived(kind domain.SignalKind) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.received[kind]++
}

func (m *recordingMetrics) SignalDropped(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dropped[reason]++
}

func (m *recordingMetrics) SignalSent(kind domain.SignalKind) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent[kind]++
}

func (m *recordingMetrics) GlareDetected() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.glare++
}

func (m *recordingMetrics) SessionOpened() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.opened++
}

func (m *recordingMetrics) SessionClosed() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed++
}

func (m *recordingMetrics) CallConcluded(outcome domain.CallOutcome, duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.concluded = append(m.concluded, outcome)
}

func (m *recordingMetrics) QueueDepth(n int) {}

func (m *recordingMetrics) droppedCount(reason string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dropped[reason]
}

func (m *recordingMetrics) sentCount(kind domain.SignalKind) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sent[kind]
}

func (m *recordingMetrics) glareCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.glare
}

func (m *recordingMetrics) sessionsOpened() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.opened
}

func (m *recordingMetrics) sessionsClosed() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *recordingMetrics) concludedOutcomes() []domain.CallOutcome {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.CallOutcome(nil), m.concluded...)
}

// --- media ---

type fakeTrack struct {
	mu      sync.Mutex
	id      domain.TrackID
	role    domain.TrackRole
	enabled bool
	bitrate int
	closed  bool
}

func newFakeTrack(id string, role domain.TrackRole) *fakeTrack {
	return &fakeTrack{id: domain.TrackID(id), role: role, enabled: true}
}

func (t *fakeTrack) ID() domain.TrackID     { return t.id }
func (t *fakeTrack) Kind() domain.TrackKind { return t.role.Kind() }
func (t *fakeTrack) Role() domain.TrackRole { return t.role }

func (t *fakeTrack) SetEnabled(enabled bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.enabled = enabled
}

func (t *fakeTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *fakeTrack) SetBitrateTarget(bps int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.bitrate = bps
}

func (t *fakeTrack) bitrateTarget() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.bitrate
}

func (t *fakeTrack) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

func (t *fakeTrack) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

type fakeProvider struct {
	mu       sync.Mutex
	micErr   error
	camErr   error
	scrErr   error
	mixErr   error
	noAudio  bool
	micGate  chan struct{}
	mics     []*fakeTrack
	cameras  []*fakeTrack
	screens  []*fakeTrack
	mixCalls int
	seq      int
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{}
}

func (p *fakeProvider) next(prefix string) string {
	p.seq++
	return fmt.Sprintf("%s-%d", prefix, p.seq)
}

func (p *fakeProvider) AcquireMicrophone(ctx context.Context) (ports.LocalTrack, error) {
	p.mu.Lock()
	gate := p.micGate
	err := p.micErr
	p.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	mic := newFakeTrack(p.next("mic"), domain.RoleMicrophone)
	p.mics = append(p.mics, mic)
	return mic, nil
}

func (p *fakeProvider) AcquireCamera(ctx context.Context) (ports.LocalTrack, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.camErr != nil {
		return nil, p.camErr
	}
	cam := newFakeTrack(p.next("camera"), domain.RoleCamera)
	p.cameras = append(p.cameras, cam)
	return cam, nil
}

func (p *fakeProvider) AcquireScreen(ctx context.Context) (ports.LocalTrack, ports.LocalTrack, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.scrErr != nil {
		return nil, nil, p.scrErr
	}
	video := newFakeTrack(p.next("screen-video"), domain.RoleScreenVideo)
	p.screens = append(p.screens, video)
	if p.noAudio {
		return video, nil, nil
	}
	return video, newFakeTrack(p.next("screen-audio"), domain.RoleScreenAudio), nil
}

func (p *fakeProvider) MixAudio(mic, system ports.LocalTrack) (ports.LocalTrack, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.mixCalls++
	if p.mixErr != nil {
		return nil, p.mixErr
	}
	return newFakeTrack(p.next("mixed"), domain.RoleMicrophone), nil
}

func (p *fakeProvider) micCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.mics)
}

func (p *fakeProvider) mic(i int) *fakeTrack {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.mics[i]
}

func (p *fakeProvider) cameraCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.cameras)
}

func (p *fakeProvider) camera(i int) *fakeTrack {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cameras[i]
}

func (p *fakeProvider) mixCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.mixCalls
}

// --- peer links ---

type fakeSender struct {
	mu    sync.Mutex
	track ports.LocalTrack
}

func (s *fakeSender) Track() ports.LocalTrack {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.track
}

func (s *fakeSender) ReplaceTrack(t ports.LocalTrack) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.track = t
	return nil
}

type fakePeerHandle struct {
	mu sync.Mutex

	events ports.PeerEvents

	offers     int
	answers    int
	rollbacks  int
	remoteSDPs []string
	candidates []domain.IceCandidateData
	senders    []*fakeSender
	removed    []domain.TrackRole
	keyframes  []domain.TrackID
	stats      []domain.TrackStats
	link       domain.LinkState
	closed     bool

	failOffer     error
	failAnswer    error
	failSetRemote error
}

func (h *fakePeerHandle) CreateOffer(ctx context.Context) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.failOffer != nil {
		return "", h.failOffer
	}
	h.offers++
	return fmt.Sprintf("offer-sdp-%d", h.offers), nil
}

func (h *fakePeerHandle) CreateAnswer(ctx context.Context) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.failAnswer != nil {
		return "", h.failAnswer
	}
	h.answers++
	return fmt.Sprintf("answer-sdp-%d", h.answers), nil
}

func (h *fakePeerHandle) SetRemoteOffer(ctx context.Context, sdp string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.failSetRemote != nil {
		return h.failSetRemote
	}
	h.remoteSDPs = append(h.remoteSDPs, sdp)
	return nil
}

func (h *fakePeerHandle) SetRemoteAnswer(ctx context.Context, sdp string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.failSetRemote != nil {
		return h.failSetRemote
	}
	h.remoteSDPs = append(h.remoteSDPs, sdp)
	return nil
}

func (h *fakePeerHandle) Rollback() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.rollbacks++
	return nil
}

func (h *fakePeerHandle) AddRemoteCandidate(c domain.IceCandidateData) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.candidates = append(h.candidates, c)
	return nil
}

func (h *fakePeerHandle) AddTrack(t ports.LocalTrack) (ports.SenderHandle, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	sender := &fakeSender{track: t}
	h.senders = append(h.senders, sender)
	return sender, nil
}

func (h *fakePeerHandle) RemoveTrack(s ports.SenderHandle) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, sender := range h.senders {
		if sender == s {
			h.removed = append(h.removed, sender.Track().Role())
			h.senders = append(h.senders[:i], h.senders[i+1:]...)
			return nil
		}
	}
	return domain.ErrTrackNotFound
}

func (h *fakePeerHandle) LinkState() domain.LinkState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.link
}

func (h *fakePeerHandle) InboundStats() []domain.TrackStats {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]domain.TrackStats(nil), h.stats...)
}

func (h *fakePeerHandle) RequestKeyFrame(id domain.TrackID) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.keyframes = append(h.keyframes, id)
	return nil
}

func (h *fakePeerHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	return nil
}

func (h *fakePeerHandle) offerCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.offers
}

func (h *fakePeerHandle) rollbackCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.rollbacks
}

func (h *fakePeerHandle) appliedCandidates() []domain.IceCandidateData {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]domain.IceCandidateData(nil), h.candidates...)
}

func (h *fakePeerHandle) removedRoles() []domain.TrackRole {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]domain.TrackRole(nil), h.removed...)
}

func (h *fakePeerHandle) senderRole(role domain.TrackRole) (domain.TrackID, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, s := range h.senders {
		if s.Track().Role() == role {
			return s.Track().ID(), true
		}
	}
	return "", false
}

func (h *fakePeerHandle) isClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

type fakeConnector struct {
	mu      sync.Mutex
	created []*fakePeerHandle
	fail    error
}

func newFakeConnector() *fakeConnector {
	return &fakeConnector{}
}

func (c *fakeConnector) NewPeer(events ports.PeerEvents) (ports.PeerHandle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail != nil {
		return nil, c.fail
	}
	h := &fakePeerHandle{events: events, link: domain.LinkNew}
	c.created = append(c.created, h)
	return h, nil
}

func (c *fakeConnector) handle(i int) *fakePeerHandle {
	c.mu.Lock()
	defer c.mu.Unlock()
	if i >= len(c.created) {
		return nil
	}
	return c.created[i]
}

func (c *fakeConnector) handleCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.created)
}

// --- transport ---

// fakeTransport records published envelopes and hands tests a way to inject
// relayed ones. Publish stamps IDs and expiry the way the real transport
// does.
type fakeTransport struct {
	mu           sync.Mutex
	seq          int
	published    []*domain.SignalEnvelope
	subs         map[domain.ChannelID]chan *domain.SignalEnvelope
	catchup      map[domain.ChannelID][]*domain.SignalEnvelope
	unsubscribed []domain.ChannelID
	publishErr   error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		subs:    make(map[domain.ChannelID]chan *domain.SignalEnvelope),
		catchup: make(map[domain.ChannelID][]*domain.SignalEnvelope),
	}
}

func (t *fakeTransport) Publish(ctx context.Context, env *domain.SignalEnvelope) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.publishErr != nil {
		return t.publishErr
	}
	t.seq++
	if env.ID == "" {
		env.ID = domain.EnvelopeID(fmt.Sprintf("sig_%d", t.seq))
	}
	if env.IssuedAt.IsZero() {
		env.IssuedAt = time.Now()
		env.ExpiresAt = env.IssuedAt.Add(30 * time.Second)
	}
	t.published = append(t.published, env)
	return nil
}

func (t *fakeTransport) Catchup(ctx context.Context, channel domain.ChannelID) ([]*domain.SignalEnvelope, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.catchup[channel], nil
}

func (t *fakeTransport) Subscribe(ctx context.Context, channel domain.ChannelID) (<-chan *domain.SignalEnvelope, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch := make(chan *domain.SignalEnvelope, 64)
	t.subs[channel] = ch
	return ch, nil
}

func (t *fakeTransport) Unsubscribe(channel domain.ChannelID) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.unsubscribed = append(t.unsubscribed, channel)
	return nil
}

func (t *fakeTransport) Close() error { return nil }

// deliver injects an envelope as if the relay pushed it.
func (t *fakeTransport) deliver(channel domain.ChannelID, env *domain.SignalEnvelope) {
	t.mu.Lock()
	ch := t.subs[channel]
	t.mu.Unlock()
	if ch != nil {
		ch <- env
	}
}

func (t *fakeTransport) subscribed(channel domain.ChannelID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.subs[channel]
	return ok
}

func (t *fakeTransport) unsubscribeCount(channel domain.ChannelID) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, c := range t.unsubscribed {
		if c == channel {
			n++
		}
	}
	return n
}

func (t *fakeTransport) sent() []*domain.SignalEnvelope {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*domain.SignalEnvelope(nil), t.published...)
}

func (t *fakeTransport) sentTo(to domain.UserID, kind domain.SignalKind) []*domain.SignalEnvelope {
	var out []*domain.SignalEnvelope
	for _, env := range t.sent() {
		if env.To == to && env.Kind == kind {
			out = append(out, env)
		}
	}
	return out
}

// --- presence ---

// fakePresence is an in-memory presence store. A single instance can back
// several engines; every watcher sees every record change.
type fakePresence struct {
	mu        sync.Mutex
	calls     map[domain.CallID]*domain.CallRecord
	watchers  []chan domain.CallRecord
	createErr error
	updateErr error
}

func newFakePresence() *fakePresence {
	return &fakePresence{calls: make(map[domain.CallID]*domain.CallRecord)}
}

func (p *fakePresence) CreateCall(ctx context.Context, rec *domain.CallRecord) error {
	p.mu.Lock()
	if p.createErr != nil {
		err := p.createErr
		p.mu.Unlock()
		return err
	}
	for _, existing := range p.calls {
		if existing.Concluded() {
			continue
		}
		if existing.Involves(rec.CallerID) || existing.Involves(rec.ReceiverID) {
			p.mu.Unlock()
			return domain.ErrCallInProgress
		}
	}
	cp := *rec
	p.calls[rec.ID] = &cp
	p.mu.Unlock()

	p.notify(cp)
	return nil
}

func (p *fakePresence) UpdateCallStatus(ctx context.Context, id domain.CallID, status domain.CallStatus) (*domain.CallRecord, error) {
	p.mu.Lock()
	if p.updateErr != nil {
		err := p.updateErr
		p.mu.Unlock()
		return nil, err
	}
	rec, ok := p.calls[id]
	if !ok {
		p.mu.Unlock()
		return nil, domain.ErrCallNotFound
	}
	if rec.Concluded() {
		p.mu.Unlock()
		return nil, domain.ErrCallConcluded
	}
	rec.Status = status
	switch status {
	case domain.CallStatusAnswered:
		rec.AnsweredAt = time.Now()
	case domain.CallStatusDeclined, domain.CallStatusEnded:
		rec.EndedAt = time.Now()
	}
	cp := *rec
	p.mu.Unlock()

	p.notify(cp)
	return &cp, nil
}

func (p *fakePresence) GetCall(ctx context.Context, id domain.CallID) (*domain.CallRecord, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	rec, ok := p.calls[id]
	if !ok {
		return nil, domain.ErrCallNotFound
	}
	cp := *rec
	return &cp, nil
}

func (p *fakePresence) ActiveCallFor(ctx context.Context, user domain.UserID) (*domain.CallRecord, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, rec := range p.calls {
		if rec.Involves(user) && !rec.Concluded() {
			cp := *rec
			return &cp, nil
		}
	}
	return nil, nil
}

func (p *fakePresence) Watch(ctx context.Context) (<-chan domain.CallRecord, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch := make(chan domain.CallRecord, 64)
	p.watchers = append(p.watchers, ch)
	return ch, nil
}

func (p *fakePresence) Close() error { return nil }

func (p *fakePresence) notify(rec domain.CallRecord) {
	p.mu.Lock()
	watchers := append([]chan domain.CallRecord(nil), p.watchers...)
	p.mu.Unlock()
	for _, ch := range watchers {
		ch <- rec
	}
}

func (p *fakePresence) record(id domain.CallID) *domain.CallRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	rec, ok := p.calls[id]
	if !ok {
		return nil
	}
	cp := *rec
	return &cp
}

// --- call history ---

type fakeHistory struct {
	mu      sync.Mutex
	entries []domain.CallLogEntry
	owners  []domain.UserID
	err     error
}

func newFakeHistory() *fakeHistory {
	return &fakeHistory{}
}

func (h *fakeHistory) Append(ctx context.Context, owner domain.UserID, entry domain.CallLogEntry) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.err != nil {
		return h.err
	}
	h.owners = append(h.owners, owner)
	h.entries = append(h.entries, entry)
	return nil
}

func (h *fakeHistory) all() []domain.CallLogEntry {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]domain.CallLogEntry(nil), h.entries...)
}
