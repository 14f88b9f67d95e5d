package rtc

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"peercall/internal/core/domain"
	"peercall/internal/core/ports"
	"peercall/pkg/optimize"
	"peercall/pkg/utils"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// tapPool recycles the payload copies handed to mixer taps; audio frames
// churn fifty times a second per source.
var tapPool = optimize.NewBytePool(1500)

// ProviderConfig maps capture roles onto local RTP ingest ports. A
// capture process (ffmpeg, gstreamer, the desktop agent) encodes each
// source and streams it to its port; acquisition succeeds once media
// actually flows.
type ProviderConfig struct {
	MicPort         int
	CameraPort      int
	ScreenPort      int
	ScreenAudioPort int
}

const (
	// defaultAcquireWait bounds how long an acquire waits for the first
	// packet when the caller's context carries no deadline.
	defaultAcquireWait = 5 * time.Second
	// screenAudioWait is shorter: screen sources without an audio feed
	// are normal and should not stall the share.
	screenAudioWait = 1500 * time.Millisecond

	mediaStreamID = "peercall-media"
)

// Provider is the UDP-ingest ports.MediaProvider. Audio rides G.711 µ-law
// so the in-process mixer can work on raw samples; video is VP8
// passthrough.
type Provider struct {
	cfg    ProviderConfig
	logger *zap.SugaredLogger
}

var _ ports.MediaProvider = (*Provider)(nil)

func NewProvider(cfg ProviderConfig, logger *zap.SugaredLogger) *Provider {
	return &Provider{cfg: cfg, logger: logger}
}

func (p *Provider) AcquireMicrophone(ctx context.Context) (ports.LocalTrack, error) {
	return p.acquire(ctx, p.cfg.MicPort, domain.RoleMicrophone, defaultAcquireWait)
}

func (p *Provider) AcquireCamera(ctx context.Context) (ports.LocalTrack, error) {
	return p.acquire(ctx, p.cfg.CameraPort, domain.RoleCamera, defaultAcquireWait)
}

// AcquireScreen brings up the screen video and, when the capture process
// also feeds the audio port, the screen audio. Silence on the audio port
// means a source without audio, not a failure.
func (p *Provider) AcquireScreen(ctx context.Context) (ports.LocalTrack, ports.LocalTrack, error) {
	video, err := p.acquire(ctx, p.cfg.ScreenPort, domain.RoleScreenVideo, defaultAcquireWait)
	if err != nil {
		return nil, nil, err
	}

	if p.cfg.ScreenAudioPort <= 0 {
		return video, nil, nil
	}
	audio, err := p.acquire(ctx, p.cfg.ScreenAudioPort, domain.RoleScreenAudio, screenAudioWait)
	if err != nil {
		p.logger.Infow("screen capture has no audio feed", "error", err)
		return video, nil, nil
	}
	return video, audio, nil
}

// MixAudio mixes microphone and system audio into one µ-law track. Both
// sources must be local µ-law ingests; anything else cannot be mixed and
// the caller sends two tracks instead.
func (p *Provider) MixAudio(mic, system ports.LocalTrack) (ports.LocalTrack, error) {
	m, okMic := mic.(*ingestTrack)
	s, okSys := system.(*ingestTrack)
	if !okMic || !okSys || m.mime != webrtc.MimeTypePCMU || s.mime != webrtc.MimeTypePCMU {
		return nil, domain.ErrMixUnsupported
	}
	return newMixedTrack(m, s, p.logger)
}

func (p *Provider) acquire(ctx context.Context, port int, role domain.TrackRole, wait time.Duration) (*ingestTrack, error) {
	if port <= 0 {
		return nil, fmt.Errorf("no ingest port configured for %s", role)
	}

	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: port})
	if err != nil {
		return nil, fmt.Errorf("failed to bind ingest port %d for %s: %w", port, role, err)
	}

	mime := webrtc.MimeTypePCMU
	clockRate := uint32(8000)
	if role.Video() {
		mime = webrtc.MimeTypeVP8
		clockRate = 90000
	}

	id := utils.GenerateID(string(role))
	local, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: mime, ClockRate: clockRate},
		id,
		mediaStreamID,
	)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create local track for %s: %w", role, err)
	}

	t := &ingestTrack{
		id:     domain.TrackID(id),
		role:   role,
		mime:   mime,
		local:  local,
		conn:   conn,
		done:   make(chan struct{}),
		logger: p.logger,
	}
	t.enabled.Store(true)

	first, err := t.awaitFirstPacket(ctx, wait)
	if err != nil {
		conn.Close()
		return nil, err
	}

	go t.pump(first)

	p.logger.Infow("capture source live",
		"track_id", t.id,
		"role", role,
		"port", port,
		"codec", mime,
	)
	return t, nil
}

// ingestTrack is one local capture source: RTP datagrams in on UDP,
// TrackLocalStaticRTP out to however many peer links borrowed it.
type ingestTrack struct {
	id    domain.TrackID
	role  domain.TrackRole
	mime  string
	local *webrtc.TrackLocalStaticRTP
	conn  *net.UDPConn

	enabled atomic.Bool
	// target is the policy budget; clamp is the REMB cap from the
	// network. The effective rate is the smaller of the two.
	target atomic.Int64
	clamp  atomic.Int64

	mu   sync.Mutex
	taps []chan []byte

	// pacing window, touched only by the pump goroutine.
	windowStart time.Time
	windowBytes int

	done      chan struct{}
	closeOnce sync.Once

	logger *zap.SugaredLogger
}

var _ ports.LocalTrack = (*ingestTrack)(nil)

func (t *ingestTrack) ID() domain.TrackID          { return t.id }
func (t *ingestTrack) Kind() domain.TrackKind      { return t.role.Kind() }
func (t *ingestTrack) Role() domain.TrackRole      { return t.role }
func (t *ingestTrack) SetEnabled(enabled bool)     { t.enabled.Store(enabled) }
func (t *ingestTrack) Enabled() bool               { return t.enabled.Load() }
func (t *ingestTrack) SetBitrateTarget(bps int)    { t.target.Store(int64(bps)) }
func (t *ingestTrack) ClampBitrate(bps int)        { t.clamp.Store(int64(bps)) }
func (t *ingestTrack) RTPTrack() webrtc.TrackLocal { return t.local }

// awaitFirstPacket blocks until the capture process produces media. The
// deadline is the earlier of the caller's context and the role's wait.
func (t *ingestTrack) awaitFirstPacket(ctx context.Context, wait time.Duration) ([]byte, error) {
	deadline := time.Now().Add(wait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	buf := make([]byte, 1500)
	t.conn.SetReadDeadline(deadline)
	n, _, err := t.conn.ReadFromUDP(buf)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("no media for %s on port %d: %w", t.role, t.conn.LocalAddr().(*net.UDPAddr).Port, err)
	}
	t.conn.SetReadDeadline(time.Time{})

	return buf[:n:n], nil
}

func (t *ingestTrack) pump(first []byte) {
	if first != nil {
		t.forward(first, time.Now())
	}

	buf := make([]byte, 1500)
	var dropped uint64
	for {
		n, _, err := t.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-t.done:
			default:
				t.logger.Warnw("capture ingest stopped", "track_id", t.id, "error", err)
			}
			return
		}
		if !t.forward(buf[:n], time.Now()) {
			dropped++
			if dropped%500 == 1 {
				t.logger.Debugw("pacing outbound video", "track_id", t.id, "dropped", dropped)
			}
		}
	}
}

// forward parses one datagram, feeds the raw payload to mixer taps and,
// when the track is enabled and within budget, writes it to the bound
// senders. Taps always receive: the mixer decides what a mute means.
func (t *ingestTrack) forward(datagram []byte, now time.Time) bool {
	var pkt rtp.Packet
	if err := pkt.Unmarshal(datagram); err != nil {
		t.logger.Debugw("dropping malformed RTP datagram", "track_id", t.id, "error", err)
		return true
	}

	t.mu.Lock()
	for _, tap := range t.taps {
		payload := tapPool.Get()[:len(pkt.Payload)]
		copy(payload, pkt.Payload)
		select {
		case tap <- payload:
		default:
			tapPool.Put(payload)
		}
	}
	t.mu.Unlock()

	if !t.enabled.Load() {
		return true
	}
	if !t.admit(len(datagram), now) {
		return false
	}

	if err := t.local.WriteRTP(&pkt); err != nil {
		t.logger.Debugw("failed to write RTP to senders", "track_id", t.id, "error", err)
	}
	return true
}

func (t *ingestTrack) effectiveBitrate() int64 {
	target := t.target.Load()
	clamp := t.clamp.Load()
	switch {
	case target > 0 && clamp > 0 && clamp < target:
		return clamp
	case target > 0:
		return target
	default:
		return clamp
	}
}

// admit applies crude send pacing for video: within each 100ms window,
// packets beyond the budget are dropped and the decoder recovers off the
// next keyframe. The capture encoder is expected to follow the advertised
// target; this only bounds the burst until it does.
func (t *ingestTrack) admit(n int, now time.Time) bool {
	if !t.role.Video() {
		return true
	}
	budget := t.effectiveBitrate()
	if budget <= 0 {
		return true
	}

	const window = 100 * time.Millisecond
	if now.Sub(t.windowStart) >= window {
		t.windowStart = now
		t.windowBytes = 0
	}
	allowed := int(budget / 8 / 10)
	if t.windowBytes+n > allowed {
		return false
	}
	t.windowBytes += n
	return true
}

func (t *ingestTrack) addTap() chan []byte {
	ch := make(chan []byte, 8)
	t.mu.Lock()
	t.taps = append(t.taps, ch)
	t.mu.Unlock()
	return ch
}

func (t *ingestTrack) removeTap(ch chan []byte) {
	t.mu.Lock()
	for i, tap := range t.taps {
		if tap == ch {
			t.taps = append(t.taps[:i], t.taps[i+1:]...)
			break
		}
	}
	t.mu.Unlock()
}

func (t *ingestTrack) Close() error {
	t.closeOnce.Do(func() {
		close(t.done)
		t.conn.Close()
		t.mu.Lock()
		for _, tap := range t.taps {
			close(tap)
		}
		t.taps = nil
		t.mu.Unlock()
	})
	return nil
}
