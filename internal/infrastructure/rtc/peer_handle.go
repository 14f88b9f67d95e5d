package rtc

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"peercall/internal/core/domain"
	"peercall/internal/core/ports"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// rtpTrackCarrier is the seam between the provider's track types and the
// peer connection. Any ports.LocalTrack destined for a pion peer must
// carry a pion local track underneath.
type rtpTrackCarrier interface {
	RTPTrack() webrtc.TrackLocal
}

// bitrateClamper lets the sender RTCP drain cap a track's effective send
// rate below the policy target when the remote's REMB estimate demands it.
type bitrateClamper interface {
	ClampBitrate(bps int)
}

// inboundTap counts RTP progress on one remote track. The reader
// goroutine is the track's only consumer; rendering is not this process's
// job, liveness accounting is.
type inboundTap struct {
	id       domain.TrackID
	kind     domain.TrackKind
	ssrc     webrtc.SSRC
	packets  atomic.Uint64
	bytes    atomic.Uint64
	lastNano atomic.Int64
}

func (t *inboundTap) stats() domain.TrackStats {
	var last time.Time
	if nano := t.lastNano.Load(); nano > 0 {
		last = time.Unix(0, nano)
	}
	return domain.TrackStats{
		Track:      domain.RemoteTrackInfo{ID: t.id, Kind: t.kind},
		Packets:    t.packets.Load(),
		Bytes:      t.bytes.Load(),
		LastPacket: last,
	}
}

// peerHandle is the pion-backed ports.PeerHandle.
type peerHandle struct {
	pc     *webrtc.PeerConnection
	events ports.PeerEvents
	logger *zap.SugaredLogger

	mu        sync.Mutex
	inbound   map[domain.TrackID]*inboundTap
	closeOnce sync.Once
}

var _ ports.PeerHandle = (*peerHandle)(nil)

func newPeerHandle(pc *webrtc.PeerConnection, events ports.PeerEvents, logger *zap.SugaredLogger) *peerHandle {
	h := &peerHandle{
		pc:      pc,
		events:  events,
		logger:  logger,
		inbound: make(map[domain.TrackID]*inboundTap),
	}

	pc.OnTrack(h.handleRemoteTrack)

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			// Gathering finished; trickle has nothing more to send.
			return
		}
		init := c.ToJSON()
		h.events.OnLocalCandidate(domain.IceCandidateData{
			Candidate:        init.Candidate,
			SDPMid:           init.SDPMid,
			SDPMLineIndex:    init.SDPMLineIndex,
			UsernameFragment: init.UsernameFragment,
		})
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		h.events.OnLinkChange(mapLinkState(state))
	})

	return h
}

func (h *peerHandle) handleRemoteTrack(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
	tap := &inboundTap{
		id:   domain.TrackID(track.ID()),
		kind: domain.TrackKind(track.Kind().String()),
		ssrc: track.SSRC(),
	}

	h.mu.Lock()
	h.inbound[tap.id] = tap
	h.mu.Unlock()

	h.logger.Infow("remote track opened",
		"track_id", tap.id,
		"kind", tap.kind,
		"codec", track.Codec().MimeType,
	)

	go h.tapTrack(track, tap)
	go h.drainReceiverRTCP(receiver)

	h.events.OnRemoteTrack(tap.id, tap.kind)
}

// tapTrack drains the remote track, keeping the liveness counters moving.
func (h *peerHandle) tapTrack(track *webrtc.TrackRemote, tap *inboundTap) {
	buf := make([]byte, 1500)
	for {
		n, _, err := track.Read(buf)
		if err != nil {
			return
		}
		tap.packets.Add(1)
		tap.bytes.Add(uint64(n))
		tap.lastNano.Store(time.Now().UnixNano())
	}
}

func (h *peerHandle) drainReceiverRTCP(receiver *webrtc.RTPReceiver) {
	for {
		if _, _, err := receiver.ReadRTCP(); err != nil {
			return
		}
	}
}

// drainSenderRTCP consumes feedback for one outbound slot. REMB caps the
// current track's effective rate under the remote's estimate; the policy
// target itself stays put and wins again once the estimate recovers.
func (h *peerHandle) drainSenderRTCP(sh *senderHandle) {
	for {
		packets, _, err := sh.sender.ReadRTCP()
		if err != nil {
			return
		}
		for _, pkt := range packets {
			switch p := pkt.(type) {
			case *rtcp.ReceiverEstimatedMaximumBitrate:
				if c, ok := sh.Track().(bitrateClamper); ok {
					c.ClampBitrate(int(p.Bitrate))
				}
			case *rtcp.PictureLossIndication:
				h.logger.Debugw("remote requested keyframe", "media_ssrc", p.MediaSSRC)
			case *rtcp.TransportLayerNack:
				h.logger.Debugw("remote reported packet loss", "nacks", len(p.Nacks))
			}
		}
	}
}

func (h *peerHandle) CreateOffer(ctx context.Context) (string, error) {
	offer, err := h.pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("create offer: %w", err)
	}
	if err := h.pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("set local offer: %w", err)
	}
	return offer.SDP, nil
}

func (h *peerHandle) CreateAnswer(ctx context.Context) (string, error) {
	answer, err := h.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("create answer: %w", err)
	}
	if err := h.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("set local answer: %w", err)
	}
	return answer.SDP, nil
}

func (h *peerHandle) SetRemoteOffer(ctx context.Context, sdp string) error {
	return h.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  sdp,
	})
}

func (h *peerHandle) SetRemoteAnswer(ctx context.Context, sdp string) error {
	return h.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  sdp,
	})
}

func (h *peerHandle) Rollback() error {
	return h.pc.SetLocalDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeRollback,
	})
}

func (h *peerHandle) AddRemoteCandidate(c domain.IceCandidateData) error {
	return h.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	})
}

func (h *peerHandle) AddTrack(t ports.LocalTrack) (ports.SenderHandle, error) {
	carrier, ok := t.(rtpTrackCarrier)
	if !ok {
		return nil, fmt.Errorf("track %s does not carry an RTP track", t.ID())
	}

	sender, err := h.pc.AddTrack(carrier.RTPTrack())
	if err != nil {
		return nil, fmt.Errorf("add track %s: %w", t.ID(), err)
	}

	sh := &senderHandle{sender: sender, track: t}
	go h.drainSenderRTCP(sh)
	return sh, nil
}

func (h *peerHandle) RemoveTrack(s ports.SenderHandle) error {
	sh, ok := s.(*senderHandle)
	if !ok {
		return fmt.Errorf("foreign sender handle")
	}
	if err := h.pc.RemoveTrack(sh.sender); err != nil {
		return fmt.Errorf("remove track: %w", err)
	}
	return nil
}

func (h *peerHandle) LinkState() domain.LinkState {
	return mapLinkState(h.pc.ConnectionState())
}

func (h *peerHandle) InboundStats() []domain.TrackStats {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]domain.TrackStats, 0, len(h.inbound))
	for _, tap := range h.inbound {
		out = append(out, tap.stats())
	}
	return out
}

// RequestKeyFrame asks the remote encoder for a fresh keyframe on one
// inbound video track.
func (h *peerHandle) RequestKeyFrame(id domain.TrackID) error {
	h.mu.Lock()
	tap, ok := h.inbound[id]
	h.mu.Unlock()

	if !ok {
		return domain.ErrTrackNotFound
	}
	return h.pc.WriteRTCP([]rtcp.Packet{
		&rtcp.PictureLossIndication{MediaSSRC: uint32(tap.ssrc)},
	})
}

func (h *peerHandle) Close() error {
	var err error
	h.closeOnce.Do(func() {
		err = h.pc.Close()
	})
	return err
}

// senderHandle is one outbound slot; ReplaceTrack swaps the source in
// place so the m-section and the RTCP drain survive the swap.
type senderHandle struct {
	sender *webrtc.RTPSender

	mu    sync.Mutex
	track ports.LocalTrack
}

var _ ports.SenderHandle = (*senderHandle)(nil)

func (s *senderHandle) Track() ports.LocalTrack {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.track
}

func (s *senderHandle) ReplaceTrack(t ports.LocalTrack) error {
	carrier, ok := t.(rtpTrackCarrier)
	if !ok {
		return fmt.Errorf("track %s does not carry an RTP track", t.ID())
	}
	if err := s.sender.ReplaceTrack(carrier.RTPTrack()); err != nil {
		return fmt.Errorf("replace track: %w", err)
	}

	s.mu.Lock()
	s.track = t
	s.mu.Unlock()
	return nil
}

func mapLinkState(state webrtc.PeerConnectionState) domain.LinkState {
	switch state {
	case webrtc.PeerConnectionStateNew:
		return domain.LinkNew
	case webrtc.PeerConnectionStateConnecting:
		return domain.LinkConnecting
	case webrtc.PeerConnectionStateConnected:
		return domain.LinkConnected
	case webrtc.PeerConnectionStateDisconnected:
		return domain.LinkDisconnected
	case webrtc.PeerConnectionStateFailed:
		return domain.LinkFailed
	case webrtc.PeerConnectionStateClosed:
		return domain.LinkClosed
	default:
		return domain.LinkNew
	}
}
