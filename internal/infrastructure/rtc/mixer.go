package rtc

import (
	"fmt"
	"sync"
	"sync/atomic"

	"peercall/internal/core/domain"
	"peercall/pkg/utils"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

const (
	mulawBias    = 0x84
	mulawClip    = 32635
	mulawSilence = 0xFF
)

// mulawEncode converts one 16-bit PCM sample to G.711 µ-law.
func mulawEncode(sample int16) byte {
	var sign byte
	s := int32(sample)
	if s < 0 {
		s = -s
		sign = 0x80
	}
	if s > mulawClip {
		s = mulawClip
	}
	s += mulawBias

	exponent := byte(7)
	for mask := int32(0x4000); exponent > 0 && s&mask == 0; mask >>= 1 {
		exponent--
	}
	mantissa := byte((s >> (exponent + 3)) & 0x0F)
	return ^(sign | exponent<<4 | mantissa)
}

// mulawDecode converts one G.711 µ-law byte back to 16-bit PCM.
func mulawDecode(b byte) int16 {
	b = ^b
	sign := b & 0x80
	exponent := (b >> 4) & 0x07
	mantissa := b & 0x0F

	sample := (int32(mantissa)<<3 + mulawBias) << exponent
	sample -= mulawBias
	if sign != 0 {
		sample = -sample
	}
	return int16(sample)
}

// MixMulaw sums two µ-law payloads sample by sample with saturation. A
// shorter (or nil) input counts as silence past its end.
func MixMulaw(a, b []byte) []byte {
	n := len(a)
	if len(b) > n {
		n = len(b)
	}
	out := make([]byte, n)
	for i := 0; i < n; i++ {
		var sum int32
		if i < len(a) {
			sum += int32(mulawDecode(a[i]))
		}
		if i < len(b) {
			sum += int32(mulawDecode(b[i]))
		}
		if sum > 32767 {
			sum = 32767
		} else if sum < -32768 {
			sum = -32768
		}
		out[i] = mulawEncode(int16(sum))
	}
	return out
}

// mixedTrack folds microphone and system audio into one µ-law stream. The
// microphone frames pace the mix; the latest system frame rides along. A
// muted microphone contributes silence while system audio keeps flowing,
// so a screen share stays audible through a mute.
type mixedTrack struct {
	id     domain.TrackID
	local  *webrtc.TrackLocalStaticRTP
	mic    *ingestTrack
	system *ingestTrack
	micCh  chan []byte
	sysCh  chan []byte

	enabled atomic.Bool

	done      chan struct{}
	closeOnce sync.Once

	logger *zap.SugaredLogger
}

func newMixedTrack(mic, system *ingestTrack, logger *zap.SugaredLogger) (*mixedTrack, error) {
	id := utils.GenerateID(string(domain.RoleMicrophone))
	local, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypePCMU, ClockRate: 8000},
		id,
		mediaStreamID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create mixed audio track: %w", err)
	}

	t := &mixedTrack{
		id:     domain.TrackID(id),
		local:  local,
		mic:    mic,
		system: system,
		micCh:  mic.addTap(),
		sysCh:  system.addTap(),
		done:   make(chan struct{}),
		logger: logger,
	}
	t.enabled.Store(true)

	go t.run()

	logger.Infow("mixing microphone with system audio", "track_id", t.id)
	return t, nil
}

func (t *mixedTrack) ID() domain.TrackID          { return t.id }
func (t *mixedTrack) Kind() domain.TrackKind      { return domain.TrackKindAudio }
func (t *mixedTrack) Role() domain.TrackRole      { return domain.RoleMicrophone }
func (t *mixedTrack) SetEnabled(enabled bool)     { t.enabled.Store(enabled) }
func (t *mixedTrack) Enabled() bool               { return t.enabled.Load() }
func (t *mixedTrack) SetBitrateTarget(int)        {}
func (t *mixedTrack) RTPTrack() webrtc.TrackLocal { return t.local }

func (t *mixedTrack) run() {
	var seq uint16
	var ts uint32
	for {
		select {
		case micFrame, ok := <-t.micCh:
			if !ok {
				return
			}

			// Take the freshest system frame; stale ones are worthless.
			var sysFrame []byte
		drain:
			for {
				select {
				case f, sysOpen := <-t.sysCh:
					if !sysOpen {
						break drain
					}
					if sysFrame != nil {
						tapPool.Put(sysFrame)
					}
					sysFrame = f
				default:
					break drain
				}
			}

			// Mute silences the speech but keeps the frame as clock.
			if !t.mic.Enabled() {
				for i := range micFrame {
					micFrame[i] = mulawSilence
				}
			}

			payload := MixMulaw(micFrame, sysFrame)
			tapPool.Put(micFrame)
			if sysFrame != nil {
				tapPool.Put(sysFrame)
			}
			if len(payload) == 0 {
				continue
			}
			if t.enabled.Load() {
				pkt := &rtp.Packet{
					Header:  rtp.Header{Version: 2, SequenceNumber: seq, Timestamp: ts},
					Payload: payload,
				}
				if err := t.local.WriteRTP(pkt); err != nil {
					t.logger.Debugw("failed to write mixed audio", "track_id", t.id, "error", err)
				}
			}
			seq++
			ts += uint32(len(payload)) // µ-law: one byte per sample
		case <-t.done:
			return
		}
	}
}

// Close detaches from both sources without closing them; the microphone
// and screen audio keep their own lifecycles.
func (t *mixedTrack) Close() error {
	t.closeOnce.Do(func() {
		close(t.done)
		t.mic.removeTap(t.micCh)
		t.system.removeTap(t.sysCh)
	})
	return nil
}
