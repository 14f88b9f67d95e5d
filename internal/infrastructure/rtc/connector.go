package rtc

import (
	"fmt"

	"peercall/internal/core/ports"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// Config carries the WebRTC transport settings.
type Config struct {
	ICEServers []webrtc.ICEServer
	PortRange  struct {
		Min uint16
		Max uint16
	}
}

// Connector builds pion peer connections from one shared API instance.
type Connector struct {
	api    *webrtc.API
	config webrtc.Configuration
	logger *zap.SugaredLogger
}

var _ ports.PeerConnector = (*Connector)(nil)

func NewConnector(cfg Config, logger *zap.SugaredLogger) (*Connector, error) {
	settingEngine := webrtc.SettingEngine{}
	if cfg.PortRange.Min > 0 && cfg.PortRange.Max > 0 {
		if err := settingEngine.SetEphemeralUDPPortRange(cfg.PortRange.Min, cfg.PortRange.Max); err != nil {
			return nil, fmt.Errorf("failed to set UDP port range: %w", err)
		}
	}

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("failed to register codecs: %w", err)
	}

	api := webrtc.NewAPI(
		webrtc.WithSettingEngine(settingEngine),
		webrtc.WithMediaEngine(mediaEngine),
	)

	return &Connector{
		api: api,
		config: webrtc.Configuration{
			ICEServers:   cfg.ICEServers,
			SDPSemantics: webrtc.SDPSemanticsUnifiedPlanWithFallback,
		},
		logger: logger,
	}, nil
}

func (c *Connector) NewPeer(events ports.PeerEvents) (ports.PeerHandle, error) {
	pc, err := c.api.NewPeerConnection(c.config)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}
	return newPeerHandle(pc, events, c.logger), nil
}
