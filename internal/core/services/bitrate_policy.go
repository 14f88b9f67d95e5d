package services

// BitrateTargets is the outbound budget per video role, in bits per second.
type BitrateTargets struct {
	Camera int
	Screen int
}

// BitratePolicyConfig carries the tuning knobs for outbound video budgets.
type BitratePolicyConfig struct {
	// SmallGroupLimit is the largest participant count, local user
	// included, that still gets the high camera budget.
	SmallGroupLimit   int
	CameraHigh        int
	CameraLow         int
	CameraWhileScreen int
	Screen            int
}

// BitratePolicy picks outbound video targets from group size and screen
// share activity. Camera quality steps down as the group grows and drops
// further while a screen share is running, so the share keeps its budget.
type BitratePolicy struct {
	cfg BitratePolicyConfig
}

func NewBitratePolicy(cfg BitratePolicyConfig) *BitratePolicy {
	return &BitratePolicy{cfg: cfg}
}

// Targets computes the budgets for the given group size. participants
// includes the local user; screenSharing is true when anyone in the group,
// local or remote, is sharing.
func (p *BitratePolicy) Targets(participants int, screenSharing bool) BitrateTargets {
	camera := p.cfg.CameraHigh
	if participants > p.cfg.SmallGroupLimit {
		camera = p.cfg.CameraLow
	}
	if screenSharing {
		camera = p.cfg.CameraWhileScreen
	}
	return BitrateTargets{Camera: camera, Screen: p.cfg.Screen}
}
