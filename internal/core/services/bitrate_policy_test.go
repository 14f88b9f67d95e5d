package services

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBitratePolicy_Targets(t *testing.T) {
	policy := NewBitratePolicy(BitratePolicyConfig{
		SmallGroupLimit:   2,
		CameraHigh:        2_500_000,
		CameraLow:         1_000_000,
		CameraWhileScreen: 300_000,
		Screen:            3_000_000,
	})

	tests := []struct {
		name         string
		participants int
		sharing      bool
		wantCamera   int
	}{
		{"one-on-one", 2, false, 2_500_000},
		{"small group boundary", 2, false, 2_500_000},
		{"group steps camera down", 3, false, 1_000_000},
		{"large group", 8, false, 1_000_000},
		{"screen share wins in pairs", 2, true, 300_000},
		{"screen share wins in groups", 5, true, 300_000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			targets := policy.Targets(tt.participants, tt.sharing)
			assert.Equal(t, tt.wantCamera, targets.Camera)
			assert.Equal(t, 3_000_000, targets.Screen)
		})
	}
}
