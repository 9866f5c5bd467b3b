package model

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestImmunityPatch_JSONCarriesVariantPayload(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)
	patch := ImmunityPatch{
		ID:          "patch-1",
		DetectionID: "det-1",
		Kind:        PatchTimingAdjustment,
		Config: &TimingAdjustmentConfig{
			MinDelayMs: 500,
			MaxDelayMs: 3000,
			Jitter:     0.25,
			BurstLimit: 3,
			CooldownMs: 10000,
		},
		Priority:              PriorityUrgent,
		EffectivenessEstimate: 0.9,
		CreatedAt:             now,
		ExpiresAt:             now.Add(time.Hour),
		Version:               2,
	}

	data, err := json.Marshal(patch)
	require.NoError(t, err)

	// The discriminator and the payload travel side by side.
	var wire map[string]any
	require.NoError(t, json.Unmarshal(data, &wire))
	assert.Equal(t, "timing-adjustment", wire["patch_kind"])
	cfg, ok := wire["configuration"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(500), cfg["min_delay_ms"])

	var decoded ImmunityPatch
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, patch.ID, decoded.ID)
	assert.Equal(t, patch.Kind, decoded.Kind)
	assert.Equal(t, patch.Version, decoded.Version)

	timing, ok := decoded.Config.(*TimingAdjustmentConfig)
	require.True(t, ok)
	assert.Equal(t, 3000, timing.MaxDelayMs)
	assert.Equal(t, 0.25, timing.Jitter)
}

func TestImmunityPatch_UnmarshalSelectsConfigByKind(t *testing.T) {
	raw := `{
		"id": "patch-2",
		"detection_id": "det-2",
		"patch_kind": "fingerprint-rotation",
		"configuration": {"ja3": "771,4865,0", "user_agent": "Mozilla/5.0", "tls_version": "1.3"},
		"priority": "emergency",
		"version": 1
	}`

	var patch ImmunityPatch
	require.NoError(t, json.Unmarshal([]byte(raw), &patch))

	fp, ok := patch.Config.(*FingerprintRotationConfig)
	require.True(t, ok)
	assert.Equal(t, "771,4865,0", fp.JA3)
	assert.Equal(t, "1.3", fp.TLSVersion)
	assert.Equal(t, PatchFingerprintRotation, patch.Config.Kind())
}

func TestImmunityPatch_UnmarshalRejectsUnknownKind(t *testing.T) {
	raw := `{"id": "patch-3", "patch_kind": "quantum-cloak", "configuration": {}}`
	var patch ImmunityPatch
	assert.Error(t, json.Unmarshal([]byte(raw), &patch))
}

func TestSeverity_Ordering(t *testing.T) {
	assert.True(t, SeverityApocalyptic.AtLeast(SeverityCritical))
	assert.True(t, SeverityCritical.AtLeast(SeverityCritical))
	assert.False(t, SeverityHigh.AtLeast(SeverityCritical))
	assert.Equal(t, 0, SeverityLow.Rank())
	assert.Equal(t, 4, SeverityApocalyptic.Rank())

	assert.True(t, SeverityMedium.Valid())
	assert.False(t, Severity("mild").Valid())
}
