package synth

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetimmune/fleetimmune/internal/model"
)

func newTestSynthesizer(ttl time.Duration) *Synthesizer {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(Config{PatchTTL: ttl, Seed: 42}, logger)
}

func detection(severity model.Severity, evidence model.Evidence) *model.DetectionReport {
	return &model.DetectionReport{
		ID:                "det-1",
		Source:            model.SourceWAF,
		Region:            "us-east",
		ReportingWorkerID: "worker-1",
		Severity:          severity,
		Evidence:          evidence,
		DetectedAt:        time.Now().UTC(),
	}
}

func TestSynthesizer_TimingAnomalyOutranksFingerprint(t *testing.T) {
	s := newTestSynthesizer(time.Hour)

	patch := s.Synthesize(detection(model.SeverityHigh, model.Evidence{
		TimingAnomaly: true,
		Fingerprint:   "ja3-abc",
	}), nil)

	assert.Equal(t, model.PatchTimingAdjustment, patch.Kind)
	assert.Equal(t, model.PriorityUrgent, patch.Priority)

	cfg, ok := patch.Config.(*model.TimingAdjustmentConfig)
	require.True(t, ok)
	assert.Greater(t, cfg.MaxDelayMs, cfg.MinDelayMs)
	assert.Greater(t, cfg.CooldownMs, 0)
}

func TestSynthesizer_InferenceTable(t *testing.T) {
	s := newTestSynthesizer(time.Hour)

	tests := []struct {
		name     string
		evidence model.Evidence
		want     model.PatchKind
	}{
		{"fingerprint only", model.Evidence{Fingerprint: "ja3-abc"}, model.PatchFingerprintRotation},
		{"challenge only", model.Evidence{ChallengeType: "turnstile"}, model.PatchBehaviorModification},
		{"triggers only falls back to headers", model.Evidence{Triggers: []string{"403"}}, model.PatchHeaderMutation},
		{"fingerprint outranks challenge", model.Evidence{Fingerprint: "ja3-abc", ChallengeType: "turnstile"}, model.PatchFingerprintRotation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			patch := s.Synthesize(detection(model.SeverityLow, tt.evidence), nil)
			assert.Equal(t, tt.want, patch.Kind)
			assert.Equal(t, tt.want, patch.Config.Kind(), "config variant must match the declared kind")
		})
	}
}

func TestSynthesizer_SignatureOverridesInference(t *testing.T) {
	s := newTestSynthesizer(time.Hour)
	sig := &model.Signature{
		ID:                    "sig-1",
		SourceTag:             model.SourceWAF,
		MatchPattern:          "cloudflare",
		Severity:              model.SeverityHigh,
		RecommendedKind:       model.PatchNetworkChange,
		HistoricalSuccessRate: 0.62,
	}

	// The evidence alone would infer a timing adjustment.
	patch := s.Synthesize(detection(model.SeverityMedium, model.Evidence{TimingAnomaly: true}), sig)

	assert.Equal(t, model.PatchNetworkChange, patch.Kind)
	assert.Equal(t, 0.62, patch.EffectivenessEstimate)

	cfg, ok := patch.Config.(*model.NetworkChangeConfig)
	require.True(t, ok)
	assert.True(t, cfg.Rotate)
	assert.Contains(t, cfg.AvoidRegions, model.Region("us-east"))
}

func TestSynthesizer_DefaultEffectivenessWithoutSignature(t *testing.T) {
	s := newTestSynthesizer(time.Hour)
	patch := s.Synthesize(detection(model.SeverityLow, model.Evidence{Triggers: []string{"403"}}), nil)
	assert.Equal(t, defaultEffectiveness, patch.EffectivenessEstimate)
}

func TestSynthesizer_PriorityMapping(t *testing.T) {
	s := newTestSynthesizer(time.Hour)
	evidence := model.Evidence{Triggers: []string{"x"}}

	tests := []struct {
		severity model.Severity
		want     model.PatchPriority
	}{
		{model.SeverityLow, model.PriorityNormal},
		{model.SeverityMedium, model.PriorityNormal},
		{model.SeverityHigh, model.PriorityUrgent},
		{model.SeverityCritical, model.PriorityEmergency},
		{model.SeverityApocalyptic, model.PriorityEmergency},
	}
	for _, tt := range tests {
		patch := s.Synthesize(detection(tt.severity, evidence), nil)
		assert.Equal(t, tt.want, patch.Priority, "severity %s", tt.severity)
	}
}

func TestSynthesizer_TimingScalesWithSeverity(t *testing.T) {
	s := newTestSynthesizer(time.Hour)

	low := s.Synthesize(detection(model.SeverityLow, model.Evidence{TimingAnomaly: true}), nil)
	apoc := s.Synthesize(detection(model.SeverityApocalyptic, model.Evidence{TimingAnomaly: true}), nil)

	lowCfg := low.Config.(*model.TimingAdjustmentConfig)
	apocCfg := apoc.Config.(*model.TimingAdjustmentConfig)

	assert.Greater(t, apocCfg.MinDelayMs, lowCfg.MinDelayMs)
	assert.Less(t, apocCfg.BurstLimit, lowCfg.BurstLimit)
}

func TestSynthesizer_TTLAndVersion(t *testing.T) {
	ttl := 6 * time.Hour
	s := newTestSynthesizer(ttl)

	patch := s.Synthesize(detection(model.SeverityLow, model.Evidence{Fingerprint: "ja3"}), nil)
	assert.Equal(t, 1, patch.Version)
	assert.Equal(t, patch.CreatedAt.Add(ttl), patch.ExpiresAt)
	assert.True(t, patch.Active(patch.CreatedAt))
	assert.False(t, patch.Active(patch.ExpiresAt))
	assert.NotEmpty(t, patch.ID)
	assert.Equal(t, "det-1", patch.DetectionID)
}

func TestSynthesizer_RefineIncrementsVersion(t *testing.T) {
	s := newTestSynthesizer(time.Hour)
	d := detection(model.SeverityHigh, model.Evidence{Fingerprint: "ja3"})

	first := s.Synthesize(d, nil)
	second := s.Refine(first, d, nil)

	assert.Equal(t, 2, second.Version)
	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, first.DetectionID, second.DetectionID)
}

func TestSynthesizer_FingerprintDescriptorShape(t *testing.T) {
	s := newTestSynthesizer(time.Hour)
	patch := s.Synthesize(detection(model.SeverityLow, model.Evidence{Fingerprint: "ja3"}), nil)

	cfg, ok := patch.Config.(*model.FingerprintRotationConfig)
	require.True(t, ok)
	assert.NotEmpty(t, cfg.JA3)
	assert.NotEmpty(t, cfg.UserAgent)
	assert.NotEmpty(t, cfg.AcceptLanguage)
	assert.Contains(t, []string{"1.2", "1.3"}, cfg.TLSVersion)
	assert.GreaterOrEqual(t, len(cfg.CipherSuites), 3)
}
