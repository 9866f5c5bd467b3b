package synth

import (
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fleetimmune/fleetimmune/internal/model"
)

// defaultEffectiveness is the conservative estimate used when no signature
// informed the patch.
const defaultEffectiveness = 0.85

// inferenceRule is one row of the heuristic decision table used when no
// signature matched. Rows are evaluated in order; the last row always
// applies, so inference is total.
type inferenceRule struct {
	name    string
	applies func(model.Evidence) bool
	kind    model.PatchKind
}

// inferenceTable is evaluated top to bottom. Order is load-bearing: a
// timing anomaly outranks a fingerprint probe, which outranks a challenge.
var inferenceTable = []inferenceRule{
	{
		name:    "timing-anomaly",
		applies: func(e model.Evidence) bool { return e.TimingAnomaly },
		kind:    model.PatchTimingAdjustment,
	},
	{
		name:    "transport-fingerprint",
		applies: func(e model.Evidence) bool { return e.Fingerprint != "" },
		kind:    model.PatchFingerprintRotation,
	},
	{
		name:    "challenge-marker",
		applies: func(e model.Evidence) bool { return e.ChallengeType != "" },
		kind:    model.PatchBehaviorModification,
	},
	{
		name:    "default",
		applies: func(model.Evidence) bool { return true },
		kind:    model.PatchHeaderMutation,
	},
}

// Config carries the synthesizer's tunables.
type Config struct {
	PatchTTL time.Duration
	// Seed fixes the descriptor generator for deterministic tests. Zero
	// means seed from the clock.
	Seed int64
}

// Synthesizer turns a detection (plus an optional matched signature) into a
// concrete immunity patch. Synthesis never fails: a catalog miss falls back
// to the heuristic inference table.
type Synthesizer struct {
	cfg    Config
	logger *slog.Logger

	mu  sync.Mutex
	rng *rand.Rand
}

// New creates a patch synthesizer.
func New(cfg Config, logger *slog.Logger) *Synthesizer {
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	if cfg.PatchTTL <= 0 {
		cfg.PatchTTL = 24 * time.Hour
	}
	return &Synthesizer{
		cfg:    cfg,
		logger: logger,
		rng:    rand.New(rand.NewSource(seed)),
	}
}

// Synthesize generates a version-1 patch for the detection. If sig is
// non-nil its recommended kind and historical success rate are used;
// otherwise the heuristic table decides.
func (s *Synthesizer) Synthesize(detection *model.DetectionReport, sig *model.Signature) *model.ImmunityPatch {
	return s.synthesize(detection, sig, 1)
}

// Refine generates a superseding patch for the same detection with the
// version incremented past the prior patch.
func (s *Synthesizer) Refine(prior *model.ImmunityPatch, detection *model.DetectionReport, sig *model.Signature) *model.ImmunityPatch {
	return s.synthesize(detection, sig, prior.Version+1)
}

func (s *Synthesizer) synthesize(detection *model.DetectionReport, sig *model.Signature, version int) *model.ImmunityPatch {
	kind := s.inferKind(detection.Evidence, sig)
	effectiveness := defaultEffectiveness
	if sig != nil {
		effectiveness = sig.HistoricalSuccessRate
	}

	now := time.Now().UTC()
	patch := &model.ImmunityPatch{
		ID:                    uuid.NewString(),
		DetectionID:           detection.ID,
		Kind:                  kind,
		Config:                s.buildConfig(kind, detection),
		Priority:              priorityFor(detection.Severity),
		EffectivenessEstimate: effectiveness,
		CreatedAt:             now,
		ExpiresAt:             now.Add(s.cfg.PatchTTL),
		Version:               version,
	}

	s.logger.Info("Patch synthesized",
		"patch_id", patch.ID,
		"detection_id", detection.ID,
		"kind", kind,
		"priority", patch.Priority,
		"version", version,
		"signature_matched", sig != nil)
	return patch
}

func (s *Synthesizer) inferKind(evidence model.Evidence, sig *model.Signature) model.PatchKind {
	if sig != nil && sig.RecommendedKind.Valid() {
		return sig.RecommendedKind
	}
	for _, rule := range inferenceTable {
		if rule.applies(evidence) {
			return rule.kind
		}
	}
	// Unreachable: the table's last row always applies.
	return model.PatchHeaderMutation
}

func priorityFor(severity model.Severity) model.PatchPriority {
	switch {
	case severity.AtLeast(model.SeverityCritical):
		return model.PriorityEmergency
	case severity == model.SeverityHigh:
		return model.PriorityUrgent
	default:
		return model.PriorityNormal
	}
}

// buildConfig produces the variant payload for the chosen kind.
func (s *Synthesizer) buildConfig(kind model.PatchKind, detection *model.DetectionReport) model.PatchConfig {
	switch kind {
	case model.PatchFingerprintRotation:
		return s.buildFingerprint()
	case model.PatchHeaderMutation:
		return s.buildHeaderMutation()
	case model.PatchTimingAdjustment:
		return buildTimingAdjustment(detection.Severity)
	case model.PatchBehaviorModification:
		return s.buildBehaviorModification()
	case model.PatchNetworkChange:
		return &model.NetworkChangeConfig{
			Rotate:       true,
			AvoidRegions: []model.Region{detection.Region},
		}
	}
	// Unreachable for valid kinds.
	return s.buildHeaderMutation()
}

var (
	userAgents = []string{
		"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36",
		"Mozilla/5.0 (Macintosh; Intel Mac OS X 14_5) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.5 Safari/605.1.15",
		"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:127.0) Gecko/20100101 Firefox/127.0",
		"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/125.0.0.0 Safari/537.36",
	}
	acceptLanguages = []string{
		"en-US,en;q=0.9",
		"en-GB,en;q=0.8",
		"de-DE,de;q=0.9,en;q=0.7",
		"fr-FR,fr;q=0.9,en;q=0.6",
	}
	tlsVersions  = []string{"1.2", "1.3"}
	cipherSuites = []string{
		"TLS_AES_128_GCM_SHA256",
		"TLS_AES_256_GCM_SHA384",
		"TLS_CHACHA20_POLY1305_SHA256",
		"TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256",
		"TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384",
	}
	motionProfiles      = []string{"bezier-natural", "overshoot-correct", "segmented-pause"}
	scrollProfiles      = []string{"momentum-decay", "stepped-read", "skim-and-settle"}
	inputTimingProfiles = []string{"gaussian-typing", "burst-and-pause", "hunt-and-peck"}
)

func (s *Synthesizer) buildFingerprint() *model.FingerprintRotationConfig {
	s.mu.Lock()
	defer s.mu.Unlock()

	suites := make([]string, len(cipherSuites))
	copy(suites, cipherSuites)
	s.rng.Shuffle(len(suites), func(i, j int) { suites[i], suites[j] = suites[j], suites[i] })
	n := 3 + s.rng.Intn(len(suites)-2)

	return &model.FingerprintRotationConfig{
		JA3:            s.syntheticJA3(),
		UserAgent:      userAgents[s.rng.Intn(len(userAgents))],
		AcceptLanguage: acceptLanguages[s.rng.Intn(len(acceptLanguages))],
		TLSVersion:     tlsVersions[s.rng.Intn(len(tlsVersions))],
		CipherSuites:   suites[:n],
	}
}

// syntheticJA3 emits a plausible ja3-shaped string. Callers lock s.mu.
func (s *Synthesizer) syntheticJA3() string {
	return fmt.Sprintf("771,%d-%d-%d,%d-%d,%d,%d",
		4865+s.rng.Intn(3), 49195+s.rng.Intn(5), 52392+s.rng.Intn(2),
		s.rng.Intn(30), 10+s.rng.Intn(20), 29+s.rng.Intn(2), s.rng.Intn(2))
}

func (s *Synthesizer) buildHeaderMutation() *model.HeaderMutationConfig {
	s.mu.Lock()
	defer s.mu.Unlock()

	return &model.HeaderMutationConfig{
		Rules: []model.HeaderRule{
			{Header: "User-Agent", Action: model.HeaderRotate, Candidates: append([]string(nil), userAgents...)},
			{Header: "Accept-Language", Action: model.HeaderSet, Value: acceptLanguages[s.rng.Intn(len(acceptLanguages))]},
			{Header: "X-Requested-With", Action: model.HeaderRemove},
			{Header: "Sec-CH-UA", Action: model.HeaderRotate, Candidates: []string{
				`"Chromium";v="126", "Not.A/Brand";v="8"`,
				`"Google Chrome";v="125", "Chromium";v="125"`,
			}},
		},
	}
}

// buildTimingAdjustment scales pacing with severity: the hotter the
// detection, the slower and burstier-averse the fleet becomes.
func buildTimingAdjustment(severity model.Severity) *model.TimingAdjustmentConfig {
	base := 250 * (1 + severity.Rank())
	return &model.TimingAdjustmentConfig{
		MinDelayMs: base,
		MaxDelayMs: base * 6,
		Jitter:     0.25,
		BurstLimit: 5 - severity.Rank(),
		CooldownMs: base * 20,
	}
}

func (s *Synthesizer) buildBehaviorModification() *model.BehaviorModificationConfig {
	s.mu.Lock()
	defer s.mu.Unlock()

	return &model.BehaviorModificationConfig{
		MotionProfile:      motionProfiles[s.rng.Intn(len(motionProfiles))],
		ScrollProfile:      scrollProfiles[s.rng.Intn(len(scrollProfiles))],
		InputTimingProfile: inputTimingProfiles[s.rng.Intn(len(inputTimingProfiles))],
	}
}
