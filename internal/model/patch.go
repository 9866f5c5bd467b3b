package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// PatchKind discriminates the closed set of remediation variants.
type PatchKind string

const (
	PatchFingerprintRotation  PatchKind = "fingerprint-rotation"
	PatchHeaderMutation       PatchKind = "header-mutation"
	PatchTimingAdjustment     PatchKind = "timing-adjustment"
	PatchBehaviorModification PatchKind = "behavior-modification"
	PatchNetworkChange        PatchKind = "network-change"
)

// Valid reports whether k is one of the five defined variants.
func (k PatchKind) Valid() bool {
	switch k {
	case PatchFingerprintRotation, PatchHeaderMutation, PatchTimingAdjustment,
		PatchBehaviorModification, PatchNetworkChange:
		return true
	}
	return false
}

// PatchPriority drives the propagation strategy label.
type PatchPriority string

const (
	PriorityNormal    PatchPriority = "normal"
	PriorityUrgent    PatchPriority = "urgent"
	PriorityEmergency PatchPriority = "emergency"
)

// PatchConfig is the variant payload of an immunity patch. Exactly one
// concrete type exists per PatchKind so consumers can switch exhaustively.
type PatchConfig interface {
	Kind() PatchKind
}

// FingerprintRotationConfig carries a fresh synthetic fingerprint descriptor.
type FingerprintRotationConfig struct {
	JA3            string   `json:"ja3"`
	UserAgent      string   `json:"user_agent"`
	AcceptLanguage string   `json:"accept_language"`
	TLSVersion     string   `json:"tls_version"`
	CipherSuites   []string `json:"cipher_suites"`
}

func (FingerprintRotationConfig) Kind() PatchKind { return PatchFingerprintRotation }

// HeaderAction is what a header rule does to its header.
type HeaderAction string

const (
	HeaderSet    HeaderAction = "set"
	HeaderRemove HeaderAction = "remove"
	HeaderRotate HeaderAction = "rotate"
)

// HeaderRule is one mutation applied to an outgoing request header.
type HeaderRule struct {
	Header     string       `json:"header"`
	Action     HeaderAction `json:"action"`
	Value      string       `json:"value,omitempty"`
	Candidates []string     `json:"candidates,omitempty"`
}

// HeaderMutationConfig carries an ordered list of header rules.
type HeaderMutationConfig struct {
	Rules []HeaderRule `json:"rules"`
}

func (HeaderMutationConfig) Kind() PatchKind { return PatchHeaderMutation }

// TimingAdjustmentConfig reshapes request pacing.
type TimingAdjustmentConfig struct {
	MinDelayMs int     `json:"min_delay_ms"`
	MaxDelayMs int     `json:"max_delay_ms"`
	Jitter     float64 `json:"jitter"`
	BurstLimit int     `json:"burst_limit"`
	CooldownMs int     `json:"cooldown_ms"`
}

func (TimingAdjustmentConfig) Kind() PatchKind { return PatchTimingAdjustment }

// BehaviorModificationConfig swaps the interaction profiles a worker emulates.
type BehaviorModificationConfig struct {
	MotionProfile      string `json:"motion_profile"`
	ScrollProfile      string `json:"scroll_profile"`
	InputTimingProfile string `json:"input_timing_profile"`
}

func (BehaviorModificationConfig) Kind() PatchKind { return PatchBehaviorModification }

// NetworkChangeConfig steers workers toward or away from exit regions.
type NetworkChangeConfig struct {
	Rotate           bool     `json:"rotate"`
	PreferredRegions []Region `json:"preferred_regions,omitempty"`
	AvoidRegions     []Region `json:"avoid_regions,omitempty"`
}

func (NetworkChangeConfig) Kind() PatchKind { return PatchNetworkChange }

// ImmunityPatch is a generated remediation. Once stored it is immutable;
// a refinement for the same detection is a new patch with a higher version.
type ImmunityPatch struct {
	ID                    string        `json:"id"`
	DetectionID           string        `json:"detection_id"`
	Kind                  PatchKind     `json:"patch_kind"`
	Config                PatchConfig   `json:"configuration"`
	Priority              PatchPriority `json:"priority"`
	EffectivenessEstimate float64       `json:"effectiveness_estimate"`
	CreatedAt             time.Time     `json:"created_at"`
	ExpiresAt             time.Time     `json:"expires_at"`
	Version               int           `json:"version"`
}

// Active reports whether the patch has not yet expired at the given time.
func (p *ImmunityPatch) Active(now time.Time) bool {
	return p.ExpiresAt.After(now)
}

// patchAlias avoids marshal recursion while keeping the wire shape stable.
type patchAlias struct {
	ID                    string          `json:"id"`
	DetectionID           string          `json:"detection_id"`
	Kind                  PatchKind       `json:"patch_kind"`
	Config                json.RawMessage `json:"configuration"`
	Priority              PatchPriority   `json:"priority"`
	EffectivenessEstimate float64         `json:"effectiveness_estimate"`
	CreatedAt             time.Time       `json:"created_at"`
	ExpiresAt             time.Time       `json:"expires_at"`
	Version               int             `json:"version"`
}

// MarshalJSON flattens the variant payload under "configuration" with the
// kind carried in "patch_kind".
func (p ImmunityPatch) MarshalJSON() ([]byte, error) {
	cfg, err := json.Marshal(p.Config)
	if err != nil {
		return nil, fmt.Errorf("marshal patch configuration: %w", err)
	}
	return json.Marshal(patchAlias{
		ID:                    p.ID,
		DetectionID:           p.DetectionID,
		Kind:                  p.Kind,
		Config:                cfg,
		Priority:              p.Priority,
		EffectivenessEstimate: p.EffectivenessEstimate,
		CreatedAt:             p.CreatedAt,
		ExpiresAt:             p.ExpiresAt,
		Version:               p.Version,
	})
}

// UnmarshalJSON decodes the variant payload according to "patch_kind".
func (p *ImmunityPatch) UnmarshalJSON(data []byte) error {
	var alias patchAlias
	if err := json.Unmarshal(data, &alias); err != nil {
		return err
	}

	var cfg PatchConfig
	switch alias.Kind {
	case PatchFingerprintRotation:
		cfg = &FingerprintRotationConfig{}
	case PatchHeaderMutation:
		cfg = &HeaderMutationConfig{}
	case PatchTimingAdjustment:
		cfg = &TimingAdjustmentConfig{}
	case PatchBehaviorModification:
		cfg = &BehaviorModificationConfig{}
	case PatchNetworkChange:
		cfg = &NetworkChangeConfig{}
	default:
		return fmt.Errorf("unknown patch kind %q", alias.Kind)
	}
	if len(alias.Config) > 0 {
		if err := json.Unmarshal(alias.Config, cfg); err != nil {
			return fmt.Errorf("unmarshal %s configuration: %w", alias.Kind, err)
		}
	}

	p.ID = alias.ID
	p.DetectionID = alias.DetectionID
	p.Kind = alias.Kind
	p.Config = cfg
	p.Priority = alias.Priority
	p.EffectivenessEstimate = alias.EffectivenessEstimate
	p.CreatedAt = alias.CreatedAt
	p.ExpiresAt = alias.ExpiresAt
	p.Version = alias.Version
	return nil
}
