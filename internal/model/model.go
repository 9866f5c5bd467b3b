package model

import (
	"time"
)

// DetectionSource identifies which countermeasure produced a detection report.
type DetectionSource string

const (
	SourceWAF         DetectionSource = "waf_block"
	SourceCaptcha     DetectionSource = "captcha_challenge"
	SourceFingerprint DetectionSource = "fingerprint_probe"
	SourceRateLimit   DetectionSource = "rate_limit"
	SourceBehavioral  DetectionSource = "behavioral_analysis"
	SourceHoneypot    DetectionSource = "honeypot"
)

// Valid reports whether s is one of the known source tags.
func (s DetectionSource) Valid() bool {
	switch s {
	case SourceWAF, SourceCaptcha, SourceFingerprint, SourceRateLimit, SourceBehavioral, SourceHoneypot:
		return true
	}
	return false
}

// Region is a fleet partition used for locality and independent latency
// measurement. Regions are created implicitly by worker registration.
type Region string

// Severity orders detections from routine noise to fleet-wide threats.
type Severity string

const (
	SeverityLow         Severity = "low"
	SeverityMedium      Severity = "medium"
	SeverityHigh        Severity = "high"
	SeverityCritical    Severity = "critical"
	SeverityApocalyptic Severity = "apocalyptic"
)

var severityRank = map[Severity]int{
	SeverityLow:         0,
	SeverityMedium:      1,
	SeverityHigh:        2,
	SeverityCritical:    3,
	SeverityApocalyptic: 4,
}

// Valid reports whether s is a known severity level.
func (s Severity) Valid() bool {
	_, ok := severityRank[s]
	return ok
}

// Rank returns the ordinal position of the severity, low being 0.
func (s Severity) Rank() int {
	return severityRank[s]
}

// AtLeast reports whether s is at or above the given severity.
func (s Severity) AtLeast(other Severity) bool {
	return severityRank[s] >= severityRank[other]
}

// Evidence is the structured bag of observations attached to a detection.
type Evidence struct {
	Fingerprint   string   `json:"fingerprint,omitempty"`
	Triggers      []string `json:"triggers,omitempty"`
	TimingAnomaly bool     `json:"timing_anomaly,omitempty"`
	ChallengeType string   `json:"challenge_type,omitempty"`
}

// DetectionReport is one worker's observation of an adverse condition.
// Reports are immutable once created and retained for a bounded window.
type DetectionReport struct {
	ID                string          `json:"id"`
	Source            DetectionSource `json:"source"`
	Region            Region          `json:"region"`
	ReportingWorkerID string          `json:"reporting_worker_id"`
	Severity          Severity        `json:"severity"`
	Evidence          Evidence        `json:"evidence"`
	DetectedAt        time.Time       `json:"detected_at"`
	ObservedLatencyMs float64         `json:"observed_latency_ms"`
}

// Signature is a known detection pattern mapped to a recommended remedy.
type Signature struct {
	ID                    string          `json:"id" yaml:"id"`
	SourceTag             DetectionSource `json:"source" yaml:"source"`
	MatchPattern          string          `json:"pattern" yaml:"pattern"`
	Regex                 bool            `json:"regex,omitempty" yaml:"regex"`
	Severity              Severity        `json:"severity" yaml:"severity"`
	RecommendedKind       PatchKind       `json:"patch_kind" yaml:"patch_kind"`
	HistoricalSuccessRate float64         `json:"historical_success_rate" yaml:"base_success_rate"`
	HitCount              int64           `json:"hit_count" yaml:"-"`
}

// WorkerStatus is the lifecycle state of a fleet member.
type WorkerStatus string

const (
	WorkerActive   WorkerStatus = "active"
	WorkerPatching WorkerStatus = "patching"
	WorkerDegraded WorkerStatus = "degraded"
	WorkerOffline  WorkerStatus = "offline"
)

// WorkerRecord is one fleet member. The registry owns all records; other
// components only see copies.
type WorkerRecord struct {
	WorkerID               string       `json:"worker_id"`
	Region                 Region       `json:"region"`
	Status                 WorkerStatus `json:"status"`
	CurrentFingerprintHash string       `json:"current_fingerprint_hash,omitempty"`
	AppliedPatchIDs        []string     `json:"applied_patch_ids"`
	LastHealthCheck        time.Time    `json:"last_health_check"`
	HealthScore            float64      `json:"health_score"`
	RollingSuccessRate     float64      `json:"rolling_success_rate"`
	DetectionCount         int64        `json:"detection_count"`
	RegisteredAt           time.Time    `json:"registered_at"`
}

// RegionStats holds per-region delivery counts for one propagation.
type RegionStats struct {
	WorkerCount int     `json:"worker_count"`
	Delivered   int     `json:"delivered"`
	Failed      int     `json:"failed"`
	LatencyMs   float64 `json:"latency_ms"`
	Settled     bool    `json:"settled"`
}

// PropagationResult is the immutable outcome of one fan-out operation.
type PropagationResult struct {
	PropagationID string                  `json:"propagation_id"`
	PatchID       string                  `json:"patch_id"`
	Strategy      string                  `json:"strategy"`
	StartedAt     time.Time               `json:"started_at"`
	CompletedAt   time.Time               `json:"completed_at"`
	TotalWorkers  int                     `json:"total_workers"`
	Delivered     int                     `json:"delivered"`
	Failed        int                     `json:"failed"`
	PerRegion     map[Region]*RegionStats `json:"per_region"`
	P50LatencyMs  float64                 `json:"p50_latency_ms"`
	P99LatencyMs  float64                 `json:"p99_latency_ms"`
	MaxLatencyMs  float64                 `json:"max_latency_ms"`
	Partial       bool                    `json:"partial,omitempty"`
}
