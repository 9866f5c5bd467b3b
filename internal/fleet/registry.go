package fleet

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fleetimmune/fleetimmune/internal/events"
	"github.com/fleetimmune/fleetimmune/internal/model"
)

// legalTransitions is the worker state machine. A transition not listed here
// is rejected with ErrInvalidTransition.
var legalTransitions = map[model.WorkerStatus][]model.WorkerStatus{
	model.WorkerActive:   {model.WorkerPatching, model.WorkerDegraded, model.WorkerOffline},
	model.WorkerPatching: {model.WorkerActive, model.WorkerDegraded, model.WorkerOffline},
	model.WorkerDegraded: {model.WorkerActive, model.WorkerOffline},
	model.WorkerOffline:  {model.WorkerActive},
}

func transitionLegal(from, to model.WorkerStatus) bool {
	for _, allowed := range legalTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// workerEntry pairs a record with its own lock. All mutations of one worker
// go through this lock, so concurrent deliveries to the same worker cannot
// interleave status transitions.
type workerEntry struct {
	mu     sync.Mutex
	record model.WorkerRecord
}

func (e *workerEntry) snapshot() model.WorkerRecord {
	rec := e.record
	rec.AppliedPatchIDs = append([]string(nil), e.record.AppliedPatchIDs...)
	return rec
}

// Config carries the registry's tunables.
type Config struct {
	DegradedThreshold   float64
	HeartbeatTimeout    time.Duration
	MaxWorkersPerRegion int
}

// Registry is the authoritative set of worker records, partitioned by
// region. It exclusively owns all records; reads return copies.
type Registry struct {
	mu       sync.RWMutex
	workers  map[string]*workerEntry
	byRegion map[model.Region]map[string]*workerEntry

	cfg    Config
	logger *slog.Logger
	events events.Publisher
}

// NewRegistry creates an empty fleet registry.
func NewRegistry(cfg Config, logger *slog.Logger, publisher events.Publisher) *Registry {
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	return &Registry{
		workers:  make(map[string]*workerEntry),
		byRegion: make(map[model.Region]map[string]*workerEntry),
		cfg:      cfg,
		logger:   logger,
		events:   publisher,
	}
}

// Register adds a worker or, if it already exists, resets its status to
// active and moves it to the given region. Nothing else is cleared.
func (r *Registry) Register(workerID string, region model.Region) (model.WorkerRecord, error) {
	if workerID == "" {
		return model.WorkerRecord{}, &model.ValidationError{Field: "worker_id", Message: "worker id is required"}
	}
	if region == "" {
		return model.WorkerRecord{}, &model.ValidationError{Field: "region", Message: "region is required"}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	entry, exists := r.workers[workerID]
	if !exists {
		if r.cfg.MaxWorkersPerRegion > 0 && len(r.byRegion[region]) >= r.cfg.MaxWorkersPerRegion {
			return model.WorkerRecord{}, fmt.Errorf("region %s is at capacity (%d workers)", region, r.cfg.MaxWorkersPerRegion)
		}
		now := time.Now().UTC()
		entry = &workerEntry{record: model.WorkerRecord{
			WorkerID:           workerID,
			Region:             region,
			Status:             model.WorkerActive,
			HealthScore:        1.0,
			RollingSuccessRate: 1.0,
			LastHealthCheck:    now,
			RegisteredAt:       now,
		}}
		r.workers[workerID] = entry
		r.addToRegionLocked(region, workerID, entry)
		r.logger.Info("Worker registered", "worker_id", workerID, "region", region)
		return entry.snapshot(), nil
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	prev := entry.record.Status
	entry.record.Status = model.WorkerActive
	entry.record.LastHealthCheck = time.Now().UTC()
	if entry.record.Region != region {
		r.removeFromRegionLocked(entry.record.Region, workerID)
		entry.record.Region = region
		r.addToRegionLocked(region, workerID, entry)
	}
	if prev != model.WorkerActive {
		r.events.WorkerStateChanged(workerID, prev, model.WorkerActive, "re-registration")
	}
	r.logger.Info("Worker re-registered", "worker_id", workerID, "region", region, "previous_status", prev)
	return entry.snapshot(), nil
}

// Deregister removes a worker from the fleet entirely.
func (r *Registry) Deregister(workerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, exists := r.workers[workerID]
	if !exists {
		return fmt.Errorf("worker %s: %w", workerID, model.ErrNotFound)
	}
	delete(r.workers, workerID)
	r.removeFromRegionLocked(entry.record.Region, workerID)
	r.logger.Info("Worker deregistered", "worker_id", workerID)
	return nil
}

// Get returns a copy of the worker record.
func (r *Registry) Get(workerID string) (model.WorkerRecord, error) {
	r.mu.RLock()
	entry, exists := r.workers[workerID]
	r.mu.RUnlock()

	if !exists {
		return model.WorkerRecord{}, fmt.Errorf("worker %s: %w", workerID, model.ErrNotFound)
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.snapshot(), nil
}

// ListByRegion returns a point-in-time snapshot of a region's workers.
func (r *Registry) ListByRegion(region model.Region) []model.WorkerRecord {
	r.mu.RLock()
	entries := make([]*workerEntry, 0, len(r.byRegion[region]))
	for _, entry := range r.byRegion[region] {
		entries = append(entries, entry)
	}
	r.mu.RUnlock()

	records := make([]model.WorkerRecord, 0, len(entries))
	for _, entry := range entries {
		entry.mu.Lock()
		records = append(records, entry.snapshot())
		entry.mu.Unlock()
	}
	return records
}

// Regions returns every region with at least one registered worker.
func (r *Registry) Regions() []model.Region {
	r.mu.RLock()
	defer r.mu.RUnlock()

	regions := make([]model.Region, 0, len(r.byRegion))
	for region, members := range r.byRegion {
		if len(members) > 0 {
			regions = append(regions, region)
		}
	}
	return regions
}

// Transition moves a worker to newStatus if the state machine allows it.
// Illegal transitions leave the record untouched.
func (r *Registry) Transition(workerID string, newStatus model.WorkerStatus) error {
	entry, err := r.entry(workerID)
	if err != nil {
		return err
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	return r.transitionLocked(entry, newStatus, "explicit")
}

// transitionLocked performs the checked transition. Caller holds entry.mu.
func (r *Registry) transitionLocked(entry *workerEntry, newStatus model.WorkerStatus, reason string) error {
	from := entry.record.Status
	if !transitionLegal(from, newStatus) {
		r.logger.Warn("Rejected illegal worker transition",
			"worker_id", entry.record.WorkerID, "from", from, "to", newStatus)
		return fmt.Errorf("%s -> %s: %w", from, newStatus, model.ErrInvalidTransition)
	}
	entry.record.Status = newStatus
	r.events.WorkerStateChanged(entry.record.WorkerID, from, newStatus, reason)
	return nil
}

// Heartbeat records a health check. A score below the degraded threshold
// moves the worker to degraded; a passing score recovers a degraded worker;
// any heartbeat revives an offline worker.
func (r *Registry) Heartbeat(workerID string, healthScore float64) error {
	entry, err := r.entry(workerID)
	if err != nil {
		return err
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	entry.record.LastHealthCheck = time.Now().UTC()
	entry.record.HealthScore = healthScore

	switch {
	case entry.record.Status == model.WorkerOffline:
		return r.transitionLocked(entry, model.WorkerActive, "heartbeat")
	case healthScore < r.cfg.DegradedThreshold && entry.record.Status != model.WorkerDegraded:
		return r.transitionLocked(entry, model.WorkerDegraded, "health below threshold")
	case healthScore >= r.cfg.DegradedThreshold && entry.record.Status == model.WorkerDegraded:
		return r.transitionLocked(entry, model.WorkerActive, "health check passed")
	}
	return nil
}

// SweepOffline transitions every worker whose last heartbeat is older than
// the configured timeout to offline. Returns the affected worker ids.
func (r *Registry) SweepOffline(now time.Time) []string {
	r.mu.RLock()
	entries := make([]*workerEntry, 0, len(r.workers))
	for _, entry := range r.workers {
		entries = append(entries, entry)
	}
	r.mu.RUnlock()

	cutoff := now.Add(-r.cfg.HeartbeatTimeout)
	var swept []string
	for _, entry := range entries {
		entry.mu.Lock()
		if entry.record.Status != model.WorkerOffline && entry.record.LastHealthCheck.Before(cutoff) {
			if err := r.transitionLocked(entry, model.WorkerOffline, "heartbeat timeout"); err == nil {
				swept = append(swept, entry.record.WorkerID)
			}
		}
		entry.mu.Unlock()
	}
	if len(swept) > 0 {
		r.logger.Info("Heartbeat sweep moved workers offline", "count", len(swept))
	}
	return swept
}

// BeginDelivery transitions a worker into patching ahead of a delivery
// attempt. Failure means the worker cannot receive the patch right now.
func (r *Registry) BeginDelivery(workerID string) error {
	entry, err := r.entry(workerID)
	if err != nil {
		return err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return r.transitionLocked(entry, model.WorkerPatching, "patch delivery")
}

// FinishDelivery settles a delivery attempt started with BeginDelivery.
// Success appends the patch id and returns the worker to active; failure
// moves it to degraded. The rolling success rate is smoothed either way.
func (r *Registry) FinishDelivery(workerID, patchID string, success bool) error {
	entry, err := r.entry(workerID)
	if err != nil {
		return err
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	outcome := 0.0
	target := model.WorkerDegraded
	reason := "delivery failed"
	if success {
		outcome = 1.0
		target = model.WorkerActive
		reason = "delivery succeeded"
		entry.record.AppliedPatchIDs = append(entry.record.AppliedPatchIDs, patchID)
	}
	entry.record.RollingSuccessRate = entry.record.RollingSuccessRate*0.9 + outcome*0.1
	return r.transitionLocked(entry, target, reason)
}

// RecordDetection increments the reporting worker's detection counter.
func (r *Registry) RecordDetection(workerID string) error {
	entry, err := r.entry(workerID)
	if err != nil {
		return err
	}
	entry.mu.Lock()
	entry.record.DetectionCount++
	entry.mu.Unlock()
	return nil
}

// SetFingerprintHash updates the worker's current fingerprint hash, e.g.
// after a fingerprint-rotation patch is applied.
func (r *Registry) SetFingerprintHash(workerID, hash string) error {
	entry, err := r.entry(workerID)
	if err != nil {
		return err
	}
	entry.mu.Lock()
	entry.record.CurrentFingerprintHash = hash
	entry.mu.Unlock()
	return nil
}

// CountByStatus returns the number of workers in each lifecycle state.
func (r *Registry) CountByStatus() map[model.WorkerStatus]int {
	r.mu.RLock()
	entries := make([]*workerEntry, 0, len(r.workers))
	for _, entry := range r.workers {
		entries = append(entries, entry)
	}
	r.mu.RUnlock()

	counts := make(map[model.WorkerStatus]int, 4)
	for _, entry := range entries {
		entry.mu.Lock()
		counts[entry.record.Status]++
		entry.mu.Unlock()
	}
	return counts
}

// CountByRegion returns the worker population of each region.
func (r *Registry) CountByRegion() map[model.Region]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	counts := make(map[model.Region]int, len(r.byRegion))
	for region, members := range r.byRegion {
		counts[region] = len(members)
	}
	return counts
}

func (r *Registry) entry(workerID string) (*workerEntry, error) {
	r.mu.RLock()
	entry, exists := r.workers[workerID]
	r.mu.RUnlock()
	if !exists {
		return nil, fmt.Errorf("worker %s: %w", workerID, model.ErrNotFound)
	}
	return entry, nil
}

func (r *Registry) addToRegionLocked(region model.Region, workerID string, entry *workerEntry) {
	members, exists := r.byRegion[region]
	if !exists {
		members = make(map[string]*workerEntry)
		r.byRegion[region] = members
	}
	members[workerID] = entry
}

func (r *Registry) removeFromRegionLocked(region model.Region, workerID string) {
	if members, exists := r.byRegion[region]; exists {
		delete(members, workerID)
		if len(members) == 0 {
			delete(r.byRegion, region)
		}
	}
}
