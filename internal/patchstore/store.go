package patchstore

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fleetimmune/fleetimmune/internal/model"
)

// Store holds generated patches. Inserts are append-only: a stored patch is
// never mutated, and a refinement of the same detection is a new patch with
// a higher version. Expired patches stay readable for the retention window
// so the audit trail survives, then Sweep purges them.
type Store struct {
	mu          sync.RWMutex
	patches     map[string]*model.ImmunityPatch
	order       []string
	byDetection map[string][]string

	retention time.Duration
	logger    *slog.Logger
}

// New creates an empty patch store with the given retention window.
func New(retention time.Duration, logger *slog.Logger) *Store {
	return &Store{
		patches:     make(map[string]*model.ImmunityPatch),
		byDetection: make(map[string][]string),
		retention:   retention,
		logger:      logger,
	}
}

// Insert adds a patch. The expiry invariant and per-detection version
// monotonicity are enforced here.
func (s *Store) Insert(patch *model.ImmunityPatch) error {
	if patch.ID == "" {
		return &model.ValidationError{Field: "id", Message: "patch id is required"}
	}
	if !patch.Kind.Valid() {
		return &model.ValidationError{Field: "patch_kind", Message: fmt.Sprintf("unknown patch kind %q", patch.Kind)}
	}
	if !patch.ExpiresAt.After(patch.CreatedAt) {
		return &model.ValidationError{Field: "expires_at", Message: "patch must expire after creation"}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.patches[patch.ID]; exists {
		return &model.ValidationError{Field: "id", Message: fmt.Sprintf("patch %s already stored", patch.ID)}
	}
	if prior := s.latestVersionLocked(patch.DetectionID); prior >= patch.Version {
		return &model.ValidationError{
			Field:   "version",
			Message: fmt.Sprintf("version %d does not supersede stored version %d for detection %s", patch.Version, prior, patch.DetectionID),
		}
	}

	s.patches[patch.ID] = patch
	s.order = append(s.order, patch.ID)
	s.byDetection[patch.DetectionID] = append(s.byDetection[patch.DetectionID], patch.ID)
	s.logger.Debug("Patch stored", "patch_id", patch.ID, "detection_id", patch.DetectionID, "version", patch.Version)
	return nil
}

// Get returns a patch by id, expired or not, until the retention sweep
// removes it.
func (s *Store) Get(patchID string) (*model.ImmunityPatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	patch, exists := s.patches[patchID]
	if !exists {
		return nil, fmt.Errorf("patch %s: %w", patchID, model.ErrNotFound)
	}
	return patch, nil
}

// ActivePatches returns every stored patch that has not expired at the
// given time, in insertion order. Expiry is checked lazily; nothing is
// deleted here.
func (s *Store) ActivePatches(now time.Time) []*model.ImmunityPatch {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var active []*model.ImmunityPatch
	for _, id := range s.order {
		if patch := s.patches[id]; patch.Active(now) {
			active = append(active, patch)
		}
	}
	return active
}

// LatestForDetection returns the highest-version patch generated for the
// detection, if any.
func (s *Store) LatestForDetection(detectionID string) (*model.ImmunityPatch, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.byDetection[detectionID]
	if len(ids) == 0 {
		return nil, false
	}
	var latest *model.ImmunityPatch
	for _, id := range ids {
		patch := s.patches[id]
		if latest == nil || patch.Version > latest.Version {
			latest = patch
		}
	}
	return latest, true
}

// Sweep purges patches past expiry plus the retention window. Run
// periodically, not on every read. Returns the number purged.
func (s *Store) Sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := now.Add(-s.retention)
	purged := 0
	kept := s.order[:0]
	for _, id := range s.order {
		patch := s.patches[id]
		if patch.ExpiresAt.Before(cutoff) {
			delete(s.patches, id)
			s.removeDetectionIndexLocked(patch.DetectionID, id)
			purged++
			continue
		}
		kept = append(kept, id)
	}
	s.order = kept

	if purged > 0 {
		s.logger.Info("Patch retention sweep completed", "purged", purged, "remaining", len(s.patches))
	}
	return purged
}

// Count returns the number of stored patches, expired or not.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.patches)
}

func (s *Store) latestVersionLocked(detectionID string) int {
	latest := 0
	for _, id := range s.byDetection[detectionID] {
		if v := s.patches[id].Version; v > latest {
			latest = v
		}
	}
	return latest
}

func (s *Store) removeDetectionIndexLocked(detectionID, patchID string) {
	ids := s.byDetection[detectionID]
	for i, id := range ids {
		if id == patchID {
			s.byDetection[detectionID] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(s.byDetection[detectionID]) == 0 {
		delete(s.byDetection, detectionID)
	}
}
