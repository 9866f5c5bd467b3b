package catalog

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"

	"github.com/fleetimmune/fleetimmune/internal/model"
)

// smoothingDecay is the exponential smoothing constant for signature success
// rates: new = old*decay + outcome*(1-decay).
const smoothingDecay = 0.9

// compiledSignature pairs a signature with its pre-compiled regex (nil for
// substring patterns).
type compiledSignature struct {
	sig model.Signature
	re  *regexp.Regexp
}

// Catalog is the process-wide table of known detection signatures. It is
// read-mostly; updates are serialized behind a single mutex. Signatures are
// never deleted at runtime, and match order is insertion order.
type Catalog struct {
	mu     sync.RWMutex
	sigs   []*compiledSignature
	byID   map[string]*compiledSignature
	logger *slog.Logger
}

// New creates an empty signature catalog.
func New(logger *slog.Logger) *Catalog {
	return &Catalog{
		byID:   make(map[string]*compiledSignature),
		logger: logger,
	}
}

// Add appends a signature to the catalog. The id must be unique and the
// pattern must compile if marked as a regex.
func (c *Catalog) Add(sig model.Signature) error {
	if err := validate(sig); err != nil {
		return err
	}

	var re *regexp.Regexp
	if sig.Regex {
		var err error
		re, err = regexp.Compile(sig.MatchPattern)
		if err != nil {
			return &model.ValidationError{Field: "pattern", Message: fmt.Sprintf("invalid regex: %v", err)}
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.byID[sig.ID]; exists {
		return &model.ValidationError{Field: "id", Message: fmt.Sprintf("duplicate signature id %q", sig.ID)}
	}
	compiled := &compiledSignature{sig: sig, re: re}
	c.sigs = append(c.sigs, compiled)
	c.byID[sig.ID] = compiled
	return nil
}

// Match scans the catalog in insertion order for the first signature whose
// source tag matches the detection's source and whose pattern is found in
// any trigger string or the fingerprint. A miss is not an error; it signals
// the caller to fall back to heuristic inference.
func (c *Catalog) Match(source model.DetectionSource, evidence model.Evidence) (model.Signature, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	haystacks := make([]string, 0, len(evidence.Triggers)+1)
	haystacks = append(haystacks, evidence.Triggers...)
	if evidence.Fingerprint != "" {
		haystacks = append(haystacks, evidence.Fingerprint)
	}

	for _, compiled := range c.sigs {
		if compiled.sig.SourceTag != source {
			continue
		}
		for _, hay := range haystacks {
			if compiled.matches(hay) {
				return compiled.sig, true
			}
		}
	}
	return model.Signature{}, false
}

func (cs *compiledSignature) matches(s string) bool {
	if cs.re != nil {
		return cs.re.MatchString(s)
	}
	return strings.Contains(s, cs.sig.MatchPattern)
}

// Get returns the signature with the given id.
func (c *Catalog) Get(id string) (model.Signature, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	compiled, exists := c.byID[id]
	if !exists {
		return model.Signature{}, fmt.Errorf("signature %s: %w", id, model.ErrNotFound)
	}
	return compiled.sig, nil
}

// RecordUse increments the signature's hit counter. Called whenever the
// signature becomes the basis for a generated patch.
func (c *Catalog) RecordUse(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	compiled, exists := c.byID[id]
	if !exists {
		return fmt.Errorf("signature %s: %w", id, model.ErrNotFound)
	}
	compiled.sig.HitCount++
	return nil
}

// RecordOutcome folds a patch outcome into the signature's historical
// success rate via exponential smoothing.
func (c *Catalog) RecordOutcome(id string, success bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	compiled, exists := c.byID[id]
	if !exists {
		return fmt.Errorf("signature %s: %w", id, model.ErrNotFound)
	}
	outcome := 0.0
	if success {
		outcome = 1.0
	}
	compiled.sig.HistoricalSuccessRate = compiled.sig.HistoricalSuccessRate*smoothingDecay + outcome*(1-smoothingDecay)
	return nil
}

// List returns a snapshot of all signatures in insertion order.
func (c *Catalog) List() []model.Signature {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]model.Signature, 0, len(c.sigs))
	for _, compiled := range c.sigs {
		out = append(out, compiled.sig)
	}
	return out
}

// Len returns the number of signatures in the catalog.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.sigs)
}

func validate(sig model.Signature) error {
	if sig.ID == "" {
		return &model.ValidationError{Field: "id", Message: "signature id is required"}
	}
	if !sig.SourceTag.Valid() {
		return &model.ValidationError{Field: "source", Message: fmt.Sprintf("unknown source tag %q", sig.SourceTag)}
	}
	if sig.MatchPattern == "" {
		return &model.ValidationError{Field: "pattern", Message: "match pattern is required"}
	}
	if !sig.Severity.Valid() {
		return &model.ValidationError{Field: "severity", Message: fmt.Sprintf("unknown severity %q", sig.Severity)}
	}
	if !sig.RecommendedKind.Valid() {
		return &model.ValidationError{Field: "patch_kind", Message: fmt.Sprintf("unknown patch kind %q", sig.RecommendedKind)}
	}
	if sig.HistoricalSuccessRate < 0 || sig.HistoricalSuccessRate > 1 {
		return &model.ValidationError{Field: "base_success_rate", Message: "success rate must be between 0.0 and 1.0"}
	}
	return nil
}
