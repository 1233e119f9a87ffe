// Package scenario keeps the bookkeeping of "what-if" simulation scenarios:
// named parameter bundles that can be created and compared.
package scenario

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrIncompatibleScenarios is returned when comparing scenarios built under
// different model assumptions: a different model type or a different set of
// parameters.
var ErrIncompatibleScenarios = errors.New("incompatible scenarios")

// Params is a named bundle of simulation input parameters.
type Params map[string]float64

// Get returns the named parameter, or def if it is not set.
func (p Params) Get(name string, def float64) float64 {
	if v, ok := p[name]; ok {
		return v
	}
	return def
}

// Scenario is a named, identified parameter bundle created for a specific
// model type. Scenarios are values owned by the caller.
type Scenario struct {
	ID        string
	Name      string
	ModelType string
	Params    Params
	CreatedAt time.Time
}

// Manager creates and compares scenarios for a single model type.
//
// A Manager holds no mutable state and is safe for concurrent use.
type Manager struct {
	modelType string
	now       func() time.Time
}

// NewManager returns a Manager creating scenarios for the given model type.
func NewManager(modelType string) *Manager {
	return &Manager{modelType: modelType, now: time.Now}
}

// WithClock returns a copy of m stamping scenarios using now.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	c := *m
	c.now = now
	return &c
}

// ModelType returns the model type of the scenarios created by m.
func (m *Manager) ModelType() string { return m.modelType }

// CreateScenario returns a new scenario holding a copy of params. It always
// succeeds.
func (m *Manager) CreateScenario(name string, params Params) Scenario {
	p := maps.Clone(params)
	if p == nil {
		p = Params{}
	}
	return Scenario{
		ID:        uuid.NewString(),
		Name:      name,
		ModelType: m.modelType,
		Params:    p,
		CreatedAt: m.now(),
	}
}

// Delta compares the value of a single parameter across two scenarios.
type Delta struct {
	Param     string
	Baseline  float64
	Candidate float64
	// Change is Candidate - Baseline.
	Change float64
}

// Report is the deterministic difference between a baseline and a candidate
// scenario.
type Report struct {
	ModelType string
	Baseline  string // scenario name
	Candidate string // scenario name
	// Deltas lists every parameter, sorted by name.
	Deltas []Delta
}

// Changed returns the deltas whose values differ between the two scenarios.
func (r Report) Changed() []Delta {
	var changed []Delta
	for _, d := range r.Deltas {
		if d.Change != 0 {
			changed = append(changed, d)
		}
	}
	return changed
}

func (r Report) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s vs %s (%s)\n", r.Baseline, r.Candidate, r.ModelType)
	for _, d := range r.Deltas {
		fmt.Fprintf(&b, "  %s: %v -> %v (%+g)\n", d.Param, d.Baseline, d.Candidate, d.Change)
	}
	return b.String()
}

// Compare returns the parameter-wise difference from baseline to candidate. It
// fails with ErrIncompatibleScenarios if the scenarios have different model
// types or different parameter sets.
func (m *Manager) Compare(baseline, candidate Scenario) (Report, error) {
	if baseline.ModelType != candidate.ModelType {
		return Report{}, fmt.Errorf("compare %q with %q: %w: model %q differs from %q",
			baseline.Name, candidate.Name, ErrIncompatibleScenarios, baseline.ModelType, candidate.ModelType)
	}
	names := slices.Sorted(maps.Keys(baseline.Params))
	if !slices.Equal(names, slices.Sorted(maps.Keys(candidate.Params))) {
		return Report{}, fmt.Errorf("compare %q with %q: %w: parameter sets differ",
			baseline.Name, candidate.Name, ErrIncompatibleScenarios)
	}

	r := Report{
		ModelType: baseline.ModelType,
		Baseline:  baseline.Name,
		Candidate: candidate.Name,
		Deltas:    make([]Delta, len(names)),
	}
	for i, name := range names {
		b, c := baseline.Params[name], candidate.Params[name]
		r.Deltas[i] = Delta{Param: name, Baseline: b, Candidate: c, Change: c - b}
	}
	return r, nil
}
