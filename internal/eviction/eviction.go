// Package eviction chooses which cached models to drop when an add would
// exceed the byte budget.
//
// Each entry gets a retention score
//
//	lastAccessedAt (unix seconds) + accessCount * weight
//
// so one access is worth weight seconds of recency. The lowest scores go
// first; equal scores are broken by key so selection is deterministic.
package eviction

import (
	"sort"

	"goflare.io/armodel/models"
)

// DefaultWeight is the number of seconds of recency one access is worth.
const DefaultWeight = 60

// Manager selects eviction victims.
type Manager struct {
	weight float64
}

// Plan is the outcome of a selection.
type Plan struct {
	Victims []*models.ModelEntry
	// Freed is the byte total of Victims.
	Freed int64
	// Shortfall is how much of the requested space could not be freed.
	Shortfall int64
}

// NewManager creates a Manager. A negative weight is treated as zero.
func NewManager(weight float64) *Manager {
	if weight < 0 {
		weight = 0
	}
	return &Manager{weight: weight}
}

// Weight returns the configured access weight.
func (m *Manager) Weight() float64 {
	return m.weight
}

// Score computes the retention score of e. Lower scores are evicted first.
func (m *Manager) Score(e *models.ModelEntry) float64 {
	seconds := float64(e.LastAccessedAt.UnixMilli()) / 1000
	return seconds + float64(e.AccessCount)*m.weight
}

// Rank orders candidates by ascending score, ties by key. The input slice
// is not modified.
func (m *Manager) Rank(candidates []*models.ModelEntry) []*models.ModelEntry {
	ranked := make([]*models.ModelEntry, len(candidates))
	copy(ranked, candidates)

	scores := make(map[*models.ModelEntry]float64, len(ranked))
	for _, e := range ranked {
		scores[e] = m.Score(e)
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		si, sj := scores[ranked[i]], scores[ranked[j]]
		if si != sj {
			return si < sj
		}
		return ranked[i].Key < ranked[j].Key
	})
	return ranked
}

// Select walks the ranked candidates until at least need bytes are freed.
// Entries keyed protect are never chosen; pass the key being written so a
// replacement cannot evict itself.
func (m *Manager) Select(candidates []*models.ModelEntry, need int64, protect string) Plan {
	var plan Plan
	if need <= 0 {
		return plan
	}

	for _, e := range m.Rank(candidates) {
		if plan.Freed >= need {
			break
		}
		if e.Key == protect {
			continue
		}
		plan.Victims = append(plan.Victims, e)
		plan.Freed += e.SizeBytes
	}

	if plan.Freed < need {
		plan.Shortfall = need - plan.Freed
	}
	return plan
}

// Need returns how many bytes must be freed before writing size bytes over
// an existing entry of oldSize when total bytes are stored under limit.
func Need(total, oldSize, size, limit int64) int64 {
	over := total - oldSize + size - limit
	if over < 0 {
		return 0
	}
	return over
}
