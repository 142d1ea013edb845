// Package memory provides the in-memory result store. It backs the
// durable drivers, which hydrate from and snapshot to it.
package memory

import (
	"context"
	"sync"

	"histoquant/pkg/domain"
)

var _ domain.ResultStore = (*Store)(nil)

// Snapshot is the serializable full state of a result store.
type Snapshot struct {
	Metrics       map[string][]domain.MetricRecord     `json:"metrics"`
	Distributions map[string][]domain.DistributionBin  `json:"distributions"`
	Aggregated    map[string][]domain.AggregatedRecord `json:"aggregated"`
}

// Store keeps result rows in process memory. Rows are append-only.
type Store struct {
	mu            sync.RWMutex
	metrics       map[string][]domain.MetricRecord
	distributions map[string][]domain.DistributionBin
	aggregated    map[string][]domain.AggregatedRecord
}

// NewStore constructs an empty in-memory result store.
func NewStore() *Store {
	return &Store{
		metrics:       make(map[string][]domain.MetricRecord),
		distributions: make(map[string][]domain.DistributionBin),
		aggregated:    make(map[string][]domain.AggregatedRecord),
	}
}

// AppendMetrics appends per-animal metric rows.
func (s *Store) AppendMetrics(_ context.Context, animalID string, records []domain.MetricRecord) error {
	s.mu.Lock()
	s.metrics[animalID] = append(s.metrics[animalID], records...)
	s.mu.Unlock()
	return nil
}

// AppendDistributions appends per-animal distribution bins.
func (s *Store) AppendDistributions(_ context.Context, animalID string, bins []domain.DistributionBin) error {
	s.mu.Lock()
	s.distributions[animalID] = append(s.distributions[animalID], bins...)
	s.mu.Unlock()
	return nil
}

// AppendAggregated appends cohort-level summary rows.
func (s *Store) AppendAggregated(_ context.Context, cohort string, records []domain.AggregatedRecord) error {
	s.mu.Lock()
	s.aggregated[cohort] = append(s.aggregated[cohort], records...)
	s.mu.Unlock()
	return nil
}

// ListMetrics returns a copy of one animal's metric rows.
func (s *Store) ListMetrics(_ context.Context, animalID string) ([]domain.MetricRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]domain.MetricRecord(nil), s.metrics[animalID]...), nil
}

// ListDistributions returns a copy of one animal's distribution bins.
func (s *Store) ListDistributions(_ context.Context, animalID string) ([]domain.DistributionBin, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]domain.DistributionBin(nil), s.distributions[animalID]...), nil
}

// ListAggregated returns a copy of one cohort's summary rows.
func (s *Store) ListAggregated(_ context.Context, cohort string) ([]domain.AggregatedRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]domain.AggregatedRecord(nil), s.aggregated[cohort]...), nil
}

// Close is a no-op for the in-memory store.
func (s *Store) Close() error { return nil }

// ExportState snapshots the full state for durable drivers.
func (s *Store) ExportState() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snapshot := Snapshot{
		Metrics:       make(map[string][]domain.MetricRecord, len(s.metrics)),
		Distributions: make(map[string][]domain.DistributionBin, len(s.distributions)),
		Aggregated:    make(map[string][]domain.AggregatedRecord, len(s.aggregated)),
	}
	for id, records := range s.metrics {
		snapshot.Metrics[id] = append([]domain.MetricRecord(nil), records...)
	}
	for id, bins := range s.distributions {
		snapshot.Distributions[id] = append([]domain.DistributionBin(nil), bins...)
	}
	for cohort, records := range s.aggregated {
		snapshot.Aggregated[cohort] = append([]domain.AggregatedRecord(nil), records...)
	}
	return snapshot
}

// ImportState replaces the full state from a snapshot.
func (s *Store) ImportState(snapshot Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metrics = make(map[string][]domain.MetricRecord, len(snapshot.Metrics))
	s.distributions = make(map[string][]domain.DistributionBin, len(snapshot.Distributions))
	s.aggregated = make(map[string][]domain.AggregatedRecord, len(snapshot.Aggregated))
	for id, records := range snapshot.Metrics {
		s.metrics[id] = append([]domain.MetricRecord(nil), records...)
	}
	for id, bins := range snapshot.Distributions {
		s.distributions[id] = append([]domain.DistributionBin(nil), bins...)
	}
	for cohort, records := range snapshot.Aggregated {
		s.aggregated[cohort] = append([]domain.AggregatedRecord(nil), records...)
	}
}
