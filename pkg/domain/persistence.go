package domain

import "context"

// ResultStore is a minimal abstraction over durable result backends. Rows
// are append-only; the engine never updates a stored record.
type ResultStore interface {
	AppendMetrics(ctx context.Context, animalID string, records []MetricRecord) error
	AppendDistributions(ctx context.Context, animalID string, bins []DistributionBin) error
	AppendAggregated(ctx context.Context, cohort string, records []AggregatedRecord) error
	ListMetrics(ctx context.Context, animalID string) ([]MetricRecord, error)
	ListAggregated(ctx context.Context, cohort string) ([]AggregatedRecord, error)
	Close() error
}
