package pipeline

import (
	"sort"

	"histoquant/pkg/domain"
)

// AnimalResult is the outcome of one animal's pipeline.
type AnimalResult struct {
	AnimalID      string
	Metrics       []domain.MetricRecord
	Distributions []domain.DistributionBin
	Heatmap       *domain.Heatmap
	// FailedStage and Err are set when the pipeline aborted; other
	// animals continue independently.
	FailedStage Stage
	Err         error
}

// Completed reports whether the animal ran through every stage.
func (r AnimalResult) Completed() bool {
	return r.Err == nil
}

// Failure describes one aborted animal for the run report.
type Failure struct {
	AnimalID string
	Stage    Stage
	Err      error
}

// Report collects per-animal outcomes and the cross-animal aggregates. The
// run succeeds overall if at least one animal completed.
type Report struct {
	Animals                 map[string]AnimalResult
	Aggregated              []domain.AggregatedRecord
	AggregatedDistributions []domain.AggregatedRecord
}

// Completed lists the animal IDs that ran through every stage, sorted.
func (r *Report) Completed() []string {
	var out []string
	for id, result := range r.Animals {
		if result.Completed() {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// Failures enumerates aborted animals with the stage and cause, sorted by
// animal ID.
func (r *Report) Failures() []Failure {
	var out []Failure
	for id, result := range r.Animals {
		if result.Completed() {
			continue
		}
		out = append(out, Failure{AnimalID: id, Stage: result.FailedStage, Err: result.Err})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AnimalID < out[j].AnimalID })
	return out
}
