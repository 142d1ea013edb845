package pipeline

import "fmt"

// Stage identifies one step of the per-animal pipeline.
type Stage string

// Pipeline stages in their fixed order. Each stage is valid only after its
// predecessor completed for the same animal.
const (
	StageClear                Stage = "clear"
	StageImportOntology       Stage = "import_ontology"
	StageImportDetections     Stage = "import_detections"
	StageComputeMeasurements  Stage = "compute_measurements"
	StageComputeCoordinates   Stage = "compute_coordinates"
	StageAssignHemisphere     Stage = "assign_hemisphere"
	StageComputeRegionMetrics Stage = "compute_region_metrics"
	StageExport               Stage = "export"
)

var stageOrder = []Stage{
	StageClear,
	StageImportOntology,
	StageImportDetections,
	StageComputeMeasurements,
	StageComputeCoordinates,
	StageAssignHemisphere,
	StageComputeRegionMetrics,
	StageExport,
}

// stageMachine enforces the fixed stage order for one animal.
type stageMachine struct {
	next int
}

func (m *stageMachine) enter(stage Stage) error {
	if m.next >= len(stageOrder) {
		return fmt.Errorf("stage %s after pipeline completion", stage)
	}
	if stageOrder[m.next] != stage {
		return fmt.Errorf("stage %s out of order, expected %s", stage, stageOrder[m.next])
	}
	m.next++
	return nil
}

func (m *stageMachine) done() bool {
	return m.next == len(stageOrder)
}
