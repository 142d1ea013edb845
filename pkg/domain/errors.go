package domain

import "fmt"

// ConfigError reports a malformed or missing recognized configuration
// option. It is fatal for the whole run and is raised before any animal is
// processed.
type ConfigError struct {
	Option string
	Reason string
}

func (e ConfigError) Error() string {
	return fmt.Sprintf("config option %s: %s", e.Option, e.Reason)
}

// OntologyConflictError reports contradictory blacklist/fusion rules. It
// signals a configuration error, not a data error, and aborts the run
// before any animal is processed.
type OntologyConflictError struct {
	Rule    string // "blacklist" or "fusion"
	Acronym string
	Reason  string
}

func (e OntologyConflictError) Error() string {
	return fmt.Sprintf("ontology %s rule conflict on %q: %s", e.Rule, e.Acronym, e.Reason)
}

// SchemaError reports an input table missing a required column. Fatal for
// the affected animal only.
type SchemaError struct {
	Table  string
	Column string
}

func (e SchemaError) Error() string {
	return fmt.Sprintf("%s table missing required column %q", e.Table, e.Column)
}

// UnknownSegmentationTagError reports a segmentation tag matching neither
// the punctal nor the fiber keyword set. Fatal for the affected animal
// because downstream metric choice depends on the resolved kind.
type UnknownSegmentationTagError struct {
	Tag string
}

func (e UnknownSegmentationTagError) Error() string {
	return fmt.Sprintf("segmentation tag %q matches no known object kind", e.Tag)
}

// MetricComputationError reports a failure to derive metrics for one
// animal, for example a missing starter-cell count when normalization
// requires one. Other animals proceed.
type MetricComputationError struct {
	AnimalID string
	Reason   string
}

func (e MetricComputationError) Error() string {
	return fmt.Sprintf("metrics for animal %s: %s", e.AnimalID, e.Reason)
}
