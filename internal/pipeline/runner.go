// Package pipeline orchestrates the per-animal quantification pipeline:
// each animal runs the fixed stage sequence on its own worker, the
// cross-animal aggregator joins once every animal completed or failed.
package pipeline

import (
	"context"
	"fmt"
	"io"
	"math"
	"sync"
	"time"

	"histoquant/internal/aggregate"
	"histoquant/internal/classify"
	"histoquant/internal/config"
	"histoquant/internal/distribution"
	"histoquant/internal/fiberstream"
	"histoquant/internal/metrics"
	"histoquant/internal/ontology"
	"histoquant/pkg/domain"
)

// Animal is one animal's raw tables, delivered by the upstream imaging
// collaborators.
type Animal struct {
	ID          string
	Annotations []domain.AnnotationRecord
	Detections  []domain.Detection
}

// Source loads one animal's tables. Implementations wrap whatever on-disk
// or remote layout the acquisition pipeline produced.
type Source interface {
	Load(ctx context.Context, animalID string) (*Animal, error)
}

// FiberSource optionally supplies the fiber-coordinate payload for an
// animal. Sources without fiber exports simply do not implement it.
type FiberSource interface {
	Fibers(ctx context.Context, animalID string) (io.ReadCloser, error)
}

// Runner executes the quantification pipeline for a cohort of animals.
// Configuration and the resolved ontology are immutable and shared across
// workers without locking.
type Runner struct {
	cfg      *config.Config
	onto     *ontology.ResolvedOntology
	source   Source
	store    domain.ResultStore
	keywords classify.Keywords
	info     map[string]config.AnimalInfo
	cohort   string
	workers  int
	stride   int
	log      Logger
	recorder MetricsRecorder
	tracer   Tracer
	clock    func() time.Time
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger installs a structured logger.
func WithLogger(log Logger) Option {
	return func(r *Runner) {
		if log != nil {
			r.log = log
		}
	}
}

// WithClock overrides the time source used for stage timing.
func WithClock(clock func() time.Time) Option {
	return func(r *Runner) {
		if clock != nil {
			r.clock = clock
		}
	}
}

// WithWorkers bounds the number of animals processed concurrently.
func WithWorkers(n int) Option {
	return func(r *Runner) {
		if n > 0 {
			r.workers = n
		}
	}
}

// WithMetrics installs a stage-outcome recorder.
func WithMetrics(recorder MetricsRecorder) Option {
	return func(r *Runner) { r.recorder = recorder }
}

// WithTracer installs a stage tracer.
func WithTracer(tracer Tracer) Option {
	return func(r *Runner) { r.tracer = tracer }
}

// WithStore appends per-animal and aggregated results to a durable store.
func WithStore(store domain.ResultStore) Option {
	return func(r *Runner) { r.store = store }
}

// WithKeywords overrides the segmentation-tag vocabularies.
func WithKeywords(keywords classify.Keywords) Option {
	return func(r *Runner) { r.keywords = keywords }
}

// WithAnimalInfo supplies the optional per-animal info collaborator.
func WithAnimalInfo(info map[string]config.AnimalInfo) Option {
	return func(r *Runner) { r.info = info }
}

// WithCohort names the cohort used for aggregated result rows.
func WithCohort(name string) Option {
	return func(r *Runner) {
		if name != "" {
			r.cohort = name
		}
	}
}

// WithFiberStride sets the detection sampling stride for fiber payloads.
func WithFiberStride(stride int) Option {
	return func(r *Runner) {
		if stride > 0 {
			r.stride = stride
		}
	}
}

// New constructs a Runner over a validated config and resolved ontology.
func New(cfg *config.Config, onto *ontology.ResolvedOntology, source Source, opts ...Option) (*Runner, error) {
	if cfg == nil {
		return nil, domain.ConfigError{Option: "config", Reason: "missing"}
	}
	if onto == nil {
		return nil, domain.ConfigError{Option: "atlas", Reason: "ontology not resolved"}
	}
	if source == nil {
		return nil, domain.ConfigError{Option: "source", Reason: "missing"}
	}
	r := &Runner{
		cfg:      cfg,
		onto:     onto,
		source:   source,
		keywords: classify.DefaultKeywords(),
		cohort:   "cohort",
		workers:  4,
		stride:   10,
		log:      noopLogger{},
		clock:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Run processes the cohort. Animals run on independent workers; the
// aggregator is the single join point and consumes only completed animals.
// Run fails when the configuration is unusable or when no animal completes.
func (r *Runner) Run(ctx context.Context, animalIDs []string) (*Report, error) {
	if len(animalIDs) == 0 {
		return nil, domain.ConfigError{Option: "animals", Reason: "empty cohort"}
	}

	report := &Report{Animals: make(map[string]AnimalResult, len(animalIDs))}

	workers := r.workers
	if workers > len(animalIDs) {
		workers = len(animalIDs)
	}
	queue := make(chan string)
	results := make(chan AnimalResult)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for id := range queue {
				results <- r.runAnimal(ctx, id)
			}
		}()
	}
	go func() {
		defer close(queue)
		for _, id := range animalIDs {
			select {
			case queue <- id:
			case <-ctx.Done():
				return
			}
		}
	}()
	go func() {
		wg.Wait()
		close(results)
	}()

	// Join barrier: every animal resolves to a success or a recorded
	// failure before aggregation starts.
	for result := range results {
		if result.Completed() {
			r.log.Info("animal completed", "animal", result.AnimalID, "metrics", len(result.Metrics))
		} else {
			r.log.Warn("animal failed", "animal", result.AnimalID, "stage", string(result.FailedStage), "error", result.Err.Error())
		}
		report.Animals[result.AnimalID] = result
	}
	if err := ctx.Err(); err != nil {
		return report, err
	}

	perAnimalMetrics := make(map[string][]domain.MetricRecord)
	perAnimalBins := make(map[string][]domain.DistributionBin)
	for id, result := range report.Animals {
		if !result.Completed() {
			continue
		}
		perAnimalMetrics[id] = result.Metrics
		perAnimalBins[id] = result.Distributions
	}
	if len(perAnimalMetrics) == 0 {
		return report, fmt.Errorf("no animal completed (%d failed)", len(report.Animals))
	}
	report.Aggregated = aggregate.Metrics(perAnimalMetrics)
	report.AggregatedDistributions = aggregate.Distributions(perAnimalBins)

	if r.store != nil {
		if err := r.store.AppendAggregated(ctx, r.cohort, report.Aggregated); err != nil {
			return report, fmt.Errorf("store aggregated results: %w", err)
		}
	}
	return report, nil
}

// runAnimal drives the stage machine for one animal. Any stage error
// aborts this animal only.
func (r *Runner) runAnimal(ctx context.Context, animalID string) AnimalResult {
	result := AnimalResult{AnimalID: animalID}
	machine := &stageMachine{}

	var animal *Animal
	var kind domain.ObjectKind

	stages := []struct {
		stage Stage
		run   func(context.Context) error
	}{
		{StageClear, func(context.Context) error {
			result.Metrics = nil
			result.Distributions = nil
			result.Heatmap = nil
			return nil
		}},
		{StageImportOntology, func(context.Context) error {
			if len(r.onto.Regions()) == 0 {
				return domain.OntologyConflictError{Rule: "tree", Reason: "resolved ontology is empty"}
			}
			return nil
		}},
		{StageImportDetections, func(ctx context.Context) error {
			loaded, err := r.source.Load(ctx, animalID)
			if err != nil {
				return err
			}
			if loaded == nil {
				return fmt.Errorf("source returned no tables for animal %s", animalID)
			}
			animal = loaded
			return nil
		}},
		{StageComputeMeasurements, func(context.Context) error {
			resolved, err := r.keywords.KindOf(r.cfg.SegmentationTag)
			if err != nil {
				return err
			}
			kind = resolved
			for _, record := range animal.Annotations {
				if record.RegionAcronym == "" {
					return domain.SchemaError{Table: "annotations", Column: "region_acronym"}
				}
				if record.Measurements == nil {
					return domain.SchemaError{Table: "annotations", Column: "measurements"}
				}
			}
			return nil
		}},
		{StageComputeCoordinates, func(ctx context.Context) error {
			if kind == domain.KindFiber {
				if fibers, ok := r.source.(FiberSource); ok {
					if err := r.streamFibers(ctx, fibers, animal); err != nil {
						return err
					}
				}
			}
			for _, detection := range animal.Detections {
				for _, coordinate := range []float64{detection.AtlasX, detection.AtlasY, detection.AtlasZ} {
					if math.IsNaN(coordinate) || math.IsInf(coordinate, 0) {
						return domain.SchemaError{Table: "detections", Column: "atlas_xyz"}
					}
				}
			}
			return nil
		}},
		{StageAssignHemisphere, func(context.Context) error {
			for _, detection := range animal.Detections {
				if !detection.Hemisphere.Valid() {
					return domain.SchemaError{Table: "detections", Column: "hemisphere"}
				}
			}
			for _, record := range animal.Annotations {
				if !record.Hemisphere.Valid() {
					return domain.SchemaError{Table: "annotations", Column: "hemisphere"}
				}
			}
			return nil
		}},
		{StageComputeRegionMetrics, func(context.Context) error {
			selection := r.selection(animalID)
			computed, err := metrics.Compute(animalID, animal.Annotations, r.onto, selection)
			if err != nil {
				return err
			}
			// Stored rows carry the configured display names.
			for i := range computed {
				computed[i].Channel = r.cfg.ChannelName(computed[i].Channel)
			}
			result.Metrics = computed

			bins, heatmap, err := distribution.Bin(animal.Detections, r.binSpec())
			if err != nil {
				return err
			}
			if r.cfg.Distributions.Hue != distribution.HueHemisphere {
				for i := range bins {
					bins[i].Hue = r.cfg.ChannelName(bins[i].Hue)
				}
			}
			result.Distributions = bins
			result.Heatmap = heatmap
			return nil
		}},
		{StageExport, func(ctx context.Context) error {
			if r.store == nil {
				return nil
			}
			if err := r.store.AppendMetrics(ctx, animalID, result.Metrics); err != nil {
				return err
			}
			return r.store.AppendDistributions(ctx, animalID, result.Distributions)
		}},
	}

	for _, step := range stages {
		if err := machine.enter(step.stage); err != nil {
			result.FailedStage = step.stage
			result.Err = err
			return result
		}
		if err := r.observeStage(ctx, animalID, step.stage, step.run); err != nil {
			result.FailedStage = step.stage
			result.Err = err
			return result
		}
	}
	if !machine.done() {
		result.FailedStage = stageOrder[len(stageOrder)-1]
		result.Err = fmt.Errorf("pipeline ended before %s", stageOrder[len(stageOrder)-1])
	}
	return result
}

func (r *Runner) observeStage(ctx context.Context, animalID string, stage Stage, run func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	operation := string(stage)
	spanCtx := ctx
	var span TraceSpan
	if r.tracer != nil {
		spanCtx, span = r.tracer.Start(ctx, operation)
	}
	started := r.clock()
	err := run(spanCtx)
	if span != nil {
		span.End(err)
	}
	if r.recorder != nil {
		r.recorder.Observe(ctx, operation, err == nil, r.clock().Sub(started))
	}
	r.log.Debug("stage finished", "animal", animalID, "stage", operation, "ok", err == nil)
	return err
}

// streamFibers samples detections from the fiber payload without
// materializing point clouds.
func (r *Runner) streamFibers(ctx context.Context, fibers FiberSource, animal *Animal) error {
	payload, err := fibers.Fibers(ctx, animal.ID)
	if err != nil {
		return err
	}
	defer func() { _ = payload.Close() }()

	reader := fiberstream.NewReader(payload, r.stride)
	objects, points := 0, 0
	for {
		object, err := reader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		animal.Detections = append(animal.Detections, object.Detections...)
		objects++
		points += object.Points
	}
	r.log.Debug("fiber payload streamed", "animal", animal.ID, "objects", objects, "points", points)
	return nil
}

// selection maps the regions config block onto a metric selection for one
// animal.
func (r *Runner) selection(animalID string) metrics.Selection {
	regions := r.cfg.Regions
	return metrics.Selection{
		BaseMeasurement:       regions.BaseMeasurement,
		Hue:                   regions.Hue,
		HueFilter:             regions.HueFilter,
		NormalizeStarterCells: regions.NormalizeStarterCells,
		StarterCells:          config.StarterCells(r.info, animalID),
	}
}

// binSpec maps the distributions config block onto a binner spec.
func (r *Runner) binSpec() distribution.Spec {
	dist := r.cfg.Distributions
	spec := distribution.Spec{
		Axes: []distribution.AxisSpec{
			{Axis: domain.AxisAP, Min: dist.AP.Lim[0], Max: dist.AP.Lim[1], NBins: dist.AP.NBins},
			{Axis: domain.AxisDV, Min: dist.DV.Lim[0], Max: dist.DV.Lim[1], NBins: dist.DV.NBins},
			{Axis: domain.AxisML, Min: dist.ML.Lim[0], Max: dist.ML.Lim[1], NBins: dist.ML.NBins},
		},
		Hue:        dist.Hue,
		HueFilter:  dist.HueFilter,
		CommonNorm: dist.CommonNorm,
		HueMirror:  r.cfg.Regions.HueMirror,
	}
	if dist.Display.CmapNBins > 0 {
		spec.Heatmap = &distribution.HeatmapSpec{
			AxisX: domain.AxisAP,
			AxisY: domain.AxisML,
			NBins: dist.Display.CmapNBins,
			Lim:   dist.Display.CmapLim,
		}
	}
	return spec
}
