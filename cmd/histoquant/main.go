// Command histoquant runs the region-metrics pipeline for a cohort of
// animals: it loads the quantification config and ontology rule files,
// processes every animal, and stores per-animal and aggregated results.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"histoquant/internal/config"
	"histoquant/internal/export"
	blobfs "histoquant/internal/infra/blob/fs"
	blobs3 "histoquant/internal/infra/blob/s3"
	"histoquant/internal/infra/persistence/memory"
	"histoquant/internal/infra/persistence/postgres"
	"histoquant/internal/infra/persistence/sqlite"
	"histoquant/internal/ontology"
	"histoquant/internal/pipeline"
	"histoquant/pkg/domain"
)

var exitFunc = os.Exit

func main() {
	exitFunc(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	flags := flag.NewFlagSet("histoquant", flag.ContinueOnError)
	flags.SetOutput(stderr)
	var (
		configPath    = flags.String("config", "", "quantification config YAML (required)")
		treePath      = flags.String("tree", "", "atlas region tree JSON (required)")
		blacklistPath = flags.String("blacklist", "", "blacklist rule file (optional)")
		fusionsPath   = flags.String("fusions", "", "fusion rule file (optional)")
		infoPath      = flags.String("info", "", "per-animal info file (optional)")
		dataDir       = flags.String("data", ".", "root directory holding per-animal tables")
		animalsFlag   = flags.String("animals", "", "comma-separated animal IDs (required)")
		cohort        = flags.String("cohort", "cohort", "cohort name for aggregated rows")
		workers       = flags.Int("workers", 4, "animals processed concurrently")
		stride        = flags.Int("stride", 10, "fiber point sampling stride")
		storeKind     = flags.String("store", "memory", "result store driver: memory, sqlite or postgres")
		storeDSN      = flags.String("db", "", "sqlite path or postgres DSN (falls back to HISTOQUANT_DB_DSN)")
		exportKind    = flags.String("export", "", `artifact store for result exports: "fs" or "s3" (env-configured)`)
		exportDir     = flags.String("export-dir", "", "directory for fs export artifacts (implies -export fs)")
		verbose       = flags.Bool("verbose", false, "log per-stage progress")
	)
	if err := flags.Parse(args); err != nil {
		return 2
	}
	if *configPath == "" || *treePath == "" || *animalsFlag == "" {
		fmt.Fprintln(stderr, "histoquant: -config, -tree and -animals are required")
		flags.Usage()
		return 2
	}
	animalIDs := splitAnimals(*animalsFlag)
	if len(animalIDs) == 0 {
		fmt.Fprintln(stderr, "histoquant: no animal IDs given")
		return 2
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "histoquant: %v\n", err)
		return 2
	}
	onto, err := loadOntology(*treePath, *blacklistPath, *fusionsPath)
	if err != nil {
		fmt.Fprintf(stderr, "histoquant: %v\n", err)
		return 2
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))

	opts := []pipeline.Option{
		pipeline.WithLogger(log),
		pipeline.WithWorkers(*workers),
		pipeline.WithFiberStride(*stride),
		pipeline.WithCohort(*cohort),
	}
	if *infoPath != "" {
		info, err := config.LoadAnimalInfo(*infoPath)
		if err != nil {
			fmt.Fprintf(stderr, "histoquant: %v\n", err)
			return 2
		}
		opts = append(opts, pipeline.WithAnimalInfo(info))
	}

	store, err := openStore(*storeKind, *storeDSN)
	if err != nil {
		fmt.Fprintf(stderr, "histoquant: %v\n", err)
		return 2
	}
	defer func() { _ = store.Close() }()
	opts = append(opts, pipeline.WithStore(store))

	objects, err := openObjectStore(context.Background(), *exportKind, *exportDir)
	if err != nil {
		fmt.Fprintf(stderr, "histoquant: %v\n", err)
		return 2
	}

	runner, err := pipeline.New(cfg, onto, &dirSource{root: *dataDir}, opts...)
	if err != nil {
		fmt.Fprintf(stderr, "histoquant: %v\n", err)
		return 2
	}

	report, err := runner.Run(context.Background(), animalIDs)
	if report != nil {
		printReport(stdout, report)
	}
	if err != nil {
		fmt.Fprintf(stderr, "histoquant: %v\n", err)
		return 1
	}
	if objects != nil {
		return runExports(stdout, stderr, store, objects, report, *cohort)
	}
	return 0
}

// runExports dumps the stored results for every completed animal plus the
// cohort summary through the async export worker, then waits for the
// artifacts and prints their locations.
func runExports(stdout, stderr io.Writer, results domain.ResultStore, objects export.ObjectStore, report *pipeline.Report, cohort string) int {
	worker := export.NewWorker(results, objects, &export.MemoryAuditLog{})
	worker.Start()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = worker.Stop(ctx)
	}()

	inputs := make([]export.Input, 0, len(report.Completed())+1)
	for _, id := range report.Completed() {
		inputs = append(inputs, export.Input{
			Table:       export.TableAnimalMetrics,
			Subject:     id,
			RequestedBy: "histoquant",
			Reason:      "pipeline run",
		})
	}
	if len(report.Aggregated) > 0 {
		inputs = append(inputs, export.Input{
			Table:       export.TableAggregated,
			Subject:     cohort,
			RequestedBy: "histoquant",
			Reason:      "pipeline run",
		})
	}

	ids := make([]string, 0, len(inputs))
	for _, input := range inputs {
		record, err := worker.Enqueue(context.Background(), input)
		if err != nil {
			fmt.Fprintf(stderr, "histoquant: enqueue export: %v\n", err)
			return 1
		}
		ids = append(ids, record.ID)
	}

	deadline := time.Now().Add(time.Minute)
	for _, id := range ids {
		record, done := awaitExport(worker, id, deadline)
		if !done {
			fmt.Fprintln(stderr, "histoquant: export timed out")
			return 1
		}
		if record.Status != export.StatusSucceeded {
			fmt.Fprintf(stderr, "histoquant: export %s %s failed: %s\n", record.Table, record.Subject, record.Error)
			return 1
		}
		for _, artifact := range record.Artifacts {
			location := artifact.URL
			if location == "" {
				location = artifact.ID
			}
			fmt.Fprintf(stdout, "exported %s %s: %s\n", record.Table, record.Subject, location)
		}
	}
	return 0
}

func awaitExport(worker *export.Worker, id string, deadline time.Time) (export.Record, bool) {
	for time.Now().Before(deadline) {
		record, ok := worker.Get(id)
		if ok && (record.Status == export.StatusSucceeded || record.Status == export.StatusFailed) {
			return record, true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return export.Record{}, false
}

func splitAnimals(raw string) []string {
	var out []string
	for _, id := range strings.Split(raw, ",") {
		if id = strings.TrimSpace(id); id != "" {
			out = append(out, id)
		}
	}
	return out
}

func loadOntology(treePath, blacklistPath, fusionsPath string) (*ontology.ResolvedOntology, error) {
	tree, err := config.LoadRegionTree(treePath)
	if err != nil {
		return nil, err
	}
	var blacklist []domain.BlacklistRule
	if blacklistPath != "" {
		if blacklist, err = config.LoadBlacklist(blacklistPath); err != nil {
			return nil, err
		}
	}
	var fusions []domain.FusionGroup
	if fusionsPath != "" {
		if fusions, err = config.LoadFusions(fusionsPath); err != nil {
			return nil, err
		}
	}
	return ontology.Resolve(tree, blacklist, fusions)
}

func openStore(kind, dsn string) (domain.ResultStore, error) {
	if dsn == "" {
		dsn = os.Getenv("HISTOQUANT_DB_DSN")
	}
	switch kind {
	case "", "memory":
		return memory.NewStore(), nil
	case "sqlite":
		return sqlite.NewStore(dsn)
	case "postgres":
		return postgres.NewStore(dsn)
	default:
		return nil, fmt.Errorf("unknown store driver %q", kind)
	}
}

func openObjectStore(ctx context.Context, kind, dir string) (export.ObjectStore, error) {
	if kind == "" && dir != "" {
		kind = "fs"
	}
	switch kind {
	case "":
		return nil, nil
	case "fs":
		return blobfs.New(dir)
	case "s3":
		return blobs3.OpenFromEnv(ctx)
	default:
		return nil, fmt.Errorf("unknown export store %q", kind)
	}
}

func printReport(w io.Writer, report *pipeline.Report) {
	for _, id := range report.Completed() {
		result := report.Animals[id]
		fmt.Fprintf(w, "%s: %d metrics, %d distribution bins\n", id, len(result.Metrics), len(result.Distributions))
	}
	for _, failure := range report.Failures() {
		fmt.Fprintf(w, "%s: failed at %s: %v\n", failure.AnimalID, failure.Stage, failure.Err)
	}
	fmt.Fprintf(w, "aggregated: %d metric rows, %d distribution rows\n",
		len(report.Aggregated), len(report.AggregatedDistributions))
}

// dirSource loads per-animal tables from <root>/<animal>/annotations.json
// and detections.json, plus an optional fibers.json payload.
type dirSource struct {
	root string
}

func (s *dirSource) Load(_ context.Context, animalID string) (*pipeline.Animal, error) {
	animal := &pipeline.Animal{ID: animalID}
	if err := readJSON(filepath.Join(s.root, animalID, "annotations.json"), &animal.Annotations); err != nil {
		return nil, err
	}
	detectionsPath := filepath.Join(s.root, animalID, "detections.json")
	if _, err := os.Stat(detectionsPath); err == nil {
		if err := readJSON(detectionsPath, &animal.Detections); err != nil {
			return nil, err
		}
	}
	return animal, nil
}

func (s *dirSource) Fibers(_ context.Context, animalID string) (io.ReadCloser, error) {
	return os.Open(filepath.Join(s.root, animalID, "fibers.json"))
}

func readJSON(path string, target any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, target); err != nil {
		return fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return nil
}
