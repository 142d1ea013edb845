package export

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"histoquant/internal/infra/persistence/memory"
	"histoquant/pkg/domain"
)

func seededStore(t *testing.T) *memory.Store {
	t.Helper()
	store := memory.NewStore()
	ctx := context.Background()
	if err := store.AppendMetrics(ctx, "animal1", []domain.MetricRecord{{
		MetricKey: domain.MetricKey{Region: "R1", Hemisphere: domain.HemisphereLeft, Channel: "cy5", Metric: "raw"},
		Value:     domain.Def(4),
	}, {
		MetricKey: domain.MetricKey{Region: "R1", Hemisphere: domain.HemisphereLeft, Channel: "cy5", Metric: "density_um2"},
		Value:     domain.Undef(),
	}}); err != nil {
		t.Fatalf("seed metrics: %v", err)
	}
	if err := store.AppendAggregated(ctx, "batch1", []domain.AggregatedRecord{{
		MetricKey: domain.MetricKey{Region: "R1", Hemisphere: domain.HemisphereLeft, Channel: "cy5", Metric: "raw"},
		Mean:      domain.Def(4),
		NAnimals:  1,
	}}); err != nil {
		t.Fatalf("seed aggregated: %v", err)
	}
	return store
}

func waitForStatus(t *testing.T, w *Worker, id string, want Status) Record {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		record, ok := w.Get(id)
		if !ok {
			t.Fatalf("export %s disappeared", id)
		}
		if record.Status == want {
			return record
		}
		if record.Status == StatusFailed && want != StatusFailed {
			t.Fatalf("export failed: %s", record.Error)
		}
		time.Sleep(5 * time.Millisecond)
	}
	record, _ := w.Get(id)
	t.Fatalf("export %s stuck in %s, want %s", id, record.Status, want)
	return Record{}
}

func TestWorkerExportsAnimalMetrics(t *testing.T) {
	objects := NewMemoryObjectStore()
	audit := &MemoryAuditLog{}
	worker := NewWorker(seededStore(t), objects, audit)
	worker.Start()
	t.Cleanup(func() { _ = worker.Stop(context.Background()) })

	queued, err := worker.Enqueue(context.Background(), Input{
		Table:       TableAnimalMetrics,
		Subject:     "animal1",
		RequestedBy: "analyst",
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if queued.Status != StatusQueued {
		t.Fatalf("status = %s, want queued", queued.Status)
	}

	record := waitForStatus(t, worker, queued.ID, StatusSucceeded)
	if len(record.Artifacts) != 2 {
		t.Fatalf("artifacts = %d, want json and csv", len(record.Artifacts))
	}

	var csvArtifact Artifact
	for _, artifact := range record.Artifacts {
		if artifact.Format == FormatCSV {
			csvArtifact = artifact
		}
	}
	if csvArtifact.ID == "" {
		t.Fatal("csv artifact missing")
	}
	_, payload, err := objects.Get(context.Background(), csvArtifact.ID)
	if err != nil {
		t.Fatalf("get artifact: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(payload)), "\n")
	if lines[0] != "region,hemisphere,channel,metric,value" {
		t.Fatalf("header = %q", lines[0])
	}
	if len(lines) != 3 {
		t.Fatalf("rows = %d, want 2 data rows", len(lines)-1)
	}
	var sawEmptyValue bool
	for _, line := range lines[1:] {
		if strings.HasSuffix(line, "density_um2,") {
			sawEmptyValue = true
		}
	}
	if !sawEmptyValue {
		t.Fatalf("undefined metric not rendered as empty cell: %v", lines)
	}

	entries := audit.Entries()
	if len(entries) == 0 {
		t.Fatal("no audit entries recorded")
	}
	last := entries[len(entries)-1]
	if last.Status != StatusSucceeded || last.Table != TableAnimalMetrics {
		t.Fatalf("last audit entry = %+v", last)
	}
}

func TestWorkerExportsAggregatedJSON(t *testing.T) {
	objects := NewMemoryObjectStore()
	worker := NewWorker(seededStore(t), objects, nil)
	worker.Start()
	t.Cleanup(func() { _ = worker.Stop(context.Background()) })

	queued, err := worker.Enqueue(context.Background(), Input{
		Table:   TableAggregated,
		Subject: "batch1",
		Formats: []Format{FormatJSON},
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	record := waitForStatus(t, worker, queued.ID, StatusSucceeded)
	if len(record.Artifacts) != 1 || record.Artifacts[0].Format != FormatJSON {
		t.Fatalf("artifacts = %+v, want one json artifact", record.Artifacts)
	}
	_, payload, err := objects.Get(context.Background(), record.Artifacts[0].ID)
	if err != nil {
		t.Fatalf("get artifact: %v", err)
	}
	body := string(payload)
	for _, want := range []string{`"table":"aggregated"`, `"subject":"batch1"`, `"n_animals":"1"`} {
		if !strings.Contains(body, want) {
			t.Fatalf("payload %s missing %s", body, want)
		}
	}
}

func TestEnqueueValidation(t *testing.T) {
	worker := NewWorker(seededStore(t), nil, nil)

	if _, err := worker.Enqueue(context.Background(), Input{Table: "unknown", Subject: "x"}); err == nil {
		t.Fatal("expected error for unknown table")
	}
	if _, err := worker.Enqueue(context.Background(), Input{Table: TableAggregated, Subject: "  "}); err == nil {
		t.Fatal("expected error for missing subject")
	}
	if _, err := worker.Enqueue(context.Background(), Input{
		Table:   TableAggregated,
		Subject: "batch1",
		Formats: []Format{"parquet"},
	}); err == nil {
		t.Fatal("expected error for unsupported format")
	}
}

type failingResults struct {
	domain.ResultStore
}

func (failingResults) ListMetrics(context.Context, string) ([]domain.MetricRecord, error) {
	return nil, errors.New("backend offline")
}

func TestWorkerRecordsLoadFailure(t *testing.T) {
	worker := NewWorker(failingResults{}, nil, nil)
	worker.Start()
	t.Cleanup(func() { _ = worker.Stop(context.Background()) })

	queued, err := worker.Enqueue(context.Background(), Input{Table: TableAnimalMetrics, Subject: "animal1"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	record := waitForStatus(t, worker, queued.ID, StatusFailed)
	if !strings.Contains(record.Error, "backend offline") {
		t.Fatalf("error = %q, want the load failure", record.Error)
	}
	if record.CompletedAt == nil {
		t.Fatal("failed export has no completion timestamp")
	}
}

func TestStopHonorsContext(t *testing.T) {
	worker := NewWorker(memory.NewStore(), nil, nil)
	worker.Start()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := worker.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
}
