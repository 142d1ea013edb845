// Package export materializes stored quantification results into columnar
// artifacts. Exports run asynchronously on a single worker so long cohort
// dumps never block the pipeline.
package export

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"histoquant/pkg/domain"
)

// Format identifies an artifact encoding.
type Format string

// Supported artifact formats.
const (
	FormatJSON Format = "json"
	FormatCSV  Format = "csv"
)

// Table identifies which stored result table an export reads.
type Table string

// Exportable result tables.
const (
	// TableAnimalMetrics dumps one animal's per-region metric rows.
	TableAnimalMetrics Table = "animal_metrics"
	// TableAggregated dumps a cohort's cross-animal summary rows.
	TableAggregated Table = "aggregated"
)

// Status describes the lifecycle stage of an export request.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Artifact captures a stored export artifact.
type Artifact struct {
	ID          string         `json:"id"`
	Format      Format         `json:"format"`
	ContentType string         `json:"content_type"`
	SizeBytes   int64          `json:"size_bytes"`
	URL         string         `json:"url"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// Record tracks an export request and its resulting artifacts.
type Record struct {
	ID          string     `json:"id"`
	Table       Table      `json:"table"`
	Subject     string     `json:"subject"`
	Formats     []Format   `json:"formats"`
	Status      Status     `json:"status"`
	Error       string     `json:"error,omitempty"`
	Artifacts   []Artifact `json:"artifacts,omitempty"`
	RequestedBy string     `json:"requested_by"`
	Reason      string     `json:"reason,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Input represents an enqueue request for the worker. Subject is the animal
// ID for TableAnimalMetrics and the cohort name for TableAggregated.
type Input struct {
	Table       Table
	Subject     string
	Formats     []Format
	RequestedBy string
	Reason      string
}

// Scheduler queues export requests and exposes status.
type Scheduler interface {
	Enqueue(ctx context.Context, input Input) (Record, error)
	Get(id string) (Record, bool)
}

// ObjectStore persists export artifacts.
type ObjectStore interface {
	// Put stores a new immutable object. Implementations SHOULD fail if key exists.
	Put(ctx context.Context, key string, payload []byte, contentType string, metadata map[string]any) (Artifact, error)
	// Get returns the artifact metadata and full payload bytes.
	Get(ctx context.Context, key string) (Artifact, []byte, error)
	// Delete removes the object; returns true if it existed. Idempotent.
	Delete(ctx context.Context, key string) (bool, error)
	// List returns artifacts whose keys start with the provided prefix. Empty prefix lists all.
	List(ctx context.Context, prefix string) ([]Artifact, error)
}

// AuditLogger records export audit entries.
type AuditLogger interface {
	Record(ctx context.Context, entry AuditEntry)
}

// AuditEntry captures audit trail metadata for exports.
type AuditEntry struct {
	ID         string         `json:"id"`
	Action     string         `json:"action"`
	Actor      string         `json:"actor"`
	Table      Table          `json:"table"`
	Subject    string         `json:"subject"`
	Status     Status         `json:"status"`
	Reason     string         `json:"reason,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}

// Worker executes result exports asynchronously.
type Worker struct {
	results domain.ResultStore
	objects ObjectStore
	audit   AuditLogger

	queue chan task
	mu    sync.RWMutex
	jobs  map[string]*Record

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type task struct {
	id    string
	input Input
}

type rendered struct {
	Artifact Artifact
	Payload  []byte
}

// tableRows is a materialization-ready view of one result table.
type tableRows struct {
	Columns []string
	Rows    [][]string
}

// NewWorker constructs an export worker over a result store.
func NewWorker(results domain.ResultStore, objects ObjectStore, audit AuditLogger) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		results: results,
		objects: objects,
		audit:   audit,
		queue:   make(chan task, 32),
		jobs:    make(map[string]*Record),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start begins processing export requests.
func (w *Worker) Start() {
	w.wg.Add(1)
	go w.loop()
}

// Stop signals the worker to halt and waits for completion.
func (w *Worker) Stop(ctx context.Context) error {
	w.cancel()
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Worker) loop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.ctx.Done():
			return
		case t := <-w.queue:
			w.process(t)
		}
	}
}

// Enqueue schedules an export job and returns the queued record.
func (w *Worker) Enqueue(ctx context.Context, input Input) (Record, error) {
	if w.results == nil {
		return Record{}, fmt.Errorf("result store not configured")
	}
	switch input.Table {
	case TableAnimalMetrics, TableAggregated:
	default:
		return Record{}, fmt.Errorf("unknown export table %q", input.Table)
	}
	if strings.TrimSpace(input.Subject) == "" {
		return Record{}, fmt.Errorf("export subject required")
	}

	formats := input.Formats
	if len(formats) == 0 {
		formats = []Format{FormatJSON, FormatCSV}
	}
	uniq := make([]Format, 0, len(formats))
	seen := make(map[Format]struct{})
	for _, format := range formats {
		if _, duplicate := seen[format]; duplicate {
			continue
		}
		switch format {
		case FormatJSON, FormatCSV:
		default:
			return Record{}, fmt.Errorf("unsupported export format %s", format)
		}
		uniq = append(uniq, format)
		seen[format] = struct{}{}
	}

	id := newID()
	now := time.Now().UTC()
	record := Record{
		ID:          id,
		Table:       input.Table,
		Subject:     input.Subject,
		Formats:     uniq,
		Status:      StatusQueued,
		RequestedBy: input.RequestedBy,
		Reason:      input.Reason,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	w.mu.Lock()
	w.jobs[id] = &record
	queued := record.copy()
	w.mu.Unlock()

	if w.audit != nil {
		w.audit.Record(ctx, AuditEntry{
			ID:         newID(),
			Action:     "result_export",
			Actor:      input.RequestedBy,
			Table:      input.Table,
			Subject:    input.Subject,
			Status:     StatusQueued,
			Reason:     input.Reason,
			OccurredAt: now,
		})
	}

	select {
	case w.queue <- task{id: id, input: input}:
	default:
		return Record{}, fmt.Errorf("export queue full")
	}
	return queued, nil
}

// Get returns a snapshot of the export record.
func (w *Worker) Get(id string) (Record, bool) {
	w.mu.RLock()
	record, ok := w.jobs[id]
	if !ok {
		w.mu.RUnlock()
		return Record{}, false
	}
	snapshot := record.copy()
	w.mu.RUnlock()
	return snapshot, true
}

func (w *Worker) process(t task) {
	record, ok := w.Get(t.id)
	if !ok {
		return
	}

	w.updateStatus(t.id, StatusRunning, "")

	rows, err := w.load(t.input)
	if err != nil {
		w.fail(t.id, fmt.Sprintf("load %s: %v", t.input.Table, err))
		return
	}

	artifacts := make([]Artifact, 0, len(record.Formats))
	for _, format := range record.Formats {
		out, err := materialize(format, t.input, rows)
		if err != nil {
			w.fail(t.id, err.Error())
			return
		}
		if w.objects != nil {
			stored, err := w.objects.Put(w.ctx, out.Artifact.ID, out.Payload, out.Artifact.ContentType, out.Artifact.Metadata)
			if err != nil {
				w.fail(t.id, fmt.Sprintf("store artifact: %v", err))
				return
			}
			stored.Format = out.Artifact.Format
			if stored.ContentType == "" {
				stored.ContentType = out.Artifact.ContentType
			}
			if stored.SizeBytes == 0 {
				stored.SizeBytes = out.Artifact.SizeBytes
			}
			if stored.CreatedAt.IsZero() {
				stored.CreatedAt = out.Artifact.CreatedAt
			}
			stored.Metadata = mergeMetadata(out.Artifact.Metadata, stored.Metadata)
			artifacts = append(artifacts, stored)
		} else {
			artifacts = append(artifacts, out.Artifact)
		}
	}

	w.complete(t.id, artifacts)
}

func (w *Worker) load(input Input) (tableRows, error) {
	switch input.Table {
	case TableAnimalMetrics:
		records, err := w.results.ListMetrics(w.ctx, input.Subject)
		if err != nil {
			return tableRows{}, err
		}
		rows := tableRows{Columns: []string{"region", "hemisphere", "channel", "metric", "value"}}
		for _, record := range records {
			rows.Rows = append(rows.Rows, []string{
				record.Region,
				string(record.Hemisphere),
				record.Channel,
				record.Metric,
				record.Value.String(),
			})
		}
		return rows, nil
	case TableAggregated:
		records, err := w.results.ListAggregated(w.ctx, input.Subject)
		if err != nil {
			return tableRows{}, err
		}
		rows := tableRows{Columns: []string{"region", "hemisphere", "channel", "metric", "mean", "sem", "n_animals"}}
		for _, record := range records {
			rows.Rows = append(rows.Rows, []string{
				record.Region,
				string(record.Hemisphere),
				record.Channel,
				record.Metric,
				record.Mean.String(),
				record.SEM.String(),
				strconv.Itoa(record.NAnimals),
			})
		}
		return rows, nil
	default:
		return tableRows{}, fmt.Errorf("unknown export table %q", input.Table)
	}
}

func (w *Worker) updateStatus(id string, status Status, message string) {
	now := time.Now().UTC()
	w.mu.Lock()
	if record, ok := w.jobs[id]; ok {
		record.Status = status
		record.Error = message
		record.UpdatedAt = now
	}
	w.mu.Unlock()
	w.auditStatus(id, status, map[string]any{"note": message})
}

func (w *Worker) complete(id string, artifacts []Artifact) {
	now := time.Now().UTC()
	w.mu.Lock()
	if record, ok := w.jobs[id]; ok {
		record.Status = StatusSucceeded
		record.Error = ""
		record.Artifacts = artifacts
		record.UpdatedAt = now
		record.CompletedAt = &now
	}
	w.mu.Unlock()
	w.auditStatus(id, StatusSucceeded, nil)
}

func (w *Worker) fail(id, reason string) {
	now := time.Now().UTC()
	w.mu.Lock()
	if record, ok := w.jobs[id]; ok {
		record.Status = StatusFailed
		record.Error = reason
		record.UpdatedAt = now
		record.CompletedAt = &now
	}
	w.mu.Unlock()
	w.auditStatus(id, StatusFailed, map[string]any{"error": reason})
}

func (w *Worker) auditStatus(id string, status Status, metadata map[string]any) {
	if w.audit == nil {
		return
	}
	w.mu.RLock()
	var actor, subject string
	var table Table
	if record, ok := w.jobs[id]; ok {
		actor = record.RequestedBy
		table = record.Table
		subject = record.Subject
	}
	w.mu.RUnlock()
	w.audit.Record(w.ctx, AuditEntry{
		ID:         newID(),
		Action:     "result_export",
		Actor:      actor,
		Table:      table,
		Subject:    subject,
		Status:     status,
		Metadata:   metadata,
		OccurredAt: time.Now().UTC(),
	})
}

func materialize(format Format, input Input, rows tableRows) (rendered, error) {
	switch format {
	case FormatJSON:
		objects := make([]map[string]string, 0, len(rows.Rows))
		for _, row := range rows.Rows {
			object := make(map[string]string, len(rows.Columns))
			for i, column := range rows.Columns {
				object[column] = row[i]
			}
			objects = append(objects, object)
		}
		payload, err := json.Marshal(map[string]any{
			"table":   input.Table,
			"subject": input.Subject,
			"rows":    objects,
		})
		if err != nil {
			return rendered{}, fmt.Errorf("marshal json: %w", err)
		}
		return rendered{
			Artifact: Artifact{
				ID:          artifactKey(input, FormatJSON),
				Format:      FormatJSON,
				ContentType: "application/json",
				SizeBytes:   int64(len(payload)),
				Metadata:    map[string]any{"rows": len(rows.Rows)},
				CreatedAt:   time.Now().UTC(),
			},
			Payload: payload,
		}, nil
	case FormatCSV:
		buf := &bytes.Buffer{}
		writer := csv.NewWriter(buf)
		if err := writer.Write(rows.Columns); err != nil {
			return rendered{}, err
		}
		for _, row := range rows.Rows {
			if err := writer.Write(row); err != nil {
				return rendered{}, err
			}
		}
		writer.Flush()
		if err := writer.Error(); err != nil {
			return rendered{}, err
		}
		payload := buf.Bytes()
		return rendered{
			Artifact: Artifact{
				ID:          artifactKey(input, FormatCSV),
				Format:      FormatCSV,
				ContentType: "text/csv",
				SizeBytes:   int64(len(payload)),
				Metadata:    map[string]any{"rows": len(rows.Rows)},
				CreatedAt:   time.Now().UTC(),
			},
			Payload: payload,
		}, nil
	default:
		return rendered{}, fmt.Errorf("unsupported export format %s", format)
	}
}

func mergeMetadata(base map[string]any, extra map[string]any) map[string]any {
	if len(base) == 0 && len(extra) == 0 {
		return nil
	}
	out := make(map[string]any, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}

func (r Record) copy() Record {
	dup := r
	dup.Formats = append([]Format(nil), r.Formats...)
	if len(r.Artifacts) > 0 {
		dup.Artifacts = append([]Artifact(nil), r.Artifacts...)
	}
	return dup
}

// artifactKey builds the object key for one rendered artifact. The random
// suffix keeps keys unique under create-only object stores.
func artifactKey(input Input, format Format) string {
	return fmt.Sprintf("%s/%s-%s.%s", input.Table, input.Subject, newID()[:8], format)
}

func newID() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(err)
	}
	return fmt.Sprintf("%x", b[:])
}
