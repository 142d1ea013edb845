package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const testConfig = `
object_type: Cells
segmentation_tag: cells
atlas:
  name: allen_mouse_10um
  type: brain
  midline: 5.7
channels:
  names: {cy5: marker}
  colors: {marker: "#d8782a"}
hemispheres:
  names: {Left: Contra., Right: Ipsi.}
  colors: {Contra.: "#006ba4", Ipsi.: "#ff800e"}
distributions:
  ap: {lim: [0, 12], nbins: 6}
  dv: {lim: [0, 8], nbins: 4}
  ml: {lim: [0, 11], nbins: 4}
  hue: channel
  common_norm: true
regions:
  base_measurement: Count
  hue: channel
`

const testTree = `[
  {"id": 1, "acronym": "root", "name": "root"},
  {"id": 2, "acronym": "R1", "name": "region one", "parent_acronym": "root"},
  {"id": 3, "acronym": "R2", "name": "region two", "parent_acronym": "root"}
]`

const testAnnotations = `[
  {"region_acronym": "R1", "hemisphere": "Left", "area_um2": 10,
   "measurements": {"Cells: cy5 Count": 4}},
  {"region_acronym": "R2", "hemisphere": "Left", "area_um2": 10,
   "measurements": {"Cells: cy5 Count": 6}}
]`

const testDetections = `[
  {"atlas_x": 1, "atlas_y": 1, "atlas_z": 1, "hemisphere": "Left",
   "primary_class": "Cells", "derived_class": "cy5"},
  {"atlas_x": 6, "atlas_y": 6, "atlas_z": 6, "hemisphere": "Left",
   "primary_class": "Cells", "derived_class": "cy5"}
]`

func writeFixture(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestRunEndToEnd(t *testing.T) {
	dir := t.TempDir()
	writeFixture(t, filepath.Join(dir, "config.yaml"), testConfig)
	writeFixture(t, filepath.Join(dir, "tree.json"), testTree)
	writeFixture(t, filepath.Join(dir, "data", "animal1", "annotations.json"), testAnnotations)
	writeFixture(t, filepath.Join(dir, "data", "animal1", "detections.json"), testDetections)

	var stdout, stderr bytes.Buffer
	code := run([]string{
		"-config", filepath.Join(dir, "config.yaml"),
		"-tree", filepath.Join(dir, "tree.json"),
		"-data", filepath.Join(dir, "data"),
		"-animals", "animal1",
		"-store", "sqlite",
		"-db", filepath.Join(dir, "results.db"),
	}, &stdout, &stderr)
	if code != 0 {
		t.Fatalf("exit code = %d, stderr: %s", code, stderr.String())
	}
	out := stdout.String()
	if !strings.Contains(out, "animal1:") {
		t.Fatalf("stdout missing per-animal summary: %s", out)
	}
	if !strings.Contains(out, "aggregated:") {
		t.Fatalf("stdout missing aggregated summary: %s", out)
	}
	if _, err := os.Stat(filepath.Join(dir, "results.db")); err != nil {
		t.Fatalf("result database not created: %v", err)
	}
}

func TestRunFailsWhenNoAnimalCompletes(t *testing.T) {
	dir := t.TempDir()
	writeFixture(t, filepath.Join(dir, "config.yaml"), testConfig)
	writeFixture(t, filepath.Join(dir, "tree.json"), testTree)

	var stdout, stderr bytes.Buffer
	code := run([]string{
		"-config", filepath.Join(dir, "config.yaml"),
		"-tree", filepath.Join(dir, "tree.json"),
		"-data", filepath.Join(dir, "data"),
		"-animals", "missing",
	}, &stdout, &stderr)
	if code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}
	if !strings.Contains(stdout.String(), "failed at import_detections") {
		t.Fatalf("stdout missing failure report: %s", stdout.String())
	}
}

func TestRunRequiresFlags(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if code := run(nil, &stdout, &stderr); code != 2 {
		t.Fatalf("exit code = %d, want 2", code)
	}
	if !strings.Contains(stderr.String(), "required") {
		t.Fatalf("stderr missing usage hint: %s", stderr.String())
	}
}

func TestRunRejectsUnknownStore(t *testing.T) {
	dir := t.TempDir()
	writeFixture(t, filepath.Join(dir, "config.yaml"), testConfig)
	writeFixture(t, filepath.Join(dir, "tree.json"), testTree)

	var stdout, stderr bytes.Buffer
	code := run([]string{
		"-config", filepath.Join(dir, "config.yaml"),
		"-tree", filepath.Join(dir, "tree.json"),
		"-animals", "animal1",
		"-store", "etcd",
	}, &stdout, &stderr)
	if code != 2 {
		t.Fatalf("exit code = %d, want 2", code)
	}
	if !strings.Contains(stderr.String(), "unknown store driver") {
		t.Fatalf("stderr = %s", stderr.String())
	}
}

func TestRunExportsArtifacts(t *testing.T) {
	dir := t.TempDir()
	writeFixture(t, filepath.Join(dir, "config.yaml"), testConfig)
	writeFixture(t, filepath.Join(dir, "tree.json"), testTree)
	writeFixture(t, filepath.Join(dir, "data", "animal1", "annotations.json"), testAnnotations)
	writeFixture(t, filepath.Join(dir, "data", "animal1", "detections.json"), testDetections)
	exportDir := filepath.Join(dir, "artifacts")

	var stdout, stderr bytes.Buffer
	code := run([]string{
		"-config", filepath.Join(dir, "config.yaml"),
		"-tree", filepath.Join(dir, "tree.json"),
		"-data", filepath.Join(dir, "data"),
		"-animals", "animal1",
		"-cohort", "batch1",
		"-export-dir", exportDir,
	}, &stdout, &stderr)
	if code != 0 {
		t.Fatalf("exit code = %d, stderr: %s", code, stderr.String())
	}
	out := stdout.String()
	if !strings.Contains(out, "exported animal_metrics animal1:") {
		t.Fatalf("stdout missing animal export: %s", out)
	}
	if !strings.Contains(out, "exported aggregated batch1:") {
		t.Fatalf("stdout missing aggregated export: %s", out)
	}

	csvs, err := filepath.Glob(filepath.Join(exportDir, "animal_metrics", "animal1-*.csv"))
	if err != nil || len(csvs) != 1 {
		t.Fatalf("csv artifacts = %v, %v", csvs, err)
	}
	payload, err := os.ReadFile(csvs[0])
	if err != nil {
		t.Fatalf("read artifact: %v", err)
	}
	if !strings.HasPrefix(string(payload), "region,hemisphere,channel,metric,value") {
		t.Fatalf("unexpected csv header: %s", payload)
	}
	if !strings.Contains(string(payload), ",marker,") {
		t.Fatalf("csv rows missing channel display name: %s", payload)
	}
	jsons, err := filepath.Glob(filepath.Join(exportDir, "aggregated", "batch1-*.json"))
	if err != nil || len(jsons) != 1 {
		t.Fatalf("aggregated json artifacts = %v, %v", jsons, err)
	}
}

func TestRunRejectsUnknownExportStore(t *testing.T) {
	dir := t.TempDir()
	writeFixture(t, filepath.Join(dir, "config.yaml"), testConfig)
	writeFixture(t, filepath.Join(dir, "tree.json"), testTree)
	writeFixture(t, filepath.Join(dir, "data", "animal1", "annotations.json"), testAnnotations)

	var stdout, stderr bytes.Buffer
	code := run([]string{
		"-config", filepath.Join(dir, "config.yaml"),
		"-tree", filepath.Join(dir, "tree.json"),
		"-data", filepath.Join(dir, "data"),
		"-animals", "animal1",
		"-export", "gcs",
	}, &stdout, &stderr)
	if code != 2 {
		t.Fatalf("exit code = %d, want 2", code)
	}
	if !strings.Contains(stderr.String(), "unknown export store") {
		t.Fatalf("stderr missing driver error: %s", stderr.String())
	}
}
