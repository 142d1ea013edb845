package domain

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestValueJSONNull(t *testing.T) {
	rec := MetricRecord{
		MetricKey: MetricKey{Region: "GRN", Hemisphere: HemisphereLeft, Channel: "marker", Metric: "density_um2"},
		Value:     Undef(),
	}
	data, err := json.Marshal(rec)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded MetricRecord
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.Value.Defined {
		t.Fatalf("expected undefined value after roundtrip, got %+v", decoded.Value)
	}
	if decoded.Value.String() != "" {
		t.Fatalf("undefined value should render empty, got %q", decoded.Value.String())
	}
}

func TestValueDefinedRoundtrip(t *testing.T) {
	v := Def(1.5)
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(data) != "1.5" {
		t.Fatalf("expected 1.5, got %s", data)
	}
	var back Value
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !back.Defined || back.Float64 != 1.5 {
		t.Fatalf("roundtrip mismatch: %+v", back)
	}
}

func TestErrorTaxonomyAs(t *testing.T) {
	var wrapped error = MetricComputationError{AnimalID: "a1", Reason: "starter cell count missing"}
	var mce MetricComputationError
	if !errors.As(wrapped, &mce) || mce.AnimalID != "a1" {
		t.Fatalf("errors.As failed for MetricComputationError: %v", wrapped)
	}

	var conflict error = OntologyConflictError{Rule: "fusion", Acronym: "GRN", Reason: "member already blacklisted"}
	var oce OntologyConflictError
	if !errors.As(conflict, &oce) || oce.Rule != "fusion" {
		t.Fatalf("errors.As failed for OntologyConflictError: %v", conflict)
	}
}

func TestHemisphereValid(t *testing.T) {
	if !HemisphereLeft.Valid() || !HemisphereRight.Valid() {
		t.Fatal("canonical hemispheres must be valid")
	}
	if Hemisphere("Both").Valid() {
		t.Fatal("non-canonical hemisphere must be invalid")
	}
}
