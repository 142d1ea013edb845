package classify

import (
	"errors"
	"testing"

	"histoquant/pkg/domain"
)

func TestSplit(t *testing.T) {
	cases := []struct {
		in      string
		primary string
		derived string
		wantErr bool
	}{
		{in: "Cells: cy5", primary: "Cells", derived: "cy5"},
		{in: "Fibers:  dsred ", primary: "Fibers", derived: "dsred"},
		{in: "Left: GRN", primary: "Left", derived: "GRN"},
		{in: "no-separator", wantErr: true},
		{in: ": derived-only", wantErr: true},
		{in: "primary-only:", wantErr: true},
	}
	for _, tc := range cases {
		primary, derived, err := Split(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Errorf("Split(%q): expected error", tc.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("Split(%q): %v", tc.in, err)
			continue
		}
		if primary != tc.primary || derived != tc.derived {
			t.Errorf("Split(%q) = %q, %q; want %q, %q", tc.in, primary, derived, tc.primary, tc.derived)
		}
	}
}

func TestSplitHemisphere(t *testing.T) {
	hemisphere, acronym, err := SplitHemisphere("Right: ACB")
	if err != nil {
		t.Fatalf("SplitHemisphere: %v", err)
	}
	if hemisphere != domain.HemisphereRight || acronym != "ACB" {
		t.Fatalf("got %s, %s", hemisphere, acronym)
	}
	if _, _, err := SplitHemisphere("Middle: ACB"); err == nil {
		t.Fatal("unknown hemisphere should fail")
	}
}

func TestKindOf(t *testing.T) {
	keywords := DefaultKeywords()
	cases := []struct {
		tag  string
		kind domain.ObjectKind
	}{
		{"cells", domain.KindPunctal},
		{"Polygons", domain.KindPunctal},
		{"synaptophysin_boutons", domain.KindPunctal},
		{"fibers", domain.KindFiber},
		{"axons", domain.KindFiber},
		{"raw-axon", domain.KindFiber},
	}
	for _, tc := range cases {
		kind, err := keywords.KindOf(tc.tag)
		if err != nil {
			t.Errorf("KindOf(%q): %v", tc.tag, err)
			continue
		}
		if kind != tc.kind {
			t.Errorf("KindOf(%q) = %s, want %s", tc.tag, kind, tc.kind)
		}
	}
}

func TestKindOfUnknownTagIsFatal(t *testing.T) {
	_, err := DefaultKeywords().KindOf("nuclei")
	var unknown domain.UnknownSegmentationTagError
	if !errors.As(err, &unknown) || unknown.Tag != "nuclei" {
		t.Fatalf("expected UnknownSegmentationTagError for nuclei, got %v", err)
	}
}
