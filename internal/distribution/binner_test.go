package distribution

import (
	"errors"
	"math"
	"testing"

	"histoquant/pkg/domain"
)

func detectionsWithCounts(left, right int) []domain.Detection {
	var out []domain.Detection
	for i := 0; i < left; i++ {
		out = append(out, domain.Detection{
			AtlasX:       float64(i%10) + 0.5,
			Hemisphere:   domain.HemisphereLeft,
			DerivedClass: "cy5",
		})
	}
	for i := 0; i < right; i++ {
		out = append(out, domain.Detection{
			AtlasX:       float64(i%10) + 0.5,
			Hemisphere:   domain.HemisphereRight,
			DerivedClass: "dsred",
		})
	}
	return out
}

func apSpec() Spec {
	return Spec{
		Axes: []AxisSpec{{Axis: domain.AxisAP, Min: 0, Max: 10, NBins: 10}},
		Hue:  HueHemisphere,
	}
}

func sumByHue(bins []domain.DistributionBin) map[string]float64 {
	sums := make(map[string]float64)
	for _, bin := range bins {
		sums[bin.Hue] += bin.Value
	}
	return sums
}

func TestBinCommonNorm(t *testing.T) {
	spec := apSpec()
	spec.CommonNorm = true
	bins, _, err := Bin(detectionsWithCounts(30, 70), spec)
	if err != nil {
		t.Fatalf("bin: %v", err)
	}
	sums := sumByHue(bins)
	total := sums[string(domain.HemisphereLeft)] + sums[string(domain.HemisphereRight)]
	if math.Abs(total-1.0) > 1e-9 {
		t.Fatalf("common_norm total = %v, want 1.0", total)
	}
	if math.Abs(sums[string(domain.HemisphereLeft)]-0.3) > 1e-9 {
		t.Fatalf("left share = %v, want 0.3", sums[string(domain.HemisphereLeft)])
	}
}

func TestBinPerHueNorm(t *testing.T) {
	bins, _, err := Bin(detectionsWithCounts(30, 70), apSpec())
	if err != nil {
		t.Fatalf("bin: %v", err)
	}
	for hue, sum := range sumByHue(bins) {
		if math.Abs(sum-1.0) > 1e-9 {
			t.Fatalf("hue %s sums to %v, want 1.0", hue, sum)
		}
	}
}

func TestBinDropsOutOfRange(t *testing.T) {
	detections := []domain.Detection{
		{AtlasX: -1, Hemisphere: domain.HemisphereLeft},
		{AtlasX: 5, Hemisphere: domain.HemisphereLeft},
		{AtlasX: 10, Hemisphere: domain.HemisphereLeft}, // max edge lands in last bin
		{AtlasX: 11, Hemisphere: domain.HemisphereLeft},
	}
	bins, _, err := Bin(detections, apSpec())
	if err != nil {
		t.Fatalf("bin: %v", err)
	}
	counted := 0.0
	last := 0.0
	for _, bin := range bins {
		counted += bin.Value
		if bin.BinIndex == 9 {
			last = bin.Value
		}
	}
	if math.Abs(counted-1.0) > 1e-9 {
		t.Fatalf("in-range values sum to %v, want 1.0", counted)
	}
	if math.Abs(last-0.5) > 1e-9 {
		t.Fatalf("max-edge detection missing from last bin: %v", last)
	}
}

func TestBinHueMirrorFlipsSign(t *testing.T) {
	spec := apSpec()
	spec.HueMirror = true
	spec.HueFilter = []string{"Left", "Right"}
	bins, _, err := Bin(detectionsWithCounts(10, 10), spec)
	if err != nil {
		t.Fatalf("bin: %v", err)
	}
	sums := sumByHue(bins)
	if math.Abs(sums["Left"]-1.0) > 1e-9 {
		t.Fatalf("left sum = %v, want 1.0", sums["Left"])
	}
	if math.Abs(sums["Right"]+1.0) > 1e-9 {
		t.Fatalf("mirrored right sum = %v, want -1.0", sums["Right"])
	}
}

func TestBinHueMirrorNeedsTwoHues(t *testing.T) {
	spec := apSpec()
	spec.HueMirror = true
	spec.HueFilter = []string{"Left"}
	_, _, err := Bin(detectionsWithCounts(5, 5), spec)
	var cfg domain.ConfigError
	if !errors.As(err, &cfg) {
		t.Fatalf("expected ConfigError, got %v", err)
	}
}

func TestBinHueFilterSentinels(t *testing.T) {
	spec := apSpec()
	spec.Hue = HueChannel
	spec.HueFilter = []string{"all"}
	bins, _, err := Bin(detectionsWithCounts(10, 20), spec)
	if err != nil {
		t.Fatalf("bin: %v", err)
	}
	sums := sumByHue(bins)
	if len(sums) != 2 {
		t.Fatalf("sentinel filter should retain both channels, got %v", sums)
	}
}

func TestBinSentinelMixedWithLiteralRetainsAll(t *testing.T) {
	spec := apSpec()
	spec.Hue = HueChannel
	spec.HueFilter = []string{"all", "cy5"}
	bins, _, err := Bin(detectionsWithCounts(10, 20), spec)
	if err != nil {
		t.Fatalf("bin: %v", err)
	}
	sums := sumByHue(bins)
	if len(sums) != 2 {
		t.Fatalf("sentinel beside a literal should retain both channels, got %v", sums)
	}
}

func TestBinHeatmap(t *testing.T) {
	spec := Spec{
		Axes: []AxisSpec{
			{Axis: domain.AxisAP, Min: 0, Max: 10, NBins: 10},
			{Axis: domain.AxisML, Min: 0, Max: 4, NBins: 4},
		},
		Hue:     HueHemisphere,
		Heatmap: &HeatmapSpec{AxisX: domain.AxisAP, AxisY: domain.AxisML, NBins: 2, Lim: [2]float64{0, 3}},
	}
	detections := []domain.Detection{
		{AtlasX: 1, AtlasZ: 1, Hemisphere: domain.HemisphereLeft},
		{AtlasX: 1, AtlasZ: 1, Hemisphere: domain.HemisphereLeft},
		{AtlasX: 1, AtlasZ: 1, Hemisphere: domain.HemisphereLeft},
		{AtlasX: 1, AtlasZ: 1, Hemisphere: domain.HemisphereLeft},
		{AtlasX: 9, AtlasZ: 3, Hemisphere: domain.HemisphereRight},
	}
	_, heatmap, err := Bin(detections, spec)
	if err != nil {
		t.Fatalf("bin: %v", err)
	}
	if heatmap == nil {
		t.Fatal("expected a heatmap")
	}
	if got := heatmap.Cells[0][0]; got != 3 {
		t.Fatalf("cell[0][0] = %v, want 3 (clamped by cmap_lim)", got)
	}
	if got := heatmap.Cells[1][1]; got != 1 {
		t.Fatalf("cell[1][1] = %v, want 1", got)
	}
}
