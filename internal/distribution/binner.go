// Package distribution bins detection coordinates into 1-D histograms along
// anatomical axes and a 2-D heatmap grid, with configurable hue grouping
// and normalization.
package distribution

import (
	"fmt"

	"histoquant/pkg/domain"
)

// AxisSpec defines uniform bin edges for one anatomical axis, in
// millimeters of atlas space.
type AxisSpec struct {
	Axis  domain.Axis
	Min   float64
	Max   float64
	NBins int
}

// HeatmapSpec configures the 2-D histogram. Its bin count and value range
// are independent of the 1-D axis specs.
type HeatmapSpec struct {
	AxisX domain.Axis
	AxisY domain.Axis
	NBins int
	// Lim clamps cell values for rendering when Lim[1] > Lim[0].
	Lim [2]float64
}

// Hue grouping modes.
const (
	HueHemisphere = "hemisphere"
	HueChannel    = "channel"
)

// Spec configures one binning run.
type Spec struct {
	Axes []AxisSpec
	// Hue selects the grouping key producing separate curves per value.
	Hue string
	// HueFilter restricts retained hue values; the sentinels "all" and
	// "both" retain everything.
	HueFilter []string
	// CommonNorm scales each axis's histograms by the shared total over
	// all hues; otherwise each hue independently sums to 1.
	CommonNorm bool
	// HueMirror renders the second retained hue as sign-flipped bars
	// instead of discarding it. Requires exactly two retained hues.
	HueMirror bool
	Heatmap   *HeatmapSpec
}

// Bin produces per-axis 1-D histograms for each retained hue plus an
// optional 2-D heatmap. With CommonNorm the bin values of all hues together
// sum to 1 per axis; without it each hue's bins sum to 1 (both within
// floating tolerance), provided any detection fell inside the range.
func Bin(detections []domain.Detection, spec Spec) ([]domain.DistributionBin, *domain.Heatmap, error) {
	if err := spec.validate(); err != nil {
		return nil, nil, err
	}

	hues := spec.retainedHues(detections)
	if spec.HueMirror && len(hues) != 2 {
		return nil, nil, domain.ConfigError{
			Option: "hue_mirror",
			Reason: fmt.Sprintf("mirroring needs exactly two retained hue values, have %d", len(hues)),
		}
	}
	retained := make(map[string]int, len(hues))
	for i, hue := range hues {
		retained[hue] = i
	}

	var bins []domain.DistributionBin
	for _, axis := range spec.Axes {
		counts := make([][]float64, len(hues))
		for i := range counts {
			counts[i] = make([]float64, axis.NBins)
		}
		totals := make([]float64, len(hues))
		grand := 0.0
		width := (axis.Max - axis.Min) / float64(axis.NBins)

		for _, detection := range detections {
			index, ok := retained[spec.hueOf(detection)]
			if !ok {
				continue
			}
			coordinate := coordinateOn(detection, axis.Axis)
			bin, ok := locate(coordinate, axis.Min, axis.Max, axis.NBins, width)
			if !ok {
				continue
			}
			counts[index][bin]++
			totals[index]++
			grand++
		}

		for hueIndex, hue := range hues {
			denominator := totals[hueIndex]
			if spec.CommonNorm {
				denominator = grand
			}
			sign := 1.0
			if spec.HueMirror && hueIndex == 1 {
				sign = -1
			}
			for bin := 0; bin < axis.NBins; bin++ {
				value := 0.0
				if denominator > 0 {
					value = counts[hueIndex][bin] / denominator
				}
				bins = append(bins, domain.DistributionBin{
					Axis:      axis.Axis,
					BinIndex:  bin,
					BinCenter: axis.Min + (float64(bin)+0.5)*width,
					Hue:       hue,
					Value:     sign * value,
				})
			}
		}
	}

	var heatmap *domain.Heatmap
	if spec.Heatmap != nil {
		heatmap = spec.buildHeatmap(detections, retained)
	}
	return bins, heatmap, nil
}

func (s Spec) validate() error {
	if len(s.Axes) == 0 {
		return domain.ConfigError{Option: "distributions", Reason: "no axis specs"}
	}
	for _, axis := range s.Axes {
		if axis.NBins <= 0 {
			return domain.ConfigError{Option: string(axis.Axis) + ".nbins", Reason: "must be positive"}
		}
		if axis.Max <= axis.Min {
			return domain.ConfigError{Option: string(axis.Axis) + ".lim", Reason: "max must exceed min"}
		}
	}
	switch s.Hue {
	case "", HueHemisphere, HueChannel:
	default:
		return domain.ConfigError{Option: "distributions.hue", Reason: fmt.Sprintf("unknown hue mode %q", s.Hue)}
	}
	if s.Heatmap != nil {
		if s.Heatmap.NBins <= 0 {
			return domain.ConfigError{Option: "display.cmap_nbins", Reason: "must be positive"}
		}
		if _, ok := s.axisSpec(s.Heatmap.AxisX); !ok {
			return domain.ConfigError{Option: "display.cmap", Reason: fmt.Sprintf("heatmap axis %q has no axis spec", s.Heatmap.AxisX)}
		}
		if _, ok := s.axisSpec(s.Heatmap.AxisY); !ok {
			return domain.ConfigError{Option: "display.cmap", Reason: fmt.Sprintf("heatmap axis %q has no axis spec", s.Heatmap.AxisY)}
		}
	}
	return nil
}

func (s Spec) axisSpec(axis domain.Axis) (AxisSpec, bool) {
	for _, spec := range s.Axes {
		if spec.Axis == axis {
			return spec, true
		}
	}
	return AxisSpec{}, false
}

func (s Spec) hueOf(detection domain.Detection) string {
	if s.Hue == HueHemisphere {
		return string(detection.Hemisphere)
	}
	return detection.DerivedClass
}

// retainedHues lists hue values in filter order when a literal filter is
// given, otherwise in first-seen detection order. An "all"/"both" sentinel
// anywhere in the filter retains every hue, matching the metric selection.
func (s Spec) retainedHues(detections []domain.Detection) []string {
	if !domain.HueFilterAll(s.HueFilter) {
		return append([]string(nil), s.HueFilter...)
	}
	var hues []string
	seen := make(map[string]struct{})
	for _, detection := range detections {
		hue := s.hueOf(detection)
		if _, ok := seen[hue]; ok {
			continue
		}
		seen[hue] = struct{}{}
		hues = append(hues, hue)
	}
	return hues
}

func (s Spec) buildHeatmap(detections []domain.Detection, retained map[string]int) *domain.Heatmap {
	hm := s.Heatmap
	specX, _ := s.axisSpec(hm.AxisX)
	specY, _ := s.axisSpec(hm.AxisY)
	widthX := (specX.Max - specX.Min) / float64(hm.NBins)
	widthY := (specY.Max - specY.Min) / float64(hm.NBins)

	cells := make([][]float64, hm.NBins)
	for i := range cells {
		cells[i] = make([]float64, hm.NBins)
	}
	for _, detection := range detections {
		if _, ok := retained[s.hueOf(detection)]; !ok {
			continue
		}
		x, okX := locate(coordinateOn(detection, hm.AxisX), specX.Min, specX.Max, hm.NBins, widthX)
		y, okY := locate(coordinateOn(detection, hm.AxisY), specY.Min, specY.Max, hm.NBins, widthY)
		if !okX || !okY {
			continue
		}
		cells[y][x]++
	}
	if hm.Lim[1] > hm.Lim[0] {
		for _, row := range cells {
			for i, value := range row {
				if value < hm.Lim[0] {
					row[i] = hm.Lim[0]
				} else if value > hm.Lim[1] {
					row[i] = hm.Lim[1]
				}
			}
		}
	}
	return &domain.Heatmap{AxisX: hm.AxisX, AxisY: hm.AxisY, Cells: cells, Lim: hm.Lim}
}

// coordinateOn maps an axis to the detection's atlas coordinate: X runs
// anterior-posterior, Y dorso-ventral, Z medio-lateral.
func coordinateOn(detection domain.Detection, axis domain.Axis) float64 {
	switch axis {
	case domain.AxisAP:
		return detection.AtlasX
	case domain.AxisDV:
		return detection.AtlasY
	default:
		return detection.AtlasZ
	}
}

// locate returns the bin index for a coordinate, following half-open edge
// semantics with the maximum edge inclusive in the last bin. Out-of-range
// coordinates are not counted.
func locate(coordinate, min, max float64, nbins int, width float64) (int, bool) {
	if coordinate < min || coordinate > max {
		return 0, false
	}
	if coordinate == max {
		return nbins - 1, true
	}
	bin := int((coordinate - min) / width)
	if bin >= nbins {
		bin = nbins - 1
	}
	return bin, true
}
