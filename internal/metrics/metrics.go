// Package metrics derives the normalized per-region metric set for one
// animal's annotation table, scoped by hemisphere and channel against a
// resolved ontology.
package metrics

import (
	"sort"
	"strings"

	"histoquant/internal/classify"
	"histoquant/internal/ontology"
	"histoquant/pkg/domain"
)

// Metric names emitted by Compute.
const (
	MetricRaw             = "raw"
	MetricRawMM           = "raw_mm"
	MetricDensityUM2      = "density_um2"
	MetricDensityMM2      = "density_mm2"
	MetricCoverageIndex   = "coverage_index"
	MetricRelative        = "relative_measurement"
	MetricRelativeDensity = "relative_density"
)

// Hue grouping modes for region metrics.
const (
	HueChannel    = "channel"
	HueHemisphere = "hemisphere"
)

// Selection scopes a Compute run.
type Selection struct {
	// BaseMeasurement names the measurement column suffix to derive
	// metrics from, for example "Count" or "Length µm".
	BaseMeasurement string
	// Hue selects the grouping dimension restricted by HueFilter.
	Hue string
	// HueFilter restricts retained hue values; empty or the sentinels
	// "all"/"both" retain everything.
	HueFilter []string
	// NormalizeStarterCells divides every non-relative metric by
	// StarterCells. A run requesting it without a defined count fails
	// with MetricComputationError.
	NormalizeStarterCells bool
	// StarterCells is the externally supplied starter-cell count for
	// this animal, when the info collaborator provides one.
	StarterCells domain.Value
}

// scoped is one (region x hemisphere x channel) accumulator after ontology
// remapping and fusion merging.
type scoped struct {
	region     string
	hemisphere domain.Hemisphere
	channel    string
	raw        float64
	areaUM2    float64
	hasArea    bool
}

// Compute derives the metric set for one animal. Regions absent from the
// resolved ontology are dropped silently (intended filtering); fused
// members are summed into their synthetic region before any derivation so
// normalization sees the merged values exactly once.
func Compute(animalID string, records []domain.AnnotationRecord, onto *ontology.ResolvedOntology, sel Selection) ([]domain.MetricRecord, error) {
	if sel.NormalizeStarterCells && !sel.StarterCells.Defined {
		return nil, domain.MetricComputationError{AnimalID: animalID, Reason: "starter cell count missing"}
	}
	if sel.NormalizeStarterCells && sel.StarterCells.Float64 == 0 {
		return nil, domain.MetricComputationError{AnimalID: animalID, Reason: "starter cell count is zero"}
	}

	type key struct {
		region     string
		hemisphere domain.Hemisphere
		channel    string
	}
	merged := make(map[key]*scoped)
	areas := make(map[string]map[domain.Hemisphere]float64) // region -> hemisphere -> summed area

	for _, record := range records {
		canonical, ok := onto.Canonical(record.RegionAcronym)
		if !ok {
			continue
		}
		if !record.Hemisphere.Valid() {
			return nil, domain.SchemaError{Table: "annotations", Column: "hemisphere"}
		}
		if record.AreaUM2 > 0 {
			byHemisphere, ok := areas[canonical]
			if !ok {
				byHemisphere = make(map[domain.Hemisphere]float64, 2)
				areas[canonical] = byHemisphere
			}
			byHemisphere[record.Hemisphere] += record.AreaUM2
		}
		for name, value := range record.Measurements {
			channel, ok := measurementChannel(name, sel.BaseMeasurement)
			if !ok {
				continue
			}
			k := key{region: canonical, hemisphere: record.Hemisphere, channel: channel}
			entry, ok := merged[k]
			if !ok {
				entry = &scoped{region: canonical, hemisphere: record.Hemisphere, channel: channel}
				merged[k] = entry
			}
			entry.raw += value
		}
	}
	if len(merged) == 0 {
		return nil, nil
	}

	entries := make([]*scoped, 0, len(merged))
	for _, entry := range merged {
		if area, ok := areas[entry.region][entry.hemisphere]; ok {
			entry.areaUM2 = area
			entry.hasArea = true
		}
		if !sel.retains(entry) {
			continue
		}
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool {
		pi, _ := onto.Position(entries[i].region)
		pj, _ := onto.Position(entries[j].region)
		if pi != pj {
			return pi < pj
		}
		if entries[i].hemisphere != entries[j].hemisphere {
			return entries[i].hemisphere < entries[j].hemisphere
		}
		return entries[i].channel < entries[j].channel
	})

	// Normalization denominators are scoped to (hemisphere, channel):
	// the sum over retained regions in the same hemisphere and hue
	// subset. Hue filtering already removed out-of-scope entries.
	type scopeKey struct {
		hemisphere domain.Hemisphere
		channel    string
	}
	rawSums := make(map[scopeKey]float64)
	densitySums := make(map[scopeKey]float64)
	for _, entry := range entries {
		sk := scopeKey{hemisphere: entry.hemisphere, channel: entry.channel}
		rawSums[sk] += entry.raw
		if entry.hasArea {
			densitySums[sk] += entry.raw / entry.areaUM2
		}
	}

	mmCompanion := hasMicrometerToken(sel.BaseMeasurement)
	starter := 1.0
	if sel.NormalizeStarterCells {
		starter = sel.StarterCells.Float64
	}

	var out []domain.MetricRecord
	emit := func(entry *scoped, metric string, value domain.Value) {
		out = append(out, domain.MetricRecord{
			MetricKey: domain.MetricKey{
				Region:     entry.region,
				Hemisphere: entry.hemisphere,
				Channel:    entry.channel,
				Metric:     metric,
			},
			Value: value,
		})
	}

	for _, entry := range entries {
		sk := scopeKey{hemisphere: entry.hemisphere, channel: entry.channel}

		emit(entry, MetricRaw, domain.Def(entry.raw/starter))
		if mmCompanion {
			emit(entry, MetricRawMM, domain.Def(entry.raw/1000/starter))
		}

		if entry.hasArea {
			density := entry.raw / entry.areaUM2
			emit(entry, MetricDensityUM2, domain.Def(density/starter))
			emit(entry, MetricDensityMM2, domain.Def(density*1e6/starter))
			emit(entry, MetricCoverageIndex, domain.Def(entry.raw*entry.raw/entry.areaUM2/starter))
		} else {
			// Zero or missing area: area-normalized metrics are
			// undefined, never zero. Raw output above still stands.
			emit(entry, MetricDensityUM2, domain.Undef())
			emit(entry, MetricDensityMM2, domain.Undef())
			emit(entry, MetricCoverageIndex, domain.Undef())
		}

		if sum := rawSums[sk]; sum != 0 {
			emit(entry, MetricRelative, domain.Def(entry.raw/sum))
		} else {
			emit(entry, MetricRelative, domain.Undef())
		}
		if entry.hasArea {
			if sum := densitySums[sk]; sum != 0 {
				emit(entry, MetricRelativeDensity, domain.Def(entry.raw/entry.areaUM2/sum))
			} else {
				emit(entry, MetricRelativeDensity, domain.Undef())
			}
		} else {
			emit(entry, MetricRelativeDensity, domain.Undef())
		}
	}
	return out, nil
}

// retains applies the hue filter to one accumulator.
func (s Selection) retains(entry *scoped) bool {
	if domain.HueFilterAll(s.HueFilter) {
		return true
	}
	var value string
	switch s.Hue {
	case HueHemisphere:
		value = string(entry.hemisphere)
	default:
		value = entry.channel
	}
	for _, allowed := range s.HueFilter {
		if allowed == value {
			return true
		}
	}
	return false
}

// measurementChannel matches a measurement name of the form
// "Primary: derived <base measurement>" against the selected base
// measurement and returns the derived channel.
func measurementChannel(name, base string) (string, bool) {
	_, derived, err := classify.Split(name)
	if err != nil {
		return "", false
	}
	fields := strings.Fields(derived)
	if len(fields) < 2 {
		return "", false
	}
	channel := fields[0]
	if strings.Join(fields[1:], " ") != base {
		return "", false
	}
	return channel, true
}

// hasMicrometerToken reports whether a measurement name carries a µm unit
// token, which triggers the mm-scaled companion metric.
func hasMicrometerToken(name string) bool {
	for _, field := range strings.Fields(name) {
		switch strings.ToLower(field) {
		case "µm", "um", "μm":
			return true
		}
	}
	return false
}
