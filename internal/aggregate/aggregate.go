// Package aggregate pools per-animal metric and distribution outputs into
// cross-animal mean and standard-error summaries.
package aggregate

import (
	"fmt"
	"math"
	"sort"

	"histoquant/pkg/domain"
)

// Metrics groups MetricRecords by (region, hemisphere, channel, metric)
// across all supplied animals. Mean and SEM are computed over the animals
// that carry a defined value for the key; animals missing a key contribute
// neither to the mean nor to n. Keys present in only a subset of animals
// are retained with their own n, never zero-filled. SEM is undefined when
// n == 1.
func Metrics(perAnimal map[string][]domain.MetricRecord) []domain.AggregatedRecord {
	values := make(map[domain.MetricKey][]float64)
	for _, records := range perAnimal {
		for _, record := range records {
			if !record.Value.Defined {
				continue
			}
			values[record.MetricKey] = append(values[record.MetricKey], record.Value.Float64)
		}
	}

	out := make([]domain.AggregatedRecord, 0, len(values))
	for key, samples := range values {
		out = append(out, domain.AggregatedRecord{
			MetricKey: key,
			Mean:      domain.Def(mean(samples)),
			SEM:       sem(samples),
			NAnimals:  len(samples),
		})
	}
	sortAggregated(out)
	return out
}

// Distributions averages per-animal normalized bin values per
// (axis, bin, hue) key, with the same missing-data semantics as Metrics.
func Distributions(perAnimal map[string][]domain.DistributionBin) []domain.AggregatedRecord {
	type binKey struct {
		axis domain.Axis
		bin  int
		hue  string
	}
	values := make(map[binKey][]float64)
	centers := make(map[binKey]float64)
	for _, bins := range perAnimal {
		for _, bin := range bins {
			k := binKey{axis: bin.Axis, bin: bin.BinIndex, hue: bin.Hue}
			values[k] = append(values[k], bin.Value)
			centers[k] = bin.BinCenter
		}
	}

	out := make([]domain.AggregatedRecord, 0, len(values))
	for k, samples := range values {
		out = append(out, domain.AggregatedRecord{
			MetricKey: domain.MetricKey{
				Region:     formatBinRegion(k.axis, k.bin, centers[k]),
				Hemisphere: domain.Hemisphere(k.hue),
				Channel:    k.hue,
				Metric:     "distribution_" + string(k.axis),
			},
			Mean:     domain.Def(mean(samples)),
			SEM:      sem(samples),
			NAnimals: len(samples),
		})
	}
	sortAggregated(out)
	return out
}

func mean(samples []float64) float64 {
	total := 0.0
	for _, s := range samples {
		total += s
	}
	return total / float64(len(samples))
}

// sem is std/sqrt(n) with the sample standard deviation; undefined for a
// single sample rather than zero.
func sem(samples []float64) domain.Value {
	n := len(samples)
	if n < 2 {
		return domain.Undef()
	}
	m := mean(samples)
	ss := 0.0
	for _, s := range samples {
		d := s - m
		ss += d * d
	}
	std := math.Sqrt(ss / float64(n-1))
	return domain.Def(std / math.Sqrt(float64(n)))
}

func sortAggregated(records []domain.AggregatedRecord) {
	sort.Slice(records, func(i, j int) bool {
		a, b := records[i].MetricKey, records[j].MetricKey
		if a.Region != b.Region {
			return a.Region < b.Region
		}
		if a.Hemisphere != b.Hemisphere {
			return a.Hemisphere < b.Hemisphere
		}
		if a.Channel != b.Channel {
			return a.Channel < b.Channel
		}
		return a.Metric < b.Metric
	})
}

func formatBinRegion(axis domain.Axis, bin int, center float64) string {
	return fmt.Sprintf("%s_bin_%03d@%g", axis, bin, center)
}
