package memory

import (
	"context"
	"testing"

	"histoquant/pkg/domain"
)

func metricRecord(region, metric string, value domain.Value) domain.MetricRecord {
	return domain.MetricRecord{
		MetricKey: domain.MetricKey{
			Region:     region,
			Hemisphere: domain.HemisphereLeft,
			Channel:    "cy5",
			Metric:     metric,
		},
		Value: value,
	}
}

func TestStoreAppendsAndLists(t *testing.T) {
	ctx := context.Background()
	store := NewStore()

	if err := store.AppendMetrics(ctx, "animal1", []domain.MetricRecord{
		metricRecord("R1", "raw", domain.Def(4)),
	}); err != nil {
		t.Fatalf("append metrics: %v", err)
	}
	if err := store.AppendMetrics(ctx, "animal1", []domain.MetricRecord{
		metricRecord("R2", "raw", domain.Def(6)),
	}); err != nil {
		t.Fatalf("append metrics: %v", err)
	}

	records, err := store.ListMetrics(ctx, "animal1")
	if err != nil {
		t.Fatalf("list metrics: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("records = %d, want 2 appended rows", len(records))
	}

	other, err := store.ListMetrics(ctx, "animal2")
	if err != nil {
		t.Fatalf("list metrics: %v", err)
	}
	if len(other) != 0 {
		t.Fatalf("unexpected rows for unknown animal: %v", other)
	}
}

func TestStoreListReturnsCopies(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	if err := store.AppendAggregated(ctx, "batch1", []domain.AggregatedRecord{{
		MetricKey: domain.MetricKey{Region: "R1", Hemisphere: domain.HemisphereLeft, Channel: "cy5", Metric: "raw"},
		Mean:      domain.Def(5),
		NAnimals:  1,
	}}); err != nil {
		t.Fatalf("append aggregated: %v", err)
	}

	first, _ := store.ListAggregated(ctx, "batch1")
	first[0].Region = "mutated"
	second, _ := store.ListAggregated(ctx, "batch1")
	if second[0].Region != "R1" {
		t.Fatalf("stored row mutated through a returned slice: %+v", second[0])
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	_ = store.AppendMetrics(ctx, "animal1", []domain.MetricRecord{
		metricRecord("R1", "density_um2", domain.Undef()),
	})
	_ = store.AppendDistributions(ctx, "animal1", []domain.DistributionBin{
		{Axis: domain.AxisAP, BinIndex: 0, BinCenter: 2.5, Hue: "cy5", Value: 0.3},
	})

	restored := NewStore()
	restored.ImportState(store.ExportState())

	records, _ := restored.ListMetrics(ctx, "animal1")
	if len(records) != 1 || records[0].Value.Defined {
		t.Fatalf("records = %+v, want one undefined value", records)
	}
	bins, _ := restored.ListDistributions(ctx, "animal1")
	if len(bins) != 1 || bins[0].Value != 0.3 {
		t.Fatalf("bins = %+v, want the original bin", bins)
	}
}
