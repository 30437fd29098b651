package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"wbtrends/internal/model"
	"wbtrends/internal/store"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "wbtrends.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func value(v float64) *float64 { return &v }

func TestUpsertAndListObservations(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	observations := []model.Observation{
		{Provider: "worldbank", Indicator: "SP.POP.TOTL", Country: "United States", CountryISO3: "usa", Year: 2019, Value: value(328)},
		{Provider: "worldbank", Indicator: "SP.POP.TOTL", Country: "United States", CountryISO3: "USA", Year: 2020, Value: nil},
		{Provider: "worldbank", Indicator: "SP.POP.TOTL", Country: "China", CountryISO3: "CHN", Year: 2020, Value: value(1411)},
		{Provider: "worldbank", Indicator: "NY.GDP.MKTP.CD", Country: "China", CountryISO3: "CHN", Year: 2020, Value: value(14.7)},
	}
	if err := s.UpsertObservations(ctx, observations); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	// second write for the same key replaces the value
	update := []model.Observation{
		{Provider: "worldbank", Indicator: "SP.POP.TOTL", Country: "United States", CountryISO3: "USA", Year: 2020, Value: value(331)},
	}
	if err := s.UpsertObservations(ctx, update); err != nil {
		t.Fatalf("upsert update: %v", err)
	}

	got, err := s.ListObservations(ctx, store.ObservationFilter{Provider: "worldbank", Indicator: "SP.POP.TOTL"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 observations, got %d", len(got))
	}
	if got[0].CountryISO3 != "CHN" {
		t.Errorf("expected CHN first, got %s", got[0].CountryISO3)
	}
	last := got[2]
	if last.CountryISO3 != "USA" || last.Year != 2020 || last.Value == nil || *last.Value != 331 {
		t.Errorf("unexpected updated observation %+v", last)
	}
	if last.IngestedAt.IsZero() {
		t.Error("expected ingested_at to be set")
	}

	filtered, err := s.ListObservations(ctx, store.ObservationFilter{Indicator: "SP.POP.TOTL", Countries: []string{"usa"}, FromYear: 2020})
	if err != nil {
		t.Fatalf("list filtered: %v", err)
	}
	if len(filtered) != 1 || filtered[0].Year != 2020 {
		t.Errorf("unexpected filtered result %+v", filtered)
	}
}

func TestListObservationKeysSkipsMissingValues(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	err := s.UpsertObservations(ctx, []model.Observation{
		{Provider: "worldbank", Indicator: "EN.ATM.CO2E.PC", Country: "Chile", CountryISO3: "CHL", Year: 2018, Value: value(4.6)},
		{Provider: "worldbank", Indicator: "EN.ATM.CO2E.PC", Country: "Chile", CountryISO3: "CHL", Year: 2019, Value: nil},
	})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}

	keys, err := s.ListObservationKeys(ctx, "worldbank", "EN.ATM.CO2E.PC", "chl")
	if err != nil {
		t.Fatalf("keys: %v", err)
	}
	if len(keys) != 1 || keys[0].Year != 2018 || keys[0].CountryISO3 != "CHL" {
		t.Errorf("unexpected keys %+v", keys)
	}
}

func TestSaveReportAndListRuns(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	report := model.Report{
		RunID:       "5f0c7a0e-2d0b-4c39-9d53-7f6a1c3e0b11",
		Indicator:   "SP.POP.TOTL",
		GeneratedAt: time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC),
		Results: map[string]model.AnalysisResult{
			"USA": {Country: "USA", Trend: model.TrendIncreasing, AverageGrowthRate: 0.21, SampleSize: 2, Forecast: []float64{131.5}},
			"TUV": {Country: "TUV", Trend: model.TrendInsufficientData, Forecast: []float64{}},
		},
		Summary: model.Summary{
			Countries:   2,
			Analyzed:    1,
			TrendCounts: map[model.Trend]int{model.TrendIncreasing: 1, model.TrendInsufficientData: 1},
		},
	}
	if err := s.SaveReport(ctx, report); err != nil {
		t.Fatalf("save report: %v", err)
	}

	runs, err := s.ListRuns(ctx, "SP.POP.TOTL", 10)
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("expected 1 run, got %d", len(runs))
	}
	run := runs[0]
	if run.RunID != report.RunID || run.Countries != 2 || run.Analyzed != 1 {
		t.Errorf("unexpected run %+v", run)
	}
	if run.TrendCounts[model.TrendIncreasing] != 1 || run.TrendCounts[model.TrendInsufficientData] != 1 {
		t.Errorf("unexpected trend counts %v", run.TrendCounts)
	}

	if err := s.SaveReport(ctx, model.Report{}); err == nil {
		t.Error("expected error for report without run id")
	}
}
