package analysis

import (
	"io"
	"log/slog"
	"math"
	"testing"

	"wbtrends/internal/model"
)

func ptr(v float64) *float64 { return &v }

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func record(country, iso3, date string, value *float64) model.Record {
	return model.Record{
		Indicator:   model.Ref{ID: "SP.POP.TOTL", Value: "Population, total"},
		Country:     model.Ref{ID: iso3, Value: country},
		CountryISO3: iso3,
		Date:        date,
		Value:       value,
	}
}

func TestIngestEndToEnd(t *testing.T) {
	records := []model.Record{
		record("USA", "USA", "2018", ptr(100)),
		record("USA", "USA", "2019", nil),
		record("USA", "USA", "2020", ptr(121)),
	}

	series, stats := Ingest(records, IngestOptions{Logger: quietLogger()})
	if stats.Missing != 1 || stats.Skipped != 0 || stats.Countries != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}

	result := Analyze(series["USA"])
	if result.SampleSize != 2 {
		t.Fatalf("expected sample size 2, got %d", result.SampleSize)
	}
	if math.Abs(result.AverageGrowthRate-0.21) > tolerance {
		t.Errorf("expected growth 0.21, got %f", result.AverageGrowthRate)
	}
	if result.Trend != model.TrendIncreasing {
		t.Errorf("expected increasing, got %s", result.Trend)
	}
	if math.Abs(result.Forecast[0]-131.5) > tolerance {
		t.Errorf("expected 2021 forecast 131.5, got %f", result.Forecast[0])
	}
}

func TestIngestSkipsMalformedRecords(t *testing.T) {
	records := []model.Record{
		record("", "", "2018", ptr(1)),
		record("Chile", "CHL", "", ptr(1)),
		record("Chile", "CHL", "last year", ptr(1)),
		record("Chile", "CHL", "2018", ptr(10)),
		record("Chile", "CHL", "2019", ptr(11)),
	}

	series, stats := Ingest(records, IngestOptions{Logger: quietLogger()})
	if stats.Skipped != 3 {
		t.Errorf("expected 3 skipped records, got %d", stats.Skipped)
	}
	if stats.Records != 5 {
		t.Errorf("expected 5 records counted, got %d", stats.Records)
	}
	if got := len(series["Chile"].Points); got != 2 {
		t.Errorf("expected 2 points for Chile, got %d", got)
	}
}

func TestIngestCountryFilter(t *testing.T) {
	records := []model.Record{
		record("Chile", "CHL", "2018", ptr(10)),
		record("Peru", "PER", "2018", ptr(20)),
		record("Peru", "PER", "2019", ptr(22)),
	}

	for _, filter := range []string{"per", "Peru", "PER"} {
		series, _ := Ingest(records, IngestOptions{CountryFilter: filter, Logger: quietLogger()})
		if len(series) != 1 {
			t.Fatalf("filter %q: expected 1 country, got %d", filter, len(series))
		}
		if _, ok := series["Peru"]; !ok {
			t.Errorf("filter %q: expected Peru, got %v", filter, series)
		}
	}
}

func TestGroupByCountryDeduplicatesLastSeen(t *testing.T) {
	observations := []model.Observation{
		{Country: "Kenya", Year: 2021, Value: ptr(3)},
		{Country: "Kenya", Year: 2019, Value: ptr(1)},
		{Country: "Kenya", Year: 2021, Value: ptr(4)},
		{Country: "Kenya", Year: 2020, Value: nil},
		{Country: "", CountryISO3: "UGA", Year: 2020, Value: ptr(9)},
	}

	grouped := GroupByCountry(observations)
	kenya := grouped["Kenya"]
	want := []model.Point{{Year: 2019, Value: 1}, {Year: 2021, Value: 4}}
	if len(kenya.Points) != len(want) {
		t.Fatalf("expected %d points, got %v", len(want), kenya.Points)
	}
	for i := range want {
		if kenya.Points[i] != want[i] {
			t.Errorf("point %d = %+v, want %+v", i, kenya.Points[i], want[i])
		}
	}
	if _, ok := grouped["UGA"]; !ok {
		t.Error("expected ISO3 fallback key UGA")
	}
}

func TestPeriodYear(t *testing.T) {
	tests := []struct {
		input string
		year  int
		ok    bool
	}{
		{"2020", 2020, true},
		{" 1999 ", 1999, true},
		{"2020M01", 2020, true},
		{"2020m12", 2020, true},
		{"2020M13", 0, false},
		{"2021Q4", 2021, true},
		{"2021Q5", 0, false},
		{"2022-06", 2022, true},
		{"20X0", 0, false},
		{"202", 0, false},
		{"", 0, false},
		{"2020-2021", 0, false},
	}

	for _, tt := range tests {
		year, ok := PeriodYear(tt.input)
		if ok != tt.ok || year != tt.year {
			t.Errorf("PeriodYear(%q) = %d, %v; want %d, %v", tt.input, year, ok, tt.year, tt.ok)
		}
	}
}
