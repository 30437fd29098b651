package analysis

import (
	"math"
	"reflect"
	"testing"

	"wbtrends/internal/model"
)

const tolerance = 1e-9

func seriesOf(country string, startYear int, values ...float64) model.CountrySeries {
	points := make([]model.Point, len(values))
	for i, v := range values {
		points[i] = model.Point{Year: startYear + i, Value: v}
	}
	return model.CountrySeries{Country: country, Points: points}
}

func TestAnalyzeInsufficientData(t *testing.T) {
	tests := []struct {
		name   string
		series model.CountrySeries
		size   int
	}{
		{"empty", model.CountrySeries{Country: "ARG"}, 0},
		{"single", seriesOf("ARG", 2020, 42), 1},
		{"single finite", seriesOf("ARG", 2020, 42, math.NaN()), 1},
		{"duplicate year", model.CountrySeries{Country: "ARG", Points: []model.Point{{Year: 2020, Value: 1}, {Year: 2020, Value: 2}}}, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := Analyze(tt.series)
			if result.Trend != model.TrendInsufficientData {
				t.Fatalf("expected insufficient_data, got %s", result.Trend)
			}
			if result.AverageGrowthRate != 0 || result.Volatility != 0 {
				t.Errorf("expected zero numerics, got growth=%f volatility=%f", result.AverageGrowthRate, result.Volatility)
			}
			if result.Forecast == nil || len(result.Forecast) != 0 {
				t.Errorf("expected empty non-nil forecast, got %v", result.Forecast)
			}
			if result.SampleSize != tt.size {
				t.Errorf("expected sample size %d, got %d", tt.size, result.SampleSize)
			}
		})
	}
}

func TestAnalyzeConstantSeries(t *testing.T) {
	result := Analyze(seriesOf("FRA", 2015, 100, 100, 100, 100, 100))

	if result.Trend != model.TrendStable {
		t.Errorf("expected stable, got %s", result.Trend)
	}
	if result.AverageGrowthRate != 0 {
		t.Errorf("expected zero growth, got %f", result.AverageGrowthRate)
	}
	if result.Volatility != 0 {
		t.Errorf("expected zero volatility, got %f", result.Volatility)
	}
	if result.SampleSize != 5 {
		t.Errorf("expected sample size 5, got %d", result.SampleSize)
	}
	for i, v := range result.Forecast {
		if math.Abs(v-100) > tolerance {
			t.Errorf("forecast[%d] = %f, want 100", i, v)
		}
	}
}

func TestAnalyzeSteadyGrowth(t *testing.T) {
	result := Analyze(seriesOf("IND", 2000, 100, 110, 121, 133.1))

	if result.Trend != model.TrendIncreasing {
		t.Errorf("expected increasing, got %s", result.Trend)
	}
	if math.Abs(result.AverageGrowthRate-0.10) > 1e-6 {
		t.Errorf("expected growth 0.10, got %f", result.AverageGrowthRate)
	}
	if result.Volatility > 1e-6 {
		t.Errorf("expected volatility ~0, got %g", result.Volatility)
	}
	if result.FirstYear != 2000 || result.LastYear != 2003 {
		t.Errorf("unexpected year range %d-%d", result.FirstYear, result.LastYear)
	}
	if result.LatestValue != 133.1 || result.EarliestValue != 100 {
		t.Errorf("unexpected endpoints %f..%f", result.EarliestValue, result.LatestValue)
	}
}

func TestAnalyzeDecreasing(t *testing.T) {
	result := Analyze(seriesOf("JPN", 2010, 200, 180, 162))
	if result.Trend != model.TrendDecreasing {
		t.Errorf("expected decreasing, got %s", result.Trend)
	}
	if math.Abs(result.AverageGrowthRate+0.10) > 1e-9 {
		t.Errorf("expected growth -0.10, got %f", result.AverageGrowthRate)
	}
}

func TestAnalyzeSkipsZeroDenominator(t *testing.T) {
	result := Analyze(seriesOf("ZAF", 2000, 0, 50, 100))
	if result.SampleSize != 3 {
		t.Fatalf("expected sample size 3, got %d", result.SampleSize)
	}
	if math.Abs(result.AverageGrowthRate-1.0) > tolerance {
		t.Errorf("expected growth 1.0 from the single surviving pair, got %f", result.AverageGrowthRate)
	}
	if result.Volatility != 0 {
		t.Errorf("expected zero volatility with one growth value, got %f", result.Volatility)
	}

	result = Analyze(seriesOf("ZAF", 2000, 100, 0, 50, 100))
	if math.Abs(result.AverageGrowthRate) > tolerance {
		t.Errorf("expected growth 0, got %f", result.AverageGrowthRate)
	}
	if math.Abs(result.Volatility-math.Sqrt2) > tolerance {
		t.Errorf("expected volatility sqrt(2), got %f", result.Volatility)
	}
	if result.Trend != model.TrendStable {
		t.Errorf("expected stable, got %s", result.Trend)
	}
}

func TestAnalyzeAllZeroDenominators(t *testing.T) {
	result := Analyze(seriesOf("NRU", 2000, 0, 0, 0))
	if result.Trend != model.TrendStable {
		t.Errorf("expected stable, got %s", result.Trend)
	}
	if result.AverageGrowthRate != 0 || result.Volatility != 0 {
		t.Errorf("expected zero growth and volatility, got %f %f", result.AverageGrowthRate, result.Volatility)
	}
}

func TestAnalyzeLinearForecast(t *testing.T) {
	result := Analyze(seriesOf("BRA", 2001, 10, 20, 30))

	want := []float64{40, 50, 60, 70, 80}
	if len(result.Forecast) != len(want) {
		t.Fatalf("expected %d forecast values, got %d", len(want), len(result.Forecast))
	}
	for i := range want {
		if math.Abs(result.Forecast[i]-want[i]) > tolerance {
			t.Errorf("forecast[%d] = %f, want %f", i, result.Forecast[i], want[i])
		}
	}
	if result.ForecastStartYear != 2004 {
		t.Errorf("expected forecast to start in 2004, got %d", result.ForecastStartYear)
	}
	if math.Abs(result.Slope-10) > tolerance {
		t.Errorf("expected slope 10, got %f", result.Slope)
	}
}

func TestAnalyzeSortsAndDeduplicates(t *testing.T) {
	series := model.CountrySeries{
		Country: "DEU",
		Points: []model.Point{
			{Year: 2003, Value: 130},
			{Year: 2001, Value: 999},
			{Year: 2002, Value: 120},
			{Year: 2001, Value: 100},
		},
	}
	original := append([]model.Point(nil), series.Points...)

	result := Analyze(series)
	if result.SampleSize != 3 {
		t.Fatalf("expected sample size 3, got %d", result.SampleSize)
	}
	if result.EarliestValue != 100 {
		t.Errorf("expected last-seen value 100 for 2001, got %f", result.EarliestValue)
	}
	if !reflect.DeepEqual(series.Points, original) {
		t.Error("input series was mutated")
	}
}

func TestAnalyzerOptions(t *testing.T) {
	series := seriesOf("CAN", 2000, 100, 105, 110.25)

	if got := Analyze(series).Trend; got != model.TrendIncreasing {
		t.Errorf("default threshold: expected increasing, got %s", got)
	}

	wide := New(Options{TrendThreshold: 0.1, ForecastHorizon: 2})
	result := wide.Analyze(series)
	if result.Trend != model.TrendStable {
		t.Errorf("wide threshold: expected stable, got %s", result.Trend)
	}
	if len(result.Forecast) != 2 {
		t.Errorf("expected 2 forecast values, got %d", len(result.Forecast))
	}

	defaults := New(Options{}).Options()
	if defaults != DefaultOptions() {
		t.Errorf("zero options should fall back to defaults, got %+v", defaults)
	}
}

func TestAnalyzeIdempotent(t *testing.T) {
	series := seriesOf("MEX", 1990, 3.2, 4.7, 4.1, 5.9, 6.3, 2.2, 8.4)

	first := Analyze(series)
	second := Analyze(series)
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("results differ:\n%+v\n%+v", first, second)
	}
	if math.Float64bits(first.Volatility) != math.Float64bits(second.Volatility) {
		t.Error("volatility is not bit-identical")
	}
	for i := range first.Forecast {
		if math.Float64bits(first.Forecast[i]) != math.Float64bits(second.Forecast[i]) {
			t.Errorf("forecast[%d] is not bit-identical", i)
		}
	}
}

func TestAnalyzeAllIsolation(t *testing.T) {
	countries := map[string]model.CountrySeries{
		"USA": seriesOf("USA", 2000, 100, 110, 121),
		"CHN": seriesOf("CHN", 2000, 50, 40, 30),
		"TUV": seriesOf("TUV", 2000, 7),
	}

	report := AnalyzeAll(countries)
	if len(report.Results) != len(countries) {
		t.Fatalf("expected %d results, got %d", len(countries), len(report.Results))
	}
	for key := range countries {
		if _, ok := report.Results[key]; !ok {
			t.Errorf("missing result for %s", key)
		}
	}

	perturbed := map[string]model.CountrySeries{
		"USA": countries["USA"],
		"CHN": seriesOf("CHN", 2000, 1, 1000, 5),
		"TUV": countries["TUV"],
	}
	again := AnalyzeAll(perturbed)
	if !reflect.DeepEqual(report.Results["USA"], again.Results["USA"]) {
		t.Error("perturbing CHN changed the USA result")
	}
	if !reflect.DeepEqual(report.Results["TUV"], again.Results["TUV"]) {
		t.Error("perturbing CHN changed the TUV result")
	}

	counts := report.Summary.TrendCounts
	if counts[model.TrendIncreasing] != 1 || counts[model.TrendDecreasing] != 1 || counts[model.TrendInsufficientData] != 1 {
		t.Errorf("unexpected trend counts %v", counts)
	}
}

func TestAnalyzeAllUsesKeyWhenSeriesUnnamed(t *testing.T) {
	report := AnalyzeAll(map[string]model.CountrySeries{
		"KEN": {Points: []model.Point{{Year: 2000, Value: 1}, {Year: 2001, Value: 2}}},
	})
	if got := report.Results["KEN"].Country; got != "KEN" {
		t.Errorf("expected country KEN, got %q", got)
	}
}

func TestAnalyzeKeepsNumbersFinite(t *testing.T) {
	tests := []struct {
		name   string
		series model.CountrySeries
	}{
		{"subnormal base", model.CountrySeries{Country: "TUV", Points: []model.Point{
			{Year: 2000, Value: 1e-320}, {Year: 2001, Value: 1e10}, {Year: 2002, Value: 2e10},
		}}},
		{"huge swings", seriesOf("NRU", 2000, 1e-150, 1e160, -1e-150, 1e160)},
		{"near max", seriesOf("TKL", 2000, math.MaxFloat64, -math.MaxFloat64, math.MaxFloat64)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := Analyze(tt.series)
			numbers := append([]float64{
				result.AverageGrowthRate,
				result.Volatility,
				result.Slope,
				result.EarliestValue,
				result.LatestValue,
			}, result.Forecast...)
			for i, v := range numbers {
				if math.IsNaN(v) || math.IsInf(v, 0) {
					t.Errorf("value %d is not finite: %v (result %+v)", i, v, result)
				}
			}
		})
	}

	result := Analyze(seriesOf("TUV", 2000, 1e-320, 1e10, 2e10))
	if math.Abs(result.AverageGrowthRate-1.0) > tolerance {
		t.Errorf("expected the overflowing pair to be skipped, got growth %f", result.AverageGrowthRate)
	}
	if result.Trend != model.TrendIncreasing {
		t.Errorf("expected increasing, got %s", result.Trend)
	}
}

func TestSampleStdDevLargeValues(t *testing.T) {
	got := sampleStdDev([]float64{1e200, -1e200})
	want := math.Sqrt2 * 1e200
	if math.IsInf(got, 0) || math.Abs(got-want)/want > tolerance {
		t.Errorf("expected %g, got %g", want, got)
	}
	if got := mean([]float64{math.MaxFloat64, math.MaxFloat64}); got != math.MaxFloat64 {
		t.Errorf("expected MaxFloat64 mean, got %g", got)
	}
}
