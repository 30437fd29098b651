package report

import (
	"math"
	"sort"

	"github.com/shopspring/decimal"

	"wbtrends/internal/model"
)

// Row is the flat export shape of one country result. Growth and volatility
// are percentages; every float is rounded to two decimals.
type Row struct {
	RunID             string    `json:"run_id" parquet:"run_id"`
	Indicator         string    `json:"indicator" parquet:"indicator"`
	Country           string    `json:"country" parquet:"country"`
	Trend             string    `json:"trend" parquet:"trend"`
	SampleSize        int64     `json:"sample_size" parquet:"sample_size"`
	FirstYear         int64     `json:"first_year" parquet:"first_year"`
	LastYear          int64     `json:"last_year" parquet:"last_year"`
	LatestValue       float64   `json:"latest_value" parquet:"latest_value"`
	AverageGrowthPct  float64   `json:"avg_growth_pct" parquet:"avg_growth_pct"`
	VolatilityPct     float64   `json:"volatility_pct" parquet:"volatility_pct"`
	ForecastStartYear int64     `json:"forecast_start_year" parquet:"forecast_start_year"`
	Forecast          []float64 `json:"forecast" parquet:"forecast,list"`
}

// Rows flattens a report into rows sorted by country.
func Rows(report model.Report) []Row {
	keys := make([]string, 0, len(report.Results))
	for key := range report.Results {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	rows := make([]Row, 0, len(keys))
	for _, key := range keys {
		result := report.Results[key]
		country := result.Country
		if country == "" {
			country = key
		}
		forecast := make([]float64, len(result.Forecast))
		for i, value := range result.Forecast {
			forecast[i] = Round2(value)
		}
		rows = append(rows, Row{
			RunID:             report.RunID,
			Indicator:         report.Indicator,
			Country:           country,
			Trend:             string(result.Trend),
			SampleSize:        int64(result.SampleSize),
			FirstYear:         int64(result.FirstYear),
			LastYear:          int64(result.LastYear),
			LatestValue:       Round2(result.LatestValue),
			AverageGrowthPct:  Percent(result.AverageGrowthRate),
			VolatilityPct:     Percent(result.Volatility),
			ForecastStartYear: int64(result.ForecastStartYear),
			Forecast:          forecast,
		})
	}
	return rows
}

// Round2 rounds half away from zero to two decimals. NaN and infinities
// become 0.
func Round2(value float64) float64 {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return 0
	}
	return decimal.NewFromFloat(value).Round(2).InexactFloat64()
}

// Percent converts a fraction to a percentage rounded to two decimals. The
// result saturates at ±math.MaxFloat64.
func Percent(rate float64) float64 {
	if math.IsNaN(rate) || math.IsInf(rate, 0) {
		return 0
	}
	pct := decimal.NewFromFloat(rate).Mul(decimal.NewFromInt(100)).Round(2).InexactFloat64()
	if math.IsInf(pct, 0) {
		return math.Copysign(math.MaxFloat64, pct)
	}
	return pct
}
