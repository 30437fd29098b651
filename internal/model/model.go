package model

import "time"

type Trend string

const (
	TrendIncreasing       Trend = "increasing"
	TrendDecreasing       Trend = "decreasing"
	TrendStable           Trend = "stable"
	TrendInsufficientData Trend = "insufficient_data"
)

// Trends lists every trend label in report order.
var Trends = []Trend{TrendIncreasing, TrendDecreasing, TrendStable, TrendInsufficientData}

type Country struct {
	ID       string
	ISO3     string
	Name     string
	Region   string
	IsActive bool
}

type Ref struct {
	ID    string `json:"id"`
	Value string `json:"value"`
}

// Record is one element of a World Bank Indicators API v2 data page.
type Record struct {
	Indicator   Ref      `json:"indicator"`
	Country     Ref      `json:"country"`
	CountryISO3 string   `json:"countryiso3code"`
	Date        string   `json:"date"`
	Value       *float64 `json:"value"`
	Unit        string   `json:"unit"`
	ObsStatus   string   `json:"obs_status"`
	Decimal     int      `json:"decimal"`
}

type Query struct {
	Indicator string
	Countries []string
	From      int
	To        int
	MRNEV     int
	GapFill   bool
}

// Observation is a single (country, year, value) fact. Value is nil when the
// source reported no value for that year.
type Observation struct {
	Provider    string
	Indicator   string
	Country     string
	CountryISO3 string
	Year        int
	Value       *float64
	Unit        string
	ObsStatus   string
	IngestedAt  time.Time
}

type Point struct {
	Year  int
	Value float64
}

type CountrySeries struct {
	Country string
	ISO3    string
	Points  []Point
}

type AnalysisResult struct {
	Country           string    `json:"country"`
	Trend             Trend     `json:"trend"`
	AverageGrowthRate float64   `json:"average_growth_rate"`
	Volatility        float64   `json:"volatility"`
	Forecast          []float64 `json:"forecast_next_n"`
	ForecastStartYear int       `json:"forecast_start_year,omitempty"`
	SampleSize        int       `json:"sample_size"`
	FirstYear         int       `json:"first_year,omitempty"`
	LastYear          int       `json:"last_year,omitempty"`
	EarliestValue     float64   `json:"earliest_value"`
	LatestValue       float64   `json:"latest_value"`
	Slope             float64   `json:"slope"`
}

type Summary struct {
	Countries    int           `json:"countries"`
	Analyzed     int           `json:"analyzed"`
	TrendCounts  map[Trend]int `json:"trend_counts"`
	LatestMax    float64       `json:"latest_max"`
	LatestMin    float64       `json:"latest_min"`
	LatestMean   float64       `json:"latest_mean"`
	LatestMedian float64       `json:"latest_median"`
}

type Report struct {
	RunID       string                    `json:"run_id,omitempty"`
	Indicator   string                    `json:"indicator,omitempty"`
	GeneratedAt time.Time                 `json:"generated_at,omitempty"`
	Results     map[string]AnalysisResult `json:"results"`
	Summary     Summary                   `json:"summary"`
}
