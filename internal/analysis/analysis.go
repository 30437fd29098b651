// Package analysis computes per-country trend, growth, volatility and a naive
// forecast for World Bank indicator series.
//
// Every function in this package is pure: it never performs I/O, never mutates
// its input and never fails. Sparse data is reported as
// model.TrendInsufficientData instead of an error.
package analysis

import (
	"math"
	"sort"

	"wbtrends/internal/model"
)

const (
	DefaultTrendThreshold  = 0.01
	DefaultForecastHorizon = 5

	minSampleSize = 2
)

// Options tunes the analyzer. Zero or negative fields fall back to the defaults.
type Options struct {
	// TrendThreshold is the symmetric bound on the average growth rate
	// (as a fraction, 0.01 = 1%) separating stable from increasing/decreasing.
	TrendThreshold float64
	// ForecastHorizon is the number of future periods to project.
	ForecastHorizon int
}

func DefaultOptions() Options {
	return Options{
		TrendThreshold:  DefaultTrendThreshold,
		ForecastHorizon: DefaultForecastHorizon,
	}
}

type Analyzer struct {
	opts Options
}

func New(opts Options) *Analyzer {
	if opts.TrendThreshold <= 0 || math.IsNaN(opts.TrendThreshold) || math.IsInf(opts.TrendThreshold, 0) {
		opts.TrendThreshold = DefaultTrendThreshold
	}
	if opts.ForecastHorizon <= 0 {
		opts.ForecastHorizon = DefaultForecastHorizon
	}
	return &Analyzer{opts: opts}
}

func (a *Analyzer) Options() Options {
	return a.opts
}

var defaultAnalyzer = New(DefaultOptions())

// Analyze runs the default analyzer over one country series.
func Analyze(series model.CountrySeries) model.AnalysisResult {
	return defaultAnalyzer.Analyze(series)
}

// AnalyzeAll runs the default analyzer over every country series.
func AnalyzeAll(countries map[string]model.CountrySeries) model.Report {
	return defaultAnalyzer.AnalyzeAll(countries)
}

// Analyze classifies the trend of a series and projects it forward.
//
// The forecast is an ordinary least squares line through (year, value),
// evaluated at the years following the last observation. It is a heuristic
// extrapolation and carries no statistical confidence.
func (a *Analyzer) Analyze(series model.CountrySeries) model.AnalysisResult {
	points := normalizePoints(series.Points)

	result := model.AnalysisResult{
		Country:    seriesName(series),
		Trend:      model.TrendInsufficientData,
		Forecast:   []float64{},
		SampleSize: len(points),
	}
	if len(points) < minSampleSize {
		return result
	}

	first := points[0]
	last := points[len(points)-1]
	result.FirstYear = first.Year
	result.LastYear = last.Year
	result.EarliestValue = first.Value
	result.LatestValue = last.Value

	rates := growthRates(points)
	result.AverageGrowthRate = mean(rates)
	result.Volatility = sampleStdDev(rates)
	result.Trend = a.classify(result.AverageGrowthRate)

	fit, ok := linearFit(points)
	if ok {
		result.Slope = fit.slope
	}
	result.ForecastStartYear = last.Year + 1
	result.Forecast = a.forecast(last, fit, ok, result.AverageGrowthRate)
	return result
}

// AnalyzeAll analyzes each series independently. The returned report holds
// exactly one result per input key.
func (a *Analyzer) AnalyzeAll(countries map[string]model.CountrySeries) model.Report {
	results := make(map[string]model.AnalysisResult, len(countries))
	for key, series := range countries {
		result := a.Analyze(series)
		if result.Country == "" {
			result.Country = key
		}
		results[key] = result
	}
	return model.Report{
		Results: results,
		Summary: Summarize(results),
	}
}

func (a *Analyzer) classify(growth float64) model.Trend {
	switch {
	case growth > a.opts.TrendThreshold:
		return model.TrendIncreasing
	case growth < -a.opts.TrendThreshold:
		return model.TrendDecreasing
	default:
		return model.TrendStable
	}
}

// forecast projects the fitted line, or compounds the average growth when no
// line could be fitted. A projection that leaves the float64 range is
// replaced by the next method, and by an empty forecast as a last resort.
func (a *Analyzer) forecast(last model.Point, fit lineFit, ok bool, growth float64) []float64 {
	if ok {
		values := make([]float64, a.opts.ForecastHorizon)
		for i := range values {
			values[i] = fit.at(last.Year + i + 1)
		}
		if allFinite(values) {
			return values
		}
	}
	values := make([]float64, a.opts.ForecastHorizon)
	for i := range values {
		values[i] = last.Value * math.Pow(1+growth, float64(i+1))
	}
	if allFinite(values) {
		return values
	}
	return []float64{}
}

func seriesName(series model.CountrySeries) string {
	if series.Country != "" {
		return series.Country
	}
	return series.ISO3
}

// normalizePoints returns a year-ascending copy without non-finite values.
// A repeated year keeps the value seen last.
func normalizePoints(points []model.Point) []model.Point {
	out := make([]model.Point, 0, len(points))
	index := make(map[int]int, len(points))
	for _, point := range points {
		if math.IsNaN(point.Value) || math.IsInf(point.Value, 0) {
			continue
		}
		if i, ok := index[point.Year]; ok {
			out[i].Value = point.Value
			continue
		}
		index[point.Year] = len(out)
		out = append(out, point)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Year < out[j].Year
	})
	return out
}

// growthRates returns the period-over-period change of adjacent points,
// skipping pairs whose earlier value is zero or whose ratio overflows.
func growthRates(points []model.Point) []float64 {
	rates := make([]float64, 0, len(points))
	for i := 1; i < len(points); i++ {
		prev := points[i-1].Value
		if prev == 0 {
			continue
		}
		rate := (points[i].Value - prev) / prev
		if !isFinite(rate) {
			continue
		}
		rates = append(rates, rate)
	}
	return rates
}

// mean and sampleStdDev work on values divided by their largest magnitude so
// that the intermediate sums stay finite for any finite input.
func mean(values []float64) float64 {
	scale := maxAbs(values)
	if scale == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v / scale
	}
	return clamp(sum / float64(len(values)) * scale)
}

func sampleStdDev(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	scale := maxAbs(values)
	if scale == 0 {
		return 0
	}
	m := mean(values) / scale
	sumSq := 0.0
	for _, v := range values {
		d := v/scale - m
		sumSq += d * d
	}
	return clamp(math.Sqrt(sumSq/float64(len(values)-1)) * scale)
}

func maxAbs(values []float64) float64 {
	largest := 0.0
	for _, v := range values {
		largest = math.Max(largest, math.Abs(v))
	}
	return largest
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func allFinite(values []float64) bool {
	for _, v := range values {
		if !isFinite(v) {
			return false
		}
	}
	return true
}

// clamp pins an overflowed result to the largest finite float64.
func clamp(v float64) float64 {
	switch {
	case math.IsInf(v, 1):
		return math.MaxFloat64
	case math.IsInf(v, -1):
		return -math.MaxFloat64
	case math.IsNaN(v):
		return 0
	default:
		return v
	}
}

type lineFit struct {
	slope float64
	meanX float64
	meanY float64
}

func (f lineFit) at(year int) float64 {
	return f.meanY + f.slope*(float64(year)-f.meanX)
}

func linearFit(points []model.Point) (lineFit, bool) {
	if len(points) < minSampleSize {
		return lineFit{}, false
	}
	var sumX, sumY float64
	for _, p := range points {
		sumX += float64(p.Year)
		sumY += p.Value
	}
	n := float64(len(points))
	fit := lineFit{meanX: sumX / n, meanY: sumY / n}

	var sxx, sxy float64
	for _, p := range points {
		dx := float64(p.Year) - fit.meanX
		sxx += dx * dx
		sxy += dx * (p.Value - fit.meanY)
	}
	if sxx == 0 {
		return lineFit{}, false
	}
	fit.slope = sxy / sxx
	if !isFinite(fit.slope) || !isFinite(fit.meanY) {
		return lineFit{}, false
	}
	return fit, true
}
