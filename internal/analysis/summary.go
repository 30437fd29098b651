package analysis

import (
	"math"
	"sort"

	"wbtrends/internal/model"
)

// Summarize counts countries per trend and describes the latest values of the
// countries that had enough data to analyze.
func Summarize(results map[string]model.AnalysisResult) model.Summary {
	summary := model.Summary{
		Countries:   len(results),
		TrendCounts: make(map[model.Trend]int, len(model.Trends)),
	}
	for _, trend := range model.Trends {
		summary.TrendCounts[trend] = 0
	}

	latest := make([]float64, 0, len(results))
	for _, result := range results {
		summary.TrendCounts[result.Trend]++
		if result.Trend == model.TrendInsufficientData {
			continue
		}
		latest = append(latest, result.LatestValue)
	}
	summary.Analyzed = len(latest)
	if len(latest) == 0 {
		return summary
	}

	// map order is random; sorting keeps the float sums reproducible.
	sort.Float64s(latest)
	summary.LatestMin = latest[0]
	summary.LatestMax = latest[len(latest)-1]
	summary.LatestMean = mean(latest)
	summary.LatestMedian = median(latest)
	return summary
}

// TopByLatest returns analyzable results ranked by the magnitude of their
// latest value, largest first. n <= 0 returns all of them.
func TopByLatest(results map[string]model.AnalysisResult, n int) []model.AnalysisResult {
	ranked := make([]model.AnalysisResult, 0, len(results))
	for _, result := range results {
		if result.Trend == model.TrendInsufficientData {
			continue
		}
		ranked = append(ranked, result)
	}
	sort.Slice(ranked, func(i, j int) bool {
		a, b := math.Abs(ranked[i].LatestValue), math.Abs(ranked[j].LatestValue)
		if a != b {
			return a > b
		}
		return ranked[i].Country < ranked[j].Country
	})
	if n > 0 && len(ranked) > n {
		ranked = ranked[:n]
	}
	return ranked
}

func median(sorted []float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if n%2 == 1 {
		return sorted[n/2]
	}
	return sorted[n/2-1]/2 + sorted[n/2]/2
}
