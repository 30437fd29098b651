package report

import (
	"fmt"
	"io"
	"strings"

	"github.com/dustin/go-humanize"

	"wbtrends/internal/analysis"
	"wbtrends/internal/model"
)

const ruleWidth = 80

// WriteText renders a human-readable report. top limits the per-country
// section to the largest latest values; top <= 0 prints every analyzable country.
func WriteText(w io.Writer, report model.Report, top int) error {
	rule := strings.Repeat("=", ruleWidth)
	p := &printer{w: w}

	p.line(rule)
	p.line("ANALYSIS: %s", report.Indicator)
	p.line(rule)
	if report.RunID != "" {
		p.line("Run: %s", report.RunID)
	}
	p.line("Total countries analyzed: %d", report.Summary.Countries)

	summary := report.Summary
	if summary.Analyzed > 0 {
		p.line("")
		p.line("Global Summary:")
		p.line("  max: %s", number(summary.LatestMax))
		p.line("  min: %s", number(summary.LatestMin))
		p.line("  mean: %s", number(summary.LatestMean))
		p.line("  median: %s", number(summary.LatestMedian))
	}

	p.line("")
	p.line("Trends:")
	for _, trend := range model.Trends {
		p.line("  %s: %d", trend, summary.TrendCounts[trend])
	}

	p.line("")
	p.line("Top Countries Analysis:")
	p.line(strings.Repeat("-", ruleWidth))
	for _, result := range analysis.TopByLatest(report.Results, top) {
		p.line("")
		p.line("%s:", result.Country)
		p.line("  Time range: %d-%d (%d data points)", result.FirstYear, result.LastYear, result.SampleSize)
		p.line("  Latest value: %s", number(result.LatestValue))
		p.line("  Trend: %s", result.Trend)
		p.line("  Avg growth rate: %.2f%% per year", result.AverageGrowthRate*100)
		p.line("  Volatility: %.2f%%", result.Volatility*100)
		if len(result.Forecast) > 0 {
			p.line("  %d-year forecast:", len(result.Forecast))
			for i, value := range result.Forecast {
				p.line("    %d: %s", result.ForecastStartYear+i, number(value))
			}
		}
	}
	return p.err
}

type printer struct {
	w   io.Writer
	err error
}

func (p *printer) line(format string, args ...any) {
	if p.err != nil {
		return
	}
	_, p.err = fmt.Fprintf(p.w, format+"\n", args...)
}

func number(value float64) string {
	return humanize.FormatFloat("#,###.##", value)
}
