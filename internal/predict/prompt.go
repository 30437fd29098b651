package predict

import (
	"fmt"
	"strconv"
	"strings"

	"wbtrends/internal/analysis"
	"wbtrends/internal/model"
)

const (
	DefaultQuestion = "Analyze the trends in this data and provide insights about future predictions."

	reportTopCountries = 5
)

// BuildDataSummary renders the dataset header and its first maxRecords
// records, followed by the analysis summary when the payload carries one.
func BuildDataSummary(payload Payload, maxRecords int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Indicator: %s\n", orUnknown(payload.Indicator))
	fmt.Fprintf(&b, "Timestamp: %s\n", orUnknown(payload.Timestamp))
	fmt.Fprintf(&b, "Total records: %d\n\n", len(payload.Records))
	b.WriteString("Sample data:\n")

	sample := payload.Records
	if maxRecords >= 0 && len(sample) > maxRecords {
		sample = sample[:maxRecords]
	}
	for _, record := range sample {
		value := "N/A"
		if record.Value != nil {
			value = strconv.FormatFloat(*record.Value, 'f', -1, 64)
		}
		fmt.Fprintf(&b, "- %s (%s): %s\n", orUnknown(record.Country.Value), orUnknown(record.Date), value)
	}

	if payload.Report != nil {
		writeReportSummary(&b, *payload.Report)
	}
	return b.String()
}

func writeReportSummary(b *strings.Builder, report model.Report) {
	summary := report.Summary
	fmt.Fprintf(b, "\nComputed analysis (%d countries, %d with enough data):\n", summary.Countries, summary.Analyzed)
	for _, trend := range model.Trends {
		fmt.Fprintf(b, "- %s: %d\n", trend, summary.TrendCounts[trend])
	}
	top := analysis.TopByLatest(report.Results, reportTopCountries)
	if len(top) == 0 {
		return
	}
	b.WriteString("Largest latest values:\n")
	for _, result := range top {
		fmt.Fprintf(b, "- %s %d: %s, %s, avg growth %.2f%%/yr\n",
			result.Country,
			result.LastYear,
			strconv.FormatFloat(result.LatestValue, 'f', -1, 64),
			result.Trend,
			result.AverageGrowthRate*100,
		)
	}
}

// TrendPrompt asks for a single-dataset trend analysis. An empty question
// falls back to DefaultQuestion.
func TrendPrompt(summary, question string) string {
	if strings.TrimSpace(question) == "" {
		question = DefaultQuestion
	}
	return fmt.Sprintf(`You are a data analyst specializing in climate and economic trends.

Here is the data summary:

%s

Question: %s

Please provide:
1. Key trends observed in the data
2. Potential predictions for the next 5-10 years
3. Factors that might influence these predictions
4. Any notable patterns or anomalies

Keep your response concise and data-driven.`, summary, question)
}

// ComparePrompt asks for a comparative analysis across several summaries.
func ComparePrompt(summaries []string, question string) string {
	return fmt.Sprintf(`You are analyzing multiple related datasets. Here are the summaries:

%s

Question: %s

Please provide a comparative analysis focusing on:
1. Relationships between the indicators
2. Correlations or patterns across datasets
3. Insights for policy or decision-making
4. Future outlook considering all indicators together`, strings.Join(summaries, "\n---\n"), question)
}

func orUnknown(value string) string {
	if strings.TrimSpace(value) == "" {
		return "Unknown"
	}
	return value
}
