package predict

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"
)

const (
	ToneUncertain   = "cautious/uncertain"
	ToneOptimistic  = "optimistic"
	TonePessimistic = "pessimistic"
	ToneBalanced    = "balanced"

	minKeyPointLength = 20
)

var (
	yearPattern    = regexp.MustCompile(`(?:by|in|until|around)\s+(\d{4})`)
	percentPattern = regexp.MustCompile(`(\d+(?:\.\d+)?)\s*%`)
	numberPattern  = regexp.MustCompile(`(\d+(?:,\d{3})*(?:\.\d+)?)\s*(million|billion|thousand)`)

	keyPointPrefixes = []string{"-", "•", "*", "1.", "2.", "3.", "4.", "5."}
	keyPointPhrases  = []string{"key trend", "prediction", "factor", "pattern"}

	positiveWords    = []string{"increase", "growth", "rising", "improvement", "positive", "expansion", "progress", "upturn", "gain", "advance"}
	negativeWords    = []string{"decrease", "decline", "falling", "reduction", "negative", "contraction", "deterioration", "downturn", "loss", "drop"}
	uncertaintyWords = []string{"may", "might", "could", "possible", "uncertain", "variable", "depends", "unclear", "potential"}
)

type Sentiment struct {
	Positive    int     `json:"positive_indicators"`
	Negative    int     `json:"negative_indicators"`
	Uncertainty int     `json:"uncertainty_indicators"`
	Score       float64 `json:"sentiment_score"`
	Tone        string  `json:"overall_tone"`
}

// Inspection is a heuristic reading of one prediction text.
type Inspection struct {
	Filename     string    `json:"filename"`
	Model        string    `json:"model"`
	WordCount    int       `json:"word_count"`
	LineCount    int       `json:"line_count"`
	KeyPoints    []string  `json:"key_points"`
	Years        []string  `json:"years_mentioned"`
	YearMentions int       `json:"year_mentions"`
	Percentages  []float64 `json:"percentages"`
	LargeNumbers []string  `json:"large_numbers"`
	Sentiment    Sentiment `json:"sentiment"`
}

type Comparison struct {
	Total        int               `json:"total_predictions"`
	Models       []string          `json:"models_used"`
	AvgWordCount float64           `json:"avg_word_count"`
	Tones        map[string]string `json:"sentiment_distribution"`
	Inspections  []Inspection      `json:"individual_analyses"`
}

func InspectFile(path string) (Inspection, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Inspection{}, err
	}
	return Inspect(filepath.Base(path), string(data)), nil
}

// Inspect extracts key points, numeric mentions and keyword sentiment. The
// model name is read from a leading "Model:" line as written by SavePrediction.
func Inspect(name, text string) Inspection {
	modelName := "unknown"
	if strings.HasPrefix(text, "Model:") {
		first, _, _ := strings.Cut(text, "\n")
		modelName = strings.TrimSpace(strings.TrimPrefix(first, "Model:"))
	}

	inspection := Inspection{
		Filename:     name,
		Model:        modelName,
		WordCount:    len(strings.Fields(text)),
		LineCount:    strings.Count(text, "\n") + 1,
		KeyPoints:    KeyPoints(text),
		Percentages:  []float64{},
		LargeNumbers: []string{},
		Sentiment:    ScoreSentiment(text),
	}

	years := map[string]struct{}{}
	for _, match := range yearPattern.FindAllStringSubmatch(text, -1) {
		inspection.YearMentions++
		years[match[1]] = struct{}{}
	}
	inspection.Years = make([]string, 0, len(years))
	for year := range years {
		inspection.Years = append(inspection.Years, year)
	}
	sort.Strings(inspection.Years)

	for _, match := range percentPattern.FindAllStringSubmatch(text, -1) {
		if value, err := strconv.ParseFloat(match[1], 64); err == nil {
			inspection.Percentages = append(inspection.Percentages, value)
		}
	}
	for _, match := range numberPattern.FindAllStringSubmatch(text, -1) {
		inspection.LargeNumbers = append(inspection.LargeNumbers, match[1]+" "+match[2])
	}
	return inspection
}

// KeyPoints returns bullet, numbered or key-phrase lines longer than 20 characters.
func KeyPoints(text string) []string {
	points := []string{}
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if utf8.RuneCountInString(line) <= minKeyPointLength {
			continue
		}
		if hasAnyPrefix(line, keyPointPrefixes) || containsAny(strings.ToLower(line), keyPointPhrases) {
			points = append(points, line)
		}
	}
	return points
}

// ScoreSentiment counts how many words of each keyword list appear in text.
func ScoreSentiment(text string) Sentiment {
	lower := strings.ToLower(text)
	s := Sentiment{
		Positive:    countPresent(lower, positiveWords),
		Negative:    countPresent(lower, negativeWords),
		Uncertainty: countPresent(lower, uncertaintyWords),
	}
	total := s.Positive + s.Negative + s.Uncertainty
	s.Score = float64(s.Positive-s.Negative) / float64(max(total, 1))
	s.Tone = tone(s.Positive, s.Negative, s.Uncertainty)
	return s
}

func tone(positive, negative, uncertainty int) string {
	switch {
	case uncertainty > positive+negative:
		return ToneUncertain
	case float64(positive) > float64(negative)*1.5:
		return ToneOptimistic
	case float64(negative) > float64(positive)*1.5:
		return TonePessimistic
	default:
		return ToneBalanced
	}
}

func CompareInspections(inspections []Inspection) (Comparison, error) {
	if len(inspections) == 0 {
		return Comparison{}, errors.New("predict: no predictions to compare")
	}
	comparison := Comparison{
		Total:       len(inspections),
		Tones:       make(map[string]string, len(inspections)),
		Inspections: inspections,
	}
	models := map[string]struct{}{}
	words := 0
	for _, inspection := range inspections {
		models[inspection.Model] = struct{}{}
		words += inspection.WordCount
		comparison.Tones[inspection.Filename] = inspection.Sentiment.Tone
	}
	for name := range models {
		comparison.Models = append(comparison.Models, name)
	}
	sort.Strings(comparison.Models)
	comparison.AvgWordCount = float64(words) / float64(len(inspections))
	return comparison, nil
}

// WriteComparison renders a comparison as a plain-text report.
func WriteComparison(w io.Writer, comparison Comparison) error {
	var b strings.Builder
	rule := strings.Repeat("=", predictionRuleSize)
	thin := strings.Repeat("-", predictionRuleSize)

	fmt.Fprintf(&b, "%s\nPREDICTION ANALYSIS REPORT\n%s\n\n", rule, rule)
	fmt.Fprintf(&b, "Total Predictions Analyzed: %d\n", comparison.Total)
	fmt.Fprintf(&b, "Models Used: %s\n", strings.Join(comparison.Models, ", "))
	fmt.Fprintf(&b, "Average Word Count: %.0f\n\n", comparison.AvgWordCount)

	b.WriteString("Sentiment Distribution:\n")
	for _, inspection := range comparison.Inspections {
		fmt.Fprintf(&b, "  - %s: %s\n", inspection.Filename, inspection.Sentiment.Tone)
	}

	fmt.Fprintf(&b, "\n%s\nDETAILED ANALYSES:\n%s\n\n", thin, thin)
	for _, inspection := range comparison.Inspections {
		fmt.Fprintf(&b, "\nFile: %s\n", inspection.Filename)
		fmt.Fprintf(&b, "Model: %s\n", inspection.Model)
		fmt.Fprintf(&b, "Words: %d, Lines: %d\n", inspection.WordCount, inspection.LineCount)
		fmt.Fprintf(&b, "Sentiment: %s (score: %.2f)\n", inspection.Sentiment.Tone, inspection.Sentiment.Score)

		if len(inspection.KeyPoints) > 0 {
			fmt.Fprintf(&b, "\nKey Points (%d):\n", len(inspection.KeyPoints))
			for i, point := range inspection.KeyPoints[:min(5, len(inspection.KeyPoints))] {
				fmt.Fprintf(&b, "  %d. %s\n", i+1, clip(point, 100))
			}
		}

		mentions := []struct {
			label string
			count int
		}{
			{"years_mentioned", inspection.YearMentions},
			{"percentages", len(inspection.Percentages)},
			{"large_numbers", len(inspection.LargeNumbers)},
		}
		header := false
		for _, mention := range mentions {
			if mention.count == 0 {
				continue
			}
			if !header {
				b.WriteString("\nNumerical Predictions:\n")
				header = true
			}
			fmt.Fprintf(&b, "  - %s: %d mentions\n", mention.label, mention.count)
		}
		b.WriteString("\n")
	}

	_, err := io.WriteString(w, b.String())
	return err
}

func clip(value string, limit int) string {
	runes := []rune(value)
	if len(runes) <= limit {
		return value
	}
	return string(runes[:limit]) + "..."
}

func hasAnyPrefix(value string, prefixes []string) bool {
	for _, prefix := range prefixes {
		if strings.HasPrefix(value, prefix) {
			return true
		}
	}
	return false
}

func containsAny(value string, needles []string) bool {
	for _, needle := range needles {
		if strings.Contains(value, needle) {
			return true
		}
	}
	return false
}

func countPresent(text string, words []string) int {
	count := 0
	for _, word := range words {
		if strings.Contains(text, word) {
			count++
		}
	}
	return count
}
