package analysis

import (
	"log/slog"
	"math"
	"sort"
	"strconv"
	"strings"

	"wbtrends/internal/model"
)

type IngestOptions struct {
	// CountryFilter keeps only records whose country name, id or ISO3 code
	// matches (case-insensitive). Empty keeps everything.
	CountryFilter string
	Logger        *slog.Logger
}

type IngestStats struct {
	Records   int
	Skipped   int
	Missing   int
	Countries int
}

// Ingest converts raw indicator records into per-country series.
func Ingest(records []model.Record, opts IngestOptions) (map[string]model.CountrySeries, IngestStats) {
	observations, stats := Observations(records, opts)
	series := GroupByCountry(observations)
	stats.Countries = len(series)
	return series, stats
}

// Observations maps records to observations. Records without a country
// identifier or a usable date are skipped with a warning; records with a
// null value are kept with a nil Value.
func Observations(records []model.Record, opts IngestOptions) ([]model.Observation, IngestStats) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	filter := strings.TrimSpace(opts.CountryFilter)

	stats := IngestStats{Records: len(records)}
	observations := make([]model.Observation, 0, len(records))
	for i, record := range records {
		name := strings.TrimSpace(record.Country.Value)
		iso3 := strings.ToUpper(strings.TrimSpace(record.CountryISO3))
		id := strings.ToUpper(strings.TrimSpace(record.Country.ID))
		if name == "" && iso3 == "" && id == "" {
			stats.Skipped++
			logger.Warn("skip record without country", "index", i, "date", record.Date)
			continue
		}
		year, ok := PeriodYear(record.Date)
		if !ok {
			stats.Skipped++
			logger.Warn("skip record with bad date", "index", i, "country", firstNonEmpty(name, iso3, id), "date", record.Date)
			continue
		}
		if filter != "" && !matchesCountry(filter, name, iso3, id) {
			continue
		}
		if iso3 == "" && len(id) == 3 {
			iso3 = id
		}

		var value *float64
		if record.Value != nil && !math.IsNaN(*record.Value) && !math.IsInf(*record.Value, 0) {
			v := *record.Value
			value = &v
		} else {
			stats.Missing++
		}

		observations = append(observations, model.Observation{
			Indicator:   strings.TrimSpace(record.Indicator.ID),
			Country:     firstNonEmpty(name, iso3, id),
			CountryISO3: iso3,
			Year:        year,
			Value:       value,
			Unit:        record.Unit,
			ObsStatus:   record.ObsStatus,
		})
	}
	return observations, stats
}

// GroupByCountry builds year-ascending series keyed by country. Missing values
// are dropped and a repeated year keeps the value seen last.
func GroupByCountry(observations []model.Observation) map[string]model.CountrySeries {
	type group struct {
		series model.CountrySeries
		years  map[int]int
	}

	groups := make(map[string]*group)
	for _, observation := range observations {
		if observation.Value == nil {
			continue
		}
		key := firstNonEmpty(observation.Country, observation.CountryISO3)
		if key == "" {
			continue
		}
		g, ok := groups[key]
		if !ok {
			g = &group{
				series: model.CountrySeries{Country: key, ISO3: observation.CountryISO3},
				years:  make(map[int]int),
			}
			groups[key] = g
		}
		if i, seen := g.years[observation.Year]; seen {
			g.series.Points[i].Value = *observation.Value
			continue
		}
		g.years[observation.Year] = len(g.series.Points)
		g.series.Points = append(g.series.Points, model.Point{Year: observation.Year, Value: *observation.Value})
	}

	out := make(map[string]model.CountrySeries, len(groups))
	for key, g := range groups {
		points := g.series.Points
		sort.SliceStable(points, func(i, j int) bool {
			return points[i].Year < points[j].Year
		})
		out[key] = g.series
	}
	return out
}

// PeriodYear extracts the year of a World Bank date: "2020", "2020M01",
// "2020Q1" or "2020-01".
func PeriodYear(value string) (int, bool) {
	value = strings.ToUpper(strings.TrimSpace(value))
	if len(value) < 4 || !isDigits(value[:4]) {
		return 0, false
	}
	year, err := strconv.Atoi(value[:4])
	if err != nil {
		return 0, false
	}

	rest := value[4:]
	switch {
	case rest == "":
		return year, true
	case strings.HasPrefix(rest, "M"), strings.HasPrefix(rest, "-"):
		month, err := strconv.Atoi(rest[1:])
		if err != nil || month < 1 || month > 12 {
			return 0, false
		}
		return year, true
	case strings.HasPrefix(rest, "Q"):
		quarter, err := strconv.Atoi(rest[1:])
		if err != nil || quarter < 1 || quarter > 4 {
			return 0, false
		}
		return year, true
	default:
		return 0, false
	}
}

func matchesCountry(filter string, candidates ...string) bool {
	for _, candidate := range candidates {
		if candidate != "" && strings.EqualFold(filter, candidate) {
			return true
		}
	}
	return false
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if value != "" {
			return value
		}
	}
	return ""
}

func isDigits(value string) bool {
	for _, r := range value {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
