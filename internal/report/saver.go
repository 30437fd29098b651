package report

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/parquet-go/parquet-go"
)

// Saver writes export rows to a file in one format.
type Saver interface {
	Save(rows []Row, path string) error
	Extension() string
}

// NewSaver returns the saver for csv, parquet, xlsx or json. Unsupported
// formats return nil.
func NewSaver(format string) Saver {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "csv":
		return CSVSaver{}
	case "parquet":
		return ParquetSaver{}
	case "xlsx":
		return XLSXSaver{}
	case "json":
		return JSONSaver{}
	default:
		return nil
	}
}

// SaverFor is NewSaver with an error for unsupported formats.
func SaverFor(format string) (Saver, error) {
	s := NewSaver(format)
	if s == nil {
		return nil, fmt.Errorf("report: unsupported format %q (use csv, parquet, xlsx, json)", format)
	}
	return s, nil
}

type JSONSaver struct{}

func (JSONSaver) Extension() string { return "json" }

func (JSONSaver) Save(rows []Row, path string) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := f.Close(); err == nil {
			err = closeErr
		}
	}()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(rows)
}

var csvHeader = []string{
	"run_id", "indicator", "country", "trend", "sample_size", "first_year", "last_year",
	"latest_value", "avg_growth_pct", "volatility_pct", "forecast_start_year", "forecast",
}

type CSVSaver struct{}

func (CSVSaver) Extension() string { return "csv" }

func (CSVSaver) Save(rows []Row, path string) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := f.Close(); err == nil {
			err = closeErr
		}
	}()

	w := csv.NewWriter(f)
	if err := w.Write(csvHeader); err != nil {
		return err
	}
	for _, row := range rows {
		forecast := make([]string, len(row.Forecast))
		for i, value := range row.Forecast {
			forecast[i] = floatStr(value)
		}
		if err := w.Write([]string{
			row.RunID,
			row.Indicator,
			row.Country,
			row.Trend,
			strconv.FormatInt(row.SampleSize, 10),
			strconv.FormatInt(row.FirstYear, 10),
			strconv.FormatInt(row.LastYear, 10),
			floatStr(row.LatestValue),
			floatStr(row.AverageGrowthPct),
			floatStr(row.VolatilityPct),
			strconv.FormatInt(row.ForecastStartYear, 10),
			strings.Join(forecast, ";"),
		}); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}

type ParquetSaver struct{}

func (ParquetSaver) Extension() string { return "parquet" }

func (ParquetSaver) Save(rows []Row, path string) error {
	return parquet.WriteFile(path, rows)
}

func floatStr(f float64) string { return strconv.FormatFloat(f, 'f', -1, 64) }
