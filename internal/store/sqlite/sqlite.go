package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"wbtrends/internal/model"
	"wbtrends/internal/store"
)

type Store struct {
	db *sql.DB
}

func New(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite: path is required")
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return s, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) UpsertObservations(ctx context.Context, observations []model.Observation) (err error) {
	if len(observations) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO indicator_observations (
			provider, indicator_id, country_iso3, country_name, year,
			value, unit, obs_status, ingested_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(provider, indicator_id, country_iso3, year)
		DO UPDATE SET
			country_name = excluded.country_name,
			value = excluded.value,
			unit = excluded.unit,
			obs_status = excluded.obs_status,
			ingested_at = excluded.ingested_at
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for i := range observations {
		observation := observations[i]
		if observation.IngestedAt.IsZero() {
			observation.IngestedAt = now
		}
		iso3 := strings.ToUpper(strings.TrimSpace(observation.CountryISO3))
		if iso3 == "" {
			iso3 = observation.Country
		}
		var value any
		if observation.Value != nil {
			value = *observation.Value
		}
		_, err = stmt.ExecContext(
			ctx,
			observation.Provider,
			observation.Indicator,
			iso3,
			observation.Country,
			observation.Year,
			value,
			observation.Unit,
			observation.ObsStatus,
			observation.IngestedAt.UTC(),
		)
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (s *Store) ListObservations(ctx context.Context, filter store.ObservationFilter) ([]model.Observation, error) {
	query := `
		SELECT provider, indicator_id, country_iso3, country_name, year, value, unit, obs_status, ingested_at
		FROM indicator_observations
		WHERE 1 = 1
	`
	args := []any{}
	if strings.TrimSpace(filter.Provider) != "" {
		query += " AND provider = ?"
		args = append(args, filter.Provider)
	}
	if strings.TrimSpace(filter.Indicator) != "" {
		query += " AND indicator_id = ?"
		args = append(args, filter.Indicator)
	}
	if len(filter.Countries) > 0 {
		query += " AND country_iso3 IN (" + placeholders(len(filter.Countries)) + ")"
		for _, country := range filter.Countries {
			args = append(args, strings.ToUpper(strings.TrimSpace(country)))
		}
	}
	if filter.FromYear > 0 {
		query += " AND year >= ?"
		args = append(args, filter.FromYear)
	}
	if filter.ToYear > 0 {
		query += " AND year <= ?"
		args = append(args, filter.ToYear)
	}
	query += " ORDER BY country_iso3, year"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	results := make([]model.Observation, 0)
	for rows.Next() {
		var (
			observation model.Observation
			value       sql.NullFloat64
			ingestedAt  sql.NullTime
		)
		if err := rows.Scan(
			&observation.Provider,
			&observation.Indicator,
			&observation.CountryISO3,
			&observation.Country,
			&observation.Year,
			&value,
			&observation.Unit,
			&observation.ObsStatus,
			&ingestedAt,
		); err != nil {
			return nil, err
		}
		if value.Valid {
			v := value.Float64
			observation.Value = &v
		}
		if ingestedAt.Valid {
			observation.IngestedAt = ingestedAt.Time
		}
		results = append(results, observation)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

// ListObservationKeys returns the years already stored with a value, so the
// collector can skip them.
func (s *Store) ListObservationKeys(ctx context.Context, provider, indicator, countryISO3 string) ([]store.ObservationKey, error) {
	query := `
		SELECT country_iso3, year
		FROM indicator_observations
		WHERE provider = ? AND indicator_id = ? AND value IS NOT NULL
	`
	args := []any{provider, indicator}
	if strings.TrimSpace(countryISO3) != "" {
		query += " AND country_iso3 = ?"
		args = append(args, strings.ToUpper(strings.TrimSpace(countryISO3)))
	}
	query += " ORDER BY country_iso3, year"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	keys := make([]store.ObservationKey, 0)
	for rows.Next() {
		var key store.ObservationKey
		if err := rows.Scan(&key.CountryISO3, &key.Year); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return keys, nil
}

func (s *Store) SaveReport(ctx context.Context, report model.Report) (err error) {
	if strings.TrimSpace(report.RunID) == "" {
		return errors.New("sqlite: report run id is required")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	generatedAt := report.GeneratedAt
	if generatedAt.IsZero() {
		generatedAt = time.Now()
	}
	counts := report.Summary.TrendCounts
	_, err = tx.ExecContext(ctx, `
		INSERT INTO analysis_runs (
			run_id, indicator_id, generated_at, countries, analyzed,
			increasing, decreasing, stable, insufficient
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		report.RunID,
		report.Indicator,
		generatedAt.UTC(),
		report.Summary.Countries,
		report.Summary.Analyzed,
		counts[model.TrendIncreasing],
		counts[model.TrendDecreasing],
		counts[model.TrendStable],
		counts[model.TrendInsufficientData],
	)
	if err != nil {
		return err
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO analysis_results (
			run_id, country, trend, average_growth_rate, volatility,
			sample_size, first_year, last_year, latest_value, forecast
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for key, result := range report.Results {
		forecast, marshalErr := json.Marshal(result.Forecast)
		if marshalErr != nil {
			err = marshalErr
			return err
		}
		_, err = stmt.ExecContext(
			ctx,
			report.RunID,
			key,
			string(result.Trend),
			result.AverageGrowthRate,
			result.Volatility,
			result.SampleSize,
			result.FirstYear,
			result.LastYear,
			result.LatestValue,
			string(forecast),
		)
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

// RunSummary is one row of analysis_runs.
type RunSummary struct {
	RunID       string
	Indicator   string
	GeneratedAt time.Time
	Countries   int
	Analyzed    int
	TrendCounts map[model.Trend]int
}

func (s *Store) ListRuns(ctx context.Context, indicator string, limit int) ([]RunSummary, error) {
	query := `
		SELECT run_id, indicator_id, generated_at, countries, analyzed,
			increasing, decreasing, stable, insufficient
		FROM analysis_runs
	`
	args := []any{}
	if strings.TrimSpace(indicator) != "" {
		query += " WHERE indicator_id = ?"
		args = append(args, indicator)
	}
	query += " ORDER BY generated_at DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	runs := make([]RunSummary, 0)
	for rows.Next() {
		var (
			run                                          RunSummary
			increasing, decreasing, stable, insufficient int
		)
		if err := rows.Scan(&run.RunID, &run.Indicator, &run.GeneratedAt, &run.Countries, &run.Analyzed,
			&increasing, &decreasing, &stable, &insufficient); err != nil {
			return nil, err
		}
		run.TrendCounts = map[model.Trend]int{
			model.TrendIncreasing:       increasing,
			model.TrendDecreasing:       decreasing,
			model.TrendStable:           stable,
			model.TrendInsufficientData: insufficient,
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return runs, nil
}

func (s *Store) migrate() error {
	statements := []string{
		`PRAGMA foreign_keys = ON;`,
		`CREATE TABLE IF NOT EXISTS indicator_observations (
			provider TEXT NOT NULL,
			indicator_id TEXT NOT NULL,
			country_iso3 TEXT NOT NULL,
			country_name TEXT NOT NULL,
			year INTEGER NOT NULL,
			value REAL,
			unit TEXT NOT NULL DEFAULT '',
			obs_status TEXT NOT NULL DEFAULT '',
			ingested_at TIMESTAMP NOT NULL,
			PRIMARY KEY (provider, indicator_id, country_iso3, year)
		);`,
		`CREATE TABLE IF NOT EXISTS analysis_runs (
			run_id TEXT PRIMARY KEY,
			indicator_id TEXT NOT NULL,
			generated_at TIMESTAMP NOT NULL,
			countries INTEGER NOT NULL,
			analyzed INTEGER NOT NULL,
			increasing INTEGER NOT NULL,
			decreasing INTEGER NOT NULL,
			stable INTEGER NOT NULL,
			insufficient INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS analysis_results (
			run_id TEXT NOT NULL REFERENCES analysis_runs(run_id) ON DELETE CASCADE,
			country TEXT NOT NULL,
			trend TEXT NOT NULL,
			average_growth_rate REAL NOT NULL,
			volatility REAL NOT NULL,
			sample_size INTEGER NOT NULL,
			first_year INTEGER NOT NULL,
			last_year INTEGER NOT NULL,
			latest_value REAL NOT NULL,
			forecast TEXT NOT NULL,
			PRIMARY KEY (run_id, country)
		);`,
	}

	for _, statement := range statements {
		if _, err := s.db.Exec(statement); err != nil {
			return err
		}
	}

	return nil
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

var _ store.Store = (*Store)(nil)
