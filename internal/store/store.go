package store

import (
	"context"

	"wbtrends/internal/model"
)

type Store interface {
	UpsertObservations(ctx context.Context, observations []model.Observation) error
	ListObservations(ctx context.Context, filter ObservationFilter) ([]model.Observation, error)
	ListObservationKeys(ctx context.Context, provider, indicator, countryISO3 string) ([]ObservationKey, error)
	SaveReport(ctx context.Context, report model.Report) error
	Close() error
}

type ObservationFilter struct {
	Provider  string
	Indicator string
	Countries []string
	FromYear  int
	ToYear    int
}

type ObservationKey struct {
	CountryISO3 string
	Year        int
}

type NopStore struct{}

func (s *NopStore) UpsertObservations(ctx context.Context, observations []model.Observation) error {
	return nil
}

func (s *NopStore) ListObservations(ctx context.Context, filter ObservationFilter) ([]model.Observation, error) {
	return nil, nil
}

func (s *NopStore) ListObservationKeys(ctx context.Context, provider, indicator, countryISO3 string) ([]ObservationKey, error) {
	return nil, nil
}

func (s *NopStore) SaveReport(ctx context.Context, report model.Report) error {
	return nil
}

func (s *NopStore) Close() error {
	return nil
}
