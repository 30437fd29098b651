package providers

import (
	"context"

	"wbtrends/internal/model"
)

type Provider interface {
	Name() string
	ListCountries(ctx context.Context) ([]model.Country, error)
	FetchIndicator(ctx context.Context, query model.Query) ([]model.Record, error)
}
