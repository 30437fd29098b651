package dataset

import (
	"bytes"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"wbtrends/internal/model"
	"wbtrends/internal/slogx"
)

const apiResponse = `[
  {"page": 1, "pages": 1, "per_page": 50, "total": 2, "sourceid": "2", "lastupdated": "2024-06-28"},
  [
    {"indicator": {"id": "SP.POP.TOTL", "value": "Population, total"}, "country": {"id": "US", "value": "United States"},
     "countryiso3code": "USA", "date": "2020", "value": 331511512, "unit": "", "obs_status": "", "decimal": 0},
    {"indicator": {"id": "SP.POP.TOTL", "value": "Population, total"}, "country": {"id": "US", "value": "United States"},
     "countryiso3code": "USA", "date": "2019", "value": null, "unit": "", "obs_status": "", "decimal": 0}
  ]
]`

func TestDecodeAPIResponse(t *testing.T) {
	ds, err := Decode(strings.NewReader(apiResponse))
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if ds.Indicator != "SP.POP.TOTL" {
		t.Errorf("expected indicator SP.POP.TOTL, got %q", ds.Indicator)
	}
	if len(ds.Records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(ds.Records))
	}
	if ds.Records[0].Value == nil || *ds.Records[0].Value != 331511512 {
		t.Errorf("unexpected first value %v", ds.Records[0].Value)
	}
	if ds.Records[1].Value != nil {
		t.Errorf("expected null value to decode as nil, got %v", *ds.Records[1].Value)
	}
	if ds.Records[0].CountryISO3 != "USA" || ds.Records[0].Country.Value != "United States" {
		t.Errorf("unexpected country %+v", ds.Records[0])
	}
}

func TestDecodeLayouts(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		count   int
	}{
		{"bare array", `[{"country": {"id": "FR", "value": "France"}, "date": "2020", "value": 1}]`, 1},
		{"wrapper", `{"indicator": "EN.ATM.CO2E.PC", "timestamp": "2024-01-01T00:00:00", "data": {"data": [{"date": "2020", "value": 1}], "status": "success"}}`, 1},
		{"wrapper with raw response", `{"indicator": "X", "data": ` + apiResponse + `}`, 2},
		{"empty page", `[{"page": 1, "pages": 0, "per_page": 50, "total": 0}, null]`, 0},
		{"empty array", `[]`, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ds, err := Decode(strings.NewReader(tt.payload))
			if err != nil {
				t.Fatalf("decode failed: %v", err)
			}
			if len(ds.Records) != tt.count {
				t.Errorf("expected %d records, got %d", tt.count, len(ds.Records))
			}
		})
	}
}

func TestDecodeErrors(t *testing.T) {
	tests := []struct {
		name    string
		payload string
	}{
		{"empty", ""},
		{"scalar", `42`},
		{"api message", `[{"message": [{"id": "120", "key": "Invalid value", "value": "The provided parameter value is not valid"}]}]`},
		{"failed fetch", `{"data": {"error": "timeout", "status": "failed"}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Decode(strings.NewReader(tt.payload)); err == nil {
				t.Error("expected error")
			}
		})
	}

	if _, err := Decode(strings.NewReader("")); !errors.Is(err, ErrUnknownLayout) {
		t.Errorf("expected ErrUnknownLayout, got %v", err)
	}
}

const pageWithMalformedRecord = `[
  {"page": 1, "pages": 1, "per_page": 50, "total": 3},
  [
    {"indicator": {"id": "SP.POP.TOTL"}, "country": {"id": "US", "value": "United States"}, "countryiso3code": "USA", "date": "2020", "value": 331},
    {"indicator": {"id": "SP.POP.TOTL"}, "country": {"id": "US", "value": "United States"}, "countryiso3code": "USA", "date": 2019, "value": "n/a"},
    {"indicator": {"id": "SP.POP.TOTL"}, "country": {"id": "US", "value": "United States"}, "countryiso3code": "USA", "date": "2018", "value": 327}
  ]
]`

func TestDecodeSkipsMalformedRecords(t *testing.T) {
	tests := []struct {
		name    string
		payload string
	}{
		{"api response", pageWithMalformedRecord},
		{"wrapper", `{"indicator": "SP.POP.TOTL", "data": ` + pageWithMalformedRecord + `}`},
		{"bare array", `[{"date": "2020", "value": 1}, {"date": "2019", "value": "n/a"}, {"date": "2018", "value": 3}]`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ds, err := Decode(strings.NewReader(tt.payload))
			if err != nil {
				t.Fatalf("decode failed: %v", err)
			}
			if len(ds.Records) != 2 {
				t.Fatalf("expected 2 records, got %d", len(ds.Records))
			}
			if ds.Skipped != 1 {
				t.Errorf("expected 1 skipped, got %d", ds.Skipped)
			}
			if ds.Records[0].Date != "2020" || ds.Records[1].Date != "2018" {
				t.Errorf("unexpected dates %q %q", ds.Records[0].Date, ds.Records[1].Date)
			}
		})
	}
}

func TestDecodeRecordsLogsSkips(t *testing.T) {
	var buf bytes.Buffer
	records, skipped, err := DecodeRecords([]byte(`[{"date": "2020"}, {"date": 2019}]`), slogx.New(&buf, "warn"))
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if len(records) != 1 || skipped != 1 {
		t.Fatalf("expected 1 record and 1 skip, got %d and %d", len(records), skipped)
	}
	if !strings.Contains(buf.String(), "skipping malformed record") || !strings.Contains(buf.String(), "index=1") {
		t.Errorf("expected warning for index 1, got %q", buf.String())
	}

	if _, _, err := DecodeRecords([]byte(`{"date": "2020"}`), nil); err == nil {
		t.Error("expected error for non-array body")
	}
}

func TestSaveAndLoad(t *testing.T) {
	value := 12.5
	records := []model.Record{{
		Indicator:   model.Ref{ID: "NY.GDP.MKTP.KD.ZG"},
		Country:     model.Ref{ID: "BR", Value: "Brazil"},
		CountryISO3: "BRA",
		Date:        "2021",
		Value:       &value,
	}}

	path := filepath.Join(t.TempDir(), FileName("NY.GDP.MKTP.KD.ZG"))
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	if err := Save(path, "NY.GDP.MKTP.KD.ZG", records, now); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	ds, err := Load(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if ds.Indicator != "NY.GDP.MKTP.KD.ZG" {
		t.Errorf("unexpected indicator %q", ds.Indicator)
	}
	if ds.Timestamp != "2024-05-01T12:00:00Z" {
		t.Errorf("unexpected timestamp %q", ds.Timestamp)
	}
	if len(ds.Records) != 1 || *ds.Records[0].Value != 12.5 {
		t.Errorf("unexpected records %+v", ds.Records)
	}
}

func TestSaveReportsCreateError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing", "out.json")
	if err := Save(path, "X", nil, time.Now()); err == nil {
		t.Fatal("expected error for missing directory")
	}
}

func TestFileName(t *testing.T) {
	if got := FileName("SP.POP.TOTL"); got != "api_results_SP.POP.TOTL.json" {
		t.Errorf("unexpected file name %q", got)
	}
}
