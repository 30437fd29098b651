// Package dataset reads and writes indicator record files.
//
// Three layouts are accepted on read: the raw World Bank response
// ([metadata, records]), a bare records array, and the file wrapper written by
// the collector ({"indicator", "timestamp", "data": {"data": [...]}}).
package dataset

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"wbtrends/internal/model"
)

var ErrUnknownLayout = errors.New("dataset: unrecognized layout")

type Dataset struct {
	Indicator string
	Timestamp string
	Records   []model.Record
	// Skipped counts array elements that could not be decoded as a record.
	Skipped int
}

type fileWrapper struct {
	Indicator string          `json:"indicator"`
	Timestamp string          `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

type dataEnvelope struct {
	Data   json.RawMessage `json:"data"`
	Status string          `json:"status,omitempty"`
	Error  string          `json:"error,omitempty"`
}

type savedFile struct {
	Indicator string       `json:"indicator"`
	Timestamp string       `json:"timestamp"`
	Data      savedRecords `json:"data"`
}

type savedRecords struct {
	Data   []model.Record `json:"data"`
	Status string         `json:"status"`
}

func Load(path string) (Dataset, error) {
	file, err := os.Open(path)
	if err != nil {
		return Dataset{}, err
	}
	defer file.Close()

	ds, err := Decode(file)
	if err != nil {
		return Dataset{}, fmt.Errorf("%s: %w", path, err)
	}
	if ds.Indicator == "" {
		ds.Indicator = indicatorFromRecords(ds.Records)
	}
	if ds.Indicator == "" {
		ds.Indicator = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return ds, nil
}

func Decode(r io.Reader) (Dataset, error) {
	body, err := io.ReadAll(r)
	if err != nil {
		return Dataset{}, err
	}
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return Dataset{}, ErrUnknownLayout
	}

	switch body[0] {
	case '[':
		records, skipped, err := decodeArray(body)
		if err != nil {
			return Dataset{}, err
		}
		return Dataset{Indicator: indicatorFromRecords(records), Records: records, Skipped: skipped}, nil
	case '{':
		var wrapper fileWrapper
		if err := json.Unmarshal(body, &wrapper); err != nil {
			return Dataset{}, err
		}
		records, skipped, err := decodeData(wrapper.Data)
		if err != nil {
			return Dataset{}, err
		}
		indicator := wrapper.Indicator
		if indicator == "" {
			indicator = indicatorFromRecords(records)
		}
		return Dataset{Indicator: indicator, Timestamp: wrapper.Timestamp, Records: records, Skipped: skipped}, nil
	default:
		return Dataset{}, ErrUnknownLayout
	}
}

func decodeData(raw json.RawMessage) ([]model.Record, int, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, 0, ErrUnknownLayout
	}
	if raw[0] == '[' {
		return decodeArray(raw)
	}

	var envelope dataEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, 0, err
	}
	if envelope.Error != "" {
		return nil, 0, fmt.Errorf("dataset: fetch failed upstream: %s", envelope.Error)
	}
	return decodeData(envelope.Data)
}

func decodeArray(raw []byte) ([]model.Record, int, error) {
	var elements []json.RawMessage
	if err := json.Unmarshal(raw, &elements); err != nil {
		return nil, 0, err
	}
	if len(elements) == 0 {
		return []model.Record{}, 0, nil
	}

	first := bytes.TrimSpace(elements[0])
	if len(elements) == 2 && isMetadata(first) {
		second := bytes.TrimSpace(elements[1])
		if bytes.Equal(second, []byte("null")) {
			return []model.Record{}, 0, nil
		}
		return DecodeRecords(second, nil)
	}
	if len(elements) == 1 && isMessage(first) {
		return nil, 0, fmt.Errorf("dataset: api error payload: %s", string(first))
	}
	return DecodeRecords(raw, nil)
}

// DecodeRecords decodes a JSON array of records one element at a time. An
// element that does not fit model.Record (a numeric date, a string value) is
// dropped, counted, and logged at warn when logger is not nil; only a body
// that is not an array at all is an error.
func DecodeRecords(raw []byte, logger *slog.Logger) ([]model.Record, int, error) {
	var elements []json.RawMessage
	if err := json.Unmarshal(raw, &elements); err != nil {
		return nil, 0, err
	}
	records := make([]model.Record, 0, len(elements))
	skipped := 0
	for i, element := range elements {
		var record model.Record
		if err := json.Unmarshal(element, &record); err != nil {
			skipped++
			if logger != nil {
				logger.Warn("skipping malformed record", "index", i, "err", err)
			}
			continue
		}
		records = append(records, record)
	}
	return records, skipped, nil
}

func isMetadata(raw []byte) bool {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(raw, &probe); err != nil {
		return false
	}
	_, hasPage := probe["page"]
	_, hasTotal := probe["total"]
	return hasPage && hasTotal
}

func isMessage(raw []byte) bool {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(raw, &probe); err != nil {
		return false
	}
	_, ok := probe["message"]
	return ok
}

func indicatorFromRecords(records []model.Record) string {
	for _, record := range records {
		if id := strings.TrimSpace(record.Indicator.ID); id != "" {
			return id
		}
	}
	return ""
}

// FileName is the conventional file name for a saved indicator.
func FileName(indicator string) string {
	replacer := strings.NewReplacer("/", "_", "\\", "_", " ", "_")
	return "api_results_" + replacer.Replace(strings.TrimSpace(indicator)) + ".json"
}

// Save writes records in the collector's wrapper layout.
func Save(path, indicator string, records []model.Record, now time.Time) (err error) {
	if records == nil {
		records = []model.Record{}
	}
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := file.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	return encoder.Encode(savedFile{
		Indicator: indicator,
		Timestamp: now.UTC().Format(time.RFC3339),
		Data:      savedRecords{Data: records, Status: "success"},
	})
}
