package providers

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Field returns the first non-nil value among keys, trying exact matches
// before case-insensitive ones.
func Field(row map[string]any, keys ...string) (any, bool) {
	for _, key := range keys {
		if value, ok := row[key]; ok && value != nil {
			return value, true
		}
	}
	for rowKey, value := range row {
		if value == nil {
			continue
		}
		for _, key := range keys {
			if strings.EqualFold(rowKey, key) {
				return value, true
			}
		}
	}
	return nil, false
}

func FieldString(row map[string]any, keys ...string) (string, bool) {
	value, ok := Field(row, keys...)
	if !ok {
		return "", false
	}
	switch typed := value.(type) {
	case string:
		trimmed := strings.TrimSpace(typed)
		return trimmed, trimmed != ""
	case float64:
		return strconv.FormatFloat(typed, 'f', -1, 64), true
	case json.Number:
		return typed.String(), true
	default:
		return "", false
	}
}

func FieldFloat(row map[string]any, keys ...string) (float64, bool) {
	value, ok := Field(row, keys...)
	if !ok {
		return 0, false
	}
	switch typed := value.(type) {
	case float64:
		return typed, true
	case json.Number:
		parsed, err := typed.Float64()
		return parsed, err == nil
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(typed), 64)
		return parsed, err == nil
	default:
		return 0, false
	}
}

func FieldBool(row map[string]any, keys ...string) (bool, bool) {
	value, ok := Field(row, keys...)
	if !ok {
		return false, false
	}
	switch typed := value.(type) {
	case bool:
		return typed, true
	case string:
		switch strings.ToLower(strings.TrimSpace(typed)) {
		case "1", "true", "yes", "y":
			return true, true
		default:
			return false, true
		}
	case float64:
		return typed != 0, true
	default:
		return false, true
	}
}
