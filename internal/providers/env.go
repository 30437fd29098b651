package providers

import (
	"os"
	"strconv"
	"strings"
)

// Getenv returns the trimmed value of key, or fallback when it is unset or blank.
func Getenv(key, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

func GetenvInt(key string, fallback int) int {
	parsed, err := strconv.Atoi(Getenv(key, ""))
	if err != nil {
		return fallback
	}
	return parsed
}

func GetenvFloat(key string, fallback float64) float64 {
	parsed, err := strconv.ParseFloat(Getenv(key, ""), 64)
	if err != nil {
		return fallback
	}
	return parsed
}

// GetenvBool accepts 1/true/yes/y and 0/false/no/n; anything else is fallback.
func GetenvBool(key string, fallback bool) bool {
	switch strings.ToLower(Getenv(key, "")) {
	case "1", "true", "yes", "y":
		return true
	case "0", "false", "no", "n":
		return false
	default:
		return fallback
	}
}

func FirstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
