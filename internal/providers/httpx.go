package providers

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

// SleepWithContext waits for delay or until ctx is done.
func SleepWithContext(ctx context.Context, delay time.Duration) error {
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// RetryAfter reads the Retry-After header (seconds or HTTP date) and falls
// back to a "try again in N seconds" hint in a JSON message body.
func RetryAfter(resp *http.Response, body []byte) time.Duration {
	if value := strings.TrimSpace(resp.Header.Get("Retry-After")); value != "" {
		if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
			return time.Duration(seconds) * time.Second
		}
		if when, err := time.Parse(http.TimeFormat, value); err == nil {
			if wait := time.Until(when); wait > 0 {
				return wait
			}
		}
	}

	var payload struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return 0
	}
	if seconds := RetrySeconds(payload.Message); seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	return 0
}

// RetrySeconds reads "Try again in N seconds" style messages.
func RetrySeconds(message string) int {
	msg := strings.ToLower(message)
	marker := "try again in"
	idx := strings.Index(msg, marker)
	if idx == -1 {
		return 0
	}
	for _, part := range strings.Fields(msg[idx+len(marker):]) {
		if value, err := strconv.Atoi(strings.TrimRight(part, ".,")); err == nil && value > 0 {
			return value
		}
	}
	return 0
}

// Truncate shortens s to at most maxLen bytes without splitting a rune.
func Truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	cut := maxLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
