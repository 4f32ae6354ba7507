package httpclient

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// ParseOpenAIRateLimitHeaders extracts rate-limit hints from
// OpenAI-style response headers. Compatible gateways reuse the same
// header names.
func ParseOpenAIRateLimitHeaders(headers http.Header) RateLimitInfo {
	info := RateLimitInfo{}

	if v := headers.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil {
			info.RetryAfter = time.Duration(secs) * time.Second
		} else if t, err := http.ParseTime(v); err == nil {
			info.RetryAfter = time.Until(t)
		}
	}

	if v := headers.Get("x-ratelimit-reset-requests"); v != "" {
		if d, err := parseResetDuration(v); err == nil && info.RetryAfter == 0 {
			info.RetryAfter = d
		}
	}

	if v := headers.Get("x-ratelimit-remaining-requests"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			info.RequestsRemaining = n
		}
	}

	if v := headers.Get("x-ratelimit-remaining-tokens"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			info.TokensRemaining = n
		}
	}

	return info
}

// parseResetDuration parses OpenAI reset durations such as "1s", "6m0s"
// or "120ms".
func parseResetDuration(v string) (time.Duration, error) {
	v = strings.TrimSpace(v)
	if d, err := time.ParseDuration(v); err == nil {
		return d, nil
	}
	// Bare number means seconds.
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		return time.Duration(secs * float64(time.Second)), nil
	}
	return 0, strconv.ErrSyntax
}
