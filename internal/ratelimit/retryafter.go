package ratelimit

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// ParseRetryAfter interprets a Retry-After value from a response header or a
// provider error body. Providers are inconsistent about the format, so four
// are accepted:
//
//	"120"                          整数秒
//	"1m30s"                        Go duration 格式
//	"Fri, 31 Dec 1999 23:59:59 GMT" HTTP-date
//	"2024-05-01T10:30:00Z"         ISO-8601 时间戳
//
// Absolute timestamps in the past yield no usable delay. The bool reports
// whether a positive delay was extracted.
func ParseRetryAfter(value string, now time.Time) (time.Duration, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, false
	}

	if secs, err := strconv.Atoi(value); err == nil {
		if secs <= 0 {
			return 0, false
		}
		return time.Duration(secs) * time.Second, true
	}

	if d, err := time.ParseDuration(value); err == nil {
		if d <= 0 {
			return 0, false
		}
		return d, true
	}

	if t, err := http.ParseTime(value); err == nil {
		return delayUntil(t, now)
	}

	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return delayUntil(t, now)
	}

	return 0, false
}

func delayUntil(t, now time.Time) (time.Duration, bool) {
	d := t.Sub(now)
	if d <= 0 {
		return 0, false
	}
	return d, true
}
