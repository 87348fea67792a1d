package utils

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// relativePattern matches relative date formats like +7d, -3d, +2w, +1m
var relativePattern = regexp.MustCompile(`^([+-])(\d+)([dwm])$`)

// parseRelativeDate parses relative date strings like "today", "tomorrow", "+7d", "+2w", "+1m".
// Returns nil if the string is not a relative date format.
func parseRelativeDate(dateStr string, now time.Time) (*time.Time, error) {
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.Local)

	lower := strings.ToLower(dateStr)

	switch lower {
	case "today":
		return &today, nil
	case "tomorrow":
		t := today.AddDate(0, 0, 1)
		return &t, nil
	}

	matches := relativePattern.FindStringSubmatch(lower)
	if matches == nil {
		return nil, nil
	}

	num, err := strconv.Atoi(matches[2])
	if err != nil {
		return nil, ErrInvalidDate(dateStr)
	}
	if matches[1] == "-" {
		num = -num
	}

	var result time.Time
	switch matches[3] {
	case "d":
		result = today.AddDate(0, 0, num)
	case "w":
		result = today.AddDate(0, 0, num*7)
	case "m":
		result = today.AddDate(0, num, 0)
	}

	return &result, nil
}

// NormalizeDate parses a task date in relative or YYYY-MM-DD form and returns
// it as YYYY-MM-DD. An empty string is returned unchanged.
func NormalizeDate(dateStr string) (string, error) {
	return normalizeDateAt(dateStr, time.Now())
}

func normalizeDateAt(dateStr string, now time.Time) (string, error) {
	dateStr = strings.TrimSpace(dateStr)
	if dateStr == "" {
		return "", nil
	}

	t, err := parseRelativeDate(dateStr, now)
	if err != nil {
		return "", err
	}
	if t != nil {
		return t.Format("2006-01-02"), nil
	}

	parsed, err := time.ParseInLocation("2006-01-02", dateStr, time.Local)
	if err != nil {
		return "", ErrInvalidDate(dateStr)
	}
	return parsed.Format("2006-01-02"), nil
}

// NormalizeTime validates a time of day in HH:MM (24h) and returns it zero-padded.
func NormalizeTime(timeStr string) (string, error) {
	timeStr = strings.TrimSpace(timeStr)
	if timeStr == "" {
		return "", nil
	}
	parsed, err := time.Parse("15:04", timeStr)
	if err != nil {
		return "", ErrInvalidTime(timeStr)
	}
	return parsed.Format("15:04"), nil
}

// ParseBudget parses a budget amount, accepting an optional leading currency symbol.
func ParseBudget(s string, minimum float64) (float64, error) {
	s = strings.TrimSpace(strings.TrimLeft(strings.TrimSpace(s), "$€£"))
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, WrapWithSuggestion(err, "Enter the budget as a number, e.g. 50 or 49.99")
	}
	if v < minimum {
		return 0, ErrInvalidBudget(v, minimum)
	}
	return v, nil
}
