package utils

import (
	"errors"
	"fmt"
	"strings"

	"taskmarket/backend"
)

// ErrorWithSuggestion wraps an error with a user-friendly suggestion.
type ErrorWithSuggestion struct {
	Err        error
	Suggestion string
}

// Error implements the error interface.
func (e *ErrorWithSuggestion) Error() string {
	return fmt.Sprintf("%s\n\nSuggestion: %s", e.Err.Error(), e.Suggestion)
}

// GetSuggestion returns the suggestion text.
func (e *ErrorWithSuggestion) GetSuggestion() string {
	return e.Suggestion
}

// Unwrap returns the underlying error for error chain support.
func (e *ErrorWithSuggestion) Unwrap() error {
	return e.Err
}

// WrapWithSuggestion wraps an existing error with a suggestion.
func WrapWithSuggestion(err error, suggestion string) error {
	return &ErrorWithSuggestion{
		Err:        err,
		Suggestion: suggestion,
	}
}

// ErrNotLoggedIn returns an error for commands that need a session.
func ErrNotLoggedIn() error {
	return &ErrorWithSuggestion{
		Err:        errors.New("not logged in"),
		Suggestion: "Run 'taskmarket login <email>' first",
	}
}

// ErrSessionExpired returns an error shown after the server rejected the token.
func ErrSessionExpired() error {
	return &ErrorWithSuggestion{
		Err:        backend.ErrSessionExpired,
		Suggestion: "Your session has ended. Run 'taskmarket login <email>' again",
	}
}

// ErrTaskNotFound returns an error for when a task is not found.
func ErrTaskNotFound(taskID string) error {
	return &ErrorWithSuggestion{
		Err:        fmt.Errorf("task not found: %s", taskID),
		Suggestion: "Check the task ID or use 'taskmarket tasks' to browse open tasks",
	}
}

// ErrCategoryNotFound returns an error when a category cannot be resolved.
func ErrCategoryNotFound(name string, closest string) error {
	suggestion := "Use 'taskmarket categories' to list available categories"
	if closest != "" {
		suggestion = fmt.Sprintf("Did you mean %q?", closest)
	}
	return &ErrorWithSuggestion{
		Err:        fmt.Errorf("category not found: %s", name),
		Suggestion: suggestion,
	}
}

// ErrDraftNotReady returns an error listing the fields a draft still needs.
func ErrDraftNotReady(missing []string) error {
	return &ErrorWithSuggestion{
		Err:        fmt.Errorf("task draft is incomplete: %s", strings.Join(missing, "; ")),
		Suggestion: "Fill in the missing fields with 'taskmarket draft set' or the wizard",
	}
}

// ErrAPIOffline returns an error when the API is unreachable with smart suggestions.
func ErrAPIOffline(reason string) error {
	return &ErrorWithSuggestion{
		Err:        fmt.Errorf("marketplace API is unreachable: %s", reason),
		Suggestion: getSmartSuggestion(reason),
	}
}

// getSmartSuggestion returns a context-aware suggestion based on the error reason.
func getSmartSuggestion(reason string) string {
	lowerReason := strings.ToLower(reason)

	if strings.Contains(lowerReason, "no such host") || strings.Contains(lowerReason, "dns") {
		return "Check your DNS settings and internet connection"
	}

	if strings.Contains(lowerReason, "connection refused") {
		return "Check if the server is running and api.base_url is correct"
	}

	if strings.Contains(lowerReason, "timeout") || strings.Contains(lowerReason, "i/o timeout") {
		return "The server may be slow or unreachable. Try again later"
	}

	if strings.Contains(lowerReason, "circuit open") {
		return "Too many recent failures; requests are paused briefly. Try again shortly"
	}

	return "Check your internet connection and try again"
}

// ErrInvalidDate returns an error for an invalid date string.
func ErrInvalidDate(dateStr string) error {
	return &ErrorWithSuggestion{
		Err:        fmt.Errorf("invalid date: %s", dateStr),
		Suggestion: "Use date format YYYY-MM-DD (e.g., 2026-01-15)",
	}
}

// ErrInvalidTime returns an error for an invalid time-of-day string.
func ErrInvalidTime(timeStr string) error {
	return &ErrorWithSuggestion{
		Err:        fmt.Errorf("invalid time: %s", timeStr),
		Suggestion: "Use 24h time format HH:MM (e.g., 09:30)",
	}
}

// ErrInvalidBudget returns an error for a budget below the minimum.
func ErrInvalidBudget(budget, minimum float64) error {
	return &ErrorWithSuggestion{
		Err:        fmt.Errorf("invalid budget: %.2f", budget),
		Suggestion: fmt.Sprintf("Budget must be at least %.2f", minimum),
	}
}

// Explain maps an API error to a user-facing error with a suggestion.
// Errors that are not API errors are returned unchanged.
func Explain(err error) error {
	if err == nil {
		return nil
	}
	var withSuggestion *ErrorWithSuggestion
	if errors.As(err, &withSuggestion) {
		return err
	}
	var be *backend.Error
	if !errors.As(err, &be) {
		return err
	}
	switch be.Kind {
	case backend.KindAuthExpired:
		return ErrSessionExpired()
	case backend.KindNetwork:
		return ErrAPIOffline(be.Error())
	case backend.KindServer:
		return WrapWithSuggestion(err, "The marketplace is having trouble. Try again in a moment")
	case backend.KindClient:
		return WrapWithSuggestion(err, "Check the values you entered and try again")
	}
	return err
}
