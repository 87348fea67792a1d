package engine

import (
	"net/url"
	"strings"

	"taskmarket/backend"
	"taskmarket/internal/cache"
)

// allTasks is the signature of the unfiltered task listing.
const allTasks = "all"

// TaskKey identifies a single task.
func TaskKey(id string) cache.Key { return cache.Key{"task", id} }

// TasksKey identifies a task listing for filter.
func TasksKey(filter backend.TaskFilter) cache.Key {
	return cache.Key{"tasks", FilterSignature(filter)}
}

// TaskListsPrefix matches every task listing.
func TaskListsPrefix() cache.Key { return cache.Key{"tasks"} }

// TaskOffersKey identifies the offers made on a task.
func TaskOffersKey(taskID string) cache.Key { return cache.Key{"task", "offers", taskID} }

// PaymentsKey identifies the signed-in user's payments.
func PaymentsKey() cache.Key { return cache.Key{"payments"} }

// CategoriesKey identifies the service category list.
func CategoriesKey() cache.Key { return cache.Key{"categories"} }

// FilterSignature is a canonical string for filter: equal filters give equal
// signatures and the filter can be recovered with ParseFilterSignature.
func FilterSignature(filter backend.TaskFilter) string {
	v := url.Values{}
	if filter.Status != "" {
		v.Set("status", string(filter.Status))
	}
	if c := strings.TrimSpace(filter.Category); c != "" {
		v.Set("category", strings.ToLower(c))
	}
	if filter.PosterID != "" {
		v.Set("poster", filter.PosterID)
	}
	if q := strings.TrimSpace(filter.Search); q != "" {
		v.Set("q", q)
	}
	if len(v) == 0 {
		return allTasks
	}
	return v.Encode()
}

// ParseFilterSignature reverses FilterSignature.
func ParseFilterSignature(sig string) (backend.TaskFilter, error) {
	if sig == allTasks || sig == "" {
		return backend.TaskFilter{}, nil
	}
	v, err := url.ParseQuery(sig)
	if err != nil {
		return backend.TaskFilter{}, err
	}
	return backend.TaskFilter{
		Status:   backend.TaskStatus(v.Get("status")),
		Category: v.Get("category"),
		PosterID: v.Get("poster"),
		Search:   v.Get("q"),
	}, nil
}
