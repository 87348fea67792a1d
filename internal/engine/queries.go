package engine

import (
	"context"
	"fmt"

	"taskmarket/backend"
	"taskmarket/internal/cache"
	"taskmarket/internal/coordinator"
)

// Task returns task id, from cache when fresh.
func (e *Engine) Task(ctx context.Context, id string) (*backend.Task, error) {
	return coordinator.FetchAs(ctx, e.coord, TaskKey(id), e.loadTask(id))
}

// Tasks returns the task listing for filter.
func (e *Engine) Tasks(ctx context.Context, filter backend.TaskFilter) ([]backend.Task, error) {
	return coordinator.FetchAs(ctx, e.coord, TasksKey(filter), e.loadTasks(filter))
}

// TaskOffers returns the offers on a task.
func (e *Engine) TaskOffers(ctx context.Context, taskID string) ([]backend.Offer, error) {
	return coordinator.FetchAs(ctx, e.coord, TaskOffersKey(taskID), e.loadOffers(taskID))
}

// Payments returns the signed-in user's payments.
func (e *Engine) Payments(ctx context.Context) ([]backend.Payment, error) {
	return coordinator.FetchAs(ctx, e.coord, PaymentsKey(), e.api.ListPayments)
}

// Categories returns the service categories.
func (e *Engine) Categories(ctx context.Context) ([]backend.Category, error) {
	return coordinator.FetchAs(ctx, e.coord, CategoriesKey(), e.api.ListCategories)
}

// Refresh refetches key regardless of freshness, for pull-to-refresh.
func (e *Engine) Refresh(ctx context.Context, key cache.Key) error {
	load, err := e.loaderFor(key)
	if err != nil {
		return err
	}
	_, err = e.coord.Refetch(ctx, key, load)
	return err
}

// Prefetch starts loading key in the background unless it is fresh.
func (e *Engine) Prefetch(ctx context.Context, key cache.Key) error {
	load, err := e.loaderFor(key)
	if err != nil {
		return err
	}
	e.coord.Prefetch(ctx, key, load)
	return nil
}

// Invalidate marks every entry under prefix stale; watched keys refetch.
func (e *Engine) Invalidate(prefix cache.Key) []cache.Key {
	return e.coord.Invalidate(prefix)
}

func (e *Engine) loadTask(id string) func(context.Context) (*backend.Task, error) {
	return func(ctx context.Context) (*backend.Task, error) { return e.api.GetTask(ctx, id) }
}

func (e *Engine) loadTasks(filter backend.TaskFilter) func(context.Context) ([]backend.Task, error) {
	return func(ctx context.Context) ([]backend.Task, error) { return e.api.ListTasks(ctx, filter) }
}

func (e *Engine) loadOffers(taskID string) func(context.Context) ([]backend.Offer, error) {
	return func(ctx context.Context) ([]backend.Offer, error) { return e.api.GetTaskOffers(ctx, taskID) }
}

func untyped[T any](load func(context.Context) (T, error)) coordinator.Loader {
	return func(ctx context.Context) (any, error) { return load(ctx) }
}

// loaderFor maps a cache key back to the API call that produces it.
func (e *Engine) loaderFor(key cache.Key) (coordinator.Loader, error) {
	switch {
	case len(key) == 3 && key[0] == "task" && key[1] == "offers":
		return untyped(e.loadOffers(key[2])), nil
	case len(key) == 2 && key[0] == "task":
		return untyped(e.loadTask(key[1])), nil
	case len(key) == 2 && key[0] == "tasks":
		filter, err := ParseFilterSignature(key[1])
		if err != nil {
			return nil, fmt.Errorf("invalid task filter in key %s: %w", key, err)
		}
		return untyped(e.loadTasks(filter)), nil
	case key.Equal(PaymentsKey()):
		return untyped(e.api.ListPayments), nil
	case key.Equal(CategoriesKey()):
		return untyped(e.api.ListCategories), nil
	}
	return nil, fmt.Errorf("no loader for cache key %s", key)
}
