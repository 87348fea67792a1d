package mutation

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskmarket/backend"
	"taskmarket/internal/cache"
	"taskmarket/internal/utils"
)

type offerPayload struct {
	TaskID string
	Amount float64
}

func newTestExecutor(t *testing.T, opts ...Option) (*Executor, *cache.Cache) {
	t.Helper()
	c := cache.New(cache.WithLogger(utils.NewLogger(nil, false)))
	opts = append([]Option{WithLogger(utils.NewLogger(nil, false))}, opts...)
	return New(c, nil, opts...), c
}

func createOfferAction(run func(context.Context, offerPayload) (*backend.Offer, error)) Action[offerPayload, *backend.Offer] {
	return Action[offerPayload, *backend.Offer]{
		Name: "createOffer",
		Run:  run,
		Invalidates: func(p offerPayload, _ *backend.Offer) []cache.Key {
			return []cache.Key{{"task", p.TaskID}, {"task", "offers", p.TaskID}, {"tasks"}}
		},
		Financial: true,
	}
}

func seed(c *cache.Cache) {
	c.Put(cache.Key{"task", "42"}, &backend.Task{ID: "42", Title: "Fix sink"})
	c.Put(cache.Key{"task", "offers", "42"}, []backend.Offer{{ID: "o1", TaskID: "42", Amount: 70}})
	c.Put(cache.Key{"tasks", "all"}, []backend.Task{{ID: "42"}})
	c.Put(cache.Key{"task", "7"}, &backend.Task{ID: "7"})
	c.Put(cache.Key{"payments"}, []backend.Payment{})
	c.Put(cache.Key{"categories"}, []backend.Category{{ID: "c1", Name: "Plumbing"}})
}

func TestFailedMutationLeavesCacheUnchanged(t *testing.T) {
	e, c := newTestExecutor(t)
	seed(c)
	before := c.Snapshot()

	action := createOfferAction(func(context.Context, offerPayload) (*backend.Offer, error) {
		return nil, backend.ClientError("amount too low")
	})
	_, err := Mutate(context.Background(), e, action, offerPayload{TaskID: "42", Amount: 50})

	require.Error(t, err)
	assert.Equal(t, "amount too low", err.Error())
	assert.Equal(t, before, c.Snapshot())
	assert.Equal(t, before[4], c.Get(cache.Key{"task", "offers", "42"}))
}

func TestSuccessInvalidatesExactlyDeclaredKeys(t *testing.T) {
	e, c := newTestExecutor(t)
	seed(c)

	action := createOfferAction(func(_ context.Context, p offerPayload) (*backend.Offer, error) {
		return &backend.Offer{ID: "o2", TaskID: p.TaskID, Amount: p.Amount}, nil
	})
	offer, err := Mutate(context.Background(), e, action, offerPayload{TaskID: "42", Amount: 50})
	require.NoError(t, err)
	assert.Equal(t, "o2", offer.ID)

	var invalidated []string
	for _, entry := range c.Snapshot() {
		if entry.Invalidated {
			invalidated = append(invalidated, entry.Key.String())
		}
	}
	assert.Equal(t, []string{
		`["task","42"]`,
		`["task","offers","42"]`,
		`["tasks","all"]`,
	}, invalidated)

	// Invalidated entries keep their data for display during refetch.
	assert.NotNil(t, c.Get(cache.Key{"task", "offers", "42"}).Data)
}

func TestInvalidationHappensAfterRun(t *testing.T) {
	e, c := newTestExecutor(t)
	seed(c)

	action := createOfferAction(func(context.Context, offerPayload) (*backend.Offer, error) {
		assert.False(t, c.Get(cache.Key{"task", "42"}).Invalidated, "invalidated before the call resolved")
		return &backend.Offer{ID: "o3"}, nil
	})
	_, err := Mutate(context.Background(), e, action, offerPayload{TaskID: "42", Amount: 80})
	require.NoError(t, err)
	assert.True(t, c.Get(cache.Key{"task", "42"}).Invalidated)
}

func TestMutateRunsEveryCall(t *testing.T) {
	e, _ := newTestExecutor(t)
	var calls atomic.Int32
	action := createOfferAction(func(context.Context, offerPayload) (*backend.Offer, error) {
		calls.Add(1)
		return &backend.Offer{}, nil
	})

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := Mutate(context.Background(), e, action, offerPayload{TaskID: "42", Amount: 50})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(5), calls.Load())
}

func TestEachCallGetsIdempotencyKey(t *testing.T) {
	e, _ := newTestExecutor(t)
	var keys []string
	action := createOfferAction(func(ctx context.Context, _ offerPayload) (*backend.Offer, error) {
		keys = append(keys, backend.IdempotencyKey(ctx))
		return &backend.Offer{}, nil
	})

	for i := 0; i < 2; i++ {
		_, err := Mutate(context.Background(), e, action, offerPayload{TaskID: "1", Amount: 10})
		require.NoError(t, err)
	}
	require.Len(t, keys, 2)
	assert.NotEmpty(t, keys[0])
	assert.NotEqual(t, keys[0], keys[1])

	// A caller-provided key is kept.
	ctx := backend.WithIdempotencyKey(context.Background(), "fixed")
	_, err := Mutate(ctx, e, action, offerPayload{TaskID: "1", Amount: 10})
	require.NoError(t, err)
	assert.Equal(t, "fixed", keys[2])
}

func renameAction(run func(context.Context, string) (*backend.Task, error)) Action[string, *backend.Task] {
	key := cache.Key{"task", "42"}
	return Action[string, *backend.Task]{
		Name: "renameTask",
		Run:  run,
		Optimistic: func(title string, get func(cache.Key) cache.Entry) []Update {
			cur, _ := get(key).Data.(*backend.Task)
			next := *cur
			next.Title = title
			return []Update{{Key: key, Data: &next}}
		},
		Reconcile: func(_ string, task *backend.Task) []Update {
			return []Update{{Key: key, Data: task}}
		},
		Invalidates: func(string, *backend.Task) []cache.Key {
			return []cache.Key{{"tasks"}}
		},
	}
}

func TestOptimisticUpdateRollsBackOnFailure(t *testing.T) {
	e, c := newTestExecutor(t)
	seed(c)
	key := cache.Key{"task", "42"}
	before := c.Get(key)

	var during cache.Entry
	action := renameAction(func(context.Context, string) (*backend.Task, error) {
		during = c.Get(key)
		return nil, backend.ErrorFromStatus(500, "boom")
	})
	_, err := Mutate(context.Background(), e, action, "Fix kitchen sink")
	require.Error(t, err)

	assert.True(t, during.Optimistic)
	assert.Equal(t, "Fix kitchen sink", during.Data.(*backend.Task).Title)
	assert.Equal(t, before, c.Get(key))
	assert.False(t, c.Get(cache.Key{"tasks", "all"}).Invalidated)
}

func TestOptimisticUpdateReconciledByServerResult(t *testing.T) {
	e, c := newTestExecutor(t)
	seed(c)
	key := cache.Key{"task", "42"}

	server := &backend.Task{ID: "42", Title: "Fix kitchen sink (edited)"}
	action := renameAction(func(context.Context, string) (*backend.Task, error) {
		return server, nil
	})
	_, err := Mutate(context.Background(), e, action, "Fix kitchen sink")
	require.NoError(t, err)

	entry := c.Get(key)
	assert.False(t, entry.Optimistic)
	assert.Same(t, server, entry.Data)
	assert.True(t, c.Get(cache.Key{"tasks", "all"}).Invalidated)
}

func TestUncoveredOverlayIsDroppedOnSuccess(t *testing.T) {
	e, c := newTestExecutor(t)
	key := cache.Key{"task", "5"}
	c.Put(key, "server")

	action := Action[string, string]{
		Name: "touch",
		Run:  func(context.Context, string) (string, error) { return "ok", nil },
		Optimistic: func(p string, _ func(cache.Key) cache.Entry) []Update {
			return []Update{{Key: key, Data: p}}
		},
	}
	_, err := Mutate(context.Background(), e, action, "provisional")
	require.NoError(t, err)
	assert.Equal(t, "server", c.Get(key).Data)
	assert.False(t, c.Get(key).Optimistic)
}

func TestFinancialActionRejectsOptimistic(t *testing.T) {
	e, c := newTestExecutor(t)
	seed(c)
	before := c.Snapshot()

	ran := false
	action := createOfferAction(func(context.Context, offerPayload) (*backend.Offer, error) {
		ran = true
		return &backend.Offer{}, nil
	})
	action.Optimistic = func(offerPayload, func(cache.Key) cache.Entry) []Update {
		return []Update{{Key: cache.Key{"task", "offers", "42"}, Data: nil}}
	}

	_, err := Mutate(context.Background(), e, action, offerPayload{TaskID: "42", Amount: 50})
	assert.ErrorIs(t, err, ErrOptimisticFinancial)
	assert.False(t, ran)
	assert.Equal(t, before, c.Snapshot())
}

func TestAuthExpiredMutationCallsHook(t *testing.T) {
	var hooked atomic.Int32
	e, _ := newTestExecutor(t, WithAuthExpiredHook(func(error) { hooked.Add(1) }))

	action := createOfferAction(func(context.Context, offerPayload) (*backend.Offer, error) {
		return nil, &backend.Error{Kind: backend.KindAuthExpired, StatusCode: 401}
	})
	_, err := Mutate(context.Background(), e, action, offerPayload{TaskID: "1", Amount: 1})
	assert.True(t, backend.IsAuthExpired(err))
	assert.Equal(t, int32(1), hooked.Load())
}

func TestMissingRun(t *testing.T) {
	e, _ := newTestExecutor(t)
	_, err := Mutate(context.Background(), e, Action[int, int]{Name: "noop"}, 1)
	assert.Error(t, err)
	assert.False(t, errors.Is(err, ErrOptimisticFinancial))
}

type recordingInvalidator struct {
	prefixes []cache.Key
}

func (r *recordingInvalidator) Invalidate(prefix cache.Key) []cache.Key {
	r.prefixes = append(r.prefixes, prefix)
	return nil
}

func TestCustomInvalidator(t *testing.T) {
	inv := &recordingInvalidator{}
	e := New(cache.New(), inv, WithLogger(utils.NewLogger(nil, false)))

	action := createOfferAction(func(context.Context, offerPayload) (*backend.Offer, error) {
		return &backend.Offer{}, nil
	})
	_, err := Mutate(context.Background(), e, action, offerPayload{TaskID: "9", Amount: 5})
	require.NoError(t, err)
	assert.Equal(t, []cache.Key{{"task", "9"}, {"task", "offers", "9"}, {"tasks"}}, inv.prefixes)
}
