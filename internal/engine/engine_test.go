package engine

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskmarket/backend"
	"taskmarket/internal/auth"
	"taskmarket/internal/cache"
	"taskmarket/internal/config"
	"taskmarket/internal/credentials"
	"taskmarket/internal/draft"
	"taskmarket/internal/testutil"
	"taskmarket/internal/utils"
)

const aliceEmail = "alice@example.com"

type fixture struct {
	api   *testutil.FakeAPI
	e     *Engine
	store *credentials.MemoryStore
	alice backend.User
}

func testConfig(api *testutil.FakeAPI) *config.Config {
	cfg := config.DefaultConfig()
	cfg.API.BaseURL = api.URL()
	cfg.Retry.BaseDelay = "1ms"
	cfg.Retry.MaxDelay = "5ms"
	return cfg
}

// newFixture builds an engine against a fake API with alice signed in.
func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	api := testutil.NewFakeAPI(t)
	f := &fixture{api: api, store: credentials.NewMemoryStore()}
	f.alice = api.AddUser(aliceEmail, "secret", "Alice")
	api.IssueToken(aliceEmail, "tok-alice")
	api.AddTask(backend.Task{ID: "42", Title: "Fix sink", Budget: 80, Category: "Plumbing"})
	api.AddCategory("c1", "Plumbing")
	api.AddCategory("c2", "Cleaning")

	base := []Option{
		WithConfig(testConfig(api)),
		WithCredentialStore(f.store),
		WithDraftStore(draft.NewStore()),
		WithLogger(utils.NewLogger(nil, false)),
	}
	e, err := New(context.Background(), append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	require.NoError(t, e.Auth().Set(context.Background(), "tok-alice", f.alice, time.Time{}))
	f.e = e
	return f
}

func cachedTask(e *Engine, id string) *backend.Task {
	t, _ := e.Cache().Get(TaskKey(id)).Data.(*backend.Task)
	return t
}

// =============================================================================
// Keys
// =============================================================================

func TestKeys(t *testing.T) {
	assert.Equal(t, `["task","42"]`, TaskKey("42").String())
	assert.Equal(t, `["task","offers","42"]`, TaskOffersKey("42").String())
	assert.Equal(t, `["tasks","all"]`, TasksKey(backend.TaskFilter{}).String())
	assert.Equal(t, `["payments"]`, PaymentsKey().String())
	assert.Equal(t, `["categories"]`, CategoriesKey().String())
	assert.True(t, TasksKey(backend.TaskFilter{Status: backend.StatusOpen}).HasPrefix(TaskListsPrefix()))
}

func TestFilterSignature(t *testing.T) {
	tests := []backend.TaskFilter{
		{},
		{Status: backend.StatusOpen},
		{Status: backend.StatusAssigned, Category: "plumbing", PosterID: "u1", Search: "sink & tap"},
	}
	for _, f := range tests {
		sig := FilterSignature(f)
		got, err := ParseFilterSignature(sig)
		require.NoError(t, err)
		assert.Equal(t, f, got, "signature %q", sig)
	}

	assert.Equal(t,
		FilterSignature(backend.TaskFilter{Category: "Plumbing", Status: "open"}),
		FilterSignature(backend.TaskFilter{Status: "open", Category: " plumbing "}),
		"equivalent filters share a cache entry")
}

// =============================================================================
// Queries
// =============================================================================

func TestTaskSingleFlight(t *testing.T) {
	f := newFixture(t)
	release := f.api.Hold(testutil.RouteGetTask)

	const callers = 5
	results := make([]*backend.Task, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			task, err := f.e.Task(context.Background(), "42")
			assert.NoError(t, err)
			results[i] = task
		}(i)
	}
	require.Eventually(t, func() bool {
		n, ok := f.e.coord.InFlight(TaskKey("42"))
		return ok && n == callers
	}, 2*time.Second, time.Millisecond)
	release()
	wg.Wait()

	testutil.AssertCalls(t, f.api, testutil.RouteGetTask, 1)
	require.NotNil(t, results[0])
	assert.Equal(t, "Fix sink", results[0].Title)
	for _, r := range results[1:] {
		assert.Same(t, results[0], r)
	}
	assert.Equal(t, cache.StatusSuccess, f.e.Cache().Get(TaskKey("42")).Status)
}

func TestFreshQueryServedFromCache(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.e.Categories(ctx)
	require.NoError(t, err)
	second, err := f.e.Categories(ctx)
	require.NoError(t, err)

	assert.Len(t, second, 2)
	assert.Equal(t, first, second)
	testutil.AssertCalls(t, f.api, testutil.RouteCategories, 1)
}

func TestTasksFilteredListing(t *testing.T) {
	f := newFixture(t)
	f.api.AddTask(backend.Task{ID: "43", Title: "Deep clean flat", Budget: 120, Category: "Cleaning"})

	tasks, err := f.e.Tasks(context.Background(), backend.TaskFilter{Category: "cleaning"})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "43", tasks[0].ID)

	entry := f.e.Cache().Get(TasksKey(backend.TaskFilter{Category: "Cleaning"}))
	assert.Equal(t, cache.StatusSuccess, entry.Status)
}

func TestQueryNotFoundIsTerminal(t *testing.T) {
	f := newFixture(t)
	_, err := f.e.Task(context.Background(), "missing")

	kind, ok := backend.KindOf(err)
	require.True(t, ok, "got %v", err)
	assert.Equal(t, backend.KindClient, kind)
	testutil.AssertCalls(t, f.api, testutil.RouteGetTask, 1)
	assert.Equal(t, cache.StatusError, f.e.Cache().Get(TaskKey("missing")).Status)
}

func TestServerErrorsRetried(t *testing.T) {
	f := newFixture(t)
	f.api.Fail(testutil.RoutePayments, 503, "maintenance", 2)

	payments, err := f.e.Payments(context.Background())
	require.NoError(t, err)
	assert.Empty(t, payments)
	testutil.AssertCalls(t, f.api, testutil.RoutePayments, 3)
}

func TestRefreshAndUnknownKey(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.e.Categories(ctx)
	require.NoError(t, err)

	require.NoError(t, f.e.Refresh(ctx, CategoriesKey()))
	testutil.AssertCalls(t, f.api, testutil.RouteCategories, 2)

	assert.Error(t, f.e.Refresh(ctx, cache.Key{"profile"}))
	_, err = f.e.Watch(cache.Key{"profile"}, func(cache.Entry) {})
	assert.Error(t, err)
}

// =============================================================================
// Mutations
// =============================================================================

func TestCreateOfferFailureLeavesCacheUnchanged(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.e.TaskOffers(ctx, "42")
	require.NoError(t, err)
	_, err = f.e.Task(ctx, "42")
	require.NoError(t, err)
	before := f.e.Cache().Snapshot()

	_, err = f.e.CreateOffer(ctx, backend.NewOffer{TaskID: "42", Amount: 0})

	var be *backend.Error
	require.True(t, errors.As(err, &be), "got %v", err)
	assert.Equal(t, backend.KindClient, be.Kind)
	assert.Equal(t, "amount too low", be.Message)
	assert.Equal(t, before, f.e.Cache().Snapshot())
}

func TestCreateOfferRefreshesWatchedTask(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var mu sync.Mutex
	var seen []cache.Entry
	sub, err := f.e.Watch(TaskKey("42"), func(e cache.Entry) {
		mu.Lock()
		seen = append(seen, e)
		mu.Unlock()
	})
	require.NoError(t, err)
	defer sub.Close()

	require.Eventually(t, func() bool {
		task := cachedTask(f.e, "42")
		return task != nil && task.OfferCount == 0
	}, 2*time.Second, time.Millisecond)

	offer, err := f.e.CreateOffer(ctx, backend.NewOffer{TaskID: "42", Amount: 50})
	require.NoError(t, err)
	assert.Equal(t, 50.0, offer.Amount)

	require.Eventually(t, func() bool {
		task := cachedTask(f.e, "42")
		return task != nil && task.OfferCount == 1
	}, 2*time.Second, time.Millisecond)
	testutil.AssertCalls(t, f.api, testutil.RouteGetTask, 2)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, seen)
	assert.Equal(t, cache.StatusIdle, seen[0].Status, "first delivery is the current entry")
}

func TestEveryOfferIsSent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		_, err := f.e.CreateOffer(ctx, backend.NewOffer{TaskID: "42", Amount: 50})
		require.NoError(t, err)
	}
	testutil.AssertCalls(t, f.api, testutil.RouteCreateOffer, 2)
	assert.NotEmpty(t, f.api.LastHeader(testutil.RouteCreateOffer).Get("Idempotency-Key"))
}

func TestUpdateTaskOptimisticRollback(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.e.Task(ctx, "42")
	require.NoError(t, err)

	release := f.api.Hold(testutil.RouteUpdateTask)
	f.api.Fail(testutil.RouteUpdateTask, 422, "title too short", 1)

	done := make(chan error, 1)
	go func() {
		_, err := f.e.UpdateTask(ctx, "42", backend.TaskUpdate{Title: draft.Ptr("Fix")})
		done <- err
	}()

	require.Eventually(t, func() bool {
		task := cachedTask(f.e, "42")
		return task != nil && task.Title == "Fix"
	}, 2*time.Second, time.Millisecond, "edit shown before the server answers")
	assert.True(t, f.e.Cache().Get(TaskKey("42")).Optimistic)

	release()
	require.Error(t, <-done)
	entry := f.e.Cache().Get(TaskKey("42"))
	assert.False(t, entry.Optimistic)
	assert.Equal(t, "Fix sink", cachedTask(f.e, "42").Title)
}

func TestUpdateTaskReconciles(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.e.Task(ctx, "42")
	require.NoError(t, err)

	updated, err := f.e.UpdateTask(ctx, "42", backend.TaskUpdate{Budget: draft.Ptr(95.0)})
	require.NoError(t, err)
	assert.Equal(t, 95.0, updated.Budget)

	entry := f.e.Cache().Get(TaskKey("42"))
	assert.False(t, entry.Optimistic)
	assert.Same(t, updated, entry.Data)
	stored, _ := f.api.Task("42")
	assert.Equal(t, 95.0, stored.Budget)
}

func TestAcceptAndPay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.api.AddOffer(backend.Offer{ID: "o9", TaskID: "42", TaskerID: "u7", Amount: 70})
	_, err := f.e.Payments(ctx)
	require.NoError(t, err)

	accepted, err := f.e.AcceptOffer(ctx, "o9")
	require.NoError(t, err)
	assert.True(t, accepted.Accepted)

	_, err = f.e.CreatePayment(ctx, backend.NewPayment{TaskID: "42", OfferID: "o9", Amount: 70})
	require.NoError(t, err)
	assert.True(t, f.e.Cache().Get(PaymentsKey()).Invalidated)

	stale, err := f.e.Payments(ctx)
	require.NoError(t, err)
	assert.Empty(t, stale, "invalidated data is served while it revalidates")
	testutil.Eventually(t, 2*time.Second, func() bool {
		p, _ := f.e.Cache().Get(PaymentsKey()).Data.([]backend.Payment)
		return len(p) == 1
	})
}

// =============================================================================
// Draft submit
// =============================================================================

func TestSubmitDraftResolvesCategory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := f.e.Drafts()
	require.NoError(t, d.Update(ctx, draft.Patch{
		Title:       draft.Ptr("Fix the kitchen sink"),
		Description: draft.Ptr("Leaking under the basin"),
		Budget:      draft.Ptr(80.0),
		Category:    draft.Ptr("plumbng"),
	}))
	require.Equal(t, draft.StateReady, d.State())

	task, err := f.e.SubmitDraft(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Plumbing", task.Category)
	assert.Equal(t, "Fix the kitchen sink", task.Title)
	assert.Equal(t, draft.StateSubmitted, d.State())
	assert.True(t, d.Current().IsEmpty())
	assert.Equal(t, 2, f.api.TaskCount())
	assert.Same(t, task, f.e.Cache().Get(TaskKey(task.ID)).Data)
}

func TestSubmitIncompleteDraft(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.e.Drafts().Update(ctx, draft.Patch{Title: draft.Ptr("Short")}))

	_, err := f.e.SubmitDraft(ctx)
	var ews *utils.ErrorWithSuggestion
	require.ErrorAs(t, err, &ews)
	assert.Contains(t, err.Error(), "title must be at least 10 characters")
	testutil.AssertCalls(t, f.api, testutil.RouteCreateTask, 0)
	assert.Equal(t, "Short", f.e.Drafts().Current().Title, "draft kept")
}

func TestSubmitEmptyDraft(t *testing.T) {
	f := newFixture(t)
	_, err := f.e.SubmitDraft(context.Background())
	assert.ErrorIs(t, err, ErrDraftNotActive)
}

func TestSubmitDraftFailureKeepsDraft(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.e.Drafts().Update(ctx, draft.Patch{
		Title:       draft.Ptr("Move a sofa upstairs"),
		Description: draft.Ptr("Two flights"),
		Budget:      draft.Ptr(40.0),
		IsRemoval:   draft.Ptr(true),
		Pickup:      &backend.Location{Address: "1 High St"},
		Delivery:    &backend.Location{Address: "9 Low Rd"},
	}))
	f.api.Fail(testutil.RouteCreateTask, 422, "date is in the past", 1)

	_, err := f.e.SubmitDraft(ctx)
	require.Error(t, err)
	assert.Equal(t, draft.StateReady, f.e.Drafts().State())
	testutil.AssertCalls(t, f.api, testutil.RouteCategories, 0)
}

// =============================================================================
// Session
// =============================================================================

func TestLoginPersistsSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.e.Logout(ctx))

	user, err := f.e.Login(ctx, aliceEmail, "secret")
	require.NoError(t, err)
	assert.Equal(t, "Alice", user.Name)

	_, err = f.e.Payments(ctx)
	require.NoError(t, err)
	testutil.AssertContains(t, f.api.LastHeader(testutil.RoutePayments).Get("Authorization"), "Bearer tok-")

	second, err := New(ctx,
		WithConfig(testConfig(f.api)),
		WithCredentialStore(f.store),
		WithDraftStore(draft.NewStore()),
		WithLogger(utils.NewLogger(nil, false)),
	)
	require.NoError(t, err)
	defer second.Close()
	cred, ok := second.Auth().Current()
	require.True(t, ok, "session restored from the credential store")
	assert.Equal(t, aliceEmail, cred.User.Email)
}

func TestLoginWrongPassword(t *testing.T) {
	f := newFixture(t)
	_, err := f.e.Login(context.Background(), aliceEmail, "wrong")
	kind, _ := backend.KindOf(err)
	assert.Equal(t, backend.KindClient, kind)
	_, ok := f.e.Auth().Current()
	assert.True(t, ok, "failed login keeps the existing session")
}

func TestExpiredTokenSignsOutOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.e.Payments(ctx)
	require.NoError(t, err)
	_, err = f.e.Categories(ctx)
	require.NoError(t, err)

	var signOuts int
	var mu sync.Mutex
	f.e.Auth().Subscribe(func(c *auth.Credential) {
		if c == nil {
			mu.Lock()
			signOuts++
			mu.Unlock()
		}
	})
	f.api.RevokeToken("tok-alice")

	var wg sync.WaitGroup
	for _, key := range []cache.Key{PaymentsKey(), TaskKey("42"), TaskOffersKey("42")} {
		wg.Add(1)
		go func(key cache.Key) {
			defer wg.Done()
			err := f.e.Refresh(ctx, key)
			assert.True(t, backend.IsAuthExpired(err), "got %v", err)
		}(key)
	}
	wg.Wait()

	mu.Lock()
	assert.Equal(t, 1, signOuts)
	mu.Unlock()
	assert.False(t, f.e.Health().SignedIn)
	assert.Nil(t, f.e.Cache().Get(PaymentsKey()).Data, "user data dropped")
	assert.NotNil(t, f.e.Cache().Get(CategoriesKey()).Data, "shared data kept")
}

func TestLoginAsOtherUserDropsCachedData(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.api.AddUser("bob@example.com", "hunter2", "Bob")
	_, err := f.e.Payments(ctx)
	require.NoError(t, err)

	_, err = f.e.Login(ctx, "bob@example.com", "hunter2")
	require.NoError(t, err)
	assert.Equal(t, cache.StatusIdle, f.e.Cache().Get(PaymentsKey()).Status)
}

func TestSessionEndDetachesInFlightFetch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.api.AddUser("bob@example.com", "hunter2", "Bob")
	release := f.api.Hold(testutil.RoutePayments)
	defer release()

	aliceDone := make(chan error, 1)
	go func() {
		_, err := f.e.Payments(ctx)
		aliceDone <- err
	}()
	require.Eventually(t, func() bool {
		_, ok := f.e.coord.InFlight(PaymentsKey())
		return ok
	}, 2*time.Second, time.Millisecond)

	require.True(t, f.e.Auth().Expire(ctx, "tok-alice"))
	_, ok := f.e.coord.InFlight(PaymentsKey())
	assert.False(t, ok, "expiry detaches the old session's request")

	_, err := f.e.Login(ctx, "bob@example.com", "hunter2")
	require.NoError(t, err)
	bobDone := make(chan error, 1)
	go func() {
		_, err := f.e.Payments(ctx)
		bobDone <- err
	}()

	require.Eventually(t, func() bool {
		return f.api.Calls(testutil.RoutePayments) == 2
	}, 2*time.Second, time.Millisecond, "bob's fetch sends its own request")
	header := f.api.LastHeader(testutil.RoutePayments).Get("Authorization")
	assert.NotEqual(t, "Bearer tok-alice", header)
	testutil.AssertContains(t, header, "Bearer tok-")

	release()
	require.NoError(t, <-aliceDone)
	require.NoError(t, <-bobDone)
	assert.Equal(t, cache.StatusSuccess, f.e.Cache().Get(PaymentsKey()).Status)
}

// =============================================================================
// Watch
// =============================================================================

func TestWatchCloseStopsDelivery(t *testing.T) {
	f := newFixture(t)
	var mu sync.Mutex
	count := 0
	sub, err := f.e.Watch(CategoriesKey(), func(cache.Entry) {
		mu.Lock()
		count++
		mu.Unlock()
	})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return f.e.Cache().Get(CategoriesKey()).Status == cache.StatusSuccess
	}, 2*time.Second, time.Millisecond)

	sub.Close()
	sub.Close()
	mu.Lock()
	before := count
	mu.Unlock()

	f.e.Invalidate(CategoriesKey())
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	assert.Equal(t, before, count)
	mu.Unlock()
	testutil.AssertCalls(t, f.api, testutil.RouteCategories, 1)
}

func TestWatchDoesNotLoopOnFailedRefetch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.e.Task(ctx, "42")
	require.NoError(t, err)
	sub, err := f.e.Watch(TaskKey("42"), func(cache.Entry) {})
	require.NoError(t, err)
	defer sub.Close()

	f.api.Fail(testutil.RouteGetTask, 404, "gone", -1)
	f.e.Invalidate(TaskKey("42"))
	require.Eventually(t, func() bool {
		return f.e.Cache().Get(TaskKey("42")).Status == cache.StatusError
	}, 2*time.Second, time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	testutil.AssertCalls(t, f.api, testutil.RouteGetTask, 2)
	assert.Equal(t, "Fix sink", cachedTask(f.e, "42").Title, "data kept on error")
}

// =============================================================================
// Configuration
// =============================================================================

func TestApplyConfig(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.e.Categories(ctx)
	require.NoError(t, err)

	cfg := testConfig(f.api)
	cfg.Cache.TTL["categories"] = "0s"
	minLen := 3
	cfg.Draft.MinTitleLength = &minLen
	require.NoError(t, f.e.ApplyConfig(cfg))

	_, err = f.e.Categories(ctx)
	require.NoError(t, err)
	testutil.Eventually(t, 2*time.Second, func() bool {
		return f.api.Calls(testutil.RouteCategories) == 2
	}, "zero TTL revalidates")
	assert.Equal(t, 3, f.e.Drafts().Rules().MinTitleLength)

	bad := testConfig(f.api)
	bad.OutputFormat = "xml"
	assert.Error(t, f.e.ApplyConfig(bad))
	assert.Same(t, cfg, f.e.Config())
}

func TestWatchConfigReloads(t *testing.T) {
	f := newFixture(t)
	path := filepath.Join(t.TempDir(), "config.yaml")
	write := func(body string) {
		require.NoError(t, os.WriteFile(path, []byte("api:\n  base_url: "+f.api.URL()+"\n"+body), 0644))
	}
	write("output_format: text\n")
	require.NoError(t, f.e.WatchConfig(path))

	write("output_format: json\ndraft:\n  min_budget: 20\n")
	require.Eventually(t, func() bool {
		return f.e.Config().OutputFormat == "json"
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, 20.0, f.e.Drafts().Rules().MinBudget)

	write("output_format: xml\n")
	time.Sleep(500 * time.Millisecond)
	assert.Equal(t, "json", f.e.Config().OutputFormat, "invalid config ignored")
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.API.BaseURL = "not a url"
	_, err := New(context.Background(), WithConfig(cfg), WithDraftStore(draft.NewStore()))
	assert.Error(t, err)
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	_, err := f.e.Categories(context.Background())
	require.NoError(t, err)

	h := f.e.Health()
	assert.Equal(t, "closed", h.Circuit)
	assert.True(t, h.SignedIn)
	assert.Equal(t, 1, h.CacheEntries)
}
