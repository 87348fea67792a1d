// Package testutil provides shared test infrastructure: an in-process fake of
// the marketplace REST API and small assertion helpers.
package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"taskmarket/backend"
)

// Route names used for call counting and fault injection, "METHOD pattern".
const (
	RouteLogin       = "POST /v1/auth/login"
	RouteListTasks   = "GET /v1/tasks"
	RouteCreateTask  = "POST /v1/tasks"
	RouteGetTask     = "GET /v1/tasks/{id}"
	RouteUpdateTask  = "PATCH /v1/tasks/{id}"
	RouteTaskOffers  = "GET /v1/tasks/{id}/offers"
	RouteCreateOffer = "POST /v1/tasks/{id}/offers"
	RouteAcceptOffer = "POST /v1/offers/{id}/accept"
	RoutePayments    = "GET /v1/payments"
	RouteCreatePay   = "POST /v1/payments"
	RouteCategories  = "GET /v1/categories"
)

// fault is an injected failure for a route.
type fault struct {
	status  int
	message string
	times   int // remaining occurrences; <0 means forever
}

// FakeAPI simulates the marketplace API for tests.
type FakeAPI struct {
	server *httptest.Server

	mu         sync.Mutex
	tasks      map[string]*backend.Task
	offers     map[string]*backend.Offer
	payments   []backend.Payment
	categories []backend.Category
	users      map[string]fakeUser // email -> user
	tokens     map[string]string   // token -> email
	nextID     int
	calls      map[string]int
	faults     map[string]*fault
	holds      map[string]chan struct{}
	delays     map[string]time.Duration
	requestLog []string
	lastHeader map[string]http.Header
}

type fakeUser struct {
	user     backend.User
	password string
}

// NewFakeAPI starts a fake API server that is closed when the test ends.
func NewFakeAPI(t *testing.T) *FakeAPI {
	t.Helper()
	f := &FakeAPI{
		tasks:      make(map[string]*backend.Task),
		offers:     make(map[string]*backend.Offer),
		users:      make(map[string]fakeUser),
		tokens:     make(map[string]string),
		calls:      make(map[string]int),
		faults:     make(map[string]*fault),
		holds:      make(map[string]chan struct{}),
		delays:     make(map[string]time.Duration),
		lastHeader: make(map[string]http.Header),
	}
	f.server = httptest.NewServer(f.routes())
	t.Cleanup(f.Close)
	return f
}

// URL returns the API base URL including the /v1 prefix.
func (f *FakeAPI) URL() string {
	return f.server.URL + "/v1"
}

// Close stops the server, releasing any held requests first.
func (f *FakeAPI) Close() {
	f.mu.Lock()
	for route, ch := range f.holds {
		close(ch)
		delete(f.holds, route)
	}
	f.mu.Unlock()
	f.server.Close()
}

func (f *FakeAPI) routes() http.Handler {
	r := chi.NewRouter()
	r.Route("/v1", func(r chi.Router) {
		r.Post("/auth/login", f.wrap(RouteLogin, false, f.handleLogin))
		r.Get("/tasks", f.wrap(RouteListTasks, true, f.handleListTasks))
		r.Post("/tasks", f.wrap(RouteCreateTask, true, f.handleCreateTask))
		r.Get("/tasks/{id}", f.wrap(RouteGetTask, true, f.handleGetTask))
		r.Patch("/tasks/{id}", f.wrap(RouteUpdateTask, true, f.handleUpdateTask))
		r.Get("/tasks/{id}/offers", f.wrap(RouteTaskOffers, true, f.handleTaskOffers))
		r.Post("/tasks/{id}/offers", f.wrap(RouteCreateOffer, true, f.handleCreateOffer))
		r.Post("/offers/{id}/accept", f.wrap(RouteAcceptOffer, true, f.handleAcceptOffer))
		r.Get("/payments", f.wrap(RoutePayments, true, f.handlePayments))
		r.Post("/payments", f.wrap(RouteCreatePay, true, f.handleCreatePayment))
		r.Get("/categories", f.wrap(RouteCategories, false, f.handleCategories))
	})
	return r
}

// wrap applies call counting, holds, delays, injected faults and auth.
func (f *FakeAPI) wrap(route string, authRequired bool, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.calls[route]++
		f.requestLog = append(f.requestLog, r.Method+" "+r.URL.Path)
		f.lastHeader[route] = r.Header.Clone()
		hold := f.holds[route]
		delay := f.delays[route]
		f.mu.Unlock()

		if hold != nil {
			select {
			case <-hold:
			case <-r.Context().Done():
				return
			}
		}
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-r.Context().Done():
				return
			}
		}

		f.mu.Lock()
		if flt := f.faults[route]; flt != nil && flt.times != 0 {
			if flt.times > 0 {
				flt.times--
			}
			status, msg := flt.status, flt.message
			f.mu.Unlock()
			writeError(w, status, msg)
			return
		}
		if authRequired {
			token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if _, ok := f.tokens[token]; !ok || token == "" {
				f.mu.Unlock()
				writeError(w, http.StatusUnauthorized, "token expired or invalid")
				return
			}
		}
		f.mu.Unlock()

		h(w, r)
	}
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"success": true, "data": data})
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"message": message})
}

func (f *FakeAPI) newID(prefix string) string {
	f.nextID++
	return prefix + strconv.Itoa(f.nextID)
}

// =============================================================================
// Fixtures and fault injection
// =============================================================================

// AddUser registers an account and returns it.
func (f *FakeAPI) AddUser(email, password, name string) backend.User {
	f.mu.Lock()
	defer f.mu.Unlock()
	u := backend.User{ID: f.newID("u"), Name: name, Email: email}
	f.users[email] = fakeUser{user: u, password: password}
	return u
}

// IssueToken makes token valid for email without a login call.
func (f *FakeAPI) IssueToken(email, token string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokens[token] = email
}

// RevokeToken makes token answer 401 from now on.
func (f *FakeAPI) RevokeToken(token string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.tokens, token)
}

// AddTask stores a task fixture.
func (f *FakeAPI) AddTask(task backend.Task) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if task.Status == "" {
		task.Status = backend.StatusOpen
	}
	t := task
	f.tasks[t.ID] = &t
}

// Task returns a copy of a stored task.
func (f *FakeAPI) Task(id string) (backend.Task, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[id]
	if !ok {
		return backend.Task{}, false
	}
	return *t, true
}

// TaskCount returns the number of stored tasks.
func (f *FakeAPI) TaskCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.tasks)
}

// AddOffer stores an offer fixture.
func (f *FakeAPI) AddOffer(offer backend.Offer) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o := offer
	f.offers[o.ID] = &o
}

// AddCategory stores a category fixture.
func (f *FakeAPI) AddCategory(id, name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.categories = append(f.categories, backend.Category{ID: id, Name: name})
}

// Fail makes route answer status with message for the next times calls
// (times < 0 means until cleared).
func (f *FakeAPI) Fail(route string, status int, message string, times int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.faults[route] = &fault{status: status, message: message, times: times}
}

// ClearFaults removes all injected failures.
func (f *FakeAPI) ClearFaults() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.faults = make(map[string]*fault)
}

// Hold blocks requests on route until the returned release func is called.
func (f *FakeAPI) Hold(route string) (release func()) {
	ch := make(chan struct{})
	f.mu.Lock()
	f.holds[route] = ch
	f.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			if f.holds[route] == ch {
				delete(f.holds, route)
				close(ch)
			}
			f.mu.Unlock()
		})
	}
}

// Delay slows every request on route by d.
func (f *FakeAPI) Delay(route string, d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delays[route] = d
}

// Calls returns how many requests reached route.
func (f *FakeAPI) Calls(route string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[route]
}

// LastHeader returns the headers of the most recent request on route.
func (f *FakeAPI) LastHeader(route string) http.Header {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastHeader[route].Clone()
}

// RequestLog returns every request as "METHOD path" in arrival order.
func (f *FakeAPI) RequestLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string{}, f.requestLog...)
}

// =============================================================================
// Handlers
// =============================================================================

func (f *FakeAPI) handleLogin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}

	f.mu.Lock()
	u, ok := f.users[body.Email]
	if !ok || u.password != body.Password {
		f.mu.Unlock()
		writeError(w, http.StatusUnprocessableEntity, "invalid email or password")
		return
	}
	token := f.newID("tok-")
	f.tokens[token] = body.Email
	f.mu.Unlock()

	writeJSON(w, http.StatusOK, backend.Session{
		Token:     token,
		User:      u.user,
		ExpiresAt: time.Now().Add(time.Hour).UTC().Truncate(time.Second),
	})
}

func (f *FakeAPI) handleListTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f.mu.Lock()
	tasks := make([]backend.Task, 0, len(f.tasks))
	for _, t := range f.tasks {
		if s := q.Get("status"); s != "" && string(t.Status) != s {
			continue
		}
		if c := q.Get("category"); c != "" && !strings.EqualFold(t.Category, c) {
			continue
		}
		if p := q.Get("poster"); p != "" && t.PosterID != p {
			continue
		}
		if s := q.Get("q"); s != "" && !strings.Contains(strings.ToLower(t.Title), strings.ToLower(s)) {
			continue
		}
		tasks = append(tasks, *t)
	}
	f.mu.Unlock()

	sort.Slice(tasks, func(i, j int) bool { return tasks[i].ID < tasks[j].ID })
	writeJSON(w, http.StatusOK, tasks)
}

func (f *FakeAPI) handleGetTask(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	t, ok := f.tasks[chi.URLParam(r, "id")]
	var out backend.Task
	if ok {
		out = *t
	}
	f.mu.Unlock()

	if !ok {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (f *FakeAPI) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var nt backend.NewTask
	if err := json.NewDecoder(r.Body).Decode(&nt); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if strings.TrimSpace(nt.Title) == "" {
		writeError(w, http.StatusUnprocessableEntity, "title is required")
		return
	}

	f.mu.Lock()
	t := backend.Task{
		ID:          f.newID("t"),
		Title:       nt.Title,
		Description: nt.Description,
		Budget:      nt.Budget,
		Status:      backend.StatusOpen,
		Date:        nt.Date,
		Time:        nt.Time,
		Photos:      nt.Photos,
		IsRemoval:   nt.IsRemoval,
		Pickup:      nt.Pickup,
		Delivery:    nt.Delivery,
		Category:    nt.Category,
		Coordinates: nt.Coordinates,
		PosterID:    f.userFor(r),
		CreatedAt:   time.Now().UTC().Truncate(time.Second),
	}
	f.tasks[t.ID] = &t
	f.mu.Unlock()

	writeJSON(w, http.StatusCreated, t)
}

func (f *FakeAPI) handleUpdateTask(w http.ResponseWriter, r *http.Request) {
	var upd backend.TaskUpdate
	if err := json.NewDecoder(r.Body).Decode(&upd); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}

	f.mu.Lock()
	t, ok := f.tasks[chi.URLParam(r, "id")]
	if !ok {
		f.mu.Unlock()
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	if upd.Title != nil {
		t.Title = *upd.Title
	}
	if upd.Description != nil {
		t.Description = *upd.Description
	}
	if upd.Budget != nil {
		t.Budget = *upd.Budget
	}
	out := *t
	f.mu.Unlock()

	writeJSON(w, http.StatusOK, out)
}

func (f *FakeAPI) handleTaskOffers(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "id")
	f.mu.Lock()
	offers := []backend.Offer{}
	for _, o := range f.offers {
		if o.TaskID == taskID {
			offers = append(offers, *o)
		}
	}
	f.mu.Unlock()

	sort.Slice(offers, func(i, j int) bool { return offers[i].ID < offers[j].ID })
	writeJSON(w, http.StatusOK, offers)
}

func (f *FakeAPI) handleCreateOffer(w http.ResponseWriter, r *http.Request) {
	var body backend.NewOffer
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	taskID := chi.URLParam(r, "id")

	f.mu.Lock()
	t, ok := f.tasks[taskID]
	if !ok {
		f.mu.Unlock()
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	if body.Amount <= 0 {
		f.mu.Unlock()
		writeError(w, http.StatusUnprocessableEntity, "amount too low")
		return
	}
	o := backend.Offer{
		ID:        f.newID("o"),
		TaskID:    taskID,
		TaskerID:  f.userFor(r),
		Amount:    body.Amount,
		Message:   body.Message,
		CreatedAt: time.Now().UTC().Truncate(time.Second),
	}
	f.offers[o.ID] = &o
	t.OfferCount++
	f.mu.Unlock()

	writeJSON(w, http.StatusCreated, o)
}

func (f *FakeAPI) handleAcceptOffer(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	o, ok := f.offers[chi.URLParam(r, "id")]
	if !ok {
		f.mu.Unlock()
		writeError(w, http.StatusNotFound, "offer not found")
		return
	}
	o.Accepted = true
	if t, ok := f.tasks[o.TaskID]; ok {
		t.Status = backend.StatusAssigned
	}
	out := *o
	f.mu.Unlock()

	writeJSON(w, http.StatusOK, out)
}

func (f *FakeAPI) handlePayments(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	payments := append([]backend.Payment{}, f.payments...)
	f.mu.Unlock()
	writeJSON(w, http.StatusOK, payments)
}

func (f *FakeAPI) handleCreatePayment(w http.ResponseWriter, r *http.Request) {
	var body backend.NewPayment
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}

	f.mu.Lock()
	o, ok := f.offers[body.OfferID]
	if !ok || !o.Accepted {
		f.mu.Unlock()
		writeError(w, http.StatusUnprocessableEntity, "offer is not accepted")
		return
	}
	p := backend.Payment{
		ID:        f.newID("p"),
		TaskID:    body.TaskID,
		OfferID:   body.OfferID,
		Amount:    body.Amount,
		Status:    "paid",
		CreatedAt: time.Now().UTC().Truncate(time.Second),
	}
	f.payments = append(f.payments, p)
	f.mu.Unlock()

	writeJSON(w, http.StatusCreated, p)
}

func (f *FakeAPI) handleCategories(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	cats := append([]backend.Category{}, f.categories...)
	f.mu.Unlock()
	writeJSON(w, http.StatusOK, cats)
}

// userFor returns the user id behind the request's token. Caller holds mu.
func (f *FakeAPI) userFor(r *http.Request) string {
	email := f.tokens[strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")]
	if u, ok := f.users[email]; ok {
		return u.user.ID
	}
	return ""
}

// =============================================================================
// Assertions
// =============================================================================

// AssertContains fails the test if output doesn't contain expected.
func AssertContains(t *testing.T, output, expected string) {
	t.Helper()
	if !strings.Contains(output, expected) {
		t.Errorf("expected output to contain %q, got:\n%s", expected, output)
	}
}

// AssertNotContains fails the test if output contains unexpected.
func AssertNotContains(t *testing.T, output, unexpected string) {
	t.Helper()
	if strings.Contains(output, unexpected) {
		t.Errorf("expected output NOT to contain %q, got:\n%s", unexpected, output)
	}
}

// AssertCalls fails the test if route was not called exactly want times.
func AssertCalls(t *testing.T, f *FakeAPI, route string, want int) {
	t.Helper()
	if got := f.Calls(route); got != want {
		t.Errorf("%s called %d times, want %d", route, got, want)
	}
}

// MustJSON marshals v or fails the test.
func MustJSON(t *testing.T, v interface{}) string {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal %T: %v", v, err)
	}
	return string(b)
}

// Eventually polls cond until it holds or the timeout passes.
func Eventually(t *testing.T, timeout time.Duration, cond func() bool, msgAndArgs ...interface{}) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	if cond() {
		return
	}
	msg := "condition not met"
	if len(msgAndArgs) > 0 {
		if format, ok := msgAndArgs[0].(string); ok {
			msg = fmt.Sprintf(format, msgAndArgs[1:]...)
		}
	}
	t.Fatalf("timed out after %v: %s", timeout, msg)
}
