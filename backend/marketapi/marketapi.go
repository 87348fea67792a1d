// Package marketapi provides the backend.Marketplace implementation for the
// marketplace REST API. Responses are JSON envelopes {"success":..,"data":..};
// failures are non-2xx responses carrying {"message":..}.
package marketapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"taskmarket/backend"
	"taskmarket/internal/transport"
)

const (
	// DefaultBaseURL is the production API base URL
	DefaultBaseURL = "https://api.taskmarket.app/v1"

	// maxErrorBody bounds how much of an error response is read
	maxErrorBody = 64 << 10
)

// Config holds API connection settings
type Config struct {
	BaseURL string // Override for testing
	Timeout time.Duration
}

// Backend implements backend.Marketplace over HTTP
type Backend struct {
	config  Config
	client  *transport.Client
	baseURL string
}

// New creates a new API backend. A nil client gets a default transport.
func New(cfg Config, client *transport.Client) (*Backend, error) {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("invalid API base URL %q: %w", baseURL, err)
	}

	if client == nil {
		client = transport.NewClient(transport.Config{Timeout: cfg.Timeout, Name: "marketplace"})
	}

	return &Backend{
		config:  cfg,
		client:  client,
		baseURL: strings.TrimRight(baseURL, "/"),
	}, nil
}

// Close releases the backend. The shared transport is owned by the caller.
func (b *Backend) Close() error {
	return nil
}

// envelope is the success body shape of every endpoint
type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message,omitempty"`
}

// errorBody is the failure body shape
type errorBody struct {
	Message string `json:"message"`
}

// doRequest performs an API request and decodes the envelope data into out.
func (b *Backend) doRequest(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
	}

	header := http.Header{}
	header.Set("Accept", "application/json")
	if payload != nil {
		header.Set("Content-Type", "application/json")
	}
	if key := backend.IdempotencyKey(ctx); key != "" && method != http.MethodGet {
		header.Set("Idempotency-Key", key)
	}

	resp, err := b.client.Do(ctx, method, b.baseURL+path, payload, header)
	if err != nil {
		return classifyTransportError(ctx, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := backend.ErrorFromStatus(resp.StatusCode, readErrorMessage(resp.Body))
		if apiErr.Kind == backend.KindAuthExpired && resp.Request != nil {
			apiErr.Token = strings.TrimPrefix(resp.Request.Header.Get("Authorization"), "Bearer ")
		}
		return apiErr
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return &backend.Error{Kind: backend.KindServer, StatusCode: resp.StatusCode, Message: "malformed response", Err: err}
	}
	if !env.Success {
		msg := env.Message
		if msg == "" {
			msg = "request was not successful"
		}
		return &backend.Error{Kind: backend.KindClient, StatusCode: resp.StatusCode, Message: msg}
	}
	if out == nil || len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return &backend.Error{Kind: backend.KindServer, StatusCode: resp.StatusCode, Message: "malformed response data", Err: err}
	}
	return nil
}

// classifyTransportError maps errors from the transport into the taxonomy.
// Caller cancellation is passed through untouched so it is never retried.
func classifyTransportError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	var rle *transport.RateLimitError
	if errors.As(err, &rle) {
		return &backend.Error{Kind: backend.KindServer, StatusCode: http.StatusTooManyRequests, Message: rle.Error(), Err: err}
	}
	return backend.NetworkError(err)
}

// readErrorMessage extracts {"message":...} from an error body, falling back
// to the raw text.
func readErrorMessage(r io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(r, maxErrorBody))
	if err != nil || len(data) == 0 {
		return ""
	}
	var eb errorBody
	if json.Unmarshal(data, &eb) == nil && eb.Message != "" {
		return eb.Message
	}
	return strings.TrimSpace(string(data))
}

// =============================================================================
// Session
// =============================================================================

// Login exchanges credentials for a session token
func (b *Backend) Login(ctx context.Context, email, password string) (*backend.Session, error) {
	body := map[string]string{"email": email, "password": password}
	var session backend.Session
	if err := b.doRequest(ctx, http.MethodPost, "/auth/login", body, &session); err != nil {
		return nil, err
	}
	if session.Token == "" {
		return nil, &backend.Error{Kind: backend.KindServer, Message: "login response has no token"}
	}
	return &session, nil
}

// =============================================================================
// Task Operations
// =============================================================================

// GetTask returns a task by ID
func (b *Backend) GetTask(ctx context.Context, taskID string) (*backend.Task, error) {
	var task backend.Task
	if err := b.doRequest(ctx, http.MethodGet, "/tasks/"+url.PathEscape(taskID), nil, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// ListTasks returns tasks matching filter
func (b *Backend) ListTasks(ctx context.Context, filter backend.TaskFilter) ([]backend.Task, error) {
	q := url.Values{}
	if filter.Status != "" {
		q.Set("status", string(filter.Status))
	}
	if filter.Category != "" {
		q.Set("category", filter.Category)
	}
	if filter.PosterID != "" {
		q.Set("poster", filter.PosterID)
	}
	if filter.Search != "" {
		q.Set("q", filter.Search)
	}
	path := "/tasks"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var tasks []backend.Task
	if err := b.doRequest(ctx, http.MethodGet, path, nil, &tasks); err != nil {
		return nil, err
	}
	if tasks == nil {
		tasks = []backend.Task{}
	}
	return tasks, nil
}

// CreateTask posts a new task
func (b *Backend) CreateTask(ctx context.Context, task backend.NewTask) (*backend.Task, error) {
	var created backend.Task
	if err := b.doRequest(ctx, http.MethodPost, "/tasks", task, &created); err != nil {
		return nil, err
	}
	return &created, nil
}

// UpdateTask applies a partial edit to a task
func (b *Backend) UpdateTask(ctx context.Context, taskID string, update backend.TaskUpdate) (*backend.Task, error) {
	var updated backend.Task
	if err := b.doRequest(ctx, http.MethodPatch, "/tasks/"+url.PathEscape(taskID), update, &updated); err != nil {
		return nil, err
	}
	return &updated, nil
}

// =============================================================================
// Offer and Payment Operations
// =============================================================================

// GetTaskOffers returns the offers made on a task
func (b *Backend) GetTaskOffers(ctx context.Context, taskID string) ([]backend.Offer, error) {
	var offers []backend.Offer
	if err := b.doRequest(ctx, http.MethodGet, "/tasks/"+url.PathEscape(taskID)+"/offers", nil, &offers); err != nil {
		return nil, err
	}
	if offers == nil {
		offers = []backend.Offer{}
	}
	return offers, nil
}

// CreateOffer makes an offer on a task
func (b *Backend) CreateOffer(ctx context.Context, offer backend.NewOffer) (*backend.Offer, error) {
	if offer.TaskID == "" {
		return nil, backend.ClientError("task id is required")
	}
	var created backend.Offer
	if err := b.doRequest(ctx, http.MethodPost, "/tasks/"+url.PathEscape(offer.TaskID)+"/offers", offer, &created); err != nil {
		return nil, err
	}
	return &created, nil
}

// AcceptOffer accepts an offer, assigning its task
func (b *Backend) AcceptOffer(ctx context.Context, offerID string) (*backend.Offer, error) {
	var accepted backend.Offer
	if err := b.doRequest(ctx, http.MethodPost, "/offers/"+url.PathEscape(offerID)+"/accept", nil, &accepted); err != nil {
		return nil, err
	}
	return &accepted, nil
}

// ListPayments returns the signed-in user's payments
func (b *Backend) ListPayments(ctx context.Context) ([]backend.Payment, error) {
	var payments []backend.Payment
	if err := b.doRequest(ctx, http.MethodGet, "/payments", nil, &payments); err != nil {
		return nil, err
	}
	if payments == nil {
		payments = []backend.Payment{}
	}
	return payments, nil
}

// CreatePayment pays an accepted offer
func (b *Backend) CreatePayment(ctx context.Context, payment backend.NewPayment) (*backend.Payment, error) {
	var created backend.Payment
	if err := b.doRequest(ctx, http.MethodPost, "/payments", payment, &created); err != nil {
		return nil, err
	}
	return &created, nil
}

// ListCategories returns all service categories
func (b *Backend) ListCategories(ctx context.Context) ([]backend.Category, error) {
	var categories []backend.Category
	if err := b.doRequest(ctx, http.MethodGet, "/categories", nil, &categories); err != nil {
		return nil, err
	}
	if categories == nil {
		categories = []backend.Category{}
	}
	return categories, nil
}
