package backend

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Task represents a posted marketplace task
type Task struct {
	ID          string       `json:"id"`
	Title       string       `json:"title"`
	Description string       `json:"description"`
	Budget      float64      `json:"budget"`
	Status      TaskStatus   `json:"status"`
	Date        string       `json:"date,omitempty"` // YYYY-MM-DD
	Time        string       `json:"time,omitempty"` // HH:MM
	Photos      []string     `json:"photos,omitempty"`
	IsRemoval   bool         `json:"isRemoval"`
	Pickup      *Location    `json:"pickupLocation,omitempty"`
	Delivery    *Location    `json:"deliveryLocation,omitempty"`
	Category    string       `json:"category,omitempty"`
	Coordinates *Coordinates `json:"coordinates,omitempty"`
	PosterID    string       `json:"posterId"`
	OfferCount  int          `json:"offerCount"`
	CreatedAt   time.Time    `json:"createdAt"`
}

// TaskStatus represents the lifecycle state of a task
type TaskStatus string

const (
	StatusOpen      TaskStatus = "open"
	StatusAssigned  TaskStatus = "assigned"
	StatusCompleted TaskStatus = "completed"
	StatusCancelled TaskStatus = "cancelled"
)

// Location is a named address with optional coordinates
type Location struct {
	Address     string       `json:"address"`
	Coordinates *Coordinates `json:"coordinates,omitempty"`
}

// Coordinates is a latitude/longitude pair
type Coordinates struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Offer is a tasker's bid on a task
type Offer struct {
	ID        string    `json:"id"`
	TaskID    string    `json:"taskId"`
	TaskerID  string    `json:"taskerId"`
	Amount    float64   `json:"amount"`
	Message   string    `json:"message,omitempty"`
	Accepted  bool      `json:"accepted"`
	CreatedAt time.Time `json:"createdAt"`
}

// Payment is a settled or pending payment for an accepted offer
type Payment struct {
	ID        string    `json:"id"`
	TaskID    string    `json:"taskId"`
	OfferID   string    `json:"offerId"`
	Amount    float64   `json:"amount"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
}

// Category is a service category a non-removal task can be filed under
type Category struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// User identifies the signed-in account
type User struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

// Session is the result of a successful login
type Session struct {
	Token     string    `json:"token"`
	User      User      `json:"user"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// TaskFilter narrows a task listing
type TaskFilter struct {
	Status   TaskStatus `json:"status,omitempty"`
	Category string     `json:"category,omitempty"`
	PosterID string     `json:"posterId,omitempty"`
	Search   string     `json:"search,omitempty"`
}

// NewTask is the payload for posting a task
type NewTask struct {
	Title       string       `json:"title"`
	Description string       `json:"description"`
	Budget      float64      `json:"budget"`
	Date        string       `json:"date,omitempty"`
	Time        string       `json:"time,omitempty"`
	Photos      []string     `json:"photos,omitempty"`
	IsRemoval   bool         `json:"isRemoval"`
	Pickup      *Location    `json:"pickupLocation,omitempty"`
	Delivery    *Location    `json:"deliveryLocation,omitempty"`
	Category    string       `json:"category,omitempty"`
	Coordinates *Coordinates `json:"coordinates,omitempty"`
}

// TaskUpdate is a partial edit of a task; nil fields are left unchanged
type TaskUpdate struct {
	Title       *string  `json:"title,omitempty"`
	Description *string  `json:"description,omitempty"`
	Budget      *float64 `json:"budget,omitempty"`
}

// NewOffer is the payload for making an offer on a task
type NewOffer struct {
	TaskID  string  `json:"-"`
	Amount  float64 `json:"amount"`
	Message string  `json:"message,omitempty"`
}

// NewPayment is the payload for paying an accepted offer
type NewPayment struct {
	TaskID  string  `json:"taskId"`
	OfferID string  `json:"offerId"`
	Amount  float64 `json:"amount"`
}

// Marketplace defines the remote API consumed by the engine
type Marketplace interface {
	// Session
	Login(ctx context.Context, email, password string) (*Session, error)

	// Reads
	GetTask(ctx context.Context, taskID string) (*Task, error)
	ListTasks(ctx context.Context, filter TaskFilter) ([]Task, error)
	GetTaskOffers(ctx context.Context, taskID string) ([]Offer, error)
	ListPayments(ctx context.Context) ([]Payment, error)
	ListCategories(ctx context.Context) ([]Category, error)

	// Writes
	CreateTask(ctx context.Context, task NewTask) (*Task, error)
	UpdateTask(ctx context.Context, taskID string, update TaskUpdate) (*Task, error)
	CreateOffer(ctx context.Context, offer NewOffer) (*Offer, error)
	AcceptOffer(ctx context.Context, offerID string) (*Offer, error)
	CreatePayment(ctx context.Context, payment NewPayment) (*Payment, error)

	// Connection management
	Close() error
}

// FindCategoryByName searches for a category by name (case-insensitive).
// Returns nil if no match is found.
func FindCategoryByName(categories []Category, name string) *Category {
	for _, c := range categories {
		if strings.EqualFold(c.Name, name) {
			return &c
		}
	}
	return nil
}

// GenerateID generates a unique identifier using UUID v4.
// Used for idempotency keys and local draft identifiers.
func GenerateID() string {
	return uuid.New().String()
}

type idempotencyKey struct{}

// WithIdempotencyKey attaches a key that write calls forward to the server so
// a retried request is not applied twice.
func WithIdempotencyKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, idempotencyKey{}, key)
}

// IdempotencyKey returns the key attached by WithIdempotencyKey, or "".
func IdempotencyKey(ctx context.Context) string {
	key, _ := ctx.Value(idempotencyKey{}).(string)
	return key
}
