// Package draft holds the task being built by the create-task wizard.
package draft

import (
	"fmt"
	"strings"

	"taskmarket/backend"
)

// Draft is an in-progress task. The zero value is the empty draft.
//
// IsRemoval selects which location subset is meaningful. Both subsets are
// kept when the discriminator flips so toggling back restores them, but they
// are only reachable through Location.
type Draft struct {
	Title       string
	Description string
	Budget      float64
	Date        string // YYYY-MM-DD
	Time        string // HH:MM
	Photos      []string
	IsRemoval   bool

	pickup      *backend.Location
	delivery    *backend.Location
	category    string
	coordinates *backend.Coordinates
}

// Default returns the schema default draft.
func Default() Draft {
	return Draft{}
}

// Location is either a RemovalLocation or a ServiceLocation.
type Location interface {
	isLocation()
}

// RemovalLocation is the location subset of a removal task.
type RemovalLocation struct {
	Pickup   *backend.Location
	Delivery *backend.Location
}

// ServiceLocation is the location subset of a service task.
type ServiceLocation struct {
	Category    string
	Coordinates *backend.Coordinates
}

func (RemovalLocation) isLocation() {}
func (ServiceLocation) isLocation() {}

// Location returns the subset selected by IsRemoval.
func (d Draft) Location() Location {
	if d.IsRemoval {
		return RemovalLocation{Pickup: copyLocation(d.pickup), Delivery: copyLocation(d.delivery)}
	}
	return ServiceLocation{Category: d.category, Coordinates: copyCoordinates(d.coordinates)}
}

// clone returns a deep copy.
func (d Draft) clone() Draft {
	out := d
	if d.Photos != nil {
		out.Photos = append([]string{}, d.Photos...)
	}
	out.pickup = copyLocation(d.pickup)
	out.delivery = copyLocation(d.delivery)
	out.coordinates = copyCoordinates(d.coordinates)
	return out
}

// IsEmpty reports whether d equals the default draft.
func (d Draft) IsEmpty() bool {
	return d.Title == "" && d.Description == "" && d.Budget == 0 &&
		d.Date == "" && d.Time == "" && len(d.Photos) == 0 && !d.IsRemoval &&
		d.pickup == nil && d.delivery == nil && d.category == "" && d.coordinates == nil
}

// NewTask converts the draft to an API payload using only the active
// location subset.
func (d Draft) NewTask() backend.NewTask {
	nt := backend.NewTask{
		Title:       strings.TrimSpace(d.Title),
		Description: strings.TrimSpace(d.Description),
		Budget:      d.Budget,
		Date:        d.Date,
		Time:        d.Time,
		Photos:      append([]string(nil), d.Photos...),
		IsRemoval:   d.IsRemoval,
	}
	switch loc := d.Location().(type) {
	case RemovalLocation:
		nt.Pickup = loc.Pickup
		nt.Delivery = loc.Delivery
	case ServiceLocation:
		nt.Category = loc.Category
		nt.Coordinates = loc.Coordinates
	}
	return nt
}

// Patch is a partial update. Nil fields are left unchanged. A non-nil empty
// Photos slice clears the photos.
type Patch struct {
	Title       *string
	Description *string
	Budget      *float64
	Date        *string
	Time        *string
	Photos      []string
	IsRemoval   *bool

	Pickup      *backend.Location
	Delivery    *backend.Location
	Category    *string
	Coordinates *backend.Coordinates
}

// Ptr returns a pointer to v, for building patches.
func Ptr[T any](v T) *T {
	return &v
}

// apply merges p into d.
func (d *Draft) apply(p Patch) {
	if p.Title != nil {
		d.Title = *p.Title
	}
	if p.Description != nil {
		d.Description = *p.Description
	}
	if p.Budget != nil {
		d.Budget = *p.Budget
	}
	if p.Date != nil {
		d.Date = *p.Date
	}
	if p.Time != nil {
		d.Time = *p.Time
	}
	if p.Photos != nil {
		d.Photos = append([]string{}, p.Photos...)
	}
	if p.IsRemoval != nil {
		d.IsRemoval = *p.IsRemoval
	}
	if p.Pickup != nil {
		d.pickup = copyLocation(p.Pickup)
	}
	if p.Delivery != nil {
		d.delivery = copyLocation(p.Delivery)
	}
	if p.Category != nil {
		d.category = *p.Category
	}
	if p.Coordinates != nil {
		d.coordinates = copyCoordinates(p.Coordinates)
	}
}

// Rules are the minimum requirements a draft must meet before submit.
type Rules struct {
	MinTitleLength int
	MinBudget      float64
}

// DefaultRules returns the stock submit requirements.
func DefaultRules() Rules {
	return Rules{MinTitleLength: 10, MinBudget: 5}
}

// Missing returns the unmet requirements of d, empty when d is ready.
func (d Draft) Missing(r Rules) []string {
	var missing []string
	if n := len([]rune(strings.TrimSpace(d.Title))); n < r.MinTitleLength {
		missing = append(missing, fmt.Sprintf("title must be at least %d characters", r.MinTitleLength))
	}
	if strings.TrimSpace(d.Description) == "" {
		missing = append(missing, "description is required")
	}
	if d.Budget < r.MinBudget || d.Budget <= 0 {
		missing = append(missing, fmt.Sprintf("budget must be at least %.2f", r.MinBudget))
	}
	switch loc := d.Location().(type) {
	case RemovalLocation:
		if loc.Pickup == nil || strings.TrimSpace(loc.Pickup.Address) == "" {
			missing = append(missing, "pickup location is required")
		}
		if loc.Delivery == nil || strings.TrimSpace(loc.Delivery.Address) == "" {
			missing = append(missing, "delivery location is required")
		}
	case ServiceLocation:
		if strings.TrimSpace(loc.Category) == "" {
			missing = append(missing, "category is required")
		}
	}
	return missing
}

func copyLocation(l *backend.Location) *backend.Location {
	if l == nil {
		return nil
	}
	out := *l
	out.Coordinates = copyCoordinates(l.Coordinates)
	return &out
}

func copyCoordinates(c *backend.Coordinates) *backend.Coordinates {
	if c == nil {
		return nil
	}
	out := *c
	return &out
}
