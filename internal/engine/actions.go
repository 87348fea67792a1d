package engine

import (
	"context"
	"errors"
	"fmt"

	"taskmarket/backend"
	"taskmarket/internal/cache"
	"taskmarket/internal/draft"
	"taskmarket/internal/mutation"
	"taskmarket/internal/utils"
)

// ErrDraftNotActive is returned when submitting an empty draft.
var ErrDraftNotActive = errors.New("there is no task draft to submit")

// taskUpdate is the payload of the edit-task action.
type taskUpdate struct {
	ID     string
	Update backend.TaskUpdate
}

func (e *Engine) createTaskAction() mutation.Action[backend.NewTask, *backend.Task] {
	return mutation.Action[backend.NewTask, *backend.Task]{
		Name: "createTask",
		Run:  e.api.CreateTask,
		Reconcile: func(_ backend.NewTask, t *backend.Task) []mutation.Update {
			return []mutation.Update{{Key: TaskKey(t.ID), Data: t}}
		},
		Invalidates: func(backend.NewTask, *backend.Task) []cache.Key {
			return []cache.Key{TaskListsPrefix()}
		},
	}
}

// updateTaskAction edits title, description or budget. The cached task shows
// the edit immediately and reverts if the server rejects it.
func (e *Engine) updateTaskAction() mutation.Action[taskUpdate, *backend.Task] {
	return mutation.Action[taskUpdate, *backend.Task]{
		Name: "updateTask",
		Run: func(ctx context.Context, p taskUpdate) (*backend.Task, error) {
			return e.api.UpdateTask(ctx, p.ID, p.Update)
		},
		Optimistic: func(p taskUpdate, get func(cache.Key) cache.Entry) []mutation.Update {
			cur, ok := get(TaskKey(p.ID)).Data.(*backend.Task)
			if !ok || cur == nil {
				return nil
			}
			next := *cur
			if p.Update.Title != nil {
				next.Title = *p.Update.Title
			}
			if p.Update.Description != nil {
				next.Description = *p.Update.Description
			}
			if p.Update.Budget != nil {
				next.Budget = *p.Update.Budget
			}
			return []mutation.Update{{Key: TaskKey(p.ID), Data: &next}}
		},
		Reconcile: func(p taskUpdate, t *backend.Task) []mutation.Update {
			return []mutation.Update{{Key: TaskKey(p.ID), Data: t}}
		},
		Invalidates: func(taskUpdate, *backend.Task) []cache.Key {
			return []cache.Key{TaskListsPrefix()}
		},
	}
}

func (e *Engine) createOfferAction() mutation.Action[backend.NewOffer, *backend.Offer] {
	return mutation.Action[backend.NewOffer, *backend.Offer]{
		Name:      "createOffer",
		Financial: true,
		Run:       e.api.CreateOffer,
		Invalidates: func(p backend.NewOffer, _ *backend.Offer) []cache.Key {
			return []cache.Key{TaskKey(p.TaskID), TaskOffersKey(p.TaskID), TaskListsPrefix()}
		},
	}
}

func (e *Engine) acceptOfferAction() mutation.Action[string, *backend.Offer] {
	return mutation.Action[string, *backend.Offer]{
		Name:      "acceptOffer",
		Financial: true,
		Run:       e.api.AcceptOffer,
		Invalidates: func(_ string, o *backend.Offer) []cache.Key {
			return []cache.Key{TaskKey(o.TaskID), TaskOffersKey(o.TaskID), TaskListsPrefix()}
		},
	}
}

func (e *Engine) createPaymentAction() mutation.Action[backend.NewPayment, *backend.Payment] {
	return mutation.Action[backend.NewPayment, *backend.Payment]{
		Name:      "createPayment",
		Financial: true,
		Run:       e.api.CreatePayment,
		Invalidates: func(p backend.NewPayment, _ *backend.Payment) []cache.Key {
			return []cache.Key{PaymentsKey(), TaskKey(p.TaskID), TaskListsPrefix()}
		},
	}
}

// CreateTask posts a task.
func (e *Engine) CreateTask(ctx context.Context, task backend.NewTask) (*backend.Task, error) {
	return mutation.Mutate(ctx, e.exec, e.createTaskAction(), task)
}

// UpdateTask edits a task.
func (e *Engine) UpdateTask(ctx context.Context, id string, update backend.TaskUpdate) (*backend.Task, error) {
	return mutation.Mutate(ctx, e.exec, e.updateTaskAction(), taskUpdate{ID: id, Update: update})
}

// CreateOffer bids on a task. Every call is sent; two identical offers are
// two offers.
func (e *Engine) CreateOffer(ctx context.Context, offer backend.NewOffer) (*backend.Offer, error) {
	return mutation.Mutate(ctx, e.exec, e.createOfferAction(), offer)
}

// AcceptOffer accepts an offer on one of the user's tasks.
func (e *Engine) AcceptOffer(ctx context.Context, offerID string) (*backend.Offer, error) {
	return mutation.Mutate(ctx, e.exec, e.acceptOfferAction(), offerID)
}

// CreatePayment pays an accepted offer.
func (e *Engine) CreatePayment(ctx context.Context, payment backend.NewPayment) (*backend.Payment, error) {
	return mutation.Mutate(ctx, e.exec, e.createPaymentAction(), payment)
}

// SubmitDraft posts the current draft as a task and resets the draft. An
// incomplete draft is not sent. A service category is resolved against the
// category list first, so a typo like "Plumbng" is posted as "Plumbing".
// On failure the draft is kept for another attempt.
func (e *Engine) SubmitDraft(ctx context.Context) (*backend.Task, error) {
	d := e.drafts.Current()
	if d.IsEmpty() {
		return nil, ErrDraftNotActive
	}
	if missing := e.drafts.Missing(); len(missing) > 0 {
		return nil, utils.ErrDraftNotReady(missing)
	}

	if loc, ok := d.Location().(draft.ServiceLocation); ok {
		cats, err := e.Categories(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to load categories: %w", err)
		}
		cat, err := draft.ResolveCategory(loc.Category, cats)
		if err != nil {
			return nil, err
		}
		if cat.Name != loc.Category {
			if err := e.drafts.Update(ctx, draft.Patch{Category: draft.Ptr(cat.Name)}); err != nil {
				e.logger.Warn("draft: %v", err)
			}
			d = e.drafts.Current()
		}
	}

	task, err := e.CreateTask(ctx, d.NewTask())
	if err != nil {
		return nil, err
	}
	if err := e.drafts.MarkSubmitted(ctx); err != nil {
		e.logger.Warn("Task %s posted but the draft could not be cleared: %v", task.ID, err)
	}
	return task, nil
}

// Login signs in and keeps the session. Data cached for a different user is
// dropped first.
func (e *Engine) Login(ctx context.Context, email, password string) (*backend.User, error) {
	session, err := e.api.Login(ctx, email, password)
	if err != nil {
		return nil, err
	}
	if cur, ok := e.gate.Current(); ok && cur.User.ID != session.User.ID {
		e.coord.ClearUserScoped()
	}
	if err := e.gate.Set(ctx, session.Token, session.User, session.ExpiresAt); err != nil {
		e.logger.Warn("Signed in, but the session could not be saved: %v", err)
	}
	user := session.User
	return &user, nil
}

// Logout ends the session and drops the user's cached data.
func (e *Engine) Logout(ctx context.Context) error {
	return e.gate.Clear(ctx)
}
