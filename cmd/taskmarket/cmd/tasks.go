package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"taskmarket/backend"
	"taskmarket/internal/cli/prompt"
	"taskmarket/internal/utils"
)

// parseStatus maps a --status value to a task status
func parseStatus(s string) (backend.TaskStatus, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return "", nil
	case "open":
		return backend.StatusOpen, nil
	case "assigned":
		return backend.StatusAssigned, nil
	case "completed", "done":
		return backend.StatusCompleted, nil
	case "cancelled", "canceled":
		return backend.StatusCancelled, nil
	}
	return "", fmt.Errorf("invalid status %q: use open, assigned, completed or cancelled", s)
}

// parseAmount parses a positive money amount.
func parseAmount(s string) (float64, error) {
	v, err := utils.ParseBudget(s, 0)
	if err != nil {
		return 0, err
	}
	if v <= 0 {
		return 0, fmt.Errorf("amount must be greater than zero")
	}
	return v, nil
}

// newTasksCmd creates the 'tasks' subcommand
func (a *app) newTasksCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "List tasks",
		Long:  "List marketplace tasks, optionally narrowed by status, category, poster or a title search.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			statusFlag, _ := cmd.Flags().GetString("status")
			status, err := parseStatus(statusFlag)
			if err != nil {
				return err
			}
			category, _ := cmd.Flags().GetString("category")
			poster, _ := cmd.Flags().GetString("poster")
			search, _ := cmd.Flags().GetString("search")
			mine, _ := cmd.Flags().GetBool("mine")

			return a.run(cmd, func(ctx context.Context, v *env) error {
				if err := requireSession(v); err != nil {
					return err
				}
				if mine {
					cred, _ := v.e.Auth().Current()
					poster = cred.User.ID
				}
				filter := backend.TaskFilter{Status: status, Category: category, PosterID: poster, Search: search}
				tasks, err := v.e.Tasks(ctx, filter)
				if err != nil {
					return err
				}
				if v.json {
					if tasks == nil {
						tasks = []backend.Task{}
					}
					return writeJSON(v.out, map[string]interface{}{"tasks": tasks, "count": len(tasks), "result": ResultInfoOnly})
				}
				printTasks(v.out, tasks)
				return v.done(ResultInfoOnly)
			})
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.Flags().StringP("status", "s", "", "Filter by status (open, assigned, completed, cancelled)")
	cmd.Flags().StringP("category", "c", "", "Filter by category")
	cmd.Flags().String("poster", "", "Filter by poster user ID")
	cmd.Flags().StringP("search", "q", "", "Search task titles")
	cmd.Flags().Bool("mine", false, "Only tasks you posted")
	return cmd
}

// selectTask resolves a task ID argument, prompting for one when it is missing.
func (a *app) selectTask(ctx context.Context, v *env, args []string, action string) (string, error) {
	if len(args) > 0 && args[0] != "" {
		return args[0], nil
	}
	if v.noPrompt {
		return "", errors.New("a task ID is required in no-prompt mode")
	}
	tasks, err := v.e.Tasks(ctx, backend.TaskFilter{})
	if err != nil {
		return "", err
	}
	selector := &prompt.TaskSelector{
		Tasks:  prompt.FilterTasksByAction(tasks, action, false),
		Prompt: "Select task:",
		Reader: a.stdin(),
		Writer: a.stderr,
	}
	task, err := selector.Run()
	if err != nil {
		return "", err
	}
	return task.ID, nil
}

// taskLookupError names the task when the server has no task with id.
func taskLookupError(id string, err error) error {
	var be *backend.Error
	if errors.As(err, &be) && be.StatusCode == http.StatusNotFound {
		return utils.ErrTaskNotFound(id)
	}
	return err
}

// newTaskCmd creates the 'task' subcommand
func (a *app) newTaskCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task [id]",
		Short: "Show a task",
		Long:  "Show the details of a task. Without an ID, pick one interactively.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			withOffers, _ := cmd.Flags().GetBool("offers")
			return a.run(cmd, func(ctx context.Context, v *env) error {
				if err := requireSession(v); err != nil {
					return err
				}
				id, err := a.selectTask(ctx, v, args, "show")
				if err != nil {
					return err
				}
				task, err := v.e.Task(ctx, id)
				if err != nil {
					return taskLookupError(id, err)
				}
				var offers []backend.Offer
				if withOffers {
					if offers, err = v.e.TaskOffers(ctx, id); err != nil {
						return taskLookupError(id, err)
					}
				}
				if v.json {
					out := map[string]interface{}{"task": task, "result": ResultInfoOnly}
					if withOffers {
						if offers == nil {
							offers = []backend.Offer{}
						}
						out["offers"] = offers
					}
					return writeJSON(v.out, out)
				}
				printTask(v.out, task)
				if withOffers {
					_, _ = fmt.Fprintln(v.out)
					printOffers(v.out, offers)
				}
				return v.done(ResultInfoOnly)
			})
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.Flags().Bool("offers", false, "Also list offers on the task")
	return cmd
}

// newEditCmd creates the 'edit' subcommand
func (a *app) newEditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "edit [id]",
		Short: "Edit one of your tasks",
		Long:  "Change the title, description or budget of a task you posted.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd, func(ctx context.Context, v *env) error {
				if err := requireSession(v); err != nil {
					return err
				}
				var update backend.TaskUpdate
				if cmd.Flags().Changed("title") {
					title, _ := cmd.Flags().GetString("title")
					update.Title = &title
				}
				if cmd.Flags().Changed("description") {
					desc, _ := cmd.Flags().GetString("description")
					update.Description = &desc
				}
				if cmd.Flags().Changed("budget") {
					raw, _ := cmd.Flags().GetString("budget")
					budget, err := utils.ParseBudget(raw, v.conf.GetMinBudget())
					if err != nil {
						return err
					}
					update.Budget = &budget
				}
				if update.Title == nil && update.Description == nil && update.Budget == nil {
					return errors.New("nothing to change: use --title, --description or --budget")
				}

				id, err := a.selectTask(ctx, v, args, "edit")
				if err != nil {
					return err
				}
				task, err := v.e.UpdateTask(ctx, id, update)
				if err != nil {
					return err
				}
				if v.json {
					return writeJSON(v.out, map[string]interface{}{"action": "edit", "task": task, "result": ResultActionCompleted})
				}
				_, _ = fmt.Fprintf(v.out, "Updated task %s: %s\n", task.ID, task.Title)
				return v.done(ResultActionCompleted)
			})
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.Flags().String("title", "", "New title")
	cmd.Flags().String("description", "", "New description")
	cmd.Flags().String("budget", "", "New budget")
	return cmd
}

// newOffersCmd creates the 'offers' subcommand
func (a *app) newOffersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "offers [task-id]",
		Short: "List offers on a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd, func(ctx context.Context, v *env) error {
				if err := requireSession(v); err != nil {
					return err
				}
				offers, err := v.e.TaskOffers(ctx, args[0])
				if err != nil {
					return err
				}
				if v.json {
					if offers == nil {
						offers = []backend.Offer{}
					}
					return writeJSON(v.out, map[string]interface{}{"offers": offers, "count": len(offers), "result": ResultInfoOnly})
				}
				printOffers(v.out, offers)
				return v.done(ResultInfoOnly)
			})
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
}

// newOfferCmd creates the 'offer' subcommand
func (a *app) newOfferCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "offer [task-id]",
		Short: "Make an offer on a task",
		Long:  "Make an offer on an open task. Every call sends a new offer; nothing is deduplicated.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, _ := cmd.Flags().GetString("amount")
			message, _ := cmd.Flags().GetString("message")
			amount, err := parseAmount(raw)
			if err != nil {
				return err
			}
			return a.run(cmd, func(ctx context.Context, v *env) error {
				if err := requireSession(v); err != nil {
					return err
				}
				id, err := a.selectTask(ctx, v, args, "offer")
				if err != nil {
					return err
				}
				offer, err := v.e.CreateOffer(ctx, backend.NewOffer{TaskID: id, Amount: amount, Message: message})
				if err != nil {
					return err
				}
				if v.json {
					return writeJSON(v.out, map[string]interface{}{"action": "offer", "offer": offer, "result": ResultActionCompleted})
				}
				_, _ = fmt.Fprintf(v.out, "Offered %s on task %s (offer %s)\n", money(offer.Amount), offer.TaskID, offer.ID)
				return v.done(ResultActionCompleted)
			})
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.Flags().StringP("amount", "a", "", "Offer amount (required)")
	cmd.Flags().StringP("message", "m", "", "Message to the poster")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}

// newAcceptCmd creates the 'accept' subcommand
func (a *app) newAcceptCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "accept [offer-id]",
		Short: "Accept an offer on one of your tasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd, func(ctx context.Context, v *env) error {
				if err := requireSession(v); err != nil {
					return err
				}
				offer, err := v.e.AcceptOffer(ctx, args[0])
				if err != nil {
					return err
				}
				if v.json {
					return writeJSON(v.out, map[string]interface{}{"action": "accept", "offer": offer, "result": ResultActionCompleted})
				}
				_, _ = fmt.Fprintf(v.out, "Accepted offer %s (%s) on task %s\n", offer.ID, money(offer.Amount), offer.TaskID)
				return v.done(ResultActionCompleted)
			})
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
}

// newPayCmd creates the 'pay' subcommand
func (a *app) newPayCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pay [task-id] [offer-id]",
		Short: "Pay for an accepted offer",
		Long:  "Pay the tasker whose offer you accepted. The amount defaults to the offer amount.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, _ := cmd.Flags().GetString("amount")
			return a.run(cmd, func(ctx context.Context, v *env) error {
				if err := requireSession(v); err != nil {
					return err
				}
				taskID, offerID := args[0], args[1]

				var amount float64
				if raw != "" {
					var err error
					if amount, err = parseAmount(raw); err != nil {
						return err
					}
				} else {
					offers, err := v.e.TaskOffers(ctx, taskID)
					if err != nil {
						return err
					}
					for _, o := range offers {
						if o.ID == offerID {
							amount = o.Amount
						}
					}
					if amount == 0 {
						return fmt.Errorf("offer %s not found on task %s", offerID, taskID)
					}
				}

				payment, err := v.e.CreatePayment(ctx, backend.NewPayment{TaskID: taskID, OfferID: offerID, Amount: amount})
				if err != nil {
					return err
				}
				if v.json {
					return writeJSON(v.out, map[string]interface{}{"action": "pay", "payment": payment, "result": ResultActionCompleted})
				}
				_, _ = fmt.Fprintf(v.out, "Paid %s for task %s (payment %s, %s)\n", money(payment.Amount), payment.TaskID, payment.ID, payment.Status)
				return v.done(ResultActionCompleted)
			})
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.Flags().StringP("amount", "a", "", "Amount to pay (default: the offer amount)")
	return cmd
}

// newPaymentsCmd creates the 'payments' subcommand
func (a *app) newPaymentsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "payments",
		Short: "List your payments",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd, func(ctx context.Context, v *env) error {
				if err := requireSession(v); err != nil {
					return err
				}
				payments, err := v.e.Payments(ctx)
				if err != nil {
					return err
				}
				if v.json {
					if payments == nil {
						payments = []backend.Payment{}
					}
					return writeJSON(v.out, map[string]interface{}{"payments": payments, "count": len(payments), "result": ResultInfoOnly})
				}
				printPayments(v.out, payments)
				return v.done(ResultInfoOnly)
			})
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
}

// newCategoriesCmd creates the 'categories' subcommand
func (a *app) newCategoriesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "categories",
		Short: "List service categories",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd, func(ctx context.Context, v *env) error {
				cats, err := v.e.Categories(ctx)
				if err != nil {
					return err
				}
				if v.json {
					if cats == nil {
						cats = []backend.Category{}
					}
					return writeJSON(v.out, map[string]interface{}{"categories": cats, "count": len(cats), "result": ResultInfoOnly})
				}
				for _, c := range cats {
					_, _ = fmt.Fprintln(v.out, c.Name)
				}
				return v.done(ResultInfoOnly)
			})
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
}

// newStatusCmd creates the 'status' subcommand
func (a *app) newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show session, connection and draft status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd, func(ctx context.Context, v *env) error {
				h := v.e.Health()
				cred, signedIn := v.e.Auth().Current()
				drafts := v.e.Drafts()
				if v.json {
					out := map[string]interface{}{
						"signedIn":     signedIn,
						"circuit":      h.Circuit,
						"failures":     h.Failures,
						"rateLimited":  h.RateLimited,
						"cacheEntries": h.CacheEntries,
						"draft":        drafts.State().String(),
						"config":       v.confPath,
						"result":       ResultInfoOnly,
					}
					if signedIn {
						out["user"] = cred.User
						if !h.SessionExpiry.IsZero() {
							out["sessionExpiry"] = h.SessionExpiry
						}
					}
					return writeJSON(v.out, out)
				}

				if signedIn {
					line := fmt.Sprintf("Signed in as %s (%s)", cred.User.Name, cred.User.Email)
					if !h.SessionExpiry.IsZero() {
						line += ", session expires " + h.SessionExpiry.Local().Format("2006-01-02 15:04")
					}
					if v.e.Auth().Expired() {
						line += " [expired]"
					}
					_, _ = fmt.Fprintln(v.out, line)
				} else {
					_, _ = fmt.Fprintln(v.out, "Not signed in")
				}
				_, _ = fmt.Fprintf(v.out, "API:     %s (circuit %s, %d recent failures)\n", v.conf.API.BaseURL, h.Circuit, h.Failures)
				if h.RateLimited > 0 {
					_, _ = fmt.Fprintf(v.out, "Rate limited %s times, last at %s\n", strconv.FormatInt(h.RateLimited, 10), h.LastRateLimit.Local().Format("15:04:05"))
				}
				_, _ = fmt.Fprintf(v.out, "Draft:   %s\n", drafts.State())
				_, _ = fmt.Fprintf(v.out, "Config:  %s\n", v.confPath)
				return v.done(ResultInfoOnly)
			})
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
}
