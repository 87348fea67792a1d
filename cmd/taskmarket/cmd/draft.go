package cmd

import (
	"context"
	"errors"
	"fmt"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"taskmarket/backend"
	"taskmarket/internal/cli/prompt"
	"taskmarket/internal/draft"
	"taskmarket/internal/engine"
	"taskmarket/internal/tui"
	"taskmarket/internal/utils"
)

// newDraftCmd creates the 'draft' subcommand for the task being composed
func (a *app) newDraftCmd() *cobra.Command {
	draftCmd := &cobra.Command{
		Use:   "draft",
		Short: "Compose a task before posting it",
		Long:  "Build up a task over several commands. The draft is saved between runs until it is posted or discarded.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runDraftShow(cmd)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	draftCmd.AddCommand(a.newDraftShowCmd())
	draftCmd.AddCommand(a.newDraftSetCmd())
	draftCmd.AddCommand(a.newDraftNewCmd())
	draftCmd.AddCommand(a.newDraftSubmitCmd())
	draftCmd.AddCommand(a.newDraftDiscardCmd())

	return draftCmd
}

func (a *app) newDraftShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the current draft",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runDraftShow(cmd)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
}

func (a *app) runDraftShow(cmd *cobra.Command) error {
	return a.run(cmd, func(ctx context.Context, v *env) error {
		return showDraft(v, ResultInfoOnly)
	})
}

func showDraft(v *env, result string) error {
	store := v.e.Drafts()
	d := store.Current()
	missing := store.Missing()
	if v.json {
		if missing == nil {
			missing = []string{}
		}
		return writeJSON(v.out, draftJSON{State: store.State().String(), Task: d.NewTask(), Missing: missing, Result: result})
	}
	printDraft(v.out, d, store.State(), missing)
	return v.done(result)
}

func (a *app) newDraftSetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "set",
		Short: "Set fields of the draft",
		Long:  "Set one or more draft fields. Fields not given keep their value. Switching --removal keeps the addresses or category of the other kind so switching back restores them.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd, func(ctx context.Context, v *env) error {
				p, err := draftPatchFromFlags(cmd, v)
				if err != nil {
					return err
				}
				if err := v.e.Drafts().Update(ctx, p); err != nil {
					return err
				}
				return showDraft(v, ResultActionCompleted)
			})
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.Flags().String("title", "", "Task title")
	cmd.Flags().String("description", "", "Task description")
	cmd.Flags().String("budget", "", "Budget")
	cmd.Flags().Bool("removal", false, "Removal task (pickup and delivery instead of a category)")
	cmd.Flags().String("pickup", "", "Pickup address (removal tasks)")
	cmd.Flags().String("delivery", "", "Delivery address (removal tasks)")
	cmd.Flags().String("category", "", "Service category")
	cmd.Flags().String("date", "", "Date: YYYY-MM-DD, today, tomorrow, +Nd, +Nw")
	cmd.Flags().String("time", "", "Time of day, HH:MM")
	cmd.Flags().StringSlice("photo", nil, "Photo URL (repeatable)")
	return cmd
}

// draftPatchFromFlags builds a patch from the flags that were given.
func draftPatchFromFlags(cmd *cobra.Command, v *env) (draft.Patch, error) {
	var p draft.Patch
	changed := false
	str := func(name string) (string, bool) {
		if !cmd.Flags().Changed(name) {
			return "", false
		}
		changed = true
		s, _ := cmd.Flags().GetString(name)
		return s, true
	}

	if s, ok := str("title"); ok {
		p.Title = draft.Ptr(s)
	}
	if s, ok := str("description"); ok {
		p.Description = draft.Ptr(s)
	}
	if s, ok := str("budget"); ok {
		b, err := utils.ParseBudget(s, v.conf.GetMinBudget())
		if err != nil {
			return p, err
		}
		p.Budget = draft.Ptr(b)
	}
	if cmd.Flags().Changed("removal") {
		changed = true
		r, _ := cmd.Flags().GetBool("removal")
		p.IsRemoval = draft.Ptr(r)
	}
	if s, ok := str("pickup"); ok {
		p.Pickup = &backend.Location{Address: s}
	}
	if s, ok := str("delivery"); ok {
		p.Delivery = &backend.Location{Address: s}
	}
	if s, ok := str("category"); ok {
		p.Category = draft.Ptr(s)
	}
	if s, ok := str("date"); ok {
		d, err := utils.NormalizeDate(s)
		if err != nil {
			return p, err
		}
		p.Date = draft.Ptr(d)
	}
	if s, ok := str("time"); ok {
		t, err := utils.NormalizeTime(s)
		if err != nil {
			return p, err
		}
		p.Time = draft.Ptr(t)
	}
	if cmd.Flags().Changed("photo") {
		changed = true
		photos, _ := cmd.Flags().GetStringSlice("photo")
		p.Photos = append([]string{}, photos...)
	}
	if !changed {
		return p, errors.New("nothing to set: see 'taskmarket draft set --help'")
	}
	return p, nil
}

func (a *app) newDraftNewCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "new",
		Short: "Fill in the draft interactively",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd, func(ctx context.Context, v *env) error {
				drafter := &prompt.InteractiveDrafter{
					Reader:    a.stdin(),
					Writer:    a.stderr,
					NoPrompt:  v.noPrompt,
					Current:   v.e.Drafts().Current(),
					MinBudget: v.conf.GetMinBudget(),
				}
				p, err := drafter.Run()
				if err != nil {
					return err
				}
				if err := v.e.Drafts().Update(ctx, p); err != nil {
					return err
				}
				return showDraft(v, ResultActionCompleted)
			})
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
}

func (a *app) newDraftSubmitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "submit",
		Short: "Post the draft as a task",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd, func(ctx context.Context, v *env) error {
				if err := requireSession(v); err != nil {
					return err
				}
				task, err := v.e.SubmitDraft(ctx)
				if err != nil {
					if errors.Is(err, engine.ErrDraftNotActive) {
						return utils.WrapWithSuggestion(err, "Start one with 'taskmarket draft set' or 'taskmarket draft new'")
					}
					return err
				}
				if v.json {
					return writeJSON(v.out, map[string]interface{}{"action": "post", "task": task, "result": ResultActionCompleted})
				}
				_, _ = fmt.Fprintf(v.out, "Posted task %s: %s\n", task.ID, task.Title)
				return v.done(ResultActionCompleted)
			})
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
}

func (a *app) newDraftDiscardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "discard",
		Short: "Throw the draft away",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd, func(ctx context.Context, v *env) error {
				if err := v.e.Drafts().Discard(ctx); err != nil {
					return err
				}
				if v.json {
					return writeJSON(v.out, map[string]interface{}{"action": "discard", "result": ResultActionCompleted})
				}
				_, _ = fmt.Fprintln(v.out, "Draft discarded")
				return v.done(ResultActionCompleted)
			})
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
}

// newTUICmd creates the 'tui' subcommand
func (a *app) newTUICmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tui",
		Short: "Open the interactive task board",
		Long:  "Open a full-screen board that stays up to date as tasks change, with a wizard for posting new tasks. Logs go to the log file since the board owns the terminal.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			conf, _, err := a.loadConfig(cmd)
			if err != nil {
				return err
			}
			logger, closer, err := utils.NewFileLogger(conf.GetLogFile(), conf.Logging.Verbose)
			if err != nil {
				_, _ = fmt.Fprintf(a.stderr, "Warning: logging disabled: %v\n", err)
			}
			defer func() { _ = closer.Close() }()

			v, err := a.openEngine(cmd, logger)
			if err != nil {
				return err
			}
			defer func() { _ = v.e.Close() }()
			if err := requireSession(v); err != nil {
				return err
			}
			if err := v.e.WatchConfig(v.confPath); err != nil {
				logger.Warn("Config reload disabled: %v", err)
			}

			model := tui.New(v.e)
			defer model.Close()
			program := tea.NewProgram(model,
				tea.WithContext(cmd.Context()),
				tea.WithAltScreen(),
				tea.WithInput(a.stdin()),
				tea.WithOutput(a.stdout))
			if _, err = program.Run(); errors.Is(err, tea.ErrProgramKilled) && cmd.Context().Err() != nil {
				return nil
			}
			return err
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
}
