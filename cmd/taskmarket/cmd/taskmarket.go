package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"taskmarket/internal/cli/prompt"
	"taskmarket/internal/config"
	"taskmarket/internal/credentials"
	"taskmarket/internal/engine"
	"taskmarket/internal/shutdown"
	"taskmarket/internal/utils"
)

// Version is set at build time
var Version = "dev"

// Result codes for CLI output (used in no-prompt and JSON mode)
const (
	ResultActionCompleted = "ACTION_COMPLETED"
	ResultInfoOnly        = "INFO_ONLY"
	ResultError           = "ERROR"
)

// Config holds application configuration
type Config struct {
	NoPrompt     bool
	Verbose      bool
	OutputFormat string
	ConfigPath   string            // Path to config file (for testing)
	Stdin        io.Reader         // Input for prompts (default os.Stdin)
	Credentials  credentials.Store // Session store (for testing; default OS keyring)
	Shutdown     *shutdown.Manager // Cancels commands on SIGINT/SIGTERM and closes the engine
}

// Execute runs the CLI with the given arguments and IO writers
func Execute(args []string, stdout, stderr io.Writer, cfg *Config) int {
	rootCmd := NewTaskMarket(stdout, stderr, cfg)

	rootCmd.SetArgs(args)
	rootCmd.SetOut(stdout)
	rootCmd.SetErr(stderr)

	ctx := context.Background()
	if cfg != nil && cfg.Shutdown != nil {
		ctx = cfg.Shutdown.Context()
	}

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		if ctx.Err() != nil && errors.Is(err, context.Canceled) {
			err = errors.New("interrupted")
		}
		err = utils.Explain(err)
		if containsJSONFlag(args) || (cfg != nil && cfg.OutputFormat == "json") {
			outputErrorJSON(err, stdout)
		} else {
			_, _ = fmt.Fprintln(stderr, "Error:", err)
			if cfg != nil && cfg.NoPrompt {
				_, _ = fmt.Fprintln(stdout, ResultError)
			}
		}
		return 1
	}
	return 0
}

// containsJSONFlag checks if args contain --json flag
func containsJSONFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--json" {
			return true
		}
	}
	return false
}

// app carries the IO and injected settings shared by every command.
type app struct {
	stdout io.Writer
	stderr io.Writer
	cfg    *Config
}

// env is what a command body gets once the engine is running.
type env struct {
	e        *engine.Engine
	conf     *config.Config
	confPath string
	json     bool
	noPrompt bool
	out      io.Writer
}

func (a *app) stdin() io.Reader {
	if a.cfg.Stdin != nil {
		return a.cfg.Stdin
	}
	return os.Stdin
}

// NewTaskMarket creates the root command with injectable IO
func NewTaskMarket(stdout, stderr io.Writer, cfg *Config) *cobra.Command {
	if cfg == nil {
		cfg = &Config{}
	}
	a := &app{stdout: stdout, stderr: stderr, cfg: cfg}

	cmd := &cobra.Command{
		Use:     "taskmarket",
		Short:   "Post tasks and manage offers on the task marketplace",
		Long:    "taskmarket is a command-line client for the task marketplace: browse and post tasks, make and accept offers, and pay for completed work.",
		Version: Version,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Add global flags
	cmd.PersistentFlags().String("config", "", "Path to config file")
	cmd.PersistentFlags().BoolP("no-prompt", "y", false, "Disable interactive prompts")
	cmd.PersistentFlags().BoolP("verbose", "V", false, "Enable verbose/debug output")
	cmd.PersistentFlags().Bool("json", false, "Output in JSON format")

	cmd.AddCommand(a.newLoginCmd())
	cmd.AddCommand(a.newLogoutCmd())
	cmd.AddCommand(a.newWhoamiCmd())
	cmd.AddCommand(a.newTasksCmd())
	cmd.AddCommand(a.newTaskCmd())
	cmd.AddCommand(a.newEditCmd())
	cmd.AddCommand(a.newOffersCmd())
	cmd.AddCommand(a.newOfferCmd())
	cmd.AddCommand(a.newAcceptCmd())
	cmd.AddCommand(a.newPayCmd())
	cmd.AddCommand(a.newPaymentsCmd())
	cmd.AddCommand(a.newCategoriesCmd())
	cmd.AddCommand(a.newDraftCmd())
	cmd.AddCommand(a.newStatusCmd())
	cmd.AddCommand(a.newTUICmd())
	cmd.AddCommand(a.newUsageCmd())

	return cmd
}

// loadConfig reads the config file and applies flag overrides.
func (a *app) loadConfig(cmd *cobra.Command) (*config.Config, string, error) {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		path = a.cfg.ConfigPath
	}
	if path == "" {
		path = config.DefaultPath()
	}
	conf, err := config.Load(path)
	if err != nil {
		return nil, "", err
	}
	if err := conf.Validate(); err != nil {
		return nil, "", fmt.Errorf("invalid config %s: %w", path, err)
	}

	noPrompt, _ := cmd.Flags().GetBool("no-prompt")
	verbose, _ := cmd.Flags().GetBool("verbose")
	jsonOutput, _ := cmd.Flags().GetBool("json")
	format := a.cfg.OutputFormat
	if jsonOutput {
		format = "json"
	}
	conf.ApplyFlags(noPrompt || a.cfg.NoPrompt, format, verbose || a.cfg.Verbose)
	if noPrompt {
		a.cfg.NoPrompt = true
	}
	return conf, path, nil
}

// openEngine starts an engine for one command. A nil logger logs to stderr.
func (a *app) openEngine(cmd *cobra.Command, logger *utils.Logger) (*env, error) {
	conf, path, err := a.loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = utils.NewLogger(a.stderr, conf.Logging.Verbose)
	}

	opts := []engine.Option{engine.WithConfig(conf), engine.WithLogger(logger)}
	if a.cfg.Credentials != nil {
		opts = append(opts, engine.WithCredentialStore(a.cfg.Credentials))
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	e, err := engine.New(ctx, opts...)
	if err != nil {
		return nil, err
	}
	if a.cfg.Shutdown != nil {
		a.cfg.Shutdown.RegisterCleanup("engine", func(context.Context) error {
			return e.Close()
		})
	}
	return &env{
		e:        e,
		conf:     conf,
		confPath: path,
		json:     conf.OutputFormat == "json",
		noPrompt: conf.NoPrompt,
		out:      a.stdout,
	}, nil
}

// run opens an engine, runs fn and closes the engine.
func (a *app) run(cmd *cobra.Command, fn func(ctx context.Context, v *env) error) error {
	v, err := a.openEngine(cmd, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err := v.e.Close(); err != nil {
			utils.NewLogger(a.stderr, false).Warn("Shutdown: %v", err)
		}
	}()
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	tracker := a.openTracker(v.conf, false)
	if tracker == nil {
		return fn(ctx, v)
	}
	defer func() { _ = tracker.Close() }()
	return tracker.TrackCommand(commandName(cmd), setFlags(cmd), func() error {
		return fn(ctx, v)
	})
}

// requireSession fails with a sign-in hint when there is no usable session.
func requireSession(v *env) error {
	if _, ok := v.e.Auth().Current(); !ok {
		return utils.ErrNotLoggedIn()
	}
	if v.e.Auth().Expired() {
		return utils.ErrSessionExpired()
	}
	return nil
}

// newLoginCmd creates the 'login' subcommand
func (a *app) newLoginCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "login [email]",
		Short: "Sign in to the marketplace",
		Long:  "Sign in with email and password. The session is kept in the system keyring so later commands stay signed in.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fromStdin, _ := cmd.Flags().GetBool("password-stdin")
			return a.run(cmd, func(ctx context.Context, v *env) error {
				var password string
				var err error
				if fromStdin {
					password, err = prompt.ReadPassword(a.stdin(), io.Discard, "", false)
				} else {
					password, err = prompt.ReadPassword(a.stdin(), a.stderr, "Password: ", v.noPrompt)
				}
				if err != nil {
					if errors.Is(err, prompt.ErrNoPromptMode) {
						return fmt.Errorf("a password is required: use --password-stdin in no-prompt mode")
					}
					return err
				}

				user, err := v.e.Login(ctx, args[0], password)
				if err != nil {
					return err
				}
				if v.json {
					return writeJSON(v.out, map[string]interface{}{"user": user, "result": ResultActionCompleted})
				}
				_, _ = fmt.Fprintf(v.out, "Signed in as %s (%s)\n", user.Name, user.Email)
				return v.done(ResultActionCompleted)
			})
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.Flags().Bool("password-stdin", false, "Read the password from stdin")
	return cmd
}

// newLogoutCmd creates the 'logout' subcommand
func (a *app) newLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Sign out and forget cached data",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd, func(ctx context.Context, v *env) error {
				if err := v.e.Logout(ctx); err != nil {
					return err
				}
				if v.json {
					return writeJSON(v.out, map[string]interface{}{"result": ResultActionCompleted})
				}
				_, _ = fmt.Fprintln(v.out, "Signed out")
				return v.done(ResultActionCompleted)
			})
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
}

// newWhoamiCmd creates the 'whoami' subcommand
func (a *app) newWhoamiCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the signed-in user",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd, func(ctx context.Context, v *env) error {
				if err := requireSession(v); err != nil {
					return err
				}
				cred, _ := v.e.Auth().Current()
				if v.json {
					return writeJSON(v.out, map[string]interface{}{"user": cred.User, "expiresAt": cred.ExpiresAt, "result": ResultInfoOnly})
				}
				_, _ = fmt.Fprintf(v.out, "%s (%s)\n", cred.User.Name, cred.User.Email)
				return v.done(ResultInfoOnly)
			})
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
}

// done prints the result code in no-prompt text mode.
func (v *env) done(result string) error {
	if v.noPrompt && !v.json {
		_, _ = fmt.Fprintln(v.out, result)
	}
	return nil
}

// outputErrorJSON outputs error in JSON format
func outputErrorJSON(err error, stdout io.Writer) {
	response := errorResponse{
		Error:  err.Error(),
		Code:   1,
		Result: ResultError,
	}
	var ws *utils.ErrorWithSuggestion
	if errors.As(err, &ws) {
		response.Error = ws.Err.Error()
		response.Suggestion = ws.Suggestion
	}

	jsonBytes, _ := json.Marshal(response)
	_, _ = fmt.Fprintln(stdout, string(jsonBytes))
}
