package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"taskmarket/internal/analytics"
	"taskmarket/internal/config"
	"taskmarket/internal/utils"
)

// openTracker opens the usage database when tracking is enabled, or always
// when force is set. Old events are pruned on open. Failures only disable
// tracking.
func (a *app) openTracker(conf *config.Config, force bool) *analytics.Tracker {
	enabled := analytics.IsEnabledFromEnv(conf.Analytics.Enabled)
	if !enabled && !force {
		return nil
	}
	tracker, err := analytics.NewTracker(conf.GetAnalyticsPath(), enabled)
	if err != nil {
		utils.NewLogger(a.stderr, conf.Logging.Verbose).Debug("Usage tracking disabled: %v", err)
		return nil
	}
	if enabled {
		_, _ = tracker.Cleanup(conf.GetAnalyticsRetentionDays())
	}
	return tracker
}

// commandName is the command path without the binary name, e.g. "draft set".
func commandName(cmd *cobra.Command) string {
	return strings.TrimPrefix(cmd.CommandPath(), cmd.Root().Name()+" ")
}

// setFlags lists the flags given on the command line. Values are not kept.
func setFlags(cmd *cobra.Command) []string {
	var names []string
	cmd.Flags().Visit(func(f *pflag.Flag) {
		names = append(names, "--"+f.Name)
	})
	return names
}

// newUsageCmd creates the 'usage' subcommand
func (a *app) newUsageCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "usage",
		Short: "Show which commands you run and how often they fail",
		Long:  "Show local usage statistics. Tracking is off unless analytics.enabled is set in the config or TASKMARKET_ANALYTICS_ENABLED=1. Nothing is sent anywhere.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			conf, _, err := a.loadConfig(cmd)
			if err != nil {
				return err
			}
			tracker := a.openTracker(conf, true)
			if tracker == nil {
				return fmt.Errorf("cannot open usage database %s", conf.GetAnalyticsPath())
			}
			defer func() { _ = tracker.Close() }()
			v := &env{conf: conf, json: conf.OutputFormat == "json", noPrompt: conf.NoPrompt, out: a.stdout}

			if prune, _ := cmd.Flags().GetBool("prune"); prune {
				days := conf.GetAnalyticsRetentionDays()
				deleted, err := tracker.Cleanup(days)
				if err != nil {
					return fmt.Errorf("failed to prune usage data: %w", err)
				}
				if v.json {
					return writeJSON(v.out, map[string]interface{}{"deleted": deleted, "result": ResultActionCompleted})
				}
				_, _ = fmt.Fprintf(v.out, "Removed %d events older than %d days\n", deleted, days)
				return v.done(ResultActionCompleted)
			}

			stats, err := tracker.Summary()
			if err != nil {
				return fmt.Errorf("failed to read usage data: %w", err)
			}
			return printUsage(v, stats, tracker.Enabled())
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.Flags().Bool("prune", false, "Delete events older than analytics.retention_days")
	return cmd
}

func printUsage(v *env, stats []analytics.CommandStats, enabled bool) error {
	if v.json {
		if stats == nil {
			stats = []analytics.CommandStats{}
		}
		return writeJSON(v.out, map[string]interface{}{"enabled": enabled, "commands": stats, "result": ResultInfoOnly})
	}
	if !enabled {
		_, _ = fmt.Fprintln(v.out, "Usage tracking is off. Set analytics.enabled: true in the config to turn it on.")
	}
	if len(stats) == 0 {
		_, _ = fmt.Fprintln(v.out, "No usage recorded")
		return v.done(ResultInfoOnly)
	}
	tw := newTable(v.out, table.Row{"Command", "Runs", "Failures", "Avg", "Last run"})
	for _, s := range stats {
		avg := time.Duration(s.AvgDurationMs) * time.Millisecond
		last := time.Unix(s.LastRun, 0).Format("2006-01-02 15:04")
		tw.AppendRow(table.Row{s.Command, s.Runs, s.Failures, avg.String(), last})
	}
	tw.Render()
	return v.done(ResultInfoOnly)
}
