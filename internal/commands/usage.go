/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package commands

import (
	"context"
	"fmt"
	"io"
	"time"

	"code.cloudfoundry.org/bytefmt"
	"github.com/bytedance/sonic"
	"github.com/spf13/cobra"

	"github.com/acronis/go-quotaguard/httpclient"
	"github.com/acronis/go-quotaguard/internal/libinfo"
	"github.com/acronis/go-quotaguard/kvstore/backend"
	"github.com/acronis/go-quotaguard/log"
	"github.com/acronis/go-quotaguard/quota"
	"github.com/acronis/go-quotaguard/usage"
)

const usageClientTimeout = 10 * time.Second

type usageOpts struct {
	server   string
	days     int
	jsonMode bool
}

func newUsageCmd(rootOpts *rootOpts) *cobra.Command {
	opts := &usageOpts{}
	cmd := &cobra.Command{
		Use:   "usage",
		Short: "Print the usage summary of the configured profile",
		Long: `Prints usage stats, daily usage and session history of the configured profile.
The summary is read directly from the configured store, or requested from a running
quotaguard instance if --server is set.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.days < 0 || opts.days > usage.MaxDailyUsageDays {
				return fmt.Errorf("--days must be between 0 and %d", usage.MaxDailyUsageDays)
			}
			cfg, err := loadAppConfig(rootOpts.configPath)
			if err != nil {
				return err
			}
			if cfg.Log.Output == log.OutputStdout {
				cfg.Log.Output = log.OutputStderr // stdout is for the summary
			}
			logger, closeLogger := log.NewLogger(cfg.Log)
			defer closeLogger()

			var summary *usage.Summary
			if opts.server != "" {
				summary, err = fetchUsage(cmd.Context(), opts.server, opts.days, logger)
			} else {
				summary, err = readUsage(cmd.Context(), cfg, opts.days, logger)
			}
			if err != nil {
				return err
			}
			if opts.jsonMode {
				return printSummaryJSON(cmd.OutOrStdout(), summary)
			}
			return printSummary(cmd.OutOrStdout(), summary)
		},
	}
	cmd.Flags().StringVar(&opts.server, "server", "", "Base URL of a running quotaguard instance")
	cmd.Flags().IntVar(&opts.days, "days", 0, "Number of days of daily usage (0 = configured default)")
	cmd.Flags().BoolVar(&opts.jsonMode, "json", false, "Print the summary as JSON")
	return cmd
}

func fetchUsage(ctx context.Context, server string, days int, logger log.FieldLogger) (*usage.Summary, error) {
	client := usage.NewClient(server, httpclient.New(httpclient.Opts{
		UserAgent: "quotaguard-cli/" + libinfo.GetVersion(),
		Timeout:   usageClientTimeout,
		Logger:    logger,
	}))
	summary, err := client.Summary(ctx, days)
	if err != nil {
		return nil, fmt.Errorf("request usage from %s: %w", server, err)
	}
	return summary, nil
}

func readUsage(ctx context.Context, cfg *AppConfig, days int, logger log.FieldLogger) (*usage.Summary, error) {
	b, err := backend.Open(ctx, cfg.Store, backend.Opts{Logger: logger})
	if err != nil {
		return nil, fmt.Errorf("open kv store: %w", err)
	}
	defer func() {
		if closeErr := b.Close(); closeErr != nil {
			logger.Error("failed to close kv store", log.Error(closeErr))
		}
	}()

	reporter := usage.NewReporter(b.Store, usage.ReporterOpts{DailyUsageDays: cfg.Quota.DailyUsageDays})
	limits := cfg.Quota.Limits()
	profile := quota.ProfileName(cfg.Quota.Profile)
	if days == 0 {
		return reporter.Summary(ctx, limits, profile)
	}
	return reporter.SummaryForDays(ctx, limits, profile, days)
}

func printSummaryJSON(w io.Writer, summary *usage.Summary) error {
	data, err := sonic.ConfigDefault.MarshalIndent(summary, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

func printSummary(w io.Writer, summary *usage.Summary) error {
	stats := summary.UsageStats
	p := &errWriter{w: w}
	p.printf("Usage:           %s", formatBytes(stats.UsageBytes))
	if stats.RemainingBytes != usage.Unlimited {
		p.printf(" (%s remaining)", formatBytes(stats.RemainingBytes))
	}
	remainingDays := "unlimited"
	if stats.RemainingDays != usage.Unlimited {
		remainingDays = fmt.Sprintf("%d", stats.RemainingDays)
	}
	maxUsers := "unlimited"
	if stats.MaxUsers > 0 {
		maxUsers = fmt.Sprintf("%d", stats.MaxUsers)
	}
	p.printf("\nRemaining days:  %s\n", remainingDays)
	p.printf("Active sessions: %d of %s\n", stats.ActiveSessions, maxUsers)

	p.printf("\nDaily usage:\n")
	for _, d := range summary.DailyUsage {
		p.printf("  %s  %s\n", d.Date, formatBytes(d.Bytes))
	}

	if len(summary.SessionHistory) != 0 {
		p.printf("\nSession history:\n")
		for _, e := range summary.SessionHistory {
			p.printf("  %s  %-5s  %s  user=%s  active=%d", e.Timestamp, e.Type, e.SessionID, e.UserID, e.ActiveSessions)
			if e.Bytes != nil {
				p.printf("  bytes=%s", formatBytes(*e.Bytes))
			}
			if e.DurationSec != nil {
				p.printf("  duration=%s", time.Duration(*e.DurationSec)*time.Second)
			}
			p.printf("\n")
		}
	}
	return p.err
}

func formatBytes(n int64) string {
	if n <= 0 {
		return "0B"
	}
	return bytefmt.ByteSize(uint64(n))
}

type errWriter struct {
	w   io.Writer
	err error
}

func (p *errWriter) printf(format string, args ...interface{}) {
	if p.err != nil {
		return
	}
	_, p.err = fmt.Fprintf(p.w, format, args...)
}
