// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/bcem/ticketrouter/internal/app"
	"github.com/bcem/ticketrouter/internal/config"
	"github.com/bcem/ticketrouter/internal/models"
	"github.com/bcem/ticketrouter/internal/replay"
	"github.com/bcem/ticketrouter/internal/resolver"
	"github.com/bcem/ticketrouter/internal/rules"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "routerctl",
		Short:        "Operate the catch-all ticket router",
		SilenceUsage: true,
	}
	root.AddCommand(
		newCheckConfigCmd(),
		newResolveCmd(),
		newReplayCmd(),
		newFailedCmd(),
		newQueueCmd(),
	)
	return root
}

// domainsPath returns the --domains flag value, falling back to the
// DOMAINS_PATH the service would use.
func domainsPath(flag string) (string, error) {
	if flag != "" {
		return flag, nil
	}
	if p := os.Getenv("DOMAINS_PATH"); p != "" {
		return p, nil
	}
	cfg, err := config.Load()
	if err != nil {
		return "", err
	}
	return cfg.Routing.DomainsPath, nil
}

func newCheckConfigCmd() *cobra.Command {
	var domainsFlag string
	var domainsOnly bool

	cmd := &cobra.Command{
		Use:   "check-config",
		Short: "Validate service settings and the domain routing document",
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()

			path := domainsFlag
			if !domainsOnly {
				cfg, err := config.Load()
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "settings ok (records=%s, state=%s, policy=%s)\n",
					cfg.Store.RecordBackend, cfg.Store.StateBackend, cfg.Routing.UnconfiguredPolicy)
				if path == "" {
					path = cfg.Routing.DomainsPath
				}
			}
			if path == "" {
				return errors.New("--domains is required with --domains-only")
			}

			domains, err := config.LoadDomains(path)
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "DOMAIN\tENABLED\tRULES\tAUTO-RESPONSE\tFORWARD")
			for _, d := range domains {
				fmt.Fprintf(tw, "%s\t%t\t%d\t%t\t%s\n",
					d.Pattern, d.Enabled, len(d.Rules), d.AutoResponse.Enabled, dash(d.ForwardTo))
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			fmt.Fprintf(out, "%s ok: %d domains\n", path, len(domains))
			return nil
		},
	}
	cmd.Flags().StringVar(&domainsFlag, "domains", "", "Domain routing document (default: DOMAINS_PATH)")
	cmd.Flags().BoolVar(&domainsOnly, "domains-only", false, "Skip service settings and validate only the domain document")
	return cmd
}

func newResolveCmd() *cobra.Command {
	var domainsFlag, subject string

	cmd := &cobra.Command{
		Use:   "resolve <address>",
		Short: "Show which domain configuration and rule a recipient would use",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()

			path, err := domainsPath(domainsFlag)
			if err != nil {
				return err
			}
			domains, err := config.LoadDomains(path)
			if err != nil {
				return err
			}

			address := args[0]
			domain, err := resolver.New(domains).Resolve(address)
			if errors.Is(err, resolver.ErrUnconfiguredDomain) {
				fmt.Fprintf(out, "%s: unconfigured\n", address)
				return nil
			}
			if err != nil {
				return err
			}

			fmt.Fprintf(out, "%s: domain %s\n", address, domain.Pattern)
			msg := &models.InboundMessage{
				To:      models.EmailAddress{Address: address},
				Subject: subject,
			}
			if rule := rules.Match(msg, domain.Rules); rule != nil {
				fmt.Fprintf(out, "  rule: %s (priority %s, tags %v)\n", rule.Name, dash(rule.Action.Priority), rule.Action.Tags)
			} else {
				fmt.Fprintln(out, "  rule: none")
			}
			if domain.ForwardTo != "" {
				fmt.Fprintf(out, "  forward: %s\n", domain.ForwardTo)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&domainsFlag, "domains", "", "Domain routing document (default: DOMAINS_PATH)")
	cmd.Flags().StringVar(&subject, "subject", "", "Subject to evaluate routing rules against")
	return cmd
}

func newReplayCmd() *cobra.Command {
	var (
		dir   string
		since time.Duration
		to    string
		delay time.Duration
	)

	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Run archived .eml files through the pipeline",
		Long: `Replay parses every .eml file under --dir and runs it through the
routing pipeline with the service configuration. Messages that already
produced a ticket are reported as duplicates, so a replay can be repeated.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				runner := replay.NewRunner(a.Pipeline, delay)
				res, err := runner.Run(ctx, os.DirFS(dir), replay.Request{Since: since, Recipient: to})
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(),
					"files=%d created=%d duplicates=%d suppressed=%d failed=%d skipped=%d unreadable=%d elapsed=%s\n",
					res.Files, res.Created, res.Duplicates, res.Suppressed, res.Failed,
					res.Skipped, res.Unreadable, res.Elapsed.Round(time.Millisecond))
				if res.Failed > 0 {
					return fmt.Errorf("%d messages failed", res.Failed)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "", "Directory of .eml files (required)")
	cmd.Flags().DurationVar(&since, "since", 0, "Only replay files modified within this window (0 = all)")
	cmd.Flags().StringVar(&to, "to", "", "Override the envelope recipient of every message")
	cmd.Flags().DurationVar(&delay, "delay", 200*time.Millisecond, "Pause between messages")
	cmd.MarkFlagRequired("dir")
	return cmd
}

func newFailedCmd() *cobra.Command {
	var (
		since time.Duration
		limit uint64
	)

	cmd := &cobra.Command{
		Use:   "failed",
		Short: "List messages whose last attempt failed (Postgres record store only)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if a.Records == nil {
					return errors.New("failed requires RECORD_BACKEND=postgres")
				}
				records, err := a.Records.ListFailed(ctx, time.Now().Add(-since), limit)
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "TRACKING ID\tDOMAIN\tATTEMPTS\tUPDATED\tLAST ERROR")
				for _, r := range records {
					fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n",
						r.TrackingID, dash(r.Domain), r.Attempts,
						r.UpdatedAt.UTC().Format(time.RFC3339), dash(r.LastError))
				}
				return tw.Flush()
			})
		},
	}
	cmd.Flags().DurationVar(&since, "since", 24*time.Hour, "Look back this far")
	cmd.Flags().Uint64Var(&limit, "limit", 50, "Maximum records to list")
	return cmd
}

func newQueueCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "queue",
		Short: "Show retry queue depth and dead letters",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if a.Retry == nil {
					return errors.New("queue requires STATE_BACKEND=redis")
				}
				pending, err := a.Retry.Pending(ctx)
				if err != nil {
					return err
				}
				dead, err := a.Retry.DeadLetters(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "pending=%d dead=%d\n", pending, dead)
				return nil
			})
		},
	}
}

// withApp loads the service configuration, builds the pipeline and runs fn
// until it returns or the process is interrupted.
func withApp(parent context.Context, fn func(context.Context, *app.App) error) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	a, err := app.Build(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	return fn(ctx, a)
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
