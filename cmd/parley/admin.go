package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	errValidation   = errors.New("agent validation failed")
	errNoUsageLog   = errors.New("usage log is disabled or unavailable")
	errNoEventStore = errors.New("PARLEY_REDIS_ADDR is not set or redis is unavailable")
	errNoKeys       = errors.New("no master keys configured; set PARLEY_MASTER_KEY_B64")
)

func (c *cli) newValidateCommand() *cobra.Command {
	var agentName string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check agent parameters against their provider schemas",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd.Context(), c.cfg, log.Logger, appOptions{})
			if err != nil {
				return err
			}
			defer a.Close()

			names := a.file.AgentNames()
			if agentName != "" {
				names = []string{agentName}
			}
			out := cmd.OutOrStdout()
			failed := 0
			for _, name := range names {
				agent, err := a.file.Agent(name)
				if err != nil {
					return err
				}
				report, err := a.registry.Validate(agent.Provider, agent.Model)
				if err != nil {
					fmt.Fprintf(out, "%s: %v\n", name, err)
					failed++
					continue
				}
				for _, w := range report.Warnings {
					fmt.Fprintf(out, "%s: warning: %s\n", name, w)
				}
				for _, e := range report.Errors {
					fmt.Fprintf(out, "%s: error: %s\n", name, e)
				}
				if len(report.Errors) > 0 {
					failed++
					continue
				}
				fmt.Fprintf(out, "%s: ok (%s/%s)\n", name, agent.Provider, agent.Model.Name)
			}
			if failed > 0 {
				return fmt.Errorf("%w: %d of %d agents", errValidation, failed, len(names))
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&agentName, "agent", "a", "", "validate only this agent")
	return cmd
}

func (c *cli) newUsageCommand() *cobra.Command {
	var (
		owner string
		limit uint64
		since time.Duration
		prune time.Duration
	)
	cmd := &cobra.Command{
		Use:   "usage",
		Short: "Show recent queries and token totals from the usage log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, c.cfg, log.Logger, appOptions{store: true})
			if err != nil {
				return err
			}
			defer a.Close()
			if a.store == nil {
				return errNoUsageLog
			}

			if prune > 0 {
				n, err := a.store.Prune(ctx, time.Now().Add(-prune))
				if err != nil {
					return err
				}
				log.Info().Int64("deleted", n).Msg("pruned usage log")
			}

			rows, err := a.store.RecentQueries(ctx, owner, limit)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "FINISHED\tPROVIDER\tMODEL\tEXIT\tCHARS\tIN\tOUT\tOWNER")
			for _, r := range rows {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%s\t%s\t%s\n",
					r.FinishedAt.Local().Format(time.DateTime), r.Provider, r.Model, r.ExitCode,
					r.ResponseChars, count(r.InputTokens), count(r.OutputTokens), r.Owner)
			}
			fmt.Fprintln(tw)

			totals, err := a.store.UsageByProvider(ctx, time.Now().Add(-since))
			if err != nil {
				return err
			}
			fmt.Fprintf(tw, "PROVIDER\tQUERIES\tEMPTY\tIN\tOUT\tCACHED\t(last %s)\n", since)
			for _, u := range totals {
				fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%d\t\n", u.Provider, u.Queries, u.Empty, u.InputTokens, u.OutputTokens, u.CachedTokens)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "only show queries for this owner")
	cmd.Flags().Uint64VarP(&limit, "limit", "n", 20, "number of recent queries to list")
	cmd.Flags().DurationVar(&since, "since", 24*time.Hour, "window for per-provider totals")
	cmd.Flags().DurationVar(&prune, "prune", 0, "delete records older than this before listing")
	return cmd
}

func count(v *int) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprint(*v)
}

func (c *cli) newSealCommand() *cobra.Command {
	var reseal bool
	cmd := &cobra.Command{
		Use:   "seal [value]",
		Short: "Encrypt a provider secret into an enc: reference (reads stdin without an argument)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ring, err := keyRing(c.cfg)
			if err != nil {
				return err
			}
			if ring == nil {
				return errNoKeys
			}
			value, err := sealInput(args, cmd.InOrStdin())
			if err != nil {
				return err
			}
			var sealed string
			if reseal {
				sealed, err = ring.Reseal(value)
			} else {
				sealed, err = ring.Seal(value)
			}
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), sealed)
			return nil
		},
	}
	cmd.Flags().BoolVar(&reseal, "reseal", false, "re-encrypt an existing enc: reference with the current key")
	return cmd
}

func sealInput(args []string, stdin io.Reader) (string, error) {
	if len(args) == 1 {
		return args[0], nil
	}
	data, err := io.ReadAll(bufio.NewReader(stdin))
	if err != nil {
		return "", fmt.Errorf("read secret: %w", err)
	}
	value := strings.TrimRight(string(data), "\r\n")
	if value == "" {
		return "", errors.New("empty secret")
	}
	return value, nil
}

func (c *cli) newEventsCommand() *cobra.Command {
	var (
		n      int64
		follow bool
	)
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Print query lifecycle events from the redis stream as JSON lines",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, c.cfg, log.Logger, appOptions{redis: true})
			if err != nil {
				return err
			}
			defer a.Close()
			if a.events == nil {
				return errNoEventStore
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			recent, err := a.events.Recent(ctx, n)
			if err != nil {
				return err
			}
			last := "$"
			for i := len(recent) - 1; i >= 0; i-- {
				if err := enc.Encode(recent[i]); err != nil {
					return err
				}
			}
			if len(recent) > 0 {
				last = recent[0].ID
			}
			if !follow {
				return nil
			}
			for ctx.Err() == nil {
				evs, err := a.events.Read(ctx, last, 100, 5*time.Second)
				if err != nil {
					if ctx.Err() != nil {
						return nil
					}
					return err
				}
				for _, ev := range evs {
					if err := enc.Encode(ev); err != nil {
						return err
					}
					last = ev.ID
				}
			}
			return nil
		},
	}
	cmd.Flags().Int64VarP(&n, "count", "n", 20, "number of recent events to print first")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "keep printing new events")
	return cmd
}
