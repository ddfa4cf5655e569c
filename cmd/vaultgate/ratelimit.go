package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dharsanguruparan/vaultgate/internal/ratelimit"
)

func newRateLimitCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ratelimit",
		Short: "Inspect and maintain rate-limit records",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "status <identifier>",
			Short: "Show remaining requests for an identifier",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return c.withLimiter(cmd, func(l *ratelimit.Limiter) error {
					ctx := cmd.Context()
					remaining, err := l.Remaining(ctx, args[0])
					if err != nil {
						return err
					}
					retry, err := l.RetryAfter(ctx, args[0])
					if err != nil {
						return err
					}
					cfg := l.Config()
					fmt.Fprintf(cmd.OutOrStdout(), "%s: %d/%d remaining, retry after %ds (window %s)\n",
						args[0], remaining, cfg.Limit, retry, cfg.Window)
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "reset <identifier>",
			Short: "Forget every recorded hit for an identifier",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return c.withLimiter(cmd, func(l *ratelimit.Limiter) error {
					if err := l.Reset(cmd.Context(), args[0]); err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "reset %s\n", args[0])
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "cleanup",
			Short: "Remove records older than twice the window",
			RunE: func(cmd *cobra.Command, args []string) error {
				return c.withLimiter(cmd, func(l *ratelimit.Limiter) error {
					n, err := l.Cleanup(cmd.Context())
					if err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "removed %d record(s)\n", n)
					return nil
				})
			},
		},
	)
	return cmd
}

func (c *cli) withLimiter(cmd *cobra.Command, fn func(*ratelimit.Limiter) error) error {
	app, err := c.app(cmd.Context())
	if err != nil {
		return err
	}
	defer app.Close()
	if app.Limiter == nil {
		return errors.New("rate limiting is disabled (set rate_limit.enabled)")
	}
	return fn(app.Limiter)
}
