package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/dharsanguruparan/vaultgate/internal/api"
	"github.com/dharsanguruparan/vaultgate/internal/logging"
	"github.com/dharsanguruparan/vaultgate/internal/ratelimit"
)

// multipartOverhead is headroom above the largest accepted file for form
// boundaries and fields.
const multipartOverhead = 1 << 20

func newServeCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the upload HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			app, err := c.app(ctx)
			if err != nil {
				return err
			}
			defer app.Close()
			if c.cfg.Queue.Enabled {
				app.EnableQueue()
			}
			if app.Limiter != nil {
				go cleanupLoop(ctx, app.Limiter, c.logger)
			}

			var maxBody int64
			if c.cfg.Validation.MaxSize > 0 {
				maxBody = int64(c.cfg.Validation.MaxSize) + multipartOverhead
			}
			srv, err := api.New(api.Options{
				Address:        c.cfg.Address,
				Pipeline:       app.Pipeline,
				Signer:         app.Signer,
				SignedURLTTL:   c.cfg.SignedURLTTL,
				MaxBodySize:    maxBody,
				Destination:    c.cfg.Pipeline.Destination,
				TrustClientID:  c.cfg.TrustClientID,
				TrustedProxies: c.cfg.TrustedProxies,
				Logger:         c.logger,
			})
			if err != nil {
				return err
			}
			return srv.Run(ctx)
		},
	}
}

// cleanupLoop drops stale limiter records once per window.
func cleanupLoop(ctx context.Context, l *ratelimit.Limiter, logger logging.Logger) {
	ticker := time.NewTicker(l.Config().Window)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := l.Cleanup(ctx)
			if err != nil {
				logger.Log(logging.LevelWarn, "rate limit cleanup failed", "error", err)
				continue
			}
			if n > 0 {
				logger.Log(logging.LevelDebug, "rate limit records removed", "count", n)
			}
		}
	}
}
