package main

import (
	"github.com/hibiken/asynq"
	"github.com/spf13/cobra"

	"github.com/dharsanguruparan/vaultgate/internal/logging"
	"github.com/dharsanguruparan/vaultgate/internal/worker"
)

func newWorkerCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Process background jobs for stored uploads",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			app, err := c.app(ctx)
			if err != nil {
				return err
			}
			defer app.Close()

			acfg := asynq.Config{Concurrency: c.cfg.Queue.Concurrency}
			if name := c.cfg.Queue.Name; name != "" {
				acfg.Queues = map[string]int{name: 1}
			}
			server := asynq.NewServer(app.RedisOpt(), acfg)
			processor := worker.NewProcessor(app.Storage, nil, c.logger)

			go func() {
				<-ctx.Done()
				server.Shutdown()
			}()
			c.logger.Log(logging.LevelInfo, "worker started", "concurrency", acfg.Concurrency)
			return server.Run(processor.Handler())
		},
	}
}
