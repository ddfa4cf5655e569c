// Command vaultgate runs the upload API, the background worker and a set of
// operator utilities against one configuration.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dharsanguruparan/vaultgate/internal/bootstrap"
	"github.com/dharsanguruparan/vaultgate/internal/config"
	"github.com/dharsanguruparan/vaultgate/internal/logging"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rootCmd := newRootCommand()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "vaultgate: %v\n", err)
		os.Exit(1)
	}
}

// cli carries state shared by every subcommand once the root has loaded the
// configuration.
type cli struct {
	configFile string
	logLevel   string

	cfg    *config.Config
	logger *logging.CharmLogger
}

func newRootCommand() *cobra.Command {
	c := &cli{}
	cmd := &cobra.Command{
		Use:   "vaultgate",
		Short: "Secure file upload gateway",
		Long: `vaultgate validates, scans, rate-limits and stores uploaded files. It serves the
HTTP API, runs background jobs and offers maintenance commands for operators.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadFrom(c.configFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if c.logLevel != "" {
				cfg.LogLevel = c.logLevel
			}
			c.cfg = cfg
			c.logger = logging.New(cmd.ErrOrStderr(), logging.Config{Level: cfg.LogLevel})
			return nil
		},
	}
	cmd.PersistentFlags().StringVarP(&c.configFile, "config", "c", "", "YAML config file (defaults to $VAULTGATE_CONFIG)")
	cmd.PersistentFlags().StringVar(&c.logLevel, "log-level", "", "Override the configured log level")
	cmd.AddCommand(
		newServeCmd(c),
		newWorkerCmd(c),
		newUploadCmd(c),
		newScanCmd(c),
		newRateLimitCmd(c),
		newSignCmd(c),
		newIDCmd(),
	)
	return cmd
}

func (c *cli) app(ctx context.Context) (*bootstrap.App, error) {
	app, err := bootstrap.New(ctx, c.cfg, c.logger)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: %w", err)
	}
	return app, nil
}
