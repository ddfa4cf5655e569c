package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dharsanguruparan/vaultgate/internal/bootstrap"
	"github.com/dharsanguruparan/vaultgate/internal/scan"
)

type versioner interface {
	Version(ctx context.Context) string
}

func newScanCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "scan <file>...",
		Short: "Scan local files with the configured virus scanner",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			scanner := bootstrap.BuildScanner(c.cfg.Scanner, c.logger)
			out := cmd.OutOrStdout()
			if v, ok := scanner.(versioner); ok {
				fmt.Fprintf(out, "scanner: %s\n", v.Version(ctx))
			}
			if !scanner.IsAvailable(ctx) {
				fmt.Fprintln(out, "warning: no scanner available")
			}

			infected := 0
			for _, p := range args {
				res := scanner.Scan(ctx, p)
				switch res.Status {
				case scan.StatusInfected:
					infected++
					fmt.Fprintf(out, "%s: %s FOUND\n", p, res.VirusName)
				case scan.StatusError:
					fmt.Fprintf(out, "%s: ERROR %s\n", p, res.ErrorMessage)
				default:
					fmt.Fprintf(out, "%s: %s (%.3fs)\n", p, res.Status, res.ElapsedSeconds())
				}
			}
			if infected > 0 {
				return fmt.Errorf("%d infected file(s)", infected)
			}
			return nil
		},
	}
}
