package main

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/dharsanguruparan/vaultgate/internal/events"
	"github.com/dharsanguruparan/vaultgate/internal/file"
)

func newUploadCmd(c *cli) *cobra.Command {
	var (
		destination string
		identifier  string
		showEvents  bool
	)
	cmd := &cobra.Command{
		Use:   "upload <file>...",
		Short: "Run local files through the upload pipeline",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			app, err := c.app(ctx)
			if err != nil {
				return err
			}
			defer app.Close()

			enc := json.NewEncoder(cmd.OutOrStdout())
			if showEvents {
				for _, name := range events.All {
					if err := app.Mirror.Bus().Subscribe(name, func(r events.Record) { _ = enc.Encode(r) }); err != nil {
						return fmt.Errorf("subscribe %s: %w", name, err)
					}
				}
			}

			handles := make([]*file.Handle, 0, len(args))
			for _, p := range args {
				h, err := file.New(filepath.Base(p), p, "")
				if err != nil {
					return err
				}
				handles = append(handles, h)
			}
			if destination == "" {
				destination = c.cfg.Pipeline.Destination
			}
			outs, _ := app.Pipeline.UploadMultiple(ctx, handles, destination, identifier)

			failed := 0
			for _, out := range outs {
				if !out.Success {
					failed++
				}
				if err := enc.Encode(out); err != nil {
					return fmt.Errorf("encode outcome: %w", err)
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d uploads failed", failed, len(outs))
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&destination, "dest", "d", "", "Destination directory inside storage")
	cmd.Flags().StringVar(&identifier, "id", "", "Rate-limit identifier; empty skips rate limiting")
	cmd.Flags().BoolVar(&showEvents, "events", false, "Print pipeline events as they fire")
	return cmd
}
