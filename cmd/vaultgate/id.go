package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dharsanguruparan/vaultgate/internal/pipeline"
)

func newIDCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "id <file|user>",
		Short:     "Mint a random file or user identifier",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"file", "user"},
		RunE: func(cmd *cobra.Command, args []string) error {
			mint := pipeline.NewFileID
			if args[0] == "user" {
				mint = pipeline.NewUserID
			}
			id, err := mint(nil)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}
}
