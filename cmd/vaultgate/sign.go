package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/dharsanguruparan/vaultgate/internal/signing"
	"github.com/dharsanguruparan/vaultgate/internal/storage"
)

func newSignCmd(c *cli) *cobra.Command {
	var (
		scope string
		ttl   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "sign <path>",
		Short: "Print a signed /files link for a stored path",
		Long: `sign prints a link for the API's /files route. Read links serve the file;
delete links are the only ones the DELETE route accepts.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s := signing.Scope(scope)
			if s != signing.ScopeRead && s != signing.ScopeDelete {
				return fmt.Errorf("unknown scope %q (want read or delete)", scope)
			}
			if ttl <= 0 {
				ttl = c.cfg.SignedURLTTL
			}
			p := storage.CleanPath(args[0])
			q := signing.NewSigner([]byte(c.cfg.SigningSecret)).SignedQuery(s, p, time.Now().Add(ttl))
			fmt.Fprintf(cmd.OutOrStdout(), "/files/%s?%s\n", p, q.Encode())
			return nil
		},
	}
	cmd.Flags().StringVar(&scope, "scope", string(signing.ScopeRead), "Operation the link grants: read or delete")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "Link lifetime (defaults to signed_url_ttl)")
	return cmd
}
