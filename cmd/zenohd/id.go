package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"zenoh/internal/identity"
)

func idCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "id",
		Short: "Print the node's zid and key fingerprint",
		Long: `Print the zid announced in every handshake and the fingerprint of the
node key, creating the key under data_dir/identity if none exists.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			id, err := identity.Load(cfg.Node.DataDir)
			if err != nil {
				return fmt.Errorf("identity: %w", err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "zid:         %s\n", id.ZID)
			fmt.Fprintf(out, "fingerprint: %s\n", id.Fingerprint())
			fmt.Fprintf(out, "public key:  %s\n", filepath.Join(cfg.Node.DataDir, "identity", "node.pub"))
			return nil
		},
	}
}
