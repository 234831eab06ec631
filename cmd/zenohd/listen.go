package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func listenCmd(flags *rootFlags) *cobra.Command {
	var endpoints []string

	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Accept sessions and log received samples",
		Long: `Listen on the configured endpoints, or on those given with --listen,
and log every Put and Del received from connected peers.`,
		Example: `  zenohd listen --listen tcp/0.0.0.0:7447 --listen ws/0.0.0.0:7448`,
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := loadNode(flags)
			if err != nil {
				return err
			}
			if len(endpoints) == 0 && len(n.cfg.Transport.Listen) == 0 {
				endpoints = []string{defaultListen}
			}
			mc, err := n.managerConfig(endpoints, nil, logSample, nil)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return n.run(ctx, mc)
		},
	}

	cmd.Flags().StringArrayVarP(&endpoints, "listen", "l", nil, "endpoint to listen on (repeatable)")
	return cmd
}

const defaultListen = "tcp/0.0.0.0:7447"
