package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"zenoh/internal/transport"
	"zenoh/pkg/wire"
)

func connectCmd(flags *rootFlags) *cobra.Command {
	var (
		puts       []string
		bestEffort bool
	)

	cmd := &cobra.Command{
		Use:   "connect [endpoint...]",
		Short: "Dial peers and publish values",
		Long: `Dial the given endpoints, or the configured ones, keeping each link up
with backoff. Every --put key=value is published on each session as it
opens. Samples received from peers are logged.`,
		Example: `  zenohd connect tcp/127.0.0.1:7447 --put demo/example=hello`,
		RunE: func(cmd *cobra.Command, args []string) error {
			samples, err := parsePuts(puts)
			if err != nil {
				return err
			}
			n, err := loadNode(flags)
			if err != nil {
				return err
			}

			reliability := wire.Reliable
			if bestEffort {
				reliability = wire.BestEffort
			}
			publish := func(p *transport.Peer) {
				for _, s := range samples {
					if err := p.Send(s, reliability); err != nil {
						clog.Warn("put not queued", "peer", p.Remote().ZID.String(), "key", s.WireExpr.String(), "err", err)
						return
					}
				}
				if len(samples) > 0 {
					clog.Info("published", "peer", p.Remote().ZID.String(), "count", len(samples))
				}
			}

			mc, err := n.managerConfig(nil, args, logSample, publish)
			if err != nil {
				return err
			}
			if len(mc.Connect) == 0 {
				return fmt.Errorf("no endpoint to connect to")
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return n.run(ctx, mc)
		},
	}

	cmd.Flags().StringArrayVarP(&puts, "put", "p", nil, "key=value to publish on every session (repeatable)")
	cmd.Flags().BoolVar(&bestEffort, "best-effort", false, "publish on the best-effort channel")
	return cmd
}

// parsePuts turns key=value arguments into Push messages.
func parsePuts(in []string) ([]wire.Push, error) {
	out := make([]wire.Push, 0, len(in))
	for _, kv := range in {
		key, value, ok := strings.Cut(kv, "=")
		key = strings.Trim(key, "/ ")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --put %q: want key=value", kv)
		}
		out = append(out, wire.Push{
			WireExpr: wire.WireExpr{Suffix: key},
			QoS:      wire.DefaultQoS,
			Body:     wire.Put{Payload: []byte(value)},
		})
	}
	return out, nil
}
