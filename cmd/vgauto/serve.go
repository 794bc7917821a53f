package main

import (
	"fmt"
	"net"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"

	"github.com/danielpatrickdp/graph-automaton/internal/description"
	"github.com/danielpatrickdp/graph-automaton/internal/resolver"
	"github.com/danielpatrickdp/graph-automaton/internal/rule"
)

// servedRuleID names the composite exposed by serve-resolver.
const servedRuleID = "vgauto::served"

func serveCmd() *cobra.Command {
	var (
		addr string
		desc string
	)
	cmd := &cobra.Command{
		Use:   "serve-resolver",
		Short: "Serve this project's rules to remote automata over gRPC",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()
			serveMetrics(ctx, metricsAddr)

			d := description.New("served")
			if p := firstNonEmpty(desc, cfg.Description); p != "" {
				loaded, err := description.Load(projectPath(p))
				if err != nil {
					return err
				}
				d = loaded
			}
			reg, err := buildRules(d, nil)
			if err != nil {
				return err
			}
			backend := resolver.Local{Rule: rule.NewComposite(servedRuleID, reg.Ordered()...)}

			lis, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("listen %s: %w", addr, err)
			}
			gs := grpc.NewServer()
			resolver.NewServer(backend, logger).Register(gs)

			go func() {
				<-ctx.Done()
				gs.GracefulStop()
			}()
			logger.Info().Str("addr", lis.Addr().String()).Int("rules", reg.Len()).Msg("serving resolver")
			return gs.Serve(lis)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":7070", "listen address")
	cmd.Flags().StringVar(&desc, "description", "", "description whose rules are served (default from vg.toml)")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	return cmd
}
