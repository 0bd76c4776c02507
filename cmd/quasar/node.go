package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/oriys/quasar/internal/config"
	"github.com/oriys/quasar/internal/logging"
	"github.com/oriys/quasar/internal/remote"
)

func nodeCmd() *cobra.Command {
	var (
		nodes        int
		dispatcher   string
		useGRPC      bool
		codec        string
		capabilities []string
		adminAddr    string
	)

	cmd := &cobra.Command{
		Use:   "node",
		Short: "Run nodes serving a remote dispatcher",
		Long:  "Run local nodes that connect to a dispatcher and execute the jobs it sends, reconnecting when the connection drops",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, func(c *config.Config) {
				flags := cmd.Flags()
				if flags.Changed("nodes") {
					c.Node.Count = nodes
				}
				if flags.Changed("dispatcher") {
					c.Remote.DispatcherAddr = dispatcher
				}
				if flags.Changed("grpc") {
					c.Remote.DispatcherGRPC = useGRPC
				}
				if flags.Changed("codec") {
					c.Remote.Codec = codec
				}
				if flags.Changed("capabilities") {
					c.Node.Capabilities = capabilities
				}
			})
			if err != nil {
				return err
			}
			if cfg.Node.Count < 1 {
				return errors.New("node needs at least one local node")
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			flush, err := initObservability(ctx, cfg.Observability)
			if err != nil {
				return err
			}
			defer flush()

			store, closeStore, err := openValueStore(ctx, cfg.Cache)
			if err != nil {
				return err
			}
			defer closeStore()
			local := newLocalInvoker(cfg.Node, cfg.Node.Count, store)
			defer local.Close()

			agent, err := remote.NewAgent(remote.AgentConfig{
				Address:    cfg.Remote.DispatcherAddr,
				GRPC:       cfg.Remote.DispatcherGRPC,
				Codec:      cfg.Remote.Codec,
				NodeID:     cfg.Node.InvokerID,
				MinBackoff: cfg.Remote.MinBackoff,
				MaxBackoff: cfg.Remote.MaxBackoff,
			}, local)
			if err != nil {
				return err
			}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error { return agent.Run(gctx) })
			// The admin address of the config belongs to the dispatcher.
			if adminAddr != "" {
				g.Go(func() error { return serveHTTP(gctx, adminAddr, nodeAdmin(local)) })
			}

			logging.Op().Info("node started",
				"invoker", local.ID(),
				"nodes", local.Size(),
				"dispatcher", cfg.Remote.DispatcherAddr,
				"capabilities", cfg.Node.Capabilities)
			err = g.Wait()
			local.Close()
			local.Wait()
			return err
		},
	}

	cmd.Flags().IntVar(&nodes, "nodes", 2, "Number of local nodes")
	cmd.Flags().StringVar(&dispatcher, "dispatcher", "tcp://localhost:9400", "Dispatcher address (tcp://host:port, vsock://cid:port, or host:port with --grpc)")
	cmd.Flags().BoolVar(&useGRPC, "grpc", false, "Connect over gRPC")
	cmd.Flags().StringVar(&codec, "codec", "json", "Wire codec (json, msgpack)")
	cmd.Flags().StringSliceVar(&capabilities, "capabilities", nil, "Capability tags advertised to the dispatcher")
	cmd.Flags().StringVar(&adminAddr, "admin", "", "Admin HTTP address (empty to disable)")
	return cmd
}
