package main

import (
	"context"
	"fmt"
	"net"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/oriys/quasar/internal/config"
	"github.com/oriys/quasar/internal/dispatcher"
	"github.com/oriys/quasar/internal/logging"
	"github.com/oriys/quasar/internal/remote"
	"github.com/oriys/quasar/internal/wire"
)

func dispatcherCmd() *cobra.Command {
	var (
		nodes     int
		listen    string
		grpcAddr  string
		codec     string
		adminAddr string
		drain     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "dispatcher",
		Short: "Run the dispatcher daemon",
		Long:  "Run a dispatcher with optional local nodes, accepting remote nodes over TCP, vsock or gRPC",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, func(c *config.Config) {
				flags := cmd.Flags()
				if flags.Changed("nodes") {
					c.Node.Count = nodes
				}
				if flags.Changed("listen") {
					c.Remote.ListenAddr = listen
				}
				if flags.Changed("grpc") {
					c.Remote.GRPCAddr = grpcAddr
				}
				if flags.Changed("codec") {
					c.Remote.Codec = codec
				}
				if flags.Changed("admin") {
					c.Admin.HTTPAddr = adminAddr
				}
			})
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			flush, err := initObservability(ctx, cfg.Observability)
			if err != nil {
				return err
			}
			defer flush()

			d := dispatcher.New(cfg.Dispatcher)

			if cfg.Node.Count > 0 {
				store, closeStore, err := openValueStore(ctx, cfg.Cache)
				if err != nil {
					return err
				}
				defer closeStore()
				local := newLocalInvoker(cfg.Node, cfg.Node.Count, store)
				defer local.Close()
				if err := d.RegisterInvoker(local); err != nil {
					return err
				}
			}

			wc, err := wire.GetCodec(cfg.Remote.Codec)
			if err != nil {
				return err
			}
			srv := remote.NewServer(d, wc,
				remote.WithHandshakeTimeout(cfg.Remote.HandshakeTimeout),
				remote.WithNodeWriteTimeout(cfg.Remote.WriteTimeout))

			g, gctx := errgroup.WithContext(ctx)
			if cfg.Remote.ListenAddr != "" {
				ln, err := wire.Listen(cfg.Remote.ListenAddr)
				if err != nil {
					return fmt.Errorf("listen %s: %w", cfg.Remote.ListenAddr, err)
				}
				g.Go(func() error { return srv.Serve(ln) })
			}
			stopGRPC := func() {}
			if cfg.Remote.GRPCAddr != "" {
				lis, err := net.Listen("tcp", strings.TrimPrefix(cfg.Remote.GRPCAddr, "tcp://"))
				if err != nil {
					srv.Close()
					return fmt.Errorf("listen grpc %s: %w", cfg.Remote.GRPCAddr, err)
				}
				gs := wire.NewGRPCServer(wc, srv)
				stopGRPC = gs.Stop
				logging.Op().Info("accepting gRPC node connections", "addr", lis.Addr().String())
				g.Go(func() error { return gs.Serve(lis) })
			}
			if cfg.Admin.HTTPAddr != "" {
				g.Go(func() error { return serveHTTP(gctx, cfg.Admin.HTTPAddr, dispatcherAdmin(d, srv)) })
			}
			g.Go(func() error {
				<-gctx.Done()
				logging.Op().Info("shutting down dispatcher")
				shutdownDispatcher(d, drain)
				stopGRPC()
				return srv.Close()
			})

			logging.Op().Info("dispatcher started",
				"local_nodes", cfg.Node.Count,
				"listen", cfg.Remote.ListenAddr,
				"grpc", cfg.Remote.GRPCAddr,
				"admin", cfg.Admin.HTTPAddr,
				"max_job_attempts", cfg.Dispatcher.MaxJobAttempts)
			return g.Wait()
		},
	}

	cmd.Flags().IntVar(&nodes, "nodes", 2, "Number of local nodes (0 for none)")
	cmd.Flags().StringVar(&listen, "listen", "tcp://:9400", "Node listener (tcp://host:port or vsock://port, empty to disable)")
	cmd.Flags().StringVar(&grpcAddr, "grpc", "", "gRPC node listener address (e.g., :9402)")
	cmd.Flags().StringVar(&codec, "codec", "json", "Wire codec (json, msgpack)")
	cmd.Flags().StringVar(&adminAddr, "admin", ":9401", "Admin HTTP address (empty to disable)")
	cmd.Flags().DurationVar(&drain, "drain-timeout", 30*time.Second, "Time to wait for running jobs on shutdown")
	return cmd
}
