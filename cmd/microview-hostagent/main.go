package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/alessandrocornacchia/microview-cp/internal/config"
	"github.com/alessandrocornacchia/microview-cp/internal/liveness"
	"github.com/alessandrocornacchia/microview-cp/internal/pods"
	"github.com/alessandrocornacchia/microview-cp/internal/rdmaio"
	"github.com/alessandrocornacchia/microview-cp/internal/session"
	"github.com/alessandrocornacchia/microview-cp/internal/shm"
)

func main() {
	root := &cobra.Command{
		Use:   "microview-hostagent [flags] <peer-ip> <peer-port> <block-size> <mrs-per-pod>",
		Short: "MicroView host agent: registers pods, exposes their metric pages over RDMA",
		// Flags are parsed by internal/config so CLI and env handling stay
		// in one place for both binaries.
		DisableFlagParsing: true,
		SilenceUsage:       true,
		SilenceErrors:      true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(args)
		},
	}

	if err := root.Execute(); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		// Errors are silenced in cobra, so report them here.
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
}

func run(args []string) error {
	cfg, err := config.ParseHostAgent(args)
	if err != nil {
		return err
	}

	logger := newLogger(cfg.LogLevel)
	logger.Info("starting microview host agent",
		"peer_ip", cfg.PeerIP,
		"peer_port", cfg.PeerPort,
		"block_size", cfg.BlockSize,
		"mrs_per_pod", cfg.MRsPerPod,
		"listen_port", cfg.ListenPort,
		"port_file", cfg.PortFile,
		"liveness_period", cfg.LivenessPeriod.String(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := checkRdmaDevices(ctx, logger, cfg.RdmaDevice); err != nil {
		logger.Error("rdma device check failed", "device", cfg.RdmaDevice, "err", err)
		return err
	}

	table := pods.NewTable()

	sessCfg := session.HostAgentConfig{
		PeerIP:              cfg.PeerIP,
		PeerPort:            cfg.PeerPort,
		BlockSize:           uint32(cfg.BlockSize),
		RouteResolveTimeout: cfg.RouteResolveTimeout,
		IgnoreShmUnlinkErr:  cfg.IgnoreShmUnlinkErr,
	}

	onPod := func(podID uint32, page *shm.Page) {
		go func() {
			conn := session.NewHostAgentConnection(podID, page, table, sessCfg, logger)
			if err := conn.Run(); err != nil {
				logger.Error("pod rdma session failed", "pod_id", podID, "err", err)
			}
		}()
	}

	listener := pods.New(cfg.BlockSize, table, onPod, logger)
	if err := listener.Listen(cfg.ListenPort, cfg.PortFile); err != nil {
		logger.Error("pod registration listener failed to start", "err", err)
		return err
	}

	watcher := liveness.New(table, cfg.LivenessPeriod, nil, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return listener.Serve(gctx)
	})
	g.Go(func() error {
		watcher.Run(gctx)
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("host agent exited with error", "err", err)
		return err
	}

	logger.Info("shutdown complete")
	return nil
}

// checkRdmaDevices reports the node's RDMA devices at startup so a
// misconfigured or missing NIC is visible before the first pod
// registers. When a required device name is configured it fails fast if
// the device is absent from sysfs; otherwise absence is a warning, and
// the CM calls themselves fail with a clearer message if no usable
// device exists.
func checkRdmaDevices(ctx context.Context, logger *slog.Logger, required string) error {
	provider := rdmaio.NewSysfsProvider()

	if required != "" {
		dev, err := provider.FindDevice(ctx, required)
		if err != nil {
			return err
		}
		logRdmaDevice(logger, dev)
		return nil
	}

	devices, err := provider.Devices(ctx)
	if err != nil {
		logger.Warn("rdma device enumeration failed", "err", err)
		return nil
	}
	if len(devices) == 0 {
		logger.Warn("no rdma devices found in sysfs")
		return nil
	}
	for _, dev := range devices {
		logRdmaDevice(logger, dev)
	}
	return nil
}

func logRdmaDevice(logger *slog.Logger, dev rdmaio.Device) {
	for _, port := range dev.Ports {
		logger.Info("rdma device port",
			"device", dev.Name,
			"port", port.ID,
			"link_layer", port.Attributes.LinkLayer,
			"state", port.Attributes.State,
			"rate", port.Attributes.LinkSpeed,
			"netdev", port.Attributes.NetDev,
		)
	}
}

func newLogger(level slog.Level) *slog.Logger {
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	return slog.New(handler)
}
