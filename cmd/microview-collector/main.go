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
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/alessandrocornacchia/microview-cp/internal/config"
	"github.com/alessandrocornacchia/microview-cp/internal/metrics"
	"github.com/alessandrocornacchia/microview-cp/internal/rdmaio"
	"github.com/alessandrocornacchia/microview-cp/internal/server"
	"github.com/alessandrocornacchia/microview-cp/internal/session"
	"github.com/alessandrocornacchia/microview-cp/internal/tick"
)

func main() {
	root := &cobra.Command{
		Use:   "microview-collector [flags] <listen-port> <sampling-interval-seconds> <block-size> <mrs-per-pod>",
		Short: "MicroView collector: scrapes pod metric pages over one-sided RDMA READs",
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
	cfg, err := config.ParseCollector(args)
	if err != nil {
		return err
	}

	logger := newLogger(cfg.LogLevel)
	logger.Info("starting microview collector",
		"listen_port", cfg.ListenPort,
		"sampling_interval", cfg.SamplingInterval.String(),
		"block_size", cfg.BlockSize,
		"mrs_per_pod", cfg.MRsPerPod,
		"max_connections", cfg.MaxConnections,
		"sample_dir", cfg.SampleDir,
		"metrics_address", cfg.MetricsAddress,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := checkRdmaDevices(ctx, logger, cfg.RdmaDevice); err != nil {
		logger.Error("rdma device check failed", "device", cfg.RdmaDevice, "err", err)
		return err
	}

	round := session.NewGlobalRound()
	table := session.NewTable(round)

	scheduler := tick.NewScheduler(cfg.SamplingInterval, logger)
	scheduler.OnTick(round.StartRound)

	listener := session.NewCollectorListener(session.CollectorConfig{
		ListenPort:       cfg.ListenPort,
		BlockSize:        uint32(cfg.BlockSize),
		MRsPerPod:        cfg.MRsPerPod,
		MaxConnections:   cfg.MaxConnections,
		SamplingInterval: cfg.SamplingInterval,
		SampleDir:        cfg.SampleDir,
	}, table, round, scheduler, logger)

	scrapeCollector := metrics.New(table, round, logger)

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
		scrapeCollector,
	)

	srv := server.New(server.Options{
		ListenAddress: cfg.MetricsAddress,
		MetricsPath:   cfg.MetricsPath,
		HealthPath:    cfg.HealthPath,
	}, registry, scrapeCollector, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return listener.Run(gctx)
	})
	g.Go(func() error {
		scheduler.Run(gctx)
		return nil
	})
	g.Go(func() error {
		return srv.ListenAndServe()
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("collector exited with error", "err", err)
		return err
	}

	logger.Info("shutdown complete")
	return nil
}

// checkRdmaDevices reports the node's RDMA devices at startup so a
// misconfigured or missing NIC is visible before the first host agent
// connects. When a required device name is configured it fails fast if
// the device is absent from sysfs.
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
