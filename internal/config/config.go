// Package config parses the command-line and environment configuration for
// both MicroView binaries: the host agent (H) and the collector (C).
package config

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultPortFile       = ".port"
	defaultLogLevel       = "info"
	defaultRouteTimeout   = 500 * time.Millisecond
	defaultLivenessPeriod = 2 * time.Second
)

// HostAgentConfig captures runtime configuration for the host agent (H).
type HostAgentConfig struct {
	// PeerIP / PeerPort identify the collector (C) that H connects to as the
	// RDMA active side, per spec.md §6 CLI surface.
	PeerIP   string
	PeerPort int

	// BlockSize is the size in bytes of each pod's shared-memory page and of
	// the MR advertised for it.
	BlockSize int
	// MRsPerPod is accepted for symmetry with the collector's CLI but is not
	// interpreted by H: H always registers exactly one MR per pod (the
	// pod's own page).
	MRsPerPod int

	// ListenPort is the TCP port H listens on for pod hellos. 0 picks an
	// ephemeral port, written to PortFile.
	ListenPort int
	PortFile   string

	RouteResolveTimeout time.Duration
	LivenessPeriod      time.Duration
	IgnoreShmUnlinkErr  bool

	// RdmaDevice, when set, names the RDMA device that must be present in
	// sysfs for startup to proceed. Empty skips the check.
	RdmaDevice string

	LogLevel slog.Level
}

// CollectorConfig captures runtime configuration for the collector (C).
type CollectorConfig struct {
	ListenPort       int
	SamplingInterval time.Duration
	BlockSize        int
	MRsPerPod        int
	MaxConnections   int
	SampleDir        string
	MetricsAddress   string
	MetricsPath      string
	HealthPath       string
	RdmaDevice       string
	LogLevel         slog.Level
}

// ParseHostAgent builds a HostAgentConfig from positional CLI args per
// spec.md §6: "<peer-ip> <peer-port> <block-size> <mrs-per-pod>", with
// additional flags/env overrides for the ambient concerns spec.md leaves
// unspecified (logging, port file, timeouts).
func ParseHostAgent(args []string) (HostAgentConfig, error) {
	fs := flag.NewFlagSet("microview-hostagent", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	listenPort := fs.Int("listen-port", envIntOrDefault("MICROVIEW_LISTEN_PORT", 0), "TCP port for pod registration hellos (0 = ephemeral).")
	portFile := fs.String("port-file", envOrDefault("MICROVIEW_PORT_FILE", defaultPortFile), "File the listening port is written to, for pod discovery.")
	logLevel := fs.String("log-level", envOrDefault("MICROVIEW_LOG_LEVEL", defaultLogLevel), "Log level (debug, info, warn, error).")
	routeTimeout := fs.Duration("route-resolve-timeout", defaultRouteTimeout, "RDMA route resolution timeout.")
	livenessPeriod := fs.Duration("liveness-period", defaultLivenessPeriod, "Interval between pod liveness sweeps.")
	ignoreShmUnlink := fs.Bool("ignore-shm-unlink-errors", true, "Log shm_unlink failures at warn level instead of error; teardown continues either way.")
	rdmaDevice := fs.String("rdma-device", envOrDefault("MICROVIEW_RDMA_DEVICE", ""), "RDMA device that must exist in sysfs at startup (empty = skip check).")

	if err := fs.Parse(args); err != nil {
		return HostAgentConfig{}, err
	}

	rest := fs.Args()
	if len(rest) < 4 {
		return HostAgentConfig{}, fmt.Errorf("usage: microview-hostagent [flags] <peer-ip> <peer-port> <block-size> <mrs-per-pod>")
	}

	peerIP := rest[0]
	peerPort, err := strconv.Atoi(rest[1])
	if err != nil {
		return HostAgentConfig{}, fmt.Errorf("invalid peer-port %q: %w", rest[1], err)
	}
	blockSize, err := strconv.Atoi(rest[2])
	if err != nil {
		return HostAgentConfig{}, fmt.Errorf("invalid block-size %q: %w", rest[2], err)
	}
	mrsPerPod, err := strconv.Atoi(rest[3])
	if err != nil {
		return HostAgentConfig{}, fmt.Errorf("invalid mrs-per-pod %q: %w", rest[3], err)
	}

	level, err := parseLogLevel(*logLevel)
	if err != nil {
		return HostAgentConfig{}, err
	}

	return HostAgentConfig{
		PeerIP:              peerIP,
		PeerPort:            peerPort,
		BlockSize:           blockSize,
		MRsPerPod:           mrsPerPod,
		ListenPort:          *listenPort,
		PortFile:            *portFile,
		RouteResolveTimeout: *routeTimeout,
		LivenessPeriod:      *livenessPeriod,
		IgnoreShmUnlinkErr:  *ignoreShmUnlink,
		RdmaDevice:          *rdmaDevice,
		LogLevel:            level,
	}, nil
}

// ParseCollector builds a CollectorConfig per spec.md §6:
// "<listen-port> <sampling-interval-seconds> <block-size> <mrs-per-pod>".
func ParseCollector(args []string) (CollectorConfig, error) {
	fs := flag.NewFlagSet("microview-collector", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	maxConnections := fs.Int("max-connections", envIntOrDefault("MICROVIEW_MAX_CONNECTIONS", 256), "Maximum number of simultaneous RDMA connections (slab capacity).")
	sampleDir := fs.String("sample-dir", envOrDefault("MICROVIEW_SAMPLE_DIR", "."), "Directory latency sample files are written to.")
	metricsAddr := fs.String("metrics-address", envOrDefault("MICROVIEW_METRICS_ADDRESS", ":9880"), "Address to serve Prometheus metrics on.")
	metricsPath := fs.String("metrics-path", envOrDefault("MICROVIEW_METRICS_PATH", "/metrics"), "HTTP path metrics are served under.")
	healthPath := fs.String("health-path", envOrDefault("MICROVIEW_HEALTH_PATH", "/healthz"), "HTTP path for health checks.")
	rdmaDevice := fs.String("rdma-device", envOrDefault("MICROVIEW_RDMA_DEVICE", ""), "RDMA device that must exist in sysfs at startup (empty = skip check).")
	logLevel := fs.String("log-level", envOrDefault("MICROVIEW_LOG_LEVEL", defaultLogLevel), "Log level (debug, info, warn, error).")

	if err := fs.Parse(args); err != nil {
		return CollectorConfig{}, err
	}

	rest := fs.Args()
	if len(rest) < 4 {
		return CollectorConfig{}, fmt.Errorf("usage: microview-collector [flags] <listen-port> <sampling-interval-seconds> <block-size> <mrs-per-pod>")
	}

	listenPort, err := strconv.Atoi(rest[0])
	if err != nil {
		return CollectorConfig{}, fmt.Errorf("invalid listen-port %q: %w", rest[0], err)
	}
	intervalSecs, err := strconv.Atoi(rest[1])
	if err != nil {
		return CollectorConfig{}, fmt.Errorf("invalid sampling-interval-seconds %q: %w", rest[1], err)
	}
	blockSize, err := strconv.Atoi(rest[2])
	if err != nil {
		return CollectorConfig{}, fmt.Errorf("invalid block-size %q: %w", rest[2], err)
	}
	mrsPerPod, err := strconv.Atoi(rest[3])
	if err != nil {
		return CollectorConfig{}, fmt.Errorf("invalid mrs-per-pod %q: %w", rest[3], err)
	}

	level, err := parseLogLevel(*logLevel)
	if err != nil {
		return CollectorConfig{}, err
	}

	return CollectorConfig{
		ListenPort:       listenPort,
		SamplingInterval: time.Duration(intervalSecs) * time.Second,
		BlockSize:        blockSize,
		MRsPerPod:        mrsPerPod,
		MaxConnections:   *maxConnections,
		SampleDir:        *sampleDir,
		MetricsAddress:   *metricsAddr,
		MetricsPath:      *metricsPath,
		HealthPath:       *healthPath,
		RdmaDevice:       *rdmaDevice,
		LogLevel:         level,
	}, nil
}

func envOrDefault(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

func envIntOrDefault(key string, fallback int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func parseLogLevel(value string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error", "err":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level %q", value)
	}
}
