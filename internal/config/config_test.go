package config

import (
	"log/slog"
	"testing"
	"time"
)

func TestParseHostAgentPositional(t *testing.T) {
	t.Parallel()

	cfg, err := ParseHostAgent([]string{"10.0.0.5", "18515", "4096", "2"})
	if err != nil {
		t.Fatalf("ParseHostAgent returned error: %v", err)
	}

	if cfg.PeerIP != "10.0.0.5" {
		t.Fatalf("expected peer ip 10.0.0.5, got %q", cfg.PeerIP)
	}
	if cfg.PeerPort != 18515 {
		t.Fatalf("expected peer port 18515, got %d", cfg.PeerPort)
	}
	if cfg.BlockSize != 4096 {
		t.Fatalf("expected block size 4096, got %d", cfg.BlockSize)
	}
	if cfg.MRsPerPod != 2 {
		t.Fatalf("expected mrs-per-pod 2, got %d", cfg.MRsPerPod)
	}
	if cfg.PortFile != defaultPortFile {
		t.Fatalf("expected default port file %q, got %q", defaultPortFile, cfg.PortFile)
	}
	if cfg.LogLevel != defaultLogLevelValue() {
		t.Fatalf("expected default log level, got %v", cfg.LogLevel)
	}
	if !cfg.IgnoreShmUnlinkErr {
		t.Fatalf("expected shm unlink errors ignored by default")
	}
}

func TestParseHostAgentMissingArgs(t *testing.T) {
	t.Parallel()

	if _, err := ParseHostAgent([]string{"10.0.0.5", "18515"}); err == nil {
		t.Fatalf("expected error for missing positional args")
	}
}

func TestParseHostAgentFlagsOverrideEnv(t *testing.T) {
	t.Setenv("MICROVIEW_PORT_FILE", "/tmp/from-env.port")

	cfg, err := ParseHostAgent([]string{"-port-file", "/tmp/from-flag.port", "10.0.0.5", "18515", "1024", "1"})
	if err != nil {
		t.Fatalf("ParseHostAgent returned error: %v", err)
	}
	if cfg.PortFile != "/tmp/from-flag.port" {
		t.Fatalf("expected flag to win over env, got %q", cfg.PortFile)
	}
}

func TestParseHostAgentInvalidPeerPort(t *testing.T) {
	t.Parallel()

	if _, err := ParseHostAgent([]string{"10.0.0.5", "not-a-port", "1024", "1"}); err == nil {
		t.Fatalf("expected error for invalid peer-port")
	}
}

func TestParseCollectorPositional(t *testing.T) {
	t.Parallel()

	cfg, err := ParseCollector([]string{"18515", "5", "1024", "4"})
	if err != nil {
		t.Fatalf("ParseCollector returned error: %v", err)
	}

	if cfg.ListenPort != 18515 {
		t.Fatalf("expected listen port 18515, got %d", cfg.ListenPort)
	}
	if cfg.SamplingInterval != 5*time.Second {
		t.Fatalf("expected 5s sampling interval, got %v", cfg.SamplingInterval)
	}
	if cfg.BlockSize != 1024 {
		t.Fatalf("expected block size 1024, got %d", cfg.BlockSize)
	}
	if cfg.MRsPerPod != 4 {
		t.Fatalf("expected mrs-per-pod 4, got %d", cfg.MRsPerPod)
	}
	if cfg.MaxConnections != 256 {
		t.Fatalf("expected default max connections 256, got %d", cfg.MaxConnections)
	}
}

func TestParseCollectorMaxConnectionsFromEnv(t *testing.T) {
	t.Setenv("MICROVIEW_MAX_CONNECTIONS", "8")

	cfg, err := ParseCollector([]string{"18515", "1", "1024", "1"})
	if err != nil {
		t.Fatalf("ParseCollector returned error: %v", err)
	}
	if cfg.MaxConnections != 8 {
		t.Fatalf("expected max connections 8 from env, got %d", cfg.MaxConnections)
	}
}

func TestParseRdmaDeviceFromEnv(t *testing.T) {
	t.Setenv("MICROVIEW_RDMA_DEVICE", "mlx5_0")

	hostCfg, err := ParseHostAgent([]string{"10.0.0.5", "18515", "1024", "1"})
	if err != nil {
		t.Fatalf("ParseHostAgent returned error: %v", err)
	}
	if hostCfg.RdmaDevice != "mlx5_0" {
		t.Fatalf("expected rdma device mlx5_0 from env, got %q", hostCfg.RdmaDevice)
	}

	colCfg, err := ParseCollector([]string{"-rdma-device", "mlx5_1", "18515", "1", "1024", "1"})
	if err != nil {
		t.Fatalf("ParseCollector returned error: %v", err)
	}
	if colCfg.RdmaDevice != "mlx5_1" {
		t.Fatalf("expected flag to win over env, got %q", colCfg.RdmaDevice)
	}
}

func TestParseCollectorInvalidSamplingInterval(t *testing.T) {
	t.Parallel()

	if _, err := ParseCollector([]string{"18515", "not-a-number", "1024", "1"}); err == nil {
		t.Fatalf("expected error for invalid sampling-interval-seconds")
	}
}

func defaultLogLevelValue() slog.Level {
	lvl, _ := parseLogLevel(defaultLogLevel)
	return lvl
}
