package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	defaultDBPath         = "~/.fleet/state.db"
	defaultTSDBPath       = "~/.fleet/metrics"
	defaultAPIListenAddr  = "0.0.0.0:7780"
	defaultAdminListen    = "127.0.0.1:7781"
	defaultAgentPort      = 8472
	defaultAgentScheme    = "http"
	defaultAgentTimeout   = 60 * time.Second
	defaultSyncInterval   = 60 * time.Second
	defaultPingInterval   = 30 * time.Second
	defaultPingMemLimit   = 20
	defaultMetricsEvery   = 15 * time.Second
	defaultDeleteTimeout  = 20 * time.Second
	defaultDiskspaceParam = "/storage"
	defaultMetricStreams  = "cpu_usage,memory_usage,network_usage,diskspace_usage"
)

// ServerConfig captures the runtime configuration required by fleetd.
type ServerConfig struct {
	DatabasePath    string
	TSDBPath        string
	APIListenAddr   string
	AdminListenAddr string
	APIKey          string
	AgentPort       int
	AgentScheme     string
	AgentTimeout    time.Duration
	SyncInterval    time.Duration
	PingInterval    time.Duration
	PingMemLimit    int
	MetricsInterval time.Duration
	DeleteTimeout   time.Duration
	DiskspaceParam  string
	MetricStreams   []string
	InventoryFile   string
	InventoryURL    string
	NATSURL         string
}

// FromEnv loads server configuration from environment variables, applying
// opinionated defaults when unset.
func FromEnv() (ServerConfig, error) {
	cfg := ServerConfig{
		DatabasePath:    expandPath(getenv("FLEET_DB_PATH", defaultDBPath)),
		TSDBPath:        expandPath(getenv("FLEET_TSDB_PATH", defaultTSDBPath)),
		APIListenAddr:   getenv("FLEET_API_LISTEN", defaultAPIListenAddr),
		AdminListenAddr: getenv("FLEET_ADMIN_LISTEN", defaultAdminListen),
		APIKey:          strings.TrimSpace(os.Getenv("FLEET_API_KEY")),
		AgentScheme:     strings.ToLower(getenv("FLEET_AGENT_SCHEME", defaultAgentScheme)),
		DiskspaceParam:  getenv("FLEET_ALLOCATE_DISKSPACE_PARAM", defaultDiskspaceParam),
		MetricStreams:   splitList(getenv("FLEET_METRIC_STREAMS", defaultMetricStreams)),
		InventoryFile:   expandPath(os.Getenv("FLEET_INVENTORY_FILE")),
		InventoryURL:    strings.TrimSpace(os.Getenv("FLEET_INVENTORY_URL")),
		NATSURL:         strings.TrimSpace(os.Getenv("FLEET_NATS_URL")),
	}

	var err error
	if cfg.AgentPort, err = intEnv("FLEET_AGENT_PORT", defaultAgentPort); err != nil {
		return ServerConfig{}, err
	}
	if cfg.PingMemLimit, err = intEnv("FLEET_PINGCHECK_MEM_LIMIT", defaultPingMemLimit); err != nil {
		return ServerConfig{}, err
	}
	durations := []struct {
		key      string
		fallback time.Duration
		dst      *time.Duration
	}{
		{"FLEET_AGENT_TIMEOUT", defaultAgentTimeout, &cfg.AgentTimeout},
		{"FLEET_SYNC_INTERVAL", defaultSyncInterval, &cfg.SyncInterval},
		{"FLEET_PINGCHECK_INTERVAL", defaultPingInterval, &cfg.PingInterval},
		{"FLEET_METRICS_INTERVAL", defaultMetricsEvery, &cfg.MetricsInterval},
		{"FLEET_DELETE_TIMEOUT", defaultDeleteTimeout, &cfg.DeleteTimeout},
	}
	for _, d := range durations {
		if *d.dst, err = durationEnv(d.key, d.fallback); err != nil {
			return ServerConfig{}, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return ServerConfig{}, err
	}
	return cfg, nil
}

// Validate checks the combination of settings.
func (c ServerConfig) Validate() error {
	for name, addr := range map[string]string{"api": c.APIListenAddr, "admin": c.AdminListenAddr} {
		if strings.TrimSpace(addr) == "" {
			return fmt.Errorf("%s listen address required", name)
		}
		if _, _, err := net.SplitHostPort(addr); err != nil {
			return fmt.Errorf("invalid %s listen address %q: %w", name, addr, err)
		}
	}
	if c.AgentScheme != "http" && c.AgentScheme != "https" {
		return fmt.Errorf("invalid agent scheme %q", c.AgentScheme)
	}
	if c.AgentPort <= 0 || c.AgentPort > 65535 {
		return fmt.Errorf("invalid agent port %d", c.AgentPort)
	}
	if c.PingMemLimit < 3 {
		return fmt.Errorf("ping check memory limit must be at least 3, got %d", c.PingMemLimit)
	}
	if c.InventoryURL != "" {
		if _, err := url.ParseRequestURI(c.InventoryURL); err != nil {
			return fmt.Errorf("invalid inventory url %q: %w", c.InventoryURL, err)
		}
	}
	return nil
}

func getenv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func intEnv(key string, fallback int) (int, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return v, nil
}

func durationEnv(key string, fallback time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("invalid %s %q: must be positive", key, raw)
	}
	return d, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func expandPath(path string) string {
	path = strings.TrimSpace(path)
	if path == "" {
		return path
	}
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err == nil {
			path = filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return filepath.Clean(path)
}
