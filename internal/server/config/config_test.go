package config

import (
	"testing"
	"time"
)

func TestFromEnvDefaults(t *testing.T) {
	t.Setenv("FLEET_DB_PATH", "/tmp/fleet/state.db")
	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("from env: %v", err)
	}
	if cfg.DatabasePath != "/tmp/fleet/state.db" {
		t.Fatalf("db path = %q", cfg.DatabasePath)
	}
	if cfg.SyncInterval != time.Minute || cfg.DeleteTimeout != 20*time.Second {
		t.Fatalf("unexpected intervals: %+v", cfg)
	}
	if cfg.PingMemLimit != 20 || cfg.AgentPort != 8472 || cfg.DiskspaceParam != "/storage" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if len(cfg.MetricStreams) != 4 {
		t.Fatalf("metric streams = %v", cfg.MetricStreams)
	}
}

func TestFromEnvRejectsBadValues(t *testing.T) {
	cases := map[string]struct {
		key, value string
	}{
		"duration":  {"FLEET_SYNC_INTERVAL", "soon"},
		"negative":  {"FLEET_DELETE_TIMEOUT", "-1s"},
		"port":      {"FLEET_AGENT_PORT", "70000"},
		"scheme":    {"FLEET_AGENT_SCHEME", "gopher"},
		"mem limit": {"FLEET_PINGCHECK_MEM_LIMIT", "2"},
		"listen":    {"FLEET_API_LISTEN", "nocolon"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			t.Setenv(tc.key, tc.value)
			if _, err := FromEnv(); err == nil {
				t.Fatalf("expected error for %s=%s", tc.key, tc.value)
			}
		})
	}
}
