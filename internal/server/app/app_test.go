package app

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/ccheshirecat/fleet/internal/server/config"
	"github.com/ccheshirecat/fleet/internal/server/daemon"
	"github.com/ccheshirecat/fleet/internal/server/db/sqlite"
	"github.com/ccheshirecat/fleet/internal/server/submitter"
)

type nullSubmitter struct{}

func (nullSubmitter) Submit(context.Context, submitter.Target, submitter.Operation, ...any) (submitter.Result, error) {
	return submitter.Result("null"), nil
}

type upPinger struct{}

func (upPinger) Ping(context.Context, string) (bool, error) { return true, nil }

func testConfig() config.ServerConfig {
	return config.ServerConfig{
		APIListenAddr:   "127.0.0.1:0",
		AdminListenAddr: "127.0.0.1:0",
		AgentPort:       8472,
		SyncInterval:    time.Hour,
		PingInterval:    time.Hour,
		PingMemLimit:    5,
		MetricsInterval: time.Hour,
		DeleteTimeout:   time.Second,
		DiskspaceParam:  "/storage",
		MetricStreams:   []string{"cpu_usage"},
	}
}

func TestRunServesBothListenersAndStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := sqlite.Open(ctx, ":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	a, err := New(ctx, Params{
		Config:    testConfig(),
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		Store:     store,
		Submitter: nullSubmitter{},
		Pinger:    upPinger{},
	})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	select {
	case <-a.Ready():
	case err := <-done:
		t.Fatalf("run exited early: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("app never became ready")
	}

	resp, err := http.Get("http://" + a.APIAddr() + "/healthz")
	if err != nil {
		t.Fatalf("api healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("api healthz status %d", resp.StatusCode)
	}

	resp, err = http.Get("http://" + a.AdminAddr() + "/daemons")
	if err != nil {
		t.Fatalf("admin daemons: %v", err)
	}
	var statuses []daemon.Status
	err = json.NewDecoder(resp.Body).Decode(&statuses)
	resp.Body.Close()
	if err != nil {
		t.Fatalf("decode daemons: %v", err)
	}
	var names []string
	for _, st := range statuses {
		names = append(names, st.Name)
	}
	if len(names) != 3 || names[0] != "metrics" || names[1] != "ping-check" || names[2] != "sync" {
		t.Fatalf("unexpected daemons %v", names)
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("run did not return after cancel")
	}
}

func TestNewRequiresLogger(t *testing.T) {
	if _, err := New(context.Background(), Params{Config: testConfig()}); err == nil {
		t.Fatal("expected error without logger")
	}
}
