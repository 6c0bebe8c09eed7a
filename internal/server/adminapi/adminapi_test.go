package adminapi

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ccheshirecat/fleet/internal/server/daemon"
	"github.com/ccheshirecat/fleet/internal/server/db/sqlite"
	"github.com/ccheshirecat/fleet/internal/server/telemetry"
)

type noopProcess struct{ name string }

func (p noopProcess) Name() string { return p.name }
func (p noopProcess) Tick(context.Context) error { return nil }

func newTestHandler(t *testing.T) (http.Handler, *daemon.Registry, *telemetry.Metrics) {
	t.Helper()
	store, err := sqlite.Open(context.Background(), filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("open sqlite store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close(context.Background()) })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	metrics := telemetry.New()
	registry := daemon.NewRegistry()
	for _, name := range []string{"sync", "ping-check"} {
		runner, err := daemon.NewRunner(noopProcess{name: name}, time.Minute, logger, metrics)
		if err != nil {
			t.Fatalf("new runner: %v", err)
		}
		if err := registry.Add(runner); err != nil {
			t.Fatalf("add runner: %v", err)
		}
	}
	return New(store, registry, metrics), registry, metrics
}

func serve(h http.Handler, method, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

func TestHealthz(t *testing.T) {
	h, _, _ := newTestHandler(t)
	rec := serve(h, http.MethodGet, "/healthz")
	if rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Fatalf("unexpected health response %d %q", rec.Code, rec.Body.String())
	}
}

func TestPauseAndResumeDaemon(t *testing.T) {
	h, registry, _ := newTestHandler(t)

	rec := serve(h, http.MethodPost, "/daemons/sync/pause")
	if rec.Code != http.StatusOK {
		t.Fatalf("pause: %d %s", rec.Code, rec.Body.String())
	}
	if !registry.Get("sync").Paused() {
		t.Fatalf("sync not paused")
	}
	if registry.Get("ping-check").Paused() {
		t.Fatalf("pause leaked to another daemon")
	}

	rec = serve(h, http.MethodGet, "/daemons/")
	var list []daemon.Status
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(list) != 2 || list[0].Name != "ping-check" || !list[1].Paused {
		t.Fatalf("unexpected list %+v", list)
	}

	if rec := serve(h, http.MethodPost, "/daemons/sync/resume"); rec.Code != http.StatusOK {
		t.Fatalf("resume: %d", rec.Code)
	}
	if registry.Get("sync").Paused() {
		t.Fatalf("sync still paused")
	}
}

func TestUnknownDaemon(t *testing.T) {
	h, _, _ := newTestHandler(t)
	if rec := serve(h, http.MethodPost, "/daemons/zabbix/pause"); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	h, _, metrics := newTestHandler(t)
	metrics.ObservePing(true)
	rec := serve(h, http.MethodGet, "/metrics")
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics: %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `fleet_pings_total{result="ok"} 1`) {
		t.Fatalf("ping counter missing from exposition")
	}
}
