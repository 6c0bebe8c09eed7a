package client

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestCreateVMRejectedFormBecomesError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/containers/c1/vms" || r.Header.Get("X-Fleet-API-Key") != "k" {
			t.Errorf("unexpected request %s key=%q", r.URL.Path, r.Header.Get("X-Fleet-API-Key"))
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"success": false,
			"errors":  []map[string]string{{"id": "template", "msg": "missing value"}},
		})
	}))
	defer srv.Close()

	c, err := New(srv.URL, Options{APIKey: "k"})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	_, err = c.CreateVM(t.Context(), "c1", CreateVMRequest{Hostname: "web1"})
	if err == nil || !strings.Contains(err.Error(), "template: missing value") {
		t.Fatalf("expected form error, got %v", err)
	}
}

func TestRunActionReturnsOutputOnFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if !strings.Contains(string(body), `"destination":"node2"`) {
			t.Errorf("destination not sent: %s", body)
		}
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte("target host already contains the vm\n"))
	}))
	defer srv.Close()

	c, _ := New(srv.URL, Options{})
	out, err := c.RunAction(t.Context(), "vm1", "migrate", ActionRequest{Destination: "node2"})
	if err == nil {
		t.Fatalf("expected error")
	}
	if out != "target host already contains the vm\n" {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestDaemonCallsUseAdminURL(t *testing.T) {
	admin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/daemons/sync/pause" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"name": "sync", "paused": true})
	}))
	defer admin.Close()

	c, _ := New("http://127.0.0.1:1", Options{AdminURL: admin.URL})
	st, err := c.SetDaemonPaused(t.Context(), "sync", true)
	if err != nil {
		t.Fatalf("pause: %v", err)
	}
	if !st.Paused || st.Name != "sync" {
		t.Fatalf("unexpected status %+v", st)
	}
}

func TestRunActionOutlivesClientTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(150 * time.Millisecond)
		_, _ = w.Write([]byte("deployed\n"))
	}))
	defer srv.Close()

	c, _ := New(srv.URL, Options{Timeout: 20 * time.Millisecond})
	out, err := c.RunAction(t.Context(), "vm1", "deploy", ActionRequest{})
	if err != nil {
		t.Fatalf("run action: %v", err)
	}
	if out != "deployed\n" {
		t.Fatalf("unexpected output %q", out)
	}
}
