package standard

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestComputesSetSendsOnlyChangedFields(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPatch || r.URL.Path != "/api/v1/computes/vm1" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		_ = json.NewEncoder(w).Encode(map[string]any{"id": "vm1", "state": "inactive"})
	}))
	defer srv.Close()

	if _, err := runCLI(t, "--api", srv.URL, "computes", "set", "vm1", "--state", "inactive"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if len(body) != 1 || body["state"] != "inactive" {
		t.Fatalf("unexpected patch body %v", body)
	}
}

func TestComputesSetRequiresAChange(t *testing.T) {
	if _, err := runCLI(t, "--api", "http://127.0.0.1:1", "computes", "set", "vm1"); err == nil {
		t.Fatal("expected error without flags")
	}
}

func TestActionPrintsOutput(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/computes/h1/actions/sync" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		_, _ = w.Write([]byte("synced node1\n"))
	}))
	defer srv.Close()

	out, err := runCLI(t, "--api", srv.URL, "action", "h1", "sync")
	if err != nil {
		t.Fatalf("action: %v", err)
	}
	if !strings.Contains(out, "synced node1") {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestVMsCreateRepeatsPassword(t *testing.T) {
	var form map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&form)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"success": true,
			"result":  map[string]any{"id": "vm9", "hostname": "web1"},
		})
	}))
	defer srv.Close()

	out, err := runCLI(t, "--api", srv.URL, "vms", "create", "c1", "--hostname", "web1", "--template", "debian", "--root-password", "s3cret")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if form["root_password_repeat"] != "s3cret" || form["template"] != "debian" {
		t.Fatalf("unexpected form %v", form)
	}
	if !strings.Contains(out, "VM web1 created (vm9)") {
		t.Fatalf("unexpected output %q", out)
	}
}
