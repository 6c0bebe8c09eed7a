package inventory

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/ccheshirecat/fleet/internal/server/db"
)

func TestFileSourceAcceptedHosts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys.yaml")
	content := "accepted:\n  - node2\n  - node1\n  - node1\n  - ' '\npending:\n  - node3\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write inventory: %v", err)
	}

	src := NewFileSource(path, nil)
	hosts, err := src.AcceptedHosts(context.Background())
	if err != nil {
		t.Fatalf("accepted hosts: %v", err)
	}
	if len(hosts) != 2 || hosts[0] != "node1" || hosts[1] != "node2" {
		t.Fatalf("unexpected hosts %v", hosts)
	}
}

func TestFileSourceMissingFile(t *testing.T) {
	src := NewFileSource(filepath.Join(t.TempDir(), "absent.yaml"), nil)
	if _, err := src.AcceptedHosts(context.Background()); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestHTTPSourceAcceptedHosts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Auth-Token") != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`{"minions":["b","a"],"minions_pre":["c"]}`))
	}))
	defer srv.Close()

	src := NewHTTPSource(srv.URL, nil, HTTPOptions{Token: "secret"})
	hosts, err := src.AcceptedHosts(context.Background())
	if err != nil {
		t.Fatalf("accepted hosts: %v", err)
	}
	if len(hosts) != 2 || hosts[0] != "a" || hosts[1] != "b" {
		t.Fatalf("unexpected hosts %v", hosts)
	}

	unauth := NewHTTPSource(srv.URL, nil, HTTPOptions{})
	if _, err := unauth.AcceptedHosts(context.Background()); err == nil {
		t.Fatalf("expected error on 401")
	}
}

func TestImportHostsRegistersEach(t *testing.T) {
	reg := &fakeRegistrar{fail: map[string]bool{"bad": true}}
	src := NewFileSource("unused", reg)

	err := src.ImportHosts(context.Background(), []string{"a", "bad", "b"})
	if err == nil {
		t.Fatalf("expected error for failing host")
	}
	if len(reg.registered) != 2 {
		t.Fatalf("expected remaining hosts imported, got %v", reg.registered)
	}
}

type fakeRegistrar struct {
	mu         sync.Mutex
	fail       map[string]bool
	registered []string
}

func (f *fakeRegistrar) RegisterHost(_ context.Context, hostname string) (*db.Compute, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail[hostname] {
		return nil, errors.New("boom")
	}
	f.registered = append(f.registered, hostname)
	return &db.Compute{ID: hostname, Name: hostname}, nil
}
