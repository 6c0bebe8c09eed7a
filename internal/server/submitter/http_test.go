package submitter

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
)

func newTestSubmitter(t *testing.T, handler http.HandlerFunc) (*HTTPSubmitter, Target) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	host, portStr, err := net.SplitHostPort(srv.Listener.Addr().String())
	if err != nil {
		t.Fatalf("split addr: %v", err)
	}
	port, _ := strconv.Atoi(portStr)
	sub, err := NewHTTP(HTTPOptions{Port: port, Client: srv.Client()})
	if err != nil {
		t.Fatalf("new submitter: %v", err)
	}
	return sub, Target{Host: host, Backend: "openvz"}
}

func TestHTTPSubmitterResult(t *testing.T) {
	sub, target := newTestSubmitter(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/ops/ListVMS" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var req opRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.Backend != "openvz" || len(req.Args) != 1 {
			t.Errorf("unexpected request: %+v", req)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"result": []map[string]any{{"uuid": "vm-1", "state": "active"}}})
	})

	res, err := sub.Submit(context.Background(), target, ListVMS, "filter")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	var vms []struct {
		UUID  string `json:"uuid"`
		State string `json:"state"`
	}
	if err := res.Decode(&vms); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(vms) != 1 || vms[0].UUID != "vm-1" {
		t.Fatalf("unexpected vms: %+v", vms)
	}
}

func TestHTTPSubmitterRemoteErrors(t *testing.T) {
	cases := map[string]struct {
		status    int
		body      string
		message   string
		traceback string
	}{
		"agent error": {
			status:    http.StatusOK,
			body:      `{"error":"vm not found","traceback":"Traceback (most recent call last):"}`,
			message:   "vm not found",
			traceback: "Traceback (most recent call last):",
		},
		"http status": {
			status:  http.StatusBadGateway,
			body:    `oops`,
			message: "agent returned status 502",
		},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			sub, target := newTestSubmitter(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			})
			_, err := sub.Submit(context.Background(), target, StartVM, "vm-1")
			var remote *RemoteError
			if !errors.As(err, &remote) {
				t.Fatalf("expected RemoteError, got %v", err)
			}
			if remote.Message != tc.message || remote.Traceback != tc.traceback {
				t.Fatalf("unexpected remote error: %+v", remote)
			}
		})
	}
}

func TestHTTPSubmitterTransportFailureIsRemote(t *testing.T) {
	sub, err := NewHTTP(HTTPOptions{Port: 1})
	if err != nil {
		t.Fatalf("new submitter: %v", err)
	}
	_, err = sub.Submit(context.Background(), Target{Host: "127.0.0.1"}, GetComputeInfo)
	if !IsRemote(err) {
		t.Fatalf("expected RemoteError for refused connection, got %v", err)
	}
}

func TestOperationValid(t *testing.T) {
	if !MigrateVM.Valid() || Operation("FormatDisk").Valid() {
		t.Fatalf("unexpected operation validity")
	}
	if len(Operations) != 19 {
		t.Fatalf("expected 19 operations, got %d", len(Operations))
	}
}
