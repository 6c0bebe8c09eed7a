package orchestrator

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/ccheshirecat/fleet/internal/server/submitter"
)

func TestFormatError(t *testing.T) {
	cases := map[string]struct {
		err  error
		want string
	}{
		"nil": {err: nil, want: ""},
		"plain": {
			err:  errors.New("disk full"),
			want: "disk full",
		},
		"python frames dropped": {
			err:  errors.New("deploy failed\nTraceback (most recent call last):\n  File \"/usr/lib/agent.py\", line 10, in deploy\nValueError: bad template"),
			want: "deploy failed: ValueError: bad template",
		},
		"go frames dropped": {
			err:  errors.New("panic: boom\ngoroutine 7 [running]:\nmain.run(0x1)\n\t/src/main.go:12 +0x1d"),
			want: "panic: boom",
		},
		"remote traceback never shown": {
			err:  fmt.Errorf("start web: %w", &submitter.RemoteError{Message: "no such vm", Traceback: "remote stack"}),
			want: "start web: no such vm",
		},
		"assertion prefix": {
			err:  &AssertionError{Err: errors.New("backend mismatch")},
			want: "assertion failed: backend mismatch",
		},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			if got := FormatError(tc.err); got != tc.want {
				t.Fatalf("FormatError() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestBackendFromURI(t *testing.T) {
	cases := map[string]string{
		"openvz:///system": "openvz",
		"qemu:///system":   "kvm",
		"xen:///":          "xen",
		"lxc:///":          "lxc",
	}
	for uri, want := range cases {
		if got := backendFromURI(uri); got != want {
			t.Errorf("backendFromURI(%q) = %q, want %q", uri, got, want)
		}
	}
}

func TestVMInfoKeepsRawFields(t *testing.T) {
	var vms []vmInfo
	data := `[{"uuid":"a","state":"active","memory":"512","uptime":null,"vm_type":"openvz"}]`
	if err := json.Unmarshal([]byte(data), &vms); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(vms) != 1 || vms[0].UUID != "a" || vms[0].Memory != 512 || vms[0].Uptime != nil {
		t.Fatalf("unexpected decode %+v", vms)
	}
	if vms[0].Raw["vm_type"] != "openvz" {
		t.Fatalf("raw fields not kept: %v", vms[0].Raw)
	}
}
