package db

import (
	"errors"
	"reflect"
	"testing"
)

func TestLifecycleTransitions(t *testing.T) {
	vm := &Compute{ID: "vm-1", ContainerID: "ctr-1", Manageable: true}
	if err := vm.SetLifecycle(LifecycleUndeployed); err != nil {
		t.Fatalf("set undeployed: %v", err)
	}
	if err := vm.BeginDeploy(); err != nil {
		t.Fatalf("begin deploy: %v", err)
	}
	if err := vm.BeginDeploy(); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected double deploy to fail, got %v", err)
	}
	got := vm.Markers()
	want := []string{MarkerManageable, MarkerVirtual, MarkerUndeployed, MarkerDeploying}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("markers while deploying = %v, want %v", got, want)
	}

	if err := vm.SetLifecycle(LifecycleDeployed); err != nil {
		t.Fatalf("set deployed: %v", err)
	}
	if vm.Deploying {
		t.Fatalf("deploying overlay should be cleared by lifecycle change")
	}
	if err := vm.BeginDeploy(); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected deploy of deployed vm to fail, got %v", err)
	}
}

func TestHostHasNoLifecycle(t *testing.T) {
	host := &Compute{ID: "host-1"}
	if err := host.SetLifecycle(LifecycleDeployed); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected host lifecycle change to fail, got %v", err)
	}
	if markers := host.Markers(); len(markers) != 0 {
		t.Fatalf("unexpected host markers: %v", markers)
	}
}

func TestAddress(t *testing.T) {
	c := &Compute{Hostname: "vm.example.net", IPv4Address: "10.0.0.5/24"}
	if got := c.Address(); got != "10.0.0.5" {
		t.Fatalf("address = %q", got)
	}
	c.IPv4Address = ""
	if got := c.Address(); got != "vm.example.net" {
		t.Fatalf("address fallback = %q", got)
	}
}
