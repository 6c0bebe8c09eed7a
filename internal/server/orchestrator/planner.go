package orchestrator

import (
	"context"
	"fmt"
	"io"
	"sort"

	"github.com/ccheshirecat/fleet/internal/server/db"
)

// capacity is the resource vector used by allocation.
type capacity struct {
	Memory float64
	Disk   float64
	Cores  int
}

func (c capacity) fits(need capacity) bool {
	return c.Memory >= need.Memory && c.Disk >= need.Disk && c.Cores >= need.Cores
}

// placementOption is a host container able to run the VM's backend, with
// the spare capacity left on its host.
type placementOption struct {
	Host      db.Compute
	Container db.Container
	Spare     capacity
}

// planAllocation picks the option with the lexicographically smallest host
// name among those with enough spare capacity.
func planAllocation(need capacity, options []placementOption) (placementOption, bool) {
	var fitting []placementOption
	for _, opt := range options {
		if opt.Spare.fits(need) {
			fitting = append(fitting, opt)
		}
	}
	if len(fitting) == 0 {
		return placementOption{}, false
	}
	sort.Slice(fitting, func(i, j int) bool {
		if fitting[i].Host.Name != fitting[j].Host.Name {
			return fitting[i].Host.Name < fitting[j].Host.Name
		}
		return fitting[i].Host.ID < fitting[j].Host.ID
	})
	return fitting[0], true
}

func (e *engine) requirements(vm *db.Compute) (capacity, error) {
	disk, ok := vm.Diskspace[e.diskspaceParam]
	if !ok {
		return capacity{}, &ValidationError{Err: fmt.Errorf("%s has no %s diskspace requirement", vm.Name, e.diskspaceParam)}
	}
	if vm.Memory <= 0 || vm.NumCores <= 0 {
		return capacity{}, &ValidationError{Err: fmt.Errorf("%s needs memory and num_cores set for allocation", vm.Name)}
	}
	return capacity{Memory: vm.Memory, Disk: disk, Cores: vm.NumCores}, nil
}

// allocate chooses a host for an undeployed VM and deploys it there.
func (e *engine) allocate(ctx context.Context, vm *db.Compute, _ ActionRequest, out io.Writer) error {
	need, err := e.requirements(vm)
	if err != nil {
		return err
	}

	var options []placementOption
	if err := e.store.View(ctx, func(q db.Queries) error {
		own, err := q.Containers().Get(ctx, vm.ContainerID)
		if err != nil {
			return err
		}
		if own == nil {
			return fmt.Errorf("%w: %s", ErrContainerNotFound, vm.ContainerID)
		}
		hosts, err := q.Computes().ListHosts(ctx)
		if err != nil {
			return err
		}
		for _, host := range hosts {
			container, err := q.Containers().FindByBackend(ctx, host.ID, own.Backend)
			if err != nil {
				return err
			}
			if container == nil {
				continue
			}
			spare, err := e.spareCapacity(ctx, q, host, vm.ID)
			if err != nil {
				return err
			}
			options = append(options, placementOption{Host: host, Container: *container, Spare: spare})
		}
		return nil
	}); err != nil {
		return err
	}

	chosen, ok := planAllocation(need, options)
	if !ok {
		return &ValidationError{Err: ErrNoCandidate}
	}
	fmt.Fprintf(out, "allocating %s to %s\n", vm.Name, chosen.Host.Name)
	return e.deploy(ctx, vm, ActionRequest{Action: ActionDeploy, Target: chosen.Container.ID}, out)
}

// spareCapacity is the host's totals minus what its VMs are configured to
// use, skipping the VM being placed.
func (e *engine) spareCapacity(ctx context.Context, q db.Queries, host db.Compute, skip string) (capacity, error) {
	spare := capacity{Memory: host.Memory, Disk: host.Diskspace[e.diskspaceParam], Cores: host.NumCores}
	containers, err := q.Containers().ListByCompute(ctx, host.ID)
	if err != nil {
		return capacity{}, err
	}
	for _, container := range containers {
		vms, err := q.Computes().ListByContainer(ctx, container.ID)
		if err != nil {
			return capacity{}, err
		}
		for _, vm := range vms {
			if vm.ID == skip {
				continue
			}
			spare.Memory -= vm.Memory
			spare.Disk -= vm.Diskspace[e.diskspaceParam]
			spare.Cores -= vm.NumCores
		}
	}
	return spare, nil
}
