package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/ccheshirecat/fleet/internal/server/db"
	"github.com/ccheshirecat/fleet/internal/server/orchestrator/events"
	"github.com/ccheshirecat/fleet/internal/server/submitter"
)

// deploy creates the VM on the agent of its target container. The
// deploying flag is cleared on every exit path; the lifecycle only moves to
// deployed when the agent accepted the request.
func (e *engine) deploy(ctx context.Context, vm *db.Compute, req ActionRequest, out io.Writer) error {
	if strings.TrimSpace(vm.Template) == "" {
		return &ValidationError{Err: fmt.Errorf("cannot deploy %s because no template was specified", vm.Name)}
	}
	targetID := req.Target
	if targetID == "" {
		targetID = vm.ContainerID
	}

	var (
		container *db.Container
		host      *db.Compute
	)
	if err := e.store.View(ctx, func(q db.Queries) error {
		var err error
		container, err = q.Containers().Get(ctx, targetID)
		if err != nil {
			return err
		}
		if container == nil {
			return fmt.Errorf("%w: %s", ErrContainerNotFound, targetID)
		}
		host, err = q.Computes().Get(ctx, container.ComputeID)
		if err != nil {
			return err
		}
		if host == nil {
			return fmt.Errorf("%w: host of container %s", ErrComputeNotFound, container.ID)
		}
		return nil
	}); err != nil {
		return err
	}

	if err := e.store.WithTx(ctx, func(q db.Queries) error {
		current, err := q.Computes().Get(ctx, vm.ID)
		if err != nil {
			return err
		}
		if current == nil {
			return fmt.Errorf("%w: %s", ErrComputeNotFound, vm.ID)
		}
		if err := current.BeginDeploy(); err != nil {
			return err
		}
		return q.Computes().UpdateLifecycle(ctx, current.ID, current.Lifecycle, current.Deploying)
	}); err != nil {
		return err
	}
	defer e.endDeploy(ctx, vm.ID)

	params := DeployParams{
		TemplateName: vm.Template,
		Hostname:     vm.Hostname,
		VMType:       container.Backend,
		UUID:         vm.ID,
		Nameservers:  vm.Nameservers,
		Autostart:    vm.Autostart,
		IPAddress:    db.BareIPv4(vm.IPv4Address),
		Passwd:       vm.RootPassword,
	}
	if params.Nameservers == nil {
		params.Nameservers = []string{}
	}
	fmt.Fprintf(out, "deploying %s to %s\n", vm.Name, host.Name)
	res, err := e.submitter.Submit(ctx, containerTarget(host, container), submitter.DeployVM, params)
	if err != nil {
		return err
	}
	if text := resultText(res); text != "" {
		fmt.Fprintln(out, text)
	}

	moved := false
	if err := e.store.WithTx(ctx, func(q db.Queries) error {
		current, err := q.Computes().Get(ctx, vm.ID)
		if err != nil {
			return err
		}
		if current == nil {
			return fmt.Errorf("%w: %s", ErrComputeNotFound, vm.ID)
		}
		current.RootPassword = nil
		if err := current.SetLifecycle(db.LifecycleDeployed); err != nil {
			return err
		}
		if current.ContainerID != container.ID {
			current.ContainerID = container.ID
			moved = true
		}
		return q.Computes().Update(ctx, current)
	}); err != nil {
		return err
	}
	fmt.Fprintf(out, "changed state from %s to %s\n", db.LifecycleUndeployed, db.LifecycleDeployed)

	modified := map[string]any{events.FieldLifecycle: string(db.LifecycleDeployed)}
	original := map[string]any{events.FieldLifecycle: string(db.LifecycleUndeployed)}
	if moved {
		original[events.FieldContainer], modified[events.FieldContainer] = vm.ContainerID, container.ID
	}
	e.publish(ctx, events.ModelEvent{
		Kind:        events.KindModified,
		ComputeID:   vm.ID,
		Name:        vm.Name,
		Virtual:     true,
		ContainerID: container.ID,
		Original:    original,
		Modified:    modified,
	})
	return nil
}

// endDeploy drops the deploying flag. It runs detached from ctx so a
// cancelled deploy still leaves the VM in a consistent state.
func (e *engine) endDeploy(ctx context.Context, id string) {
	ctx = context.WithoutCancel(ctx)
	err := e.store.WithTx(ctx, func(q db.Queries) error {
		current, err := q.Computes().Get(ctx, id)
		if err != nil || current == nil || !current.Deploying {
			return err
		}
		current.EndDeploy()
		return q.Computes().UpdateLifecycle(ctx, current.ID, current.Lifecycle, current.Deploying)
	})
	if err != nil {
		e.logger.Error("clear deploying flag", "compute", id, "error", err)
	}
}

// undeploy removes the VM from its agent.
func (e *engine) undeploy(ctx context.Context, vm *db.Compute, _ ActionRequest, out io.Writer) error {
	target, err := e.Target(ctx, vm.ID)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "undeploying %s\n", vm.Name)
	res, err := e.submitter.Submit(ctx, target, submitter.UndeployVM, vm.ID)
	if err != nil {
		return err
	}
	if text := resultText(res); text != "" {
		fmt.Fprintln(out, text)
	}

	if err := e.store.WithTx(ctx, func(q db.Queries) error {
		current, err := q.Computes().Get(ctx, vm.ID)
		if err != nil {
			return err
		}
		if current == nil {
			return fmt.Errorf("%w: %s", ErrComputeNotFound, vm.ID)
		}
		if err := current.SetLifecycle(db.LifecycleUndeployed); err != nil {
			return err
		}
		return q.Computes().UpdateLifecycle(ctx, current.ID, current.Lifecycle, current.Deploying)
	}); err != nil {
		return err
	}
	fmt.Fprintf(out, "changed state from %s to %s\n", db.LifecycleDeployed, db.LifecycleUndeployed)

	e.publish(ctx, events.ModelEvent{
		Kind:        events.KindModified,
		ComputeID:   vm.ID,
		Name:        vm.Name,
		Virtual:     true,
		ContainerID: vm.ContainerID,
		Original:    map[string]any{events.FieldLifecycle: string(db.LifecycleDeployed)},
		Modified:    map[string]any{events.FieldLifecycle: string(db.LifecycleUndeployed)},
	})
	return nil
}

// migrate moves a deployed VM to another host of the same backend. The
// model is only updated after the destination agent reports the VM.
func (e *engine) migrate(ctx context.Context, vm *db.Compute, req ActionRequest, out io.Writer) error {
	var (
		srcContainer, dstContainer *db.Container
		srcHost, dstHost           *db.Compute
	)
	if err := e.store.View(ctx, func(q db.Queries) error {
		var err error
		if srcContainer, srcHost, err = placement(ctx, q, vm); err != nil {
			return err
		}
		dstContainer, dstHost, err = resolveDestination(ctx, q, req, srcContainer.Backend)
		return err
	}); err != nil {
		return err
	}

	if dstHost.ID == srcHost.ID {
		return &ValidationError{Err: fmt.Errorf("%s is already on %s", vm.Name, dstHost.Name)}
	}
	if dstContainer.Backend != srcContainer.Backend {
		return &AssertionError{Err: fmt.Errorf("destination container backend %s does not match source %s",
			dstContainer.Backend, srcContainer.Backend)}
	}

	dstTarget := containerTarget(dstHost, dstContainer)
	before, err := e.listVMs(ctx, dstTarget)
	if err != nil {
		return err
	}
	if listContains(before, vm.ID) {
		return &ConflictError{Err: fmt.Errorf("target host already contains the vm %s", vm.Name)}
	}

	mode := "live"
	if req.Offline {
		mode = "offline"
	}
	fmt.Fprintf(out, "migrating %s from %s to %s (%s)\n", vm.Name, srcHost.Name, dstHost.Name, mode)
	dstAddr := dstTarget.Host
	if _, err := e.submitter.Submit(ctx, containerTarget(srcHost, srcContainer), submitter.MigrateVM,
		vm.ID, dstAddr, !req.Offline, false); err != nil {
		var remote *submitter.RemoteError
		if errors.As(err, &remote) && remote.Traceback != "" {
			fmt.Fprintln(out, remote.Traceback)
		}
		return fmt.Errorf("failed migration of %s to %s: %w", vm.Name, dstHost.Name, err)
	}

	after, err := e.listVMs(ctx, dstTarget)
	if err != nil {
		return &ConsistencyError{Err: fmt.Errorf("could not verify %s on %s: %w", vm.Name, dstHost.Name, err)}
	}
	if !listContains(after, vm.ID) {
		return &ConsistencyError{Err: fmt.Errorf("failed migration of %s to %s: vm not found on destination", vm.Name, dstHost.Name)}
	}

	moved, err := e.moveVM(ctx, vm.ID, srcContainer.ID, dstContainer.ID)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "migrated %s to %s\n", vm.Name, dstHost.Name)
	if moved {
		e.publish(ctx, events.ModelEvent{
			Kind:        events.KindModified,
			ComputeID:   vm.ID,
			Name:        vm.Name,
			Virtual:     true,
			ContainerID: dstContainer.ID,
			Original:    map[string]any{events.FieldContainer: srcContainer.ID},
			Modified:    map[string]any{events.FieldContainer: dstContainer.ID},
		})
	}
	return nil
}

// moveVM reparents the VM record after a verified migration. A record that
// is already under the destination, or a destination that vanished from the
// model, is logged and left alone.
func (e *engine) moveVM(ctx context.Context, vmID, from, to string) (bool, error) {
	moved := false
	err := e.store.WithTx(ctx, func(q db.Queries) error {
		dst, err := q.Containers().Get(ctx, to)
		if err != nil {
			return err
		}
		if dst == nil {
			e.logger.Warn("migration destination container missing from model", "compute", vmID, "container", to)
			return nil
		}
		current, err := q.Computes().Get(ctx, vmID)
		if err != nil {
			return err
		}
		if current == nil {
			e.logger.Warn("migrated vm missing from model", "compute", vmID)
			return nil
		}
		if current.ContainerID != from {
			e.logger.Info("vm already moved by a concurrent sync", "compute", vmID, "container", current.ContainerID)
			return nil
		}
		moved = true
		return q.Computes().SetContainer(ctx, vmID, to)
	})
	return moved, err
}

// resolveDestination finds the migration destination from an explicit
// container ID or a host name or ID.
func resolveDestination(ctx context.Context, q db.Queries, req ActionRequest, backend string) (*db.Container, *db.Compute, error) {
	if req.Target != "" {
		container, err := q.Containers().Get(ctx, req.Target)
		if err != nil {
			return nil, nil, err
		}
		if container == nil {
			return nil, nil, &ValidationError{Err: fmt.Errorf("%w: %s", ErrContainerNotFound, req.Target)}
		}
		host, err := q.Computes().Get(ctx, container.ComputeID)
		if err != nil {
			return nil, nil, err
		}
		if host == nil || host.IsVirtual() {
			return nil, nil, &AssertionError{Err: fmt.Errorf("container %s does not belong to a host", container.ID)}
		}
		return container, host, nil
	}

	dest := strings.TrimSpace(req.Destination)
	if dest == "" {
		return nil, nil, &ValidationError{Err: errors.New("migration needs a destination host or container")}
	}
	host, err := q.Computes().Get(ctx, dest)
	if err != nil {
		return nil, nil, err
	}
	if host == nil {
		if host, err = q.Computes().GetHostByName(ctx, dest); err != nil {
			return nil, nil, err
		}
	}
	if host == nil {
		return nil, nil, &ValidationError{Err: fmt.Errorf("%w: %s", ErrComputeNotFound, dest)}
	}
	if host.IsVirtual() {
		return nil, nil, &AssertionError{Err: fmt.Errorf("destination %s is not a host", host.Name)}
	}
	container, err := q.Containers().FindByBackend(ctx, host.ID, backend)
	if err != nil {
		return nil, nil, err
	}
	if container == nil {
		return nil, nil, &AssertionError{Err: fmt.Errorf("destination %s has no %s container", host.Name, backend)}
	}
	return container, host, nil
}

// resultText renders a string result for the output sink.
func resultText(res submitter.Result) string {
	var text string
	if len(res) == 0 || res.Decode(&text) != nil {
		return ""
	}
	return strings.TrimSpace(text)
}
