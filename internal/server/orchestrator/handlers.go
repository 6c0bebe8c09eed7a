package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/ccheshirecat/fleet/internal/server/db"
	"github.com/ccheshirecat/fleet/internal/server/lockreg"
	"github.com/ccheshirecat/fleet/internal/server/orchestrator/events"
	"github.com/ccheshirecat/fleet/internal/server/submitter"
)

type transition struct {
	op   submitter.Operation
	verb string
}

// stateTransitions maps (original, requested) desired states to the single
// agent operation that realises them. Pairs not listed are no-ops.
var stateTransitions = map[string]map[string]transition{
	db.StateInactive:  {db.StateActive: {submitter.StartVM, "starting"}},
	db.StateSuspended: {db.StateActive: {submitter.ResumeVM, "resuming"}},
	db.StateActive: {
		db.StateInactive:  {submitter.ShutdownVM, "shutting down"},
		db.StateSuspended: {submitter.SuspendVM, "suspending"},
	},
}

// HandleEvent runs the reaction to evt under the compute's lock and waits
// for it to finish.
func (e *engine) HandleEvent(ctx context.Context, evt events.ModelEvent) error {
	return e.dispatch(ctx, evt).Wait(ctx)
}

func (e *engine) dispatch(ctx context.Context, evt events.ModelEvent) *lockreg.Future {
	switch evt.Kind {
	case events.KindModified:
		if !stateOrConfigChanged(evt) {
			return lockreg.Completed(nil)
		}
		return e.locks.Execute(ctx, evt.ComputeID, func(ctx context.Context) error {
			return e.onModified(ctx, evt)
		})
	case events.KindCreated:
		if !evt.Virtual {
			return lockreg.Completed(nil)
		}
		return e.locks.Execute(ctx, evt.ComputeID, func(ctx context.Context) error {
			return e.onCreated(ctx, evt)
		})
	default:
		return lockreg.Completed(nil)
	}
}

func stateOrConfigChanged(evt events.ModelEvent) bool {
	if _, ok := evt.Modified[events.FieldState]; ok {
		return true
	}
	return len(changedConfig(evt)) > 0
}

// changedConfig returns the edited VM settings, sorted by field name.
func changedConfig(evt events.ModelEvent) []string {
	var fields []string
	for _, f := range events.ConfigFields {
		if _, ok := evt.Modified[f]; ok {
			fields = append(fields, f)
		}
	}
	return fields
}

func (e *engine) onModified(ctx context.Context, evt events.ModelEvent) error {
	c, err := e.loadCompute(ctx, evt.ComputeID)
	if errors.Is(err, ErrComputeNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if !c.IsVirtual() {
		return nil
	}

	var errs []error
	if _, ok := evt.Modified[events.FieldState]; ok {
		errs = append(errs, e.onStateChange(ctx, c, evt))
	}
	if fields := changedConfig(evt); len(fields) > 0 {
		errs = append(errs, e.onConfigChange(ctx, c, evt, fields))
	}
	return errors.Join(errs...)
}

// onStateChange realises a desired-state edit on the agent. The effective
// state follows the request on success and returns to the original state on
// failure.
func (e *engine) onStateChange(ctx context.Context, vm *db.Compute, evt events.ModelEvent) error {
	original := fmt.Sprint(evt.Original[events.FieldState])
	requested := fmt.Sprint(evt.Modified[events.FieldState])
	t, ok := stateTransitions[original][requested]
	if !ok {
		return nil
	}
	if vm.Lifecycle != db.LifecycleDeployed {
		e.logger.Info("state change on undeployed vm, nothing to do", "vm", vm.Name, "state", requested)
		return nil
	}

	target, err := e.Target(ctx, vm.ID)
	if err != nil {
		return err
	}
	e.logger.Info(t.verb+" vm", "vm", vm.Name, "compute", vm.ID, "from", original, "to", requested)
	_, submitErr := e.submitter.Submit(ctx, target, t.op, vm.ID)

	effective := requested
	if submitErr != nil {
		effective = original
	}
	previous := vm.EffectiveState
	if err := e.store.WithTx(ctx, func(q db.Queries) error {
		current, err := q.Computes().Get(ctx, vm.ID)
		if err != nil || current == nil {
			return err
		}
		current.EffectiveState = effective
		return q.Computes().Update(ctx, current)
	}); err != nil {
		return errors.Join(submitErr, err)
	}
	if submitErr != nil {
		return fmt.Errorf("%s %s: %w", t.verb, vm.Name, submitErr)
	}

	if previous != effective {
		e.publish(ctx, events.ModelEvent{
			Kind:        events.KindModified,
			ComputeID:   vm.ID,
			Name:        vm.Name,
			Virtual:     true,
			ContainerID: vm.ContainerID,
			Original:    map[string]any{events.FieldEffectiveState: previous},
			Modified:    map[string]any{events.FieldEffectiveState: effective},
		})
	}
	return nil
}

// onConfigChange pushes all edited settings in one UpdateVM call and
// restores every one of them when the agent refuses.
func (e *engine) onConfigChange(ctx context.Context, vm *db.Compute, evt events.ModelEvent, fields []string) error {
	if vm.Lifecycle != db.LifecycleDeployed {
		return nil
	}
	target, err := e.Target(ctx, vm.ID)
	if err != nil {
		return err
	}
	values := make([]ConfigValue, 0, len(fields))
	for _, f := range fields {
		values = append(values, ConfigValue{Field: f, Value: evt.Modified[f]})
	}
	_, submitErr := e.submitter.Submit(ctx, target, submitter.UpdateVM, vm.ID, values)
	if submitErr == nil {
		return nil
	}

	e.logger.Warn("vm update rejected, reverting", "vm", vm.Name, "fields", fields, "error", submitErr)
	if err := e.store.WithTx(ctx, func(q db.Queries) error {
		current, err := q.Computes().Get(ctx, vm.ID)
		if err != nil || current == nil {
			return err
		}
		for _, f := range fields {
			if err := setConfigField(current, f, evt.Original[f]); err != nil {
				return err
			}
		}
		return q.Computes().Update(ctx, current)
	}); err != nil {
		return errors.Join(submitErr, err)
	}
	return fmt.Errorf("update %s: %w", vm.Name, submitErr)
}

func (e *engine) onCreated(ctx context.Context, evt events.ModelEvent) error {
	vm, err := e.loadCompute(ctx, evt.ComputeID)
	if errors.Is(err, ErrComputeNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if !vm.IsVirtual() || vm.Lifecycle != db.LifecycleUndeployed || vm.Deploying {
		return nil
	}
	out := &logWriter{logger: e.logger, compute: vm.ID}
	return e.deploy(ctx, vm, ActionRequest{Action: ActionDeploy}, out)
}

func setConfigField(c *db.Compute, field string, value any) error {
	v, err := toFloat(value)
	if err != nil {
		return fmt.Errorf("revert %s: %w", field, err)
	}
	switch field {
	case events.FieldNumCores:
		c.NumCores = int(v)
	case events.FieldMemory:
		c.Memory = v
	case events.FieldSwapSize:
		c.SwapSize = v
	case events.FieldCPULimit:
		c.CPULimit = v
	default:
		return fmt.Errorf("revert %s: unknown field", field)
	}
	return nil
}

func toFloat(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case json.Number:
		return n.Float64()
	case string:
		return strconv.ParseFloat(n, 64)
	default:
		return 0, fmt.Errorf("unexpected value %v", v)
	}
}
