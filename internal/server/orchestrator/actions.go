package orchestrator

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/ccheshirecat/fleet/internal/server/db"
	"github.com/ccheshirecat/fleet/internal/server/lockreg"
	"github.com/ccheshirecat/fleet/internal/server/submitter"
)

// Action names accepted by Execute.
const (
	ActionStart    = "start"
	ActionShutdown = "shutdown"
	ActionDestroy  = "destroy"
	ActionSuspend  = "suspend"
	ActionResume   = "resume"
	ActionReboot   = "reboot"
	ActionInfo     = "info"
	ActionDeploy   = "deploy"
	ActionUndeploy = "undeploy"
	ActionAllocate = "allocate"
	ActionMigrate  = "migrate"
	ActionSync     = "sync"
)

// ActionRequest selects an action and its arguments.
type ActionRequest struct {
	Action string `json:"action"`
	// Target is an explicit destination container ID for deploy and migrate.
	Target string `json:"target,omitempty"`
	// Destination is a destination host name or ID for migrate.
	Destination string `json:"destination,omitempty"`
	Offline     bool   `json:"offline,omitempty"`
}

type runner func(e *engine, ctx context.Context, c *db.Compute, req ActionRequest, out io.Writer) error

type actionDef struct {
	virtualOnly bool
	requires    db.Lifecycle
	run         runner
}

var actionDefs = map[string]actionDef{
	ActionStart:    {virtualOnly: true, run: powerAction(submitter.StartVM, "starting")},
	ActionShutdown: {virtualOnly: true, run: powerAction(submitter.ShutdownVM, "shutting down")},
	ActionDestroy:  {virtualOnly: true, run: powerAction(submitter.DestroyVM, "destroying")},
	ActionSuspend:  {virtualOnly: true, run: powerAction(submitter.SuspendVM, "suspending")},
	ActionResume:   {virtualOnly: true, run: powerAction(submitter.ResumeVM, "resuming")},
	ActionReboot:   {virtualOnly: true, run: powerAction(submitter.RebootVM, "rebooting")},
	ActionInfo:     {virtualOnly: true, run: (*engine).info},
	ActionDeploy:   {virtualOnly: true, requires: db.LifecycleUndeployed, run: (*engine).deploy},
	ActionUndeploy: {virtualOnly: true, requires: db.LifecycleDeployed, run: (*engine).undeploy},
	ActionAllocate: {virtualOnly: true, requires: db.LifecycleUndeployed, run: (*engine).allocate},
	ActionMigrate:  {virtualOnly: true, requires: db.LifecycleDeployed, run: (*engine).migrate},
	ActionSync:     {run: (*engine).sync},
}

// Actions lists the supported action names in sorted order.
func Actions() []string {
	names := make([]string, 0, len(actionDefs))
	for name := range actionDefs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Execute runs an action under the compute's lock. Errors are rendered with
// FormatError to out and also reported through the returned future. The
// action is detached from ctx: cancelling ctx only abandons the wait, the
// queued action still runs to completion.
func (e *engine) Execute(ctx context.Context, computeID string, req ActionRequest, out io.Writer) *lockreg.Future {
	return e.execute(context.WithoutCancel(ctx), computeID, req, out)
}

// execute queues the action on ctx as given.
func (e *engine) execute(ctx context.Context, computeID string, req ActionRequest, out io.Writer) *lockreg.Future {
	if out == nil {
		out = io.Discard
	}
	name := strings.ToLower(strings.TrimSpace(req.Action))
	def, ok := actionDefs[name]
	if !ok {
		err := fmt.Errorf("%w: %q", ErrUnknownAction, req.Action)
		fmt.Fprintln(out, FormatError(err))
		return lockreg.Completed(err)
	}
	req.Action = name
	return e.locks.Execute(ctx, computeID, func(ctx context.Context) error {
		return e.perform(ctx, computeID, def, req, out)
	})
}

// SyncHost runs the sync action for a host and waits for it.
func (e *engine) SyncHost(ctx context.Context, hostID string) error {
	err := e.Execute(ctx, hostID, ActionRequest{Action: ActionSync}, nil).Wait(ctx)
	e.metrics.ObserveHostSync(err)
	return err
}

func (e *engine) perform(ctx context.Context, computeID string, def actionDef, req ActionRequest, out io.Writer) error {
	started := time.Now()
	logger := e.logger.With("action", req.Action, "compute", computeID)

	err := func() error {
		c, err := e.loadCompute(ctx, computeID)
		if err != nil {
			return err
		}
		if err := applicable(req.Action, def, c); err != nil {
			return err
		}
		logger = logger.With("subject", e.auditSubject(ctx, c))
		logger.Info("action started")
		return def.run(e, ctx, c, req, out)
	}()

	e.metrics.ObserveAction(req.Action, err, time.Since(started))
	if err != nil {
		fmt.Fprintln(out, FormatError(err))
		logger.Warn("action failed", "error", err)
		return err
	}
	logger.Info("action completed", "elapsed", time.Since(started))
	return nil
}

func applicable(action string, def actionDef, c *db.Compute) error {
	if def.virtualOnly && !c.IsVirtual() {
		return &ValidationError{Err: fmt.Errorf("%w: %s needs a vm, %s is a host", ErrNotApplicable, action, c.Name)}
	}
	if def.requires != db.LifecycleNone && c.Lifecycle != def.requires {
		return &ValidationError{Err: fmt.Errorf("%w: %s needs a %s vm, %s is %s", ErrNotApplicable, action, def.requires, c.Name, c.Lifecycle)}
	}
	return nil
}

// auditSubject names the compute an action is accounted against: the
// owning host for VMs, the compute itself otherwise.
func (e *engine) auditSubject(ctx context.Context, c *db.Compute) string {
	if !c.IsVirtual() {
		return c.ID
	}
	var subject string
	if err := e.store.View(ctx, func(q db.Queries) error {
		container, err := q.Containers().Get(ctx, c.ContainerID)
		if err != nil || container == nil {
			return err
		}
		subject = container.ComputeID
		return nil
	}); err != nil {
		e.logger.Debug("resolve audit subject", "compute", c.ID, "container", c.ContainerID, "error", err)
	}
	if subject == "" {
		return c.ID
	}
	return subject
}

func (e *engine) loadCompute(ctx context.Context, id string) (*db.Compute, error) {
	var c *db.Compute
	err := e.store.View(ctx, func(q db.Queries) error {
		var err error
		c, err = q.Computes().Get(ctx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, fmt.Errorf("%w: %s", ErrComputeNotFound, id)
	}
	return c, nil
}

func powerAction(op submitter.Operation, verb string) runner {
	return func(e *engine, ctx context.Context, c *db.Compute, _ ActionRequest, out io.Writer) error {
		target, err := e.Target(ctx, c.ID)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%s %s\n", verb, c.Name)
		_, err = e.submitter.Submit(ctx, target, op, c.ID)
		return err
	}
}

// info prints the agent's realtime listing entry for the VM.
func (e *engine) info(ctx context.Context, c *db.Compute, _ ActionRequest, out io.Writer) error {
	target, err := e.Target(ctx, c.ID)
	if err != nil {
		return err
	}
	vms, err := e.listVMs(ctx, target)
	if err != nil {
		return err
	}
	for _, vm := range vms {
		if vm.UUID != c.ID {
			continue
		}
		keys := make([]string, 0, len(vm.Raw))
		width := 0
		for k := range vm.Raw {
			keys = append(keys, k)
			if len(k) > width {
				width = len(k)
			}
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(out, "%-*s %v\n", width+1, k+":", vm.Raw[k])
		}
		return nil
	}
	return fmt.Errorf("%s is not reported by %s", c.Name, target)
}

func (e *engine) listVMs(ctx context.Context, target submitter.Target) ([]vmInfo, error) {
	res, err := e.submitter.Submit(ctx, target, submitter.ListVMS)
	if err != nil {
		return nil, err
	}
	var vms []vmInfo
	if err := res.Decode(&vms); err != nil {
		return nil, fmt.Errorf("decode vm listing from %s: %w", target, err)
	}
	return vms, nil
}

func listContains(vms []vmInfo, id string) bool {
	for _, vm := range vms {
		if vm.UUID == id {
			return true
		}
	}
	return false
}
