package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ccheshirecat/fleet/internal/server/db"
	"github.com/ccheshirecat/fleet/internal/server/eventbus"
	"github.com/ccheshirecat/fleet/internal/server/lockreg"
	"github.com/ccheshirecat/fleet/internal/server/orchestrator/events"
	"github.com/ccheshirecat/fleet/internal/server/submitter"
	"github.com/ccheshirecat/fleet/internal/server/telemetry"
)

// Engine is the fleet orchestration core: lifecycle actions, per-host
// reconciliation and model event handling.
type Engine interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error

	// Execute queues an action against a compute behind any action already
	// in flight for it. Progress text is written to out. Cancelling ctx
	// abandons the wait only; the action itself always runs.
	Execute(ctx context.Context, computeID string, req ActionRequest, out io.Writer) *lockreg.Future
	// SyncHost runs the sync action for one host and waits for it.
	SyncHost(ctx context.Context, hostID string) error
	// HandleEvent applies the reaction to a model event and waits for it.
	HandleEvent(ctx context.Context, evt events.ModelEvent) error

	RegisterHost(ctx context.Context, hostname string) (*db.Compute, error)
	DeleteHost(ctx context.Context, hostID string) error
	CreateVM(ctx context.Context, containerID string, req CreateVMRequest) (*db.Compute, error)
	UpdateCompute(ctx context.Context, id string, patch ComputePatch) (*db.Compute, error)
	DeleteCompute(ctx context.Context, id string) error

	Target(ctx context.Context, computeID string) (submitter.Target, error)
	Submitter() submitter.Submitter
	Store() db.Store
	Bus() eventbus.Bus
}

// CreateVMRequest captures the settings of a new, undeployed VM.
type CreateVMRequest struct {
	Hostname     string
	Template     string
	State        string
	IPv4Address  string
	Nameservers  []string
	Autostart    bool
	RootPassword *string
	Memory       float64
	NumCores     int
	SwapSize     float64
	CPULimit     float64
	Diskspace    map[string]float64
}

// ComputePatch carries client edits of a compute. Nil fields are unchanged.
type ComputePatch struct {
	State    *string
	NumCores *int
	Memory   *float64
	SwapSize *float64
	CPULimit *float64
	Hostname *string
}

// Params wires dependencies for the orchestrator engine.
type Params struct {
	Store          db.Store
	Logger         *slog.Logger
	Submitter      submitter.Submitter
	Bus            eventbus.Bus
	Locks          *lockreg.Registry
	Metrics        *telemetry.Metrics
	DiskspaceParam string
	MetricStreams  []string
	DeleteTimeout  time.Duration
}

// New constructs the orchestrator engine.
func New(params Params) (Engine, error) {
	if params.Store == nil {
		return nil, fmt.Errorf("orchestrator: store is required")
	}
	if params.Logger == nil {
		return nil, fmt.Errorf("orchestrator: logger is required")
	}
	if params.Submitter == nil {
		return nil, fmt.Errorf("orchestrator: submitter is required")
	}
	if params.Locks == nil {
		params.Locks = lockreg.New()
	}
	param := strings.TrimSpace(params.DiskspaceParam)
	if param == "" {
		param = "/storage"
	}
	timeout := params.DeleteTimeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}

	return &engine{
		store:          params.Store,
		logger:         params.Logger.With("component", "orchestrator"),
		submitter:      params.Submitter,
		bus:            params.Bus,
		locks:          params.Locks,
		metrics:        params.Metrics,
		diskspaceParam: param,
		metricStreams:  append([]string(nil), params.MetricStreams...),
		deleteTimeout:  timeout,
	}, nil
}

type engine struct {
	store          db.Store
	logger         *slog.Logger
	submitter      submitter.Submitter
	bus            eventbus.Bus
	locks          *lockreg.Registry
	metrics        *telemetry.Metrics
	diskspaceParam string
	metricStreams  []string
	deleteTimeout  time.Duration

	mu       sync.Mutex
	cancel   context.CancelFunc
	loopDone chan struct{}
}

var _ Engine = (*engine)(nil)

// Start subscribes to model events and dispatches them in the background.
func (e *engine) Start(ctx context.Context) error {
	if e.bus == nil {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancel != nil {
		return nil
	}

	ch := make(chan any, 256)
	unsubscribe, err := e.bus.Subscribe(events.TopicModel, ch)
	if err != nil {
		return fmt.Errorf("orchestrator: subscribe model events: %w", err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	e.cancel = cancel
	e.loopDone = done

	go func() {
		defer close(done)
		defer unsubscribe()
		for {
			select {
			case <-loopCtx.Done():
				return
			case payload := <-ch:
				evt, ok := payload.(events.ModelEvent)
				if !ok {
					continue
				}
				fut := e.dispatch(loopCtx, evt)
				go e.logDispatch(evt, fut)
			}
		}
	}()
	return nil
}

// Stop ends event dispatching. In-flight actions keep running.
func (e *engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	cancel, done := e.cancel, e.loopDone
	e.cancel, e.loopDone = nil, nil
	e.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *engine) logDispatch(evt events.ModelEvent, fut *lockreg.Future) {
	<-fut.Done()
	if err := fut.Err(); err != nil && !errors.Is(err, context.Canceled) {
		e.logger.Error("model event handler failed", "compute", evt.ComputeID, "kind", evt.Kind, "error", err)
	}
}

func (e *engine) Store() db.Store {
	return e.store
}

func (e *engine) Bus() eventbus.Bus {
	return e.bus
}

func (e *engine) Submitter() submitter.Submitter {
	return e.submitter
}

// RegisterHost creates or marks manageable the host record for hostname.
// Host identities are uuid5(DNS, hostname) so repeated imports converge.
func (e *engine) RegisterHost(ctx context.Context, hostname string) (*db.Compute, error) {
	hostname = strings.TrimSpace(hostname)
	if hostname == "" {
		return nil, &ValidationError{Err: errors.New("hostname is required")}
	}
	id := HostID(hostname)

	var (
		host    *db.Compute
		created bool
	)
	err := e.store.WithTx(ctx, func(q db.Queries) error {
		existing, err := q.Computes().Get(ctx, id)
		if err != nil {
			return err
		}
		if existing == nil {
			if existing, err = q.Computes().GetHostByName(ctx, hostname); err != nil {
				return err
			}
		}
		if existing != nil {
			if !existing.Manageable {
				existing.Manageable = true
				if err := q.Computes().Update(ctx, existing); err != nil {
					return err
				}
			}
			host = existing
			return nil
		}

		host = &db.Compute{
			ID:             id,
			Name:           hostname,
			Hostname:       hostname,
			Manageable:     true,
			State:          db.StateActive,
			EffectiveState: db.StateActive,
		}
		if err := q.Computes().Create(ctx, host); err != nil {
			return err
		}
		created = true
		return q.MetricStreams().Ensure(ctx, host.ID, e.metricStreams)
	})
	if err != nil {
		return nil, err
	}
	if created {
		e.logger.Info("host registered", "host", hostname, "compute", id)
		e.publish(ctx, events.ModelEvent{Kind: events.KindCreated, ComputeID: host.ID, Name: host.Name})
	}
	return host, nil
}

// HostID derives the stable identity of a host from its hostname.
func HostID(hostname string) string {
	return uuid.NewSHA1(uuid.NameSpaceDNS, []byte(hostname)).String()
}

// DeleteHost removes a host and everything below it from the model.
func (e *engine) DeleteHost(ctx context.Context, hostID string) error {
	var host *db.Compute
	err := e.store.WithTx(ctx, func(q db.Queries) error {
		var err error
		host, err = q.Computes().Get(ctx, hostID)
		if err != nil {
			return err
		}
		if host == nil {
			return fmt.Errorf("%w: %s", ErrComputeNotFound, hostID)
		}
		if host.IsVirtual() {
			return &ValidationError{Err: fmt.Errorf("%s is a vm, not a host", host.Name)}
		}
		return q.Computes().Delete(ctx, hostID)
	})
	if err != nil {
		return err
	}
	e.publish(ctx, events.ModelEvent{Kind: events.KindDeleted, ComputeID: host.ID, Name: host.Name})
	return nil
}

// CreateVM adds an undeployed VM to a container. Deployment follows from
// the created event.
func (e *engine) CreateVM(ctx context.Context, containerID string, req CreateVMRequest) (*db.Compute, error) {
	if strings.TrimSpace(req.Template) == "" {
		return nil, &ValidationError{Err: errors.New("template is required")}
	}
	if strings.TrimSpace(req.Hostname) == "" {
		return nil, &ValidationError{Err: errors.New("hostname is required")}
	}
	state := req.State
	if state == "" {
		state = db.StateActive
	}
	if state != db.StateActive && state != db.StateInactive {
		return nil, &ValidationError{Err: fmt.Errorf("invalid state %q", state)}
	}

	vm := &db.Compute{
		ID:             uuid.NewString(),
		Name:           req.Hostname,
		Hostname:       req.Hostname,
		ContainerID:    containerID,
		State:          state,
		EffectiveState: db.StateInactive,
		Lifecycle:      db.LifecycleUndeployed,
		Template:       req.Template,
		IPv4Address:    req.IPv4Address,
		Nameservers:    req.Nameservers,
		Autostart:      req.Autostart,
		RootPassword:   req.RootPassword,
		Memory:         req.Memory,
		NumCores:       req.NumCores,
		SwapSize:       req.SwapSize,
		CPULimit:       req.CPULimit,
		Diskspace:      req.Diskspace,
	}
	err := e.store.WithTx(ctx, func(q db.Queries) error {
		container, err := q.Containers().Get(ctx, containerID)
		if err != nil {
			return err
		}
		if container == nil {
			return fmt.Errorf("%w: %s", ErrContainerNotFound, containerID)
		}
		if err := q.Computes().Create(ctx, vm); err != nil {
			return err
		}
		return q.MetricStreams().Ensure(ctx, vm.ID, e.metricStreams)
	})
	if err != nil {
		return nil, err
	}
	e.publish(ctx, events.ModelEvent{Kind: events.KindCreated, ComputeID: vm.ID, Name: vm.Name, Virtual: true, ContainerID: containerID})
	return vm, nil
}

// UpdateCompute applies client edits and publishes the change so the event
// handlers can push it to the agent.
func (e *engine) UpdateCompute(ctx context.Context, id string, patch ComputePatch) (*db.Compute, error) {
	if patch.State != nil {
		switch *patch.State {
		case db.StateActive, db.StateInactive, db.StateSuspended:
		default:
			return nil, &ValidationError{Err: fmt.Errorf("invalid state %q", *patch.State)}
		}
	}

	var (
		updated  *db.Compute
		original = map[string]any{}
		modified = map[string]any{}
	)
	err := e.store.WithTx(ctx, func(q db.Queries) error {
		c, err := q.Computes().Get(ctx, id)
		if err != nil {
			return err
		}
		if c == nil {
			return fmt.Errorf("%w: %s", ErrComputeNotFound, id)
		}
		if patch.State != nil && *patch.State != c.State {
			original[events.FieldState], modified[events.FieldState] = c.State, *patch.State
			c.State = *patch.State
		}
		if patch.NumCores != nil && *patch.NumCores != c.NumCores {
			original[events.FieldNumCores], modified[events.FieldNumCores] = c.NumCores, *patch.NumCores
			c.NumCores = *patch.NumCores
		}
		if patch.Memory != nil && *patch.Memory != c.Memory {
			original[events.FieldMemory], modified[events.FieldMemory] = c.Memory, *patch.Memory
			c.Memory = *patch.Memory
		}
		if patch.SwapSize != nil && *patch.SwapSize != c.SwapSize {
			original[events.FieldSwapSize], modified[events.FieldSwapSize] = c.SwapSize, *patch.SwapSize
			c.SwapSize = *patch.SwapSize
		}
		if patch.CPULimit != nil && *patch.CPULimit != c.CPULimit {
			original[events.FieldCPULimit], modified[events.FieldCPULimit] = c.CPULimit, *patch.CPULimit
			c.CPULimit = *patch.CPULimit
		}
		if patch.Hostname != nil && *patch.Hostname != c.Hostname {
			original["hostname"], modified["hostname"] = c.Hostname, *patch.Hostname
			c.Hostname = *patch.Hostname
		}
		updated = c
		if len(modified) == 0 {
			return nil
		}
		return q.Computes().Update(ctx, c)
	})
	if err != nil {
		return nil, err
	}
	if len(modified) > 0 {
		e.publish(ctx, events.ModelEvent{
			Kind:        events.KindModified,
			ComputeID:   updated.ID,
			Name:        updated.Name,
			Virtual:     updated.IsVirtual(),
			ContainerID: updated.ContainerID,
			Original:    original,
			Modified:    modified,
		})
	}
	return updated, nil
}

// DeleteCompute removes a compute. A deployed VM is first destroyed and
// undeployed, each step bounded by the delete timeout; if either step times
// out or the undeploy fails the record is kept and an error returned.
func (e *engine) DeleteCompute(ctx context.Context, id string) error {
	// A delete outlives its caller; each agent step is bounded by deleteTimeout.
	ctx = context.WithoutCancel(ctx)
	var c *db.Compute
	if err := e.store.View(ctx, func(q db.Queries) error {
		var err error
		c, err = q.Computes().Get(ctx, id)
		return err
	}); err != nil {
		return err
	}
	if c == nil {
		return fmt.Errorf("%w: %s", ErrComputeNotFound, id)
	}
	if !c.IsVirtual() {
		return e.DeleteHost(ctx, id)
	}

	if c.Lifecycle == db.LifecycleDeployed {
		e.logger.Info("deleting deployed vm, destroying and undeploying first", "vm", c.Name, "compute", id)
		out := &logWriter{logger: e.logger, compute: id}
		if err := e.boundedAction(ctx, id, ActionDestroy, out); err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return fmt.Errorf("delete %s: destroy: %w", c.Name, err)
			}
			e.logger.Warn("destroy before delete failed", "vm", c.Name, "error", err)
		}
		if err := e.boundedAction(ctx, id, ActionUndeploy, out); err != nil {
			return fmt.Errorf("delete %s: undeploy: %w", c.Name, err)
		}
	} else {
		e.logger.Info("deleting vm which is already undeployed", "vm", c.Name, "compute", id)
	}

	if err := e.store.WithTx(ctx, func(q db.Queries) error {
		return q.Computes().Delete(ctx, id)
	}); err != nil {
		return err
	}
	e.publish(ctx, events.ModelEvent{Kind: events.KindDeleted, ComputeID: id, Name: c.Name, Virtual: true, ContainerID: c.ContainerID})
	return nil
}

func (e *engine) boundedAction(ctx context.Context, id, action string, out io.Writer) error {
	stepCtx, cancel := context.WithTimeout(ctx, e.deleteTimeout)
	defer cancel()
	return e.execute(stepCtx, id, ActionRequest{Action: action}, out).Wait(stepCtx)
}

// Target resolves the agent address for a compute: the host itself, or
// the host and backend of a VM's container.
func (e *engine) Target(ctx context.Context, computeID string) (submitter.Target, error) {
	var target submitter.Target
	err := e.store.View(ctx, func(q db.Queries) error {
		c, err := q.Computes().Get(ctx, computeID)
		if err != nil {
			return err
		}
		if c == nil {
			return fmt.Errorf("%w: %s", ErrComputeNotFound, computeID)
		}
		if !c.IsVirtual() {
			target = hostTarget(c)
			return nil
		}
		container, host, err := placement(ctx, q, c)
		if err != nil {
			return err
		}
		target = containerTarget(host, container)
		return nil
	})
	return target, err
}

func (e *engine) publish(ctx context.Context, evt events.ModelEvent) {
	if e.bus == nil {
		return
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	if err := e.bus.Publish(ctx, events.TopicModel, evt); err != nil {
		e.logger.Error("publish model event", "compute", evt.ComputeID, "kind", evt.Kind, "error", err)
	}
}

// placement loads the container and host owning a VM.
func placement(ctx context.Context, q db.Queries, vm *db.Compute) (*db.Container, *db.Compute, error) {
	container, err := q.Containers().Get(ctx, vm.ContainerID)
	if err != nil {
		return nil, nil, err
	}
	if container == nil {
		return nil, nil, fmt.Errorf("%w: %s", ErrContainerNotFound, vm.ContainerID)
	}
	host, err := q.Computes().Get(ctx, container.ComputeID)
	if err != nil {
		return nil, nil, err
	}
	if host == nil {
		return nil, nil, fmt.Errorf("%w: host %s of container %s", ErrComputeNotFound, container.ComputeID, container.ID)
	}
	return container, host, nil
}

func hostTarget(host *db.Compute) submitter.Target {
	addr := host.Hostname
	if addr == "" {
		addr = host.Name
	}
	return submitter.Target{Host: addr}
}

func containerTarget(host *db.Compute, container *db.Container) submitter.Target {
	t := hostTarget(host)
	t.Backend = container.Backend
	return t
}

// logWriter forwards action output to the engine log, one record per write.
type logWriter struct {
	logger  *slog.Logger
	compute string
}

func (w *logWriter) Write(p []byte) (int, error) {
	if msg := strings.TrimSpace(string(p)); msg != "" {
		w.logger.Info(msg, "compute", w.compute)
	}
	return len(p), nil
}
