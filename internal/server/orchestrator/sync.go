package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net/netip"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/ccheshirecat/fleet/internal/server/db"
	"github.com/ccheshirecat/fleet/internal/server/orchestrator/events"
	"github.com/ccheshirecat/fleet/internal/server/submitter"
)

const (
	consoleSSH     = "ssh"
	consoleDefault = "default"
	consoleVNC     = "vnc"
	hardwareNode   = "Hardware node"
)

// sync reconciles a compute with what its agent reports. Hosts are synced
// with their hardware, container, templates and VMs; a VM only merges its
// own listing entry.
func (e *engine) sync(ctx context.Context, c *db.Compute, _ ActionRequest, out io.Writer) error {
	if c.IsVirtual() {
		return e.syncVM(ctx, c)
	}
	return e.syncHost(ctx, c, out)
}

func (e *engine) syncHost(ctx context.Context, host *db.Compute, out io.Writer) error {
	logger := e.logger.With("host", host.Name, "compute", host.ID)

	if err := e.store.WithTx(ctx, func(q db.Queries) error {
		return syncSSHConsole(ctx, q, host)
	}); err != nil {
		return fmt.Errorf("sync consoles: %w", err)
	}

	var container *db.Container
	if host.Manageable {
		if err := e.syncHardware(ctx, host); err != nil {
			return fmt.Errorf("sync hardware: %w", err)
		}
		var err error
		if container, err = e.ensureContainer(ctx, host); err != nil {
			return fmt.Errorf("ensure container: %w", err)
		}
		if container != nil {
			if err := e.syncTemplates(ctx, host, container); err != nil {
				return fmt.Errorf("sync templates: %w", err)
			}
		}
	}

	backend := ""
	if container != nil {
		backend = container.Backend
	}
	if err := e.store.WithTx(ctx, func(q db.Queries) error {
		return ensureDefaultConsole(ctx, q, host.ID, backend)
	}); err != nil {
		return fmt.Errorf("default console: %w", err)
	}

	if container != nil {
		if err := e.syncContainer(ctx, host, container); err != nil {
			return fmt.Errorf("sync vms: %w", err)
		}
	}
	fmt.Fprintf(out, "synced %s\n", host.Name)
	logger.Debug("host synced")
	return nil
}

// syncHardware merges the host's hardware facts. Agent failures and
// incomplete reports are logged and leave the model unchanged.
func (e *engine) syncHardware(ctx context.Context, host *db.Compute) error {
	target := hostTarget(host)
	logger := e.logger.With("host", host.Name)

	var (
		info   computeInfo
		uptime flexNumber
		disks  map[string]diskUsage
		routes []routeInfo
	)
	for _, call := range []struct {
		op  submitter.Operation
		dst any
	}{
		{submitter.GetComputeInfo, &info},
		{submitter.GetHWUptime, &uptime},
		{submitter.GetDiskUsage, &disks},
		{submitter.GetRoutes, &routes},
	} {
		res, err := e.submitter.Submit(ctx, target, call.op)
		if err != nil {
			var remote *submitter.RemoteError
			if errors.As(err, &remote) {
				logger.Warn("hardware query failed", "op", call.op, "error", remote.Message, "traceback", remote.Traceback)
				return nil
			}
			return err
		}
		if err := res.Decode(call.dst); err != nil {
			return fmt.Errorf("%s from %s: %w", call.op, host.Name, err)
		}
	}
	if info.CPUModel == nil || info.KernelVersion == nil {
		logger.Info("nothing to update: hardware info does not include required data")
		return nil
	}

	space, usage := diskTotals(disks)
	up := float64(uptime)
	return e.store.WithTx(ctx, func(q db.Queries) error {
		current, err := q.Computes().Get(ctx, host.ID)
		if err != nil || current == nil {
			return err
		}
		current.CPUInfo = *info.CPUModel
		current.Kernel = *info.KernelVersion
		current.OSRelease = info.OS
		current.Architecture = []string{info.Platform, "linux", info.distro()}
		current.Memory = float64(info.SystemMemory)
		current.NumCores = int(info.NumCPUs)
		current.SwapSize = float64(info.SystemSwap)
		current.Diskspace = space
		current.DiskspaceUsage = usage
		current.Template = hardwareNode
		current.Uptime = &up
		if err := q.Computes().Update(ctx, current); err != nil {
			return err
		}
		host.CPUInfo = current.CPUInfo

		for _, r := range routes {
			route := routeFrom(host.ID, r)
			existing, err := q.Routes().Get(ctx, host.ID, route.Name)
			if err != nil {
				return err
			}
			if existing != nil {
				continue
			}
			if route.Interface != "" {
				iface, err := q.Interfaces().Get(ctx, host.ID, route.Interface)
				if err != nil {
					return err
				}
				if iface == nil {
					route.Interface = ""
				}
			}
			if err := q.Routes().Upsert(ctx, route); err != nil {
				return err
			}
		}
		return nil
	})
}

// diskTotals converts the per-mount KB report into MB totals and usage
// for /dev/ devices, each with a synthetic total.
func diskTotals(disks map[string]diskUsage) (map[string]float64, map[string]float64) {
	space := map[string]float64{}
	usage := map[string]float64{}
	var spaceTotal, usageTotal float64
	for mount, d := range disks {
		if !strings.HasPrefix(d.Device, "/dev/") {
			continue
		}
		space[mount] = round2(float64(d.Total) / 1024)
		usage[mount] = round2(float64(d.Used) / 1024)
		spaceTotal += space[mount]
		usageTotal += usage[mount]
	}
	space["total"] = round2(spaceTotal)
	usage["total"] = round2(usageTotal)
	return space, usage
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// routeFrom names a route after its destination network, with the prefix
// separator replaced so the name is path-safe.
func routeFrom(computeID string, r routeInfo) db.Route {
	destination := r.Destination
	if addr, err := netip.ParseAddr(r.Destination); err == nil {
		bits := addr.BitLen()
		if mask, err := netip.ParseAddr(r.Netmask); err == nil && mask.Is4() {
			bits = maskBits(mask)
		}
		if prefix, err := addr.Prefix(bits); err == nil {
			destination = prefix.String()
		}
	}
	gateway := r.Router
	if addr, err := netip.ParseAddr(r.Router); err == nil {
		gateway = addr.String()
	}
	return db.Route{
		ComputeID:   computeID,
		Name:        strings.ReplaceAll(destination, "/", "_"),
		Destination: destination,
		Gateway:     gateway,
		Flags:       r.Flags,
		Metrics:     int(r.Metrics),
		Interface:   r.Interface,
	}
}

func maskBits(mask netip.Addr) int {
	bits := 0
	for _, b := range mask.As4() {
		for i := 7; i >= 0; i-- {
			if b&(1<<i) == 0 {
				return bits
			}
			bits++
		}
	}
	return bits
}

// ensureContainer returns the host's primary container, creating it from
// the first backend the agent reports when there is none.
func (e *engine) ensureContainer(ctx context.Context, host *db.Compute) (*db.Container, error) {
	var existing []db.Container
	if err := e.store.View(ctx, func(q db.Queries) error {
		var err error
		existing, err = q.Containers().ListByCompute(ctx, host.ID)
		return err
	}); err != nil {
		return nil, err
	}
	if len(existing) > 0 {
		return &existing[0], nil
	}

	res, err := e.submitter.Submit(ctx, hostTarget(host), submitter.GetVirtualizationContainers)
	if err != nil {
		var remote *submitter.RemoteError
		if errors.As(err, &remote) {
			e.logger.Warn("virtualization containers query failed", "host", host.Name, "error", remote.Message)
			return nil, nil
		}
		return nil, err
	}
	var uris []string
	if err := res.Decode(&uris); err != nil {
		return nil, err
	}
	if len(uris) == 0 {
		return nil, nil
	}

	container := &db.Container{ID: uuid.NewString(), ComputeID: host.ID, Backend: backendFromURI(uris[0])}
	if err := e.store.WithTx(ctx, func(q db.Queries) error {
		return q.Containers().Create(ctx, container)
	}); err != nil {
		return nil, err
	}
	e.logger.Info("virtualization container created", "host", host.Name, "backend", container.Backend)
	return container, nil
}

// syncTemplates replaces the host's template catalog with the reported one:
// every reported template is written and local ones no longer reported are
// removed. An empty report leaves the catalog alone.
func (e *engine) syncTemplates(ctx context.Context, host *db.Compute, container *db.Container) error {
	res, err := e.submitter.Submit(ctx, containerTarget(host, container), submitter.GetLocalTemplates)
	if err != nil {
		var remote *submitter.RemoteError
		if errors.As(err, &remote) {
			e.logger.Warn("template query failed", "host", host.Name, "error", remote.Message)
			return nil
		}
		return err
	}
	var reported []templateInfo
	if err := res.Decode(&reported); err != nil {
		return err
	}
	if len(reported) == 0 {
		return nil
	}

	return e.store.WithTx(ctx, func(q db.Queries) error {
		keep := make(map[string]bool, len(reported))
		for _, info := range reported {
			keep[info.Name] = true
			if err := q.Templates().Upsert(ctx, templateFrom(host.ID, info)); err != nil {
				return err
			}
		}
		local, err := q.Templates().List(ctx, host.ID)
		if err != nil {
			return err
		}
		for _, t := range local {
			if keep[t.Name] {
				continue
			}
			if err := q.Templates().Delete(ctx, host.ID, t.Name); err != nil {
				return err
			}
		}
		return nil
	})
}

func templateFrom(computeID string, i templateInfo) db.Template {
	return db.Template{
		ComputeID:  computeID,
		Name:       i.Name,
		DomainType: i.DomainType,
		Cores:      db.IntRange{Min: int(i.VCPUMin), Default: int(i.VCPU), Max: max(-1, int(i.VCPUMax))},
		Memory:     db.FloatRange{Min: float64(i.MemoryMin), Default: float64(i.Memory), Max: max(-1, float64(i.MemoryMax))},
		Swap:       db.FloatRange{Min: float64(i.SwapMin), Default: float64(i.Swap), Max: max(-1, float64(i.SwapMax))},
		Disk:       db.FloatRange{Min: float64(i.DiskMin), Default: float64(i.Disk), Max: max(-1, float64(i.DiskMax))},
		CPULimit:   db.IntRange{Min: int(i.VCPULimitMin), Default: int(i.VCPULimit), Max: int(i.VCPULimit)},
		Nameserver: i.Nameserver,
		Password:   i.Password,
		IP:         i.IPAddress,
	}
}

// syncContainer reconciles the VMs of one container: reported VMs missing
// from the model are added, VMs filed under another container are moved,
// then every reported VM is merged under its own lock.
func (e *engine) syncContainer(ctx context.Context, host *db.Compute, container *db.Container) error {
	vms, err := e.listVMs(ctx, containerTarget(host, container))
	if err != nil {
		var remote *submitter.RemoteError
		if errors.As(err, &remote) {
			e.logger.Warn("vm listing failed", "host", host.Name, "error", remote.Message)
			return nil
		}
		return err
	}

	var created []events.ModelEvent
	if err := e.store.WithTx(ctx, func(q db.Queries) error {
		reported := make(map[string]bool, len(vms))
		for _, info := range vms {
			if info.UUID == "" {
				continue
			}
			reported[info.UUID] = true
			existing, err := q.Computes().Get(ctx, info.UUID)
			if err != nil {
				return err
			}
			switch {
			case existing == nil:
				vm := &db.Compute{
					ID:             info.UUID,
					Name:           info.Name,
					Hostname:       info.Name,
					ContainerID:    container.ID,
					State:          info.State,
					EffectiveState: info.State,
					Lifecycle:      db.LifecycleDeployed,
				}
				if err := q.Computes().Create(ctx, vm); err != nil {
					return err
				}
				if err := q.MetricStreams().Ensure(ctx, vm.ID, e.metricStreams); err != nil {
					return err
				}
				created = append(created, events.ModelEvent{
					Kind: events.KindCreated, ComputeID: vm.ID, Name: vm.Name, Virtual: true, ContainerID: container.ID,
				})
			case !existing.IsVirtual():
				e.logger.Warn("reported vm collides with a host record", "host", host.Name, "compute", info.UUID)
			case existing.ContainerID != container.ID:
				e.logger.Info("vm reported under another container, moving", "vm", existing.Name, "from", existing.ContainerID, "to", container.ID)
				if err := q.Computes().SetContainer(ctx, existing.ID, container.ID); err != nil {
					return err
				}
			}
		}

		local, err := q.Computes().ListByContainer(ctx, container.ID)
		if err != nil {
			return err
		}
		for _, vm := range local {
			if vm.Lifecycle == db.LifecycleDeployed && !reported[vm.ID] {
				e.logger.Warn("deployed vm not reported by agent", "host", host.Name, "vm", vm.Name, "compute", vm.ID)
			}
		}
		return nil
	}); err != nil {
		return err
	}
	for _, evt := range created {
		e.publish(ctx, evt)
	}

	var wg sync.WaitGroup
	for _, info := range vms {
		if info.UUID == "" {
			continue
		}
		wg.Add(1)
		go func(info vmInfo) {
			defer wg.Done()
			fut := e.locks.Execute(ctx, info.UUID, func(ctx context.Context) error {
				return e.mergeVM(ctx, host, container, info)
			})
			if err := fut.Wait(ctx); err != nil {
				e.logger.Warn("vm sync failed", "host", host.Name, "vm", info.Name, "compute", info.UUID, "error", err)
			}
		}(info)
	}
	wg.Wait()
	return nil
}

// syncVM merges a single VM from its container's listing.
func (e *engine) syncVM(ctx context.Context, vm *db.Compute) error {
	var (
		container *db.Container
		host      *db.Compute
	)
	if err := e.store.View(ctx, func(q db.Queries) error {
		var err error
		container, host, err = placement(ctx, q, vm)
		return err
	}); err != nil {
		return err
	}
	vms, err := e.listVMs(ctx, containerTarget(host, container))
	if err != nil {
		return err
	}
	for _, info := range vms {
		if info.UUID == vm.ID {
			return e.mergeVM(ctx, host, container, info)
		}
	}
	return fmt.Errorf("%s is not reported by %s", vm.Name, host.Name)
}

// mergeVM applies one listing entry to the VM record. Consoles and
// interfaces are only ever added.
func (e *engine) mergeVM(ctx context.Context, host *db.Compute, container *db.Container, info vmInfo) error {
	return e.store.WithTx(ctx, func(q db.Queries) error {
		vm, err := q.Computes().Get(ctx, info.UUID)
		if err != nil || vm == nil {
			return err
		}
		vm.State = info.State
		vm.EffectiveState = info.State
		if vm.Lifecycle != db.LifecycleDeployed || vm.Deploying {
			if err := vm.SetLifecycle(db.LifecycleDeployed); err != nil {
				return err
			}
		}
		if host.CPUInfo != "" {
			vm.CPUInfo = host.CPUInfo
		}
		vm.Memory = float64(info.Memory)
		space := make(map[string]float64, len(info.Diskspace)+1)
		total := 0.0
		for k, v := range info.Diskspace {
			space[k] = round2(float64(v))
			total += float64(v)
		}
		space["total"] = round2(total)
		vm.Diskspace = space
		vm.Uptime = nil
		if vm.EffectiveState == db.StateActive && info.Uptime != nil {
			up := float64(*info.Uptime)
			vm.Uptime = &up
		}
		if err := q.Computes().Update(ctx, vm); err != nil {
			return err
		}

		if err := syncSSHConsole(ctx, q, vm); err != nil {
			return err
		}
		for idx, con := range info.Consoles {
			var console db.Console
			switch con.Type {
			case "pty":
				console = db.Console{Name: fmt.Sprintf("tty%d", idx), Type: db.ConsoleTTY, PTY: con.PTY}
			case "openvz":
				console = db.Console{Name: fmt.Sprintf("tty%d", idx), Type: db.ConsoleOpenVZ, CID: con.CID}
			case "vnc":
				console = db.Console{Name: consoleVNC, Type: db.ConsoleVNC, Hostname: host.Hostname, Port: int(con.Port)}
			default:
				continue
			}
			console.ComputeID = vm.ID
			if err := addConsole(ctx, q, console); err != nil {
				return err
			}
		}
		for _, iface := range info.Interfaces {
			existing, err := q.Interfaces().Get(ctx, vm.ID, iface.Name)
			if err != nil {
				return err
			}
			if existing != nil {
				continue
			}
			if err := q.Interfaces().Upsert(ctx, db.Interface{
				ComputeID:   vm.ID,
				Name:        iface.Name,
				MAC:         iface.MAC,
				State:       db.StateActive,
				IPv4Address: iface.IPv4Address,
			}); err != nil {
				return err
			}
		}
		return ensureDefaultConsole(ctx, q, vm.ID, container.Backend)
	})
}

func addConsole(ctx context.Context, q db.Queries, c db.Console) error {
	existing, err := q.Consoles().Get(ctx, c.ComputeID, c.Name)
	if err != nil || existing != nil {
		return err
	}
	return q.Consoles().Upsert(ctx, c)
}

// syncSSHConsole adds the root ssh console, or points an existing one at
// the compute's current address.
func syncSSHConsole(ctx context.Context, q db.Queries, c *db.Compute) error {
	address := c.Address()
	existing, err := q.Consoles().Get(ctx, c.ID, consoleSSH)
	if err != nil {
		return err
	}
	if existing != nil {
		if c.IPv4Address == "" || existing.Hostname == address {
			return nil
		}
		existing.Hostname = address
		return q.Consoles().Upsert(ctx, *existing)
	}
	if address == "" {
		return nil
	}
	return q.Consoles().Upsert(ctx, db.Console{
		ComputeID: c.ID,
		Name:      consoleSSH,
		Type:      db.ConsoleSSH,
		Username:  "root",
		Hostname:  address,
		Port:      22,
	})
}

// ensureDefaultConsole links "default" to tty0 on openvz when present,
// otherwise to ssh. A link whose target still exists is kept.
func ensureDefaultConsole(ctx context.Context, q db.Queries, computeID, backend string) error {
	link, err := q.Consoles().Get(ctx, computeID, consoleDefault)
	if err != nil {
		return err
	}
	if link != nil {
		resolved, err := db.FollowLink(ctx, q.Consoles(), link)
		if err != nil {
			return err
		}
		if resolved != nil {
			return nil
		}
	}

	target := consoleSSH
	if backend == "openvz" {
		tty0, err := q.Consoles().Get(ctx, computeID, "tty0")
		if err != nil {
			return err
		}
		if tty0 != nil {
			target = "tty0"
		}
	}
	existing, err := q.Consoles().Get(ctx, computeID, target)
	if err != nil || existing == nil {
		return err
	}
	return q.Consoles().Upsert(ctx, db.Console{ComputeID: computeID, Name: consoleDefault, Type: db.ConsoleLink, Target: target})
}
