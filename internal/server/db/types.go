package db

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Lifecycle enumerates the deployment phases tracked for virtual computes.
// Physical hosts carry LifecycleNone.
type Lifecycle string

const (
	LifecycleNone       Lifecycle = ""
	LifecycleUndeployed Lifecycle = "undeployed"
	LifecycleDeployed   Lifecycle = "deployed"
)

// Power states reported by agents and requested by clients.
const (
	StateActive    = "active"
	StateInactive  = "inactive"
	StateSuspended = "suspended"
)

// Marker names rendered as the capability/state feature set of a compute.
const (
	MarkerManageable = "manageable"
	MarkerVirtual    = "virtual"
	MarkerUndeployed = "undeployed"
	MarkerDeploying  = "deploying"
	MarkerDeployed   = "deployed"
)

var (
	// ErrInvalidTransition is returned when a lifecycle change is not allowed
	// from the current state.
	ErrInvalidTransition = errors.New("db: invalid lifecycle transition")
	// ErrNotFound indicates a missing row for mutations that require one.
	ErrNotFound = errors.New("db: not found")
)

// Compute models a managed machine. A compute with a ContainerID is a
// virtual compute owned by that virtualization container.
type Compute struct {
	ID             string
	Name           string
	Hostname       string
	ContainerID    string
	Manageable     bool
	State          string
	EffectiveState string
	Lifecycle      Lifecycle
	Deploying      bool
	Template       string
	IPv4Address    string
	Nameservers    []string
	Autostart      bool
	RootPassword   *string
	Memory         float64
	NumCores       int
	SwapSize       float64
	CPULimit       float64
	CPUInfo        string
	Kernel         string
	OSRelease      string
	Architecture   []string
	Diskspace      map[string]float64
	DiskspaceUsage map[string]float64
	Uptime         *float64
	LastPing       bool
	Suspicious     bool
	Failure        bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// IsVirtual reports whether the compute is a VM.
func (c *Compute) IsVirtual() bool {
	return c.ContainerID != ""
}

// SetLifecycle moves the compute to l and drops any in-flight deploy overlay.
// It is the only place the lifecycle field changes.
func (c *Compute) SetLifecycle(l Lifecycle) error {
	if !c.IsVirtual() && l != LifecycleNone {
		return fmt.Errorf("%w: %s is not virtual", ErrInvalidTransition, c.ID)
	}
	switch l {
	case LifecycleNone, LifecycleUndeployed, LifecycleDeployed:
	default:
		return fmt.Errorf("%w: unknown lifecycle %q", ErrInvalidTransition, l)
	}
	c.Lifecycle = l
	c.Deploying = false
	return nil
}

// BeginDeploy overlays the deploying flag on an undeployed VM.
func (c *Compute) BeginDeploy() error {
	if c.Lifecycle != LifecycleUndeployed {
		return fmt.Errorf("%w: %s is %s, not undeployed", ErrInvalidTransition, c.ID, c.Lifecycle)
	}
	if c.Deploying {
		return fmt.Errorf("%w: %s is already deploying", ErrInvalidTransition, c.ID)
	}
	c.Deploying = true
	return nil
}

// EndDeploy clears the deploying overlay without touching the lifecycle.
func (c *Compute) EndDeploy() {
	c.Deploying = false
}

// Markers renders the marker set in a stable order.
func (c *Compute) Markers() []string {
	var out []string
	if c.Manageable {
		out = append(out, MarkerManageable)
	}
	if c.IsVirtual() {
		out = append(out, MarkerVirtual)
	}
	switch c.Lifecycle {
	case LifecycleUndeployed:
		out = append(out, MarkerUndeployed)
	case LifecycleDeployed:
		out = append(out, MarkerDeployed)
	}
	if c.Deploying {
		out = append(out, MarkerDeploying)
	}
	return out
}

// Address returns the IPv4 address without its prefix length, falling back
// to the hostname.
func (c *Compute) Address() string {
	if addr := BareIPv4(c.IPv4Address); addr != "" {
		return addr
	}
	return c.Hostname
}

// BareIPv4 strips a CIDR suffix from addr.
func BareIPv4(addr string) string {
	addr = strings.TrimSpace(addr)
	if i := strings.IndexByte(addr, '/'); i >= 0 {
		return addr[:i]
	}
	return addr
}

// Container groups the VMs of one backend kind under a host.
type Container struct {
	ID        string
	ComputeID string
	Backend   string
	CreatedAt time.Time
}

// IntRange is a min/default/max triple.
type IntRange struct {
	Min     int `json:"min"`
	Default int `json:"default"`
	Max     int `json:"max"`
}

// FloatRange is a min/default/max triple.
type FloatRange struct {
	Min     float64 `json:"min"`
	Default float64 `json:"default"`
	Max     float64 `json:"max"`
}

// Template mirrors an image/profile offered by a host's agent.
type Template struct {
	ComputeID  string
	Name       string
	DomainType string
	Cores      IntRange
	Memory     FloatRange
	Swap       FloatRange
	Disk       FloatRange
	CPULimit   IntRange
	Nameserver string
	Password   string
	IP         string
}

// ConsoleType distinguishes console records.
type ConsoleType string

const (
	ConsoleSSH    ConsoleType = "ssh"
	ConsoleTTY    ConsoleType = "tty"
	ConsoleOpenVZ ConsoleType = "openvz"
	ConsoleVNC    ConsoleType = "vnc"
	// ConsoleLink is an indirection to another console of the same compute.
	ConsoleLink ConsoleType = "link"
)

// Console is a remote-access endpoint attached to a compute.
type Console struct {
	ComputeID string
	Name      string
	Type      ConsoleType
	Username  string
	Hostname  string
	Port      int
	PTY       string
	CID       string
	Target    string
}

// Interface is a network interface reported for a compute.
type Interface struct {
	ComputeID   string
	Name        string
	MAC         string
	State       string
	IPv4Address string
}

// Route is a routing table entry reported for a host.
type Route struct {
	ComputeID   string
	Name        string
	Destination string
	Gateway     string
	Flags       string
	Metrics     int
	Interface   string
}

// PingResult is one ping-check sample.
type PingResult struct {
	CheckedAt time.Time
	OK        bool
}

// Store describes the persistence surface consumed by the orchestrator.
type Store interface {
	Close(ctx context.Context) error
	Queries() Queries
	// WithTx runs fn in a read-write transaction, rolling back on error.
	WithTx(ctx context.Context, fn func(Queries) error) error
	// View runs fn in a transaction that is always rolled back.
	View(ctx context.Context, fn func(Queries) error) error
}

// Queries exposes repository accessors bound to a specific connection scope
// (either the root connection or a transaction).
type Queries interface {
	Computes() ComputeRepository
	Containers() ContainerRepository
	Templates() TemplateRepository
	Consoles() ConsoleRepository
	Interfaces() InterfaceRepository
	Routes() RouteRepository
	PingResults() PingResultRepository
	MetricStreams() MetricStreamRepository
}

// ComputeRepository manages hosts and VMs. Getters return nil, nil for
// missing rows.
type ComputeRepository interface {
	Create(ctx context.Context, c *Compute) error
	Get(ctx context.Context, id string) (*Compute, error)
	GetHostByName(ctx context.Context, name string) (*Compute, error)
	ListHosts(ctx context.Context) ([]Compute, error)
	ListByContainer(ctx context.Context, containerID string) ([]Compute, error)
	Update(ctx context.Context, c *Compute) error
	UpdateLifecycle(ctx context.Context, id string, lifecycle Lifecycle, deploying bool) error
	SetContainer(ctx context.Context, id, containerID string) error
	Delete(ctx context.Context, id string) error
}

// ContainerRepository manages virtualization containers.
type ContainerRepository interface {
	Create(ctx context.Context, c *Container) error
	Get(ctx context.Context, id string) (*Container, error)
	ListByCompute(ctx context.Context, computeID string) ([]Container, error)
	FindByBackend(ctx context.Context, computeID, backend string) (*Container, error)
}

// TemplateRepository manages the per-host template catalog.
type TemplateRepository interface {
	List(ctx context.Context, computeID string) ([]Template, error)
	Upsert(ctx context.Context, t Template) error
	Delete(ctx context.Context, computeID, name string) error
}

// ConsoleRepository manages console records.
type ConsoleRepository interface {
	List(ctx context.Context, computeID string) ([]Console, error)
	Get(ctx context.Context, computeID, name string) (*Console, error)
	Upsert(ctx context.Context, c Console) error
}

// InterfaceRepository manages network interface records.
type InterfaceRepository interface {
	List(ctx context.Context, computeID string) ([]Interface, error)
	Get(ctx context.Context, computeID, name string) (*Interface, error)
	Upsert(ctx context.Context, i Interface) error
}

// RouteRepository manages route records.
type RouteRepository interface {
	List(ctx context.Context, computeID string) ([]Route, error)
	Get(ctx context.Context, computeID, name string) (*Route, error)
	Upsert(ctx context.Context, r Route) error
}

// PingResultRepository stores the bounded ping history.
type PingResultRepository interface {
	Append(ctx context.Context, computeID string, r PingResult) error
	// Recent returns up to limit results, newest first.
	Recent(ctx context.Context, computeID string, limit int) ([]PingResult, error)
	// Trim keeps only the newest keep results.
	Trim(ctx context.Context, computeID string, keep int) error
}

// MetricStreamRepository tracks which metric streams exist for a compute.
type MetricStreamRepository interface {
	Ensure(ctx context.Context, computeID string, names []string) error
	List(ctx context.Context, computeID string) ([]string, error)
}

// FollowLink resolves a link console to its target. Non-link consoles are
// returned unchanged; a dangling link resolves to nil.
func FollowLink(ctx context.Context, repo ConsoleRepository, c *Console) (*Console, error) {
	seen := map[string]bool{}
	for c != nil && c.Type == ConsoleLink {
		if seen[c.Name] {
			return nil, fmt.Errorf("db: console link cycle at %s/%s", c.ComputeID, c.Name)
		}
		seen[c.Name] = true
		next, err := repo.Get(ctx, c.ComputeID, c.Target)
		if err != nil {
			return nil, err
		}
		c = next
	}
	return c, nil
}
