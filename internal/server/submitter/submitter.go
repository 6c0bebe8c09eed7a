// Package submitter is the only channel between fleetd and host agents. A
// Submitter performs one remote operation against a virtualization
// container and returns its structured result or a RemoteError.
package submitter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Operation names a remote procedure exposed by host agents.
type Operation string

const (
	GetVirtualizationContainers Operation = "GetVirtualizationContainers"
	StartVM                     Operation = "StartVM"
	ShutdownVM                  Operation = "ShutdownVM"
	DestroyVM                   Operation = "DestroyVM"
	SuspendVM                   Operation = "SuspendVM"
	ResumeVM                    Operation = "ResumeVM"
	RebootVM                    Operation = "RebootVM"
	ListVMS                     Operation = "ListVMS"
	DeployVM                    Operation = "DeployVM"
	UndeployVM                  Operation = "UndeployVM"
	GetLocalTemplates           Operation = "GetLocalTemplates"
	GetDiskUsage                Operation = "GetDiskUsage"
	GetHWUptime                 Operation = "GetHWUptime"
	GetRoutes                   Operation = "GetRoutes"
	UpdateVM                    Operation = "UpdateVM"
	MigrateVM                   Operation = "MigrateVM"
	GetComputeInfo              Operation = "GetComputeInfo"
	GetGuestMetrics             Operation = "GetGuestMetrics"
	GetHostMetrics              Operation = "GetHostMetrics"
)

// Operations lists every known operation.
var Operations = []Operation{
	GetVirtualizationContainers, StartVM, ShutdownVM, DestroyVM, SuspendVM, ResumeVM, RebootVM,
	ListVMS, DeployVM, UndeployVM, GetLocalTemplates, GetDiskUsage, GetHWUptime, GetRoutes,
	UpdateVM, MigrateVM, GetComputeInfo, GetGuestMetrics, GetHostMetrics,
}

// Valid reports whether op is a known operation.
func (op Operation) Valid() bool {
	for _, known := range Operations {
		if op == known {
			return true
		}
	}
	return false
}

// Target addresses the agent of one host and, optionally, one of its
// virtualization backends.
type Target struct {
	Host    string
	Backend string
}

func (t Target) String() string {
	if t.Backend == "" {
		return t.Host
	}
	return t.Host + "/" + t.Backend
}

// Submitter performs remote operations.
type Submitter interface {
	Submit(ctx context.Context, target Target, op Operation, args ...any) (Result, error)
}

// Result is the raw JSON payload returned by an operation.
type Result json.RawMessage

// Decode unmarshals the result into v.
func (r Result) Decode(v any) error {
	if len(r) == 0 {
		return errors.New("submitter: empty result")
	}
	if err := json.Unmarshal(r, v); err != nil {
		return fmt.Errorf("submitter: decode result: %w", err)
	}
	return nil
}

// Encode builds a Result from v.
func Encode(v any) (Result, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return Result(data), nil
}

// RemoteError is returned when the agent or the transport to it fails.
// Traceback, when present, is the remote-side stack trace.
type RemoteError struct {
	Message   string
	Traceback string
}

func (e *RemoteError) Error() string {
	if e.Message == "" {
		return "remote error"
	}
	return e.Message
}

// IsRemote reports whether err carries a RemoteError.
func IsRemote(err error) bool {
	var remote *RemoteError
	return errors.As(err, &remote)
}
