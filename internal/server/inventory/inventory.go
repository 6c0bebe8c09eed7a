// Package inventory provides the external systems that decide which hosts
// belong to the fleet.
package inventory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/ccheshirecat/fleet/internal/server/db"
)

// Source is an external host inventory.
type Source interface {
	Name() string
	// AcceptedHosts returns the hostnames the inventory accepts into the fleet.
	AcceptedHosts(ctx context.Context) ([]string, error)
	// ImportHosts creates model records for hosts not yet known.
	ImportHosts(ctx context.Context, hosts []string) error
}

// Registrar creates or refreshes the host record for a hostname.
type Registrar interface {
	RegisterHost(ctx context.Context, hostname string) (*db.Compute, error)
}

func importHosts(ctx context.Context, reg Registrar, source string, hosts []string) error {
	if reg == nil {
		return fmt.Errorf("inventory %s: registrar is required", source)
	}
	var errs []error
	for _, host := range hosts {
		if _, err := reg.RegisterHost(ctx, host); err != nil {
			errs = append(errs, fmt.Errorf("inventory %s: import %s: %w", source, host, err))
		}
	}
	return errors.Join(errs...)
}

// normalize trims, drops empties and duplicates, and sorts hostnames.
func normalize(hosts []string) []string {
	seen := make(map[string]bool, len(hosts))
	out := make([]string, 0, len(hosts))
	for _, h := range hosts {
		h = strings.TrimSpace(h)
		if h == "" || seen[h] {
			continue
		}
		seen[h] = true
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}
