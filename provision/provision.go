// Package provision manages disposable backing services (database, broker)
// for the duration of one test session. Each provisioner owns exactly one
// resource kind and is idempotent: calling Start twice returns the same
// running resource.
package provision

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/xid"
)

// State is the lifecycle state of an ephemeral resource.
type State int

const (
	StateNotStarted State = iota
	StateStarting
	StateRunning
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "not_started"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Resource is a network-addressable backing service started for one test
// session. The connection descriptor (host, port, credentials) is only
// meaningful once State is StateRunning.
type Resource struct {
	ID    xid.ID
	Kind  string
	State State

	Host     string
	Port     int
	Username string
	Password string
	Database string

	// URL is the ready-to-use connection string or broker URL.
	URL string

	StartedAt time.Time
}

// Addr returns host:port for resources that expose a single endpoint.
func (r *Resource) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// Provisioner starts and stops one kind of ephemeral resource.
type Provisioner interface {
	// Kind identifies the resource kind, e.g. "postgres" or "nats".
	Kind() string

	// Start boots the resource and blocks until it is running, within the
	// provisioner's startup timeout. Start is idempotent per provisioner.
	Start(ctx context.Context) (*Resource, error)

	// Stop tears the resource down. Errors are reported to the caller,
	// which is expected to log rather than fail on them.
	Stop(ctx context.Context, res *Resource) error
}

// Resources is the set of resources started for one session, keyed by kind.
type Resources []*Resource

// Get returns the resource of the provided kind, if started.
func (rs Resources) Get(kind string) (*Resource, bool) {
	for _, r := range rs {
		if r.Kind == kind {
			return r, true
		}
	}
	return nil, false
}
