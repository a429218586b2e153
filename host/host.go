// Package host boots the system-under-test in-process for one test session.
// The dependency graph lives in a samber/do injector; test-specific
// configuration (ephemeral connection descriptors, a synthetic request
// context, background-task suppression) is applied as explicit overrides so
// its effect is visible at the call site.
package host

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync/atomic"

	"github.com/go-kit/log"
	_ "github.com/lib/pq"
	"github.com/neighborly/go-pghelpers"
	"github.com/samber/do"

	harness "github.com/Anberm/booking-microservices-sample"
)

type Logger interface {
	log.Logger
}

// RequestInfo is the synthetic ambient request context. Code paths that
// read request host/scheme behave deterministically outside a real request
// by resolving this value instead of an HTTP request.
type RequestInfo struct {
	Scheme string
	Host   string
}

// TaskRunner abstracts the app's background hosted tasks. When background
// tasks are suppressed the registration is overridden with a no-op runner,
// keeping tests deterministic.
type TaskRunner interface {
	StartAll(ctx context.Context) error
	StopAll(ctx context.Context) error
}

type noopTaskRunner struct{}

func (noopTaskRunner) StartAll(ctx context.Context) error { return nil }
func (noopTaskRunner) StopAll(ctx context.Context) error  { return nil }

// NoopTaskRunner returns the runner used when background tasks are
// suppressed.
func NoopTaskRunner() TaskRunner { return noopTaskRunner{} }

// App is the system-under-test's composition root.
type App struct {
	// Register installs the app's services into the injector.
	Register func(inj *do.Injector) error

	// Check eagerly resolves the services the app cannot run without.
	// Launch fails fast on its error instead of deferring the failure to
	// first use.
	Check func(inj *do.Injector) error
}

// Overrides carries the test-specific configuration applied on top of the
// app's own registrations.
type Overrides struct {
	// Postgres points the app's *sql.DB at the ephemeral database.
	Postgres *pghelpers.PostgresConfig

	// Request replaces the ambient request context accessor.
	Request RequestInfo

	// RunBackgroundTasks starts the app's hosted tasks. The zero value
	// suppresses them, which is what deterministic tests want.
	RunBackgroundTasks bool

	// Services applies arbitrary additional overrides, e.g. replacing a
	// broker client with the bus recorder.
	Services []func(inj *do.Injector)
}

// Host is the handle to the running in-process service and its resolution
// root. One per session; scopes created from it never outlive it.
type Host struct {
	root   *do.Injector
	logger Logger
	db     *sql.DB
	closed atomic.Bool
}

type option func(h *Host)

func WithLogger(logger Logger) option {
	return func(h *Host) {
		h.logger = logger
	}
}

// Launch builds the app's dependency graph, applies the overrides and
// validates the graph. It returns only after validation; a graph that
// cannot resolve its required services fails here, not on first use.
func Launch(ctx context.Context, app App, ov Overrides, opts ...option) (*Host, error) {
	if app.Register == nil {
		return nil, errors.New("app has no composition root")
	}

	h := &Host{
		root:   do.New(),
		logger: log.NewJSONLogger(log.NewSyncWriter(os.Stderr)),
	}
	for _, o := range opts {
		o(h)
	}
	h.logger = log.With(h.logger, "component", "host")

	if err := app.Register(h.root); err != nil {
		return nil, fmt.Errorf("unable to register services: %v", err)
	}

	do.OverrideValue(h.root, ov.Request)

	if ov.Postgres != nil {
		// One shared pool for the whole host. Scopes are clones, so a
		// provider function would dial a fresh pool per scope and leak it:
		// *sql.DB has no Shutdown method for the scope teardown to call.
		db, err := pghelpers.ConnectPostgres(*ov.Postgres)
		if err != nil {
			h.discard()
			return nil, fmt.Errorf("unable to connect to postgres: %v", err)
		}
		h.db = db
		do.OverrideValue(h.root, db)
	}

	if !ov.RunBackgroundTasks {
		do.Override(h.root, func(i *do.Injector) (TaskRunner, error) {
			return NoopTaskRunner(), nil
		})
	}

	for _, svc := range ov.Services {
		svc(h.root)
	}

	if app.Check != nil {
		if err := app.Check(h.root); err != nil {
			h.discard()
			return nil, fmt.Errorf("dependency graph validation failed: %v", err)
		}
	}

	if ov.RunBackgroundTasks {
		runner, err := do.Invoke[TaskRunner](h.root)
		if err == nil {
			if err := runner.StartAll(ctx); err != nil {
				h.discard()
				return nil, fmt.Errorf("unable to start background tasks: %v", err)
			}
		}
	}

	return h, nil
}

var _ harness.ServiceHost = (*Host)(nil)

// Injector exposes the resolution root, mainly for test-side overrides.
func (h *Host) Injector() *do.Injector { return h.root }

// RunScoped executes fn inside a fresh resolution scope. The scope is torn
// down on every exit path, including panics.
func (h *Host) RunScoped(ctx context.Context, fn func(scope *do.Injector) error) error {
	if h.closed.Load() {
		return errors.New("host is closed")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	scope := h.root.Clone()
	defer func() {
		if err := scope.Shutdown(); err != nil {
			h.logger.Log("err", fmt.Errorf("unable to shut down scope: %v", err))
		}
	}()

	return fn(scope)
}

func (h *Host) discard() {
	_ = h.root.Shutdown()
	if h.db != nil {
		_ = h.db.Close()
	}
}

// Close tears down the host's dependency graph and the shared database
// pool. Scopes created after Close are refused.
func (h *Host) Close() error {
	if h.closed.Swap(true) {
		return nil
	}

	err := h.root.Shutdown()
	if h.db != nil {
		if dbErr := h.db.Close(); dbErr != nil && err == nil {
			err = dbErr
		}
	}

	return err
}

// Seeders adapts the host into a harness.SeederSource resolving the app's
// registered seeders out of the dependency graph. An app with no []Seeder
// registration contributes none; a registered provider that fails to
// resolve is a real failure and propagates, so a broken seeder dependency
// cannot pass for an unseeded app.
func Seeders() harness.SeederSource {
	return func(ctx context.Context, sh harness.ServiceHost) ([]harness.Seeder, error) {
		h, ok := sh.(*Host)
		if !ok {
			return nil, fmt.Errorf("service host is %T, not *host.Host", sh)
		}

		seeders, err := do.Invoke[[]harness.Seeder](h.root)
		if err != nil {
			if strings.Contains(err.Error(), "could not find service") {
				return nil, nil
			}
			return nil, err
		}

		return seeders, nil
	}
}
