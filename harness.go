package harness

//go:generate go run go.uber.org/mock/mockgen --source=harness.go --destination=mock_harness_test.go -package=harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/go-kit/log"

	"github.com/Anberm/booking-microservices-sample/provision"
)

type Logger interface {
	log.Logger
}

// ServiceHost is a handle to the system-under-test running in-process.
type ServiceHost interface {
	Close() error
}

// Resetter clears persisted state between tests while preserving
// schema-migration bookkeeping records.
type Resetter interface {
	// Snapshot captures the set of resettable tables. Called once per
	// session, after the first connection is available.
	Snapshot(ctx context.Context) error

	// Reset deletes all rows from the snapshotted tables.
	Reset(ctx context.Context) error
}

// Seeder populates the backing store once per session, after reset and
// before any test runs.
type Seeder interface {
	Name() string
	Seed(ctx context.Context) error
}

// SeederFunc adapts a function to the Seeder interface.
func SeederFunc(name string, fn func(ctx context.Context) error) Seeder {
	return seederFunc{name: name, fn: fn}
}

type seederFunc struct {
	name string
	fn   func(ctx context.Context) error
}

func (s seederFunc) Name() string                   { return s.name }
func (s seederFunc) Seed(ctx context.Context) error { return s.fn(ctx) }

// LaunchFunc boots the service host against the running resources.
type LaunchFunc func(ctx context.Context, res provision.Resources) (ServiceHost, error)

// ResetterFunc builds the session's resetter from the running resources.
type ResetterFunc func(ctx context.Context, res provision.Resources) (Resetter, error)

// SeederSource resolves seeders from the launched host, typically out of
// its dependency graph.
type SeederSource func(ctx context.Context, h ServiceHost) ([]Seeder, error)

// Session owns the fixture lifecycle for one group of tests. Start runs the
// strict pipeline provision -> launch -> reset -> seed; Stop tears down
// best-effort. A session's mutable state is never shared across sessions.
type Session struct {
	provisioners  []provision.Provisioner
	launch        LaunchFunc
	newResetter   ResetterFunc
	seeders       []Seeder
	seederSources []SeederSource

	logger Logger

	resources provision.Resources
	host      ServiceHost
	resetter  Resetter
	started   bool
	seeded    bool
}

type option func(s *Session)

func WithProvisioner(p provision.Provisioner) option {
	return func(s *Session) {
		s.provisioners = append(s.provisioners, p)
	}
}

func WithLaunch(fn LaunchFunc) option {
	return func(s *Session) {
		s.launch = fn
	}
}

func WithResetter(fn ResetterFunc) option {
	return func(s *Session) {
		s.newResetter = fn
	}
}

func WithSeeder(seeder Seeder) option {
	return func(s *Session) {
		s.seeders = append(s.seeders, seeder)
	}
}

func WithSeederSource(src SeederSource) option {
	return func(s *Session) {
		s.seederSources = append(s.seederSources, src)
	}
}

func WithLogger(logger Logger) option {
	return func(s *Session) {
		s.logger = logger
	}
}

func New(opts ...option) *Session {
	s := &Session{
		logger: log.NewJSONLogger(log.NewSyncWriter(os.Stderr)),
	}

	for _, o := range opts {
		o(s)
	}

	s.logger = log.With(s.logger, "component", "harness")

	return s
}

// Start provisions resources, launches the host, resets persisted state and
// runs all seeders, in that order. Any failure aborts the session: a broken
// fixture makes every subsequent test result meaningless.
func (s *Session) Start(ctx context.Context) error {
	if s.started {
		return errors.New("session already started")
	}

	for _, p := range s.provisioners {
		res, err := p.Start(ctx)
		if err != nil {
			return &ProvisionError{Kind: p.Kind(), Err: err}
		}
		if res.State != provision.StateRunning {
			return &ProvisionError{
				Kind: p.Kind(),
				Err:  fmt.Errorf("resource in state %s after start", res.State),
			}
		}

		s.logger.Log("msg", "resource running", "kind", res.Kind, "addr", res.Addr())
		s.resources = append(s.resources, res)
	}

	if s.launch != nil {
		host, err := s.launch(ctx, s.resources)
		if err != nil {
			return &ConfigurationError{Err: err}
		}
		s.host = host
	}

	if s.newResetter != nil {
		resetter, err := s.newResetter(ctx, s.resources)
		if err != nil {
			return &ResetError{Err: err}
		}
		s.resetter = resetter

		if err := resetter.Snapshot(ctx); err != nil {
			return &ResetError{Err: err}
		}
		if err := resetter.Reset(ctx); err != nil {
			return &ResetError{Err: err}
		}
	}

	if err := s.seed(ctx); err != nil {
		return err
	}

	s.started = true
	return nil
}

func (s *Session) seed(ctx context.Context) error {
	if s.seeded {
		return nil
	}

	seeders := s.seeders
	for _, src := range s.seederSources {
		resolved, err := src(ctx, s.host)
		if err != nil {
			return &SeedError{Seeder: "source", Err: err}
		}
		seeders = append(seeders, resolved...)
	}

	for _, seeder := range seeders {
		if err := seeder.Seed(ctx); err != nil {
			return &SeedError{Seeder: seeder.Name(), Err: err}
		}
		s.logger.Log("msg", "seeded", "seeder", seeder.Name())
	}

	s.seeded = true
	return nil
}

// Reset clears persisted state between tests. Seeders do not run again;
// seeding happens exactly once per session.
func (s *Session) Reset(ctx context.Context) error {
	if s.resetter == nil {
		return &ResetError{Err: errors.New("no resetter configured")}
	}

	if err := s.resetter.Reset(ctx); err != nil {
		return &ResetError{Err: err}
	}

	return nil
}

// Host returns the launched service host, or nil before Start.
func (s *Session) Host() ServiceHost { return s.host }

// Resources returns the resources started for this session.
func (s *Session) Resources() provision.Resources { return s.resources }

// Stop tears the session down in reverse order. Teardown is best-effort:
// failures are logged, never returned, so they cannot mask the test failure
// that preceded them. A stopped session can be started again and runs the
// full pipeline, seeding included.
func (s *Session) Stop(ctx context.Context) {
	if s.host != nil {
		if err := s.host.Close(); err != nil {
			s.logger.Log("err", fmt.Errorf("unable to close service host: %v", err))
		}
		s.host = nil
	}

	if s.resetter != nil {
		if closer, ok := s.resetter.(io.Closer); ok {
			if err := closer.Close(); err != nil {
				s.logger.Log("err", fmt.Errorf("unable to close resetter: %v", err))
			}
		}
		s.resetter = nil
	}

	for i := len(s.resources) - 1; i >= 0; i-- {
		res := s.resources[i]
		p := s.provisionerFor(res.Kind)
		if p == nil {
			continue
		}

		if err := p.Stop(ctx, res); err != nil {
			s.logger.Log("err", fmt.Errorf("unable to stop resource: %v", err), "kind", res.Kind)
		}
	}

	s.resources = nil
	s.started = false
	s.seeded = false
}

func (s *Session) provisionerFor(kind string) provision.Provisioner {
	for _, p := range s.provisioners {
		if p.Kind() == kind {
			return p
		}
	}
	return nil
}
