// Package postgres provisions a disposable PostgreSQL instance backed by
// testcontainers.
package postgres

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/neighborly/go-pghelpers"
	"github.com/rs/xid"
	"github.com/testcontainers/testcontainers-go"
	pgmod "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/Anberm/booking-microservices-sample/provision"
)

const Kind = "postgres"

type Provisioner struct {
	image          string
	database       string
	username       string
	password       string
	startupTimeout time.Duration

	mu        sync.Mutex
	container *pgmod.PostgresContainer
	res       *provision.Resource
}

type option func(p *Provisioner)

func WithImage(image string) option {
	return func(p *Provisioner) {
		p.image = image
	}
}

func WithDatabase(name string) option {
	return func(p *Provisioner) {
		p.database = name
	}
}

func WithCredentials(username, password string) option {
	return func(p *Provisioner) {
		p.username = username
		p.password = password
	}
}

func WithStartupTimeout(d time.Duration) option {
	return func(p *Provisioner) {
		p.startupTimeout = d
	}
}

func New(opts ...option) *Provisioner {
	p := &Provisioner{
		image:          "postgres:15-alpine",
		database:       "harness_test",
		username:       "postgres",
		password:       "pgpassword",
		startupTimeout: 60 * time.Second,
	}

	for _, o := range opts {
		o(p)
	}

	return p
}

var _ provision.Provisioner = (*Provisioner)(nil)

func (p *Provisioner) Kind() string { return Kind }

func (p *Provisioner) Start(ctx context.Context) (*provision.Resource, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.res != nil && p.res.State == provision.StateRunning {
		return p.res, nil
	}

	res := &provision.Resource{
		ID:       xid.New(),
		Kind:     Kind,
		State:    provision.StateStarting,
		Username: p.username,
		Password: p.password,
		Database: p.database,
	}

	container, err := pgmod.RunContainer(ctx,
		testcontainers.WithImage(p.image),
		pgmod.WithDatabase(p.database),
		pgmod.WithUsername(p.username),
		pgmod.WithPassword(p.password),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(p.startupTimeout),
		),
	)
	if err != nil {
		res.State = provision.StateStopped
		return nil, fmt.Errorf("unable to start postgres container: %v", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, fmt.Errorf("unable to resolve postgres host: %v", err)
	}

	port, err := container.MappedPort(ctx, "5432/tcp")
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, fmt.Errorf("unable to resolve postgres port: %v", err)
	}

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, fmt.Errorf("unable to build postgres connection string: %v", err)
	}

	res.Host = host
	res.Port = port.Int()
	res.URL = connStr
	res.State = provision.StateRunning
	res.StartedAt = time.Now()

	p.container = container
	p.res = res

	return res, nil
}

func (p *Provisioner) Stop(ctx context.Context, res *provision.Resource) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.container == nil {
		return nil
	}

	res.State = provision.StateStopping
	if err := p.container.Terminate(ctx); err != nil {
		return fmt.Errorf("unable to terminate postgres container: %v", err)
	}

	res.State = provision.StateStopped
	p.container = nil
	p.res = nil

	return nil
}

// Config builds the connection descriptor consumed by the launcher and the
// reset coordinator.
func Config(res *provision.Resource) *pghelpers.PostgresConfig {
	return &pghelpers.PostgresConfig{
		Host:       res.Host,
		Port:       res.Port,
		Username:   res.Username,
		Password:   res.Password,
		Database:   res.Database,
		SSLEnabled: false,
	}
}
