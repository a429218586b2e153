// Package natsserver provisions a disposable NATS broker backed by
// testcontainers.
package natsserver

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/xid"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/Anberm/booking-microservices-sample/provision"
)

const Kind = "nats"

type Provisioner struct {
	image          string
	jetstream      bool
	startupTimeout time.Duration

	mu        sync.Mutex
	container testcontainers.Container
	res       *provision.Resource
}

type option func(p *Provisioner)

func WithImage(image string) option {
	return func(p *Provisioner) {
		p.image = image
	}
}

func WithJetStream() option {
	return func(p *Provisioner) {
		p.jetstream = true
	}
}

func WithStartupTimeout(d time.Duration) option {
	return func(p *Provisioner) {
		p.startupTimeout = d
	}
}

func New(opts ...option) *Provisioner {
	p := &Provisioner{
		image:          "nats:2.10-alpine",
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
		ID:    xid.New(),
		Kind:  Kind,
		State: provision.StateStarting,
	}

	req := testcontainers.ContainerRequest{
		Image:        p.image,
		ExposedPorts: []string{"4222/tcp"},
		WaitingFor:   wait.ForLog("Server is ready").WithStartupTimeout(p.startupTimeout),
	}
	if p.jetstream {
		req.Cmd = []string{"-js"}
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		res.State = provision.StateStopped
		return nil, fmt.Errorf("unable to start nats container: %v", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, fmt.Errorf("unable to resolve nats host: %v", err)
	}

	port, err := container.MappedPort(ctx, "4222/tcp")
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, fmt.Errorf("unable to resolve nats port: %v", err)
	}

	res.Host = host
	res.Port = port.Int()
	res.URL = fmt.Sprintf("nats://%s:%d", host, port.Int())

	// The log wait covers server boot; a connect round trip confirms the
	// mapped port is reachable before the launcher binds to it.
	nc, err := nats.Connect(res.URL)
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, fmt.Errorf("nats server not reachable at %s: %v", res.URL, err)
	}
	nc.Close()

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
		return fmt.Errorf("unable to terminate nats container: %v", err)
	}

	res.State = provision.StateStopped
	p.container = nil
	p.res = nil

	return nil
}
