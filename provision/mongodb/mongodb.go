// Package mongodb provisions a disposable MongoDB instance backed by
// testcontainers.
package mongodb

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/xid"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/Anberm/booking-microservices-sample/provision"
)

const Kind = "mongodb"

type Provisioner struct {
	image          string
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

func WithStartupTimeout(d time.Duration) option {
	return func(p *Provisioner) {
		p.startupTimeout = d
	}
}

func New(opts ...option) *Provisioner {
	p := &Provisioner{
		image:          "mongo:7",
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
		ExposedPorts: []string{"27017/tcp"},
		WaitingFor:   wait.ForLog("Waiting for connections").WithStartupTimeout(p.startupTimeout),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		res.State = provision.StateStopped
		return nil, fmt.Errorf("unable to start mongodb container: %v", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, fmt.Errorf("unable to resolve mongodb host: %v", err)
	}

	port, err := container.MappedPort(ctx, "27017/tcp")
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, fmt.Errorf("unable to resolve mongodb port: %v", err)
	}

	res.Host = host
	res.Port = port.Int()
	res.URL = fmt.Sprintf("mongodb://%s:%d", host, port.Int())

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(res.URL))
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, fmt.Errorf("unable to connect to mongodb at %s: %v", res.URL, err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(ctx)
		_ = container.Terminate(ctx)
		return nil, fmt.Errorf("mongodb not reachable at %s: %v", res.URL, err)
	}
	_ = client.Disconnect(ctx)

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
		return fmt.Errorf("unable to terminate mongodb container: %v", err)
	}

	res.State = provision.StateStopped
	p.container = nil
	p.res = nil

	return nil
}
