package host_test

import (
	"context"
	"errors"
	"fmt"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	"github.com/samber/do"

	harness "github.com/Anberm/booking-microservices-sample"
	"github.com/Anberm/booking-microservices-sample/host"
)

type trackedService struct {
	shutdown bool
}

func (s *trackedService) Shutdown() error {
	s.shutdown = true
	return nil
}

type fakeTaskRunner struct {
	started bool
	stopped bool
}

func (r *fakeTaskRunner) StartAll(ctx context.Context) error {
	r.started = true
	return nil
}

func (r *fakeTaskRunner) StopAll(ctx context.Context) error {
	r.stopped = true
	return nil
}

type flight struct {
	ID int
}

type fakeFlightFinder struct {
	flights map[int]flight
}

func (f *fakeFlightFinder) Find(ctx context.Context, id any) (flight, error) {
	key, ok := id.(int)
	if !ok {
		return flight{}, fmt.Errorf("unexpected id type %T", id)
	}

	res, ok := f.flights[key]
	if !ok {
		return flight{}, errors.New("flight not found")
	}
	return res, nil
}

type fakeMediator struct {
	lastRequest any
	response    any
	err         error
}

func (m *fakeMediator) Send(ctx context.Context, request any) (any, error) {
	m.lastRequest = request
	return m.response, m.err
}

var _ = Describe("Host", func() {
	var ctx context.Context

	BeforeEach(func() {
		ctx = context.Background()
	})

	registerNothing := host.App{
		Register: func(inj *do.Injector) error { return nil },
	}

	Describe("Launch", func() {
		It("should refuse an app without a composition root", func() {
			_, err := host.Launch(ctx, host.App{}, host.Overrides{})
			Expect(err).ToNot(Succeed())
		})

		It("should fail fast when the dependency graph does not validate", func() {
			app := host.App{
				Register: func(inj *do.Injector) error { return nil },
				Check: func(inj *do.Injector) error {
					_, err := do.Invoke[*trackedService](inj)
					return err
				},
			}

			_, err := host.Launch(ctx, app, host.Overrides{})
			Expect(err).ToNot(Succeed())
		})

		It("should make the synthetic request context resolvable", func() {
			h, err := host.Launch(ctx, registerNothing, host.Overrides{
				Request: host.RequestInfo{Scheme: "http", Host: "localhost"},
			})
			Expect(err).To(Succeed())
			defer h.Close()

			err = h.RunScoped(ctx, func(scope *do.Injector) error {
				info, err := do.Invoke[host.RequestInfo](scope)
				Expect(err).To(Succeed())
				Expect(info.Scheme).To(Equal("http"))
				Expect(info.Host).To(Equal("localhost"))
				return nil
			})
			Expect(err).To(Succeed())
		})

		It("should suppress background tasks by default", func() {
			runner := &fakeTaskRunner{}
			app := host.App{
				Register: func(inj *do.Injector) error {
					do.Provide(inj, func(i *do.Injector) (host.TaskRunner, error) {
						return runner, nil
					})
					return nil
				},
			}

			h, err := host.Launch(ctx, app, host.Overrides{})
			Expect(err).To(Succeed())
			defer h.Close()

			Expect(runner.started).To(BeFalse())

			err = h.RunScoped(ctx, func(scope *do.Injector) error {
				resolved, err := do.Invoke[host.TaskRunner](scope)
				Expect(err).To(Succeed())
				Expect(resolved).To(Equal(host.NoopTaskRunner()))
				return nil
			})
			Expect(err).To(Succeed())
		})

		It("should start background tasks when asked to", func() {
			runner := &fakeTaskRunner{}
			app := host.App{
				Register: func(inj *do.Injector) error {
					do.Provide(inj, func(i *do.Injector) (host.TaskRunner, error) {
						return runner, nil
					})
					return nil
				},
			}

			h, err := host.Launch(ctx, app, host.Overrides{RunBackgroundTasks: true})
			Expect(err).To(Succeed())
			defer h.Close()

			Expect(runner.started).To(BeTrue())
		})

		It("should apply service overrides", func() {
			mediator := &fakeMediator{}

			h, err := host.Launch(ctx, registerNothing, host.Overrides{
				Services: []func(inj *do.Injector){
					func(inj *do.Injector) {
						do.OverrideValue[host.Mediator](inj, mediator)
					},
				},
			})
			Expect(err).To(Succeed())
			defer h.Close()

			Expect(host.Execute(ctx, h, "hello")).To(Succeed())
			Expect(mediator.lastRequest).To(Equal("hello"))
		})
	})

	Describe("#RunScoped", func() {
		var (
			h       *host.Host
			created []*trackedService
		)

		BeforeEach(func() {
			created = nil
			app := host.App{
				Register: func(inj *do.Injector) error {
					do.Provide(inj, func(i *do.Injector) (*trackedService, error) {
						s := &trackedService{}
						created = append(created, s)
						return s, nil
					})
					return nil
				},
			}

			var err error
			h, err = host.Launch(ctx, app, host.Overrides{})
			Expect(err).To(Succeed())
		})

		AfterEach(func() {
			h.Close()
		})

		It("should tear the scope down on success", func() {
			err := h.RunScoped(ctx, func(scope *do.Injector) error {
				_, err := do.Invoke[*trackedService](scope)
				return err
			})
			Expect(err).To(Succeed())

			Expect(created).To(HaveLen(1))
			Expect(created[0].shutdown).To(BeTrue())
		})

		It("should tear the scope down on error", func() {
			boom := errors.New("boom")
			err := h.RunScoped(ctx, func(scope *do.Injector) error {
				_, _ = do.Invoke[*trackedService](scope)
				return boom
			})
			Expect(err).To(MatchError(boom))

			Expect(created).To(HaveLen(1))
			Expect(created[0].shutdown).To(BeTrue())
		})

		It("should tear the scope down on panic", func() {
			Expect(func() {
				_ = h.RunScoped(ctx, func(scope *do.Injector) error {
					_, _ = do.Invoke[*trackedService](scope)
					panic("test panic")
				})
			}).To(Panic())

			Expect(created).To(HaveLen(1))
			Expect(created[0].shutdown).To(BeTrue())
		})

		It("should refuse a cancelled context", func() {
			cancelled, cancel := context.WithCancel(ctx)
			cancel()

			err := h.RunScoped(cancelled, func(scope *do.Injector) error { return nil })
			Expect(err).To(MatchError(context.Canceled))
		})

		It("should refuse scopes after Close", func() {
			Expect(h.Close()).To(Succeed())

			err := h.RunScoped(ctx, func(scope *do.Injector) error { return nil })
			Expect(err).ToNot(Succeed())
		})
	})

	Describe("Send and Find", func() {
		It("should dispatch through the app's mediator and assert the response type", func() {
			mediator := &fakeMediator{response: flight{ID: 7}}
			app := host.App{
				Register: func(inj *do.Injector) error {
					do.ProvideValue[host.Mediator](inj, mediator)
					return nil
				},
			}

			h, err := host.Launch(ctx, app, host.Overrides{})
			Expect(err).To(Succeed())
			defer h.Close()

			res, err := host.Send[flight](ctx, h, "BookFlight")
			Expect(err).To(Succeed())
			Expect(res.ID).To(Equal(7))
			Expect(mediator.lastRequest).To(Equal("BookFlight"))

			_, err = host.Send[string](ctx, h, "BookFlight")
			Expect(err).ToNot(Succeed(), "response type mismatch must error")
		})

		It("should look records up through the registered finder", func() {
			app := host.App{
				Register: func(inj *do.Injector) error {
					do.ProvideValue[host.Finder[flight]](inj, host.Finder[flight](&fakeFlightFinder{
						flights: map[int]flight{1: {ID: 1}},
					}))
					return nil
				},
			}

			h, err := host.Launch(ctx, app, host.Overrides{})
			Expect(err).To(Succeed())
			defer h.Close()

			res, err := host.Find[flight](ctx, h, 1)
			Expect(err).To(Succeed())
			Expect(res.ID).To(Equal(1))

			_, err = host.Find[flight](ctx, h, 99)
			Expect(err).ToNot(Succeed())
		})
	})

	Describe("Seeders", func() {
		It("should resolve seeders registered in the dependency graph", func() {
			seeded := false
			app := host.App{
				Register: func(inj *do.Injector) error {
					do.ProvideValue(inj, []harness.Seeder{
						harness.SeederFunc("flights", func(ctx context.Context) error {
							seeded = true
							return nil
						}),
					})
					return nil
				},
			}

			h, err := host.Launch(ctx, app, host.Overrides{})
			Expect(err).To(Succeed())
			defer h.Close()

			seeders, err := host.Seeders()(ctx, h)
			Expect(err).To(Succeed())
			Expect(seeders).To(HaveLen(1))

			Expect(seeders[0].Seed(ctx)).To(Succeed())
			Expect(seeded).To(BeTrue())
		})

		It("should propagate a failing seeder provider", func() {
			app := host.App{
				Register: func(inj *do.Injector) error {
					do.Provide(inj, func(i *do.Injector) ([]harness.Seeder, error) {
						return nil, errors.New("db unavailable")
					})
					return nil
				},
			}

			h, err := host.Launch(ctx, app, host.Overrides{})
			Expect(err).To(Succeed())
			defer h.Close()

			_, err = host.Seeders()(ctx, h)
			Expect(err).To(MatchError(ContainSubstring("db unavailable")),
				"a broken seeder dependency must not pass for an unseeded app")
		})

		It("should contribute nothing for an app without seeders", func() {
			h, err := host.Launch(ctx, registerNothing, host.Overrides{})
			Expect(err).To(Succeed())
			defer h.Close()

			seeders, err := host.Seeders()(ctx, h)
			Expect(err).To(Succeed())
			Expect(seeders).To(BeEmpty())
		})
	})
})
