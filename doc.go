// Package harness coordinates the fixtures integration tests run against:
// disposable backing services, an in-process service host, deterministic
// state resets, one-time data seeding, and polling waiters for
// eventually-consistent effects.
//
// # Key Components
//
// Session: owns the fixture lifecycle. Start runs the strict pipeline
// provision -> launch -> reset -> seed and fails fast on any step; Stop
// tears everything down best-effort so teardown noise never masks a test
// failure.
//
// provision: testcontainers-backed provisioners for Postgres, NATS and
// MongoDB that hand the session running resources with connection
// descriptors.
//
// host: boots the system-under-test's dependency graph in a samber/do
// injector with explicit test overrides, and executes units of work in
// short-lived resolution scopes.
//
// bus: a recording bus simulation with published/consumed/fault ledgers,
// queried by the waiters.
//
// store/pg: the persisted-message store the processed-message waiter polls,
// and the foreign-key-aware state reset coordinator.
//
// # Usage Example
//
//	pgProv := postgres.New()
//
//	session := harness.New(
//		harness.WithProvisioner(pgProv),
//		harness.WithLaunch(func(ctx context.Context, res provision.Resources) (harness.ServiceHost, error) {
//			pgRes, _ := res.Get(postgres.Kind)
//			h, err := host.Launch(ctx, bookingApp, host.Overrides{
//				Postgres: postgres.Config(pgRes),
//				Request:  host.RequestInfo{Scheme: "http", Host: "localhost"},
//			})
//			if err != nil {
//				return nil, err
//			}
//			return h, nil
//		}),
//		harness.WithResetter(pg.ResetterSource()),
//		harness.WithSeederSource(host.Seeders()),
//	)
//
//	if err := session.Start(ctx); err != nil {
//		// a broken fixture fails the whole run
//	}
//	defer session.Stop(ctx)
//
//	// in a test body
//	flight, err := host.Find[Flight](ctx, h, 1)
//	err = harness.WaitForPublished(ctx, recorder, "FlightBooked")
//	err = harness.WaitForProcessedMessage(ctx, messages, "BookFlight")
//
// Between tests that mutate persisted state, call session.Reset to restore
// independence; seeding still happens exactly once per session.
package harness
