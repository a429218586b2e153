package pg_test

import (
	"fmt"
	"time"

	"github.com/neighborly/go-pghelpers"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	"github.com/rs/xid"

	harness "github.com/Anberm/booking-microservices-sample"
	pgcontainer "github.com/Anberm/booking-microservices-sample/provision/postgres"
	"github.com/Anberm/booking-microservices-sample/store/pg"
)

var _ = Describe("MessageStore", func() {
	var subject *pg.MessageStore

	BeforeEach(func() {
		var err error
		subject, err = pg.NewMessageStore(db, pg.WithTableName("messages_spec"))
		Expect(err).To(Succeed())

		_, err = db.ExecContext(ctx, `DELETE FROM messages_spec;`)
		Expect(err).To(Succeed())
	})

	create := func(m pg.Message) *pg.Message {
		tx, err := db.BeginTx(ctx, nil)
		Expect(err).To(Succeed())

		created, err := subject.CreateTx(ctx, tx, m)
		Expect(err).To(Succeed())
		Expect(tx.Commit()).To(Succeed())

		return created
	}

	Describe("#CreateTx", func() {
		It("should persist the message when the transaction commits", func() {
			created := create(pg.Message{PayloadTypeName: "BookFlight", Payload: []byte(`{}`)})
			Expect(created.ID.IsNil()).To(BeFalse())
			Expect(created.DeliveryType).To(Equal(pg.DeliveryInternal))
			Expect(created.Status).To(Equal(pg.StatusStored))

			found, err := subject.Find(ctx, pg.Filter{PayloadTypeName: "BookFlight"})
			Expect(err).To(Succeed())
			Expect(found.ID).To(Equal(created.ID))
			Expect(found.Status).To(Equal(pg.StatusStored))
			Expect(found.ProcessedAt).To(BeNil())
		})

		It("should leave nothing behind when the transaction rolls back", func() {
			tx, err := db.BeginTx(ctx, nil)
			Expect(err).To(Succeed())

			_, err = subject.CreateTx(ctx, tx, pg.Message{PayloadTypeName: "BookFlight"})
			Expect(err).To(Succeed())
			Expect(tx.Rollback()).To(Succeed())

			_, err = subject.Find(ctx, pg.Filter{PayloadTypeName: "BookFlight"})
			Expect(err).To(MatchError(pg.ErrMessageNotFound))
		})
	})

	Describe("#MarkProcessed", func() {
		It("should transition the message and stamp the processing time", func() {
			created := create(pg.Message{PayloadTypeName: "BookFlight"})

			Expect(subject.MarkProcessed(ctx, created.ID)).To(Succeed())

			found, err := subject.Find(ctx, pg.Filter{Status: pg.StatusProcessed})
			Expect(err).To(Succeed())
			Expect(found.ID).To(Equal(created.ID))
			Expect(found.ProcessedAt).ToNot(BeNil())
		})

		It("should report a missing message", func() {
			err := subject.MarkProcessed(ctx, xid.New())
			Expect(err).To(MatchError(pg.ErrMessageNotFound))
		})
	})

	Describe("#MarkFaulted", func() {
		It("should transition the message to faulted", func() {
			created := create(pg.Message{PayloadTypeName: "BookFlight"})

			Expect(subject.MarkFaulted(ctx, created.ID)).To(Succeed())

			found, err := subject.Find(ctx, pg.Filter{PayloadTypeName: "BookFlight"})
			Expect(err).To(Succeed())
			Expect(found.Status).To(Equal(pg.StatusFaulted))
		})
	})

	Describe("#MessageExists", func() {
		It("should answer the processed-message waiter's filter", func() {
			created := create(pg.Message{PayloadTypeName: "BookFlight"})

			filter := harness.MessageFilter{
				DeliveryType:    "Internal",
				PayloadTypeName: "BookFlight",
				Status:          "Processed",
			}

			exists, err := subject.MessageExists(ctx, filter)
			Expect(err).To(Succeed())
			Expect(exists).To(BeFalse(), "stored but unprocessed must not match")

			Expect(subject.MarkProcessed(ctx, created.ID)).To(Succeed())

			exists, err = subject.MessageExists(ctx, filter)
			Expect(err).To(Succeed())
			Expect(exists).To(BeTrue())
		})

		It("should not match a different payload type name", func() {
			created := create(pg.Message{PayloadTypeName: "BookFlight"})
			Expect(subject.MarkProcessed(ctx, created.ID)).To(Succeed())

			exists, err := subject.MessageExists(ctx, harness.MessageFilter{
				DeliveryType:    "Internal",
				PayloadTypeName: "CancelFlight",
				Status:          "Processed",
			})
			Expect(err).To(Succeed())
			Expect(exists).To(BeFalse())
		})
	})

	Describe("waiting for a processed message", func() {
		It("should succeed once the message reaches the processed status", func() {
			created := create(pg.Message{PayloadTypeName: "BookFlight"})

			go func() {
				defer GinkgoRecover()
				time.Sleep(50 * time.Millisecond)
				Expect(subject.MarkProcessed(ctx, created.ID)).To(Succeed())
			}()

			err := harness.WaitForProcessedMessage(ctx, subject, "BookFlight",
				harness.WithPollInterval(10*time.Millisecond),
				harness.WithWaitTimeout(5*time.Second),
			)
			Expect(err).To(Succeed())
		})
	})

	Describe("#ProcessTx", func() {
		It("should commit the work when the function reports success", func() {
			created := create(pg.Message{PayloadTypeName: "BookFlight"})

			err := subject.ProcessTx(ctx, func(s *pg.MessageStore) bool {
				return s.MarkProcessed(ctx, created.ID) == nil
			})
			Expect(err).To(Succeed())

			found, err := subject.Find(ctx, pg.Filter{PayloadTypeName: "BookFlight"})
			Expect(err).To(Succeed())
			Expect(found.Status).To(Equal(pg.StatusProcessed))
		})

		It("should roll the work back when the function reports failure", func() {
			created := create(pg.Message{PayloadTypeName: "BookFlight"})

			err := subject.ProcessTx(ctx, func(s *pg.MessageStore) bool {
				Expect(s.MarkProcessed(ctx, created.ID)).To(Succeed())
				return false
			})
			Expect(err).To(Succeed())

			found, err := subject.Find(ctx, pg.Filter{PayloadTypeName: "BookFlight"})
			Expect(err).To(Succeed())
			Expect(found.Status).To(Equal(pg.StatusStored))
		})
	})
})

var _ = Describe("Resetter", func() {
	createSchema := func() {
		statements := []string{
			`DROP TABLE IF EXISTS bookings, flights, airports CASCADE;`,
			`CREATE TABLE airports (id INT PRIMARY KEY, code TEXT NOT NULL);`,
			`CREATE TABLE flights (
				id INT PRIMARY KEY,
				airport_id INT NOT NULL REFERENCES airports (id)
			);`,
			`CREATE TABLE bookings (
				id INT PRIMARY KEY,
				flight_id INT NOT NULL REFERENCES flights (id)
			);`,
			`CREATE TABLE IF NOT EXISTS schema_migrations (version TEXT PRIMARY KEY);`,
			`INSERT INTO schema_migrations (version) VALUES ('20260801000000')
			 ON CONFLICT DO NOTHING;`,
			`INSERT INTO airports (id, code) VALUES (1, 'LIS');`,
			`INSERT INTO flights (id, airport_id) VALUES (1, 1);`,
			`INSERT INTO bookings (id, flight_id) VALUES (1, 1);`,
		}
		for _, stmt := range statements {
			_, err := db.ExecContext(ctx, stmt)
			Expect(err).To(Succeed(), stmt)
		}
	}

	countRows := func(table string) int {
		var n int
		err := db.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s;`, table)).Scan(&n)
		Expect(err).To(Succeed())
		return n
	}

	BeforeEach(func() {
		createSchema()
	})

	Describe("#Reset", func() {
		It("should clear every resettable table despite foreign keys", func() {
			subject := pg.NewResetter(db)
			Expect(subject.Snapshot(ctx)).To(Succeed())
			Expect(subject.Reset(ctx)).To(Succeed())

			Expect(countRows("airports")).To(BeZero())
			Expect(countRows("flights")).To(BeZero())
			Expect(countRows("bookings")).To(BeZero())
		})

		It("should leave migration bookkeeping untouched", func() {
			subject := pg.NewResetter(db)
			Expect(subject.Reset(ctx)).To(Succeed())

			Expect(countRows("schema_migrations")).ToNot(BeZero())
		})

		It("should honor extra exclusions", func() {
			subject := pg.NewResetter(db, pg.WithExcludedTables("airports"))
			Expect(subject.Reset(ctx)).To(Succeed())

			Expect(countRows("airports")).To(Equal(1))
			Expect(countRows("flights")).To(BeZero())
		})

		It("should be idempotent", func() {
			subject := pg.NewResetter(db)
			Expect(subject.Reset(ctx)).To(Succeed())
			Expect(subject.Reset(ctx)).To(Succeed())

			Expect(countRows("bookings")).To(BeZero())
		})

		It("should release its connection on close", func() {
			conn, err := pghelpers.ConnectPostgres(*pgcontainer.Config(res))
			Expect(err).To(Succeed())

			subject := pg.NewResetter(conn)
			Expect(subject.Reset(ctx)).To(Succeed())

			Expect(subject.Close()).To(Succeed())
			Expect(conn.Ping()).ToNot(Succeed(), "the pool must be closed")
		})

		It("should reuse the snapshot taken on first use", func() {
			subject := pg.NewResetter(db)
			Expect(subject.Snapshot(ctx)).To(Succeed())

			// A table created after the snapshot is not part of the reset set.
			_, err := db.ExecContext(ctx, `CREATE TABLE late_arrivals (id INT PRIMARY KEY);`)
			Expect(err).To(Succeed())
			defer db.ExecContext(ctx, `DROP TABLE late_arrivals;`)

			_, err = db.ExecContext(ctx, `INSERT INTO late_arrivals (id) VALUES (1);`)
			Expect(err).To(Succeed())

			Expect(subject.Reset(ctx)).To(Succeed())
			Expect(countRows("late_arrivals")).To(Equal(1))
		})
	})
})
