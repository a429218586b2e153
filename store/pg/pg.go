// Package pg holds the Postgres-backed pieces of the harness: the
// persisted-message store the outbox waiter polls, and the state reset
// coordinator.
package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-kit/log"
	"github.com/rs/xid"

	harness "github.com/Anberm/booking-microservices-sample"
)

var (
	ErrMessageNotFound = errors.New("message not found")
)

type execQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type Logger log.Logger

// DeliveryType says how a persisted message is routed.
type DeliveryType string

const (
	DeliveryInternal DeliveryType = "Internal"
	DeliveryExternal DeliveryType = "External"
)

// Status is the processing state of a persisted message.
type Status string

const (
	StatusStored    Status = "Stored"
	StatusProcessed Status = "Processed"
	StatusFaulted   Status = "Faulted"
)

// Message is the persisted-message record. PayloadTypeName is the exact
// type name of the payload as recorded by the producer.
type Message struct {
	ID              xid.ID
	DeliveryType    DeliveryType
	PayloadTypeName string
	Payload         []byte
	Status          Status
	CreatedAt       time.Time
	ProcessedAt     *time.Time
}

// Filter selects messages. Zero-valued fields match anything.
type Filter struct {
	DeliveryType    DeliveryType
	PayloadTypeName string
	Status          Status
}

// MessageStore reads and writes persisted messages in Postgres.
type MessageStore struct {
	db        execQuerier
	tableName string
	logger    Logger
}

type storeOption func(s *MessageStore)

func WithTableName(tn string) storeOption {
	return func(s *MessageStore) {
		s.tableName = tn
	}
}

func WithStoreLogger(l Logger) storeOption {
	return func(s *MessageStore) {
		s.logger = l
	}
}

func NewMessageStore(db *sql.DB, opts ...storeOption) (*MessageStore, error) {
	s := &MessageStore{db: db, tableName: "harness_messages"}

	for _, o := range opts {
		o(s)
	}

	if err := s.init(); err != nil {
		return nil, err
	}

	return s, nil
}

func (s *MessageStore) init() error {
	query := fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS %s (
		id TEXT PRIMARY KEY,
		delivery_type TEXT NOT NULL,
		payload_type_name TEXT NOT NULL,
		payload bytea,
		status TEXT NOT NULL DEFAULT 'Stored',
		created_at timestamp DEFAULT NOW(),
		processed_at timestamp
	);
	`, s.tableName)

	if _, err := s.db.ExecContext(context.Background(), query); err != nil {
		return fmt.Errorf("unable to create message table %s: %v", s.tableName, err)
	}

	return nil
}

// CreateTx stores the message within the provided Tx, so the message and
// the state change it describes commit or roll back together.
func (s *MessageStore) CreateTx(ctx context.Context, tx *sql.Tx, m Message) (*Message, error) {
	query := fmt.Sprintf(`
	INSERT INTO %s (id, delivery_type, payload_type_name, payload, status)
	VALUES ($1, $2, $3, $4, $5);
	`, s.tableName)

	m.ID = xid.New()
	if m.DeliveryType == "" {
		m.DeliveryType = DeliveryInternal
	}
	if m.Status == "" {
		m.Status = StatusStored
	}

	if _, err := tx.ExecContext(ctx, query, m.ID.String(), string(m.DeliveryType), m.PayloadTypeName, m.Payload, string(m.Status)); err != nil {
		return nil, err
	}

	return &m, nil
}

// MarkProcessed transitions a message to Processed and stamps the time.
func (s *MessageStore) MarkProcessed(ctx context.Context, id xid.ID) error {
	query := fmt.Sprintf(`
	UPDATE %s SET status = $1, processed_at = NOW() WHERE id = $2;
	`, s.tableName)

	res, err := s.db.ExecContext(ctx, query, string(StatusProcessed), id.String())
	if err != nil {
		return err
	}

	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrMessageNotFound
	}

	return nil
}

// MarkFaulted transitions a message to Faulted.
func (s *MessageStore) MarkFaulted(ctx context.Context, id xid.ID) error {
	query := fmt.Sprintf(`
	UPDATE %s SET status = $1 WHERE id = $2;
	`, s.tableName)

	res, err := s.db.ExecContext(ctx, query, string(StatusFaulted), id.String())
	if err != nil {
		return err
	}

	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrMessageNotFound
	}

	return nil
}

// Find returns the first message matching the filter.
func (s *MessageStore) Find(ctx context.Context, f Filter) (*Message, error) {
	query := fmt.Sprintf(`
	SELECT id, delivery_type, payload_type_name, payload, status, created_at, processed_at
	FROM %s
	WHERE ($1 = '' OR delivery_type = $1)
	  AND ($2 = '' OR payload_type_name = $2)
	  AND ($3 = '' OR status = $3)
	ORDER BY created_at
	LIMIT 1;
	`, s.tableName)

	var (
		res   Message
		rawID string
	)
	err := s.db.QueryRowContext(ctx, query, string(f.DeliveryType), f.PayloadTypeName, string(f.Status)).
		Scan(
			&rawID,
			&res.DeliveryType,
			&res.PayloadTypeName,
			&res.Payload,
			&res.Status,
			&res.CreatedAt,
			&res.ProcessedAt,
		)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrMessageNotFound
	} else if err != nil {
		return nil, err
	}

	id, err := xid.FromString(rawID)
	if err != nil {
		return nil, fmt.Errorf("invalid message id %q: %v", rawID, err)
	}
	res.ID = id

	return &res, nil
}

// MessageExists implements the query surface the processed-message waiter
// polls.
func (s *MessageStore) MessageExists(ctx context.Context, f harness.MessageFilter) (bool, error) {
	_, err := s.Find(ctx, Filter{
		DeliveryType:    DeliveryType(f.DeliveryType),
		PayloadTypeName: f.PayloadTypeName,
		Status:          Status(f.Status),
	})
	if errors.Is(err, ErrMessageNotFound) {
		return false, nil
	} else if err != nil {
		return false, err
	}

	return true, nil
}

var _ harness.MessageFinder = (*MessageStore)(nil)

// ProcessTx performs the function provided inside a transaction, committing
// only when it reports success.
func (s *MessageStore) ProcessTx(ctx context.Context, fn func(s *MessageStore) bool) error {
	db, ok := s.db.(*sql.DB)
	if !ok {
		return errors.New("process transaction can only be called at the parent level")
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("unable to create transaction: %v", err)
	}

	store := &MessageStore{
		db:        tx,
		tableName: s.tableName,
	}

	if success := fn(store); !success {
		return tx.Rollback()
	}

	return tx.Commit()
}
