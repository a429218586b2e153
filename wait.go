package harness

import (
	"context"
	"time"
)

const (
	// DefaultPollInterval is deliberately short so tests observe effects
	// soon after they happen.
	DefaultPollInterval = 100 * time.Millisecond

	// DefaultWaitTimeout is deliberately generous to tolerate slow CI
	// environments while still failing on genuine defects.
	DefaultWaitTimeout = 60 * time.Second
)

// Condition is a predicate over eventually-consistent state. It is
// re-evaluated on every poll; an error aborts the wait immediately.
type Condition func(ctx context.Context) (bool, error)

type waitConfig struct {
	interval time.Duration
	timeout  time.Duration
}

type waitOption func(c *waitConfig)

func WithPollInterval(d time.Duration) waitOption {
	return func(c *waitConfig) {
		c.interval = d
	}
}

func WithWaitTimeout(d time.Duration) waitOption {
	return func(c *waitConfig) {
		c.timeout = d
	}
}

// WaitUntil evaluates cond immediately, then on a fixed interval, until it
// becomes true or the timeout elapses. On timeout it returns a
// ConditionTimeoutError carrying the elapsed duration. It never reports
// success before the predicate is actually true.
func WaitUntil(ctx context.Context, cond Condition, opts ...waitOption) error {
	cfg := waitConfig{
		interval: DefaultPollInterval,
		timeout:  DefaultWaitTimeout,
	}
	for _, o := range opts {
		o(&cfg)
	}

	start := time.Now()
	deadline := start.Add(cfg.timeout)

	for {
		ok, err := cond(ctx)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}

		if !time.Now().Add(cfg.interval).Before(deadline) {
			return &ConditionTimeoutError{
				Elapsed: time.Since(start),
				Timeout: cfg.timeout,
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(cfg.interval):
		}
	}
}

// BusRecords is the query surface of the message bus test adapter consumed
// by the specialized waiters.
type BusRecords interface {
	PublishedAny(messageType string) bool
	ConsumedAny(messageType string) bool
	PublishedFaultAny(messageType string) bool
	ConsumedFaultAny(messageType string) bool
}

// WaitForPublished succeeds once a message of the given type was recorded
// as published and no fault record exists for it. A published-but-faulted
// message is not a successful publish.
func WaitForPublished(ctx context.Context, records BusRecords, messageType string, opts ...waitOption) error {
	return WaitUntil(ctx, func(ctx context.Context) (bool, error) {
		return records.PublishedAny(messageType) && !records.PublishedFaultAny(messageType), nil
	}, opts...)
}

// WaitForConsumed is WaitForPublished over consumed messages.
func WaitForConsumed(ctx context.Context, records BusRecords, messageType string, opts ...waitOption) error {
	return WaitUntil(ctx, func(ctx context.Context) (bool, error) {
		return records.ConsumedAny(messageType) && !records.ConsumedFaultAny(messageType), nil
	}, opts...)
}

// MessageFilter selects persisted messages in the outbox-style store.
// PayloadTypeName matches by exact string: renaming the payload type on the
// producing side breaks the match, so callers pass the name explicitly.
type MessageFilter struct {
	DeliveryType    string
	PayloadTypeName string
	Status          string
}

// MessageFinder is the persisted-message query surface consumed by
// WaitForProcessedMessage.
type MessageFinder interface {
	MessageExists(ctx context.Context, f MessageFilter) (bool, error)
}

// WaitForProcessedMessage polls the persisted-message store for a single
// internally-routed record of the given payload type that reached the
// Processed status, confirming the command was durably recorded and fully
// handled.
func WaitForProcessedMessage(ctx context.Context, finder MessageFinder, payloadTypeName string, opts ...waitOption) error {
	filter := MessageFilter{
		DeliveryType:    "Internal",
		PayloadTypeName: payloadTypeName,
		Status:          "Processed",
	}

	return WaitUntil(ctx, func(ctx context.Context) (bool, error) {
		return finder.MessageExists(ctx, filter)
	}, opts...)
}
