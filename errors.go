package harness

import (
	"fmt"
	"time"
)

// ProvisionError reports that an ephemeral resource could not be started
// within its startup bound. It aborts the session.
type ProvisionError struct {
	Kind string
	Err  error
}

func (e *ProvisionError) Error() string {
	return fmt.Sprintf("provisioning %s: %v", e.Kind, e.Err)
}

func (e *ProvisionError) Unwrap() error { return e.Err }

// ConfigurationError reports that the service host's dependency graph could
// not be constructed or validated at launch. It aborts the session.
type ConfigurationError struct {
	Err error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("launching service host: %v", e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// ResetError reports that persisted state could not be reset. Callers must
// treat it as fatal for the affected test rather than continue against
// stale state.
type ResetError struct {
	Err error
}

func (e *ResetError) Error() string {
	return fmt.Sprintf("resetting state: %v", e.Err)
}

func (e *ResetError) Unwrap() error { return e.Err }

// SeedError reports that a seeding routine failed. It aborts the session,
// since tests cannot be trusted against partially-seeded state.
type SeedError struct {
	Seeder string
	Err    error
}

func (e *SeedError) Error() string {
	return fmt.Sprintf("seeding %s: %v", e.Seeder, e.Err)
}

func (e *SeedError) Unwrap() error { return e.Err }

// ConditionTimeoutError reports that a waited-on predicate never became
// true within the timeout. It fails the test that waited, not the session.
type ConditionTimeoutError struct {
	Elapsed time.Duration
	Timeout time.Duration
}

func (e *ConditionTimeoutError) Error() string {
	return fmt.Sprintf("condition not met after %s (timeout %s)", e.Elapsed, e.Timeout)
}
