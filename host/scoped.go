package host

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/samber/do"
)

// Mediator dispatches a request object to its handler and returns the
// response, if any. The app registers its own implementation.
type Mediator interface {
	Send(ctx context.Context, request any) (any, error)
}

// Finder looks a single record up by identifier. Apps register one per
// entity type they want tests to read back.
type Finder[T any] interface {
	Find(ctx context.Context, id any) (T, error)
}

// RunScoped executes fn inside a fresh resolution scope and returns its
// result. The scope is torn down on every exit path.
func RunScoped[T any](ctx context.Context, h *Host, fn func(scope *do.Injector) (T, error)) (T, error) {
	var out T
	err := h.RunScoped(ctx, func(scope *do.Injector) error {
		var innerErr error
		out, innerErr = fn(scope)
		return innerErr
	})
	return out, err
}

// Send resolves the app's mediator in a fresh scope and dispatches the
// request, asserting the response type.
func Send[TRes any](ctx context.Context, h *Host, request any) (TRes, error) {
	return RunScoped(ctx, h, func(scope *do.Injector) (TRes, error) {
		var zero TRes

		m, err := do.Invoke[Mediator](scope)
		if err != nil {
			return zero, fmt.Errorf("unable to resolve mediator: %v", err)
		}

		res, err := m.Send(ctx, request)
		if err != nil {
			return zero, err
		}
		if res == nil {
			return zero, nil
		}

		out, ok := res.(TRes)
		if !ok {
			return zero, fmt.Errorf("mediator returned %T, expected %T", res, zero)
		}

		return out, nil
	})
}

// Execute is Send for requests without a response.
func Execute(ctx context.Context, h *Host, request any) error {
	return h.RunScoped(ctx, func(scope *do.Injector) error {
		m, err := do.Invoke[Mediator](scope)
		if err != nil {
			return fmt.Errorf("unable to resolve mediator: %v", err)
		}

		_, err = m.Send(ctx, request)
		return err
	})
}

// Find resolves the app's Finder[T] in a fresh scope and looks the record
// up by identifier.
func Find[T any](ctx context.Context, h *Host, id any) (T, error) {
	return RunScoped(ctx, h, func(scope *do.Injector) (T, error) {
		var zero T

		finder, err := do.Invoke[Finder[T]](scope)
		if err != nil {
			return zero, fmt.Errorf("unable to resolve finder: %v", err)
		}

		return finder.Find(ctx, id)
	})
}

// Inserter writes one entity within the surrounding transaction.
type Inserter func(ctx context.Context, tx *sql.Tx) error

// InsertScoped runs the inserters in order inside one scope and one
// transaction, so related records can rely on foreign-key ordering. Any
// failure rolls the whole transaction back.
func InsertScoped(ctx context.Context, h *Host, inserters ...Inserter) error {
	return h.RunScoped(ctx, func(scope *do.Injector) error {
		db, err := do.Invoke[*sql.DB](scope)
		if err != nil {
			return fmt.Errorf("unable to resolve database: %v", err)
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("unable to create transaction: %v", err)
		}

		for _, insert := range inserters {
			if err := insert(ctx, tx); err != nil {
				_ = tx.Rollback()
				return err
			}
		}

		return tx.Commit()
	})
}
