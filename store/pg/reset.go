package pg

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/go-kit/log"
	"github.com/neighborly/go-pghelpers"

	harness "github.com/Anberm/booking-microservices-sample"
	"github.com/Anberm/booking-microservices-sample/provision"
	"github.com/Anberm/booking-microservices-sample/provision/postgres"
)

// Bookkeeping tables excluded from every reset by default.
var defaultExcludedTables = []string{
	"schema_migrations",
	"goose_db_version",
}

// Resetter deletes all rows from the resettable tables of one schema while
// leaving migration bookkeeping untouched. The table set is snapshotted
// once and deleted in foreign-key dependency order, children first. Tables
// in a foreign-key cycle cannot be ordered; they are deleted last, inside
// the same transaction, which holds up unless the cycle's constraints are
// non-deferrable.
type Resetter struct {
	db       execQuerier
	schema   string
	excluded map[string]struct{}
	logger   Logger

	tables []string
}

type resetOption func(r *Resetter)

func WithSchema(schema string) resetOption {
	return func(r *Resetter) {
		r.schema = schema
	}
}

// WithExcludedTables excludes additional tables from the reset set, on top
// of the default bookkeeping tables.
func WithExcludedTables(names ...string) resetOption {
	return func(r *Resetter) {
		for _, n := range names {
			r.excluded[n] = struct{}{}
		}
	}
}

func WithResetLogger(l Logger) resetOption {
	return func(r *Resetter) {
		r.logger = l
	}
}

func NewResetter(db *sql.DB, opts ...resetOption) *Resetter {
	r := &Resetter{
		db:       db,
		schema:   "public",
		excluded: make(map[string]struct{}),
	}

	for _, t := range defaultExcludedTables {
		r.excluded[t] = struct{}{}
	}

	for _, o := range opts {
		o(r)
	}

	return r
}

var _ harness.Resetter = (*Resetter)(nil)

// Close releases the underlying connection pool when the resetter owns a
// root database handle. The session calls it at teardown.
func (r *Resetter) Close() error {
	if db, ok := r.db.(*sql.DB); ok {
		return db.Close()
	}
	return nil
}

// Snapshot captures the resettable tables and their delete order. It runs
// once; later calls are no-ops so the set stays stable for the session.
func (r *Resetter) Snapshot(ctx context.Context) error {
	if r.tables != nil {
		return nil
	}

	tables, err := r.listTables(ctx)
	if err != nil {
		return fmt.Errorf("unable to list tables: %v", err)
	}

	edges, err := r.listForeignKeys(ctx)
	if err != nil {
		return fmt.Errorf("unable to list foreign keys: %v", err)
	}

	r.tables = orderForDelete(tables, edges)

	if r.logger != nil {
		log.With(r.logger, "component", "resetter").
			Log("msg", "snapshot taken", "tables", len(r.tables))
	}

	return nil
}

// Reset deletes all rows from the snapshotted tables in one transaction.
func (r *Resetter) Reset(ctx context.Context) error {
	if err := r.Snapshot(ctx); err != nil {
		return err
	}

	db, ok := r.db.(*sql.DB)
	if !ok {
		return fmt.Errorf("reset requires a root database handle")
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("unable to open reset transaction: %v", err)
	}

	for _, table := range r.tables {
		query := fmt.Sprintf(`DELETE FROM %q.%q;`, r.schema, table)
		if _, err := tx.ExecContext(ctx, query); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("unable to clear table %s: %v", table, err)
		}
	}

	return tx.Commit()
}

func (r *Resetter) listTables(ctx context.Context) ([]string, error) {
	query := `
	SELECT table_name
	FROM information_schema.tables
	WHERE table_schema = $1 AND table_type = 'BASE TABLE'
	ORDER BY table_name;
	`

	rows, err := r.db.QueryContext(ctx, query, r.schema)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}

		if _, skip := r.excluded[name]; skip {
			continue
		}
		res = append(res, name)
	}

	return res, rows.Err()
}

// listForeignKeys returns [child, parent] pairs for every foreign key in
// the schema.
func (r *Resetter) listForeignKeys(ctx context.Context) ([][2]string, error) {
	query := `
	SELECT tc.table_name, ccu.table_name
	FROM information_schema.table_constraints tc
	JOIN information_schema.constraint_column_usage ccu
	  ON tc.constraint_name = ccu.constraint_name
	 AND tc.table_schema = ccu.table_schema
	WHERE tc.constraint_type = 'FOREIGN KEY' AND tc.table_schema = $1;
	`

	rows, err := r.db.QueryContext(ctx, query, r.schema)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res [][2]string
	for rows.Next() {
		var child, parent string
		if err := rows.Scan(&child, &parent); err != nil {
			return nil, err
		}
		res = append(res, [2]string{child, parent})
	}

	return res, rows.Err()
}

// orderForDelete orders tables so every child (referencing) table comes
// before the tables it references. Edges are [child, parent]; edges
// touching tables outside the set are ignored. Tables left over by a cycle
// are appended at the end in input order.
func orderForDelete(tables []string, edges [][2]string) []string {
	inSet := make(map[string]bool, len(tables))
	for _, t := range tables {
		inSet[t] = true
	}

	// A parent is blocked until every table referencing it is cleared.
	blockedBy := make(map[string]int, len(tables))
	parentsOf := make(map[string][]string)
	for _, e := range edges {
		child, parent := e[0], e[1]
		if !inSet[child] || !inSet[parent] || child == parent {
			continue
		}
		blockedBy[parent]++
		parentsOf[child] = append(parentsOf[child], parent)
	}

	var queue []string
	for _, t := range tables {
		if blockedBy[t] == 0 {
			queue = append(queue, t)
		}
	}

	ordered := make([]string, 0, len(tables))
	done := make(map[string]bool, len(tables))
	for len(queue) > 0 {
		t := queue[0]
		queue = queue[1:]
		ordered = append(ordered, t)
		done[t] = true

		for _, parent := range parentsOf[t] {
			blockedBy[parent]--
			if blockedBy[parent] == 0 {
				queue = append(queue, parent)
			}
		}
	}

	for _, t := range tables {
		if !done[t] {
			ordered = append(ordered, t)
		}
	}

	return ordered
}

// ResetterSource builds the session's resetter from the postgres resource
// descriptor, opening its own connection so resets do not depend on the
// app's pool. The connection is released through Close at session teardown.
func ResetterSource(opts ...resetOption) harness.ResetterFunc {
	return func(ctx context.Context, resources provision.Resources) (harness.Resetter, error) {
		res, ok := resources.Get(postgres.Kind)
		if !ok {
			return nil, fmt.Errorf("no %s resource in session", postgres.Kind)
		}

		db, err := pghelpers.ConnectPostgres(*postgres.Config(res))
		if err != nil {
			return nil, fmt.Errorf("unable to connect for reset: %v", err)
		}

		return NewResetter(db, opts...), nil
	}
}
