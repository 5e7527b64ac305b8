package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/cumulusdata/cumulus/internal/cumulus"
)

const postgresOperationTimeout = 5 * time.Second

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresStore implements RelationalStore on Postgres. Tables are created
// on first use.
type PostgresStore struct {
	dsn    string
	openDB sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, cumulus.ErrInvalidInput
	}
	return &PostgresStore{dsn: dsn, openDB: sql.Open}, nil
}

func (s *PostgresStore) ensureReady(ctx context.Context) error {
	s.initOnce.Do(func() {
		db, err := s.openDB("postgres", s.dsn)
		if err != nil {
			s.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
		defer cancel()
		for _, stmt := range postgresSchema() {
			if _, err := db.ExecContext(ctx, stmt); err != nil {
				_ = db.Close()
				s.initErr = fmt.Errorf("create schema: %w", err)
				return
			}
		}
		s.db = db
	})
	return s.initErr
}

// postgresSchema renders the DDL for every table.
func postgresSchema() []string {
	stmts := make([]string, 0, len(tableOrder)+2)
	for _, name := range tableOrder {
		spec := tables[name]
		defs := []string{"cumulus_id BIGSERIAL PRIMARY KEY"}
		for _, col := range spec.New().Columns() {
			typ, ok := spec.columnTypes[col]
			if !ok {
				typ = "TIMESTAMPTZ NOT NULL DEFAULT NOW()"
			}
			defs = append(defs, postgresQuoteIdentifier(col)+" "+typ)
		}
		quoted := make([]string, 0, len(spec.UniqueKey))
		for _, col := range spec.UniqueKey {
			quoted = append(quoted, postgresQuoteIdentifier(col))
		}
		defs = append(defs, "UNIQUE ("+strings.Join(quoted, ", ")+")")
		for _, fk := range spec.ForeignKeys {
			action := "RESTRICT"
			switch fk.OnDelete {
			case SetNull:
				action = "SET NULL"
			case Cascade:
				action = "CASCADE"
			}
			defs = append(defs, fmt.Sprintf("FOREIGN KEY (%s) REFERENCES %s (cumulus_id) ON DELETE %s",
				postgresQuoteIdentifier(fk.Column), postgresQuoteIdentifier(fk.RefTable), action))
		}
		stmts = append(stmts, fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n\t%s\n)",
			postgresQuoteIdentifier(name), strings.Join(defs, ",\n\t")))
	}
	stmts = append(stmts, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	granule_cumulus_id BIGINT NOT NULL REFERENCES %s (cumulus_id) ON DELETE CASCADE,
	execution_cumulus_id BIGINT NOT NULL REFERENCES %s (cumulus_id) ON DELETE CASCADE,
	PRIMARY KEY (granule_cumulus_id, execution_cumulus_id)
)`, postgresQuoteIdentifier(TableGranulesExecutions), postgresQuoteIdentifier(TableGranules), postgresQuoteIdentifier(TableExecutions)))
	stmts = append(stmts, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id TEXT PRIMARY KEY,
	kind TEXT NOT NULL,
	key TEXT NOT NULL,
	target TEXT NOT NULL,
	operation TEXT NOT NULL,
	error TEXT NOT NULL,
	recorded_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`, postgresQuoteIdentifier(TableMirrorDrift)))
	return stmts
}

func (s *PostgresStore) Begin(ctx context.Context) (Tx, error) {
	if err := s.ensureReady(ctx); err != nil {
		return nil, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &postgresTx{tx: tx}, nil
}

func (s *PostgresStore) RecordDrift(ctx context.Context, drift Drift) error {
	if err := s.ensureReady(ctx); err != nil {
		return err
	}
	if drift.ID == "" {
		drift.ID = uuid.NewString()
	}
	if drift.RecordedAt.IsZero() {
		drift.RecordedAt = time.Now().UTC()
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	query := fmt.Sprintf(`INSERT INTO %s (id, kind, key, target, operation, error, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`, postgresQuoteIdentifier(TableMirrorDrift))
	_, err := s.db.ExecContext(ctx, query, drift.ID, drift.Kind, drift.Key, drift.Target, drift.Operation, drift.Error, drift.RecordedAt)
	return err
}

func (s *PostgresStore) ListDrift(ctx context.Context, limit int) ([]Drift, error) {
	if err := s.ensureReady(ctx); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 1000
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	query := fmt.Sprintf(`SELECT id, kind, key, target, operation, error, recorded_at
		FROM %s ORDER BY recorded_at ASC, id ASC LIMIT $1`, postgresQuoteIdentifier(TableMirrorDrift))
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Drift
	for rows.Next() {
		var d Drift
		if err := rows.Scan(&d.ID, &d.Kind, &d.Key, &d.Target, &d.Operation, &d.Error, &d.RecordedAt); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ResolveDrift(ctx context.Context, id string) error {
	if err := s.ensureReady(ctx); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	res, err := s.db.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE id = $1", postgresQuoteIdentifier(TableMirrorDrift)), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return cumulus.ErrRecordNotFound
	}
	return nil
}

func (s *PostgresStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type postgresTx struct {
	tx *sql.Tx
}

func (t *postgresTx) Commit() error   { return t.tx.Commit() }
func (t *postgresTx) Rollback() error { return t.tx.Rollback() }

func (t *postgresTx) selectRow(ctx context.Context, row Row, where Where, suffix string) error {
	clause, args := whereClause(where, 1)
	query := fmt.Sprintf("SELECT %s FROM %s%s ORDER BY cumulus_id ASC LIMIT 1%s",
		selectColumns(row), postgresQuoteIdentifier(row.TableName()), clause, suffix)
	targets := append([]any{new(int64)}, row.Targets()...)
	err := t.tx.QueryRowContext(ctx, query, args...).Scan(targets...)
	if errors.Is(err, sql.ErrNoRows) {
		return cumulus.ErrRecordNotFound
	}
	if err != nil {
		return err
	}
	row.SetID(*targets[0].(*int64))
	return nil
}

func (t *postgresTx) Get(ctx context.Context, row Row, where Where) error {
	return t.selectRow(ctx, row, where, "")
}

func (t *postgresTx) GetForUpdate(ctx context.Context, row Row, where Where) error {
	return t.selectRow(ctx, row, where, " FOR UPDATE")
}

func (t *postgresTx) GetByID(ctx context.Context, row Row, id int64) error {
	return t.selectRow(ctx, row, Where{"cumulus_id": id}, "")
}

func (t *postgresTx) Lookup(ctx context.Context, table string, where Where) (int64, error) {
	clause, args := whereClause(where, 1)
	query := fmt.Sprintf("SELECT cumulus_id FROM %s%s ORDER BY cumulus_id ASC LIMIT 1", postgresQuoteIdentifier(table), clause)
	var id int64
	err := t.tx.QueryRowContext(ctx, query, args...).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, cumulus.ErrRecordNotFound
	}
	return id, err
}

func (t *postgresTx) List(ctx context.Context, table string, where Where) ([]Row, error) {
	spec, err := Spec(table)
	if err != nil {
		return nil, err
	}
	clause, args := whereClause(where, 1)
	query := fmt.Sprintf("SELECT %s FROM %s%s ORDER BY cumulus_id ASC", selectColumns(spec.New()), postgresQuoteIdentifier(table), clause)
	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Row
	for rows.Next() {
		row := spec.New()
		var id int64
		if err := rows.Scan(append([]any{&id}, row.Targets()...)...); err != nil {
			return nil, err
		}
		row.SetID(id)
		out = append(out, row)
	}
	return out, rows.Err()
}

func (t *postgresTx) Insert(ctx context.Context, row Row) error {
	row.Stamp(time.Now().UTC())
	cols := row.Columns()
	quoted := make([]string, len(cols))
	placeholders := make([]string, len(cols))
	for i, col := range cols {
		quoted[i] = postgresQuoteIdentifier(col)
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) RETURNING cumulus_id",
		postgresQuoteIdentifier(row.TableName()), strings.Join(quoted, ", "), strings.Join(placeholders, ", "))
	var id int64
	if err := t.tx.QueryRowContext(ctx, query, row.Values()...).Scan(&id); err != nil {
		return classifyWriteError(row, err)
	}
	row.SetID(id)
	return nil
}

func (t *postgresTx) Update(ctx context.Context, row Row) error {
	row.Stamp(time.Now().UTC())
	cols := row.Columns()
	sets := make([]string, len(cols))
	for i, col := range cols {
		sets[i] = fmt.Sprintf("%s = $%d", postgresQuoteIdentifier(col), i+1)
	}
	query := fmt.Sprintf("UPDATE %s SET %s WHERE cumulus_id = $%d",
		postgresQuoteIdentifier(row.TableName()), strings.Join(sets, ", "), len(cols)+1)
	args := append(row.Values(), row.ID())
	res, err := t.tx.ExecContext(ctx, query, args...)
	if err != nil {
		return classifyWriteError(row, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return cumulus.ErrRecordNotFound
	}
	return nil
}

func (t *postgresTx) Delete(ctx context.Context, table string, id int64) error {
	spec, err := Spec(table)
	if err != nil {
		return err
	}
	row := spec.New()
	if err := t.GetByID(ctx, row, id); err != nil {
		return err
	}
	dependents, err := findDependents(ctx, t, table, id)
	if err != nil {
		return err
	}
	if len(dependents) > 0 {
		return &cumulus.AssociatedRecordError{Kind: table, Key: rowLabel(spec, row), Dependents: dependents}
	}
	query := fmt.Sprintf("DELETE FROM %s WHERE cumulus_id = $1", postgresQuoteIdentifier(table))
	if _, err := t.tx.ExecContext(ctx, query, id); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code.Name() == "foreign_key_violation" {
			return &cumulus.AssociatedRecordError{Kind: table, Key: rowLabel(spec, row)}
		}
		return err
	}
	return nil
}

func (t *postgresTx) DeleteWhere(ctx context.Context, table string, where Where) (int64, error) {
	rows, err := t.List(ctx, table, where)
	if err != nil {
		return 0, err
	}
	for _, row := range rows {
		if err := t.Delete(ctx, table, row.ID()); err != nil {
			return 0, err
		}
	}
	return int64(len(rows)), nil
}

func (t *postgresTx) LinkGranuleExecution(ctx context.Context, granuleID, executionID int64) error {
	query := fmt.Sprintf(`INSERT INTO %s (granule_cumulus_id, execution_cumulus_id) VALUES ($1, $2)
		ON CONFLICT DO NOTHING`, postgresQuoteIdentifier(TableGranulesExecutions))
	if _, err := t.tx.ExecContext(ctx, query, granuleID, executionID); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code.Name() == "foreign_key_violation" {
			return &cumulus.ReferenceNotFoundError{Kind: TableGranulesExecutions, Identifier: fmt.Sprintf("%d/%d", granuleID, executionID)}
		}
		return err
	}
	return nil
}

func (t *postgresTx) GranuleExecutionIDs(ctx context.Context, granuleID int64) ([]int64, error) {
	query := fmt.Sprintf("SELECT execution_cumulus_id FROM %s WHERE granule_cumulus_id = $1 ORDER BY execution_cumulus_id ASC",
		postgresQuoteIdentifier(TableGranulesExecutions))
	rows, err := t.tx.QueryContext(ctx, query, granuleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// classifyWriteError maps constraint violations onto the typed errors.
func classifyWriteError(row Row, err error) error {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return err
	}
	switch pqErr.Code.Name() {
	case "unique_violation":
		return &cumulus.CollisionError{Kind: row.TableName(), Key: rowLabel(tables[row.TableName()], row)}
	case "foreign_key_violation":
		return &cumulus.ReferenceNotFoundError{Kind: pqErr.Constraint, Identifier: pqErr.Detail}
	}
	return err
}

func selectColumns(row Row) string {
	cols := row.Columns()
	quoted := make([]string, 0, len(cols)+1)
	quoted = append(quoted, "cumulus_id")
	for _, col := range cols {
		quoted = append(quoted, postgresQuoteIdentifier(col))
	}
	return strings.Join(quoted, ", ")
}

func whereClause(where Where, start int) (string, []any) {
	if len(where) == 0 {
		return "", nil
	}
	cols := where.columns()
	conds := make([]string, len(cols))
	args := make([]any, len(cols))
	for i, col := range cols {
		conds[i] = fmt.Sprintf("%s = $%d", postgresQuoteIdentifier(col), start+i)
		args[i] = where[col]
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func postgresQuoteIdentifier(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// IsSerializationConflict reports whether err is a retryable concurrent-write
// conflict raised by Postgres.
func IsSerializationConflict(err error) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	switch pqErr.Code.Name() {
	case "serialization_failure", "deadlock_detected":
		return true
	}
	return false
}
