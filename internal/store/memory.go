package store

import (
	"context"
	"database/sql"
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cumulusdata/cumulus/internal/cumulus"
)

type memoryState struct {
	nextID int64
	rows   map[string]map[int64][]any
	links  map[[2]int64]struct{}
}

func (s *memoryState) clone() *memoryState {
	out := &memoryState{
		nextID: s.nextID,
		rows:   make(map[string]map[int64][]any, len(s.rows)),
		links:  make(map[[2]int64]struct{}, len(s.links)),
	}
	for table, rows := range s.rows {
		copied := make(map[int64][]any, len(rows))
		for id, values := range rows {
			copied[id] = values
		}
		out.rows[table] = copied
	}
	for link := range s.links {
		out.links[link] = struct{}{}
	}
	return out
}

// MemoryStore is a serializable in-process relational store. A transaction
// holds the store lock from Begin until Commit or Rollback.
type MemoryStore struct {
	mu    sync.Mutex
	state *memoryState
	now   func() time.Time

	driftMu sync.Mutex
	drift   []Drift
}

func NewMemoryStore() *MemoryStore {
	state := &memoryState{rows: map[string]map[int64][]any{}, links: map[[2]int64]struct{}{}}
	for _, table := range tableOrder {
		state.rows[table] = map[int64][]any{}
	}
	return &MemoryStore{state: state, now: time.Now}
}

func (s *MemoryStore) Begin(ctx context.Context) (Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	return &memoryTx{store: s, state: s.state.clone()}, nil
}

func (s *MemoryStore) RecordDrift(_ context.Context, drift Drift) error {
	if drift.ID == "" {
		drift.ID = uuid.NewString()
	}
	if drift.RecordedAt.IsZero() {
		drift.RecordedAt = s.now().UTC()
	}
	s.driftMu.Lock()
	defer s.driftMu.Unlock()
	s.drift = append(s.drift, drift)
	return nil
}

func (s *MemoryStore) ListDrift(_ context.Context, limit int) ([]Drift, error) {
	s.driftMu.Lock()
	defer s.driftMu.Unlock()
	if limit <= 0 || limit > len(s.drift) {
		limit = len(s.drift)
	}
	out := make([]Drift, limit)
	copy(out, s.drift[:limit])
	return out, nil
}

func (s *MemoryStore) ResolveDrift(_ context.Context, id string) error {
	s.driftMu.Lock()
	defer s.driftMu.Unlock()
	for i, d := range s.drift {
		if d.ID == id {
			s.drift = append(s.drift[:i], s.drift[i+1:]...)
			return nil
		}
	}
	return cumulus.ErrRecordNotFound
}

func (s *MemoryStore) Close() error {
	return nil
}

type memoryTx struct {
	store *MemoryStore
	state *memoryState
	done  bool
}

func (tx *memoryTx) finish() error {
	if tx.done {
		return sql.ErrTxDone
	}
	tx.done = true
	tx.store.mu.Unlock()
	return nil
}

func (tx *memoryTx) Commit() error {
	if tx.done {
		return sql.ErrTxDone
	}
	tx.store.state = tx.state
	return tx.finish()
}

func (tx *memoryTx) Rollback() error {
	return tx.finish()
}

func (tx *memoryTx) Get(ctx context.Context, row Row, where Where) error {
	rows, err := tx.match(row.TableName(), where)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return cumulus.ErrRecordNotFound
	}
	id := rows[0]
	assign(row, id, tx.state.rows[row.TableName()][id])
	return nil
}

func (tx *memoryTx) GetForUpdate(ctx context.Context, row Row, where Where) error {
	return tx.Get(ctx, row, where)
}

func (tx *memoryTx) GetByID(ctx context.Context, row Row, id int64) error {
	values, ok := tx.state.rows[row.TableName()][id]
	if !ok {
		return cumulus.ErrRecordNotFound
	}
	assign(row, id, values)
	return nil
}

func (tx *memoryTx) Lookup(ctx context.Context, table string, where Where) (int64, error) {
	ids, err := tx.match(table, where)
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, cumulus.ErrRecordNotFound
	}
	return ids[0], nil
}

func (tx *memoryTx) List(ctx context.Context, table string, where Where) ([]Row, error) {
	spec, err := Spec(table)
	if err != nil {
		return nil, err
	}
	ids, err := tx.match(table, where)
	if err != nil {
		return nil, err
	}
	out := make([]Row, 0, len(ids))
	for _, id := range ids {
		row := spec.New()
		assign(row, id, tx.state.rows[table][id])
		out = append(out, row)
	}
	return out, nil
}

func (tx *memoryTx) Insert(ctx context.Context, row Row) error {
	spec, err := Spec(row.TableName())
	if err != nil {
		return err
	}
	row.Stamp(tx.store.now().UTC())
	values := row.Values()
	if err := tx.checkConstraints(spec, row, 0, values); err != nil {
		return err
	}
	tx.state.nextID++
	id := tx.state.nextID
	tx.state.rows[spec.Name][id] = values
	row.SetID(id)
	return nil
}

func (tx *memoryTx) Update(ctx context.Context, row Row) error {
	spec, err := Spec(row.TableName())
	if err != nil {
		return err
	}
	if _, ok := tx.state.rows[spec.Name][row.ID()]; !ok {
		return cumulus.ErrRecordNotFound
	}
	row.Stamp(tx.store.now().UTC())
	values := row.Values()
	if err := tx.checkConstraints(spec, row, row.ID(), values); err != nil {
		return err
	}
	tx.state.rows[spec.Name][row.ID()] = values
	return nil
}

func (tx *memoryTx) Delete(ctx context.Context, table string, id int64) error {
	spec, err := Spec(table)
	if err != nil {
		return err
	}
	values, ok := tx.state.rows[table][id]
	if !ok {
		return cumulus.ErrRecordNotFound
	}
	dependents, err := findDependents(ctx, tx, table, id)
	if err != nil {
		return err
	}
	if len(dependents) > 0 {
		row := spec.New()
		assign(row, id, values)
		return &cumulus.AssociatedRecordError{Kind: table, Key: rowLabel(spec, row), Dependents: dependents}
	}
	for _, ref := range referencing(table) {
		refSpec := tables[ref.Table]
		ids, err := tx.match(ref.Table, Where{ref.FK.Column: id})
		if err != nil {
			return err
		}
		for _, refID := range ids {
			switch ref.FK.OnDelete {
			case Cascade:
				if err := tx.Delete(ctx, ref.Table, refID); err != nil {
					return err
				}
			case SetNull:
				row := refSpec.New()
				assign(row, refID, tx.state.rows[ref.Table][refID])
				updated := row.Values()
				updated[columnIndex(row, ref.FK.Column)] = sql.NullInt64{}
				tx.state.rows[ref.Table][refID] = updated
			}
		}
	}
	for link := range tx.state.links {
		if (table == TableGranules && link[0] == id) || (table == TableExecutions && link[1] == id) {
			delete(tx.state.links, link)
		}
	}
	delete(tx.state.rows[table], id)
	return nil
}

func (tx *memoryTx) DeleteWhere(ctx context.Context, table string, where Where) (int64, error) {
	ids, err := tx.match(table, where)
	if err != nil {
		return 0, err
	}
	for _, id := range ids {
		if err := tx.Delete(ctx, table, id); err != nil {
			return 0, err
		}
	}
	return int64(len(ids)), nil
}

func (tx *memoryTx) LinkGranuleExecution(ctx context.Context, granuleID, executionID int64) error {
	if _, ok := tx.state.rows[TableGranules][granuleID]; !ok {
		return &cumulus.ReferenceNotFoundError{Kind: TableGranules, Identifier: strconv.FormatInt(granuleID, 10)}
	}
	if _, ok := tx.state.rows[TableExecutions][executionID]; !ok {
		return &cumulus.ReferenceNotFoundError{Kind: TableExecutions, Identifier: strconv.FormatInt(executionID, 10)}
	}
	tx.state.links[[2]int64{granuleID, executionID}] = struct{}{}
	return nil
}

func (tx *memoryTx) GranuleExecutionIDs(ctx context.Context, granuleID int64) ([]int64, error) {
	var ids []int64
	for link := range tx.state.links {
		if link[0] == granuleID {
			ids = append(ids, link[1])
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (tx *memoryTx) match(table string, where Where) ([]int64, error) {
	spec, err := Spec(table)
	if err != nil {
		return nil, err
	}
	proto := spec.New()
	indexes := make(map[string]int, len(where))
	for _, col := range where.columns() {
		if col == "cumulus_id" {
			continue
		}
		idx := columnIndex(proto, col)
		if idx < 0 {
			return nil, fmt.Errorf("%w: unknown column %s.%s", cumulus.ErrInvalidInput, table, col)
		}
		indexes[col] = idx
	}
	var ids []int64
	for id, values := range tx.state.rows[table] {
		ok := true
		for col, want := range where {
			var got any = id
			if col != "cumulus_id" {
				got = values[indexes[col]]
			}
			if normalizeValue(got) != normalizeValue(want) {
				ok = false
				break
			}
		}
		if ok {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (tx *memoryTx) checkConstraints(spec *TableSpec, row Row, self int64, values []any) error {
	keyIdx := make([]int, 0, len(spec.UniqueKey))
	for _, col := range spec.UniqueKey {
		keyIdx = append(keyIdx, columnIndex(row, col))
	}
	for id, other := range tx.state.rows[spec.Name] {
		if id == self {
			continue
		}
		same := true
		for _, idx := range keyIdx {
			if normalizeValue(other[idx]) != normalizeValue(values[idx]) {
				same = false
				break
			}
		}
		if same {
			return &cumulus.CollisionError{Kind: spec.Name, Key: rowLabel(spec, row)}
		}
	}
	for _, fk := range spec.ForeignKeys {
		ref := normalizeValue(values[columnIndex(row, fk.Column)])
		if ref == nil {
			continue
		}
		refID, _ := ref.(int64)
		if _, ok := tx.state.rows[fk.RefTable][refID]; !ok {
			return &cumulus.ReferenceNotFoundError{Kind: fk.RefTable, Identifier: strconv.FormatInt(refID, 10)}
		}
	}
	return nil
}

// assign copies stored values into the row's fields.
func assign(row Row, id int64, values []any) {
	row.SetID(id)
	for i, target := range row.Targets() {
		reflect.ValueOf(target).Elem().Set(reflect.ValueOf(values[i]))
	}
}

func normalizeValue(v any) any {
	switch t := v.(type) {
	case int:
		return int64(t)
	case int32:
		return int64(t)
	case sql.NullInt64:
		if !t.Valid {
			return nil
		}
		return t.Int64
	case sql.NullString:
		if !t.Valid {
			return nil
		}
		return t.String
	case sql.NullTime:
		if !t.Valid {
			return nil
		}
		return t.Time.UnixNano()
	case time.Time:
		return t.UnixNano()
	}
	return v
}

func rowLabel(spec *TableSpec, row Row) string {
	idx := columnIndex(row, spec.Label)
	if idx < 0 {
		return strconv.FormatInt(row.ID(), 10)
	}
	return fmt.Sprint(normalizeValue(row.Values()[idx]))
}

// findDependents lists rows that block deletion of table/id.
func findDependents(ctx context.Context, tx Tx, table string, id int64) ([]string, error) {
	var out []string
	for _, ref := range referencing(table) {
		if ref.FK.OnDelete != Restrict {
			continue
		}
		rows, err := tx.List(ctx, ref.Table, Where{ref.FK.Column: id})
		if err != nil {
			return nil, err
		}
		for _, row := range rows {
			out = append(out, ref.Table+":"+rowLabel(tables[ref.Table], row))
		}
	}
	return out, nil
}
