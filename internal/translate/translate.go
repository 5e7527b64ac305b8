// Package translate maps between the document and relational shapes of
// every entity, resolving natural-key references to surrogate ids.
package translate

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cumulusdata/cumulus/internal/cumulus"
	"github.com/cumulusdata/cumulus/internal/store"
)

// Lookup resolves natural keys to cumulus ids. Every store.Tx satisfies it.
type Lookup interface {
	Lookup(ctx context.Context, table string, where store.Where) (int64, error)
}

// Reader loads referenced rows when rebuilding a document.
type Reader interface {
	Lookup
	GetByID(ctx context.Context, row store.Row, id int64) error
	List(ctx context.Context, table string, where store.Where) ([]store.Row, error)
	GranuleExecutionIDs(ctx context.Context, granuleID int64) ([]int64, error)
}

// required resolves a reference that must exist.
func required(ctx context.Context, l Lookup, table, kind, identifier string, where store.Where) (int64, error) {
	id, err := l.Lookup(ctx, table, where)
	if errors.Is(err, cumulus.ErrRecordNotFound) {
		return 0, &cumulus.ReferenceNotFoundError{Kind: kind, Identifier: identifier}
	}
	return id, err
}

// optional resolves a reference that is dropped when missing.
func optional(ctx context.Context, l Lookup, table string, where store.Where) (sql.NullInt64, error) {
	id, err := l.Lookup(ctx, table, where)
	if errors.Is(err, cumulus.ErrRecordNotFound) {
		return sql.NullInt64{}, nil
	}
	if err != nil {
		return sql.NullInt64{}, err
	}
	return sql.NullInt64{Int64: id, Valid: true}, nil
}

// CollectionCumulusID resolves a name___version collection id.
func CollectionCumulusID(ctx context.Context, l Lookup, collectionID string) (int64, error) {
	name, version, err := cumulus.DeconstructCollectionID(collectionID)
	if err != nil {
		return 0, &cumulus.ReferenceNotFoundError{Kind: "collection", Identifier: collectionID}
	}
	return required(ctx, l, store.TableCollections, "collection", collectionID, store.Where{"name": name, "version": version})
}

func collectionIDFor(ctx context.Context, r Reader, id int64) (string, error) {
	var row store.CollectionRow
	if err := r.GetByID(ctx, &row, id); err != nil {
		return "", fmt.Errorf("load collection %d: %w", id, err)
	}
	return cumulus.ConstructCollectionID(row.Name, row.Version), nil
}

func providerNameFor(ctx context.Context, r Reader, id int64) (string, error) {
	var row store.ProviderRow
	if err := r.GetByID(ctx, &row, id); err != nil {
		return "", fmt.Errorf("load provider %d: %w", id, err)
	}
	return row.Name, nil
}

func executionURLFor(ctx context.Context, r Reader, id int64) (string, error) {
	var row store.ExecutionRow
	if err := r.GetByID(ctx, &row, id); err != nil {
		return "", fmt.Errorf("load execution %d: %w", id, err)
	}
	if row.URL != "" {
		return row.URL, nil
	}
	return cumulus.ExecutionURL(row.Arn), nil
}

func toTime(ms int64) time.Time {
	return cumulus.FromMillis(ms)
}

func nullTimeFromMillis(ms int64) sql.NullTime {
	if ms == 0 {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: cumulus.FromMillis(ms), Valid: true}
}

func millisFromNullTime(t sql.NullTime) int64 {
	if !t.Valid {
		return 0
	}
	return cumulus.Millis(t.Time)
}

func nullTimeFromISO(field, value string) (sql.NullTime, error) {
	if value == "" {
		return sql.NullTime{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return sql.NullTime{}, fmt.Errorf("%w: %s is not an RFC 3339 timestamp: %q", cumulus.ErrInvalidInput, field, value)
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}, nil
}

func isoFromNullTime(t sql.NullTime) string {
	if !t.Valid {
		return ""
	}
	return t.Time.UTC().Format(time.RFC3339Nano)
}

func jsonColumn(v map[string]any) (sql.NullString, error) {
	if len(v) == 0 {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func mapFromColumn(s sql.NullString) (map[string]any, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(s.String), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func CollectionToRelational(c cumulus.Collection) (*store.CollectionRow, error) {
	files, err := json.Marshal(c.Files)
	if err != nil {
		return nil, err
	}
	if c.Files == nil {
		files = []byte("[]")
	}
	meta, err := jsonColumn(c.Meta)
	if err != nil {
		return nil, err
	}
	row := &store.CollectionRow{
		Name:                     c.Name,
		Version:                  c.Version,
		Process:                  c.Process,
		URLPath:                  c.URLPath,
		DuplicateHandling:        c.DuplicateHandling,
		GranuleIDValidationRegex: c.GranuleIDValidationRegex,
		GranuleIDExtractionRegex: c.GranuleIDExtraction,
		SampleFileName:           c.SampleFileName,
		Files:                    string(files),
		Meta:                     meta,
	}
	row.CreatedAt = toTime(c.CreatedAt)
	row.UpdatedAt = toTime(c.UpdatedAt)
	return row, nil
}

func CollectionToDocument(row *store.CollectionRow) (cumulus.Collection, error) {
	var files []cumulus.CollectionFile
	if row.Files != "" {
		if err := json.Unmarshal([]byte(row.Files), &files); err != nil {
			return cumulus.Collection{}, fmt.Errorf("decode collection files: %w", err)
		}
	}
	if len(files) == 0 {
		files = nil
	}
	meta, err := mapFromColumn(row.Meta)
	if err != nil {
		return cumulus.Collection{}, err
	}
	return cumulus.Collection{
		Name:                     row.Name,
		Version:                  row.Version,
		Process:                  row.Process,
		URLPath:                  row.URLPath,
		DuplicateHandling:        row.DuplicateHandling,
		GranuleIDValidationRegex: row.GranuleIDValidationRegex,
		GranuleIDExtraction:      row.GranuleIDExtractionRegex,
		SampleFileName:           row.SampleFileName,
		Files:                    files,
		Meta:                     meta,
		CreatedAt:                cumulus.Millis(row.CreatedAt),
		UpdatedAt:                cumulus.Millis(row.UpdatedAt),
	}, nil
}

func ProviderToRelational(p cumulus.Provider) *store.ProviderRow {
	row := &store.ProviderRow{
		Name:                  p.ID,
		Protocol:              p.Protocol,
		Host:                  p.Host,
		Port:                  int64(p.Port),
		Username:              p.Username,
		Password:              p.Password,
		GlobalConnectionLimit: int64(p.GlobalConnectionLimit),
		CmKeyID:               p.CmKeyID,
	}
	row.CreatedAt = toTime(p.CreatedAt)
	row.UpdatedAt = toTime(p.UpdatedAt)
	return row
}

func ProviderToDocument(row *store.ProviderRow) cumulus.Provider {
	return cumulus.Provider{
		ID:                    row.Name,
		Protocol:              row.Protocol,
		Host:                  row.Host,
		Port:                  int(row.Port),
		Username:              row.Username,
		Password:              row.Password,
		GlobalConnectionLimit: int(row.GlobalConnectionLimit),
		CmKeyID:               row.CmKeyID,
		CreatedAt:             cumulus.Millis(row.CreatedAt),
		UpdatedAt:             cumulus.Millis(row.UpdatedAt),
	}
}

func AsyncOperationToRelational(op cumulus.AsyncOperation) *store.AsyncOperationRow {
	row := &store.AsyncOperationRow{
		OperationID:   op.ID,
		Description:   op.Description,
		OperationType: op.OperationType,
		Status:        op.Status,
		TaskArn:       op.TaskArn,
	}
	if op.Output != "" {
		row.Output = sql.NullString{String: op.Output, Valid: true}
	}
	row.CreatedAt = toTime(op.CreatedAt)
	row.UpdatedAt = toTime(op.UpdatedAt)
	return row
}

func AsyncOperationToDocument(row *store.AsyncOperationRow) cumulus.AsyncOperation {
	return cumulus.AsyncOperation{
		ID:            row.OperationID,
		Description:   row.Description,
		OperationType: row.OperationType,
		Status:        row.Status,
		Output:        row.Output.String,
		TaskArn:       row.TaskArn,
		CreatedAt:     cumulus.Millis(row.CreatedAt),
		UpdatedAt:     cumulus.Millis(row.UpdatedAt),
	}
}

// RuleToRelational requires both references when they are supplied.
func RuleToRelational(ctx context.Context, l Lookup, r cumulus.Rule) (*store.RuleRow, error) {
	row := &store.RuleRow{
		Name:     r.Name,
		Workflow: r.Workflow,
		Type:     r.Type,
		Enabled:  r.State == "ENABLED",
	}
	if r.CollectionID != "" {
		id, err := CollectionCumulusID(ctx, l, r.CollectionID)
		if err != nil {
			return nil, err
		}
		row.CollectionCumulusID = sql.NullInt64{Int64: id, Valid: true}
	}
	if r.Provider != "" {
		id, err := required(ctx, l, store.TableProviders, "provider", r.Provider, store.Where{"name": r.Provider})
		if err != nil {
			return nil, err
		}
		row.ProviderCumulusID = sql.NullInt64{Int64: id, Valid: true}
	}
	row.CreatedAt = toTime(r.CreatedAt)
	row.UpdatedAt = toTime(r.UpdatedAt)
	return row, nil
}

func RuleToDocument(ctx context.Context, r Reader, row *store.RuleRow) (cumulus.Rule, error) {
	state := "DISABLED"
	if row.Enabled {
		state = "ENABLED"
	}
	out := cumulus.Rule{
		Name:      row.Name,
		Workflow:  row.Workflow,
		Type:      row.Type,
		State:     state,
		CreatedAt: cumulus.Millis(row.CreatedAt),
		UpdatedAt: cumulus.Millis(row.UpdatedAt),
	}
	var err error
	if row.CollectionCumulusID.Valid {
		if out.CollectionID, err = collectionIDFor(ctx, r, row.CollectionCumulusID.Int64); err != nil {
			return cumulus.Rule{}, err
		}
	}
	if row.ProviderCumulusID.Valid {
		if out.Provider, err = providerNameFor(ctx, r, row.ProviderCumulusID.Int64); err != nil {
			return cumulus.Rule{}, err
		}
	}
	return out, nil
}
