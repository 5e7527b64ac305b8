package store

import "fmt"

const (
	TableCollections        = "collections"
	TableProviders          = "providers"
	TableAsyncOperations    = "async_operations"
	TableRules              = "rules"
	TableExecutions         = "executions"
	TableGranules           = "granules"
	TableFiles              = "files"
	TablePdrs               = "pdrs"
	TableGranulesExecutions = "granules_executions"
	TableMirrorDrift        = "mirror_drift"
)

type OnDelete int

const (
	Restrict OnDelete = iota
	SetNull
	Cascade
)

type ForeignKey struct {
	Column   string
	RefTable string
	OnDelete OnDelete
}

// TableSpec describes the constraints a backend must enforce for a table.
type TableSpec struct {
	Name        string
	UniqueKey   []string
	Label       string
	ForeignKeys []ForeignKey
	New         func() Row
	columnTypes map[string]string
}

// tableOrder lists tables so that referenced tables precede referencing ones.
var tableOrder = []string{
	TableCollections, TableProviders, TableAsyncOperations, TableExecutions,
	TablePdrs, TableGranules, TableFiles, TableRules,
}

var tables = map[string]*TableSpec{
	TableCollections: {
		Name:      TableCollections,
		UniqueKey: []string{"name", "version"},
		Label:     "name",
		New:       func() Row { return &CollectionRow{} },
		columnTypes: map[string]string{
			"name": "TEXT NOT NULL", "version": "TEXT NOT NULL", "process": "TEXT NOT NULL DEFAULT ''",
			"url_path": "TEXT NOT NULL DEFAULT ''", "duplicate_handling": "TEXT NOT NULL DEFAULT ''",
			"granule_id_validation_regex": "TEXT NOT NULL DEFAULT ''", "granule_id_extraction_regex": "TEXT NOT NULL DEFAULT ''",
			"sample_file_name": "TEXT NOT NULL DEFAULT ''", "files": "TEXT NOT NULL DEFAULT '[]'", "meta": "TEXT",
		},
	},
	TableProviders: {
		Name:      TableProviders,
		UniqueKey: []string{"name"},
		Label:     "name",
		New:       func() Row { return &ProviderRow{} },
		columnTypes: map[string]string{
			"name": "TEXT NOT NULL", "protocol": "TEXT NOT NULL", "host": "TEXT NOT NULL",
			"port": "BIGINT NOT NULL DEFAULT 0", "username": "TEXT NOT NULL DEFAULT ''", "password": "TEXT NOT NULL DEFAULT ''",
			"global_connection_limit": "BIGINT NOT NULL DEFAULT 0", "cm_key_id": "TEXT NOT NULL DEFAULT ''",
		},
	},
	TableAsyncOperations: {
		Name:      TableAsyncOperations,
		UniqueKey: []string{"id"},
		Label:     "id",
		New:       func() Row { return &AsyncOperationRow{} },
		columnTypes: map[string]string{
			"id": "TEXT NOT NULL", "description": "TEXT NOT NULL", "operation_type": "TEXT NOT NULL",
			"status": "TEXT NOT NULL", "output": "TEXT", "task_arn": "TEXT NOT NULL DEFAULT ''",
		},
	},
	TableExecutions: {
		Name:      TableExecutions,
		UniqueKey: []string{"arn"},
		Label:     "arn",
		New:       func() Row { return &ExecutionRow{} },
		ForeignKeys: []ForeignKey{
			{Column: "collection_cumulus_id", RefTable: TableCollections, OnDelete: Restrict},
			{Column: "async_operation_cumulus_id", RefTable: TableAsyncOperations, OnDelete: SetNull},
			{Column: "parent_cumulus_id", RefTable: TableExecutions, OnDelete: SetNull},
		},
		columnTypes: map[string]string{
			"arn": "TEXT NOT NULL", "url": "TEXT NOT NULL DEFAULT ''", "status": "TEXT NOT NULL",
			"workflow_name": "TEXT NOT NULL DEFAULT ''", "collection_cumulus_id": "BIGINT",
			"async_operation_cumulus_id": "BIGINT", "parent_cumulus_id": "BIGINT",
			"cumulus_version": "TEXT NOT NULL DEFAULT ''", "tasks": "TEXT", "error": "TEXT",
			"original_payload": "TEXT", "final_payload": "TEXT", "duration": "DOUBLE PRECISION NOT NULL DEFAULT 0",
			"timestamp": "TIMESTAMPTZ",
		},
	},
	TablePdrs: {
		Name:      TablePdrs,
		UniqueKey: []string{"name"},
		Label:     "name",
		New:       func() Row { return &PdrRow{} },
		ForeignKeys: []ForeignKey{
			{Column: "collection_cumulus_id", RefTable: TableCollections, OnDelete: Restrict},
			{Column: "provider_cumulus_id", RefTable: TableProviders, OnDelete: Restrict},
			{Column: "execution_cumulus_id", RefTable: TableExecutions, OnDelete: SetNull},
		},
		columnTypes: map[string]string{
			"name": "TEXT NOT NULL", "status": "TEXT NOT NULL", "collection_cumulus_id": "BIGINT NOT NULL",
			"provider_cumulus_id": "BIGINT NOT NULL", "execution_cumulus_id": "BIGINT",
			"progress": "DOUBLE PRECISION NOT NULL DEFAULT 0", "pan_sent": "BOOLEAN NOT NULL DEFAULT FALSE",
			"pan_message": "TEXT NOT NULL DEFAULT ''", "stats_processing": "BIGINT NOT NULL DEFAULT 0",
			"stats_completed": "BIGINT NOT NULL DEFAULT 0", "stats_failed": "BIGINT NOT NULL DEFAULT 0",
			"stats_total": "BIGINT NOT NULL DEFAULT 0", "address": "TEXT NOT NULL DEFAULT ''",
			"original_url": "TEXT NOT NULL DEFAULT ''", "duration": "DOUBLE PRECISION NOT NULL DEFAULT 0",
			"timestamp": "TIMESTAMPTZ",
		},
	},
	TableGranules: {
		Name:      TableGranules,
		UniqueKey: []string{"granule_id", "collection_cumulus_id"},
		Label:     "granule_id",
		New:       func() Row { return &GranuleRow{} },
		ForeignKeys: []ForeignKey{
			{Column: "collection_cumulus_id", RefTable: TableCollections, OnDelete: Restrict},
			{Column: "provider_cumulus_id", RefTable: TableProviders, OnDelete: Restrict},
			{Column: "pdr_cumulus_id", RefTable: TablePdrs, OnDelete: SetNull},
		},
		columnTypes: map[string]string{
			"granule_id": "TEXT NOT NULL", "status": "TEXT NOT NULL", "collection_cumulus_id": "BIGINT NOT NULL",
			"provider_cumulus_id": "BIGINT", "pdr_cumulus_id": "BIGINT", "published": "BOOLEAN NOT NULL DEFAULT FALSE",
			"cmr_link": "TEXT NOT NULL DEFAULT ''", "error": "TEXT", "product_volume": "BIGINT NOT NULL DEFAULT 0",
			"duration": "DOUBLE PRECISION NOT NULL DEFAULT 0", "time_to_process": "DOUBLE PRECISION NOT NULL DEFAULT 0",
			"time_to_archive": "DOUBLE PRECISION NOT NULL DEFAULT 0", "processing_start_date_time": "TIMESTAMPTZ",
			"processing_end_date_time": "TIMESTAMPTZ", "beginning_date_time": "TIMESTAMPTZ",
			"ending_date_time": "TIMESTAMPTZ", "production_date_time": "TIMESTAMPTZ",
			"last_update_date_time": "TIMESTAMPTZ", "timestamp": "TIMESTAMPTZ",
		},
	},
	TableFiles: {
		Name:      TableFiles,
		UniqueKey: []string{"bucket", "key"},
		Label:     "key",
		New:       func() Row { return &FileRow{} },
		ForeignKeys: []ForeignKey{
			{Column: "granule_cumulus_id", RefTable: TableGranules, OnDelete: Cascade},
		},
		columnTypes: map[string]string{
			"granule_cumulus_id": "BIGINT NOT NULL", "bucket": "TEXT NOT NULL", "key": "TEXT NOT NULL",
			"file_name": "TEXT NOT NULL DEFAULT ''", "checksum_type": "TEXT NOT NULL DEFAULT ''",
			"checksum_value": "TEXT NOT NULL DEFAULT ''", "file_size": "BIGINT NOT NULL DEFAULT 0",
			"source": "TEXT NOT NULL DEFAULT ''", "type": "TEXT NOT NULL DEFAULT ''",
		},
	},
	TableRules: {
		Name:      TableRules,
		UniqueKey: []string{"name"},
		Label:     "name",
		New:       func() Row { return &RuleRow{} },
		ForeignKeys: []ForeignKey{
			{Column: "collection_cumulus_id", RefTable: TableCollections, OnDelete: Restrict},
			{Column: "provider_cumulus_id", RefTable: TableProviders, OnDelete: Restrict},
		},
		columnTypes: map[string]string{
			"name": "TEXT NOT NULL", "workflow": "TEXT NOT NULL", "type": "TEXT NOT NULL",
			"enabled": "BOOLEAN NOT NULL DEFAULT FALSE", "collection_cumulus_id": "BIGINT", "provider_cumulus_id": "BIGINT",
		},
	},
}

// Spec returns the table description for name.
func Spec(name string) (*TableSpec, error) {
	spec, ok := tables[name]
	if !ok {
		return nil, fmt.Errorf("unknown table %q", name)
	}
	return spec, nil
}

type reference struct {
	Table string
	FK    ForeignKey
}

// referencing returns every foreign key, across all tables, that points at table.
func referencing(table string) []reference {
	var out []reference
	for _, name := range tableOrder {
		for _, fk := range tables[name].ForeignKeys {
			if fk.RefTable == table {
				out = append(out, reference{Table: name, FK: fk})
			}
		}
	}
	return out
}

func columnIndex(row Row, column string) int {
	for i, col := range row.Columns() {
		if col == column {
			return i
		}
	}
	return -1
}
