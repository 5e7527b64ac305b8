package store

import (
	"database/sql"
	"time"
)

// Row is a relational row of one table. Columns, Values and Targets are
// aligned and exclude cumulus_id.
type Row interface {
	TableName() string
	ID() int64
	SetID(id int64)
	Columns() []string
	Values() []any
	Targets() []any
	Stamp(now time.Time)
}

type timestamps struct {
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (t *timestamps) Stamp(now time.Time) {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = now
	}
}

type CollectionRow struct {
	CumulusID                int64
	Name                     string
	Version                  string
	Process                  string
	URLPath                  string
	DuplicateHandling        string
	GranuleIDValidationRegex string
	GranuleIDExtractionRegex string
	SampleFileName           string
	Files                    string
	Meta                     sql.NullString
	timestamps
}

func (r *CollectionRow) TableName() string { return TableCollections }
func (r *CollectionRow) ID() int64         { return r.CumulusID }
func (r *CollectionRow) SetID(id int64)    { r.CumulusID = id }

func (r *CollectionRow) Columns() []string {
	return []string{"name", "version", "process", "url_path", "duplicate_handling",
		"granule_id_validation_regex", "granule_id_extraction_regex", "sample_file_name",
		"files", "meta", "created_at", "updated_at"}
}

func (r *CollectionRow) Values() []any {
	return []any{r.Name, r.Version, r.Process, r.URLPath, r.DuplicateHandling,
		r.GranuleIDValidationRegex, r.GranuleIDExtractionRegex, r.SampleFileName,
		r.Files, r.Meta, r.CreatedAt, r.UpdatedAt}
}

func (r *CollectionRow) Targets() []any {
	return []any{&r.Name, &r.Version, &r.Process, &r.URLPath, &r.DuplicateHandling,
		&r.GranuleIDValidationRegex, &r.GranuleIDExtractionRegex, &r.SampleFileName,
		&r.Files, &r.Meta, &r.CreatedAt, &r.UpdatedAt}
}

type ProviderRow struct {
	CumulusID             int64
	Name                  string
	Protocol              string
	Host                  string
	Port                  int64
	Username              string
	Password              string
	GlobalConnectionLimit int64
	CmKeyID               string
	timestamps
}

func (r *ProviderRow) TableName() string { return TableProviders }
func (r *ProviderRow) ID() int64         { return r.CumulusID }
func (r *ProviderRow) SetID(id int64)    { r.CumulusID = id }

func (r *ProviderRow) Columns() []string {
	return []string{"name", "protocol", "host", "port", "username", "password",
		"global_connection_limit", "cm_key_id", "created_at", "updated_at"}
}

func (r *ProviderRow) Values() []any {
	return []any{r.Name, r.Protocol, r.Host, r.Port, r.Username, r.Password,
		r.GlobalConnectionLimit, r.CmKeyID, r.CreatedAt, r.UpdatedAt}
}

func (r *ProviderRow) Targets() []any {
	return []any{&r.Name, &r.Protocol, &r.Host, &r.Port, &r.Username, &r.Password,
		&r.GlobalConnectionLimit, &r.CmKeyID, &r.CreatedAt, &r.UpdatedAt}
}

type AsyncOperationRow struct {
	CumulusID     int64
	OperationID   string
	Description   string
	OperationType string
	Status        string
	Output        sql.NullString
	TaskArn       string
	timestamps
}

func (r *AsyncOperationRow) TableName() string { return TableAsyncOperations }
func (r *AsyncOperationRow) ID() int64         { return r.CumulusID }
func (r *AsyncOperationRow) SetID(id int64)    { r.CumulusID = id }

func (r *AsyncOperationRow) Columns() []string {
	return []string{"id", "description", "operation_type", "status", "output", "task_arn", "created_at", "updated_at"}
}

func (r *AsyncOperationRow) Values() []any {
	return []any{r.OperationID, r.Description, r.OperationType, r.Status, r.Output, r.TaskArn, r.CreatedAt, r.UpdatedAt}
}

func (r *AsyncOperationRow) Targets() []any {
	return []any{&r.OperationID, &r.Description, &r.OperationType, &r.Status, &r.Output, &r.TaskArn, &r.CreatedAt, &r.UpdatedAt}
}

type RuleRow struct {
	CumulusID           int64
	Name                string
	Workflow            string
	Type                string
	Enabled             bool
	CollectionCumulusID sql.NullInt64
	ProviderCumulusID   sql.NullInt64
	timestamps
}

func (r *RuleRow) TableName() string { return TableRules }
func (r *RuleRow) ID() int64         { return r.CumulusID }
func (r *RuleRow) SetID(id int64)    { r.CumulusID = id }

func (r *RuleRow) Columns() []string {
	return []string{"name", "workflow", "type", "enabled", "collection_cumulus_id", "provider_cumulus_id", "created_at", "updated_at"}
}

func (r *RuleRow) Values() []any {
	return []any{r.Name, r.Workflow, r.Type, r.Enabled, r.CollectionCumulusID, r.ProviderCumulusID, r.CreatedAt, r.UpdatedAt}
}

func (r *RuleRow) Targets() []any {
	return []any{&r.Name, &r.Workflow, &r.Type, &r.Enabled, &r.CollectionCumulusID, &r.ProviderCumulusID, &r.CreatedAt, &r.UpdatedAt}
}

type ExecutionRow struct {
	CumulusID               int64
	Arn                     string
	URL                     string
	Status                  string
	WorkflowName            string
	CollectionCumulusID     sql.NullInt64
	AsyncOperationCumulusID sql.NullInt64
	ParentCumulusID         sql.NullInt64
	CumulusVersion          string
	Tasks                   sql.NullString
	Error                   sql.NullString
	OriginalPayload         sql.NullString
	FinalPayload            sql.NullString
	Duration                float64
	Timestamp               sql.NullTime
	timestamps
}

func (r *ExecutionRow) TableName() string { return TableExecutions }
func (r *ExecutionRow) ID() int64         { return r.CumulusID }
func (r *ExecutionRow) SetID(id int64)    { r.CumulusID = id }

func (r *ExecutionRow) Columns() []string {
	return []string{"arn", "url", "status", "workflow_name", "collection_cumulus_id",
		"async_operation_cumulus_id", "parent_cumulus_id", "cumulus_version", "tasks", "error",
		"original_payload", "final_payload", "duration", "timestamp", "created_at", "updated_at"}
}

func (r *ExecutionRow) Values() []any {
	return []any{r.Arn, r.URL, r.Status, r.WorkflowName, r.CollectionCumulusID,
		r.AsyncOperationCumulusID, r.ParentCumulusID, r.CumulusVersion, r.Tasks, r.Error,
		r.OriginalPayload, r.FinalPayload, r.Duration, r.Timestamp, r.CreatedAt, r.UpdatedAt}
}

func (r *ExecutionRow) Targets() []any {
	return []any{&r.Arn, &r.URL, &r.Status, &r.WorkflowName, &r.CollectionCumulusID,
		&r.AsyncOperationCumulusID, &r.ParentCumulusID, &r.CumulusVersion, &r.Tasks, &r.Error,
		&r.OriginalPayload, &r.FinalPayload, &r.Duration, &r.Timestamp, &r.CreatedAt, &r.UpdatedAt}
}

type GranuleRow struct {
	CumulusID               int64
	GranuleID               string
	Status                  string
	CollectionCumulusID     int64
	ProviderCumulusID       sql.NullInt64
	PdrCumulusID            sql.NullInt64
	Published               bool
	CmrLink                 string
	Error                   sql.NullString
	ProductVolume           int64
	Duration                float64
	TimeToPreprocess        float64
	TimeToArchive           float64
	ProcessingStartDateTime sql.NullTime
	ProcessingEndDateTime   sql.NullTime
	BeginningDateTime       sql.NullTime
	EndingDateTime          sql.NullTime
	ProductionDateTime      sql.NullTime
	LastUpdateDateTime      sql.NullTime
	Timestamp               sql.NullTime
	timestamps
}

func (r *GranuleRow) TableName() string { return TableGranules }
func (r *GranuleRow) ID() int64         { return r.CumulusID }
func (r *GranuleRow) SetID(id int64)    { r.CumulusID = id }

func (r *GranuleRow) Columns() []string {
	return []string{"granule_id", "status", "collection_cumulus_id", "provider_cumulus_id",
		"pdr_cumulus_id", "published", "cmr_link", "error", "product_volume", "duration",
		"time_to_process", "time_to_archive", "processing_start_date_time",
		"processing_end_date_time", "beginning_date_time", "ending_date_time",
		"production_date_time", "last_update_date_time", "timestamp", "created_at", "updated_at"}
}

func (r *GranuleRow) Values() []any {
	return []any{r.GranuleID, r.Status, r.CollectionCumulusID, r.ProviderCumulusID,
		r.PdrCumulusID, r.Published, r.CmrLink, r.Error, r.ProductVolume, r.Duration,
		r.TimeToPreprocess, r.TimeToArchive, r.ProcessingStartDateTime,
		r.ProcessingEndDateTime, r.BeginningDateTime, r.EndingDateTime,
		r.ProductionDateTime, r.LastUpdateDateTime, r.Timestamp, r.CreatedAt, r.UpdatedAt}
}

func (r *GranuleRow) Targets() []any {
	return []any{&r.GranuleID, &r.Status, &r.CollectionCumulusID, &r.ProviderCumulusID,
		&r.PdrCumulusID, &r.Published, &r.CmrLink, &r.Error, &r.ProductVolume, &r.Duration,
		&r.TimeToPreprocess, &r.TimeToArchive, &r.ProcessingStartDateTime,
		&r.ProcessingEndDateTime, &r.BeginningDateTime, &r.EndingDateTime,
		&r.ProductionDateTime, &r.LastUpdateDateTime, &r.Timestamp, &r.CreatedAt, &r.UpdatedAt}
}

type FileRow struct {
	CumulusID        int64
	GranuleCumulusID int64
	Bucket           string
	Key              string
	FileName         string
	ChecksumType     string
	ChecksumValue    string
	FileSize         int64
	Source           string
	Type             string
	timestamps
}

func (r *FileRow) TableName() string { return TableFiles }
func (r *FileRow) ID() int64         { return r.CumulusID }
func (r *FileRow) SetID(id int64)    { r.CumulusID = id }

func (r *FileRow) Columns() []string {
	return []string{"granule_cumulus_id", "bucket", "key", "file_name", "checksum_type",
		"checksum_value", "file_size", "source", "type", "created_at", "updated_at"}
}

func (r *FileRow) Values() []any {
	return []any{r.GranuleCumulusID, r.Bucket, r.Key, r.FileName, r.ChecksumType,
		r.ChecksumValue, r.FileSize, r.Source, r.Type, r.CreatedAt, r.UpdatedAt}
}

func (r *FileRow) Targets() []any {
	return []any{&r.GranuleCumulusID, &r.Bucket, &r.Key, &r.FileName, &r.ChecksumType,
		&r.ChecksumValue, &r.FileSize, &r.Source, &r.Type, &r.CreatedAt, &r.UpdatedAt}
}

type PdrRow struct {
	CumulusID           int64
	Name                string
	Status              string
	CollectionCumulusID int64
	ProviderCumulusID   int64
	ExecutionCumulusID  sql.NullInt64
	Progress            float64
	PANSent             bool
	PANMessage          string
	StatsProcessing     int64
	StatsCompleted      int64
	StatsFailed         int64
	StatsTotal          int64
	Address             string
	OriginalURL         string
	Duration            float64
	Timestamp           sql.NullTime
	timestamps
}

func (r *PdrRow) TableName() string { return TablePdrs }
func (r *PdrRow) ID() int64         { return r.CumulusID }
func (r *PdrRow) SetID(id int64)    { r.CumulusID = id }

func (r *PdrRow) Columns() []string {
	return []string{"name", "status", "collection_cumulus_id", "provider_cumulus_id",
		"execution_cumulus_id", "progress", "pan_sent", "pan_message", "stats_processing",
		"stats_completed", "stats_failed", "stats_total", "address", "original_url",
		"duration", "timestamp", "created_at", "updated_at"}
}

func (r *PdrRow) Values() []any {
	return []any{r.Name, r.Status, r.CollectionCumulusID, r.ProviderCumulusID,
		r.ExecutionCumulusID, r.Progress, r.PANSent, r.PANMessage, r.StatsProcessing,
		r.StatsCompleted, r.StatsFailed, r.StatsTotal, r.Address, r.OriginalURL,
		r.Duration, r.Timestamp, r.CreatedAt, r.UpdatedAt}
}

func (r *PdrRow) Targets() []any {
	return []any{&r.Name, &r.Status, &r.CollectionCumulusID, &r.ProviderCumulusID,
		&r.ExecutionCumulusID, &r.Progress, &r.PANSent, &r.PANMessage, &r.StatsProcessing,
		&r.StatsCompleted, &r.StatsFailed, &r.StatsTotal, &r.Address, &r.OriginalURL,
		&r.Duration, &r.Timestamp, &r.CreatedAt, &r.UpdatedAt}
}
