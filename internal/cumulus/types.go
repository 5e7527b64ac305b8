package cumulus

import (
	"fmt"
	"strings"
	"time"
)

type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusQueued    Status = "queued"
)

// Terminal reports whether the status is a final workflow outcome.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

func (s Status) Valid() bool {
	switch s {
	case StatusRunning, StatusCompleted, StatusFailed, StatusQueued:
		return true
	}
	return false
}

const collectionIDSeparator = "___"

// ConstructCollectionID builds the document-store collection reference.
func ConstructCollectionID(name, version string) string {
	return name + collectionIDSeparator + version
}

// DeconstructCollectionID splits a collection id on its last separator.
func DeconstructCollectionID(collectionID string) (name, version string, err error) {
	idx := strings.LastIndex(collectionID, collectionIDSeparator)
	if idx <= 0 || idx+len(collectionIDSeparator) >= len(collectionID) {
		return "", "", fmt.Errorf("%w: invalid collection id %q", ErrInvalidInput, collectionID)
	}
	return collectionID[:idx], collectionID[idx+len(collectionIDSeparator):], nil
}

// ExecutionURL returns the console URL that documents use to reference an execution.
func ExecutionURL(arn string) string {
	region := "us-east-1"
	parts := strings.Split(arn, ":")
	if len(parts) > 3 && parts[3] != "" {
		region = parts[3]
	}
	return fmt.Sprintf("https://console.aws.amazon.com/states/home?region=%s#/executions/details/%s", region, arn)
}

// ArnFromExecutionURL is the inverse of ExecutionURL; unknown shapes are returned unchanged.
func ArnFromExecutionURL(url string) string {
	const marker = "#/executions/details/"
	if idx := strings.Index(url, marker); idx >= 0 {
		return url[idx+len(marker):]
	}
	return url
}

// Millis converts a time to the epoch-millisecond form used by documents.
func Millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

// FromMillis converts epoch milliseconds to UTC time; zero stays zero.
func FromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

type Collection struct {
	Name                     string           `json:"name"`
	Version                  string           `json:"version"`
	Process                  string           `json:"process,omitempty"`
	URLPath                  string           `json:"url_path,omitempty"`
	DuplicateHandling        string           `json:"duplicateHandling,omitempty"`
	GranuleIDValidationRegex string           `json:"granuleId,omitempty"`
	GranuleIDExtraction      string           `json:"granuleIdExtraction,omitempty"`
	SampleFileName           string           `json:"sampleFileName,omitempty"`
	Files                    []CollectionFile `json:"files,omitempty"`
	Meta                     map[string]any   `json:"meta,omitempty"`
	CreatedAt                int64            `json:"createdAt,omitempty"`
	UpdatedAt                int64            `json:"updatedAt,omitempty"`
}

type CollectionFile struct {
	Regex          string `json:"regex"`
	Bucket         string `json:"bucket"`
	SampleFileName string `json:"sampleFileName,omitempty"`
	URLPath        string `json:"url_path,omitempty"`
}

func (c Collection) ID() string {
	return ConstructCollectionID(c.Name, c.Version)
}

type Provider struct {
	ID                    string `json:"id"`
	Protocol              string `json:"protocol"`
	Host                  string `json:"host"`
	Port                  int    `json:"port,omitempty"`
	Username              string `json:"username,omitempty"`
	Password              string `json:"password,omitempty"`
	GlobalConnectionLimit int    `json:"globalConnectionLimit,omitempty"`
	CmKeyID               string `json:"cmKeyId,omitempty"`
	CreatedAt             int64  `json:"createdAt,omitempty"`
	UpdatedAt             int64  `json:"updatedAt,omitempty"`
}

type AsyncOperation struct {
	ID            string `json:"id"`
	Description   string `json:"description"`
	OperationType string `json:"operationType"`
	Status        string `json:"status"`
	Output        string `json:"output,omitempty"`
	TaskArn       string `json:"taskArn,omitempty"`
	CreatedAt     int64  `json:"createdAt,omitempty"`
	UpdatedAt     int64  `json:"updatedAt,omitempty"`
}

type Rule struct {
	Name         string `json:"name"`
	Workflow     string `json:"workflow"`
	Type         string `json:"type"`
	State        string `json:"state"`
	Provider     string `json:"provider,omitempty"`
	CollectionID string `json:"collectionId,omitempty"`
	CreatedAt    int64  `json:"createdAt,omitempty"`
	UpdatedAt    int64  `json:"updatedAt,omitempty"`
}

type Execution struct {
	Arn              string         `json:"arn"`
	Name             string         `json:"name"`
	ExecutionURL     string         `json:"execution,omitempty"`
	Status           Status         `json:"status"`
	Type             string         `json:"type,omitempty"`
	ParentArn        string         `json:"parentArn,omitempty"`
	AsyncOperationID string         `json:"asyncOperationId,omitempty"`
	CollectionID     string         `json:"collectionId,omitempty"`
	CumulusVersion   string         `json:"cumulusVersion,omitempty"`
	Tasks            map[string]any `json:"tasks,omitempty"`
	Error            map[string]any `json:"error,omitempty"`
	OriginalPayload  map[string]any `json:"originalPayload,omitempty"`
	FinalPayload     map[string]any `json:"finalPayload,omitempty"`
	Duration         float64        `json:"duration,omitempty"`
	Timestamp        int64          `json:"timestamp,omitempty"`
	CreatedAt        int64          `json:"createdAt,omitempty"`
	UpdatedAt        int64          `json:"updatedAt,omitempty"`
}

type PdrStats struct {
	Processing int64 `json:"processing"`
	Completed  int64 `json:"completed"`
	Failed     int64 `json:"failed"`
	Total      int64 `json:"total"`
}

// Normalize recomputes Total from its parts.
func (s PdrStats) Normalize() PdrStats {
	s.Total = s.Processing + s.Completed + s.Failed
	return s
}

// Progress is the monotonic counter used to order same-execution reports.
func (s PdrStats) Progress() int64 {
	return s.Completed + s.Failed
}

// Percent returns the share of finished work as a percentage.
func (s PdrStats) Percent() float64 {
	s = s.Normalize()
	if s.Total == 0 {
		return 0
	}
	return float64(s.Completed+s.Failed) / float64(s.Total) * 100
}

type Pdr struct {
	PdrName      string    `json:"pdrName"`
	CollectionID string    `json:"collectionId"`
	Provider     string    `json:"provider"`
	Status       Status    `json:"status"`
	Progress     float64   `json:"progress"`
	Stats        *PdrStats `json:"stats,omitempty"`
	Execution    string    `json:"execution,omitempty"`
	PANSent      bool      `json:"PANSent,omitempty"`
	PANmessage   string    `json:"PANmessage,omitempty"`
	Address      string    `json:"address,omitempty"`
	OriginalURL  string    `json:"originalUrl,omitempty"`
	Duration     float64   `json:"duration,omitempty"`
	Timestamp    int64     `json:"timestamp,omitempty"`
	CreatedAt    int64     `json:"createdAt,omitempty"`
	UpdatedAt    int64     `json:"updatedAt,omitempty"`
}

// Normalized recomputes stats.total and fills a missing progress percentage.
func (p Pdr) Normalized() Pdr {
	if p.Stats != nil {
		stats := p.Stats.Normalize()
		p.Stats = &stats
		if p.Progress == 0 {
			p.Progress = stats.Percent()
		}
	}
	return p
}

type Granule struct {
	GranuleID               string         `json:"granuleId"`
	CollectionID            string         `json:"collectionId"`
	Status                  Status         `json:"status"`
	Execution               string         `json:"execution,omitempty"`
	Files                   []File         `json:"files,omitempty"`
	Published               bool           `json:"published,omitempty"`
	CmrLink                 string         `json:"cmrLink,omitempty"`
	PdrName                 string         `json:"pdrName,omitempty"`
	Provider                string         `json:"provider,omitempty"`
	Error                   map[string]any `json:"error,omitempty"`
	ProductVolume           int64          `json:"productVolume,omitempty"`
	Duration                float64        `json:"duration,omitempty"`
	TimeToPreprocess        float64        `json:"timeToPreprocess,omitempty"`
	TimeToArchive           float64        `json:"timeToArchive,omitempty"`
	ProcessingStartDateTime string         `json:"processingStartDateTime,omitempty"`
	ProcessingEndDateTime   string         `json:"processingEndDateTime,omitempty"`
	BeginningDateTime       string         `json:"beginningDateTime,omitempty"`
	EndingDateTime          string         `json:"endingDateTime,omitempty"`
	ProductionDateTime      string         `json:"productionDateTime,omitempty"`
	LastUpdateDateTime      string         `json:"lastUpdateDateTime,omitempty"`
	Timestamp               int64          `json:"timestamp,omitempty"`
	CreatedAt               int64          `json:"createdAt,omitempty"`
	UpdatedAt               int64          `json:"updatedAt,omitempty"`
}

// SumFileSizes returns the product volume of a file list.
func SumFileSizes(files []File) int64 {
	var total int64
	for _, f := range files {
		total += f.Size
	}
	return total
}
