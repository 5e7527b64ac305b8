// Package message turns a workflow message into the execution, PDR and
// granule reports the coordinator resolves.
package message

import (
	"encoding/json"
	"fmt"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/cumulusdata/cumulus/internal/cumulus"
)

type CumulusMeta struct {
	ExecutionName      string `json:"execution_name"`
	StateMachine       string `json:"state_machine"`
	WorkflowStartTime  int64  `json:"workflow_start_time"`
	WorkflowStopTime   int64  `json:"workflow_stop_time,omitempty"`
	ParentExecutionArn string `json:"parentExecutionArn,omitempty"`
	AsyncOperationID   string `json:"asyncOperationId,omitempty"`
	CumulusVersion     string `json:"cumulus_version,omitempty"`
}

type MetaCollection struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type MetaProvider struct {
	ID       string `json:"id"`
	Protocol string `json:"protocol,omitempty"`
	Host     string `json:"host,omitempty"`
	Port     int    `json:"port,omitempty"`
}

type Meta struct {
	Status        cumulus.Status  `json:"status,omitempty"`
	WorkflowName  string          `json:"workflow_name,omitempty"`
	Collection    *MetaCollection `json:"collection,omitempty"`
	Provider      *MetaProvider   `json:"provider,omitempty"`
	WorkflowTasks map[string]any  `json:"workflow_tasks,omitempty"`
}

type PayloadPdr struct {
	Name       string `json:"name"`
	Path       string `json:"path,omitempty"`
	PANSent    bool   `json:"PANSent,omitempty"`
	PANmessage string `json:"PANmessage,omitempty"`
}

// PayloadGranule is a granule as workflow tasks emit it. Durations are in
// milliseconds.
type PayloadGranule struct {
	GranuleID           string         `json:"granuleId"`
	DataType            string         `json:"dataType,omitempty"`
	Version             string         `json:"version,omitempty"`
	Files               []cumulus.File `json:"files,omitempty"`
	CmrLink             string         `json:"cmrLink,omitempty"`
	Published           bool           `json:"published,omitempty"`
	Status              cumulus.Status `json:"status,omitempty"`
	BeginningDateTime   string         `json:"beginningDateTime,omitempty"`
	EndingDateTime      string         `json:"endingDateTime,omitempty"`
	ProductionDateTime  string         `json:"productionDateTime,omitempty"`
	LastUpdateDateTime  string         `json:"lastUpdateDateTime,omitempty"`
	SyncGranuleDuration int64          `json:"sync_granule_duration,omitempty"`
	PostToCmrDuration   int64          `json:"post_to_cmr_duration,omitempty"`
}

type Payload struct {
	Pdr       *PayloadPdr       `json:"pdr,omitempty"`
	Granules  []PayloadGranule  `json:"granules,omitempty"`
	Running   []string          `json:"running,omitempty"`
	Completed []string          `json:"completed,omitempty"`
	Failed    []json.RawMessage `json:"failed,omitempty"`
}

// Message is the envelope passed between workflow steps. Payload is kept
// raw so it can be stored verbatim on the execution record.
type Message struct {
	CumulusMeta CumulusMeta     `json:"cumulus_meta"`
	Meta        Meta            `json:"meta"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Exception   json.RawMessage `json:"exception,omitempty"`
}

func Parse(body []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(body, &m); err != nil {
		return Message{}, fmt.Errorf("%w: decode workflow message: %v", cumulus.ErrInvalidInput, err)
	}
	if m.CumulusMeta.ExecutionName == "" || m.CumulusMeta.StateMachine == "" {
		return Message{}, fmt.Errorf("%w: workflow message needs cumulus_meta.execution_name and cumulus_meta.state_machine", cumulus.ErrInvalidInput)
	}
	if m.CumulusMeta.WorkflowStartTime <= 0 {
		return Message{}, fmt.Errorf("%w: workflow message needs cumulus_meta.workflow_start_time", cumulus.ErrInvalidInput)
	}
	if m.Meta.Status != "" && !m.Meta.Status.Valid() {
		return Message{}, fmt.Errorf("%w: unknown workflow status %q", cumulus.ErrInvalidInput, m.Meta.Status)
	}
	return m, nil
}

// ExecutionArn derives the execution ARN from the state machine ARN.
func (m Message) ExecutionArn() string {
	arn := strings.Replace(m.CumulusMeta.StateMachine, ":stateMachine:", ":execution:", 1)
	return arn + ":" + m.CumulusMeta.ExecutionName
}

// Status falls back to failed when an exception is attached and to running
// otherwise.
func (m Message) Status() cumulus.Status {
	if m.Meta.Status != "" {
		return m.Meta.Status
	}
	if m.exception() != nil {
		return cumulus.StatusFailed
	}
	return cumulus.StatusRunning
}

func (m Message) CollectionID() string {
	if c := m.Meta.Collection; c != nil && c.Name != "" {
		return cumulus.ConstructCollectionID(c.Name, c.Version)
	}
	return ""
}

// exception decodes the attached error. Workflow steps write the string
// "None" when there is none.
func (m Message) exception() map[string]any {
	raw := strings.TrimSpace(string(m.Exception))
	if raw == "" || raw == "null" || raw == `"None"` || raw == "{}" {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(m.Exception, &out); err == nil {
		return out
	}
	var msg string
	if err := json.Unmarshal(m.Exception, &msg); err == nil {
		return map[string]any{"Error": "Unknown Error", "Cause": msg}
	}
	return map[string]any{"Error": "Unknown Error", "Cause": raw}
}

func (m Message) payload() (Payload, map[string]any, error) {
	if len(m.Payload) == 0 || string(m.Payload) == "null" {
		return Payload{}, nil, nil
	}
	var typed Payload
	if err := json.Unmarshal(m.Payload, &typed); err != nil {
		return Payload{}, nil, fmt.Errorf("%w: decode payload: %v", cumulus.ErrInvalidInput, err)
	}
	var raw map[string]any
	if err := json.Unmarshal(m.Payload, &raw); err != nil {
		return Payload{}, nil, fmt.Errorf("%w: decode payload: %v", cumulus.ErrInvalidInput, err)
	}
	return typed, raw, nil
}

func (m Message) duration() float64 {
	start, stop := m.CumulusMeta.WorkflowStartTime, m.CumulusMeta.WorkflowStopTime
	if start == 0 || stop < start {
		return 0
	}
	return float64(stop-start) / 1000
}

// Reports is everything one message says about persisted records.
type Reports struct {
	Execution cumulus.Execution `json:"execution"`
	Pdr       *cumulus.Pdr      `json:"pdr,omitempty"`
	Granules  []cumulus.Granule `json:"granules,omitempty"`
}

// Reports builds the records described by m. now stamps the report clocks.
func (m Message) Reports(now time.Time) (Reports, error) {
	payload, rawPayload, err := m.payload()
	if err != nil {
		return Reports{}, err
	}
	ts := now.UnixMilli()
	status := m.Status()
	arn := m.ExecutionArn()
	executionURL := cumulus.ExecutionURL(arn)
	exception := m.exception()

	exec := cumulus.Execution{
		Arn:              arn,
		Name:             m.CumulusMeta.ExecutionName,
		ExecutionURL:     executionURL,
		Status:           status,
		Type:             m.Meta.WorkflowName,
		ParentArn:        m.CumulusMeta.ParentExecutionArn,
		AsyncOperationID: m.CumulusMeta.AsyncOperationID,
		CollectionID:     m.CollectionID(),
		CumulusVersion:   m.CumulusMeta.CumulusVersion,
		Tasks:            m.Meta.WorkflowTasks,
		Duration:         m.duration(),
		Timestamp:        ts,
		CreatedAt:        m.CumulusMeta.WorkflowStartTime,
		UpdatedAt:        ts,
	}
	if status == cumulus.StatusRunning {
		exec.OriginalPayload = rawPayload
	} else {
		exec.FinalPayload = rawPayload
		if status == cumulus.StatusFailed {
			exec.Error = exception
		}
	}
	out := Reports{Execution: exec}

	provider := ""
	if m.Meta.Provider != nil {
		provider = m.Meta.Provider.ID
	}
	if payload.Pdr != nil && payload.Pdr.Name != "" && provider != "" && exec.CollectionID != "" {
		pdr := cumulus.Pdr{
			PdrName:      payload.Pdr.Name,
			CollectionID: exec.CollectionID,
			Provider:     provider,
			Status:       status,
			Execution:    executionURL,
			Stats: &cumulus.PdrStats{
				Processing: int64(len(payload.Running)),
				Completed:  int64(len(payload.Completed)),
				Failed:     int64(len(payload.Failed)),
			},
			PANSent:    payload.Pdr.PANSent,
			PANmessage: payload.Pdr.PANmessage,
			Duration:   exec.Duration,
			Timestamp:  ts,
			CreatedAt:  m.CumulusMeta.WorkflowStartTime,
			UpdatedAt:  ts,
		}
		if addr := m.providerAddress(); addr != "" {
			pdr.Address = addr
			pdr.OriginalURL = addr + path.Join("/", payload.Pdr.Path, payload.Pdr.Name)
		}
		pdr = pdr.Normalized()
		out.Pdr = &pdr
	}

	for _, pg := range payload.Granules {
		if pg.GranuleID == "" {
			return Reports{}, fmt.Errorf("%w: payload granule without granuleId", cumulus.ErrInvalidInput)
		}
		g := cumulus.Granule{
			GranuleID:          pg.GranuleID,
			CollectionID:       exec.CollectionID,
			Status:             status,
			Execution:          executionURL,
			Files:              pg.Files,
			Published:          pg.Published,
			CmrLink:            pg.CmrLink,
			Provider:           provider,
			ProductVolume:      cumulus.SumFileSizes(pg.Files),
			Duration:           exec.Duration,
			TimeToPreprocess:   float64(pg.SyncGranuleDuration) / 1000,
			TimeToArchive:      float64(pg.PostToCmrDuration) / 1000,
			BeginningDateTime:  pg.BeginningDateTime,
			EndingDateTime:     pg.EndingDateTime,
			ProductionDateTime: pg.ProductionDateTime,
			LastUpdateDateTime: pg.LastUpdateDateTime,
			Timestamp:          ts,
			CreatedAt:          m.CumulusMeta.WorkflowStartTime,
			UpdatedAt:          ts,
		}
		if pg.DataType != "" && pg.Version != "" {
			g.CollectionID = cumulus.ConstructCollectionID(pg.DataType, pg.Version)
		}
		if g.CollectionID == "" {
			return Reports{}, fmt.Errorf("%w: granule %s has no collection", cumulus.ErrInvalidInput, pg.GranuleID)
		}
		if pg.Status != "" && status == cumulus.StatusRunning {
			g.Status = pg.Status
		}
		if out.Pdr != nil {
			g.PdrName = out.Pdr.PdrName
		}
		if status == cumulus.StatusFailed {
			g.Error = exception
		}
		if m.CumulusMeta.WorkflowStopTime != 0 {
			g.ProcessingStartDateTime = formatMillis(m.CumulusMeta.WorkflowStartTime)
			g.ProcessingEndDateTime = formatMillis(m.CumulusMeta.WorkflowStopTime)
		}
		out.Granules = append(out.Granules, g)
	}
	return out, nil
}

func (m Message) providerAddress() string {
	p := m.Meta.Provider
	if p == nil || p.Protocol == "" || p.Host == "" {
		return ""
	}
	addr := p.Protocol + "://" + p.Host
	if p.Port != 0 {
		addr += ":" + strconv.Itoa(p.Port)
	}
	return addr
}

func formatMillis(ms int64) string {
	return cumulus.FromMillis(ms).Format(time.RFC3339Nano)
}
