package message

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cumulusdata/cumulus/internal/cumulus"
)

const ingestMessage = `{
  "cumulus_meta": {
    "execution_name": "exec-1",
    "state_machine": "arn:aws:states:us-west-2:123:stateMachine:IngestGranule",
    "workflow_start_time": 1700000000000,
    "workflow_stop_time": 1700000012500,
    "parentExecutionArn": "arn:aws:states:us-west-2:123:execution:ParsePdr:parent-1",
    "cumulus_version": "18.2.0"
  },
  "meta": {
    "status": "completed",
    "workflow_name": "IngestGranule",
    "collection": {"name": "MOD09GQ", "version": "006"},
    "provider": {"id": "prov", "protocol": "ftp", "host": "ftp.example.com", "port": 21},
    "workflow_tasks": {"SyncGranule": {"name": "sync"}}
  },
  "payload": {
    "pdr": {"name": "a.PDR", "path": "/pdrs"},
    "running": ["arn:1"],
    "completed": ["arn:2", "arn:3"],
    "failed": [{"arn": "arn:4", "reason": "timeout"}],
    "granules": [{
      "granuleId": "MOD09GQ.A1",
      "published": true,
      "cmrLink": "https://cmr/g",
      "sync_granule_duration": 1500,
      "files": [
        {"bucket": "protected", "key": "MOD/a.hdf", "fileName": "a.hdf", "size": 10},
        {"filename": "s3://public/MOD/a.jpg", "fileSize": 5}
      ]
    }]
  },
  "exception": "None"
}`

func TestParseRequiresExecutionIdentity(t *testing.T) {
	_, err := Parse([]byte(`{"cumulus_meta": {"execution_name": "x"}}`))
	assert.ErrorIs(t, err, cumulus.ErrInvalidInput)

	_, err = Parse([]byte(`not json`))
	assert.ErrorIs(t, err, cumulus.ErrInvalidInput)

	_, err = Parse([]byte(`{"cumulus_meta": {"execution_name": "x", "state_machine": "arn:aws:states:us-east-1:1:stateMachine:W", "workflow_start_time": 10}, "meta": {"status": "paused"}}`))
	assert.ErrorIs(t, err, cumulus.ErrInvalidInput)
}

func TestParseRequiresWorkflowStartTime(t *testing.T) {
	for _, body := range []string{
		`{"cumulus_meta": {"execution_name": "x", "state_machine": "arn:aws:states:us-east-1:1:stateMachine:W"}}`,
		`{"cumulus_meta": {"execution_name": "x", "state_machine": "arn:aws:states:us-east-1:1:stateMachine:W", "workflow_start_time": 0}}`,
	} {
		_, err := Parse([]byte(body))
		assert.ErrorIs(t, err, cumulus.ErrInvalidInput, body)
		assert.ErrorContains(t, err, "workflow_start_time")
	}
}

func TestReportsFromCompletedMessage(t *testing.T) {
	now := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	m, err := Parse([]byte(ingestMessage))
	require.NoError(t, err)
	reports, err := m.Reports(now)
	require.NoError(t, err)

	arn := "arn:aws:states:us-west-2:123:execution:IngestGranule:exec-1"
	exec := reports.Execution
	assert.Equal(t, arn, exec.Arn)
	assert.Equal(t, "exec-1", exec.Name)
	assert.Equal(t, cumulus.ExecutionURL(arn), exec.ExecutionURL)
	assert.Equal(t, cumulus.StatusCompleted, exec.Status)
	assert.Equal(t, "IngestGranule", exec.Type)
	assert.Equal(t, "MOD09GQ___006", exec.CollectionID)
	assert.Equal(t, "18.2.0", exec.CumulusVersion)
	assert.Equal(t, int64(1700000000000), exec.CreatedAt)
	assert.Equal(t, now.UnixMilli(), exec.UpdatedAt)
	assert.InDelta(t, 12.5, exec.Duration, 0.0001)
	assert.Nil(t, exec.OriginalPayload)
	assert.Contains(t, exec.FinalPayload, "granules")
	assert.Nil(t, exec.Error)

	require.NotNil(t, reports.Pdr)
	pdr := reports.Pdr
	assert.Equal(t, "a.PDR", pdr.PdrName)
	assert.Equal(t, "prov", pdr.Provider)
	assert.Equal(t, cumulus.PdrStats{Processing: 1, Completed: 2, Failed: 1, Total: 4}, *pdr.Stats)
	assert.InDelta(t, 75.0, pdr.Progress, 0.001)
	assert.Equal(t, "ftp://ftp.example.com:21", pdr.Address)
	assert.Equal(t, "ftp://ftp.example.com:21/pdrs/a.PDR", pdr.OriginalURL)

	require.Len(t, reports.Granules, 1)
	g := reports.Granules[0]
	assert.Equal(t, "MOD09GQ.A1", g.GranuleID)
	assert.Equal(t, "MOD09GQ___006", g.CollectionID)
	assert.Equal(t, cumulus.StatusCompleted, g.Status)
	assert.Equal(t, "a.PDR", g.PdrName)
	assert.True(t, g.Published)
	assert.Equal(t, int64(15), g.ProductVolume)
	assert.InDelta(t, 1.5, g.TimeToPreprocess, 0.0001)
	require.Len(t, g.Files, 2)
	assert.Equal(t, "public", g.Files[1].Bucket)
	assert.Equal(t, "MOD/a.jpg", g.Files[1].Key)
	assert.Equal(t, "2023-11-14T22:13:20Z", g.ProcessingStartDateTime)
}

func TestRunningMessageKeepsOriginalPayload(t *testing.T) {
	body := `{
	  "cumulus_meta": {"execution_name": "e", "state_machine": "arn:aws:states:us-east-1:1:stateMachine:W", "workflow_start_time": 10},
	  "meta": {"collection": {"name": "C", "version": "1"}},
	  "payload": {"granules": [{"granuleId": "g", "status": "queued"}]}
	}`
	m, err := Parse([]byte(body))
	require.NoError(t, err)
	reports, err := m.Reports(time.UnixMilli(20))
	require.NoError(t, err)
	assert.Equal(t, cumulus.StatusRunning, reports.Execution.Status)
	assert.Contains(t, reports.Execution.OriginalPayload, "granules")
	assert.Nil(t, reports.Pdr)
	require.Len(t, reports.Granules, 1)
	assert.Equal(t, cumulus.StatusQueued, reports.Granules[0].Status)
	assert.Empty(t, reports.Granules[0].ProcessingStartDateTime)
}

func TestFailedMessageCarriesException(t *testing.T) {
	body := `{
	  "cumulus_meta": {"execution_name": "e", "state_machine": "arn:aws:states:us-east-1:1:stateMachine:W", "workflow_start_time": 10},
	  "meta": {"collection": {"name": "C", "version": "1"}},
	  "payload": {"granules": [{"granuleId": "g", "dataType": "OTHER", "version": "2"}]},
	  "exception": {"Error": "FileNotFound", "Cause": "missing a.hdf"}
	}`
	m, err := Parse([]byte(body))
	require.NoError(t, err)
	assert.Equal(t, cumulus.StatusFailed, m.Status())
	reports, err := m.Reports(time.UnixMilli(20))
	require.NoError(t, err)
	assert.Equal(t, "FileNotFound", reports.Execution.Error["Error"])
	assert.Equal(t, "OTHER___2", reports.Granules[0].CollectionID)
	assert.Equal(t, "missing a.hdf", reports.Granules[0].Error["Cause"])
}

func TestGranuleWithoutCollectionIsRejected(t *testing.T) {
	body := `{
	  "cumulus_meta": {"execution_name": "e", "state_machine": "arn:aws:states:us-east-1:1:stateMachine:W", "workflow_start_time": 10},
	  "payload": {"granules": [{"granuleId": "g"}]}
	}`
	m, err := Parse([]byte(body))
	require.NoError(t, err)
	_, err = m.Reports(time.Now())
	assert.ErrorIs(t, err, cumulus.ErrInvalidInput)
}
