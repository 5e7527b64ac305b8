package cumulus

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectionIDRoundTrip(t *testing.T) {
	id := ConstructCollectionID("MOD09GQ", "006")
	assert.Equal(t, "MOD09GQ___006", id)

	name, version, err := DeconstructCollectionID("my___odd___name___1.2")
	require.NoError(t, err)
	assert.Equal(t, "my___odd___name", name)
	assert.Equal(t, "1.2", version)

	for _, bad := range []string{"", "noseparator", "___006", "name___"} {
		_, _, err := DeconstructCollectionID(bad)
		assert.ErrorIs(t, err, ErrInvalidInput, bad)
	}
}

func TestExecutionURLRoundTrip(t *testing.T) {
	arn := "arn:aws:states:us-west-2:123456789012:execution:IngestGranule:abc-123"
	url := ExecutionURL(arn)
	assert.Contains(t, url, "region=us-west-2")
	assert.Equal(t, arn, ArnFromExecutionURL(url))
	assert.Equal(t, "not-a-url", ArnFromExecutionURL("not-a-url"))
}

func TestPdrStatsNormalizeAndPercent(t *testing.T) {
	stats := PdrStats{Processing: 2, Completed: 2, Failed: 1, Total: 99}.Normalize()
	assert.Equal(t, int64(5), stats.Total)
	assert.Equal(t, int64(3), stats.Progress())
	assert.InDelta(t, 60.0, stats.Percent(), 0.001)
	assert.Equal(t, 0.0, PdrStats{}.Percent())
}

func TestFileUnmarshalUpgradesLegacyShape(t *testing.T) {
	legacy := `{"filename":"s3://protected/MOD/granule.hdf","name":"granule.hdf","fileSize":1024,"checksumType":"md5","checksumValue":"abc"}`
	var f File
	require.NoError(t, json.Unmarshal([]byte(legacy), &f))
	assert.Equal(t, File{
		Bucket:       "protected",
		Key:          "MOD/granule.hdf",
		FileName:     "granule.hdf",
		ChecksumType: "md5",
		Checksum:     "abc",
		Size:         1024,
	}, f)

	encoded, err := json.Marshal(f)
	require.NoError(t, err)
	var again File
	require.NoError(t, json.Unmarshal(encoded, &again))
	assert.Equal(t, f, again)
}

func TestFileUnmarshalLegacyPathAndCanonicalPrecedence(t *testing.T) {
	var f File
	require.NoError(t, json.Unmarshal([]byte(`{"bucket":"b","name":"x.txt","path":"dir/sub/","checksum":"new","checksumValue":"old"}`), &f))
	assert.Equal(t, "b", f.Bucket)
	assert.Equal(t, "dir/sub/x.txt", f.Key)
	assert.Equal(t, "new", f.Checksum)
}

func TestFileUnmarshalCanonicalShapeUntouched(t *testing.T) {
	var f File
	require.NoError(t, json.Unmarshal([]byte(`{"bucket":"b","key":"k/a.txt","size":3}`), &f))
	assert.Equal(t, File{Bucket: "b", Key: "k/a.txt", Size: 3}, f)
	assert.Equal(t, "a.txt", f.Name())
	assert.Equal(t, "s3://b/k/a.txt", f.S3URL())
}

func TestGranuleUnmarshalUpgradesNestedFiles(t *testing.T) {
	var g Granule
	body := `{"granuleId":"g1","collectionId":"c___1","status":"completed","files":[{"filename":"s3://b/k1","fileSize":5},{"bucket":"b","key":"k2","size":7}]}`
	require.NoError(t, json.Unmarshal([]byte(body), &g))
	require.Len(t, g.Files, 2)
	assert.Equal(t, "k1", g.Files[0].Key)
	assert.Equal(t, int64(12), SumFileSizes(g.Files))
}

func TestValidateDocument(t *testing.T) {
	require.NoError(t, ValidateDocument(KindGranule, []byte(`{"granuleId":"g1","collectionId":"c___1","status":"running"}`)))

	err := ValidateDocument(KindGranule, []byte(`{"granuleId":"g1","collectionId":"nope","status":"running"}`))
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "granule", verr.Kind)
	assert.ErrorIs(t, err, ErrInvalidInput)

	assert.Error(t, ValidateDocument(KindPdr, []byte(`{"pdrName":"p"}`)))
	assert.Error(t, ValidateDocument(KindProvider, []byte(`not json`)))
	assert.ErrorIs(t, ValidateDocument(Kind("widget"), []byte(`{}`)), ErrInvalidInput)
}

func TestValidateValueCollectionAndRule(t *testing.T) {
	require.NoError(t, ValidateValue(KindCollection, Collection{Name: "MOD09GQ", Version: "006"}))
	assert.Error(t, ValidateValue(KindRule, Rule{Name: "bad name", Workflow: "w", Type: "onetime", State: "ENABLED"}))
}

func TestTypedErrors(t *testing.T) {
	var err error = &ReferenceNotFoundError{Kind: "collection", Identifier: "MOD___006"}
	assert.ErrorIs(t, err, ErrReference)
	assert.Contains(t, err.Error(), "MOD___006")

	err = &AssociatedRecordError{Kind: "provider", Key: "p1", Dependents: []string{"rule-a", "rule-b"}}
	assert.ErrorIs(t, err, ErrAssociated)
	assert.Contains(t, err.Error(), "rule-a, rule-b")

	cause := errors.New("copy failed")
	err = &PartialRelocationError{GranuleID: "g1", Failures: []FileMoveFailure{{Move: FileMove{SourceBucket: "a", SourceKey: "k"}, Reason: cause.Error(), Err: cause}}}
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "granule g1")
}
