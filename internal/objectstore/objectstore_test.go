package objectstore

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cumulusdata/cumulus/internal/cumulus"
)

func TestMoveCopiesThenDeletes(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	s.Put("src", "a/file.hdf", []byte("data"))

	require.NoError(t, Move(ctx, s, "src", "a/file.hdf", "dst", "b/file.hdf"))
	assert.False(t, s.Exists("src", "a/file.hdf"))
	assert.True(t, s.Exists("dst", "b/file.hdf"))

	require.NoError(t, Move(ctx, s, "dst", "b/file.hdf", "dst", "b/file.hdf"))
	assert.True(t, s.Exists("dst", "b/file.hdf"))

	err := Move(ctx, s, "src", "missing", "dst", "x")
	assert.ErrorIs(t, err, cumulus.ErrRecordNotFound)
}

func TestMoveLeavesSourceWhenCopyFails(t *testing.T) {
	s := NewMemoryStore()
	s.Put("src", "k", []byte("x"))
	boom := errors.New("access denied")
	s.FailCopy = func(_, _, _, _ string) error { return boom }

	err := Move(context.Background(), s, "src", "k", "dst", "k")
	assert.ErrorIs(t, err, boom)
	assert.True(t, s.Exists("src", "k"))
	assert.False(t, s.Exists("dst", "k"))
}

type fakeS3 struct {
	copies  []s3.CopyObjectInput
	deletes []s3.DeleteObjectInput
}

func (f *fakeS3) CopyObject(_ context.Context, in *s3.CopyObjectInput, _ ...func(*s3.Options)) (*s3.CopyObjectOutput, error) {
	f.copies = append(f.copies, *in)
	return &s3.CopyObjectOutput{}, nil
}

func (f *fakeS3) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.deletes = append(f.deletes, *in)
	return &s3.DeleteObjectOutput{}, nil
}

func TestS3StoreMove(t *testing.T) {
	fake := &fakeS3{}
	s := &S3Store{client: fake}
	require.NoError(t, Move(context.Background(), s, "src", "dir/a b.hdf", "dst", "out/a b.hdf"))

	require.Len(t, fake.copies, 1)
	assert.Equal(t, "dst", aws.ToString(fake.copies[0].Bucket))
	assert.Equal(t, "out/a b.hdf", aws.ToString(fake.copies[0].Key))
	assert.Equal(t, "src%2Fdir%2Fa%20b.hdf", aws.ToString(fake.copies[0].CopySource))
	require.Len(t, fake.deletes, 1)
	assert.Equal(t, "dir/a b.hdf", aws.ToString(fake.deletes[0].Key))
}

func TestBuildFromDSN(t *testing.T) {
	ctx := context.Background()
	s, err := BuildFromDSN(ctx, "")
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, s)

	s, err = BuildFromDSN(ctx, "s3://us-west-2?endpoint=http://localhost:4566&path_style=true")
	require.NoError(t, err)
	assert.IsType(t, &S3Store{}, s)

	_, err = BuildFromDSN(ctx, "s3://us-west-2?path_style=maybe")
	assert.ErrorIs(t, err, cumulus.ErrInvalidInput)

	_, err = BuildFromDSN(ctx, "gcs://bucket")
	assert.ErrorIs(t, err, cumulus.ErrInvalidInput)
}
