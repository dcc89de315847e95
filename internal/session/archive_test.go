package session

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Iron-Ham/foreman/internal/errors"
)

// fakeS3 keeps objects in memory.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
	putErr  error
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: make(map[string][]byte)}
}

func (f *fakeS3) PutObject(_ context.Context, params *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.putErr != nil {
		return nil, f.putErr
	}
	data, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}
	f.objects[aws.ToString(params.Key)] = data
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(_ context.Context, params *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[aws.ToString(params.Key)]
	if !ok {
		return nil, &types.NoSuchKey{Message: aws.String("missing")}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeS3) ListObjectsV2(_ context.Context, params *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var keys []string
	for k := range f.objects {
		if strings.HasPrefix(k, aws.ToString(params.Prefix)) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	out := &s3.ListObjectsV2Output{IsTruncated: aws.Bool(false)}
	for _, k := range keys {
		out.Contents = append(out.Contents, types.Object{Key: aws.String(k)})
	}
	return out, nil
}

func TestFileArchive_AppendAndList(t *testing.T) {
	ctx := context.Background()
	archive := NewFileArchive(afero.NewMemMapFs(), "/state/sessions")

	first := &Record{TaskID: "fm-1", Attempt: 1, Status: StatusFailed, FailureType: "test_failure"}
	second := &Record{TaskID: "fm-1", Attempt: 2, Status: StatusSuccess, Diff: "+x"}
	require.NoError(t, archive.Append(ctx, first))
	require.NoError(t, archive.Append(ctx, second))
	require.NoError(t, archive.Append(ctx, &Record{TaskID: "fm-2", Status: StatusCrashed}))

	assert.NotEmpty(t, first.ID)
	assert.False(t, first.EndedAt.IsZero())

	records, err := archive.List(ctx, "fm-1")
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, 1, records[0].Attempt)
	assert.Equal(t, StatusSuccess, records[1].Status)
	assert.Equal(t, "+x", records[1].Diff)
}

func TestFileArchive_NeverOverwrites(t *testing.T) {
	ctx := context.Background()
	archive := NewFileArchive(afero.NewMemMapFs(), "/sessions")

	rec := &Record{ID: "fixed", TaskID: "fm-1", Status: StatusFailed}
	require.NoError(t, archive.Append(ctx, rec))

	dup := &Record{ID: "fixed", TaskID: "fm-1", Status: StatusSuccess}
	err := archive.Append(ctx, dup)
	assert.True(t, errors.Is(err, errors.ErrSessionExists))

	records, err := archive.List(ctx, "fm-1")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, StatusFailed, records[0].Status)
}

func TestFileArchive_ListUnknownTask(t *testing.T) {
	records, err := NewFileArchive(afero.NewMemMapFs(), "/sessions").List(context.Background(), "nope")
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestFileArchive_RequiresTaskID(t *testing.T) {
	err := NewFileArchive(afero.NewMemMapFs(), "/sessions").Append(context.Background(), &Record{})
	assert.True(t, errors.Is(err, errors.ErrInvalidInput))
}

func TestS3Archive_AppendAndList(t *testing.T) {
	ctx := context.Background()
	client := newFakeS3()
	archive := NewS3ArchiveWithClient(client, "bucket", "/foreman/prod/")

	rec := &Record{TaskID: "fm-9", ProjectID: "api", Status: StatusRejected}
	require.NoError(t, archive.Append(ctx, rec))

	key := fmt.Sprintf("foreman/prod/sessions/fm-9/%s.json", rec.ID)
	_, ok := client.objects[key]
	assert.True(t, ok, "expected object at %s", key)

	records, err := archive.List(ctx, "fm-9")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, StatusRejected, records[0].Status)
}

func TestMultiArchive_MirrorFailureIsNotFatal(t *testing.T) {
	ctx := context.Background()
	primary := NewFileArchive(afero.NewMemMapFs(), "/sessions")
	failing := newFakeS3()
	failing.putErr = fmt.Errorf("access denied")
	mirror := NewS3ArchiveWithClient(failing, "bucket", "")

	multi := NewMultiArchive(primary, nil, mirror)
	rec := &Record{TaskID: "fm-1", Status: StatusSuccess}
	require.NoError(t, multi.Append(ctx, rec))

	records, err := multi.List(ctx, "fm-1")
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestNewID_Monotonic(t *testing.T) {
	prev := NewID()
	for i := 0; i < 100; i++ {
		next := NewID()
		assert.Less(t, prev, next)
		prev = next
	}
}
