package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"apiguard/internal/models"
)

type fakePutter struct {
	inputs []*s3.PutObjectInput
	bodies []string
	err    error
}

func (f *fakePutter) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	body, _ := io.ReadAll(in.Body)
	f.inputs = append(f.inputs, in)
	f.bodies = append(f.bodies, string(body))
	return &s3.PutObjectOutput{}, nil
}

func TestS3Archive_WriteBatch(t *testing.T) {
	putter := &fakePutter{}
	archive := NewS3ArchiveWithClient(putter, ArchiveConfig{Bucket: "audit-bucket", Prefix: "audit/", Instance: "gw-0"})
	archive.now = func() time.Time { return time.Date(2026, 3, 1, 14, 30, 22, 123, time.UTC) }

	key, err := archive.WriteBatch(context.Background(), []*models.RequestStat{
		{RequestID: "r1", StatusCode: 200},
		{RequestID: "r2", StatusCode: 429},
	})
	require.NoError(t, err)

	assert.Equal(t, "audit/2026/03/01/gw-0-20260301-143022-000000123.jsonl", key)
	require.Len(t, putter.inputs, 1)
	assert.Equal(t, "audit-bucket", aws.ToString(putter.inputs[0].Bucket))
	assert.Equal(t, "application/x-ndjson", aws.ToString(putter.inputs[0].ContentType))

	var ids []string
	sc := bufio.NewScanner(strings.NewReader(putter.bodies[0]))
	for sc.Scan() {
		var rec models.RequestStat
		require.NoError(t, json.Unmarshal(sc.Bytes(), &rec))
		ids = append(ids, rec.RequestID)
	}
	assert.Equal(t, []string{"r1", "r2"}, ids)
}

func TestS3Archive_EmptyBatch(t *testing.T) {
	putter := &fakePutter{}
	archive := NewS3ArchiveWithClient(putter, ArchiveConfig{Bucket: "b"})

	key, err := archive.WriteBatch(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, key)
	assert.Empty(t, putter.inputs)
}

func TestS3Archive_UploadError(t *testing.T) {
	putter := &fakePutter{err: errors.New("access denied")}
	archive := NewS3ArchiveWithClient(putter, ArchiveConfig{Bucket: "b"})

	_, err := archive.WriteBatch(context.Background(), []*models.RequestStat{{RequestID: "r1"}})
	assert.ErrorContains(t, err, "access denied")
}
