package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"apiguard/internal/models"
	"apiguard/internal/utils"
)

// ObjectPutter is the part of the S3 client the archive needs.
type ObjectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// ArchiveConfig selects the bucket and naming for archived batches.
type ArchiveConfig struct {
	Bucket   string
	Region   string
	Prefix   string // e.g. "audit/"
	Instance string // written into object names so replicas never collide
	// Endpoint points the client at an S3-compatible store such as MinIO.
	Endpoint string
}

// S3Archive writes batches of audit records as JSON Lines objects.
type S3Archive struct {
	client   ObjectPutter
	bucket   string
	prefix   string
	instance string
	now      func() time.Time
	logger   *utils.Logger
}

// NewS3Archive loads the default AWS credential chain and builds a client.
func NewS3Archive(ctx context.Context, cfg ArchiveConfig) (*S3Archive, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return NewS3ArchiveWithClient(client, cfg), nil
}

// NewS3ArchiveWithClient uses an existing client.
func NewS3ArchiveWithClient(client ObjectPutter, cfg ArchiveConfig) *S3Archive {
	instance := cfg.Instance
	if instance == "" {
		instance = "apiguard"
	}
	return &S3Archive{
		client:   client,
		bucket:   cfg.Bucket,
		prefix:   cfg.Prefix,
		instance: instance,
		now:      time.Now,
		logger:   utils.NewLogger("audit-archive"),
	}
}

// ObjectKey names a batch object: <prefix>YYYY/MM/DD/<instance>-<stamp>-<nanos>.jsonl
func (a *S3Archive) ObjectKey(at time.Time) string {
	at = at.UTC()
	return fmt.Sprintf("%s%04d/%02d/%02d/%s-%s-%09d.jsonl",
		a.prefix, at.Year(), at.Month(), at.Day(),
		a.instance, at.Format("20060102-150405"), at.Nanosecond())
}

// WriteBatch uploads records and returns the object key. An empty batch
// writes nothing and returns "".
func (a *S3Archive) WriteBatch(ctx context.Context, records []*models.RequestStat) (string, error) {
	if len(records) == 0 {
		return "", nil
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, rec := range records {
		if err := enc.Encode(rec); err != nil {
			a.logger.Error("Failed to encode audit record", "request_id", rec.RequestID, "error", err)
		}
	}

	key := a.ObjectKey(a.now())
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(buf.Bytes()),
		ContentType: aws.String("application/x-ndjson"),
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload audit batch: %w", err)
	}

	a.logger.Debug("Archived audit batch", "key", key, "count", len(records), "bytes", buf.Len())
	return key, nil
}
