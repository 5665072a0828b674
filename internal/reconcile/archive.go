package reconcile

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/pasturetech/herdsync/internal/config"
)

// Archiver persists reconciliation reports for audit. When archive storage is
// not configured (empty bucket), the NoopArchiver is used and reports live
// only in process memory.
type Archiver interface {
	Archive(ctx context.Context, report *Report) error
}

// objectStore defines the minimal minio.Client operations used by
// S3Archiver. This interface enables testing with mock implementations.
type objectStore interface {
	PutObject(ctx context.Context, bucket, objectName string, data []byte) error
}

// minioClientWrapper wraps *minio.Client to satisfy the objectStore
// interface with a byte-slice body and fixed JSON content type.
type minioClientWrapper struct {
	client *minio.Client
}

func (w *minioClientWrapper) PutObject(ctx context.Context, bucket, objectName string, data []byte) error {
	opts := minio.PutObjectOptions{ContentType: "application/json"}
	_, err := w.client.PutObject(ctx, bucket, objectName, bytes.NewReader(data), int64(len(data)), opts)
	return err
}

// S3Archiver writes each report as a JSON object to S3-compatible storage.
type S3Archiver struct {
	client objectStore
	bucket string
}

// Archive uploads the report under a date-partitioned key.
func (a *S3Archiver) Archive(ctx context.Context, report *Report) error {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	key := objectKey(report)
	if err := a.client.PutObject(ctx, a.bucket, key, data); err != nil {
		return fmt.Errorf("archive report to S3: %w", err)
	}
	return nil
}

// objectKey partitions archived reports by sweep date for retention tooling.
func objectKey(report *Report) string {
	return fmt.Sprintf("reconcile/%s/%s.json",
		report.StartedAt.Format("2006/01/02"), report.ID)
}

// NoopArchiver is used when archive storage is not configured.
type NoopArchiver struct{}

// Archive is a no-op when archive storage is not configured.
func (NoopArchiver) Archive(ctx context.Context, report *Report) error {
	return nil
}

// NewArchiver creates the appropriate Archiver based on configuration.
// Returns NoopArchiver when bucket is empty, S3Archiver otherwise.
func NewArchiver(cfg config.ArchiveConfig) (Archiver, error) {
	if cfg.Bucket == "" {
		return NoopArchiver{}, nil
	}

	useSSL := true
	if cfg.UseSSL != nil {
		useSSL = *cfg.UseSSL
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: useSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create S3 client: %w", err)
	}

	return &S3Archiver{
		client: &minioClientWrapper{client: client},
		bucket: cfg.Bucket,
	}, nil
}
