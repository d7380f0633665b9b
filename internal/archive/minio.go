// Package archive persists terminal task results to object storage so the
// queue can purge records without losing their outcomes.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Archiver stores the final result document of a task.
type Archiver interface {
	ArchiveResult(ctx context.Context, ownerID, taskID, status string, result map[string]any) error
}

// Record is the document written for each archived task.
type Record struct {
	TaskID     string         `json:"taskId"`
	OwnerID    string         `json:"ownerId"`
	Status     string         `json:"status"`
	Result     map[string]any `json:"result,omitempty"`
	ArchivedAt string         `json:"archivedAt"`
}

type MinIOOptions struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

type MinIOArchiver struct {
	client *minio.Client
	bucket string
}

func NewMinIOArchiver(ctx context.Context, opts MinIOOptions) (*MinIOArchiver, error) {
	endpoint := strings.TrimSpace(opts.Endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("minio endpoint is required when DISPATCH_ARCHIVE_BACKEND=minio")
	}
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.UseSSL,
	})
	if err != nil {
		return nil, err
	}
	bucket := strings.TrimSpace(opts.Bucket)
	if bucket == "" {
		bucket = "dispatch-results"
	}
	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, err
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, err
		}
	}
	return &MinIOArchiver{client: client, bucket: bucket}, nil
}

func (a *MinIOArchiver) ArchiveResult(ctx context.Context, ownerID, taskID, status string, result map[string]any) error {
	doc := Record{
		TaskID:     taskID,
		OwnerID:    ownerID,
		Status:     status,
		Result:     result,
		ArchivedAt: time.Now().UTC().Format(time.RFC3339),
	}
	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode archive record for %s: %w", taskID, err)
	}
	objectName := fmt.Sprintf("%s/%s.json", ownerID, taskID)
	_, err = a.client.PutObject(ctx, a.bucket, objectName, bytes.NewReader(body), int64(len(body)),
		minio.PutObjectOptions{ContentType: "application/json"})
	if err != nil {
		return fmt.Errorf("archive %s: %w", taskID, err)
	}
	return nil
}

// Noop discards results. Used when no archive backend is configured.
type Noop struct{}

func (Noop) ArchiveResult(context.Context, string, string, string, map[string]any) error {
	return nil
}
