package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/opensandbox/boltshell/pkg/types"
)

// S3Config holds the configuration for the S3 storage backend.
type S3Config struct {
	Endpoint        string
	Bucket          string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	ForcePathStyle  bool
}

// SnapshotStore manages workspace archives in S3-compatible object storage.
type SnapshotStore struct {
	client *s3.Client
	bucket string
	tmpDir string
}

// NewSnapshotStore creates a new S3 snapshot store.
func NewSnapshotStore(cfg S3Config) (*SnapshotStore, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("snapshot bucket is required")
	}
	opts := []func(*s3.Options){
		func(o *s3.Options) {
			o.Region = cfg.Region
			if cfg.AccessKeyID != "" {
				o.Credentials = credentials.NewStaticCredentialsProvider(
					cfg.AccessKeyID, cfg.SecretAccessKey, "",
				)
			}
			if cfg.ForcePathStyle {
				o.UsePathStyle = true
			}
			if cfg.Endpoint != "" {
				o.BaseEndpoint = aws.String(cfg.Endpoint)
			}
			// R2 and MinIO reject the newer default checksum headers.
			o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
			o.ResponseChecksumValidation = aws.ResponseChecksumValidationWhenRequired
		},
	}

	client := s3.New(s3.Options{}, opts...)

	return &SnapshotStore{
		client: client,
		bucket: cfg.Bucket,
		tmpDir: os.TempDir(),
	}, nil
}

// SnapshotKey returns the S3 key for a new workspace archive.
func SnapshotKey(workspaceID string) string {
	return fmt.Sprintf("snapshots/%s/%d.tar.zst", workspaceID, time.Now().UnixNano())
}

// Upload stores the archive read from r under key and returns its size in
// bytes. The stream is spooled to a temp file first so the request carries a
// content length.
func (s *SnapshotStore) Upload(ctx context.Context, key string, r io.Reader) (int64, error) {
	f, err := os.CreateTemp(s.tmpDir, "boltshell-snapshot-*.tar.zst")
	if err != nil {
		return 0, fmt.Errorf("failed to create spool file: %w", err)
	}
	defer os.Remove(f.Name())
	defer f.Close()

	size, err := io.Copy(f, r)
	if err != nil {
		return 0, fmt.Errorf("failed to spool snapshot: %w", err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return 0, err
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          f,
		ContentLength: aws.Int64(size),
		ContentType:   aws.String("application/zstd"),
	})
	if err != nil {
		return 0, fmt.Errorf("failed to upload snapshot to S3: %w", err)
	}

	return size, nil
}

// Download returns an io.ReadCloser streaming the archive from S3.
// The caller must close the reader when done.
func (s *SnapshotStore) Download(ctx context.Context, key string) (io.ReadCloser, error) {
	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to download snapshot from S3: %w", err)
	}
	return resp.Body, nil
}

// List returns the archives of a workspace, newest first.
func (s *SnapshotStore) List(ctx context.Context, workspaceID string) ([]types.SnapshotInfo, error) {
	prefix := "snapshots/" + strings.TrimSuffix(workspaceID, "/") + "/"
	var out []types.SnapshotInfo
	p := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list snapshots: %w", err)
		}
		for _, obj := range page.Contents {
			info := types.SnapshotInfo{Key: aws.ToString(obj.Key), SizeBytes: aws.ToInt64(obj.Size)}
			if obj.LastModified != nil {
				info.LastModified = *obj.LastModified
			}
			out = append(out, info)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key > out[j].Key })
	return out, nil
}

// Delete removes an archive from S3.
func (s *SnapshotStore) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("failed to delete snapshot from S3: %w", err)
	}
	return nil
}
