// Package attach stores file-message payloads in S3-compatible object
// storage. The message row carries only the object key; clients download
// through short-lived presigned URLs.
package attach

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"mednet/api/internal/util"
)

const (
	maxUploadSize = 25 << 20 // 25 MiB
	presignTTL    = 15 * time.Minute
)

// Store wraps a MinIO client bound to one bucket.
type Store struct {
	client *minio.Client
	bucket string
}

// New connects to the object store and ensures the bucket exists.
func New(ctx context.Context, endpoint, accessKey, secretKey, bucket string, useSSL bool) (*Store, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}

	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", bucket, err)
		}
		log.Printf("attach: created bucket %s", bucket)
	}

	return &Store{client: client, bucket: bucket}, nil
}

// Upload streams one attachment into the bucket and returns its object key.
// The key namespaces by uploading hospital so ownership is checkable from
// the key alone.
func (s *Store) Upload(ctx context.Context, hospitalID, filename, contentType string, size int64, body io.Reader) (string, error) {
	if size <= 0 || size > maxUploadSize {
		return "", fmt.Errorf("attachment size %d out of range", size)
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	key := hospitalID + "/" + util.NewID("att") + "/" + sanitizeFilename(filename)
	_, err := s.client.PutObject(ctx, s.bucket, key, body, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return "", fmt.Errorf("put object %s: %w", key, err)
	}
	return key, nil
}

// PresignedGet returns a short-lived download URL for an object key. The
// caller is responsible for checking that the requester participates in
// the conversation the attachment belongs to.
func (s *Store) PresignedGet(ctx context.Context, key string) (string, error) {
	params := url.Values{}
	params.Set("response-content-disposition", fmt.Sprintf("attachment; filename=%q", path.Base(key)))

	u, err := s.client.PresignedGetObject(ctx, s.bucket, key, presignTTL, params)
	if err != nil {
		return "", fmt.Errorf("presign %s: %w", key, err)
	}
	return u.String(), nil
}

// Owner returns the hospital id segment of an object key.
func Owner(key string) string {
	segment, _, ok := strings.Cut(key, "/")
	if !ok {
		return ""
	}
	return segment
}

func sanitizeFilename(name string) string {
	name = path.Base(strings.TrimSpace(name))
	if name == "" || name == "." || name == "/" {
		return "file"
	}
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '.' || r == '-' || r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}
