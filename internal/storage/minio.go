package storage

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinioStore persists blobs in an S3-compatible object storage service.
type MinioStore struct {
	client  *minio.Client
	bucket  string
	baseURL string
}

// MinioOptions configures the S3 backend.
type MinioOptions struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	// BaseURL overrides the public URL prefix, e.g. a CDN domain fronting
	// the bucket. Defaults to the endpoint itself.
	BaseURL string
}

func NewMinioStore(opts MinioOptions) (*MinioStore, error) {
	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("storage: configure s3 client: %w", err)
	}
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		scheme := "http"
		if opts.UseSSL {
			scheme = "https"
		}
		baseURL = fmt.Sprintf("%s://%s/%s", scheme, opts.Endpoint, opts.Bucket)
	}
	return &MinioStore{client: client, bucket: opts.Bucket, baseURL: baseURL}, nil
}

// Put uploads the blob and returns its public URL.
func (s *MinioStore) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	cleanKey, err := sanitizeKey(key)
	if err != nil {
		return "", err
	}
	_, err = s.client.PutObject(ctx, s.bucket, cleanKey, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return "", fmt.Errorf("storage: put object %q: %w", cleanKey, err)
	}
	return s.baseURL + "/" + cleanKey, nil
}

var _ Store = (*MinioStore)(nil)
