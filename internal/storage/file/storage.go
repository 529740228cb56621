package file

import (
	"context"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Storage is the artifact store: S3-compatible byte storage (MinIO) addressed
// by opaque object refs. The pipeline never interprets a ref beyond handing
// it back to this store.
type Storage struct {
	client     *minio.Client
	bucketName string
}

// NewStorage connects to the MinIO server and ensures the bucket exists.
func NewStorage(ctx context.Context, endpoint, accessKey, secretKey, bucketName string, useSSL bool) (*Storage, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize minio client: %w", err)
	}

	exists, err := client.BucketExists(ctx, bucketName)
	if err != nil {
		return nil, fmt.Errorf("failed to check if bucket exists: %w", err)
	}

	if !exists {
		if err := client.MakeBucket(ctx, bucketName, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("failed to create bucket: %w", err)
		}
	}

	return &Storage{
		client:     client,
		bucketName: bucketName,
	}, nil
}

// Save uploads the bytes under the given ref and returns the ref back.
func (s *Storage) Save(ctx context.Context, ref string, src io.Reader) (string, error) {
	_, err := s.client.PutObject(ctx, s.bucketName, ref, src, -1, minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	if err != nil {
		return "", fmt.Errorf("failed to save object %s: %w", ref, err)
	}

	return ref, nil
}

// Load returns a reader for the object stored under ref.
func (s *Storage) Load(ctx context.Context, ref string) (io.ReadCloser, error) {
	obj, err := s.client.GetObject(ctx, s.bucketName, ref, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to load object %s: %w", ref, err)
	}

	return obj, nil
}

// Delete removes the object stored under ref.
func (s *Storage) Delete(ctx context.Context, ref string) error {
	return s.client.RemoveObject(ctx, s.bucketName, ref, minio.RemoveObjectOptions{})
}
