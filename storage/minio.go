package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const (
	tempPrefix  = "tmp/"
	finalPrefix = "documents/"
)

// MinioStorage keeps documents in a MinIO/S3 bucket. Temp uploads live under
// the tmp/ prefix until the pipeline promotes them.
type MinioStorage struct {
	client *minio.Client
	bucket string
}

// NewMinioFromEnv initialises MinioStorage using MINIO_* environment
// variables and bootstraps the bucket when it is missing.
func NewMinioFromEnv() (*MinioStorage, error) {
	endpoint := strings.TrimSpace(os.Getenv("MINIO_ENDPOINT"))
	accessKey := strings.TrimSpace(os.Getenv("MINIO_ACCESS_KEY"))
	secretKey := strings.TrimSpace(os.Getenv("MINIO_SECRET_KEY"))
	bucket := strings.TrimSpace(os.Getenv("MINIO_BUCKET"))
	if endpoint == "" || accessKey == "" || secretKey == "" || bucket == "" {
		return nil, errors.New("storage: MINIO_ENDPOINT, MINIO_ACCESS_KEY, MINIO_SECRET_KEY and MINIO_BUCKET are required")
	}

	useSSL := strings.EqualFold(strings.TrimSpace(os.Getenv("MINIO_USE_SSL")), "true")
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("storage: init minio client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("storage: check bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("storage: create bucket: %w", err)
		}
	}

	return &MinioStorage{client: client, bucket: bucket}, nil
}

func (s *MinioStorage) SaveTemp(ctx context.Context, data []byte, name string) (string, error) {
	if len(data) == 0 {
		return "", errors.New("storage: no data to save")
	}
	objectName := tempPrefix + uuid.NewString() + "_" + sanitizeName(name)
	_, err := s.client.PutObject(ctx, s.bucket, objectName, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{})
	if err != nil {
		return "", fmt.Errorf("storage: upload temp object: %w", err)
	}
	return objectName, nil
}

func (s *MinioStorage) MoveToFinal(ctx context.Context, tempPath string) (string, error) {
	finalName := finalPrefix + path.Base(tempPath)
	_, err := s.client.CopyObject(ctx,
		minio.CopyDestOptions{Bucket: s.bucket, Object: finalName},
		minio.CopySrcOptions{Bucket: s.bucket, Object: tempPath},
	)
	if err != nil {
		return "", fmt.Errorf("storage: promote object: %w", err)
	}
	if err := s.client.RemoveObject(ctx, s.bucket, tempPath, minio.RemoveObjectOptions{}); err != nil {
		return "", fmt.Errorf("storage: remove temp object: %w", err)
	}
	return finalName, nil
}

func (s *MinioStorage) Read(ctx context.Context, objectPath string) ([]byte, error) {
	object, err := s.client.GetObject(ctx, s.bucket, objectPath, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("storage: fetch object %s: %w", objectPath, err)
	}
	defer object.Close()

	data, err := io.ReadAll(object)
	if err != nil {
		return nil, fmt.Errorf("storage: read object %s: %w", objectPath, err)
	}
	return data, nil
}

func (s *MinioStorage) Delete(ctx context.Context, objectPath string) error {
	if err := s.client.RemoveObject(ctx, s.bucket, objectPath, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("storage: delete object %s: %w", objectPath, err)
	}
	return nil
}

func (s *MinioStorage) Stat(ctx context.Context, objectPath string) (*FileInfo, error) {
	info, err := s.client.StatObject(ctx, s.bucket, objectPath, minio.StatObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("storage: stat object %s: %w", objectPath, err)
	}
	return &FileInfo{Size: info.Size, ModTime: info.LastModified}, nil
}

func (s *MinioStorage) Exists(ctx context.Context, objectPath string) (bool, error) {
	_, err := s.client.StatObject(ctx, s.bucket, objectPath, minio.StatObjectOptions{})
	if err == nil {
		return true, nil
	}
	var response minio.ErrorResponse
	if errors.As(err, &response) && response.Code == "NoSuchKey" {
		return false, nil
	}
	return false, fmt.Errorf("storage: stat object %s: %w", objectPath, err)
}

func (s *MinioStorage) PurgeTemp(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for object := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: tempPrefix, Recursive: true}) {
		if object.Err != nil {
			return removed, fmt.Errorf("storage: list temp objects: %w", object.Err)
		}
		if object.LastModified.Before(cutoff) {
			if err := s.client.RemoveObject(ctx, s.bucket, object.Key, minio.RemoveObjectOptions{}); err == nil {
				removed++
			}
		}
	}
	return removed, nil
}
