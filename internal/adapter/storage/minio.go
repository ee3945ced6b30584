package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	appconfig "github.com/perimetra/salvor/internal/config"
)

type MinioStorage struct {
	client *minio.Client
	name   string
	bucket string
	prefix string
}

// NewMinio builds a replica on any S3-compatible endpoint (MinIO, Ceph
// RGW, Wasabi and friends).
func NewMinio(cfg *appconfig.ReplicaTarget) (*MinioStorage, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}

	return &MinioStorage{
		client: client,
		name:   cfg.Name,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
	}, nil
}

func (m *MinioStorage) Name() string {
	return m.name
}

func (m *MinioStorage) key(name string) string {
	if m.prefix == "" {
		return name
	}
	return m.prefix + "/" + name
}

func (m *MinioStorage) trimKey(key string) string {
	if m.prefix == "" {
		return key
	}
	return strings.TrimPrefix(key, m.prefix+"/")
}

func (m *MinioStorage) Upload(ctx context.Context, localPath string, remoteName string) error {
	_, err := m.client.FPutObject(ctx, m.bucket, m.key(remoteName), localPath, minio.PutObjectOptions{})
	if err != nil {
		return fmt.Errorf("failed to upload to %s: %w", m.name, err)
	}
	return nil
}

// Store uploads the file with its SHA-256 attached as user metadata.
func (m *MinioStorage) Store(ctx context.Context, localPath string, remoteName string, sha256Hex string) error {
	_, err := m.client.FPutObject(ctx, m.bucket, m.key(remoteName), localPath, minio.PutObjectOptions{
		UserMetadata: map[string]string{checksumMetaKey: sha256Hex},
	})
	if err != nil {
		return fmt.Errorf("failed to upload to %s: %w", m.name, err)
	}
	return nil
}

func (m *MinioStorage) Download(ctx context.Context, remoteName string, localPath string) error {
	if err := m.client.FGetObject(ctx, m.bucket, m.key(remoteName), localPath, minio.GetObjectOptions{}); err != nil {
		return fmt.Errorf("failed to download from %s: %w", m.name, err)
	}
	return nil
}

// StoredChecksum reads back the SHA-256 recorded at store time, or
// ErrObjectMissing when the object does not exist.
func (m *MinioStorage) StoredChecksum(ctx context.Context, remoteName string) (string, error) {
	info, err := m.client.StatObject(ctx, m.bucket, m.key(remoteName), minio.StatObjectOptions{})
	if err != nil {
		resp := minio.ToErrorResponse(err)
		if resp.Code == "NoSuchKey" || resp.StatusCode == 404 {
			return "", ErrObjectMissing
		}
		return "", fmt.Errorf("failed to stat object on %s: %w", m.name, err)
	}

	// The SDK canonicalizes user metadata keys, so match them loosely.
	for k, v := range info.UserMetadata {
		if strings.EqualFold(k, checksumMetaKey) {
			return v, nil
		}
	}
	return "", nil
}

func (m *MinioStorage) List(ctx context.Context) ([]string, error) {
	var files []string
	for obj := range m.client.ListObjects(ctx, m.bucket, minio.ListObjectsOptions{
		Prefix:    m.prefix,
		Recursive: true,
	}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("failed to list objects on %s: %w", m.name, obj.Err)
		}
		if name := m.trimKey(obj.Key); name != "" {
			files = append(files, name)
		}
	}
	return files, nil
}

func (m *MinioStorage) Delete(ctx context.Context, remoteName string) error {
	if err := m.client.RemoveObject(ctx, m.bucket, m.key(remoteName), minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("failed to delete from %s: %w", m.name, err)
	}
	return nil
}

func (m *MinioStorage) GetOldFiles(ctx context.Context, cutoffTime time.Time) ([]string, error) {
	var oldFiles []string
	for obj := range m.client.ListObjects(ctx, m.bucket, minio.ListObjectsOptions{
		Prefix:    m.prefix,
		Recursive: true,
	}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("failed to list objects on %s: %w", m.name, obj.Err)
		}
		if obj.LastModified.Before(cutoffTime) {
			if name := m.trimKey(obj.Key); name != "" {
				oldFiles = append(oldFiles, name)
			}
		}
	}
	return oldFiles, nil
}
