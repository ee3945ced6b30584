package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	s3manager "github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	appconfig "github.com/perimetra/salvor/internal/config"
)

type S3Storage struct {
	client     *s3.Client
	uploader   *s3manager.Uploader
	downloader *s3manager.Downloader
	name       string
	bucket     string
	prefix     string
}

// NewS3 builds a replica on AWS S3. Static credentials from config win
// when present; otherwise the SDK's default chain (env, shared config,
// IAM role) applies.
func NewS3(cfg *appconfig.ReplicaTarget) (*S3Storage, error) {
	opts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
	}
	if cfg.AccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(context.TODO(), opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg)

	return &S3Storage{
		client:     client,
		uploader:   s3manager.NewUploader(client),
		downloader: s3manager.NewDownloader(client),
		name:       cfg.Name,
		bucket:     cfg.Bucket,
		prefix:     strings.Trim(cfg.Prefix, "/"),
	}, nil
}

func (s *S3Storage) Name() string {
	return s.name
}

func (s *S3Storage) key(name string) string {
	if s.prefix == "" {
		return name
	}
	return s.prefix + "/" + name
}

func (s *S3Storage) trimKey(key string) string {
	if s.prefix == "" {
		return key
	}
	return strings.TrimPrefix(key, s.prefix+"/")
}

// Upload copies a local file to the bucket.
func (s *S3Storage) Upload(ctx context.Context, localPath string, remoteName string) error {
	return s.put(ctx, localPath, remoteName, nil)
}

// Store copies a local file to the bucket and records its SHA-256 as
// object metadata for later comparison.
func (s *S3Storage) Store(ctx context.Context, localPath string, remoteName string, sha256Hex string) error {
	return s.put(ctx, localPath, remoteName, map[string]string{checksumMetaKey: sha256Hex})
}

func (s *S3Storage) put(ctx context.Context, localPath, remoteName string, metadata map[string]string) error {
	file, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	key := s.key(remoteName)

	_, err = s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:   &s.bucket,
		Key:      &key,
		Body:     file,
		Metadata: metadata,
	})
	if err != nil {
		return fmt.Errorf("failed to upload to S3: %w", err)
	}
	return nil
}

// Download fetches an object into localPath.
func (s *S3Storage) Download(ctx context.Context, remoteName string, localPath string) error {
	file, err := os.Create(localPath)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}

	key := s.key(remoteName)
	_, err = s.downloader.Download(ctx, file, &s3.GetObjectInput{
		Bucket: &s.bucket,
		Key:    &key,
	})
	if cerr := file.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(localPath)
		return fmt.Errorf("failed to download from S3: %w", err)
	}
	return nil
}

// StoredChecksum returns the SHA-256 recorded when the object was
// stored, or ErrObjectMissing when the replica has no such object.
func (s *S3Storage) StoredChecksum(ctx context.Context, remoteName string) (string, error) {
	key := s.key(remoteName)

	head, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: &s.bucket,
		Key:    &key,
	})
	if err != nil {
		var notFound *types.NotFound
		if errors.As(err, &notFound) {
			return "", ErrObjectMissing
		}
		return "", fmt.Errorf("failed to head S3 object: %w", err)
	}
	return head.Metadata[checksumMetaKey], nil
}

// List returns every object name under the prefix. Listing paginates;
// a retention window can hold more objects than one page.
func (s *S3Storage) List(ctx context.Context) ([]string, error) {
	var files []string
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: &s.bucket,
		Prefix: &s.prefix,
	})

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list S3 objects: %w", err)
		}
		for _, obj := range page.Contents {
			if name := s.trimKey(*obj.Key); name != "" {
				files = append(files, name)
			}
		}
	}
	return files, nil
}

// Delete removes an object.
func (s *S3Storage) Delete(ctx context.Context, remoteName string) error {
	key := s.key(remoteName)

	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: &s.bucket,
		Key:    &key,
	})
	if err != nil {
		return fmt.Errorf("failed to delete from S3: %w", err)
	}
	return nil
}

// GetOldFiles returns object names whose last-modified time predates
// cutoffTime.
func (s *S3Storage) GetOldFiles(ctx context.Context, cutoffTime time.Time) ([]string, error) {
	var oldFiles []string
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: &s.bucket,
		Prefix: &s.prefix,
	})

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list S3 objects: %w", err)
		}
		for _, obj := range page.Contents {
			if obj.LastModified != nil && obj.LastModified.Before(cutoffTime) {
				if name := s.trimKey(*obj.Key); name != "" {
					oldFiles = append(oldFiles, name)
				}
			}
		}
	}
	return oldFiles, nil
}
