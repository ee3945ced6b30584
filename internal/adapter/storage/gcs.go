package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	gcs "google.golang.org/api/storage/v1"

	appconfig "github.com/perimetra/salvor/internal/config"
)

type GCSStorage struct {
	service *gcs.Service
	name    string
	bucket  string
	prefix  string
}

// NewGCS builds a replica on Google Cloud Storage. A credentials file
// from config wins when present; otherwise application default
// credentials apply.
func NewGCS(cfg *appconfig.ReplicaTarget) (*GCSStorage, error) {
	ctx := context.Background()

	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	service, err := gcs.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create gcs service: %w", err)
	}

	return &GCSStorage{
		service: service,
		name:    cfg.Name,
		bucket:  cfg.Bucket,
		prefix:  strings.Trim(cfg.Prefix, "/"),
	}, nil
}

func (g *GCSStorage) Name() string {
	return g.name
}

func (g *GCSStorage) key(name string) string {
	if g.prefix == "" {
		return name
	}
	return g.prefix + "/" + name
}

func (g *GCSStorage) trimKey(key string) string {
	if g.prefix == "" {
		return key
	}
	return strings.TrimPrefix(key, g.prefix+"/")
}

func (g *GCSStorage) Upload(ctx context.Context, localPath string, remoteName string) error {
	return g.put(ctx, localPath, remoteName, nil)
}

// Store uploads the file with its SHA-256 attached as object metadata.
func (g *GCSStorage) Store(ctx context.Context, localPath string, remoteName string, sha256Hex string) error {
	return g.put(ctx, localPath, remoteName, map[string]string{checksumMetaKey: sha256Hex})
}

func (g *GCSStorage) put(ctx context.Context, localPath, remoteName string, metadata map[string]string) error {
	file, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	object := &gcs.Object{
		Name:     g.key(remoteName),
		Metadata: metadata,
	}

	_, err = g.service.Objects.Insert(g.bucket, object).
		Media(file).
		Context(ctx).
		Do()
	if err != nil {
		return fmt.Errorf("failed to upload to %s: %w", g.name, err)
	}
	return nil
}

func (g *GCSStorage) Download(ctx context.Context, remoteName string, localPath string) error {
	resp, err := g.service.Objects.Get(g.bucket, g.key(remoteName)).
		Context(ctx).
		Download()
	if err != nil {
		return fmt.Errorf("failed to download from %s: %w", g.name, err)
	}
	defer resp.Body.Close()

	file, err := os.Create(localPath)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}

	_, err = io.Copy(file, resp.Body)
	if cerr := file.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(localPath)
		return fmt.Errorf("failed to download from %s: %w", g.name, err)
	}
	return nil
}

// StoredChecksum reads back the SHA-256 recorded at store time, or
// ErrObjectMissing when the object does not exist.
func (g *GCSStorage) StoredChecksum(ctx context.Context, remoteName string) (string, error) {
	object, err := g.service.Objects.Get(g.bucket, g.key(remoteName)).
		Context(ctx).
		Do()
	if err != nil {
		var apiErr *googleapi.Error
		if errors.As(err, &apiErr) && apiErr.Code == 404 {
			return "", ErrObjectMissing
		}
		return "", fmt.Errorf("failed to stat object on %s: %w", g.name, err)
	}
	return object.Metadata[checksumMetaKey], nil
}

func (g *GCSStorage) List(ctx context.Context) ([]string, error) {
	var files []string
	err := g.service.Objects.List(g.bucket).
		Prefix(g.prefix).
		Pages(ctx, func(page *gcs.Objects) error {
			for _, obj := range page.Items {
				if name := g.trimKey(obj.Name); name != "" {
					files = append(files, name)
				}
			}
			return nil
		})
	if err != nil {
		return nil, fmt.Errorf("failed to list objects on %s: %w", g.name, err)
	}
	return files, nil
}

func (g *GCSStorage) Delete(ctx context.Context, remoteName string) error {
	err := g.service.Objects.Delete(g.bucket, g.key(remoteName)).
		Context(ctx).
		Do()
	if err != nil {
		return fmt.Errorf("failed to delete from %s: %w", g.name, err)
	}
	return nil
}

func (g *GCSStorage) GetOldFiles(ctx context.Context, cutoffTime time.Time) ([]string, error) {
	var oldFiles []string
	err := g.service.Objects.List(g.bucket).
		Prefix(g.prefix).
		Pages(ctx, func(page *gcs.Objects) error {
			for _, obj := range page.Items {
				created, parseErr := time.Parse(time.RFC3339, obj.TimeCreated)
				if parseErr != nil {
					continue
				}
				if created.Before(cutoffTime) {
					if name := g.trimKey(obj.Name); name != "" {
						oldFiles = append(oldFiles, name)
					}
				}
			}
			return nil
		})
	if err != nil {
		return nil, fmt.Errorf("failed to list objects on %s: %w", g.name, err)
	}
	return oldFiles, nil
}
