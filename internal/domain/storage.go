package domain

import (
	"context"
	"errors"
	"time"
)

// ErrObjectMissing reports that a replica holds no object under the
// requested name. Replication treats it as "copy needed", not failure.
var ErrObjectMissing = errors.New("object not found")

type Storage interface {
	Upload(ctx context.Context, localPath string, remoteName string) error
	Download(ctx context.Context, remoteName string, localPath string) error
	List(ctx context.Context) ([]string, error)
	Delete(ctx context.Context, remoteName string) error
	GetOldFiles(ctx context.Context, cutoffTime time.Time) ([]string, error)
}

// Replica is a remote replication target. Store records the artifact's
// SHA-256 alongside the object so a later StoredChecksum call can verify
// content equality without trusting provider ETags.
type Replica interface {
	Storage
	Name() string
	Store(ctx context.Context, localPath string, remoteName string, sha256Hex string) error
	StoredChecksum(ctx context.Context, remoteName string) (string, error)
}
