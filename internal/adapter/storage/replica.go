package storage

import "github.com/perimetra/salvor/internal/domain"

// checksumMetaKey is the object metadata key replicas store the
// artifact's SHA-256 under. ETags are not content hashes for
// multipart or encrypted uploads, so sync decisions key on this.
const checksumMetaKey = "sha256"

// ErrObjectMissing is returned by StoredChecksum when a replica holds
// no object under the requested name.
var ErrObjectMissing = domain.ErrObjectMissing
