// Package objstore holds result artifacts and hands out time-limited
// download links.
package objstore

import (
	"context"
	"fmt"
	"time"
)

// Object metadata keys written at upload time. The reconciler reads
// them when it rolls a crashed finalize forward: the cost becomes the
// settle amount and the digest lands on the run row.
const (
	MetadataActualCost = "actual-cost-micros"
	MetadataSHA256     = "envelope-sha256"
)

// Store is the object operations the platform needs. S3 is the
// production implementation; tests use in-memory fakes.
type Store interface {
	// Put durably writes an object. Returning without error means the
	// artifact survives a worker crash.
	Put(ctx context.Context, key string, body []byte, contentType string, metadata map[string]string) error

	// Exists reports whether an object is present. A missing object is
	// (false, nil), not an error; the reconciler branches on it.
	Exists(ctx context.Context, key string) (bool, error)

	// PresignGet returns a URL that downloads the object until expiry.
	PresignGet(ctx context.Context, key string, ttl time.Duration) (url string, expiresAt time.Time, err error)
}

// ArtifactKey is the deterministic object key for a run's result
// envelope: dpp/{tenant}/{YYYY}/{MM}/{DD}/{run}/pack_envelope.json.
// Date comes from admission time so a run's key never moves.
func ArtifactKey(tenantID, runID string, createdAt time.Time) string {
	t := createdAt.UTC()
	return fmt.Sprintf("dpp/%s/%04d/%02d/%02d/%s/pack_envelope.json",
		tenantID, t.Year(), int(t.Month()), t.Day(), runID)
}
