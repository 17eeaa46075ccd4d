package objstore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestArtifactKey(t *testing.T) {
	createdAt := time.Date(2026, 3, 7, 23, 59, 0, 0, time.UTC)
	assert.Equal(t,
		"dpp/t-1/2026/03/07/r-1/pack_envelope.json",
		ArtifactKey("t-1", "r-1", createdAt))
}

func TestArtifactKeyUsesUTCDate(t *testing.T) {
	// 23:00-05:00 is already the next day in UTC; the key must not
	// depend on the admitting host's zone.
	est := time.FixedZone("EST", -5*3600)
	createdAt := time.Date(2026, 3, 7, 23, 0, 0, 0, est)
	assert.Equal(t,
		"dpp/t-1/2026/03/08/r-1/pack_envelope.json",
		ArtifactKey("t-1", "r-1", createdAt))
}
