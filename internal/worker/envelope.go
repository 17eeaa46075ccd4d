package worker

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/packforge/dpp/internal/money"
	"github.com/packforge/dpp/internal/runstore"
)

// Envelope schema identifiers. Consumers of stored artifacts key their
// parsers off these.
const (
	EnvelopeSchemaVersion = "0.4.2.2"
	ProfileVersion        = "PROFILE_DPP_0_4_2_2"
)

// EnvelopeCost is the money block of an artifact, rendered as 4-decimal
// USD strings. The integer micros stay in the run row; the envelope is
// for human and downstream consumption.
type EnvelopeCost struct {
	ReservedUSD   string `json:"reserved_usd"`
	ActualUSD     string `json:"actual_usd"`
	MinimumFeeUSD string `json:"minimum_fee_usd"`
}

// Envelope is the canonical result artifact written to object storage.
type Envelope struct {
	SchemaVersion string            `json:"schema_version"`
	RunID         string            `json:"run_id"`
	PackType      string            `json:"pack_type"`
	Status        string            `json:"status"`
	GeneratedAt   time.Time         `json:"generated_at"`
	Cost          EnvelopeCost      `json:"cost"`
	Data          json.RawMessage   `json:"data"`
	Artifacts     []string          `json:"artifacts,omitempty"`
	Logs          []string          `json:"logs,omitempty"`
	Meta          map[string]string `json:"meta"`
}

// BuildEnvelope assembles the artifact body for a completed run and
// returns its bytes with their hex SHA-256. The hash is of the exact
// stored bytes, so a downloader can verify integrity against the run
// row's result_sha256.
func BuildEnvelope(run *runstore.Run, data json.RawMessage, actualCostMicros int64, generatedAt time.Time) ([]byte, string, error) {
	env := Envelope{
		SchemaVersion: EnvelopeSchemaVersion,
		RunID:         run.RunID,
		PackType:      run.PackType,
		Status:        string(runstore.StatusCompleted),
		GeneratedAt:   generatedAt.UTC(),
		Cost: EnvelopeCost{
			ReservedUSD:   money.FormatUSD(run.ReservationMaxCostMicros),
			ActualUSD:     money.FormatUSD(actualCostMicros),
			MinimumFeeUSD: money.FormatUSD(run.MinimumFeeMicros),
		},
		Data: data,
		Meta: map[string]string{"profile_version": ProfileVersion},
	}
	if run.TraceID != nil {
		env.Meta["trace_id"] = *run.TraceID
	}

	body, err := json.Marshal(env)
	if err != nil {
		return nil, "", fmt.Errorf("marshal envelope: %w", err)
	}

	sum := sha256.Sum256(body)
	return body, hex.EncodeToString(sum[:]), nil
}
