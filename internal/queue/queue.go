// Package queue carries job messages from admission to the workers.
//
// The contract is at-least-once delivery with per-message visibility:
// a received message stays invisible for the lease TTL, heartbeats
// extend that window, and only an explicit delete removes it. Anything
// that cannot be processed keeps redelivering until the dead-letter
// policy on the queue takes it out of rotation.
package queue

import (
	"context"
	"time"
)

// SchemaVersion tags message bodies so a rolling deploy can tell old
// payloads from new ones.
const SchemaVersion = "1"

// Message is the job envelope enqueued at admission. The run row is the
// source of truth; the message only says which run to look at.
type Message struct {
	RunID         string    `json:"run_id"`
	TenantID      string    `json:"tenant_id"`
	PackType      string    `json:"pack_type"`
	EnqueuedAt    time.Time `json:"enqueued_at"`
	SchemaVersion string    `json:"schema_version"`
	TraceID       string    `json:"trace_id,omitempty"`
}

// Delivery is one received message plus the handle needed to delete it
// or extend its invisibility.
type Delivery struct {
	Message Message
	Handle  string
}

// Client is the queue operations the platform needs. SQS is the
// production implementation; tests use in-memory fakes.
type Client interface {
	// Enqueue makes the message durable. An error here, after a
	// successful reserve, triggers admission's compensation path.
	Enqueue(ctx context.Context, msg Message) error

	// Receive long-polls for one message. (nil, nil) means the poll
	// window elapsed with nothing to do.
	Receive(ctx context.Context) (*Delivery, error)

	// Delete acknowledges a message for good.
	Delete(ctx context.Context, handle string) error

	// ExtendVisibility pushes the message's reappearance further out.
	ExtendVisibility(ctx context.Context, handle string, d time.Duration) error
}
