package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/rs/zerolog"

	"github.com/packforge/dpp/internal/config"
)

// sqsAPI is the slice of the SQS client the implementation calls.
type sqsAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, params *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
}

// SQSClient is the production queue on AWS SQS. The dead-letter queue
// is wired by the queue's redrive policy, not by this code.
type SQSClient struct {
	api      sqsAPI
	queueURL string
	log      zerolog.Logger
}

// NewSQS creates a queue client bound to one queue URL.
func NewSQS(api *sqs.Client, queueURL string, logger zerolog.Logger) *SQSClient {
	return &SQSClient{
		api:      api,
		queueURL: queueURL,
		log:      logger.With().Str("component", "queue").Logger(),
	}
}

// Enqueue sends the message as a JSON body.
func (c *SQSClient) Enqueue(ctx context.Context, msg Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal job message: %w", err)
	}

	_, err = c.api.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(c.queueURL),
		MessageBody: aws.String(string(body)),
	})
	if err != nil {
		return fmt.Errorf("enqueue run %s: %w", msg.RunID, err)
	}

	c.log.Debug().
		Str("run_id", msg.RunID).
		Str("pack_type", msg.PackType).
		Msg("job enqueued")
	return nil
}

// Receive long-polls for a single message with the lease TTL as its
// initial visibility window.
func (c *SQSClient) Receive(ctx context.Context) (*Delivery, error) {
	out, err := c.api.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(c.queueURL),
		MaxNumberOfMessages: 1,
		WaitTimeSeconds:     int32(config.QueueLongPoll / time.Second),
		VisibilityTimeout:   int32(config.LeaseTTL / time.Second),
	})
	if err != nil {
		return nil, fmt.Errorf("receive: %w", err)
	}
	if len(out.Messages) == 0 {
		return nil, nil
	}

	raw := out.Messages[0]
	var msg Message
	if err := json.Unmarshal([]byte(aws.ToString(raw.Body)), &msg); err != nil {
		// A body we cannot decode will never decode; let redelivery
		// push it to the DLQ rather than poison this worker.
		c.log.Error().
			Err(err).
			Str("message_id", aws.ToString(raw.MessageId)).
			Msg("undecodable job message left for redelivery")
		return nil, nil
	}

	return &Delivery{Message: msg, Handle: aws.ToString(raw.ReceiptHandle)}, nil
}

// Delete acknowledges the message.
func (c *SQSClient) Delete(ctx context.Context, handle string) error {
	_, err := c.api.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.queueURL),
		ReceiptHandle: aws.String(handle),
	})
	if err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	return nil
}

// ExtendVisibility keeps the message invisible for another d.
func (c *SQSClient) ExtendVisibility(ctx context.Context, handle string, d time.Duration) error {
	_, err := c.api.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(c.queueURL),
		ReceiptHandle:     aws.String(handle),
		VisibilityTimeout: int32(d / time.Second),
	})
	if err != nil {
		return fmt.Errorf("extend visibility: %w", err)
	}
	return nil
}
