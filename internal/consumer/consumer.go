package consumer

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awssqs "github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"go.uber.org/zap"

	"github.com/vigilwear/vigil/internal/audit"
	verrors "github.com/vigilwear/vigil/internal/errors"
	"github.com/vigilwear/vigil/internal/receiver"
)

// Config holds consumer loop settings.
type Config struct {
	// ConsumerID names this consumer for checkpointing
	ConsumerID string

	// MaxMessages is the max messages fetched per poll (1-10)
	MaxMessages int32

	// WaitTimeSeconds is the long-poll wait time
	WaitTimeSeconds int32
}

// Consumer long-polls the queue and feeds envelopes through the admission
// pipeline.
//
// A message is acknowledged (deleted) once its routing decision is durably
// recorded; duplicates and sheds are decisions too, so they ack. Only
// transient failures leave the message for redelivery, which the
// deduplicator then absorbs. Structural rejections ack after logging, since
// redelivering a malformed envelope can never succeed.
type Consumer struct {
	queue    QueueConsumer
	receiver *receiver.Receiver
	store    *audit.Store
	config   Config
	log      *zap.Logger
}

// New creates a consumer over the given queue.
func New(queue QueueConsumer, rcv *receiver.Receiver, store *audit.Store, cfg Config, log *zap.Logger) *Consumer {
	if cfg.ConsumerID == "" {
		cfg.ConsumerID = "vigil-sqs"
	}
	if cfg.MaxMessages <= 0 || cfg.MaxMessages > 10 {
		cfg.MaxMessages = 10
	}
	if cfg.WaitTimeSeconds <= 0 {
		cfg.WaitTimeSeconds = 20
	}

	return &Consumer{
		queue:    queue,
		receiver: rcv,
		store:    store,
		config:   cfg,
		log:      log,
	}
}

// Run polls the queue until the context is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	if pos, err := c.store.LoadCheckpoint(ctx, c.config.ConsumerID); err == nil && pos != "" {
		c.log.Info("resuming consumer",
			zap.String("consumer_id", c.config.ConsumerID),
			zap.String("last_position", pos))
	}

	for {
		select {
		case <-ctx.Done():
			c.log.Info("consumer shutting down")
			return ctx.Err()
		default:
		}

		result, err := c.queue.ReceiveMessages(ctx, &awssqs.ReceiveMessageInput{
			QueueUrl:            aws.String(c.queue.QueueURL()),
			MaxNumberOfMessages: c.config.MaxMessages,
			WaitTimeSeconds:     c.config.WaitTimeSeconds,
		})
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.log.Error("failed to receive messages", zap.Error(err))
			time.Sleep(time.Second)
			continue
		}

		for _, msg := range result.Messages {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.handle(ctx, msg)
		}
	}
}

// handle admits one message and settles it against the queue.
func (c *Consumer) handle(ctx context.Context, msg sqstypes.Message) {
	messageID := aws.ToString(msg.MessageId)

	receipt, err := c.receiver.Ingest(ctx, []byte(aws.ToString(msg.Body)))
	if err != nil {
		if verrors.IsRetryable(err) {
			// Leave the message; the visibility timeout redelivers it and the
			// deduplicator absorbs any partial progress.
			c.log.Warn("transient admission failure, message will redeliver",
				zap.String("message_id", messageID), zap.Error(err))
			return
		}
		c.log.Error("rejecting malformed message",
			zap.String("message_id", messageID), zap.Error(err))
		c.ack(ctx, msg)
		return
	}

	c.log.Debug("message admitted",
		zap.String("message_id", messageID),
		zap.String("decision_id", receipt.Decision.DecisionID),
		zap.String("path", string(receipt.Decision.Path)),
		zap.Bool("duplicate", receipt.Duplicate))

	c.ack(ctx, msg)

	if err := c.store.SaveCheckpoint(ctx, c.config.ConsumerID, messageID); err != nil {
		c.log.Warn("failed to save checkpoint",
			zap.String("message_id", messageID), zap.Error(err))
	}
}

// ack deletes a settled message from the queue.
func (c *Consumer) ack(ctx context.Context, msg sqstypes.Message) {
	_, err := c.queue.DeleteMessage(ctx, &awssqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.queue.QueueURL()),
		ReceiptHandle: msg.ReceiptHandle,
	})
	if err != nil {
		// The decision is already durable; redelivery is a duplicate the
		// pipeline suppresses.
		c.log.Warn("failed to delete message",
			zap.String("message_id", aws.ToString(msg.MessageId)), zap.Error(err))
	}
}
