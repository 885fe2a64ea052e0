package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
)

// Queue naming convention: each subscriberId gets its own per-namespace
// queue (e.g. subscriber "sub-42" in namespace "default" → queue
// "ocan-default-sub-42"), giving namespace isolation for multi-tenant
// deployments while keeping routing a pure function of subscriberId.

// sqsClient defines the interface for SQS operations
type sqsClient interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	GetQueueUrl(ctx context.Context, params *sqs.GetQueueUrlInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueUrlOutput, error)
}

// SQSClient implements the Client interface for AWS SQS
type SQSClient struct {
	client            sqsClient
	region            string
	namespace         string
	baseURL           string
	visibilityTimeout int32
	waitTimeSeconds   int32
	queueURLCache     map[string]string
}

// SQSConfig holds SQS-specific configuration
type SQSConfig struct {
	Region            string
	Endpoint          string
	Namespace         string
	VisibilityTimeout int32
	WaitTimeSeconds   int32
}

// NewSQSClient creates a new SQS client
func NewSQSClient(ctx context.Context, cfg SQSConfig) (*SQSClient, error) {
	// Load AWS config with IRSA support (pod identity)
	loadOptions := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, loadOptions...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	// Create SQS client with custom endpoint if provided (for LocalStack or custom SQS endpoints)
	var client *sqs.Client
	if cfg.Endpoint != "" {
		client = sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	} else {
		client = sqs.NewFromConfig(awsCfg)
	}

	// Set defaults
	visibilityTimeout := cfg.VisibilityTimeout
	if visibilityTimeout == 0 {
		visibilityTimeout = 300 // 5 minutes default
	}

	waitTimeSeconds := cfg.WaitTimeSeconds
	if waitTimeSeconds == 0 {
		waitTimeSeconds = 20 // Long polling default
	}

	return &SQSClient{
		client:            client,
		region:            cfg.Region,
		namespace:         cfg.Namespace,
		baseURL:           cfg.Endpoint,
		visibilityTimeout: visibilityTimeout,
		waitTimeSeconds:   waitTimeSeconds,
		queueURLCache:     make(map[string]string),
	}, nil
}

// resolveQueueURL resolves the full queue URL from queue name using GetQueueUrl API
func (c *SQSClient) resolveQueueURL(ctx context.Context, queueName string) (string, error) {
	// Check cache first
	if url, ok := c.queueURLCache[queueName]; ok {
		slog.Debug("SQS queue URL from cache", "queue", queueName, "url", url)
		return url, nil
	}

	slog.Debug("Resolving SQS queue URL", "queue", queueName, "baseURL", c.baseURL)

	// Use GetQueueUrl API for dynamic resolution
	result, err := c.client.GetQueueUrl(ctx, &sqs.GetQueueUrlInput{
		QueueName: aws.String(queueName),
	})
	if err != nil {
		return "", fmt.Errorf("failed to resolve queue URL for %s: %w", queueName, err)
	}

	originalURL := aws.ToString(result.QueueUrl)
	queueURL := originalURL
	slog.Debug("SQS GetQueueUrl response", "queue", queueName, "originalURL", originalURL)

	// For LocalStack/custom endpoints: override hostname in returned URL
	// LocalStack returns virtual-host style URLs (http://sqs.{region}.localhost.localstack.cloud:4566/...)
	// which don't resolve in Docker networks. Replace with configured baseURL.
	if c.baseURL != "" {
		// Parse the returned URL to extract account ID and queue name
		// Format: http://host:port/account-id/queue-name
		parts := strings.Split(queueURL, "/")
		slog.Debug("Parsing queue URL", "queue", queueName, "parts", parts, "numParts", len(parts))
		if len(parts) >= 5 {
			// Reconstruct URL with configured baseURL
			accountID := parts[len(parts)-2]
			queue := parts[len(parts)-1]
			queueURL = fmt.Sprintf("%s/%s/%s", strings.TrimSuffix(c.baseURL, "/"), accountID, queue)
			slog.Info("Reconstructed SQS queue URL", "queue", queueName, "originalURL", originalURL, "reconstructedURL", queueURL, "accountID", accountID)
		} else {
			slog.Warn("Unable to reconstruct URL - insufficient parts", "queue", queueName, "originalURL", originalURL, "numParts", len(parts))
		}
	}

	// Cache it
	c.queueURLCache[queueName] = queueURL
	slog.Debug("Cached SQS queue URL", "queue", queueName, "url", queueURL)
	return queueURL, nil
}

// sqsMessage wraps SQS message for the Message interface
type sqsMessage struct {
	body          []byte
	deliveryTag   uint64
	queueURL      string
	receiptHandle string
}

func (m *sqsMessage) Body() []byte {
	return m.body
}

func (m *sqsMessage) DeliveryTag() uint64 {
	return m.deliveryTag
}

// QueueNameFor composes the per-namespace queue name for a subscriber.
func (c *SQSClient) QueueNameFor(subscriberID string) string {
	return fmt.Sprintf("ocan-%s-%s", c.namespace, subscriberID)
}

// Publish sends a notification to the subscriber's own SQS queue.
func (c *SQSClient) Publish(ctx context.Context, subscriberID string, notification NotificationMessage) error {
	body, err := json.Marshal(notification)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	queueName := c.QueueNameFor(subscriberID)
	queueURL, err := c.resolveQueueURL(ctx, queueName)
	if err != nil {
		return fmt.Errorf("failed to resolve queue URL: %w", err)
	}

	slog.Debug("publishing notification to SQS", "subscriberId", subscriberID, "queue", queueName)

	_, err = c.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(queueURL),
		MessageBody: aws.String(string(body)),
	})
	if err != nil {
		slog.Error("failed to publish notification to SQS", "subscriberId", subscriberID, "queue", queueName, "error", err)
		return fmt.Errorf("failed to send to SQS: %w", err)
	}

	return nil
}

// Receive receives a message from the specified queue
func (c *SQSClient) Receive(ctx context.Context, queueName string) (Message, error) {
	queueURL, err := c.resolveQueueURL(ctx, queueName)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve queue URL: %w", err)
	}

	// Long polling loop
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		resp, err := c.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:              aws.String(queueURL),
			MaxNumberOfMessages:   1,
			WaitTimeSeconds:       c.waitTimeSeconds,
			VisibilityTimeout:     c.visibilityTimeout,
			MessageAttributeNames: []string{"All"},
		})
		if err != nil {
			return nil, fmt.Errorf("failed to receive from SQS: %w", err)
		}

		if len(resp.Messages) == 0 {
			continue
		}

		msg := resp.Messages[0]

		return &sqsMessage{
			body:          []byte(aws.ToString(msg.Body)),
			deliveryTag:   0,
			queueURL:      queueURL,
			receiptHandle: aws.ToString(msg.ReceiptHandle),
		}, nil
	}
}

// Ack acknowledges a message by deleting it from the queue
func (c *SQSClient) Ack(ctx context.Context, msg Message) error {
	sqsMsg, ok := msg.(*sqsMessage)
	if !ok {
		return fmt.Errorf("invalid message type: expected *sqsMessage")
	}

	_, err := c.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(sqsMsg.queueURL),
		ReceiptHandle: aws.String(sqsMsg.receiptHandle),
	})
	if err != nil {
		return fmt.Errorf("failed to ack message: %w", err)
	}

	return nil
}

// Close closes the SQS client (no-op for SQS)
func (c *SQSClient) Close() error {
	return nil
}
