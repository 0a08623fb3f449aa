package messaging

import (
	"context"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"example.com/bloodsync/services/inventory/config"
)

// MessageHandler processes one raw queue message body. A returned error
// abandons the message back to the queue.
type MessageHandler func(ctx context.Context, body []byte) error

// AzureServiceBus consumes queued inventory transactions from hospital
// integrations that push to the queue instead of the HTTP endpoint.
type AzureServiceBus struct {
	client    *azservicebus.Client
	queueName string
}

// NewAzureServiceBus creates a new Service Bus consumer
func NewAzureServiceBus(cfg config.AzureConfig) (*AzureServiceBus, error) {
	if cfg.QueueConnStr == "" {
		return nil, errors.New("Azure Service Bus connection string is empty")
	}

	client, err := azservicebus.NewClientFromConnectionString(cfg.QueueConnStr, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create Service Bus client")
	}

	return &AzureServiceBus{
		client:    client,
		queueName: cfg.QueueName,
	}, nil
}

// ProcessMessages receives and processes queue messages until the context is
// cancelled. Messages the handler rejects are abandoned for redelivery.
func (b *AzureServiceBus) ProcessMessages(ctx context.Context, handler MessageHandler) error {
	receiver, err := b.client.NewReceiverForQueue(b.queueName, nil)
	if err != nil {
		return errors.Wrap(err, "failed to create Service Bus receiver")
	}
	defer func() {
		if err := receiver.Close(context.Background()); err != nil {
			log.Error().Err(err).Msg("Error closing Service Bus receiver")
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		messages, err := receiver.ReceiveMessages(ctx, 10, nil)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Error().Err(err).Msg("Error receiving messages, retrying")
			time.Sleep(2 * time.Second)
			continue
		}

		for _, message := range messages {
			if err := handler(ctx, message.Body); err != nil {
				log.Error().Err(err).Str("message_id", message.MessageID).Msg("Error processing message")
				if err := receiver.AbandonMessage(ctx, message, nil); err != nil {
					log.Error().Err(err).Str("message_id", message.MessageID).Msg("Failed to abandon message")
				}
				continue
			}

			if err := receiver.CompleteMessage(ctx, message, nil); err != nil {
				log.Error().Err(err).Str("message_id", message.MessageID).Msg("Failed to complete message")
			}
		}
	}
}

// Close closes the Service Bus client
func (b *AzureServiceBus) Close() error {
	if b.client != nil {
		return b.client.Close(context.Background())
	}
	return nil
}
