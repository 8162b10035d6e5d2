package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"cloud.google.com/go/pubsub"
)

// PubSub publishes events to a Google Cloud Pub/Sub topic. Publishing is
// fire-and-forget; the client batches and retries in the background.
type PubSub struct {
	client *pubsub.Client
	topic  *pubsub.Topic
}

// NewPubSub creates a Pub/Sub publisher and verifies the topic exists. It
// authenticates with Application Default Credentials.
func NewPubSub(ctx context.Context, projectID, topicID string) (*PubSub, error) {
	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	topic := client.Topic(topicID)
	exists, err := topic.Exists(ctx)
	if err != nil {
		client.Close() //nolint:errcheck // already failing
		return nil, fmt.Errorf("check pubsub topic %q: %w", topicID, err)
	}
	if !exists {
		client.Close() //nolint:errcheck // already failing
		return nil, fmt.Errorf("pubsub topic %q does not exist in project %q", topicID, projectID)
	}
	return &PubSub{client: client, topic: topic}, nil
}

// Publish marshals the event to JSON and hands it to the topic publisher.
func (p *PubSub) Publish(ctx context.Context, evt Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	p.topic.Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: map[string]string{"status": string(evt.Status)},
	})
	return nil
}

// Close flushes pending messages and closes the client.
func (p *PubSub) Close() error {
	p.topic.Stop()
	if err := p.client.Close(); err != nil {
		return fmt.Errorf("close pubsub client: %w", err)
	}
	return nil
}
