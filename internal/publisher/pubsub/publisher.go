// Package pubsub publishes search outcomes to a Google Cloud Pub/Sub topic.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"cloud.google.com/go/pubsub"

	"github.com/JakeFAU/askrelay/internal/search"
)

// Publisher wraps a Pub/Sub topic.
type Publisher struct {
	topic *pubsub.Topic
}

// New creates a Publisher for topic.
func New(topic *pubsub.Topic) *Publisher {
	return &Publisher{topic: topic}
}

// Connect opens a client for projectID and returns a Publisher on topicID
// together with a function that releases both.
func Connect(ctx context.Context, projectID, topicID string) (*Publisher, func(), error) {
	if projectID == "" || topicID == "" {
		return nil, nil, fmt.Errorf("pubsub.project_id and pubsub.topic_name are required")
	}
	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, nil, fmt.Errorf("create pubsub client: %w", err)
	}
	topic := client.Topic(topicID)
	release := func() {
		topic.Stop()
		_ = client.Close()
	}
	return New(topic), release, nil
}

// Record marshals outcome to JSON and publishes it, waiting for the server
// to acknowledge.
func (p *Publisher) Record(ctx context.Context, outcome search.Outcome) error {
	_, err := p.Publish(ctx, outcome)
	return err
}

// Publish sends outcome and returns the server-assigned message ID.
func (p *Publisher) Publish(ctx context.Context, outcome search.Outcome) (string, error) {
	if p.topic == nil {
		return "", fmt.Errorf("pubsub publisher is not configured")
	}
	data, err := json.Marshal(outcome)
	if err != nil {
		return "", fmt.Errorf("marshal outcome: %w", err)
	}
	msg := &pubsub.Message{
		Data: data,
		Attributes: map[string]string{
			"origin":  outcome.Origin,
			"success": strconv.FormatBool(outcome.Success),
		},
	}
	id, err := p.topic.Publish(ctx, msg).Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish message: %w", err)
	}
	return id, nil
}

var _ search.OutcomeSink = (*Publisher)(nil)
