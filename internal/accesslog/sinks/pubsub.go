package sinks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"cloud.google.com/go/pubsub"
	"google.golang.org/api/option"

	"github.com/JakeFAU/fetchproxy/internal/fetchproxy"
)

// PubSubConfig names the topic records are published to.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicID   string `mapstructure:"topic_id"`
}

// PubSubSink publishes each record as one JSON message.
type PubSubSink struct {
	client *pubsub.Client
	topic  *pubsub.Topic
}

// NewPubSubSink creates a client for cfg.ProjectID and binds cfg.TopicID.
func NewPubSubSink(ctx context.Context, cfg PubSubConfig, opts ...option.ClientOption) (*PubSubSink, error) {
	if cfg.ProjectID == "" || cfg.TopicID == "" {
		return nil, errors.New("accesslog.pubsub.project_id and topic_id are required")
	}
	client, err := pubsub.NewClient(ctx, cfg.ProjectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	return &PubSubSink{client: client, topic: client.Topic(cfg.TopicID)}, nil
}

// Consume publishes the batch and waits for every server ack.
func (s *PubSubSink) Consume(ctx context.Context, batch []fetchproxy.AccessRecord) error {
	results := make([]*pubsub.PublishResult, 0, len(batch))
	for _, rec := range batch {
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshal access record: %w", err)
		}
		results = append(results, s.topic.Publish(ctx, &pubsub.Message{
			Data: data,
			Attributes: map[string]string{
				"worker_id":     rec.WorkerID,
				"cache_outcome": rec.CacheOutcome.String(),
				"domain":        rec.Domain,
			},
		}))
	}
	var errs []error
	for _, res := range results {
		if _, err := res.Get(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("publish %d of %d records: %w", len(errs), len(batch), errors.Join(errs...))
	}
	return nil
}

// Close flushes pending publishes and closes the client.
func (s *PubSubSink) Close(context.Context) error {
	s.topic.Stop()
	if err := s.client.Close(); err != nil {
		return fmt.Errorf("close pubsub client: %w", err)
	}
	return nil
}
