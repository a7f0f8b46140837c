package events

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"time"

	"cloud.google.com/go/pubsub"

	"github.com/ocx/syncworld/internal/circuitbreaker"
)

// PubSubBus wraps Bus and additionally publishes every event to a Google
// Cloud Pub/Sub topic so downstream observability consumers get durable,
// at-least-once delivery. The in-memory Bus side still serves local
// subscribers. Publishing is
// guarded by breaker, shared with the rest of the server binary (see
// circuitbreaker.Breakers), so a dead topic stops taking a publish
// round trip on every single event once it's tripped.
type PubSubBus struct {
	*Bus

	client  *pubsub.Client
	topic   *pubsub.Topic
	breaker *circuitbreaker.CircuitBreaker
	logger  *log.Logger
}

// NewPubSubBus connects to projectID/topicID, creating the topic if absent.
func NewPubSubBus(projectID, topicID string, breaker *circuitbreaker.CircuitBreaker) (*PubSubBus, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub.NewClient: %w", err)
	}

	topic := client.Topic(topicID)
	exists, err := topic.Exists(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("topic.Exists: %w", err)
	}
	if !exists {
		topic, err = client.CreateTopic(ctx, topicID)
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("CreateTopic: %w", err)
		}
		slog.Info("created pubsub topic", "topic_id", topicID)
	}

	// Ordering key is the sync group, so a consumer never observes a
	// session-closed event for a group arrive before the tick-captured
	// event that preceded it.
	topic.EnableMessageOrdering = true

	bus := &PubSubBus{
		Bus:     NewBus(),
		client:  client,
		topic:   topic,
		breaker: breaker,
		logger:  log.New(log.Writer(), "[EVENTS-PUBSUB] ", log.LstdFlags),
	}
	bus.logger.Printf("connected to pubsub topic projects/%s/topics/%s", projectID, topicID)
	return bus, nil
}

// Emit publishes to Pub/Sub and fans out to local subscribers.
func (pb *PubSubBus) Emit(eventType, source, subject string, data map[string]any) {
	event := newCloudEvent(eventType, source, subject, data)
	pb.publish(event)
	pb.Bus.Publish(event)
}

// publish checks the breaker before building a message at all, so a tripped
// topic doesn't pay even the marshal cost on every event, then runs the
// actual publish-and-wait off the caller's goroutine under a bounded
// timeout, recording the result back on the breaker.
func (pb *PubSubBus) publish(event *CloudEvent) {
	if err := pb.breaker.Allow(); err != nil {
		pb.logger.Printf("pubsub publish skipped, circuit %s: %s", pb.breaker.State(), event.ID)
		return
	}

	payload, err := event.JSON()
	if err != nil {
		pb.logger.Printf("failed to marshal event %s: %v", event.ID, err)
		return
	}

	msg := &pubsub.Message{
		Data: payload,
		Attributes: map[string]string{
			"ce-specversion": event.SpecVersion,
			"ce-type":        event.Type,
			"ce-source":      event.Source,
			"ce-id":          event.ID,
			"ce-time":        event.Time.Format(time.RFC3339Nano),
			"ce-syncgroup":   event.SyncGroup,
		},
		OrderingKey: event.SyncGroup,
	}

	go func() {
		_, err := pb.breaker.ExecuteContext(context.Background(), func(ctx context.Context) (interface{}, error) {
			publishCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return pb.topic.Publish(publishCtx, msg).Get(publishCtx)
		})
		if err != nil {
			pb.logger.Printf("pubsub publish failed: %s: %v", event.ID, err)
		}
	}()
}

func (pb *PubSubBus) Close() error {
	pb.topic.Stop()
	if err := pb.client.Close(); err != nil {
		return fmt.Errorf("pubsub client close: %w", err)
	}
	return nil
}

// HealthCheck verifies the Pub/Sub topic is reachable, for the admin
// surface's readiness probe.
func (pb *PubSubBus) HealthCheck(ctx context.Context) error {
	exists, err := pb.topic.Exists(ctx)
	if err != nil {
		return fmt.Errorf("topic health check: %w", err)
	}
	if !exists {
		return fmt.Errorf("topic does not exist")
	}
	return nil
}

var _ Emitter = (*PubSubBus)(nil)
