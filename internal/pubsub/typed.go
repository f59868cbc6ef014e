package pubsub

import (
	"context"
	"encoding/json"
)

// Event[T] binds a topic name to the payload type published on it, so that
// producers and consumers agree on the shape at compile time.
type Event[T any] struct {
	topicName string
}

// NewEvent declares a typed event. Events are usually defined at package
// level next to the component that owns the topic.
func NewEvent[T any](name string) Event[T] {
	return Event[T]{topicName: name}
}

// Name returns the topic name.
func (e Event[T]) Name() string {
	return e.topicName
}

// Publish sends a typed event. The compiler ensures payload matches T.
func Publish[T any](ctx context.Context, p Publisher, event Event[T], payload T) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	return p.Publish(ctx, Message{
		Topic:   event.Name(),
		Payload: data,
	})
}

// PublishKeyed sends a typed event tagged with a subscription key.
func PublishKeyed[T any](ctx context.Context, p Publisher, event Event[T], key string, payload T) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	return p.Publish(ctx, Message{
		Topic:   event.Name(),
		Key:     key,
		Payload: data,
	})
}
