// Package notify delivers operator messages. Delivery is best effort:
// callers log a failed notification and carry on.
package notify

import (
	"context"
	"encoding/json"
	"errors"
)

type Notifier interface {
	Notify(ctx context.Context, message string) error
}

// Message is the payload shared by every sink.
type Message struct {
	Text string `json:"text"`
}

func encode(message string) ([]byte, error) {
	return json.Marshal(Message{Text: message})
}

// Multi fans a message out to every sink and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, message string) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, message); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Discard drops every message; used when no sink is configured.
type Discard struct{}

func (Discard) Notify(context.Context, string) error { return nil }
