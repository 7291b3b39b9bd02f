package repositories

import (
	"context"
	"time"
)

// Messenger abstracts the pub/sub channel between the recorder and the remote store
type Messenger interface {
	// Publish is fire-and-forget; a nil error only means the channel accepted the message.
	Publish(subject string, payload []byte, headers map[string]string) error
	// Request sends payload and waits up to timeout for a single reply.
	Request(ctx context.Context, subject string, payload []byte, timeout time.Duration) ([]byte, error)
}

// Message is an inbound message handed to a subscriber
type Message struct {
	Subject string
	Data    []byte
	Headers map[string]string
	// Respond answers a request. It fails for plain publishes.
	Respond func(data []byte) error
}

// MessageHandler processes one inbound message
type MessageHandler func(ctx context.Context, msg Message)

// Subscriber is the receiving side of the channel, used by the remote store service
type Subscriber interface {
	// Subscribe delivers messages on subject to handler. Subscribers sharing
	// a queue name split the load between them.
	Subscribe(subject, queue string, handler MessageHandler) (unsubscribe func() error, err error)
}
