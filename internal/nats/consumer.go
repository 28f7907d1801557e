package nats

import (
	"errors"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// ErrSubscriptionClosed is returned by Next after Stop.
var ErrSubscriptionClosed = errors.New("subscription closed")

// Message is one delivery of a queued task.
type Message interface {
	Data() []byte
	// Attempt is the 1-based delivery count of this message.
	Attempt() int
	Ack() error
	NakWithDelay(delay time.Duration) error
	Term() error
	InProgress() error
}

// Subscription pulls task deliveries from the durable consumer.
type Subscription struct {
	iter jetstream.MessagesContext
}

// Next blocks until a delivery is available.
func (s *Subscription) Next() (Message, error) {
	msg, err := s.iter.Next()
	if err != nil {
		if errors.Is(err, jetstream.ErrMsgIteratorClosed) {
			return nil, ErrSubscriptionClosed
		}
		return nil, err
	}
	return &jsMessage{msg: msg}, nil
}

// Stop ends the pull loop. Deliveries not yet handed out are redelivered
// after their ack wait.
func (s *Subscription) Stop() {
	s.iter.Stop()
}

type jsMessage struct {
	msg jetstream.Msg
}

func (m *jsMessage) Data() []byte { return m.msg.Data() }

func (m *jsMessage) Attempt() int {
	meta, err := m.msg.Metadata()
	if err != nil || meta.NumDelivered == 0 {
		return 1
	}
	return int(meta.NumDelivered)
}

func (m *jsMessage) Ack() error { return m.msg.Ack() }

func (m *jsMessage) NakWithDelay(delay time.Duration) error { return m.msg.NakWithDelay(delay) }

func (m *jsMessage) Term() error { return m.msg.Term() }

func (m *jsMessage) InProgress() error { return m.msg.InProgress() }
