package rpc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

var ErrChannelClosed = errors.New("channel closed")

// Channel is an ordered, bidirectional message link between two endpoints.
// Each Send is delivered at most once and in send order.
type Channel interface {
	Send(ctx context.Context, msg Message) error
	Receive(ctx context.Context) (Message, error)
	Close() error
}

type pipeLink struct {
	closed    chan struct{}
	closeOnce sync.Once
}

func (link *pipeLink) close() {
	link.closeOnce.Do(func() { close(link.closed) })
}

type pipeEnd struct {
	link     *pipeLink
	incoming chan Message
	outgoing chan Message
}

// NewPipe returns the two ends of an in-memory channel. Messages are copied
// on send so the ends never share task payloads. Closing either end closes
// the link; messages already buffered can still be received.
func NewPipe(buffer int) (Channel, Channel) {
	link := &pipeLink{closed: make(chan struct{})}
	aToB := make(chan Message, buffer)
	bToA := make(chan Message, buffer)

	return &pipeEnd{link: link, incoming: bToA, outgoing: aToB},
		&pipeEnd{link: link, incoming: aToB, outgoing: bToA}
}

func (end *pipeEnd) Send(ctx context.Context, msg Message) error {
	select {
	case <-end.link.closed:
		return ErrChannelClosed
	default:
	}

	select {
	case <-end.link.closed:
		return ErrChannelClosed
	case <-ctx.Done():
		return ctx.Err()
	case end.outgoing <- msg.clone():
		return nil
	}
}

func (end *pipeEnd) Receive(ctx context.Context) (Message, error) {
	select {
	case msg := <-end.incoming:
		return msg, nil
	case <-ctx.Done():
		return Message{}, ctx.Err()
	case <-end.link.closed:
		select {
		case msg := <-end.incoming:
			return msg, nil
		default:
			return Message{}, ErrChannelClosed
		}
	}
}

func (end *pipeEnd) Close() error {
	end.link.close()
	return nil
}

// SendWithRetry retries transient send failures up to retries extra times.
// A closed channel or a cancelled context is never retried.
func SendWithRetry(
	ctx context.Context,
	channel Channel,
	msg Message,
	retries int,
	backoff time.Duration,
) error {
	var err error
	for attempt := 0; attempt <= retries; attempt++ {
		err = channel.Send(ctx, msg)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrChannelClosed) || ctx.Err() != nil {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}

	return fmt.Errorf("send %v failed after %d attempts: %w", msg.Kind, retries+1, err)
}
