package rpc

import (
	"context"
	"fmt"
	"net"
	"sync"
)

type hubKey struct {
	incarnation string
	purpose     ChannelPurpose
}

// Hub accepts worker connections and routes each one, by the incarnation and
// purpose announced in its Hello message, to whoever awaits it.
type Hub struct {
	listener net.Listener
	mutex    sync.Mutex
	arrived  map[hubKey]*TCPChannel
	waiters  map[hubKey]chan *TCPChannel
	closed   bool
	onError  func(error)
}

func Listen(address string, onError func(error)) (*Hub, error) {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("listen on '%v': %w", address, err)
	}
	if onError == nil {
		onError = func(error) {}
	}

	hub := &Hub{
		listener: listener,
		arrived:  make(map[hubKey]*TCPChannel),
		waiters:  make(map[hubKey]chan *TCPChannel),
		onError:  onError,
	}
	go hub.acceptConnections()

	return hub, nil
}

func (hub *Hub) Addr() string {
	return hub.listener.Addr().String()
}

func (hub *Hub) acceptConnections() {
	for {
		conn, err := hub.listener.Accept()
		if err != nil {
			hub.mutex.Lock()
			closed := hub.closed
			hub.mutex.Unlock()
			if !closed {
				hub.onError(fmt.Errorf("accept: %w", err))
			}
			return
		}

		go hub.handshake(conn)
	}
}

func (hub *Hub) handshake(conn net.Conn) {
	channel := newTCPChannel(conn)

	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()
	hello, err := channel.Receive(ctx)
	if err != nil {
		hub.onError(fmt.Errorf("handshake with %v: %w", conn.RemoteAddr(), err))
		conn.Close()
		return
	}
	if hello.Kind != Hello || hello.Incarnation == "" {
		hub.onError(fmt.Errorf("handshake with %v: expected hello, got %v", conn.RemoteAddr(), hello.Kind))
		conn.Close()
		return
	}

	key := hubKey{incarnation: hello.Incarnation, purpose: hello.Purpose}

	hub.mutex.Lock()
	defer hub.mutex.Unlock()
	if hub.closed {
		conn.Close()
		return
	}
	if waiter, ok := hub.waiters[key]; ok {
		delete(hub.waiters, key)
		waiter <- channel
		return
	}
	hub.arrived[key] = channel
}

// Await blocks until the given incarnation connects its channel of the given
// purpose, or ctx ends.
func (hub *Hub) Await(ctx context.Context, incarnation string, purpose ChannelPurpose) (*TCPChannel, error) {
	key := hubKey{incarnation: incarnation, purpose: purpose}

	hub.mutex.Lock()
	if channel, ok := hub.arrived[key]; ok {
		delete(hub.arrived, key)
		hub.mutex.Unlock()
		return channel, nil
	}
	waiter := make(chan *TCPChannel, 1)
	hub.waiters[key] = waiter
	hub.mutex.Unlock()

	select {
	case channel := <-waiter:
		return channel, nil
	case <-ctx.Done():
		hub.mutex.Lock()
		delete(hub.waiters, key)
		hub.mutex.Unlock()

		// The handshake may have delivered between ctx ending and the delete.
		select {
		case channel := <-waiter:
			channel.Close()
		default:
		}
		return nil, fmt.Errorf("waiting for %v channel of %v: %w", purpose, incarnation, ctx.Err())
	}
}

func (hub *Hub) Close() error {
	hub.mutex.Lock()
	hub.closed = true
	for key, channel := range hub.arrived {
		channel.Close()
		delete(hub.arrived, key)
	}
	hub.mutex.Unlock()

	return hub.listener.Close()
}
