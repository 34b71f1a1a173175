package rpc

import (
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"
)

const dialTimeout = 5 * time.Second

// TCPChannel carries gob-encoded messages over one TCP connection.
type TCPChannel struct {
	conn    net.Conn
	encoder *gob.Encoder
	decoder *gob.Decoder
	writeMu sync.Mutex
	readMu  sync.Mutex
}

func newTCPChannel(conn net.Conn) *TCPChannel {
	return &TCPChannel{
		conn:    conn,
		encoder: gob.NewEncoder(conn),
		decoder: gob.NewDecoder(conn),
	}
}

// DialTCP connects to a coordinator hub and introduces itself with hello.
func DialTCP(ctx context.Context, address string, hello Message) (*TCPChannel, error) {
	dialer := net.Dialer{Timeout: dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("host '%v' is unreachable: %w", address, err)
	}

	channel := newTCPChannel(conn)
	hello.Kind = Hello
	if err := channel.Send(ctx, hello); err != nil {
		conn.Close()
		return nil, fmt.Errorf("hello to '%v' failed: %w", address, err)
	}

	return channel, nil
}

func (channel *TCPChannel) Send(ctx context.Context, msg Message) error {
	channel.writeMu.Lock()
	defer channel.writeMu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	deadline, _ := ctx.Deadline()
	channel.conn.SetWriteDeadline(deadline)

	// A failed write may leave half a message on the wire, after which the
	// peer's decoder can never resync.
	if err := channel.encoder.Encode(&msg); err != nil {
		channel.conn.Close()
		return channel.translate(ctx, "send", err)
	}
	return nil
}

func (channel *TCPChannel) Receive(ctx context.Context) (Message, error) {
	channel.readMu.Lock()
	defer channel.readMu.Unlock()

	stop := context.AfterFunc(ctx, func() {
		channel.conn.SetReadDeadline(time.Unix(1, 0))
	})
	defer func() {
		if !stop() {
			channel.conn.SetReadDeadline(time.Time{})
		}
	}()

	var msg Message
	if err := channel.decoder.Decode(&msg); err != nil {
		return Message{}, channel.translate(ctx, "receive", err)
	}
	return msg, nil
}

func (channel *TCPChannel) Close() error {
	return channel.conn.Close()
}

func (channel *TCPChannel) RemoteAddr() net.Addr {
	return channel.conn.RemoteAddr()
}

func (channel *TCPChannel) translate(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if _, bounded := ctx.Deadline(); bounded && errors.Is(err, os.ErrDeadlineExceeded) {
		return context.DeadlineExceeded
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.ErrClosedPipe) || errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("%v: %w", op, ErrChannelClosed)
	}
	return fmt.Errorf("%v: %w", op, err)
}
