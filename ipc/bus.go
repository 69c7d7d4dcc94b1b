// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

package ipc

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Callback receives a decoded Action from the peer process.
type Callback func(Action)

// Bus is the duplex transport between two processes: one local publisher
// endpoint this process owns, and one subscriber endpoint connected to the
// peer's publisher. Grounded on pysdk/.../ipc/publisher.py and
// subscriber.py (ZeroMQ PUB/SUB over two swapped TCP loopback ports),
// reimplemented over plain loopback TCP with length-prefixed gob frames —
// see DESIGN.md for why ZeroMQ itself isn't carried forward.
//
// There is no retransmission on drop: if the peer isn't connected when
// Publish is called, the message is simply lost. Correctness relies on
// idempotent receivers, not on delivery guarantees.
type Bus struct {
	codec Codec

	listener net.Listener
	peerAddr string

	mu      sync.Mutex
	conn    net.Conn // current inbound connection from the peer's subscriber, if any
	closing bool

	callback Callback
}

// NewBus binds a publisher on 127.0.0.1:publishPort and prepares to dial the
// peer's publisher at 127.0.0.1:peerPort once Start is called.
func NewBus(publishPort, peerPort int) (*Bus, error) {
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", publishPort))
	if err != nil {
		return nil, fmt.Errorf("ipc: bind publisher on port %d: %w", publishPort, err)
	}
	return &Bus{
		listener: ln,
		peerAddr: fmt.Sprintf("127.0.0.1:%d", peerPort),
	}, nil
}

// Port returns the actual bound publisher port, useful when NewBus was asked
// to bind port 0.
func (b *Bus) Port() int {
	return b.listener.Addr().(*net.TCPAddr).Port
}

// Register installs the callback invoked for every Action received from the
// peer, mirroring ExecutionContext.register in the original.
func (b *Bus) Register(cb Callback) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.callback = cb
}

// Start accepts the peer's inbound subscriber connection and begins dialing
// the peer's publisher for our own subscription, both under g so the caller
// can await clean shutdown via ctx cancellation.
func (b *Bus) Start(ctx context.Context, g *errgroup.Group) {
	g.Go(func() error { return b.acceptLoop(ctx) })
	g.Go(func() error { return b.subscribeLoop(ctx) })
}

// Publish sends an Action to whichever peer is currently connected to our
// publisher endpoint. If no subscriber is connected, the message is dropped.
func (b *Bus) Publish(a Action) error {
	payload, err := b.codec.Encode(a)
	if err != nil {
		return err
	}

	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()
	if conn == nil {
		return nil // no subscriber connected; drop
	}

	frame := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(frame, uint32(len(payload)))
	copy(frame[4:], payload)
	if _, err := conn.Write(frame); err != nil {
		b.mu.Lock()
		if b.conn == conn {
			b.conn = nil
		}
		b.mu.Unlock()
		return fmt.Errorf("ipc: publish: %w", err)
	}
	return nil
}

// Close releases the listener and any open connection.
func (b *Bus) Close() error {
	b.mu.Lock()
	b.closing = true
	conn := b.conn
	b.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
	return b.listener.Close()
}

func (b *Bus) acceptLoop(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		b.listener.Close()
	}()
	for {
		conn, err := b.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("ipc: accept: %w", err)
		}
		b.mu.Lock()
		if b.conn != nil {
			b.conn.Close()
		}
		b.conn = conn
		b.mu.Unlock()
	}
}

// subscribeLoop dials the peer's publisher, reconnecting with backoff if the
// peer isn't up yet or the connection drops (e.g. across a worker respawn).
func (b *Bus) subscribeLoop(ctx context.Context) error {
	backoff := 100 * time.Millisecond
	const maxBackoff = 2 * time.Second
	dialer := net.Dialer{}
	for {
		if ctx.Err() != nil {
			return nil
		}
		conn, err := dialer.DialContext(ctx, "tcp", b.peerAddr)
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			if backoff < maxBackoff {
				backoff *= 2
			}
			continue
		}
		backoff = 100 * time.Millisecond
		if err := b.readFrames(ctx, conn); err != nil && ctx.Err() == nil {
			// connection dropped; loop to reconnect
			continue
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

func (b *Bus) readFrames(ctx context.Context, conn net.Conn) error {
	defer conn.Close()
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	var length [4]byte
	for {
		if _, err := io.ReadFull(conn, length[:]); err != nil {
			return err
		}
		n := binary.BigEndian.Uint32(length[:])
		payload := make([]byte, n)
		if _, err := io.ReadFull(conn, payload); err != nil {
			return err
		}
		action, err := b.codec.Decode(payload)
		if err != nil {
			continue // malformed frame; skip rather than tear down the connection
		}
		b.mu.Lock()
		cb := b.callback
		b.mu.Unlock()
		if cb != nil {
			cb(action)
		}
	}
}
