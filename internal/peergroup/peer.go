package peergroup

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/opgraph/syncnode/internal/logger"
)

const defaultRequestTimeout = 30 * time.Second

// Peer is a connection to one other member of the peer group.
type Peer struct {
	publicKey ed25519.PublicKey
	address   string
	conn      *quic.Conn
	transport *Transport
	closed    atomic.Bool
	mu        sync.Mutex
}

// PublicKey returns the remote peer's ed25519 public key.
func (p *Peer) PublicKey() ed25519.PublicKey {
	return p.publicKey
}

// Address returns the remote address.
func (p *Peer) Address() string {
	return p.address
}

// Send delivers a message on a fresh unidirectional stream.
func (p *Peer) Send(data []byte) error {
	if p.closed.Load() {
		return fmt.Errorf("peer is closed")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	stream, err := p.conn.OpenUniStreamSync(context.Background())
	if err != nil {
		return fmt.Errorf("open stream: %w", err)
	}

	if err := writeMessage(stream, data); err != nil {
		stream.Close()
		return fmt.Errorf("write message: %w", err)
	}
	return stream.Close()
}

// Close closes the peer connection.
func (p *Peer) Close() error {
	if p.closed.Swap(true) {
		return nil
	}
	return p.conn.CloseWithError(0, "closed")
}

// Request sends data on a bidirectional stream and waits for the response —
// used for request-state / request-objs round trips.
func (p *Peer) Request(ctx context.Context, data []byte) ([]byte, error) {
	if p.closed.Load() {
		return nil, fmt.Errorf("peer is closed")
	}

	stream, err := p.conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, fmt.Errorf("open stream:\n%w", err)
	}
	defer stream.Close()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(defaultRequestTimeout)
	}
	stream.SetDeadline(deadline)

	if err := writeMessage(stream, data); err != nil {
		return nil, fmt.Errorf("write request:\n%w", err)
	}

	response, err := readMessage(stream)
	if err != nil {
		return nil, fmt.Errorf("read response:\n%w", err)
	}
	return response, nil
}

func (p *Peer) receiveLoop() {
	go p.acceptBidiStreams(context.Background())

	uniCount := 0
	for {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		stream, err := p.conn.AcceptUniStream(ctx)
		cancel()

		if err != nil {
			if ctx.Err() == context.DeadlineExceeded {
				continue
			}
			logger.Debug("peergroup: receive loop ended", "peer", p.address, "error", err, "uniStreams", uniCount)
			break
		}

		uniCount++
		go p.handleUniStream(stream)
	}

	p.handleDisconnect()
}

func (p *Peer) acceptBidiStreams(ctx context.Context) {
	for {
		stream, err := p.conn.AcceptStream(ctx)
		if err != nil {
			return
		}
		go p.handleBidiStream(stream)
	}
}

func (p *Peer) handleBidiStream(stream *quic.Stream) {
	defer stream.Close()

	data, err := readMessage(stream)
	if err != nil {
		return
	}

	response, err := p.transport.callOnRequest(p, data)
	if err != nil {
		return
	}
	writeMessage(stream, response)
}

func (p *Peer) handleUniStream(stream *quic.ReceiveStream) {
	data, err := readMessage(stream)
	if err != nil {
		logger.Debug("peergroup: stream read error", "peer", p.address, "error", err)
		return
	}

	if !p.transport.dedup.Check(data) {
		return
	}

	p.transport.callOnMessage(p, data)
}

func (p *Peer) handleDisconnect() {
	if p.closed.Swap(true) {
		return
	}
	p.transport.handlePeerDisconnect(p)
}
