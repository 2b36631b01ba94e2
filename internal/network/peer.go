package network

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"

	"RelayVerify/internal/logger"
	"RelayVerify/internal/message"
)

const (
	// defaultRequestTimeout is the default timeout for Request calls.
	defaultRequestTimeout = 30 * time.Second

	// handlerErrorCode resets a stream whose handler failed.
	handlerErrorCode quic.StreamErrorCode = 1
)

// Peer represents a connection to a remote node.
type Peer struct {
	identity message.Identity // identity is the remote node's ed25519 public key
	address  string           // address is the remote address
	outbound bool             // outbound is true when this node dialed the peer
	conn     *quic.Conn       // conn is the underlying QUIC connection
	node     *Node            // node is the parent node
	closed   atomic.Bool      // closed indicates if the peer is closed
}

// Identity returns the remote node's public key.
func (p *Peer) Identity() message.Identity {
	return p.identity
}

// Address returns the remote address.
func (p *Peer) Address() string {
	return p.address
}

// Close closes the peer connection.
func (p *Peer) Close() error {
	if p.closed.Swap(true) {
		return nil // Already closed
	}

	return p.conn.CloseWithError(0, "closed")
}

// Request sends data and waits for the response on a new bidirectional stream.
// The stream deadline follows ctx, or defaultRequestTimeout without one.
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

	// Cancellation without a deadline still unblocks the read
	stop := context.AfterFunc(ctx, func() {
		stream.CancelRead(0)
		stream.CancelWrite(0)
	})
	defer stop()

	if err := writeMessage(stream, data); err != nil {
		return nil, fmt.Errorf("write request:\n%w", err)
	}

	response, err := readMessage(stream)
	if err != nil {
		return nil, fmt.Errorf("read response:\n%w", err)
	}

	return response, nil
}

// receiveLoop serves incoming request streams until the connection closes.
func (p *Peer) receiveLoop() {
	ctx := p.conn.Context()

	for {
		stream, err := p.conn.AcceptStream(ctx)
		if err != nil {
			logger.Debug("peer connection ended", "peer", p.identity.Short(), "error", err)
			break
		}

		go p.handleStream(stream)
	}

	p.handleDisconnect()
}

// handleStream answers one request.
func (p *Peer) handleStream(stream *quic.Stream) {
	defer stream.Close()

	data, err := readMessage(stream)
	if err != nil {
		logger.Debug("request read error", "peer", p.identity.Short(), "error", err)
		stream.CancelRead(handlerErrorCode)
		return
	}

	response, err := p.node.callOnRequest(p, data)
	if err != nil {
		logger.Warn("request handler failed", "peer", p.identity.Short(), "error", err)
		stream.CancelWrite(handlerErrorCode)
		return
	}

	if err := writeMessage(stream, response); err != nil {
		logger.Debug("response write error", "peer", p.identity.Short(), "error", err)
	}
}

// handleDisconnect handles peer disconnection.
func (p *Peer) handleDisconnect() {
	if p.closed.Swap(true) {
		// Closed locally or replaced: no redial
		p.node.handlePeerDisconnect(p, false)
		return
	}

	p.node.handlePeerDisconnect(p, true)
}
