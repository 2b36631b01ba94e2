package network

import (
	"context"
	"crypto/ed25519"
	"crypto/tls"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/quic-go/quic-go"

	"RelayVerify/internal/logger"
	"RelayVerify/internal/message"
)

const (
	// defaultReconnectDelay is the default delay between reconnection attempts.
	defaultReconnectDelay = 5 * time.Second

	// maxReconnectDelay is the maximum delay between reconnection attempts.
	maxReconnectDelay = 60 * time.Second

	// alpnProtocol is the ALPN protocol identifier.
	alpnProtocol = "relayverify/1"
)

// ErrNoListenAddr is returned by Start on a dial-only node.
var ErrNoListenAddr = errors.New("listen address is required")

// Config holds the configuration for a Node.
type Config struct {
	PrivateKey     ed25519.PrivateKey // PrivateKey is the node's ed25519 private key
	ListenAddr     string             // ListenAddr is the address to listen on, empty for a dial-only node
	ReconnectDelay time.Duration      // ReconnectDelay is the initial delay between reconnection attempts
}

// Node accepts and initiates QUIC connections authenticated by ed25519 keys.
// Each peer is identified by the key of its TLS certificate.
type Node struct {
	identity   message.Identity // identity is the node's public key
	listenAddr string           // listenAddr is the address to listen on
	tlsConfig  *tls.Config      // tlsConfig is the TLS configuration
	quicConfig *quic.Config     // quicConfig is the QUIC configuration

	listener *quic.Listener // listener is the QUIC listener

	peers   map[message.Identity]*Peer // peers maps identity to connected peer
	peersMu sync.RWMutex               // peersMu protects peers map

	knownAddrs   map[message.Identity]string // knownAddrs maps dialed identities to their address
	knownAddrsMu sync.RWMutex                // knownAddrsMu protects knownAddrs map

	reconnectDelay time.Duration // reconnectDelay is the initial reconnection delay

	onConnect    func(*Peer)                         // onConnect is called when a peer connects
	onDisconnect func(*Peer)                         // onDisconnect is called when a peer disconnects
	onRequest    func(*Peer, []byte) ([]byte, error) // onRequest handles request/response streams
	handlersMu   sync.RWMutex                        // handlersMu protects event handlers

	ctx    context.Context    // ctx is the node's context
	cancel context.CancelFunc // cancel cancels the node's context
	wg     sync.WaitGroup     // wg waits for goroutines to finish
}

// NewNode creates a new network node.
func NewNode(cfg Config) (*Node, error) {
	if cfg.PrivateKey == nil {
		return nil, fmt.Errorf("private key is required")
	}

	identity, err := message.IdentityFromPublicKey(cfg.PrivateKey.Public().(ed25519.PublicKey))
	if err != nil {
		return nil, fmt.Errorf("node identity:\n%w", err)
	}

	reconnectDelay := cfg.ReconnectDelay
	if reconnectDelay == 0 {
		reconnectDelay = defaultReconnectDelay
	}

	cert, err := generateCertificate(cfg.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("generate certificate:\n%w", err)
	}

	tlsConfig := &tls.Config{
		Certificates:       []tls.Certificate{cert},
		ClientAuth:         tls.RequireAnyClientCert,
		InsecureSkipVerify: true, // the peer key is checked in setupPeer
		NextProtos:         []string{alpnProtocol},
	}

	quicConfig := &quic.Config{
		MaxIdleTimeout:  30 * time.Second,
		KeepAlivePeriod: 10 * time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Node{
		identity:       identity,
		listenAddr:     cfg.ListenAddr,
		tlsConfig:      tlsConfig,
		quicConfig:     quicConfig,
		peers:          make(map[message.Identity]*Peer),
		knownAddrs:     make(map[message.Identity]string),
		reconnectDelay: reconnectDelay,
		ctx:            ctx,
		cancel:         cancel,
	}, nil
}

// Identity returns the node's public key.
func (n *Node) Identity() message.Identity {
	return n.identity
}

// Addr returns the listener's address. Returns empty string if not started.
func (n *Node) Addr() string {
	if n.listener == nil {
		return ""
	}

	return n.listener.Addr().String()
}

// Start starts the node and begins accepting connections.
func (n *Node) Start() error {
	if n.listenAddr == "" {
		return ErrNoListenAddr
	}

	listener, err := quic.ListenAddr(n.listenAddr, n.tlsConfig, n.quicConfig)
	if err != nil {
		return fmt.Errorf("listen:\n%w", err)
	}

	n.listener = listener

	n.wg.Add(1)
	go n.acceptLoop()

	return nil
}

// Connect dials a remote node. The peer is redialed with backoff if the
// connection drops.
func (n *Node) Connect(ctx context.Context, addr string) (*Peer, error) {
	conn, err := quic.DialAddr(ctx, addr, n.tlsConfig, n.quicConfig)
	if err != nil {
		return nil, fmt.Errorf("dial %s:\n%w", addr, err)
	}

	peer, err := n.setupPeer(conn, addr, true)
	if err != nil {
		conn.CloseWithError(1, "setup failed")
		return nil, err
	}

	return peer, nil
}

// Peers returns a list of all connected peers.
func (n *Node) Peers() []*Peer {
	n.peersMu.RLock()
	defer n.peersMu.RUnlock()

	peers := make([]*Peer, 0, len(n.peers))
	for _, p := range n.peers {
		peers = append(peers, p)
	}

	return peers
}

// GetPeer returns the connected peer with the given identity, or nil.
func (n *Node) GetPeer(id message.Identity) *Peer {
	n.peersMu.RLock()
	defer n.peersMu.RUnlock()

	return n.peers[id]
}

// Forget stops redialing id.
func (n *Node) Forget(id message.Identity) {
	n.knownAddrsMu.Lock()
	delete(n.knownAddrs, id)
	n.knownAddrsMu.Unlock()
}

// OnConnect sets the handler called when a peer connects.
func (n *Node) OnConnect(fn func(*Peer)) {
	n.handlersMu.Lock()
	n.onConnect = fn
	n.handlersMu.Unlock()
}

// OnDisconnect sets the handler called when a peer disconnects.
func (n *Node) OnDisconnect(fn func(*Peer)) {
	n.handlersMu.Lock()
	n.onDisconnect = fn
	n.handlersMu.Unlock()
}

// OnRequest sets the handler for incoming requests.
// The handler receives request data and returns response data.
// A handler error resets the stream without a response.
func (n *Node) OnRequest(fn func(*Peer, []byte) ([]byte, error)) {
	n.handlersMu.Lock()
	n.onRequest = fn
	n.handlersMu.Unlock()
}

// Close stops the node and closes all connections.
func (n *Node) Close() error {
	n.cancel()

	if n.listener != nil {
		n.listener.Close()
	}

	n.peersMu.Lock()
	for _, p := range n.peers {
		p.Close()
	}
	n.peers = make(map[message.Identity]*Peer)
	n.peersMu.Unlock()

	n.wg.Wait()

	return nil
}

// acceptLoop accepts incoming connections.
func (n *Node) acceptLoop() {
	defer n.wg.Done()

	for {
		conn, err := n.listener.Accept(n.ctx)
		if err != nil {
			return // Listener closed
		}

		go n.handleIncoming(conn)
	}
}

// handleIncoming handles an incoming connection.
func (n *Node) handleIncoming(conn *quic.Conn) {
	peer, err := n.setupPeer(conn, conn.RemoteAddr().String(), false)
	if err != nil {
		logger.Debug("reject connection", "addr", conn.RemoteAddr(), "error", err)
		conn.CloseWithError(1, "setup failed")
		return
	}

	n.callOnConnect(peer)
}

// setupPeer creates a Peer from a QUIC connection.
func (n *Node) setupPeer(conn *quic.Conn, addr string, outbound bool) (*Peer, error) {
	id, err := extractIdentity(conn.ConnectionState().TLS)
	if err != nil {
		return nil, fmt.Errorf("extract identity:\n%w", err)
	}

	peer := &Peer{
		identity: id,
		address:  addr,
		outbound: outbound,
		conn:     conn,
		node:     n,
	}

	n.peersMu.Lock()
	if old, ok := n.peers[id]; ok && old != peer {
		old.closed.Store(true)
		old.conn.CloseWithError(0, "replaced")
	}
	n.peers[id] = peer
	n.peersMu.Unlock()

	if outbound {
		n.knownAddrsMu.Lock()
		n.knownAddrs[id] = addr
		n.knownAddrsMu.Unlock()
	}

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		peer.receiveLoop()
	}()

	return peer, nil
}

// handlePeerDisconnect removes p and schedules a redial of outbound peers.
func (n *Node) handlePeerDisconnect(p *Peer, redial bool) {
	n.peersMu.Lock()
	current := n.peers[p.identity] == p
	if current {
		delete(n.peers, p.identity)
	}
	n.peersMu.Unlock()

	if !current {
		return
	}

	n.callOnDisconnect(p)

	if !redial || !p.outbound || n.ctx.Err() != nil {
		return
	}

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.reconnectPeer(p.identity)
	}()
}

// reconnectPeer attempts to reconnect to a peer with exponential backoff.
func (n *Node) reconnectPeer(id message.Identity) {
	delay := n.reconnectDelay

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-time.After(delay):
		}

		n.knownAddrsMu.RLock()
		addr, ok := n.knownAddrs[id]
		n.knownAddrsMu.RUnlock()

		if !ok {
			return // Peer forgotten
		}

		if n.GetPeer(id) != nil {
			return // Already reconnected
		}

		peer, err := n.Connect(n.ctx, addr)
		if err == nil {
			logger.Info("peer reconnected", "peer", id.Short(), "addr", addr)
			n.callOnConnect(peer)
			return
		}

		// Exponential backoff
		delay = min(delay*2, maxReconnectDelay)
	}
}

// callOnConnect calls the onConnect handler if set.
func (n *Node) callOnConnect(p *Peer) {
	n.handlersMu.RLock()
	fn := n.onConnect
	n.handlersMu.RUnlock()

	if fn != nil {
		fn(p)
	}
}

// callOnDisconnect calls the onDisconnect handler if set.
func (n *Node) callOnDisconnect(p *Peer) {
	n.handlersMu.RLock()
	fn := n.onDisconnect
	n.handlersMu.RUnlock()

	if fn != nil {
		fn(p)
	}
}

// callOnRequest calls the onRequest handler if set.
func (n *Node) callOnRequest(p *Peer, data []byte) ([]byte, error) {
	n.handlersMu.RLock()
	fn := n.onRequest
	n.handlersMu.RUnlock()

	if fn == nil {
		return nil, fmt.Errorf("no request handler registered")
	}

	return fn(p, data)
}
