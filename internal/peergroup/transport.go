// Package peergroup implements the external peer-group contract spec.md
// §4.3 leaves abstract: message delivery to the other agents sharing a
// mutable object or a gossip scope. This is a reference implementation over
// QUIC with ed25519-derived self-signed certificates — any transport
// satisfying the same delivery semantics (reliable, authenticated,
// best-effort fanout) can stand in for it.
package peergroup

import (
	"context"
	"crypto/ed25519"
	"crypto/tls"
	"encoding/hex"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/opgraph/syncnode/internal/logger"
	"github.com/opgraph/syncnode/internal/metrics"
	"github.com/opgraph/syncnode/internal/pod"
)

const (
	defaultReconnectDelay = 5 * time.Second
	maxReconnectDelay     = 60 * time.Second
	alpnProtocol          = "syncnode/1"
)

// Config holds the configuration for a Transport.
type Config struct {
	PrivateKey     ed25519.PrivateKey
	ListenAddr     string
	GroupID        string // identifies the peer group this transport serves
	ReconnectDelay time.Duration
	Pod            *pod.Pod // receives NewPeer/LostPeer notifications; may be nil
}

// Transport is a QUIC-backed peer-group membership and delivery layer. Every
// agent that needs to talk to the rest of a peer group — the state gossip
// agent and the terminal-ops sync agent — registers message/request
// handlers on the same Transport and dispatches on message kind.
type Transport struct {
	privateKey ed25519.PrivateKey
	publicKey  ed25519.PublicKey
	listenAddr string
	groupID    string
	tlsConfig  *tls.Config
	quicConfig *quic.Config

	listener *quic.Listener

	peers   map[string]*Peer
	peersMu sync.RWMutex

	knownAddrs   map[string]string
	knownAddrsMu sync.RWMutex

	reconnectDelay time.Duration

	dedup *Dedup

	pod *pod.Pod

	onMessage  func(*Peer, []byte)
	onRequest  func(*Peer, []byte) ([]byte, error)
	handlersMu sync.RWMutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a new peer-group transport.
func New(cfg Config) (*Transport, error) {
	if cfg.PrivateKey == nil {
		return nil, fmt.Errorf("private key is required")
	}
	if cfg.ListenAddr == "" {
		return nil, fmt.Errorf("listen address is required")
	}

	reconnectDelay := cfg.ReconnectDelay
	if reconnectDelay == 0 {
		reconnectDelay = defaultReconnectDelay
	}

	cert, err := generateCertificate(cfg.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("generate certificate: %w", err)
	}

	tlsConfig := &tls.Config{
		Certificates:       []tls.Certificate{cert},
		ClientAuth:         tls.RequireAnyClientCert,
		InsecureSkipVerify: true, // the public key is verified manually below
		NextProtos:         []string{alpnProtocol},
	}

	quicConfig := &quic.Config{
		MaxIdleTimeout:  30 * time.Second,
		KeepAlivePeriod: 10 * time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Transport{
		privateKey:     cfg.PrivateKey,
		publicKey:      cfg.PrivateKey.Public().(ed25519.PublicKey),
		listenAddr:     cfg.ListenAddr,
		groupID:        cfg.GroupID,
		tlsConfig:      tlsConfig,
		quicConfig:     quicConfig,
		peers:          make(map[string]*Peer),
		knownAddrs:     make(map[string]string),
		reconnectDelay: reconnectDelay,
		dedup:          NewDedup(),
		pod:            cfg.Pod,
		ctx:            ctx,
		cancel:         cancel,
	}, nil
}

// PublicKey returns the transport's ed25519 public key, the identity peers
// see.
func (t *Transport) PublicKey() ed25519.PublicKey {
	return t.publicKey
}

// GroupID returns the peer group this transport serves.
func (t *Transport) GroupID() string {
	return t.groupID
}

// Addr returns the listener's address, or "" if not started.
func (t *Transport) Addr() string {
	if t.listener == nil {
		return ""
	}
	return t.listener.Addr().String()
}

// Start begins accepting connections.
func (t *Transport) Start() error {
	listener, err := quic.ListenAddr(t.listenAddr, t.tlsConfig, t.quicConfig)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	t.listener = listener

	t.wg.Add(1)
	go t.acceptLoop()

	return nil
}

// Connect dials a remote peer.
func (t *Transport) Connect(addr string) (*Peer, error) {
	conn, err := quic.DialAddr(t.ctx, addr, t.tlsConfig, t.quicConfig)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	peer, err := t.setupPeer(conn, addr)
	if err != nil {
		conn.CloseWithError(1, "setup failed")
		return nil, err
	}

	return peer, nil
}

// Send delivers data to a specific peer by public key.
func (t *Transport) Send(pubkey ed25519.PublicKey, data []byte) error {
	peer := t.GetPeer(pubkey)
	if peer == nil {
		return fmt.Errorf("peergroup: no connected peer for %x", pubkey)
	}
	return peer.Send(data)
}

// Broadcast sends data to every connected peer in the group.
func (t *Transport) Broadcast(data []byte) error {
	var lastErr error
	for _, p := range t.Peers() {
		if err := p.Send(data); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// Gossip sends data to a random subset of connected peers, the randomized
// fanout spec.md §4.4 asks the state gossip agent to use. If fanout exceeds
// the peer count, every peer is sent to.
func (t *Transport) Gossip(data []byte, fanout int) error {
	selected := selectRandomPeers(t.Peers(), fanout)

	var lastErr error
	for _, p := range selected {
		if err := p.Send(data); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

func selectRandomPeers(peers []*Peer, n int) []*Peer {
	if n >= len(peers) {
		return peers
	}

	indices := rand.Perm(len(peers))[:n]
	selected := make([]*Peer, n)
	for i, idx := range indices {
		selected[i] = peers[idx]
	}
	return selected
}

// Peers returns every currently connected peer.
func (t *Transport) Peers() []*Peer {
	t.peersMu.RLock()
	defer t.peersMu.RUnlock()

	peers := make([]*Peer, 0, len(t.peers))
	for _, p := range t.peers {
		peers = append(peers, p)
	}
	return peers
}

// PeerCount returns the number of currently connected peers.
func (t *Transport) PeerCount() int {
	t.peersMu.RLock()
	defer t.peersMu.RUnlock()
	return len(t.peers)
}

// GetPeer returns the peer for a public key, or nil if not connected.
func (t *Transport) GetPeer(pubkey ed25519.PublicKey) *Peer {
	keyHex := hex.EncodeToString(pubkey)
	t.peersMu.RLock()
	defer t.peersMu.RUnlock()
	return t.peers[keyHex]
}

// OnMessage sets the handler called when a unidirectional message arrives.
func (t *Transport) OnMessage(fn func(*Peer, []byte)) {
	t.handlersMu.Lock()
	t.onMessage = fn
	t.handlersMu.Unlock()
}

// OnRequest sets the handler for incoming bidirectional requests — used for
// the sync protocol's request/response message pairs (request-state,
// request-objs).
func (t *Transport) OnRequest(fn func(*Peer, []byte) ([]byte, error)) {
	t.handlersMu.Lock()
	t.onRequest = fn
	t.handlersMu.Unlock()
}

// Close stops the transport and closes every connection.
func (t *Transport) Close() error {
	t.cancel()

	if t.listener != nil {
		t.listener.Close()
	}

	t.peersMu.Lock()
	for _, p := range t.peers {
		p.Close()
	}
	t.peers = make(map[string]*Peer)
	t.peersMu.Unlock()

	t.dedup.Close()
	t.wg.Wait()

	return nil
}

func (t *Transport) acceptLoop() {
	defer t.wg.Done()

	for {
		conn, err := t.listener.Accept(t.ctx)
		if err != nil {
			return
		}
		go t.handleIncoming(conn)
	}
}

func (t *Transport) handleIncoming(conn *quic.Conn) {
	if _, err := t.setupPeer(conn, conn.RemoteAddr().String()); err != nil {
		conn.CloseWithError(1, "setup failed")
	}
}

func (t *Transport) setupPeer(conn *quic.Conn, addr string) (*Peer, error) {
	tlsState := conn.ConnectionState().TLS

	pubKey, err := extractPublicKey(tlsState)
	if err != nil {
		return nil, fmt.Errorf("extract public key: %w", err)
	}

	keyHex := hex.EncodeToString(pubKey)

	peer := &Peer{
		publicKey: pubKey,
		address:   addr,
		conn:      conn,
		transport: t,
	}

	t.peersMu.Lock()
	t.peers[keyHex] = peer
	t.peersMu.Unlock()

	t.knownAddrsMu.Lock()
	t.knownAddrs[keyHex] = addr
	t.knownAddrsMu.Unlock()

	t.notifyPeerEvent(pod.NewPeer, keyHex)
	metrics.PeerCount.Set(float64(t.PeerCount()))

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		peer.receiveLoop()
	}()

	return peer, nil
}

func (t *Transport) handlePeerDisconnect(p *Peer) {
	keyHex := hex.EncodeToString(p.publicKey)

	t.peersMu.Lock()
	delete(t.peers, keyHex)
	t.peersMu.Unlock()

	t.notifyPeerEvent(pod.LostPeer, keyHex)
	metrics.PeerCount.Set(float64(t.PeerCount()))

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.reconnectPeer(keyHex)
	}()
}

func (t *Transport) reconnectPeer(keyHex string) {
	delay := t.reconnectDelay

	for {
		select {
		case <-t.ctx.Done():
			return
		case <-time.After(delay):
		}

		t.knownAddrsMu.RLock()
		addr, ok := t.knownAddrs[keyHex]
		t.knownAddrsMu.RUnlock()
		if !ok {
			return
		}

		t.peersMu.RLock()
		_, exists := t.peers[keyHex]
		t.peersMu.RUnlock()
		if exists {
			return
		}

		if _, err := t.Connect(addr); err == nil {
			return
		}

		delay *= 2
		if delay > maxReconnectDelay {
			delay = maxReconnectDelay
		}
	}
}

func (t *Transport) notifyPeerEvent(evType pod.EventType, peerID string) {
	if t.pod == nil {
		return
	}
	t.pod.BroadcastEvent(pod.Event{Type: evType, PeerID: peerID, Payload: t.groupID})
}

func (t *Transport) callOnMessage(p *Peer, data []byte) {
	t.handlersMu.RLock()
	fn := t.onMessage
	t.handlersMu.RUnlock()

	if fn != nil {
		fn(p, data)
	} else {
		logger.Debug("peergroup: message dropped, no handler registered", "group", t.groupID, "peer", p.address)
	}
}

func (t *Transport) callOnRequest(p *Peer, data []byte) ([]byte, error) {
	t.handlersMu.RLock()
	fn := t.onRequest
	t.handlersMu.RUnlock()

	if fn == nil {
		return nil, fmt.Errorf("peergroup: no request handler registered")
	}
	return fn(p, data)
}
