package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/opgraph/syncnode/internal/hashobj"
	"github.com/opgraph/syncnode/internal/logger"
)

// Run starts every background agent and the HTTP API, connects to the
// configured bootstrap peer if any, then blocks until shutdown.
func (n *Node) Run() error {
	if err := n.transport.Start(); err != nil {
		return fmt.Errorf("start transport:\n%w", err)
	}

	if n.cfg.BootstrapAddr != "" {
		if _, err := n.transport.Connect(n.cfg.BootstrapAddr); err != nil {
			logger.Warn("failed to connect to bootstrap peer", "addr", n.cfg.BootstrapAddr, "error", err)
		}
	}

	go n.syncAgent.Run(n.ctx)
	go n.gossipAgent.Run(n.ctx, n.transport, n.cfg.GossipInterval)

	if err := n.api.Start(); err != nil {
		return fmt.Errorf("start api:\n%w", err)
	}

	return n.waitForShutdown()
}

// waitForShutdown blocks until SIGINT or SIGTERM is received.
func (n *Node) waitForShutdown() error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("shutting down", "signal", sig.String())

	return n.Close()
}

// PeerCount reports the number of currently connected peers, satisfying
// internal/api.StatusProvider.
func (n *Node) PeerCount() int {
	return n.transport.PeerCount()
}

// GroupID reports the peer group this node serves, satisfying
// internal/api.StatusProvider.
func (n *Node) GroupID() string {
	return n.transport.GroupID()
}

// Save persists lit through the object store and, if it's a freshly-accepted
// mutation op, offers it to every connected peer — satisfying
// internal/api.ObjectStore while keeping the sync agent's outgoing offers
// current for ops submitted directly over HTTP rather than received from a
// peer.
func (n *Node) Save(lit *hashobj.Literal) error {
	if err := n.store.Save(lit); err != nil {
		return err
	}

	if target, ok := lit.DependencyByPath("target"); ok {
		n.PublishLocalOp(target.Hash, lit.Hash)
	}
	return nil
}

// Load retrieves a literal by hash, satisfying internal/api.ObjectStore.
func (n *Node) Load(hash hashobj.Hash) (*hashobj.Literal, error) {
	return n.store.Load(hash)
}

// LoadTerminalOpsForMutable returns a mutable object's terminal-ops state,
// satisfying internal/api.ObjectStore.
func (n *Node) LoadTerminalOpsForMutable(hash hashobj.Hash) (*hashobj.TerminalOpsState, error) {
	return n.store.LoadTerminalOpsForMutable(hash)
}

// Close shuts down every node component gracefully.
func (n *Node) Close() error {
	n.cancel()

	if n.api != nil {
		n.api.Stop()
	}

	if n.transport != nil {
		n.transport.Close()
	}

	if n.storage != nil {
		n.storage.Close()
	}

	return nil
}
