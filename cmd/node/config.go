package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"time"
)

// Config holds the node configuration.
type Config struct {
	// DataPath is the directory for persistent storage.
	DataPath string

	// HTTPAddress is the HTTP API listen address.
	HTTPAddress string

	// QUICAddress is the QUIC peer-group listen address.
	QUICAddress string

	// KeyPath is the path to the Ed25519 private key file.
	KeyPath string

	// PrivateKey is the node's Ed25519 signing key.
	PrivateKey ed25519.PrivateKey

	// GroupID identifies the peer group this node serves.
	GroupID string

	// GroupSecretHex is the hex-encoded shared secret used to build and
	// verify ownership proofs within the peer group.
	GroupSecretHex string

	// BootstrapAddr is an optional peer address to dial at startup.
	BootstrapAddr string

	// GossipInterval is how often the full local state map is diffused.
	GossipInterval time.Duration
}

// parseFlags parses command-line flags into Config.
func parseFlags() *Config {
	cfg := &Config{}

	flag.StringVar(&cfg.DataPath, "data", "./data", "Data directory path")
	flag.StringVar(&cfg.HTTPAddress, "http", ":8080", "HTTP API address")
	flag.StringVar(&cfg.QUICAddress, "quic", ":9000", "QUIC peer-group address")
	flag.StringVar(&cfg.KeyPath, "key", "", "Ed25519 private key path (generates new if missing)")
	flag.StringVar(&cfg.GroupID, "group", "default", "Peer group id")
	flag.StringVar(&cfg.GroupSecretHex, "group-secret", "", "Hex-encoded peer group ownership secret")
	flag.StringVar(&cfg.BootstrapAddr, "bootstrap-addr", "", "Peer address to dial at startup")
	flag.DurationVar(&cfg.GossipInterval, "gossip-interval", 5*time.Second, "Full-state gossip interval")
	flag.Parse()

	return cfg
}

// groupSecret decodes the configured hex secret, or derives a stable one
// from the private key if none was set — convenient for local testing, but
// production groups should always set an explicit shared secret.
func (c *Config) groupSecret() []byte {
	if c.GroupSecretHex == "" {
		return c.PrivateKey.Seed()
	}
	secret, err := hex.DecodeString(c.GroupSecretHex)
	if err != nil {
		return c.PrivateKey.Seed()
	}
	return secret
}

// loadOrGenerateKey loads the private key from file or generates a new one.
func loadOrGenerateKey(keyPath string) (ed25519.PrivateKey, error) {
	if keyPath == "" {
		return generateNewKey()
	}

	data, err := os.ReadFile(keyPath)
	if os.IsNotExist(err) {
		return generateAndSaveKey(keyPath)
	}

	if err != nil {
		return nil, fmt.Errorf("read key file:\n%w", err)
	}

	if len(data) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid key size: got %d, want %d", len(data), ed25519.PrivateKeySize)
	}

	return ed25519.PrivateKey(data), nil
}

// generateNewKey creates a new Ed25519 private key.
func generateNewKey() (ed25519.PrivateKey, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key:\n%w", err)
	}

	return priv, nil
}

// generateAndSaveKey creates a new key and saves it to the given path.
func generateAndSaveKey(path string) (ed25519.PrivateKey, error) {
	priv, err := generateNewKey()
	if err != nil {
		return nil, err
	}

	if err := os.WriteFile(path, priv, 0600); err != nil {
		return nil, fmt.Errorf("save key to %s:\n%w", path, err)
	}

	return priv, nil
}
