// Package p2p manages the node identity and the long-lived transport
// endpoint. One endpoint binds one listener under one identity and can host
// streams for any number of registered documents.
package p2p

import (
	"context"
	"fmt"

	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/host/peerstore/pstoremem"
	"github.com/libp2p/go-libp2p/p2p/muxer/yamux"
	"github.com/libp2p/go-libp2p/p2p/net/connmgr"
	"github.com/libp2p/go-libp2p/p2p/security/noise"
	"github.com/libp2p/go-libp2p/p2p/transport/tcp"
	"go.uber.org/zap"
)

// Opt is for configuring Host.
type Opt func(fh *Host)

// WithIdentity pins the node identity instead of generating a fresh one.
func WithIdentity(key crypto.PrivKey) Opt {
	return func(fh *Host) {
		fh.key = key
	}
}

// Host wraps the libp2p host with the docmesh endpoint lifecycle. The
// embedded host.Host is shared read-mostly by all sync sessions.
type Host struct {
	logger *zap.Logger
	cfg    Config
	key    crypto.PrivKey

	host.Host
}

// New binds a transport endpoint: fixed identity, TCP listener, noise
// security, yamux muxing. The identity is immutable once the endpoint
// exists.
func New(_ context.Context, logger *zap.Logger, cfg Config, opts ...Opt) (*Host, error) {
	fh := &Host{logger: logger, cfg: cfg}
	for _, opt := range opts {
		opt(fh)
	}
	if fh.key == nil {
		key, err := NewIdentity()
		if err != nil {
			return nil, err
		}
		fh.key = key
	}
	cm, err := connmgr.NewConnManager(cfg.LowPeers, cfg.HighPeers, connmgr.WithGracePeriod(cfg.GracePeersShutdown))
	if err != nil {
		return nil, fmt.Errorf("p2p create conn mgr: %w", err)
	}
	streamer := *yamux.DefaultTransport
	ps, err := pstoremem.NewPeerstore()
	if err != nil {
		return nil, fmt.Errorf("can't create peer store: %w", err)
	}
	lopts := []libp2p.Option{
		libp2p.Identity(fh.key),
		libp2p.ListenAddrStrings(cfg.Listen),
		libp2p.UserAgent("docmesh"),
		libp2p.Transport(tcp.NewTCPTransport),
		libp2p.Security(noise.ID, noise.New),
		libp2p.Muxer("/yamux/1.0.0", &streamer),
		libp2p.ConnectionManager(cm),
		libp2p.Peerstore(ps),
	}
	h, err := libp2p.New(lopts...)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize libp2p host: %w", err)
	}
	fh.Host = h
	logger.Info("local node identity", zap.Stringer("identity", h.ID()))
	return fh, nil
}

// AddrInfo is the locator a discovery collaborator would hand to peers. It is
// consumed opaquely by sync sessions.
func (fh *Host) AddrInfo() peer.AddrInfo {
	return peer.AddrInfo{ID: fh.ID(), Addrs: fh.Addrs()}
}

// Stop releases the listener and all connections.
func (fh *Host) Stop() error {
	if err := fh.Host.Close(); err != nil {
		return fmt.Errorf("failed to close libp2p host: %w", err)
	}
	return nil
}
