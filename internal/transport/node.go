// Package transport is the peer-transport listener (spec C6): it accepts
// encrypted libp2p streams on a dedicated protocol and hands each one to
// the dispatcher as a framed Conn. Outbound dialing is not needed — the
// hub only accepts provider connections.
package transport

import (
	"context"
	"fmt"
	"time"

	dht "github.com/libp2p/go-libp2p-kad-dht"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	discovery "github.com/libp2p/go-libp2p/p2p/discovery/routing"

	libp2p "github.com/libp2p/go-libp2p"

	"github.com/symmetry-network/hub/internal/log"
)

// DispatchProtocol is the stream protocol ID provider peers dial to reach
// the dispatcher.
const DispatchProtocol = protocol.ID("/symmetry/dispatch/1.0.0")

// advertiseTTL is the wait before the next DHT advertisement after a failed
// one; after a successful advertisement the hub waits for the TTL the DHT
// returned instead.
const advertiseTTL = 1 * time.Hour

// Config holds the listener's network settings.
type Config struct {
	ListenAddrs []string
	// Rendezvous is the discovery-key-derived string the hub advertises on
	// the DHT, so peers can find it without a pinned multiaddr.
	Rendezvous string
}

// Node wraps a libp2p host set up purely to accept dispatcher connections.
type Node struct {
	host host.Host
	dht  *dht.IpfsDHT

	rendezvous string
	onConn     func(*Conn)

	ctx    context.Context
	cancel context.CancelFunc
}

// New constructs the host with the hub's persistent identity and starts
// listening, but does not yet register the stream handler or advertise —
// call Start for that.
func New(cfg Config, priv crypto.PrivKey) (*Node, error) {
	h, err := libp2p.New(
		libp2p.Identity(priv),
		libp2p.ListenAddrStrings(cfg.ListenAddrs...),
	)
	if err != nil {
		return nil, fmt.Errorf("create libp2p host: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Node{
		host:       h,
		rendezvous: cfg.Rendezvous,
		ctx:        ctx,
		cancel:     cancel,
	}, nil
}

// Start registers the dispatcher's stream handler, bootstraps a Kademlia
// DHT, and advertises the hub's rendezvous string so provider peers can
// discover it. onConn is called once per accepted stream, wrapped as a
// Conn; it should hand off to the dispatcher and return quickly (it runs
// on the libp2p stream-handler goroutine).
func (n *Node) Start(onConn func(*Conn)) error {
	n.onConn = onConn

	n.host.SetStreamHandler(DispatchProtocol, func(stream network.Stream) {
		n.onConn(NewConn(stream))
	})

	kademlia, err := dht.New(n.ctx, n.host, dht.Mode(dht.ModeServer))
	if err != nil {
		return fmt.Errorf("create DHT: %w", err)
	}
	if err := kademlia.Bootstrap(n.ctx); err != nil {
		return fmt.Errorf("bootstrap DHT: %w", err)
	}
	n.dht = kademlia

	routingDiscovery := discovery.NewRoutingDiscovery(kademlia)
	go n.advertiseLoop(routingDiscovery)

	log.Transport.Info().
		Str("peer_id", n.host.ID().String()).
		Str("rendezvous", n.rendezvous).
		Msg("peer-transport listener started")
	return nil
}

// advertiseLoop keeps the hub's rendezvous advertisement fresh on the DHT.
func (n *Node) advertiseLoop(d *discovery.RoutingDiscovery) {
	for {
		ttl, err := d.Advertise(n.ctx, n.rendezvous)
		if err != nil {
			log.Transport.Warn().Err(err).Msg("DHT advertise failed, retrying")
			ttl = advertiseTTL
		}
		select {
		case <-n.ctx.Done():
			return
		case <-time.After(ttl):
		}
	}
}

// Stop tears down the DHT and the host. Outbound writes are not drained
// forcibly — the dispatcher's own teardown handles in-flight sessions.
func (n *Node) Stop() error {
	n.cancel()
	if n.dht != nil {
		if err := n.dht.Close(); err != nil {
			log.Transport.Warn().Err(err).Msg("error closing DHT")
		}
	}
	return n.host.Close()
}

// Addrs returns the host's listen multiaddrs.
func (n *Node) Addrs() []string {
	var out []string
	for _, a := range n.host.Addrs() {
		out = append(out, a.String())
	}
	return out
}

// ID returns the host's libp2p peer ID.
func (n *Node) ID() peer.ID {
	return n.host.ID()
}
