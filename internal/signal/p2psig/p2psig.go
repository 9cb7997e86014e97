// Package p2psig implements signal.Channel over libp2p gossipsub, for
// deployments that run without the hosted relay: every endpoint id maps to a
// pubsub topic, and dispatch pools are shared topics all pool members join.
// Note the relay's job-race arbitration does not exist on this transport; a
// pool-side arbiter endpoint has to provide it.
package p2psig

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/fieldside/fieldside/internal/signal"
)

var log = logging.Logger("p2psig")

const (
	topicPrefix    = "fieldside/sig/1.0.0/"
	connectTimeout = 10 * time.Second
)

func topicName(recipient string) string { return topicPrefix + recipient }

// Options configure the serverless transport.
type Options struct {
	ListenPort int
	MdnsTag    string
	// Bootstrap are multiaddrs (with peer ids) dialed at startup.
	Bootstrap []string
	// Endpoints are the local endpoint ids this channel receives for.
	Endpoints []string
	// Pools are dispatch pool topics to join.
	Pools []string
}

// Channel is a gossipsub-backed signal.Channel.
type Channel struct {
	host host.Host
	ps   *pubsub.PubSub
	out  *signal.Dispatcher

	mdns mdns.Service

	mu     sync.Mutex
	topics map[string]*pubsub.Topic // recipient id → joined topic

	ctx    context.Context
	cancel context.CancelFunc
}

type mdnsNotifee struct{ h host.Host }

func (n *mdnsNotifee) HandlePeerFound(pi peer.AddrInfo) {
	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	_ = n.h.Connect(ctx, pi)
}

// New starts a libp2p host, joins the topics for all local endpoints and
// pools, and begins delivering inbound envelopes to subscribers.
func New(ctx context.Context, opts Options) (*Channel, error) {
	h, err := libp2p.New(
		libp2p.ListenAddrStrings(
			fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", opts.ListenPort),
			fmt.Sprintf("/ip4/0.0.0.0/udp/%d/quic-v1", opts.ListenPort),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("p2psig: libp2p host: %w", err)
	}

	tag := opts.MdnsTag
	if tag == "" {
		tag = "fieldside"
	}
	md := mdns.NewMdnsService(h, tag, &mdnsNotifee{h: h})
	if err := md.Start(); err != nil {
		_ = h.Close()
		return nil, fmt.Errorf("p2psig: mdns: %w", err)
	}

	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		_ = h.Close()
		return nil, fmt.Errorf("p2psig: gossipsub: %w", err)
	}

	cctx, cancel := context.WithCancel(context.Background())
	c := &Channel{
		host:   h,
		ps:     ps,
		out:    signal.NewDispatcher(),
		topics: make(map[string]*pubsub.Topic),
		ctx:    cctx,
		cancel: cancel,
	}
	c.mdns = md

	for _, id := range append(append([]string{}, opts.Endpoints...), opts.Pools...) {
		if err := c.listenOn(id); err != nil {
			c.Close()
			return nil, err
		}
	}

	c.connectBootstrap(ctx, opts.Bootstrap)
	log.Infof("p2p signaling up, host %s, endpoints %v", h.ID(), opts.Endpoints)
	return c, nil
}

func (c *Channel) connectBootstrap(ctx context.Context, addrs []string) {
	for _, raw := range addrs {
		addr, err := ma.NewMultiaddr(raw)
		if err != nil {
			log.Warnf("bad bootstrap addr %q: %v", raw, err)
			continue
		}
		pi, err := peer.AddrInfoFromP2pAddr(addr)
		if err != nil {
			log.Warnf("bootstrap addr %q has no peer id: %v", raw, err)
			continue
		}
		cctx, cancel := context.WithTimeout(ctx, connectTimeout)
		if err := c.host.Connect(cctx, *pi); err != nil {
			log.Warnf("bootstrap connect %s: %v", pi.ID, err)
		}
		cancel()
	}
}

// listenOn joins the topic for a local recipient id and pumps its messages.
func (c *Channel) listenOn(id string) error {
	topic, err := c.joinTopic(id)
	if err != nil {
		return err
	}
	sub, err := topic.Subscribe()
	if err != nil {
		return fmt.Errorf("p2psig: subscribe %s: %w", id, err)
	}
	go c.pump(id, sub)
	return nil
}

func (c *Channel) pump(id string, sub *pubsub.Subscription) {
	defer sub.Cancel()
	for {
		msg, err := sub.Next(c.ctx)
		if err != nil {
			return // ctx cancelled or topic closed
		}
		if msg.ReceivedFrom == c.host.ID() {
			continue // own publish echoed back
		}
		var env signal.Envelope
		if err := json.Unmarshal(msg.Data, &env); err != nil {
			log.Debugf("dropping malformed envelope on %s: %v", id, err)
			continue
		}
		if env.To != id {
			// Topic traffic not addressed to the id we joined for — a
			// misbehaving publisher. Recipients ignore what isn't theirs.
			continue
		}
		c.out.Deliver(&env)
	}
}

func (c *Channel) joinTopic(id string) (*pubsub.Topic, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t, ok := c.topics[id]; ok {
		return t, nil
	}
	t, err := c.ps.Join(topicName(id))
	if err != nil {
		return nil, fmt.Errorf("p2psig: join %s: %w", id, err)
	}
	c.topics[id] = t
	return t, nil
}

// Publish implements signal.Channel.
func (c *Channel) Publish(ctx context.Context, env *signal.Envelope) error {
	topic, err := c.joinTopic(env.To)
	if err != nil {
		return err
	}
	b, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("p2psig: marshal envelope: %w", err)
	}
	if err := topic.Publish(ctx, b); err != nil {
		return fmt.Errorf("p2psig: publish %s → %s: %w", env.Kind, env.To, err)
	}
	return nil
}

// Subscribe implements signal.Channel.
func (c *Channel) Subscribe(kinds ...signal.Kind) (<-chan *signal.Envelope, func()) {
	return c.out.Subscribe(kinds...)
}

// Close implements signal.Channel.
func (c *Channel) Close() error {
	c.cancel()
	if c.mdns != nil {
		_ = c.mdns.Close()
	}
	c.mu.Lock()
	for _, t := range c.topics {
		_ = t.Close()
	}
	c.topics = make(map[string]*pubsub.Topic)
	c.mu.Unlock()
	c.out.Close()
	return c.host.Close()
}

// Addrs returns the host's listen multiaddrs, for printing bootstrap hints.
func (c *Channel) Addrs() []string {
	var out []string
	for _, a := range c.host.Addrs() {
		out = append(out, fmt.Sprintf("%s/p2p/%s", a, c.host.ID()))
	}
	return out
}
