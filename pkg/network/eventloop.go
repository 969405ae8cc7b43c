package network

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	"github.com/multiformats/go-multiaddr"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	bpeer "github.com/VetheonGames/BoxPeer/pkg/peer"
	"github.com/VetheonGames/BoxPeer/pkg/types"
)

// swarmEvent is anything the loop learns from the network or from its own
// background work, as opposed to commands sent by clients
type swarmEvent interface{}

type connectedEvent struct {
	peer     peer.ID
	addr     multiaddr.Multiaddr
	outbound bool
}

type disconnectedEvent struct {
	peer peer.ID
}

type dialOutcomeEvent struct {
	peer peer.ID
	err  error
}

type queryOutcomeEvent struct {
	id  uuid.UUID
	res result
}

type closestPeersEvent struct {
	target peer.ID
	peers  []peer.ID
	err    error
}

type mdnsFoundEvent struct {
	info peer.AddrInfo
}

type manifestGossipEvent struct {
	from     peer.ID
	manifest types.Manifest
}

type pendingQuery struct {
	reply  chan<- result
	cancel context.CancelFunc
}

// EventLoop exclusively owns the libp2p host, the DHT and the gossip router.
// Everything else talks to it through a Client.
type EventLoop struct {
	cfg     Config
	logger  *zap.Logger
	host    host.Host
	dht     *dht.IpfsDHT
	pubsub  *pubsub.PubSub
	topic   *pubsub.Topic
	sub     *pubsub.Subscription
	mdns    mdns.Service
	tracker *bpeer.Tracker

	commands    chan command
	swarmEvents chan swarmEvent
	events      chan Event

	pending     map[uuid.UUID]pendingQuery
	cancelled   map[uuid.UUID]struct{}
	pendingDial map[peer.ID][]chan<- result
	manifests   map[string]types.Manifest

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// New builds the host, DHT and gossip router and returns a client handle, the
// inbound event stream and the loop itself. The caller must Run the loop.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Client, <-chan Event, *EventLoop, error) {
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}

	h, err := newHost(cfg)
	if err != nil {
		return nil, nil, nil, err
	}

	loopCtx, cancel := context.WithCancel(ctx)
	kdht, err := newDHT(loopCtx, h, cfg)
	if err != nil {
		cancel()
		return nil, nil, nil, multierr.Append(err, h.Close())
	}

	fail := func(err error) (*Client, <-chan Event, *EventLoop, error) {
		cancel()
		return nil, nil, nil, multierr.Combine(err, kdht.Close(), h.Close())
	}

	ps, err := newPubSub(loopCtx, h)
	if err != nil {
		return fail(err)
	}
	topic, err := ps.Join(manifestTopic)
	if err != nil {
		return fail(fmt.Errorf("failed to join manifest topic: %w", err))
	}
	sub, err := topic.Subscribe()
	if err != nil {
		return fail(fmt.Errorf("failed to subscribe to manifest topic: %w", err))
	}

	l := &EventLoop{
		cfg:         cfg,
		logger:      logger.Named("network").With(zap.Stringer("self", h.ID())),
		host:        h,
		dht:         kdht,
		pubsub:      ps,
		topic:       topic,
		sub:         sub,
		tracker:     bpeer.NewTracker(),
		commands:    make(chan command),
		swarmEvents: make(chan swarmEvent, cfg.EventBuffer),
		events:      make(chan Event, cfg.EventBuffer),
		pending:     make(map[uuid.UUID]pendingQuery),
		cancelled:   make(map[uuid.UUID]struct{}),
		pendingDial: make(map[peer.ID][]chan<- result),
		manifests:   make(map[string]types.Manifest),
		ctx:         loopCtx,
		cancel:      cancel,
		done:        make(chan struct{}),
	}

	h.SetStreamHandler(FileExchangeProtocol, l.handleFileStream)
	h.SetStreamHandler(ChunkPushProtocol, l.handlePushStream)
	h.Network().Notify(&network.NotifyBundle{
		ConnectedF: func(_ network.Network, c network.Conn) {
			l.post(connectedEvent{
				peer:     c.RemotePeer(),
				addr:     c.RemoteMultiaddr(),
				outbound: c.Stat().Direction == network.DirOutbound,
			})
		},
		DisconnectedF: func(_ network.Network, c network.Conn) {
			l.post(disconnectedEvent{peer: c.RemotePeer()})
		},
	})

	go l.subscribeManifests(loopCtx, sub)
	go l.connectBootstrapPeers()

	client := &Client{local: h.ID(), commands: l.commands, done: l.done}
	return client, l.events, l, nil
}

// Run processes commands and swarm events until ctx is cancelled or Close is
// called. Commands and events are handled one at a time in arrival order.
func (l *EventLoop) Run(ctx context.Context) {
	defer l.shutdown()

	l.logger.Info("event loop started")
	for {
		select {
		case <-ctx.Done():
			return
		case <-l.ctx.Done():
			return
		case ev := <-l.swarmEvents:
			l.handleSwarmEvent(ev)
		case cmd := <-l.commands:
			l.handleCommand(cmd)
		}
	}
}

// Close stops a running loop and waits for it to release the host
func (l *EventLoop) Close() error {
	l.cancel()
	<-l.done
	return nil
}

func (l *EventLoop) shutdown() {
	l.cancel()

	for id, p := range l.pending {
		p.cancel()
		p.reply <- result{err: types.ErrClosed}
		delete(l.pending, id)
	}
	for id, waiters := range l.pendingDial {
		for _, w := range waiters {
			w <- result{err: types.ErrClosed}
		}
		delete(l.pendingDial, id)
	}

	var err error
	if l.mdns != nil {
		err = multierr.Append(err, l.mdns.Close())
	}
	l.sub.Cancel()
	err = multierr.Append(err, l.topic.Close())
	err = multierr.Append(err, l.dht.Close())
	err = multierr.Append(err, l.host.Close())
	if err != nil {
		l.logger.Warn("errors while shutting down", zap.Error(err))
	}

	l.logger.Info("event loop stopped")
	close(l.done)
}

// post hands an event from a background goroutine to the loop
func (l *EventLoop) post(ev swarmEvent) {
	select {
	case l.swarmEvents <- ev:
	case <-l.ctx.Done():
	}
}

// emit publishes an informational event without blocking the loop
func (l *EventLoop) emit(ev Event) {
	select {
	case l.events <- ev:
	default:
		l.logger.Warn("event buffer full, dropping event", zap.String("event", fmt.Sprintf("%T", ev)))
	}
}

func reply(cmd command, res result) {
	if ch := cmd.replyTo(); ch != nil {
		ch <- res
	}
}

// track registers a pending reply for a background query and returns the
// context that query must run under
func (l *EventLoop) track(id uuid.UUID, replyCh chan<- result) context.Context {
	ctx, cancel := context.WithTimeout(l.ctx, l.cfg.RequestTimeout)
	l.pending[id] = pendingQuery{reply: replyCh, cancel: cancel}
	return ctx
}

func (l *EventLoop) handleSwarmEvent(ev swarmEvent) {
	switch ev := ev.(type) {
	case queryOutcomeEvent:
		p, ok := l.pending[ev.id]
		if !ok {
			if _, wasCancelled := l.cancelled[ev.id]; wasCancelled {
				delete(l.cancelled, ev.id)
				return
			}
			l.logger.Warn("query outcome without pending entry",
				zap.Stringer("query_id", ev.id),
				zap.Error(types.ErrProtocolViolation))
			return
		}
		delete(l.pending, ev.id)
		// finishes any lookup still running for this query
		p.cancel()
		if ev.res.manifest != nil {
			l.rememberManifest(*ev.res.manifest)
		}
		p.reply <- ev.res

	case connectedEvent:
		first := l.tracker.Connected(ev.peer, ev.addr)
		l.logger.Debug("connection established",
			zap.Stringer("peer", ev.peer),
			zap.Bool("outbound", ev.outbound),
			zap.Int("known_peers", l.tracker.Count()))
		if ev.outbound {
			l.resolveDial(ev.peer, nil)
		}
		if first {
			l.emit(PeerConnected{Peer: ev.peer, Addr: ev.addr})
		}

	case disconnectedEvent:
		l.tracker.Disconnected(ev.peer)
		l.logger.Debug("connection closed",
			zap.Stringer("peer", ev.peer),
			zap.Stringer("state", l.tracker.State(ev.peer)))

	case dialOutcomeEvent:
		if ev.err != nil {
			l.logger.Debug("outgoing connection error", zap.Stringer("peer", ev.peer), zap.Error(ev.err))
			l.resolveDial(ev.peer, fmt.Errorf("%w: failed to dial %s: %v", types.ErrTransport, ev.peer, ev.err))
			return
		}
		l.resolveDial(ev.peer, nil)

	case closestPeersEvent:
		if ev.err != nil {
			l.logger.Debug("closest peers lookup failed", zap.Stringer("target", ev.target), zap.Error(ev.err))
			return
		}
		l.logger.Debug("closest peers lookup finished",
			zap.Stringer("target", ev.target),
			zap.Int("peers", len(ev.peers)))

	case mdnsFoundEvent:
		l.handlePeerFound(ev.info)

	case manifestGossipEvent:
		l.rememberManifest(ev.manifest)
		l.emit(ManifestAnnounced{Peer: ev.from, Manifest: ev.manifest})

	default:
		l.logger.Warn("unknown swarm event", zap.String("type", fmt.Sprintf("%T", ev)))
	}
}

func (l *EventLoop) resolveDial(id peer.ID, err error) {
	waiters, ok := l.pendingDial[id]
	if !ok {
		return
	}
	delete(l.pendingDial, id)
	for _, w := range waiters {
		w <- result{err: err}
	}
}

// handlePeerFound adds a locally discovered peer to the peerstore and connects
// to it. Once identify completes the DHT adds it to the routing table.
func (l *EventLoop) handlePeerFound(info peer.AddrInfo) {
	if info.ID == l.host.ID() {
		return
	}
	l.logger.Debug("discovered peer via mdns", zap.Stringer("peer", info.ID))
	if l.host.Network().Connectedness(info.ID) == network.Connected {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(l.ctx, l.cfg.RequestTimeout)
		defer cancel()
		l.post(dialOutcomeEvent{peer: info.ID, err: l.host.Connect(ctx, info)})
	}()
}

func (l *EventLoop) rememberManifest(m types.Manifest) {
	if existing, ok := l.manifests[m.ContentHash]; ok && existing.UpdatedAt.After(m.UpdatedAt) {
		return
	}
	l.manifests[m.ContentHash] = m
}

func (l *EventLoop) connectBootstrapPeers() {
	for _, info := range l.cfg.BootstrapPeers {
		go func(info peer.AddrInfo) {
			ctx, cancel := context.WithTimeout(l.ctx, l.cfg.RequestTimeout)
			defer cancel()
			if err := l.host.Connect(ctx, info); err != nil {
				if !errors.Is(err, context.Canceled) {
					l.logger.Warn("failed to connect to bootstrap peer", zap.Stringer("peer", info.ID), zap.Error(err))
				}
				return
			}
			l.logger.Info("connected to bootstrap peer", zap.Stringer("peer", info.ID))
		}(info)
	}
}
