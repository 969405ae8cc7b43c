package network

import (
	"fmt"

	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/peerstore"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	"github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"

	bpeer "github.com/VetheonGames/BoxPeer/pkg/peer"
	"github.com/VetheonGames/BoxPeer/pkg/types"
)

func (l *EventLoop) handleCommand(cmd command) {
	switch cmd := cmd.(type) {
	case startListeningCmd:
		l.startListening(cmd)

	case dialCmd:
		l.dial(cmd)

	case getPeersCmd:
		peers := l.host.Network().Peers()
		if cmd.availableOnly {
			available := make([]peer.ID, 0, len(peers))
			for _, p := range peers {
				if l.speaksExchange(p) {
					available = append(available, p)
				}
			}
			peers = available
		}
		reply(cmd, result{peers: peers})

	case peerInfoCmd:
		if cmd.peer == "" {
			reply(cmd, result{infos: l.tracker.List()})
			return
		}
		info, ok := l.tracker.Get(cmd.peer)
		if !ok {
			reply(cmd, result{err: fmt.Errorf("%w: peer %s was never connected", types.ErrNotFound, cmd.peer)})
			return
		}
		reply(cmd, result{infos: []bpeer.PeerInfo{info}})

	case startProvidingCmd:
		key, err := ProviderKey(cmd.key)
		if err != nil {
			reply(cmd, result{err: err})
			return
		}
		ctx := l.track(cmd.id, cmd.reply)
		go func() {
			var err error
			if perr := l.dht.Provide(ctx, key, true); perr != nil {
				err = fmt.Errorf("%w: failed to provide %s: %v", types.ErrTransport, cmd.key, perr)
			}
			l.post(queryOutcomeEvent{id: cmd.id, res: result{err: err}})
		}()

	case getProvidersCmd:
		key, err := ProviderKey(cmd.key)
		if err != nil {
			reply(cmd, result{err: err})
			return
		}
		ctx := l.track(cmd.id, cmd.reply)
		go func() {
			found := firstProviders(l.dht.FindProvidersAsync(ctx, key, 0), l.host.ID())
			l.post(queryOutcomeEvent{id: cmd.id, res: result{peers: found}})
		}()

	case requestFileCmd:
		ctx := l.track(cmd.id, cmd.reply)
		go func() {
			var resp FileResponse
			err := l.exchange(ctx, cmd.peer, FileExchangeProtocol, FileRequest{Key: cmd.key}, &resp)
			l.post(queryOutcomeEvent{id: cmd.id, res: result{data: resp.Data, err: err}})
		}()

	case respondFileCmd:
		l.respond(cmd.channel, FileResponse{Data: cmd.data})

	case declineRequestCmd:
		l.decline(cmd.channel)

	case pushChunkCmd:
		ctx := l.track(cmd.id, cmd.reply)
		go func() {
			var resp PushResponse
			err := l.exchange(ctx, cmd.peer, ChunkPushProtocol, PushRequest{Key: cmd.key, Data: cmd.data}, &resp)
			if err == nil && resp.Error != "" {
				err = fmt.Errorf("%w: peer %s rejected chunk %s: %s", types.ErrTransport, cmd.peer, cmd.key, resp.Error)
			}
			l.post(queryOutcomeEvent{id: cmd.id, res: result{err: err}})
		}()

	case acknowledgePushCmd:
		l.respond(cmd.channel, PushResponse{Error: cmd.reason})

	case findPeersCmd:
		go func() {
			ctx, cancel := l.queryContext()
			defer cancel()
			peers, err := l.dht.GetClosestPeers(ctx, string(cmd.target))
			l.post(closestPeersEvent{target: cmd.target, peers: peers, err: err})
		}()

	case listeningAddressCmd:
		addrs := l.host.Network().ListenAddresses()
		if len(addrs) == 0 {
			reply(cmd, result{err: fmt.Errorf("%w: no listening address", types.ErrNotFound)})
			return
		}
		reply(cmd, result{addr: addrs[0]})

	case publishManifestCmd:
		l.publishManifest(cmd)

	case getManifestCmd:
		l.getManifest(cmd)

	case cancelCmd:
		p, ok := l.pending[cmd.target]
		if !ok {
			return
		}
		p.cancel()
		delete(l.pending, cmd.target)
		l.cancelled[cmd.target] = struct{}{}
		l.logger.Debug("query abandoned by caller", zap.Stringer("query_id", cmd.target))

	default:
		l.logger.Warn("unknown command", zap.String("type", fmt.Sprintf("%T", cmd)))
	}
}

func (l *EventLoop) startListening(cmd startListeningCmd) {
	if err := l.host.Network().Listen(cmd.addr); err != nil {
		reply(cmd, result{err: fmt.Errorf("%w: failed to listen on %s: %v", types.ErrTransport, cmd.addr, err)})
		return
	}
	l.host.Peerstore().AddAddr(l.host.ID(), cmd.addr, peerstore.PermanentAddrTTL)
	l.logger.Info("listening", zap.Stringer("addr", cmd.addr))

	if l.cfg.EnableMDNS && l.mdns == nil {
		svc := mdns.NewMdnsService(l.host, l.cfg.MDNSService, &discoveryNotifee{ctx: l.ctx, found: l.swarmEvents})
		if err := svc.Start(); err != nil {
			l.logger.Warn("failed to start mdns discovery", zap.Error(err))
		} else {
			l.mdns = svc
		}
	}

	reply(cmd, result{peerID: l.host.ID().String()})
}

func (l *EventLoop) dial(cmd dialCmd) {
	if cmd.peer == l.host.ID() {
		reply(cmd, result{err: fmt.Errorf("%w: cannot dial self", types.ErrTransport)})
		return
	}
	if l.host.Network().Connectedness(cmd.peer) == network.Connected {
		reply(cmd, result{})
		return
	}
	if waiters, ok := l.pendingDial[cmd.peer]; ok {
		l.pendingDial[cmd.peer] = append(waiters, cmd.reply)
		l.logger.Debug("dial already in flight", zap.Stringer("peer", cmd.peer))
		return
	}
	l.pendingDial[cmd.peer] = []chan<- result{cmd.reply}

	info := peer.AddrInfo{ID: cmd.peer}
	if cmd.addr != nil {
		// AddrInfo addresses must not carry the /p2p component
		transport, _ := peer.SplitAddr(cmd.addr)
		if transport != nil {
			info.Addrs = []multiaddr.Multiaddr{transport}
		}
	}

	go func() {
		ctx, cancel := l.queryContext()
		defer cancel()
		l.post(dialOutcomeEvent{peer: cmd.peer, err: l.host.Connect(ctx, info)})
	}()
}

func (l *EventLoop) publishManifest(cmd publishManifestCmd) {
	m := cmd.manifest
	if err := m.Validate(); err != nil {
		reply(cmd, result{err: err})
		return
	}
	data, err := encodeManifest(m)
	if err != nil {
		reply(cmd, result{err: err})
		return
	}
	l.rememberManifest(m)

	ctx := l.track(cmd.id, cmd.reply)
	go func() {
		if err := l.topic.Publish(ctx, data); err != nil {
			l.logger.Warn("failed to gossip manifest", zap.String("content_hash", m.ContentHash), zap.Error(err))
		}
		var err error
		if perr := l.dht.PutValue(ctx, manifestKey(m.ContentHash), data); perr != nil {
			err = fmt.Errorf("%w: failed to store manifest %s: %v", types.ErrTransport, m.ContentHash, perr)
		}
		l.post(queryOutcomeEvent{id: cmd.id, res: result{err: err}})
	}()
}

func (l *EventLoop) getManifest(cmd getManifestCmd) {
	hash, err := types.NormalizeContentHash(cmd.contentHash)
	if err != nil {
		reply(cmd, result{err: err})
		return
	}
	if m, ok := l.manifests[hash]; ok {
		reply(cmd, result{manifest: &m})
		return
	}

	ctx := l.track(cmd.id, cmd.reply)
	go func() {
		data, err := l.dht.GetValue(ctx, manifestKey(hash))
		if err != nil {
			l.post(queryOutcomeEvent{id: cmd.id, res: result{
				err: fmt.Errorf("%w: manifest %s: %v", types.ErrNotFound, hash, err),
			}})
			return
		}
		m, err := decodeManifest(data)
		if err != nil {
			err = fmt.Errorf("%w: manifest %s: %v", types.ErrProtocolViolation, hash, err)
		}
		l.post(queryOutcomeEvent{id: cmd.id, res: result{manifest: m, err: err}})
	}()
}

func (l *EventLoop) speaksExchange(p peer.ID) bool {
	protos, err := l.host.Peerstore().SupportsProtocols(p, FileExchangeProtocol)
	return err == nil && len(protos) > 0
}

// firstProviders waits for the first provider other than self and then
// takes whatever else is already buffered. Self is never returned. A lookup
// that ends without remote providers yields an empty set.
func firstProviders(ch <-chan peer.AddrInfo, self peer.ID) []peer.ID {
	found := []peer.ID{}
	seen := map[peer.ID]struct{}{self: {}}
	add := func(info peer.AddrInfo) bool {
		if _, ok := seen[info.ID]; ok {
			return false
		}
		seen[info.ID] = struct{}{}
		found = append(found, info.ID)
		return true
	}

	for {
		first, ok := <-ch
		if !ok {
			return found
		}
		if add(first) {
			break
		}
	}
	for {
		select {
		case info, ok := <-ch:
			if !ok {
				return found
			}
			add(info)
		default:
			return found
		}
	}
}
