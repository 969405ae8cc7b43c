package network

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	bpeer "github.com/VetheonGames/BoxPeer/pkg/peer"
	"github.com/VetheonGames/BoxPeer/pkg/types"
)

type testNode struct {
	client *Client
	events <-chan Event
	loop   *EventLoop
	addr   multiaddr.Multiaddr
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.EnableMDNS = false
	cfg.RequestTimeout = 5 * time.Second
	return cfg
}

func newTestNode(t *testing.T) *testNode {
	t.Helper()
	return newTestNodeWith(t, testConfig(), zap.NewNop())
}

func newTestNodeWith(t *testing.T, cfg Config, logger *zap.Logger) *testNode {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())

	client, events, loop, err := New(ctx, cfg, logger)
	require.NoError(t, err)
	go loop.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-client.Done()
	})

	id, err := client.StartListening(ctx, multiaddr.StringCast("/ip4/127.0.0.1/tcp/0"))
	require.NoError(t, err)
	require.Equal(t, client.LocalPeer().String(), id)

	addr, err := client.GetActualListeningAddress(ctx)
	require.NoError(t, err)

	return &testNode{client: client, events: events, loop: loop, addr: addr}
}

func connectNodes(t *testing.T, a, b *testNode) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, a.client.Dial(ctx, b.client.LocalPeer(), b.addr))
}

// serveEvents answers inbound exchanges on n with handler until the test ends
func serveEvents(t *testing.T, n *testNode, handler func(Event)) {
	t.Helper()
	go func() {
		for {
			select {
			case ev := <-n.events:
				handler(ev)
			case <-n.client.Done():
				return
			}
		}
	}()
}

func TestStartListeningAndAddress(t *testing.T) {
	n := newTestNode(t)

	assert.NotNil(t, n.addr)
	_, err := n.addr.ValueForProtocol(multiaddr.P_TCP)
	assert.NoError(t, err)
}

func TestListeningAddressBeforeListen(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client, _, loop, err := New(ctx, testConfig(), zap.NewNop())
	require.NoError(t, err)
	go loop.Run(ctx)
	defer loop.Close()

	_, err = client.GetActualListeningAddress(ctx)
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestDialAndPeers(t *testing.T) {
	a := newTestNode(t)
	b := newTestNode(t)
	connectNodes(t, a, b)

	ctx := context.Background()
	peers, err := a.client.GetPeers(ctx)
	require.NoError(t, err)
	assert.Contains(t, peers, b.client.LocalPeer())

	// a second dial to a connected peer returns at once
	require.NoError(t, a.client.Dial(ctx, b.client.LocalPeer(), b.addr))

	require.Eventually(t, func() bool {
		available, err := a.client.GetAvailablePeers(ctx)
		if err != nil {
			return false
		}
		for _, p := range available {
			if p == b.client.LocalPeer() {
				return true
			}
		}
		return false
	}, 5*time.Second, 100*time.Millisecond)
}

func TestDialWithP2PComponent(t *testing.T) {
	a := newTestNode(t)
	b := newTestNode(t)

	full := b.addr.Encapsulate(multiaddr.StringCast("/p2p/" + b.client.LocalPeer().String()))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, a.client.Dial(ctx, b.client.LocalPeer(), full))
}

func TestDialSelf(t *testing.T) {
	n := newTestNode(t)
	err := n.client.Dial(context.Background(), n.client.LocalPeer(), n.addr)
	assert.ErrorIs(t, err, types.ErrTransport)
}

func TestDialUnreachable(t *testing.T) {
	a := newTestNode(t)
	b := newTestNode(t)
	id := b.client.LocalPeer()
	addr := b.addr

	// stop b so nothing answers at its address
	require.NoError(t, b.loop.Close())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := a.client.Dial(ctx, id, addr)
	assert.ErrorIs(t, err, types.ErrTransport)
}

func TestPeerConnectedEvent(t *testing.T) {
	a := newTestNode(t)
	b := newTestNode(t)
	connectNodes(t, a, b)

	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev := <-b.events:
			if pc, ok := ev.(PeerConnected); ok {
				assert.Equal(t, a.client.LocalPeer(), pc.Peer)
				return
			}
		case <-timeout:
			t.Fatal("no PeerConnected event")
		}
	}
}

func TestRequestAndRespond(t *testing.T) {
	a := newTestNode(t)
	b := newTestNode(t)
	connectNodes(t, a, b)

	payload := []byte("chunk payload")
	serveEvents(t, b, func(ev Event) {
		req, ok := ev.(InboundRequest)
		if !ok {
			return
		}
		ctx := context.Background()
		if req.Key == "known" {
			_ = b.client.RespondFile(ctx, payload, req.Channel)
			return
		}
		_ = b.client.DeclineRequest(ctx, req.Channel)
	})

	ctx := context.Background()
	t.Run("served", func(t *testing.T) {
		data, err := a.client.RequestFile(ctx, b.client.LocalPeer(), "known")
		require.NoError(t, err)
		assert.Equal(t, payload, data)
	})

	t.Run("declined", func(t *testing.T) {
		_, err := a.client.RequestFile(ctx, b.client.LocalPeer(), "unknown")
		assert.ErrorIs(t, err, types.ErrTransport)
	})

	t.Run("empty response", func(t *testing.T) {
		serveEmpty := newTestNode(t)
		connectNodes(t, a, serveEmpty)
		serveEvents(t, serveEmpty, func(ev Event) {
			if req, ok := ev.(InboundRequest); ok {
				_ = serveEmpty.client.RespondFile(ctx, nil, req.Channel)
			}
		})
		data, err := a.client.RequestFile(ctx, serveEmpty.client.LocalPeer(), "anything")
		require.NoError(t, err)
		assert.Empty(t, data)
	})
}

func TestPushChunk(t *testing.T) {
	a := newTestNode(t)
	b := newTestNode(t)
	connectNodes(t, a, b)

	received := make(chan InboundPush, 2)
	serveEvents(t, b, func(ev Event) {
		push, ok := ev.(InboundPush)
		if !ok {
			return
		}
		received <- push
		var reason error
		if len(push.Data) == 0 {
			reason = errors.New("empty chunk")
		}
		_ = b.client.AcknowledgePush(context.Background(), push.Channel, reason)
	})

	ctx := context.Background()
	require.NoError(t, a.client.PushChunk(ctx, b.client.LocalPeer(), "key_chunk_0", []byte("data")))
	push := <-received
	assert.Equal(t, "key_chunk_0", push.Key)
	assert.Equal(t, []byte("data"), push.Data)
	assert.Equal(t, a.client.LocalPeer(), push.Peer)

	err := a.client.PushChunk(ctx, b.client.LocalPeer(), "key_chunk_1", nil)
	assert.ErrorIs(t, err, types.ErrTransport)
	assert.Contains(t, err.Error(), "empty chunk")
}

func TestRequestCancelled(t *testing.T) {
	a := newTestNode(t)
	b := newTestNode(t)
	connectNodes(t, a, b)

	// b never answers
	serveEvents(t, b, func(Event) {})

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, err := a.client.RequestFile(ctx, b.client.LocalPeer(), "slow")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// the loop keeps serving other callers
	peers, err := a.client.GetPeers(context.Background())
	require.NoError(t, err)
	assert.Contains(t, peers, b.client.LocalPeer())
}

func TestUnansweredRequestExpires(t *testing.T) {
	a := newTestNode(t)
	b := newTestNode(t)
	connectNodes(t, a, b)
	serveEvents(t, b, func(Event) {})

	start := time.Now()
	_, err := a.client.RequestFile(context.Background(), b.client.LocalPeer(), "never")
	assert.ErrorIs(t, err, types.ErrTransport)
	assert.Less(t, time.Since(start), 15*time.Second)
}

func TestProvidersEmpty(t *testing.T) {
	n := newTestNode(t)

	providers, err := n.client.GetProviders(context.Background(), "nobody-has-this")
	require.NoError(t, err)
	assert.Empty(t, providers)
}

func TestProvideAndFind(t *testing.T) {
	a := newTestNode(t)
	b := newTestNode(t)
	connectNodes(t, a, b)

	ctx := context.Background()
	key := "c0ffee_chunk_0"

	// Provide needs a in b's routing table and the other way around
	require.Eventually(t, func() bool {
		return a.client.StartProviding(ctx, key) == nil
	}, 10*time.Second, 200*time.Millisecond)

	require.Eventually(t, func() bool {
		providers, err := b.client.GetProviders(ctx, key)
		if err != nil {
			return false
		}
		for _, p := range providers {
			if p == a.client.LocalPeer() {
				return true
			}
		}
		return false
	}, 10*time.Second, 200*time.Millisecond)
}

func TestProviderKeyValidation(t *testing.T) {
	n := newTestNode(t)
	assert.Error(t, n.client.StartProviding(context.Background(), ""))
	_, err := n.client.GetProviders(context.Background(), "")
	assert.Error(t, err)
}

func TestManifestLocalCache(t *testing.T) {
	n := newTestNode(t)
	ctx := context.Background()

	m := testManifest()
	// with no peers the DHT put fails but the manifest is still kept locally
	_ = n.client.PublishManifest(ctx, m)

	got, err := n.client.GetManifest(ctx, m.ContentHash)
	require.NoError(t, err)
	assert.Equal(t, m.ChunkCount, got.ChunkCount)
	assert.Equal(t, m.FileName, got.FileName)
}

func TestManifestNotFound(t *testing.T) {
	n := newTestNode(t)
	_, err := n.client.GetManifest(context.Background(), testManifest().ContentHash)
	assert.ErrorIs(t, err, types.ErrNotFound)

	_, err = n.client.GetManifest(context.Background(), "not-a-hash")
	assert.ErrorIs(t, err, types.ErrInvalidContentHash)
}

func TestManifestGossip(t *testing.T) {
	a := newTestNode(t)
	b := newTestNode(t)
	connectNodes(t, a, b)

	announced := make(chan ManifestAnnounced, 1)
	serveEvents(t, b, func(ev Event) {
		if ma, ok := ev.(ManifestAnnounced); ok {
			select {
			case announced <- ma:
			default:
			}
		}
	})

	m := testManifest()
	ctx := context.Background()
	// gossip needs the mesh to form; publish until b hears it
	deadline := time.After(15 * time.Second)
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		_ = a.client.PublishManifest(ctx, m)
		select {
		case got := <-announced:
			assert.Equal(t, a.client.LocalPeer(), got.Peer)
			assert.Equal(t, m.ContentHash, got.Manifest.ContentHash)
			return
		case <-ticker.C:
		case <-deadline:
			t.Fatal("manifest was not gossiped")
		}
	}
}

func TestClientAfterClose(t *testing.T) {
	ctx := context.Background()
	client, _, loop, err := New(ctx, testConfig(), zap.NewNop())
	require.NoError(t, err)
	go loop.Run(ctx)
	require.NoError(t, loop.Close())

	_, err = client.GetPeers(ctx)
	assert.ErrorIs(t, err, types.ErrClosed)
	assert.ErrorIs(t, client.FindPeers(ctx, peer.ID("x")), types.ErrClosed)
}

func TestFirstProviders(t *testing.T) {
	t.Run("closed without providers", func(t *testing.T) {
		ch := make(chan peer.AddrInfo)
		close(ch)
		assert.Empty(t, firstProviders(ch, "self"))
	})

	t.Run("first batch deduplicated", func(t *testing.T) {
		ch := make(chan peer.AddrInfo, 4)
		ch <- peer.AddrInfo{ID: "a"}
		ch <- peer.AddrInfo{ID: "b"}
		ch <- peer.AddrInfo{ID: "a"}
		got := firstProviders(ch, "self")
		assert.Equal(t, []peer.ID{"a", "b"}, got)
	})

	t.Run("self first keeps waiting for a remote provider", func(t *testing.T) {
		ch := make(chan peer.AddrInfo)
		go func() {
			ch <- peer.AddrInfo{ID: "self"}
			time.Sleep(50 * time.Millisecond)
			ch <- peer.AddrInfo{ID: "remote"}
			close(ch)
		}()
		assert.Equal(t, []peer.ID{"remote"}, firstProviders(ch, "self"))
	})

	t.Run("only self", func(t *testing.T) {
		ch := make(chan peer.AddrInfo, 2)
		ch <- peer.AddrInfo{ID: "self"}
		ch <- peer.AddrInfo{ID: "self"}
		close(ch)
		assert.Empty(t, firstProviders(ch, "self"))
	})
}

func TestFindPeersKeepsLoopResponsive(t *testing.T) {
	a := newTestNode(t)
	b := newTestNode(t)
	connectNodes(t, a, b)

	ctx := context.Background()
	require.NoError(t, a.client.FindPeers(ctx, b.client.LocalPeer()))

	peers, err := a.client.GetPeers(ctx)
	require.NoError(t, err)
	assert.Contains(t, peers, b.client.LocalPeer())
}

// stallingListener accepts TCP connections and never speaks, so dials to it
// stay in flight until their context expires
func stallingListener(t *testing.T) multiaddr.Multiaddr {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	var mu sync.Mutex
	var conns []net.Conn
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			conns = append(conns, c)
			mu.Unlock()
		}
	}()
	t.Cleanup(func() {
		_ = ln.Close()
		mu.Lock()
		defer mu.Unlock()
		for _, c := range conns {
			_ = c.Close()
		}
	})

	port := ln.Addr().(*net.TCPAddr).Port
	return multiaddr.StringCast(fmt.Sprintf("/ip4/127.0.0.1/tcp/%d", port))
}

func TestDialCoalesced(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	cfg := testConfig()
	cfg.RequestTimeout = 2 * time.Second
	n := newTestNodeWith(t, cfg, zap.New(core))

	priv, _, err := crypto.GenerateEd25519Key(rand.Reader)
	require.NoError(t, err)
	target, err := peer.IDFromPrivateKey(priv)
	require.NoError(t, err)
	addr := stallingListener(t)

	const dials = 5
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	errs := make([]error, dials)
	var wg sync.WaitGroup
	for i := 0; i < dials; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = n.client.Dial(ctx, target, addr)
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		require.ErrorIs(t, err, types.ErrTransport)
		assert.Equal(t, errs[0].Error(), err.Error())
	}
	assert.Equal(t, dials-1, logs.FilterMessage("dial already in flight").Len())
	assert.Equal(t, 1, logs.FilterMessage("outgoing connection error").Len())
}

func TestOrphanOutcomeKeepsLoopRunning(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	n := newTestNodeWith(t, testConfig(), zap.New(core))

	n.loop.post(queryOutcomeEvent{id: uuid.New(), res: result{data: []byte("late")}})

	require.Eventually(t, func() bool {
		return logs.FilterMessage("query outcome without pending entry").Len() == 1
	}, 5*time.Second, 20*time.Millisecond)

	entry := logs.FilterMessage("query outcome without pending entry").All()[0]
	assert.Contains(t, entry.ContextMap()["error"], types.ErrProtocolViolation.Error())

	peers, err := n.client.GetPeers(context.Background())
	require.NoError(t, err)
	assert.Empty(t, peers)
}

func TestPeerDetails(t *testing.T) {
	a := newTestNode(t)
	b := newTestNode(t)
	connectNodes(t, a, b)

	ctx := context.Background()
	require.Eventually(t, func() bool {
		info, err := a.client.PeerDetail(ctx, b.client.LocalPeer())
		return err == nil && info.State == bpeer.PeerConnected
	}, 5*time.Second, 50*time.Millisecond)

	infos, err := a.client.PeerDetails(ctx)
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, b.client.LocalPeer(), infos[0].ID)
	assert.NotEmpty(t, infos[0].Addrs)

	priv, _, err := crypto.GenerateEd25519Key(rand.Reader)
	require.NoError(t, err)
	stranger, err := peer.IDFromPrivateKey(priv)
	require.NoError(t, err)
	_, err = a.client.PeerDetail(ctx, stranger)
	assert.ErrorIs(t, err, types.ErrNotFound)
}
