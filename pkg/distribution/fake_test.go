package distribution

import (
	"context"
	"crypto/rand"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/require"

	"github.com/VetheonGames/BoxPeer/pkg/network"
	"github.com/VetheonGames/BoxPeer/pkg/types"
)

func randomPeer(t *testing.T) peer.ID {
	t.Helper()
	priv, _, err := crypto.GenerateEd25519Key(rand.Reader)
	require.NoError(t, err)
	id, err := peer.IDFromPrivateKey(priv)
	require.NoError(t, err)
	return id
}

// fakeNetwork stands in for the network client. Each remote peer serves the
// keys in files; peers listed in unreachable block until the request is
// cancelled and peers in failing answer with an error.
type fakeNetwork struct {
	self peer.ID
	done chan struct{}

	mu          sync.Mutex
	available   []peer.ID
	providers   map[string][]peer.ID
	files       map[peer.ID]map[string][]byte
	unreachable map[peer.ID]bool
	failing     map[peer.ID]bool
	manifests   map[string]types.Manifest
	pushed      map[peer.ID]map[string][]byte
	pushErr     error
	provided    []string
	published   []types.Manifest
	requests    int
	responses   map[*network.ResponseChannel][]byte
	declined    map[*network.ResponseChannel]bool
	acks        map[*network.ResponseChannel]error
}

func newFakeNetwork(t *testing.T) *fakeNetwork {
	return &fakeNetwork{
		self:        randomPeer(t),
		done:        make(chan struct{}),
		providers:   make(map[string][]peer.ID),
		files:       make(map[peer.ID]map[string][]byte),
		unreachable: make(map[peer.ID]bool),
		failing:     make(map[peer.ID]bool),
		manifests:   make(map[string]types.Manifest),
		pushed:      make(map[peer.ID]map[string][]byte),
		responses:   make(map[*network.ResponseChannel][]byte),
		declined:    make(map[*network.ResponseChannel]bool),
		acks:        make(map[*network.ResponseChannel]error),
	}
}

// serve makes p a provider of key with the given bytes
func (f *fakeNetwork) serve(p peer.ID, key string, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.providers[key] = append(f.providers[key], p)
	if f.files[p] == nil {
		f.files[p] = make(map[string][]byte)
	}
	f.files[p][key] = data
}

func (f *fakeNetwork) requestCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests
}

func (f *fakeNetwork) LocalPeer() peer.ID     { return f.self }
func (f *fakeNetwork) Done() <-chan struct{} { return f.done }

func (f *fakeNetwork) GetAvailablePeers(context.Context) ([]peer.ID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]peer.ID(nil), f.available...), nil
}

func (f *fakeNetwork) StartProviding(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.provided = append(f.provided, key)
	return nil
}

func (f *fakeNetwork) GetProviders(_ context.Context, key string) ([]peer.ID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]peer.ID{}, f.providers[key]...), nil
}

func (f *fakeNetwork) RequestFile(ctx context.Context, id peer.ID, key string) ([]byte, error) {
	f.mu.Lock()
	f.requests++
	unreachable := f.unreachable[id]
	failing := f.failing[id]
	data, ok := f.files[id][key]
	f.mu.Unlock()

	if unreachable {
		<-ctx.Done()
		return nil, fmt.Errorf("%w: %v", types.ErrTransport, ctx.Err())
	}
	if failing || !ok {
		return nil, fmt.Errorf("%w: %s declined %s", types.ErrTransport, id, key)
	}
	return data, nil
}

func (f *fakeNetwork) RespondFile(_ context.Context, data []byte, ch *network.ResponseChannel) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses[ch] = data
	return nil
}

func (f *fakeNetwork) DeclineRequest(_ context.Context, ch *network.ResponseChannel) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.declined[ch] = true
	return nil
}

func (f *fakeNetwork) PushChunk(_ context.Context, id peer.ID, key string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pushErr != nil {
		return f.pushErr
	}
	if f.pushed[id] == nil {
		f.pushed[id] = make(map[string][]byte)
	}
	f.pushed[id][key] = data
	return nil
}

func (f *fakeNetwork) AcknowledgePush(_ context.Context, ch *network.ResponseChannel, reason error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acks[ch] = reason
	return nil
}

func (f *fakeNetwork) PublishManifest(_ context.Context, m types.Manifest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, m)
	f.manifests[m.ContentHash] = m
	return nil
}

func (f *fakeNetwork) GetManifest(_ context.Context, hash string) (*types.Manifest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.manifests[hash]
	if !ok {
		return nil, fmt.Errorf("%w: manifest %s", types.ErrNotFound, hash)
	}
	return &m, nil
}

// waitFor polls cond under the fake's lock
func (f *fakeNetwork) waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		return cond()
	}, 2*time.Second, 10*time.Millisecond)
}
