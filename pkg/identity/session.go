package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	ds "github.com/ipfs/go-datastore"
	"github.com/ipfs/go-datastore/namespace"
	dslvl "github.com/ipfs/go-ds-leveldb"

	"github.com/VetheonGames/BoxPeer/pkg/types"
)

var sessionKey = ds.NewKey("/current")

// Session is what a node remembers about its last run
type Session struct {
	PeerID        string         `json:"peer_id"`
	ListeningAddr string         `json:"listening_addr,omitempty"`
	NodeRole      types.NodeRole `json:"node_role"`
	StartedAt     time.Time      `json:"started_at"`
}

// OpenDatastore opens the leveldb store shared by the DHT and the session
// record. Callers carve it up with namespace.Wrap.
func OpenDatastore(path string) (*dslvl.Datastore, error) {
	store, err := dslvl.NewDatastore(path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open datastore %s: %w", path, err)
	}
	return store, nil
}

// SessionStore keeps the session record under the /session namespace
type SessionStore struct {
	store ds.Datastore
}

func NewSessionStore(store ds.Batching) *SessionStore {
	return &SessionStore{store: namespace.Wrap(store, ds.NewKey("/session"))}
}

func (s *SessionStore) Save(ctx context.Context, session Session) error {
	b, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}
	if err := s.store.Put(ctx, sessionKey, b); err != nil {
		return fmt.Errorf("%w: failed to save session: %v", types.ErrStorage, err)
	}
	return nil
}

// Load returns the last saved session or types.ErrNotFound
func (s *SessionStore) Load(ctx context.Context) (*Session, error) {
	b, err := s.store.Get(ctx, sessionKey)
	if err != nil {
		if errors.Is(err, ds.ErrNotFound) {
			return nil, fmt.Errorf("%w: no saved session", types.ErrNotFound)
		}
		return nil, fmt.Errorf("%w: failed to load session: %v", types.ErrStorage, err)
	}

	var session Session
	if err := json.Unmarshal(b, &session); err != nil {
		return nil, fmt.Errorf("failed to decode session: %w", err)
	}
	return &session, nil
}

// SetListeningAddr updates the address of an existing session
func (s *SessionStore) SetListeningAddr(ctx context.Context, addr string) error {
	session, err := s.Load(ctx)
	if err != nil {
		return err
	}
	session.ListeningAddr = addr
	return s.Save(ctx, *session)
}
