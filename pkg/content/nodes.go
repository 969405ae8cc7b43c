package content

import (
	"context"

	"github.com/VetheonGames/BoxPeer/pkg/types"
)

// AddNode appends a peer to the known-node registry. A peer already present
// is not inserted twice.
func (m *Manager) AddNode(ctx context.Context, peerID string) error {
	_, err := m.db.ExecContext(ctx, `
		INSERT INTO nodes (peer_id)
		SELECT ? WHERE NOT EXISTS (SELECT 1 FROM nodes WHERE peer_id = ?)`,
		peerID, peerID)
	if err != nil {
		return storageErr("add node", err)
	}
	return nil
}

// KnownNodes returns the registry in the order peers were first seen
func (m *Manager) KnownNodes(ctx context.Context) ([]types.NodeRecord, error) {
	ids, err := m.queryStrings(ctx, "list nodes", `SELECT peer_id FROM nodes ORDER BY id`)
	if err != nil {
		return nil, err
	}

	nodes := make([]types.NodeRecord, 0, len(ids))
	for _, id := range ids {
		nodes = append(nodes, types.NodeRecord{PeerID: id})
	}
	return nodes, nil
}
