package content

import (
	"github.com/VetheonGames/BoxPeer/pkg/types"
)

// DistributeChunks assigns chunk i of hash to peers[i % len(peers)]. The
// result depends only on the index and the peer count.
func (m *Manager) DistributeChunks(hash string, peers []string, chunkCount int) ([]types.Assignment, error) {
	return Distribute(hash, peers, chunkCount)
}

// Distribute is the round robin assignment used by DistributeChunks
func Distribute(hash string, peers []string, chunkCount int) ([]types.Assignment, error) {
	hash, err := types.NormalizeContentHash(hash)
	if err != nil {
		return nil, err
	}
	if len(peers) == 0 {
		return nil, types.ErrNoPeers
	}

	assignments := make([]types.Assignment, 0, chunkCount)
	for i := 0; i < chunkCount; i++ {
		id, err := types.ChunkID(hash, i)
		if err != nil {
			return nil, err
		}
		assignments = append(assignments, types.Assignment{
			Peer:    peers[i%len(peers)],
			ChunkID: id,
			Index:   i,
		})
	}
	return assignments, nil
}
