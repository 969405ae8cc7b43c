package types

import (
	"fmt"
	"time"
)

// DefaultChunkSize is the split size used when none is configured (4 MiB)
const DefaultChunkSize = 4 * 1024 * 1024

// ProvidedContent represents a file registered for distribution by a peer
type ProvidedContent struct {
	ContentHash string `json:"content_hash"`
	FileName    string `json:"file_name"`
	FileSize    int64  `json:"file_size"`
	ChunkCount  int    `json:"chunk_count"`
	PeerID      string `json:"peer_id"`
}

// ChunkLock records which peer currently serves a chunk slot
type ChunkLock struct {
	ContentHash string `json:"content_hash"`
	ChunkIndex  int    `json:"chunk_index"`
	ChunkSize   int64  `json:"chunk_size"`
	PeerID      string `json:"peer_id"`
}

// NodeRecord is a peer known to this instance
type NodeRecord struct {
	PeerID string `json:"peer_id"`
}

// ChunkDigest is the digest recorded for a chunk at split time
type ChunkDigest struct {
	ContentHash string `json:"content_hash"`
	ChunkIndex  int    `json:"chunk_index"`
	Digest      string `json:"content_chunk_hash"`
}

// Assignment pairs a chunk with the peer that will serve it
type Assignment struct {
	Peer    string `json:"peer"`
	ChunkID string `json:"chunk_id"`
	Index   int    `json:"index"`
}

// Manifest describes a provided file to remote retrievers
type Manifest struct {
	ContentHash  string    `cbor:"content_hash" json:"content_hash"`
	FileName     string    `cbor:"file_name" json:"file_name"`
	FileSize     int64     `cbor:"file_size" json:"file_size"`
	ChunkCount   int       `cbor:"chunk_count" json:"chunk_count"`
	ChunkDigests []string  `cbor:"chunk_digests" json:"chunk_digests"`
	Owner        string    `cbor:"owner" json:"owner"`
	UpdatedAt    time.Time `cbor:"updated_at" json:"updated_at"`
}

// Validate checks that a manifest is internally consistent
func (m *Manifest) Validate() error {
	if m == nil {
		return fmt.Errorf("manifest cannot be nil")
	}
	if err := ValidateContentHash(m.ContentHash); err != nil {
		return err
	}
	if m.ChunkCount < 0 {
		return fmt.Errorf("manifest chunk count cannot be negative")
	}
	if len(m.ChunkDigests) != 0 && len(m.ChunkDigests) != m.ChunkCount {
		return fmt.Errorf("manifest has %d digests for %d chunks", len(m.ChunkDigests), m.ChunkCount)
	}
	if m.Owner == "" {
		return fmt.Errorf("manifest must have an owner")
	}
	return nil
}

// NodeRole describes what a node is willing to do in the swarm
type NodeRole string

const (
	// RoleProvider uploads content and serves whole files
	RoleProvider NodeRole = "Provider"
	// RoleDistributor holds and serves chunks pushed by providers
	RoleDistributor NodeRole = "Distributor"
	// RoleConsumer only retrieves content
	RoleConsumer NodeRole = "Consumer"
)

// ParseNodeRole converts a string into a NodeRole
func ParseNodeRole(s string) (NodeRole, error) {
	switch NodeRole(s) {
	case RoleProvider, RoleDistributor, RoleConsumer:
		return NodeRole(s), nil
	}
	return "", fmt.Errorf("unknown node role %q", s)
}

func (r NodeRole) CanProvide() bool {
	return r == RoleProvider
}

func (r NodeRole) CanDistribute() bool {
	return r == RoleDistributor || r == RoleProvider
}

func (r NodeRole) CanConsume() bool {
	return r != ""
}
