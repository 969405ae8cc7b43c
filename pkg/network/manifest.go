package network

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
	record "github.com/libp2p/go-libp2p-record"

	"github.com/VetheonGames/BoxPeer/pkg/types"
)

var manifestEncMode, _ = cbor.EncOptions{Time: cbor.TimeRFC3339Nano}.EncMode()

func encodeManifest(m types.Manifest) ([]byte, error) {
	data, err := manifestEncMode.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode manifest: %w", err)
	}
	return data, nil
}

func decodeManifest(data []byte) (*types.Manifest, error) {
	var m types.Manifest
	if err := cbor.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("invalid manifest data: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// manifestValidator checks DHT records in the boxpeer namespace
type manifestValidator struct{}

var _ record.Validator = manifestValidator{}

func (manifestValidator) Validate(key string, value []byte) error {
	ns, hash, err := record.SplitKey(key)
	if err != nil {
		return err
	}
	if ns != manifestNamespace {
		return fmt.Errorf("invalid record keytype: expected %s namespace, got %s", manifestNamespace, ns)
	}

	m, err := decodeManifest(value)
	if err != nil {
		return err
	}
	if m.ContentHash != hash {
		return fmt.Errorf("manifest for %s stored under key %s", m.ContentHash, hash)
	}
	return nil
}

// Select picks the most recently updated valid manifest
func (manifestValidator) Select(key string, values [][]byte) (int, error) {
	if len(values) == 0 {
		return 0, fmt.Errorf("no values to select from")
	}

	selected := -1
	var latest *types.Manifest
	for i, value := range values {
		m, err := decodeManifest(value)
		if err != nil {
			continue
		}
		if latest == nil || m.UpdatedAt.After(latest.UpdatedAt) {
			latest = m
			selected = i
		}
	}
	if selected < 0 {
		return 0, fmt.Errorf("no valid manifest among %d values", len(values))
	}
	return selected, nil
}
