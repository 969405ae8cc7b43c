package network

import (
	"fmt"

	"github.com/ipfs/go-cid"
	mh "github.com/multiformats/go-multihash"
)

// ProviderKey maps a provider key string (a content hash or chunk identifier)
// onto the CID the DHT indexes provider records by. Peers agree on the string;
// the CID is only its DHT encoding.
func ProviderKey(key string) (cid.Cid, error) {
	if key == "" {
		return cid.Undef, fmt.Errorf("provider key cannot be empty")
	}
	hash, err := mh.Sum([]byte(key), mh.SHA2_256, -1)
	if err != nil {
		return cid.Undef, fmt.Errorf("failed to hash provider key: %w", err)
	}
	return cid.NewCidV1(cid.Raw, hash), nil
}

const manifestNamespace = "boxpeer"

// manifestKey is the DHT record key a content manifest is stored under
func manifestKey(contentHash string) string {
	return "/" + manifestNamespace + "/" + contentHash
}
