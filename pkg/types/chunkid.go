package types

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

// ContentHashLength is the length of a hex encoded SHA-256 digest
const ContentHashLength = 64

const chunkSeparator = "_chunk_"

// ValidateContentHash checks that hash is a fixed-length hex digest
func ValidateContentHash(hash string) error {
	if len(hash) != ContentHashLength {
		return fmt.Errorf("%w: expected %d hex characters, got %d", ErrInvalidContentHash, ContentHashLength, len(hash))
	}
	if _, err := hex.DecodeString(hash); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidContentHash, err)
	}
	return nil
}

// NormalizeContentHash lower-cases and validates a content hash
func NormalizeContentHash(hash string) (string, error) {
	hash = strings.ToLower(strings.TrimSpace(hash))
	if err := ValidateContentHash(hash); err != nil {
		return "", err
	}
	return hash, nil
}

// ChunkID derives the identifier of chunk index of the given content
func ChunkID(hash string, index int) (string, error) {
	if err := ValidateContentHash(hash); err != nil {
		return "", err
	}
	if index < 0 {
		return "", fmt.Errorf("%w: negative chunk index %d", ErrInvalidChunkID, index)
	}
	return hash + chunkSeparator + strconv.Itoa(index), nil
}

// ParseChunkID splits a chunk identifier into its content hash and index.
// Untrusted keys must pass through here before they are used as a path.
func ParseChunkID(id string) (string, int, error) {
	pos := strings.Index(id, chunkSeparator)
	if pos < 0 {
		return "", 0, fmt.Errorf("%w: %q", ErrInvalidChunkID, id)
	}
	hash, rest := id[:pos], id[pos+len(chunkSeparator):]
	if err := ValidateContentHash(hash); err != nil {
		return "", 0, fmt.Errorf("%w: %v", ErrInvalidChunkID, err)
	}
	if hash != strings.ToLower(hash) {
		return "", 0, fmt.Errorf("%w: content hash must be lower case", ErrInvalidChunkID)
	}
	// reject signs, leading zeros and anything that would not round trip
	index, err := strconv.Atoi(rest)
	if err != nil || index < 0 || strconv.Itoa(index) != rest {
		return "", 0, fmt.Errorf("%w: bad index %q", ErrInvalidChunkID, rest)
	}
	return hash, index, nil
}

// IsChunkID reports whether key is a well formed chunk identifier
func IsChunkID(key string) bool {
	_, _, err := ParseChunkID(key)
	return err == nil
}
