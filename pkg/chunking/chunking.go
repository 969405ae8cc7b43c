package chunking

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/VetheonGames/BoxPeer/pkg/types"
)

// Chunk is one fixed-size slice of a file
type Chunk struct {
	Index  int
	Digest string
	Data   []byte
}

// Size returns the chunk length in bytes
func (c Chunk) Size() int64 {
	return int64(len(c.Data))
}

// Digest returns the hex SHA-256 of data
func Digest(data []byte) string {
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

// Verify checks data against an expected digest
func Verify(data []byte, digest string) error {
	if got := Digest(data); got != digest {
		return fmt.Errorf("%w: expected %s, got %s", types.ErrIntegrity, digest, got)
	}
	return nil
}

// Split reads r in chunkSize pieces and hands each one to fn in order.
// Every chunk except the last is exactly chunkSize long; a read of zero
// bytes ends the stream.
func Split(r io.Reader, chunkSize int, fn func(Chunk) error) error {
	if chunkSize <= 0 {
		return fmt.Errorf("invalid chunk size %d", chunkSize)
	}

	var index int
	for {
		buffer := make([]byte, chunkSize)
		bytesRead, err := io.ReadFull(r, buffer)
		if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
			return fmt.Errorf("failed to read chunk %d: %w", index, err)
		}
		if bytesRead == 0 {
			return nil
		}

		buffer = buffer[:bytesRead]
		if err := fn(Chunk{Index: index, Digest: Digest(buffer), Data: buffer}); err != nil {
			return err
		}
		index++

		if bytesRead < chunkSize {
			return nil
		}
	}
}

// Count returns how many chunks a file of size bytes splits into
func Count(size int64, chunkSize int) int {
	if size <= 0 || chunkSize <= 0 {
		return 0
	}
	return int((size + int64(chunkSize) - 1) / int64(chunkSize))
}

// Join concatenates chunks in index order, checking that no index is missing
func Join(chunks []Chunk) ([]byte, error) {
	var total int
	for i, chunk := range chunks {
		if chunk.Index != i {
			return nil, fmt.Errorf("chunk sequence broken at position %d: got index %d", i, chunk.Index)
		}
		total += len(chunk.Data)
	}

	out := make([]byte, 0, total)
	for _, chunk := range chunks {
		out = append(out, chunk.Data...)
	}
	return out, nil
}
