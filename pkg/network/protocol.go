package network

import (
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-msgio"
)

const (
	// FileExchangeProtocol carries one FileRequest and one FileResponse per stream
	FileExchangeProtocol = protocol.ID("/file-exchange/1")
	// ChunkPushProtocol hands a chunk to a peer that should cache and provide it
	ChunkPushProtocol = protocol.ID("/boxpeer/chunk-push/1")

	maxRequestSize = 4096
)

// FileRequest asks a peer for the bytes behind a provider key
type FileRequest struct {
	Key string `cbor:"key"`
}

// FileResponse carries the requested bytes
type FileResponse struct {
	Data []byte `cbor:"data"`
}

// PushRequest delivers a chunk to the peer assigned to serve it
type PushRequest struct {
	Key  string `cbor:"key"`
	Data []byte `cbor:"data"`
}

// PushResponse acknowledges a push. An empty Error means the chunk was accepted.
type PushResponse struct {
	Error string `cbor:"error,omitempty"`
}

// writeMessage writes v as a single varint length-prefixed CBOR frame
func writeMessage(w io.Writer, v any) error {
	data, err := cbor.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}
	if err := msgio.NewVarintWriter(w).WriteMsg(data); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

// readMessage reads one frame of at most maxSize bytes into v
func readMessage(r io.Reader, maxSize int, v any) error {
	data, err := msgio.NewVarintReaderSize(r, maxSize).ReadMsg()
	if err != nil {
		return fmt.Errorf("failed to read message: %w", err)
	}
	if err := cbor.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to decode message: %w", err)
	}
	return nil
}
