package main

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/urfave/cli/v2"

	"github.com/VetheonGames/BoxPeer/pkg/api"
)

func apiClient(c *cli.Context) *api.Client {
	return api.NewClient(c.String("api"))
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// fileHash returns the hex SHA-256 of the file at path
func fileHash(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("failed to hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

var listenCmd = &cli.Command{
	Name:      "listen",
	Usage:     "Start listening on a multiaddr",
	ArgsUsage: "<multiaddr>",
	Action: func(c *cli.Context) error {
		if c.NArg() != 1 {
			return fmt.Errorf("expected exactly one multiaddr")
		}
		id, err := apiClient(c).Listen(c.Context, c.Args().First())
		if err != nil {
			return err
		}
		fmt.Println(id)
		return nil
	},
}

var addressCmd = &cli.Command{
	Name:  "address",
	Usage: "Show the node's peer id and listening address",
	Action: func(c *cli.Context) error {
		addr, err := apiClient(c).Address(c.Context)
		if err != nil {
			return err
		}
		fmt.Printf("%s/p2p/%s\n", addr.Addr, addr.PeerID)
		return nil
	},
}

var peersCmd = &cli.Command{
	Name:  "peers",
	Usage: "List connected peers",
	Flags: []cli.Flag{
		&cli.BoolFlag{
			Name:  "available",
			Usage: "Only peers that can serve chunks",
		},
		&cli.BoolFlag{
			Name:  "detail",
			Usage: "Print addresses, state and connection times of every peer seen",
		},
		&cli.StringFlag{
			Name:  "id",
			Usage: "Print the details of a single peer",
		},
	},
	Action: func(c *cli.Context) error {
		client := apiClient(c)
		if id := c.String("id"); id != "" {
			detail, err := client.PeerDetail(c.Context, id)
			if err != nil {
				return err
			}
			return printJSON(detail)
		}
		if c.Bool("detail") {
			details, err := client.PeerDetails(c.Context)
			if err != nil {
				return err
			}
			return printJSON(details)
		}
		peers, err := client.Peers(c.Context, c.Bool("available"))
		if err != nil {
			return err
		}
		for _, p := range peers {
			fmt.Println(p)
		}
		return nil
	},
}

var dialCmd = &cli.Command{
	Name:      "dial",
	Usage:     "Connect to a peer",
	ArgsUsage: "<multiaddr>",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "peer",
			Usage: "Peer id, when the multiaddr has no /p2p component",
		},
	},
	Action: func(c *cli.Context) error {
		if c.NArg() != 1 {
			return fmt.Errorf("expected exactly one multiaddr")
		}
		return apiClient(c).Dial(c.Context, c.String("peer"), c.Args().First())
	},
}

var hashCmd = &cli.Command{
	Name:      "hash",
	Usage:     "Print the content hash of a local file",
	ArgsUsage: "<file>",
	Action: func(c *cli.Context) error {
		if c.NArg() != 1 {
			return fmt.Errorf("expected exactly one file")
		}
		hash, err := fileHash(c.Args().First())
		if err != nil {
			return err
		}
		fmt.Println(hash)
		return nil
	},
}

var provideCmd = &cli.Command{
	Name:  "provide",
	Usage: "Split a file, distribute its chunks and serve it",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:     "file-path",
			Required: true,
			Usage:    "Path to the file to provide",
		},
		&cli.StringFlag{
			Name:  "hash",
			Usage: "Content hash, computed from the file when omitted",
		},
		&cli.StringFlag{
			Name:  "name",
			Usage: "File name to advertise",
		},
	},
	Action: func(c *cli.Context) error {
		path, err := filepath.Abs(c.String("file-path"))
		if err != nil {
			return err
		}
		hash := c.String("hash")
		if hash == "" {
			if hash, err = fileHash(path); err != nil {
				return err
			}
		}

		resp, err := apiClient(c).Provide(c.Context, api.ProvideRequest{
			Path:        path,
			ContentHash: hash,
			FileName:    c.String("name"),
		})
		if err != nil {
			return err
		}
		return printJSON(resp)
	},
}

var stopCmd = &cli.Command{
	Name:      "stop",
	Usage:     "Stop serving a provided file",
	ArgsUsage: "<subscription id>",
	Action: func(c *cli.Context) error {
		if c.NArg() != 1 {
			return fmt.Errorf("expected exactly one subscription id")
		}
		return apiClient(c).StopProviding(c.Context, c.Args().First())
	},
}

var getCmd = &cli.Command{
	Name:      "get",
	Usage:     "Retrieve a file by content hash",
	ArgsUsage: "<content hash>",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:     "out",
			Aliases:  []string{"o"},
			Required: true,
			Usage:    "Where to write the file",
		},
		&cli.BoolFlag{
			Name:  "chunked",
			Usage: "Reassemble from individual chunks",
		},
	},
	Action: func(c *cli.Context) error {
		if c.NArg() != 1 {
			return fmt.Errorf("expected exactly one content hash")
		}
		data, err := apiClient(c).Get(c.Context, c.Args().First(), c.Bool("chunked"))
		if err != nil {
			return err
		}
		if err := os.WriteFile(c.String("out"), data, 0o644); err != nil {
			return err
		}
		fmt.Printf("wrote %d bytes to %s\n", len(data), c.String("out"))
		return nil
	},
}

var lockCmd = &cli.Command{
	Name:  "lock",
	Usage: "Record that a peer serves a chunk slot",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "hash", Required: true, Usage: "Content hash"},
		&cli.IntFlag{Name: "index", Required: true, Usage: "Chunk index"},
		&cli.Int64Flag{Name: "size", Usage: "Chunk size in bytes"},
		&cli.StringFlag{Name: "peer", Usage: "Peer id, defaults to the node itself"},
	},
	Action: func(c *cli.Context) error {
		return apiClient(c).Lock(c.Context, api.LockRequest{
			ContentHash: c.String("hash"),
			ChunkIndex:  c.Int("index"),
			ChunkSize:   c.Int64("size"),
			PeerID:      c.String("peer"),
		})
	},
}

var unlockCmd = &cli.Command{
	Name:  "unlock",
	Usage: "Remove a peer's locks on a content hash",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "hash", Required: true, Usage: "Content hash"},
		&cli.StringFlag{Name: "peer", Usage: "Peer id, defaults to the node itself"},
	},
	Action: func(c *cli.Context) error {
		return apiClient(c).Unlock(c.Context, api.UnlockRequest{
			ContentHash: c.String("hash"),
			PeerID:      c.String("peer"),
		})
	},
}

var lockedCmd = &cli.Command{
	Name:  "locked",
	Usage: "List locked chunk slots",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "peer", Usage: "Only content locked by this peer"},
	},
	Action: func(c *cli.Context) error {
		client := apiClient(c)
		if p := c.String("peer"); p != "" {
			hashes, err := client.LockedByPeer(c.Context, p)
			if err != nil {
				return err
			}
			return printJSON(hashes)
		}
		locks, err := client.Locked(c.Context)
		if err != nil {
			return err
		}
		return printJSON(locks)
	},
}

var providedCmd = &cli.Command{
	Name:  "provided",
	Usage: "List provided content",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "peer", Usage: "Only content provided by this peer"},
	},
	Action: func(c *cli.Context) error {
		client := apiClient(c)
		if p := c.String("peer"); p != "" {
			hashes, err := client.ProvidedByPeer(c.Context, p)
			if err != nil {
				return err
			}
			return printJSON(hashes)
		}
		provided, err := client.Provided(c.Context)
		if err != nil {
			return err
		}
		return printJSON(provided)
	},
}

var chunksCmd = &cli.Command{
	Name:      "chunks",
	Usage:     "Show where each chunk of a file is locked",
	ArgsUsage: "<content hash>",
	Action: func(c *cli.Context) error {
		if c.NArg() != 1 {
			return fmt.Errorf("expected exactly one content hash")
		}
		chunks, err := apiClient(c).Chunks(c.Context, c.Args().First())
		if err != nil {
			return err
		}
		return printJSON(chunks)
	},
}

var cacheCmd = &cli.Command{
	Name:  "cache",
	Usage: "List chunks held in the local cache",
	Action: func(c *cli.Context) error {
		resp, err := apiClient(c).Cache(c.Context)
		if err != nil {
			return err
		}
		for _, id := range resp.Chunks {
			fmt.Println(id)
		}
		fmt.Printf("%d chunks, %d bytes\n", len(resp.Chunks), resp.Bytes)
		return nil
	},
}

var nodesCmd = &cli.Command{
	Name:  "nodes",
	Usage: "List known nodes",
	Action: func(c *cli.Context) error {
		nodes, err := apiClient(c).Nodes(c.Context)
		if err != nil {
			return err
		}
		return printJSON(nodes)
	},
}
