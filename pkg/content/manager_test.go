package content

import (
	"context"
	"crypto/rand"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/VetheonGames/BoxPeer/pkg/cache"
	"github.com/VetheonGames/BoxPeer/pkg/chunking"
	"github.com/VetheonGames/BoxPeer/pkg/types"
)

var (
	hashA = strings.Repeat("a1", 32)
	hashB = strings.Repeat("b2", 32)
)

func setupTestManager(t *testing.T) (*Manager, string) {
	tempDir, err := os.MkdirTemp("", "content_test_*")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(tempDir) })

	c := cache.New(filepath.Join(tempDir, "cache"))
	m, err := Open(context.Background(), filepath.Join(tempDir, "db", "boxpeer.db"), DefaultPoolSize, c, nil)
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })

	return m, tempDir
}

// createTestFile writes size random bytes into dir and returns the path and data
func createTestFile(t *testing.T, dir string, size int) (string, []byte) {
	data := make([]byte, size)
	_, err := rand.Read(data)
	require.NoError(t, err)

	path := filepath.Join(dir, "input.dat")
	require.NoError(t, os.WriteFile(path, data, 0644))
	return path, data
}

func TestRegisterProvidedContentUpserts(t *testing.T) {
	m, _ := setupTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.RegisterProvidedContent(ctx, hashA, "peer-1", 100, "first.txt"))
	require.NoError(t, m.RegisterProvidedContent(ctx, hashA, "peer-2", 200, "second.txt"))

	all, err := m.AllProvidedContent(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, types.ProvidedContent{
		ContentHash: hashA,
		FileName:    "second.txt",
		FileSize:    200,
		PeerID:      "peer-2",
	}, all[0])

	byPeer, err := m.ProvidedContentByPeer(ctx, "peer-2")
	require.NoError(t, err)
	assert.Equal(t, []string{hashA}, byPeer)

	byPeer, err = m.ProvidedContentByPeer(ctx, "peer-1")
	require.NoError(t, err)
	assert.Empty(t, byPeer)
}

func TestRegisterRejectsInvalidHash(t *testing.T) {
	m, _ := setupTestManager(t)

	err := m.RegisterProvidedContent(context.Background(), "../etc", "peer", 1, "x")
	assert.True(t, errors.Is(err, types.ErrInvalidContentHash))
}

func TestProvidedContentDetail(t *testing.T) {
	m, _ := setupTestManager(t)
	ctx := context.Background()

	_, err := m.ProvidedContent(ctx, hashA)
	assert.True(t, errors.Is(err, types.ErrNotFound))
	assert.True(t, errors.Is(m.SetChunkCount(ctx, hashA, 3), types.ErrNotFound))

	require.NoError(t, m.RegisterProvidedContent(ctx, hashA, "peer-1", 100, "file.txt"))
	require.NoError(t, m.SetChunkCount(ctx, hashA, 3))

	pc, err := m.ProvidedContent(ctx, hashA)
	require.NoError(t, err)
	assert.Equal(t, 3, pc.ChunkCount)
	assert.Equal(t, "file.txt", pc.FileName)
}

func TestLockAndUnlock(t *testing.T) {
	m, _ := setupTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.LockChunk(ctx, hashA, 0, 10, "peerA"))
	require.NoError(t, m.LockChunk(ctx, hashA, 0, 20, "peerB"))

	locks, err := m.ChunksForContent(ctx, hashA)
	require.NoError(t, err)
	require.Len(t, locks, 1)
	assert.Equal(t, "peerB", locks[0].PeerID)
	assert.Equal(t, int64(20), locks[0].ChunkSize)

	held, err := m.LockedContentByPeer(ctx, "peerA")
	require.NoError(t, err)
	assert.Empty(t, held)

	held, err = m.LockedContentByPeer(ctx, "peerB")
	require.NoError(t, err)
	assert.Equal(t, []string{hashA}, held)

	// unlocking with the wrong peer leaves the row alone
	require.NoError(t, m.UnlockContent(ctx, hashA, "peerA"))
	locks, err = m.ChunksForContent(ctx, hashA)
	require.NoError(t, err)
	assert.Len(t, locks, 1)

	require.NoError(t, m.UnlockContent(ctx, hashA, "peerB"))
	locks, err = m.ChunksForContent(ctx, hashA)
	require.NoError(t, err)
	assert.Empty(t, locks)
}

func TestAllLockedContent(t *testing.T) {
	m, _ := setupTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.LockChunk(ctx, hashB, 1, 5, "p2"))
	require.NoError(t, m.LockChunk(ctx, hashA, 0, 5, "p1"))
	require.NoError(t, m.LockChunk(ctx, hashB, 0, 5, "p1"))

	locks, err := m.AllLockedContent(ctx)
	require.NoError(t, err)
	require.Len(t, locks, 3)
	assert.Equal(t, hashA, locks[0].ContentHash)
	assert.Equal(t, 0, locks[1].ChunkIndex)
	assert.Equal(t, 1, locks[2].ChunkIndex)
}

func TestConcurrentLocksOnSameSlot(t *testing.T) {
	m, _ := setupTestManager(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, m.LockChunk(ctx, hashA, 0, int64(i), "peer"))
		}(i)
	}
	wg.Wait()

	locks, err := m.ChunksForContent(ctx, hashA)
	require.NoError(t, err)
	assert.Len(t, locks, 1)
}

func TestKnownNodes(t *testing.T) {
	m, _ := setupTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.AddNode(ctx, "peer-1"))
	require.NoError(t, m.AddNode(ctx, "peer-2"))
	require.NoError(t, m.AddNode(ctx, "peer-1"))

	nodes, err := m.KnownNodes(ctx)
	require.NoError(t, err)
	assert.Equal(t, []types.NodeRecord{{PeerID: "peer-1"}, {PeerID: "peer-2"}}, nodes)
}

func TestSplitFileRecordsDigests(t *testing.T) {
	m, tempDir := setupTestManager(t)
	ctx := context.Background()

	path, data := createTestFile(t, tempDir, 10*1024+5)
	chunks, err := m.SplitFile(ctx, hashA, path, 1024)
	require.NoError(t, err)
	require.Len(t, chunks, 11)
	assert.Len(t, chunks[10].Data, 5)

	joined, err := chunking.Join(chunks)
	require.NoError(t, err)
	assert.Equal(t, data, joined)

	digests, err := m.ChunkDigests(ctx, hashA)
	require.NoError(t, err)
	require.Len(t, digests, 11)
	for i, chunk := range chunks {
		assert.Equal(t, chunking.Digest(chunk.Data), digests[i])
	}

	// splitting again does not duplicate digests
	_, err = m.SplitFile(ctx, hashA, path, 1024)
	require.NoError(t, err)
	digests, err = m.ChunkDigests(ctx, hashA)
	require.NoError(t, err)
	assert.Len(t, digests, 11)
}

func TestSplitFileMissing(t *testing.T) {
	m, tempDir := setupTestManager(t)

	_, err := m.SplitFile(context.Background(), hashA, filepath.Join(tempDir, "nope"), 1024)
	assert.True(t, errors.Is(err, types.ErrStorage))
}

func TestDistributeChunks(t *testing.T) {
	m, _ := setupTestManager(t)

	_, err := m.DistributeChunks(hashA, nil, 3)
	assert.True(t, errors.Is(err, types.ErrNoPeers))

	peers := []string{"p0", "p1", "p2"}
	for _, n := range []int{1, 3, 7} {
		assignments, err := m.DistributeChunks(hashA, peers, n)
		require.NoError(t, err)
		require.Len(t, assignments, n)
		for i, a := range assignments {
			assert.Equal(t, peers[i%len(peers)], a.Peer)
			assert.Equal(t, i, a.Index)
			expected, err := types.ChunkID(hashA, i)
			require.NoError(t, err)
			assert.Equal(t, expected, a.ChunkID)
		}
	}
}

func TestUploadScenarioThreePeers(t *testing.T) {
	m, tempDir := setupTestManager(t)
	ctx := context.Background()
	const mib = 1024 * 1024

	path, _ := createTestFile(t, tempDir, 10*mib)
	chunks, err := m.SplitFile(ctx, hashA, path, 4*mib)
	require.NoError(t, err)
	require.Len(t, chunks, 3)
	assert.Equal(t, []int64{4 * mib, 4 * mib, 2 * mib}, []int64{chunks[0].Size(), chunks[1].Size(), chunks[2].Size()})

	peers := []string{"peer-0", "peer-1", "peer-2"}
	assignments, err := m.DistributeChunks(hashA, peers, len(chunks))
	require.NoError(t, err)

	for i, a := range assignments {
		assert.Equal(t, peers[i], a.Peer)
		require.NoError(t, m.LockChunk(ctx, hashA, a.Index, chunks[a.Index].Size(), a.Peer))
	}

	locks, err := m.ChunksForContent(ctx, hashA)
	require.NoError(t, err)
	require.Len(t, locks, 3)
	for i, l := range locks {
		assert.Equal(t, i, l.ChunkIndex)
		assert.Equal(t, peers[i], l.PeerID)
	}
}

func TestCachedChunkInventory(t *testing.T) {
	m, _ := setupTestManager(t)

	chunks, err := m.ListCachedChunks()
	require.NoError(t, err)
	assert.Empty(t, chunks)

	id, err := types.ChunkID(hashB, 2)
	require.NoError(t, err)
	require.NoError(t, m.CacheChunk(id, []byte("bytes")))

	chunks, err = m.ListCachedChunks()
	require.NoError(t, err)
	assert.Equal(t, []string{id}, chunks)
}

func TestMixedCaseHashesShareRows(t *testing.T) {
	m, _ := setupTestManager(t)
	ctx := context.Background()
	upper := strings.ToUpper(hashA)

	require.NoError(t, m.LockChunk(ctx, hashA, 0, 10, "peerA"))
	require.NoError(t, m.LockChunk(ctx, upper, 0, 20, "peerB"))

	locks, err := m.ChunksForContent(ctx, hashA)
	require.NoError(t, err)
	require.Len(t, locks, 1)
	assert.Equal(t, hashA, locks[0].ContentHash)
	assert.Equal(t, "peerB", locks[0].PeerID)

	require.NoError(t, m.UnlockContent(ctx, upper, "peerB"))
	locks, err = m.ChunksForContent(ctx, upper)
	require.NoError(t, err)
	assert.Empty(t, locks)

	require.NoError(t, m.RegisterProvidedContent(ctx, hashA, "peer-1", 100, "lower.txt"))
	require.NoError(t, m.RegisterProvidedContent(ctx, upper, "peer-1", 200, "upper.txt"))
	require.NoError(t, m.SetChunkCount(ctx, upper, 2))

	all, err := m.AllProvidedContent(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, hashA, all[0].ContentHash)
	assert.Equal(t, "upper.txt", all[0].FileName)

	pc, err := m.ProvidedContent(ctx, upper)
	require.NoError(t, err)
	assert.Equal(t, 2, pc.ChunkCount)
}

func TestLockRejectsNegativeIndex(t *testing.T) {
	m, _ := setupTestManager(t)

	err := m.LockChunk(context.Background(), hashA, -1, 10, "peer")
	assert.True(t, errors.Is(err, types.ErrInvalidChunkID))
}

func TestResplitDropsStaleRows(t *testing.T) {
	m, tempDir := setupTestManager(t)
	ctx := context.Background()

	path, _ := createTestFile(t, tempDir, 4096)
	chunks, err := m.SplitFile(ctx, hashA, path, 1024)
	require.NoError(t, err)
	require.Len(t, chunks, 4)
	for _, c := range chunks {
		require.NoError(t, m.LockChunk(ctx, hashA, c.Index, c.Size(), "peer"))
	}

	chunks, err = m.SplitFile(ctx, hashA, path, 2048)
	require.NoError(t, err)
	require.Len(t, chunks, 2)

	digests, err := m.ChunkDigests(ctx, hashA)
	require.NoError(t, err)
	assert.Len(t, digests, 2)

	locks, err := m.ChunksForContent(ctx, hashA)
	require.NoError(t, err)
	require.Len(t, locks, 2)
	assert.Equal(t, 1, locks[1].ChunkIndex)
}
