package hashchain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"testing"

	"github.com/certivid/evidence-engine/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chunksOf(payloads ...string) []domain.Chunk {
	chunks := make([]domain.Chunk, len(payloads))
	for i, p := range payloads {
		chunks[i] = domain.Chunk{Index: uint(i), Data: []byte(p)}
	}
	return chunks
}

func TestChainLinksEachChunkToItsPredecessor(t *testing.T) {
	chainer := NewChainer()
	chunks := chunksOf("frame-0", "frame-1", "frame-2", "frame-3")

	var chained []domain.ChainedChunk
	for _, c := range chunks {
		cc, err := chainer.Process(c)
		require.NoError(t, err)
		chained = append(chained, cc)
	}

	assert.Empty(t, chained[0].PreviousHash, "chunk 0 has no predecessor")
	for i := 1; i < len(chained); i++ {
		assert.Equal(t, chained[i-1].Hash, chained[i].PreviousHash, "chunk %d must link to chunk %d", i, i-1)
	}

	sum := sha256.Sum256([]byte("frame-2"))
	assert.Equal(t, hex.EncodeToString(sum[:]), chained[2].Hash)
	assert.Equal(t, uint(4), chainer.Count())
}

func TestRootIsDeterministic(t *testing.T) {
	payloads := []string{"a", "bb", "ccc", "dddd", "eeeee"}

	roots := make([]string, 2)
	for run := 0; run < 2; run++ {
		chainer := NewChainer()
		for _, c := range chunksOf(payloads...) {
			_, err := chainer.Process(c)
			require.NoError(t, err)
		}
		roots[run] = chainer.Root()
	}
	assert.Equal(t, roots[0], roots[1], "identical input sequences must fold to the same root")
	assert.Len(t, roots[0], 64)
}

func TestRootChangesWithContentAndOrder(t *testing.T) {
	rootOf := func(payloads ...string) string {
		chainer := NewChainer()
		for _, c := range chunksOf(payloads...) {
			_, err := chainer.Process(c)
			require.NoError(t, err)
		}
		return chainer.Root()
	}

	base := rootOf("x", "y", "z")
	assert.NotEqual(t, base, rootOf("x", "y", "z!"), "altered bytes must change the root")
	assert.NotEqual(t, base, rootOf("x", "z", "y"), "reordered bytes must change the root")
	assert.NotEqual(t, base, rootOf("x", "y"), "truncation must change the root")
}

func TestRootAdvancesIncrementally(t *testing.T) {
	chainer := NewChainer()
	assert.Empty(t, chainer.Root(), "no chunks yet")

	seen := map[string]bool{}
	for i := 0; i < 5; i++ {
		_, err := chainer.Process(domain.Chunk{Index: uint(i), Data: []byte(fmt.Sprintf("chunk-%d", i))})
		require.NoError(t, err)
		root := chainer.Root()
		assert.False(t, seen[root], "root must advance with every chunk")
		seen[root] = true
	}
}

func TestOutOfOrderChunkIsFatal(t *testing.T) {
	chainer := NewChainer()
	_, err := chainer.Process(domain.Chunk{Index: 0, Data: []byte("first")})
	require.NoError(t, err)

	_, err = chainer.Process(domain.Chunk{Index: 2, Data: []byte("skipped one")})
	var outOfOrder *ErrOutOfOrderChunk
	require.ErrorAs(t, err, &outOfOrder)
	assert.Equal(t, uint(1), outOfOrder.Expected)
	assert.Equal(t, uint(2), outOfOrder.Got)

	// Replays of an already-chained index are rejected the same way.
	_, err = chainer.Process(domain.Chunk{Index: 0, Data: []byte("first")})
	require.ErrorAs(t, err, &outOfOrder)
}
