// Package hashchain links captured media chunks into a tamper-evident
// hash chain and maintains a running root digest over the whole sequence.
package hashchain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/certivid/evidence-engine/internal/domain"
)

// ErrOutOfOrderChunk reports a gap or reordering in the chunk sequence.
// This is a programming error in the caller, never a transient fault.
type ErrOutOfOrderChunk struct {
	Expected uint
	Got      uint
}

func (e *ErrOutOfOrderChunk) Error() string {
	return fmt.Sprintf("out-of-order chunk: expected index %d, got %d", e.Expected, e.Got)
}

// Chainer consumes chunks in arrival order and produces ChainedChunks whose
// digests link each chunk to its predecessor. A Chainer is single-use: one
// instance per capture, no rewind, no restart.
type Chainer struct {
	nextIndex uint
	prevHash  string
	root      []byte
}

func NewChainer() *Chainer {
	return &Chainer{}
}

// Process hashes the chunk, links it to the previous chunk's digest and
// folds the digest into the running root. Chunks must arrive with
// monotonically increasing, contiguous indices starting at 0.
func (c *Chainer) Process(chunk domain.Chunk) (domain.ChainedChunk, error) {
	if chunk.Index != c.nextIndex {
		return domain.ChainedChunk{}, &ErrOutOfOrderChunk{Expected: c.nextIndex, Got: chunk.Index}
	}
	sum := sha256.Sum256(chunk.Data)
	hash := hex.EncodeToString(sum[:])

	chained := domain.ChainedChunk{
		Chunk:        chunk,
		Hash:         hash,
		PreviousHash: c.prevHash,
	}

	c.foldRoot(sum[:])
	c.prevHash = hash
	c.nextIndex++
	return chained, nil
}

// foldRoot advances the running root: root_i = H(root_{i-1} || leaf_i),
// with root_0 = H(leaf_0). Incremental on purpose; the full sequence is
// never rehashed on the hot path.
func (c *Chainer) foldRoot(leaf []byte) {
	h := sha256.New()
	h.Write(c.root)
	h.Write(leaf)
	c.root = h.Sum(nil)
}

// Root returns the hex digest covering all chunks processed so far, or ""
// before the first chunk. Identical input sequences always produce the same
// root.
func (c *Chainer) Root() string {
	if c.root == nil {
		return ""
	}
	return hex.EncodeToString(c.root)
}

// Count returns how many chunks have been chained.
func (c *Chainer) Count() uint {
	return c.nextIndex
}
