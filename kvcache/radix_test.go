package kvcache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/minicore/cpucore/blockpool"
	"github.com/minicore/cpucore/tokenvec"
)

func blocks(n int) []blockpool.Handle {
	return blocksFrom(1, n)
}

func blocksFrom(start, n int) []blockpool.Handle {
	out := make([]blockpool.Handle, n)
	for i := range out {
		out[i] = blockpool.Handle(start + i)
	}
	return out
}

func TestMatchPrefixOnEmptyCacheMatchesNothing(t *testing.T) {
	c := New()
	matched, b, h := c.MatchPrefix(tokenvec.New(1, 2, 3))
	assert.Equal(t, 0, matched)
	assert.Empty(t, b)
	assert.Equal(t, RootID, h.Node)
}

func TestInsertThenExactMatch(t *testing.T) {
	c := New()
	root := Handle{Node: RootID, MatchedLen: 0}
	tokens := tokenvec.New(1, 2, 3, 4, 5)

	h, stale, err := c.InsertPrefix(root, tokens, blocks(5))
	require.NoError(t, err)
	assert.Empty(t, stale)
	require.NoError(t, c.Unlock(h))

	matched, got, _ := c.MatchPrefix(tokens)
	assert.Equal(t, 5, matched)
	assert.Len(t, got, 5)
	assert.Equal(t, SizeInfo{TotalBlocks: 5, EvictableBlocks: 5, ProtectedBlocks: 0}, c.SizeInfo())
}

func TestLockHandlePreventsEviction(t *testing.T) {
	c := New()
	tokens := tokenvec.New(1, 2, 3)
	h0, _, err := c.InsertPrefix(Handle{}, tokens, blocks(3))
	require.NoError(t, err)
	require.NoError(t, c.Unlock(h0))

	matched, _, h := c.LockHandle(tokens)
	assert.Equal(t, 3, matched)
	assert.Equal(t, SizeInfo{TotalBlocks: 3, EvictableBlocks: 0, ProtectedBlocks: 3}, c.SizeInfo())

	freed := c.Evict(3)
	assert.Empty(t, freed)

	require.NoError(t, c.Unlock(h))
	freed = c.Evict(3)
	assert.Len(t, freed, 3)
}

func TestInsertPrefixSplitsSharedEdge(t *testing.T) {
	c := New()
	h1, _, err := c.InsertPrefix(Handle{}, tokenvec.New(1, 2, 3), blocks(3))
	require.NoError(t, err)
	require.NoError(t, c.Unlock(h1))

	h2, stale, err := c.InsertPrefix(Handle{}, tokenvec.New(1, 2, 9), blocks(3))
	require.NoError(t, err)
	assert.Len(t, stale, 2) // shared "1,2" prefix's caller-supplied blocks are stale
	require.NoError(t, c.Unlock(h2))

	matched, _, _ := c.MatchPrefix(tokenvec.New(1, 2, 9))
	assert.Equal(t, 3, matched)
	matched, _, _ = c.MatchPrefix(tokenvec.New(1, 2, 3))
	assert.Equal(t, 3, matched)
}

func TestEvictOrdersByLastAccessThenNodeID(t *testing.T) {
	c := New()
	h1, _, err := c.InsertPrefix(Handle{}, tokenvec.New(1), blocksFrom(101, 1))
	require.NoError(t, err)
	require.NoError(t, c.Unlock(h1))

	h2, _, err := c.InsertPrefix(Handle{}, tokenvec.New(2), blocksFrom(202, 1))
	require.NoError(t, err)
	require.NoError(t, c.Unlock(h2))

	// touch the first leaf again so it is now more recently used than the second
	c.MatchPrefix(tokenvec.New(1))

	freed := c.Evict(1)
	require.Len(t, freed, 1)
	assert.Equal(t, blockpool.Handle(202), freed[0]) // node for token 2 evicted first

	matched, _, _ := c.MatchPrefix(tokenvec.New(1))
	assert.Equal(t, 1, matched)
	matched, _, _ = c.MatchPrefix(tokenvec.New(2))
	assert.Equal(t, 0, matched)
}

func TestUnlockUnknownHandleIsBadPayload(t *testing.T) {
	c := New()
	err := c.Unlock(Handle{Node: 9999})
	var bad *BadPayloadError
	assert.ErrorAs(t, err, &bad)
}

func TestUnlockUnderflowOnRootIsNoOp(t *testing.T) {
	c := New()
	require.NoError(t, c.Unlock(Handle{Node: RootID}))
}

func TestCheckIntegrityPassesOnFreshCache(t *testing.T) {
	c := New()
	require.NoError(t, c.CheckIntegrity())
}

func TestCheckIntegrityAfterInsertsAndEvicts(t *testing.T) {
	c := New()
	h, _, err := c.InsertPrefix(Handle{}, tokenvec.New(1, 2, 3, 4), blocks(4))
	require.NoError(t, err)
	require.NoError(t, c.Unlock(h))
	c.Evict(2)
	require.NoError(t, c.CheckIntegrity())
}
