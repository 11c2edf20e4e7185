// Package kvcache implements RadixCache: a prefix tree over token-id
// sequences that tracks KV-block ownership, supports longest-prefix
// match with in-flight lock/unlock, and evicts LRU evictable leaves
// under capacity pressure.
//
// The tree is arena-allocated: nodes live in a map keyed by NodeId
// rather than as cyclic Rc/parent-pointer structures, following the
// teacher's arena-of-nodes-by-index convention (see server/sched.go's
// runnerRef bookkeeping and model/bytepairencoding.go's node slices)
// generalized here to support O(1) detach on eviction.
package kvcache

import (
	"cmp"

	pq "github.com/emirpasic/gods/v2/queues/priorityqueue"

	"github.com/minicore/cpucore/blockpool"
	"github.com/minicore/cpucore/metrics"
	"github.com/minicore/cpucore/tokenvec"
)

// NodeId identifies a RadixNode within a single Cache instance.
type NodeId uint64

// RootID is the sentinel id of the always-present root node.
const RootID NodeId = 0

// Handle is an opaque reference returned by MatchPrefix/LockHandle
// that names a node together with the prefix length matched to reach
// it. It is only meaningful against the Cache instance that produced
// it.
type Handle struct {
	Node       NodeId
	MatchedLen int
}

type node struct {
	id         NodeId
	parent     NodeId
	children   map[tokenvec.TokenId]NodeId
	edgeTokens tokenvec.Vec
	blocks     []blockpool.Handle
	lockCount  uint32
	lastAccess uint64
}

func (n *node) isRoot() bool {
	return n.id == RootID
}

func (n *node) isLeaf() bool {
	return len(n.children) == 0
}

func (n *node) size() int {
	return len(n.blocks)
}

// SizeInfo reports the cache's current block accounting. TotalBlocks
// is always EvictableBlocks + ProtectedBlocks: it counts only blocks
// held by cache nodes; blocks free in the BlockPool are not part of it.
type SizeInfo struct {
	TotalBlocks     int
	EvictableBlocks int
	ProtectedBlocks int
}

// Cache is a RadixCache instance. The zero value is not usable; use
// New.
type Cache struct {
	nodes          map[NodeId]*node
	nextID         NodeId
	tick           uint64
	evictableSize  int
	protectedSize  int
}

// New returns an empty RadixCache containing only the root node. Root
// is always protected and is never a candidate for eviction.
func New() *Cache {
	root := &node{
		id:       RootID,
		parent:   RootID,
		children: make(map[tokenvec.TokenId]NodeId),
	}
	return &Cache{
		nodes:  map[NodeId]*node{RootID: root},
		nextID: RootID + 1,
	}
}

func (c *Cache) allocID() NodeId {
	id := c.nextID
	c.nextID++
	return id
}

func (c *Cache) now() uint64 {
	c.tick++
	return c.tick
}

// MatchPrefix walks the tree from root, matching the leading
// edge-tokens of each chosen child. It never mutates tree topology;
// it only updates last_access on fully traversed nodes. If a node's
// edge only partially matches, the walk stops there and the parent
// node is reported as the terminal node, per spec; the partially
// matched blocks of that child are still included in the returned
// block list.
func (c *Cache) MatchPrefix(tokens tokenvec.Vec) (matchedLen int, blocks []blockpool.Handle, terminal Handle) {
	cur := c.nodes[RootID]
	tick := c.now()
	for matchedLen < len(tokens) {
		child, ok := c.childFor(cur, tokens[matchedLen])
		if !ok {
			break
		}
		common := child.edgeTokens.CommonPrefixLen(tokens[matchedLen:])
		if common < len(child.edgeTokens) {
			blocks = append(blocks, child.blocks[:common]...)
			matchedLen += common
			return matchedLen, blocks, Handle{Node: cur.id, MatchedLen: matchedLen}
		}
		blocks = append(blocks, child.blocks...)
		matchedLen += len(child.edgeTokens)
		child.lastAccess = tick
		cur = child
	}
	return matchedLen, blocks, Handle{Node: cur.id, MatchedLen: matchedLen}
}

func (c *Cache) childFor(n *node, first tokenvec.TokenId) (*node, bool) {
	id, ok := n.children[first]
	if !ok {
		return nil, false
	}
	return c.nodes[id], true
}

// walkSplit is the mutating counterpart of MatchPrefix: on a partial
// edge match it splits the edge so an exact node boundary exists at
// the matched length, then continues. It returns the node that now
// sits exactly at matchedLen.
func (c *Cache) walkSplit(tokens tokenvec.Vec) (matchedLen int, landed *node) {
	cur := c.nodes[RootID]
	tick := c.now()
	for matchedLen < len(tokens) {
		child, ok := c.childFor(cur, tokens[matchedLen])
		if !ok {
			return matchedLen, cur
		}
		common := child.edgeTokens.CommonPrefixLen(tokens[matchedLen:])
		if common < len(child.edgeTokens) {
			split := c.splitNode(child, common)
			return matchedLen + common, split
		}
		matchedLen += len(child.edgeTokens)
		child.lastAccess = tick
		cur = child
	}
	return matchedLen, cur
}

// splitNode breaks child's edge at pos, inserting a new intermediate
// node that inherits child's lock count (and therefore its
// evictable/protected classification is unchanged by the split) and
// rewires child underneath it.
func (c *Cache) splitNode(child *node, pos int) *node {
	parent := c.nodes[child.parent]

	mid := &node{
		id:         c.allocID(),
		parent:     child.parent,
		children:   make(map[tokenvec.TokenId]NodeId, 1),
		edgeTokens: child.edgeTokens[:pos:pos].Clone(),
		blocks:     append([]blockpool.Handle(nil), child.blocks[:pos]...),
		lockCount:  child.lockCount,
		lastAccess: child.lastAccess,
	}
	c.nodes[mid.id] = mid

	firstOld, _ := child.edgeTokens.First()
	parent.children[firstOld] = mid.id

	child.edgeTokens = child.edgeTokens[pos:]
	child.blocks = child.blocks[pos:]
	child.parent = mid.id

	firstNew, _ := child.edgeTokens.First()
	mid.children[firstNew] = child.id

	return mid
}

// LockHandle matches tokens like MatchPrefix, but splits the terminal
// edge if necessary so there is an exact node at matchedLen, then
// increments lock_count on that node and every ancestor up to (not
// including) root. The returned Handle must later be passed to
// Unlock.
func (c *Cache) LockHandle(tokens tokenvec.Vec) (matchedLen int, blocks []blockpool.Handle, h Handle) {
	matchedLen, landed := c.walkSplit(tokens)
	blocks = c.collectBlocks(landed)
	c.walkLock(landed, +1)
	return matchedLen, blocks, Handle{Node: landed.id, MatchedLen: matchedLen}
}

// collectBlocks reconstructs the full block list from root to n by
// walking ancestors and reversing.
func (c *Cache) collectBlocks(n *node) []blockpool.Handle {
	var segments [][]blockpool.Handle
	cur := n
	for !cur.isRoot() {
		segments = append(segments, cur.blocks)
		cur = c.nodes[cur.parent]
	}
	var total int
	for _, s := range segments {
		total += len(s)
	}
	out := make([]blockpool.Handle, 0, total)
	for i := len(segments) - 1; i >= 0; i-- {
		out = append(out, segments[i]...)
	}
	return out
}

// walkLock applies delta (+1 to lock, -1 to unlock) to n and every
// ancestor up to (not including) root, migrating each node's size
// between the evictable and protected totals as its lock count
// crosses zero.
func (c *Cache) walkLock(n *node, delta int) error {
	cur := n
	for !cur.isRoot() {
		switch {
		case delta > 0:
			if cur.lockCount == 0 {
				c.evictableSize -= cur.size()
				c.protectedSize += cur.size()
			}
			cur.lockCount++
		default:
			if cur.lockCount == 0 {
				return &ErrUnlockUnderflow{Node: cur.id}
			}
			cur.lockCount--
			if cur.lockCount == 0 {
				c.protectedSize -= cur.size()
				c.evictableSize += cur.size()
			}
		}
		cur = c.nodes[cur.parent]
	}
	return nil
}

// Unlock decrements lock_count on the node named by h and all of its
// ancestors. It performs no structural change.
func (c *Cache) Unlock(h Handle) error {
	n, ok := c.nodes[h.Node]
	if !ok {
		return &BadPayloadError{Reason: "unlock: handle does not belong to this cache"}
	}
	return c.walkLock(n, -1)
}

// InsertPrefix extends the cache under parentHandle's node with an
// edge carrying tokens and blocks. Any leading portion of tokens that
// is already present under an existing child is deduplicated via
// walk/split; the corresponding caller-supplied blocks for that
// overlapping portion are returned as stale so the caller can free
// them back to BlockPool (the existing cache blocks are authoritative
// per spec). The new deepest node is returned as a fresh Handle with
// lock_count incremented; the caller is responsible for unlocking
// parentHandle separately to complete an atomic "move deeper" swap.
func (c *Cache) InsertPrefix(parentHandle Handle, tokens tokenvec.Vec, blocks []blockpool.Handle) (Handle, []blockpool.Handle, error) {
	if len(tokens) != len(blocks) {
		return Handle{}, nil, &BadPayloadError{Reason: "insert_prefix: tokens/blocks length mismatch"}
	}
	cur, ok := c.nodes[parentHandle.Node]
	if !ok {
		return Handle{}, nil, &BadPayloadError{Reason: "insert_prefix: handle does not belong to this cache"}
	}

	var stale []blockpool.Handle
	offset := 0
	tick := c.now()
	for offset < len(tokens) {
		child, ok := c.childFor(cur, tokens[offset])
		if !ok {
			break
		}
		common := child.edgeTokens.CommonPrefixLen(tokens[offset:])
		if common < len(child.edgeTokens) {
			mid := c.splitNode(child, common)
			stale = append(stale, blocks[offset:offset+common]...)
			offset += common
			cur = mid
			continue
		}
		stale = append(stale, blocks[offset:offset+len(child.edgeTokens)]...)
		offset += len(child.edgeTokens)
		child.lastAccess = tick
		cur = child
	}

	if offset < len(tokens) {
		leaf := &node{
			id:         c.allocID(),
			parent:     cur.id,
			children:   make(map[tokenvec.TokenId]NodeId),
			edgeTokens: tokens[offset:].Clone(),
			blocks:     append([]blockpool.Handle(nil), blocks[offset:]...),
			lastAccess: tick,
		}
		c.nodes[leaf.id] = leaf
		first, _ := leaf.edgeTokens.First()
		cur.children[first] = leaf.id
		c.evictableSize += leaf.size()
		cur = leaf
	}

	c.walkLock(cur, +1)
	return Handle{Node: cur.id, MatchedLen: parentHandle.MatchedLen + len(tokens)}, stale, nil
}

type evictEntry struct {
	lastAccess uint64
	nodeID     NodeId
}

func evictEntryComparator(a, b evictEntry) int {
	if c := cmp.Compare(a.lastAccess, b.lastAccess); c != 0 {
		return c
	}
	return cmp.Compare(a.nodeID, b.nodeID)
}

// Evict selects evictable leaves in ascending last_access order
// (ties broken by lower NodeId) and frees their blocks until
// nBlocksNeeded have been freed or no evictable leaves remain. It
// returns every block handle freed this call; it is the caller's
// responsibility to return them to the BlockPool. Evict(0) is a
// documented no-op (R3).
func (c *Cache) Evict(nBlocksNeeded int) []blockpool.Handle {
	if nBlocksNeeded <= 0 {
		return nil
	}

	queue := pq.NewWith(evictEntryComparator)
	byID := make(map[evictEntry]NodeId)
	pushLeaf := func(n *node) {
		if n.isRoot() || !n.isLeaf() || n.lockCount != 0 {
			return
		}
		e := evictEntry{lastAccess: n.lastAccess, nodeID: n.id}
		byID[e] = n.id
		queue.Enqueue(e)
	}
	for _, n := range c.nodes {
		pushLeaf(n)
	}

	var freed []blockpool.Handle
	freedSize := 0
	for freedSize < nBlocksNeeded {
		e, ok := queue.Dequeue()
		if !ok {
			break
		}
		n, exists := c.nodes[byID[e]]
		if !exists || n.isRoot() || !n.isLeaf() || n.lockCount != 0 {
			continue
		}

		freed = append(freed, n.blocks...)
		freedSize += n.size()
		c.evictableSize -= n.size()
		metrics.CacheEvictions.WithLabelValues().Inc()

		parent := c.nodes[n.parent]
		first, _ := n.edgeTokens.First()
		delete(parent.children, first)
		delete(c.nodes, n.id)

		if !parent.isRoot() && parent.isLeaf() && parent.lockCount == 0 {
			pushLeaf(parent)
		}
	}
	return freed
}

// SizeInfo returns the cache's current block accounting.
func (c *Cache) SizeInfo() SizeInfo {
	total := c.evictableSize + c.protectedSize
	return SizeInfo{TotalBlocks: total, EvictableBlocks: c.evictableSize, ProtectedBlocks: c.protectedSize}
}

// CheckIntegrity recomputes evictable/protected sizes and structural
// invariants from scratch and compares them against the incrementally
// maintained counters (P5). Any mismatch is an *IntegrityError, fatal
// per spec.md §7.
func (c *Cache) CheckIntegrity() error {
	root := c.nodes[RootID]
	if root.lockCount != 0 {
		return &IntegrityError{Reason: "root must never be locked"}
	}

	var evictableSum, protectedSum int
	var walk func(n *node) error
	seenFirstTokens := make(map[NodeId]map[tokenvec.TokenId]bool)
	walk = func(n *node) error {
		if !n.isRoot() {
			if len(n.edgeTokens) == 0 || len(n.edgeTokens) != len(n.blocks) {
				return &IntegrityError{Reason: "node edge/block shape mismatch"}
			}
			if n.lockCount == 0 {
				evictableSum += n.size()
			} else {
				protectedSum += n.size()
			}
		}
		seen := seenFirstTokens[n.id]
		if seen == nil {
			seen = make(map[tokenvec.TokenId]bool, len(n.children))
		}
		for edge, childID := range n.children {
			child, ok := c.nodes[childID]
			if !ok {
				return &IntegrityError{Reason: "dangling child pointer"}
			}
			first, _ := child.edgeTokens.First()
			if first != edge {
				return &IntegrityError{Reason: "child edge key mismatch"}
			}
			if seen[edge] {
				return &IntegrityError{Reason: "duplicate child edge key"}
			}
			seen[edge] = true
			if child.parent != n.id {
				return &IntegrityError{Reason: "child parent pointer mismatch"}
			}
			if err := walk(child); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk(root); err != nil {
		return err
	}

	if evictableSum != c.evictableSize || protectedSum != c.protectedSize {
		return &IntegrityError{Reason: "size accounting mismatch"}
	}
	return nil
}
