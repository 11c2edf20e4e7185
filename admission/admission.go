// Package admission implements PrefillAdmission: per-step selection
// of which pending requests to start or continue (possibly chunked)
// under a token budget, reserving RadixCache/BlockPool resources as
// it goes. The control-flow shape — lock, re-check availability after
// eviction, bail out and preserve queue order on failure — is grounded
// on original_source/rust/minisgl-cpu-core/src/prefill.rs's
// PrefillAdder::try_allocate_one and PrefillManager::schedule_next_batch.
package admission

import (
	"github.com/minicore/cpucore/blockpool"
	"github.com/minicore/cpucore/kvcache"
	"github.com/minicore/cpucore/metrics"
	"github.com/minicore/cpucore/reqtable"
)

// ScheduledReq is the admission contract's output: one prefill or
// direct-to-decode admission decision for a single request.
type ScheduledReq struct {
	ReqID reqtable.ReqId

	// ChunkStartOffset and ChunkLen describe the prompt slice
	// admitted this step: prompt[ChunkStartOffset:ChunkStartOffset+ChunkLen].
	// Both are zero when DirectToDecode is true.
	ChunkStartOffset int
	ChunkLen         int

	// AssignedBlocks are newly allocated blocks for this chunk, in
	// prompt order. Empty when DirectToDecode is true.
	AssignedBlocks []blockpool.Handle

	// LockedHandle is the handle returned by RadixCache.LockHandle
	// for this request's matched prefix prior to this step's chunk.
	LockedHandle kvcache.Handle

	// CompletesPrefill is true once ChunkStartOffset+ChunkLen equals
	// the prompt length: the request is ready to transition to
	// Decoding once this chunk's KV write lands.
	CompletesPrefill bool

	// DirectToDecode is true when the prompt was already fully
	// cached at admission time (need == 0); the request transitions
	// straight to Decoding and consumes one budget slot for its
	// first sampled token.
	DirectToDecode bool
}

// Queue is the strict-FIFO pending queue PrefillAdmission draws from.
// Chunked continuations are re-inserted at the front (never the
// back), matching prefill.rs's schedule_next_batch behaviour: the
// same logical request resuming is not a reordering relative to
// distinct requests (spec.md's P3/head-of-line invariant governs
// distinct requests, not a request's own continuation).
type Queue struct {
	items []reqtable.ReqId
}

// NewQueue returns an empty pending queue.
func NewQueue() *Queue {
	return &Queue{}
}

// PushBack enqueues a newly admitted-to-the-system request.
func (q *Queue) PushBack(id reqtable.ReqId) {
	q.items = append(q.items, id)
}

// Len reports the number of requests currently pending.
func (q *Queue) Len() int {
	return len(q.items)
}

// Snapshot returns the queue's current order without mutating it.
func (q *Queue) Snapshot() []reqtable.ReqId {
	return append([]reqtable.ReqId(nil), q.items...)
}

// Remove drops id from the queue wherever it sits (used when a
// request is aborted while still pending).
func (q *Queue) Remove(id reqtable.ReqId) {
	for i, existing := range q.items {
		if existing == id {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return
		}
	}
}

func (q *Queue) popFront() reqtable.ReqId {
	id := q.items[0]
	q.items = q.items[1:]
	return id
}

func (q *Queue) pushFront(id reqtable.ReqId) {
	q.items = append([]reqtable.ReqId{id}, q.items...)
}

// Admitter runs PrefillAdmission against a RadixCache and BlockPool
// shared with the rest of the Scheduler.
type Admitter struct {
	Cache           *kvcache.Cache
	Pool            *blockpool.Pool
	PerReqChunkCap  int
}

// Schedule performs one step of admission. tokenBudget and
// decodeInflightTokens together bound how many slots this call may
// spend; table resolves queued ids to their Request records.
//
// Strict FIFO / head-of-line blocking: as soon as a candidate cannot
// be admitted for lack of blocks, admission for this step stops —
// no later-queued request is considered, preserving queue order.
func (a *Admitter) Schedule(queue *Queue, table *reqtable.Table, decodeInflightTokens, tokenBudget int) []ScheduledReq {
	remaining := tokenBudget - decodeInflightTokens
	if remaining <= 0 {
		return nil
	}

	var scheduled []ScheduledReq
	var chunkedContinuations []reqtable.ReqId

	for queue.Len() > 0 && remaining > 0 {
		id := queue.items[0]
		req, ok := table.Get(id)
		if !ok {
			queue.popFront()
			continue
		}

		// A chunked continuation already holds a lock acquired on its
		// first admission, over a cache region that has not changed
		// since (its own chunks are not committed into the tree until
		// the full prompt completes); reuse that lock and resume from
		// PrefillProgress rather than re-walking the cache, which
		// would report the same matched_len every step and never
		// advance the chunk offset.
		var matchedLen int
		var handle kvcache.Handle
		if req.State == reqtable.Prefilling {
			matchedLen = req.PrefillProgress
			handle = req.LockedHandle
		} else {
			var blocks []blockpool.Handle
			matchedLen, blocks, handle = a.Cache.LockHandle(req.Prompt)
			_ = blocks
		}
		need := req.Prompt.Len() - matchedLen

		if need == 0 {
			queue.popFront()
			req.LockedHandle = handle
			req.PrefillProgress = matchedLen
			req.State = reqtable.Decoding
			table.EnterDecode(req.ID)
			remaining--
			scheduled = append(scheduled, ScheduledReq{
				ReqID:            id,
				LockedHandle:     handle,
				CompletesPrefill: true,
				DirectToDecode:   true,
			})
			continue
		}

		chunkCap := a.PerReqChunkCap
		if chunkCap <= 0 || chunkCap > need {
			chunkCap = need
		}
		c := min(need, remaining, chunkCap)

		assigned, ok := a.tryAllocate(c)
		if !ok {
			metrics.CapacityPressure.WithLabelValues().Inc()
			if req.State != reqtable.Prefilling {
				_ = a.Cache.Unlock(handle)
			}
			break
		}

		queue.popFront()
		req.LockedHandle = handle
		req.PrefillProgress = matchedLen + c
		req.State = reqtable.Prefilling
		req.PendingBlocks = append(req.PendingBlocks, assigned...)
		remaining -= c

		completes := matchedLen+c == req.Prompt.Len()
		scheduled = append(scheduled, ScheduledReq{
			ReqID:            id,
			ChunkStartOffset: matchedLen,
			ChunkLen:         c,
			AssignedBlocks:   assigned,
			LockedHandle:     handle,
			CompletesPrefill: completes,
		})

		if !completes {
			chunkedContinuations = append(chunkedContinuations, id)
		}
	}

	for i := len(chunkedContinuations) - 1; i >= 0; i-- {
		queue.pushFront(chunkedContinuations[i])
	}

	return scheduled
}

// tryAllocate attempts to allocate n blocks, evicting from the
// RadixCache first if the free list is short, per spec.md §4.2 step
// 2c. It never reaches into another request's in-flight pending-write
// blocks (original_source confirms the reference implementation never
// does either — see SPEC_FULL.md §4.2).
func (a *Admitter) tryAllocate(n int) ([]blockpool.Handle, bool) {
	if shortfall := n - a.Pool.Free(); shortfall > 0 {
		freed := a.Cache.Evict(shortfall)
		a.Pool.Release(freed...)
	}
	return a.Pool.Allocate(n)
}
