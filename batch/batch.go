// Package batch implements BatchBuilder: it composes the three dense
// index arrays (positions, input_mapping, write_mapping) the GPU
// executor consumes each step, in the fixed request order (prefill
// first in admission order, then decode in the table's stable order).
//
// The per-array construction mirrors
// original_source/rust/minisgl-cpu-core/src/prefill.rs's
// make_positions/make_input_mapping/make_write_tuple free functions,
// adapted from that engine's table_idx-indexed KV slot table to this
// spec's token-id input_mapping contract (see SPEC_FULL.md §4).
package batch

import (
	"github.com/minicore/cpucore/admission"
	"github.com/minicore/cpucore/blockpool"
	"github.com/minicore/cpucore/reqtable"
)

// Batch holds the three GPU-bound arrays plus the per-request
// sampling/identity arrays aligned to the request (not slot) order,
// matching the wire payload shape of spec.md §6's
// `{ positions, input_mapping, write_mapping, sampling_params_per_req, req_uids }`.
type Batch struct {
	Positions    []int32
	InputMapping []int32
	WriteMapping []int32

	ReqUIDs              []reqtable.ReqId
	SamplingParamsPerReq []reqtable.SamplingParams

	// SlotOwner[i] names which request produced slot i, so callers
	// can fold the GPU's next_tokens response back onto individual
	// requests.
	SlotOwner []reqtable.ReqId
}

// DecodeAllocation is the just-in-time block a decode request writes
// its new KV state into this step.
type DecodeAllocation struct {
	ReqID reqtable.ReqId
	Block blockpool.Handle
}

// Build assembles a Batch from this step's admitted prefill set and
// the currently decoding set. decodeBlocks supplies the
// one-block-per-decoding-request allocation the Scheduler made just
// before calling Build (spec.md §4.4 step 4); a request present in
// decodeReqs but absent from decodeBlocks is a paused decoder and is
// excluded from the emitted arrays entirely.
func Build(prefill []admission.ScheduledReq, table *reqtable.Table, decodeReqs []*reqtable.Request, decodeBlocks map[reqtable.ReqId]blockpool.Handle) Batch {
	var b Batch

	for _, sched := range prefill {
		if sched.DirectToDecode {
			continue
		}
		req, ok := table.Get(sched.ReqID)
		if !ok {
			continue
		}
		for i := 0; i < sched.ChunkLen; i++ {
			pos := sched.ChunkStartOffset + i
			b.Positions = append(b.Positions, int32(pos))
			b.InputMapping = append(b.InputMapping, int32(req.Prompt[pos]))
			b.WriteMapping = append(b.WriteMapping, int32(sched.AssignedBlocks[i]))
			b.SlotOwner = append(b.SlotOwner, sched.ReqID)
		}
	}

	for _, req := range decodeReqs {
		block, ok := decodeBlocks[req.ID]
		if !ok {
			continue
		}
		b.Positions = append(b.Positions, int32(req.Position()))
		b.InputMapping = append(b.InputMapping, int32(req.LastToken()))
		b.WriteMapping = append(b.WriteMapping, int32(block))
		b.SlotOwner = append(b.SlotOwner, req.ID)
	}

	// Requests still mid-prefill this step (chunked or just-completing)
	// never sample a token: per spec.md scenario D, decode for a
	// request begins only once its prefill's last-slot KV write has
	// landed, one step after the chunk that completed it — not the
	// same step. Only requests already in the decode set (including
	// ones admitted direct-to-decode this step because their prompt
	// was already fully cached, needing no KV write) sample.
	for _, req := range decodeReqs {
		if _, ok := decodeBlocks[req.ID]; !ok {
			continue
		}
		b.ReqUIDs = append(b.ReqUIDs, req.ID)
		b.SamplingParamsPerReq = append(b.SamplingParamsPerReq, req.Sampling)
	}

	return b
}

// TotalSlots returns the combined prefill+decode slot count, which
// must never exceed token_budget (spec.md §4.3 boundary guarantee).
func (b Batch) TotalSlots() int {
	return len(b.Positions)
}
