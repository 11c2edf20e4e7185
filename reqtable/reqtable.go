// Package reqtable owns Request records: their state, prompt,
// generated tokens, and locked cache handle, matching RequestTable
// from the control-core design. Unlike the teacher's LlmRequest
// (server/sched.go), which tracked a single success/error channel
// pair per load, a Request here lives through a multi-step lifecycle
// driven entirely by the Scheduler's step loop.
package reqtable

import (
	"github.com/google/uuid"

	"github.com/minicore/cpucore/kvcache"
	"github.com/minicore/cpucore/tokenvec"
)

// ReqId uniquely identifies a Request, matching the teacher's use of
// uuid.UUID to identify runners and the vllm-project-aibrix TreeNode
// convention of uuid-keyed identities.
type ReqId = uuid.UUID

// NewReqId returns a fresh random request id.
func NewReqId() ReqId {
	return uuid.New()
}

// ParseReqId parses the string form of a ReqId, as it appears on the
// wire in req_uids/req_uid fields.
func ParseReqId(s string) (ReqId, error) {
	return uuid.Parse(s)
}

// State is a Request's lifecycle stage.
type State int

const (
	Waiting State = iota
	Prefilling
	Decoding
	Finished
	Aborted
)

func (s State) String() string {
	switch s {
	case Waiting:
		return "waiting"
	case Prefilling:
		return "prefilling"
	case Decoding:
		return "decoding"
	case Finished:
		return "finished"
	case Aborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// SamplingParams mirrors the wire shape of §6's sampling_params_per_req.
type SamplingParams struct {
	Temperature float64
	TopK        int
	TopP        float64
	Seed        int64
	MaxTokens   int
	IgnoreEOS   bool
}

// DefaultSamplingParams matches the reference implementation's
// SamplingParams::default(): greedy decoding with a generous output
// cap, grounded on original_source/rust/minisgl-cpu-core/src/types.rs.
func DefaultSamplingParams() SamplingParams {
	return SamplingParams{
		Temperature: 0.0,
		TopK:        -1,
		TopP:        1.0,
		MaxTokens:   1024,
	}
}

// Request is one tracked generation request.
type Request struct {
	ID     ReqId
	Prompt tokenvec.Vec

	Generated tokenvec.Vec
	State     State
	Sampling  SamplingParams

	// LockedHandle is the deepest RadixCache node currently
	// protecting this request's prefix, or the zero Handle (at
	// kvcache.RootID, MatchedLen 0) if nothing is locked yet.
	LockedHandle kvcache.Handle

	// PrefillProgress is the count of prompt tokens already
	// committed to cache (matched_len + all chunks admitted so far).
	PrefillProgress int

	// PendingBlocks holds blocks owned by this request alone that are
	// not in RadixCache: the prefill chunks admitted so far (committed
	// into RadixCache once the prompt's first token is sampled) and one
	// block per decode step (released at Finish/Abort).
	PendingBlocks []uint32

	// TableIdx is the KV-slot/table index this request occupies on
	// the GPU side for the lifetime of its run, grounded on the
	// reference implementation's ScheduledReq.table_idx.
	TableIdx int32
}

// New creates a Waiting request for prompt with the given sampling
// parameters.
func New(prompt tokenvec.Vec, sampling SamplingParams) *Request {
	return &Request{
		ID:       NewReqId(),
		Prompt:   prompt.Clone(),
		State:    Waiting,
		Sampling: sampling,
	}
}

// PromptRemaining returns how many prompt tokens have not yet been
// admitted for prefill.
func (r *Request) PromptRemaining() int {
	return r.Prompt.Len() - r.PrefillProgress
}

// Position returns the absolute position of the next token this
// request will consume — used directly as the decode-step `positions`
// entry.
func (r *Request) Position() int {
	return r.Prompt.Len() + r.Generated.Len()
}

// LastToken returns the most recently produced token: the last
// generated token if any, otherwise the last prompt token. It is
// used as input_mapping for a request's first decode step when its
// prompt landed fully cached.
func (r *Request) LastToken() tokenvec.TokenId {
	if r.Generated.Len() > 0 {
		return r.Generated[r.Generated.Len()-1]
	}
	return r.Prompt[r.Prompt.Len()-1]
}

// AppendGenerated records a newly sampled token.
func (r *Request) AppendGenerated(tok tokenvec.TokenId) {
	r.Generated = r.Generated.Append(tok)
}

// IsTerminal reports whether the request should stop decoding: EOS
// was produced (and IgnoreEOS is unset) or max_tokens was reached.
// EOS is interpreted on first occurrence regardless of position in
// the sequence, grounded on original_source's SamplingParams default
// of ignore_eos=false and the observation that the reference never
// special-cases EOS inside sampling itself — only the scheduler's
// termination check does.
func (r *Request) IsTerminal(lastToken tokenvec.TokenId, eosID tokenvec.TokenId) bool {
	if r.Generated.Len() >= r.Sampling.MaxTokens {
		return true
	}
	if !r.Sampling.IgnoreEOS && lastToken == eosID {
		return true
	}
	return false
}

// Table tracks all live requests, keyed by ReqId, plus a stable
// decode-order slice used to give BatchBuilder a "fixed order
// maintained across steps" for the decode set.
type Table struct {
	byID        map[ReqId]*Request
	decodeOrder []ReqId
}

// NewTable returns an empty RequestTable.
func NewTable() *Table {
	return &Table{byID: make(map[ReqId]*Request)}
}

// Add registers a new request.
func (t *Table) Add(r *Request) {
	t.byID[r.ID] = r
}

// Get looks up a request by id.
func (t *Table) Get(id ReqId) (*Request, bool) {
	r, ok := t.byID[id]
	return r, ok
}

// Remove drops a request from the table entirely (after its output
// has been drained, per the Request lifecycle).
func (t *Table) Remove(id ReqId) {
	delete(t.byID, id)
	for i, existing := range t.decodeOrder {
		if existing == id {
			t.decodeOrder = append(t.decodeOrder[:i], t.decodeOrder[i+1:]...)
			break
		}
	}
}

// EnterDecode appends id to the stable decode order the first time a
// request starts decoding. Calling it again for an id already
// present is a no-op, preserving ordering across steps.
func (t *Table) EnterDecode(id ReqId) {
	for _, existing := range t.decodeOrder {
		if existing == id {
			return
		}
	}
	t.decodeOrder = append(t.decodeOrder, id)
}

// LeaveDecode removes id from the decode order (on Finish/Abort/pause
// eviction from the running set).
func (t *Table) LeaveDecode(id ReqId) {
	for i, existing := range t.decodeOrder {
		if existing == id {
			t.decodeOrder = append(t.decodeOrder[:i], t.decodeOrder[i+1:]...)
			return
		}
	}
}

// DecodeSet returns requests currently in Decoding state, in the
// stable order they entered decode.
func (t *Table) DecodeSet() []*Request {
	out := make([]*Request, 0, len(t.decodeOrder))
	for _, id := range t.decodeOrder {
		if r, ok := t.byID[id]; ok && r.State == Decoding {
			out = append(out, r)
		}
	}
	return out
}

// All returns every request in the table, whatever its state, in map
// iteration order; callers that need FIFO order should instead track
// pending order themselves (see admission.Queue).
func (t *Table) All() []*Request {
	out := make([]*Request, 0, len(t.byID))
	for _, r := range t.byID {
		out = append(out, r)
	}
	return out
}
