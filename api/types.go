// Package api defines the wire-facing request/response shapes for the
// control core's own HTTP surface (submitting generation requests,
// polling status) and for the GPU executor round-trip described in
// spec.md §6. It mirrors the teacher's api package in spirit —
// small, mostly-flat JSON structs with a handful of custom marshalers
// — but the shapes themselves belong to this domain, not chat/generate.
package api

import (
	"fmt"

	"github.com/minicore/cpucore/types"
)

// GenerateRequest is the client-facing submission payload: a prompt
// already tokenized by the caller (tokenization is out of scope for
// the control core, per spec.md's Non-goals) plus sampling overrides.
//
// The sampling fields are Null[T] rather than plain JSON-omitempty
// values because zero is itself a meaningful override (Temperature: 0
// requests greedy decoding; TopK: 0 is distinct from "unset"). A
// caller that omits a field entirely gets reqtable.DefaultSamplingParams
// for it instead of the zero value.
type GenerateRequest struct {
	Prompt      []int32             `json:"prompt"`
	Temperature types.Null[float64] `json:"temperature"`
	TopK        types.Null[int]     `json:"top_k"`
	TopP        types.Null[float64] `json:"top_p"`
	Seed        int64               `json:"seed,omitempty"`
	MaxTokens   types.Null[int]     `json:"max_tokens"`
	IgnoreEOS   bool                `json:"ignore_eos,omitempty"`
}

// GenerateResponse reports one request's terminal outcome.
type GenerateResponse struct {
	ReqID     string  `json:"req_uid"`
	Generated []int32 `json:"generated"`
	State     string  `json:"state"`
	Error     string  `json:"error,omitempty"`
}

// StatusResponse reports the cache/scheduler sizing the status
// subcommand reads from.
type StatusResponse struct {
	CacheBlocksTotal     int `json:"cache_blocks_total"`
	CacheBlocksEvictable int `json:"cache_blocks_evictable"`
	CacheBlocksProtected int `json:"cache_blocks_protected"`
	BlockPoolUsed        int `json:"block_pool_used"`
	BlockPoolFree        int `json:"block_pool_free"`
}

// ExecutorRequest is the payload shape sent to the GPU worker each
// step, matching spec.md §6's
// `{ positions, input_mapping, write_mapping, sampling_params_per_req, req_uids }`
// (not its framing — server.HTTPExecutor owns that).
type ExecutorRequest struct {
	Positions            []int32              `json:"positions"`
	InputMapping         []int32              `json:"input_mapping"`
	WriteMapping         []int32              `json:"write_mapping"`
	SamplingParamsPerReq []WireSamplingParams `json:"sampling_params_per_req"`
	ReqUIDs              []string             `json:"req_uids"`
}

// WireSamplingParams is SamplingParams as it crosses the wire to the
// GPU worker: plain JSON-friendly fields, no Go-side optionality
// markers (the worker always receives resolved values, defaulted by
// reqtable.DefaultSamplingParams before a Request is ever batched).
type WireSamplingParams struct {
	Temperature float64 `json:"temperature"`
	TopK        int     `json:"top_k"`
	TopP        float64 `json:"top_p"`
	Seed        int64   `json:"seed"`
}

// ExecutorResponse is the GPU worker's reply: next_tokens aligned to
// the request's req_uids, per spec.md §6's round-trip property R2.
type ExecutorResponse struct {
	NextTokens []int32 `json:"next_tokens"`
}

// Error is a minimal HTTP-status-carrying error, matching the
// teacher's api.Error shape.
type Error struct {
	Code    int32  `json:"code"`
	Message string `json:"message"`
}

func (e Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("error %d", e.Code)
	}
	return e.Message
}
