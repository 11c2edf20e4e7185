// Package shadow implements ShadowComparator: an optional wrapper
// that runs an alternative BatchBuilder alongside the primary one and
// diffs their outputs, never letting the shadow path affect what is
// served downstream. The divergence record shape and run-signature
// hashing are grounded on
// original_source/python/minisgl/benchmark/token_parity.py (element-
// wise diff, first-mismatch capture, SHA-256 run signature) and the
// JSONL {kind, reason, ...} log format consumed by
// original_source/python/minisgl/benchmark/shadow_report.py.
package shadow

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/minicore/cpucore/admission"
	"github.com/minicore/cpucore/batch"
	"github.com/minicore/cpucore/blockpool"
	"github.com/minicore/cpucore/metrics"
	"github.com/minicore/cpucore/reqtable"
)

// Builder is the Scheduler's metadata-build interface: anything that
// can turn an admitted prefill set plus the decode set into a Batch.
// Both the primary and the shadow engine implement it.
type Builder interface {
	Build(prefill []admission.ScheduledReq, table *reqtable.Table, decodeReqs []*reqtable.Request, decodeBlocks map[reqtable.ReqId]blockpool.Handle) batch.Batch
}

// BuilderFunc adapts a plain function to Builder.
type BuilderFunc func(prefill []admission.ScheduledReq, table *reqtable.Table, decodeReqs []*reqtable.Request, decodeBlocks map[reqtable.ReqId]blockpool.Handle) batch.Batch

func (f BuilderFunc) Build(prefill []admission.ScheduledReq, table *reqtable.Table, decodeReqs []*reqtable.Request, decodeBlocks map[reqtable.ReqId]blockpool.Handle) batch.Batch {
	return f(prefill, table, decodeReqs, decodeBlocks)
}

// Kind names which of the three arrays a Divergence was found in.
type Kind string

const (
	KindPositions    Kind = "positions"
	KindInputMapping Kind = "input_mapping"
	KindWriteMapping Kind = "write_mapping"
)

// Divergence is one element-wise mismatch between the primary and
// shadow builder's output.
type Divergence struct {
	ReqUID       reqtable.ReqId `json:"req_uid"`
	SlotIndex    int            `json:"slot_index"`
	Kind         Kind           `json:"kind"`
	Reason       string         `json:"reason"`
	PrimaryValue int32          `json:"primary_value"`
	ShadowValue  int32          `json:"shadow_value"`
}

// Comparator wraps a primary and shadow Builder. Only the primary's
// output is ever returned to callers; the shadow is invoked purely
// for comparison.
type Comparator struct {
	Primary Builder
	Shadow  Builder

	// EveryN runs the shadow once every N calls to Build; 0 or 1
	// means every call, matching spec.md §6's shadow_every_n default.
	EveryN int
	// MaxDiffs caps the number of divergence records retained.
	MaxDiffs int
	// Enabled may be flipped at runtime to disable shadowing without
	// rebuilding the Scheduler.
	Enabled bool
	// ReportWriter, if set, receives one JSON line per divergence,
	// matching shadow_report.py's expected input format.
	ReportWriter io.Writer

	Logger *slog.Logger

	calls       int
	divergences []Divergence
}

// Divergences returns the accumulated divergence log.
func (c *Comparator) Divergences() []Divergence {
	return c.divergences
}

// Build runs the primary builder and, subject to Enabled/EveryN,
// shadows it with the alternate builder for comparison. The primary's
// Batch is always returned. A panic inside the shadow builder is
// recovered and logged; it can never propagate to the caller.
func (c *Comparator) Build(prefill []admission.ScheduledReq, table *reqtable.Table, decodeReqs []*reqtable.Request, decodeBlocks map[reqtable.ReqId]blockpool.Handle) batch.Batch {
	primary := c.Primary.Build(prefill, table, decodeReqs, decodeBlocks)

	c.calls++
	every := c.EveryN
	if every <= 0 {
		every = 1
	}
	if !c.Enabled || c.Shadow == nil || c.calls%every != 0 {
		return primary
	}

	shadowBatch, ok := c.runShadow(prefill, table, decodeReqs, decodeBlocks)
	if !ok {
		return primary
	}

	c.diff(primary, shadowBatch)
	return primary
}

func (c *Comparator) runShadow(prefill []admission.ScheduledReq, table *reqtable.Table, decodeReqs []*reqtable.Request, decodeBlocks map[reqtable.ReqId]blockpool.Handle) (b batch.Batch, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			if c.Logger != nil {
				c.Logger.Warn("shadow builder panicked; skipping comparison this step", "panic", r)
			}
			ok = false
		}
	}()
	return c.Shadow.Build(prefill, table, decodeReqs, decodeBlocks), true
}

func (c *Comparator) diff(primary, shadowBatch batch.Batch) {
	c.diffArray(primary, shadowBatch, KindPositions, primary.Positions, shadowBatch.Positions)
	c.diffArray(primary, shadowBatch, KindInputMapping, primary.InputMapping, shadowBatch.InputMapping)
	c.diffArray(primary, shadowBatch, KindWriteMapping, primary.WriteMapping, shadowBatch.WriteMapping)
}

func (c *Comparator) diffArray(primary, shadowBatch batch.Batch, kind Kind, a, b []int32) {
	n := min(len(a), len(b))
	for i := 0; i < n; i++ {
		if a[i] == b[i] {
			continue
		}
		if len(c.divergences) >= c.MaxDiffs && c.MaxDiffs > 0 {
			return
		}
		var owner reqtable.ReqId
		if i < len(primary.SlotOwner) {
			owner = primary.SlotOwner[i]
		}
		d := Divergence{
			ReqUID:       owner,
			SlotIndex:    i,
			Kind:         kind,
			Reason:       "value_mismatch",
			PrimaryValue: a[i],
			ShadowValue:  b[i],
		}
		c.record(d)
	}
	if len(a) != len(b) && (c.MaxDiffs <= 0 || len(c.divergences) < c.MaxDiffs) {
		c.record(Divergence{Kind: kind, Reason: "length_mismatch", PrimaryValue: int32(len(a)), ShadowValue: int32(len(b))})
	}
}

func (c *Comparator) record(d Divergence) {
	c.divergences = append(c.divergences, d)
	metrics.ShadowDivergences.WithLabelValues().Inc()
	if c.Logger != nil {
		c.Logger.Warn("shadow divergence", "kind", d.Kind, "slot", d.SlotIndex, "primary", d.PrimaryValue, "shadow", d.ShadowValue)
	}
	if c.ReportWriter != nil {
		if line, err := json.Marshal(d); err == nil {
			fmt.Fprintf(c.ReportWriter, "%s\n", line)
		}
	}
}

// Signature returns a SHA-256 hex digest over a length-prefixed int32
// little-endian encoding of arr, matching token_parity.py's
// _signature helper — used to cheaply compare whole arrays across a
// shadow run without keeping every intermediate value around.
func Signature(arr []int32) string {
	h := sha256.New()
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(arr)))
	h.Write(lenBuf[:])
	var buf [4]byte
	for _, v := range arr {
		binary.LittleEndian.PutUint32(buf[:], uint32(v))
		h.Write(buf[:])
	}
	return fmt.Sprintf("%x", h.Sum(nil))
}
