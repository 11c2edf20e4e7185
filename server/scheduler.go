// Package server implements the Scheduler: the per-step driver loop
// that ties RadixCache, BlockPool, PrefillAdmission, and BatchBuilder
// together and round-trips with the GPU executor. Its shape — drain
// ingress, advance state, dispatch, apply results — follows the
// teacher's LlmServer.sched loop in the deleted server/sched.go:
// a single goroutine owns all mutable state and communicates with the
// outside world only through channels, never shared memory.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"golang.org/x/sync/semaphore"

	"github.com/minicore/cpucore/admission"
	"github.com/minicore/cpucore/batch"
	"github.com/minicore/cpucore/blockpool"
	"github.com/minicore/cpucore/kvcache"
	"github.com/minicore/cpucore/metrics"
	"github.com/minicore/cpucore/reqtable"
	"github.com/minicore/cpucore/shadow"
	"github.com/minicore/cpucore/tokenvec"
	"github.com/minicore/cpucore/types/errtypes"
)

// Executor is the GPU round-trip boundary. A production Scheduler
// wires this to the real GPU worker transport; tests inject a fake
// function field, matching the teacher's struct-field fake injection
// convention (see server/sched_test.go in the teacher, now adapted).
type Executor interface {
	Run(ctx context.Context, b batch.Batch) ([]int32, error)
}

// ExecutorFunc adapts a plain function to Executor.
type ExecutorFunc func(ctx context.Context, b batch.Batch) ([]int32, error)

func (f ExecutorFunc) Run(ctx context.Context, b batch.Batch) ([]int32, error) {
	return f(ctx, b)
}

// Submission is one new generation request arriving on the ingress
// channel.
type Submission struct {
	Prompt   tokenvec.Vec
	Sampling reqtable.SamplingParams
	// Done, if non-nil, is closed by the scheduler once the request
	// reaches Finished or Aborted; Result holds the final state.
	Done   chan struct{}
	ID     reqtable.ReqId
	Result *Result
}

// Abort requests cancellation of an in-flight request.
type Abort struct {
	ID reqtable.ReqId
}

// Result is the terminal outcome reported back through a Submission's
// Done channel.
type Result struct {
	Generated tokenvec.Vec
	State     reqtable.State
	Err       error
}

// Config bundles the spec's recognized per-instance options (spec.md
// §6). Zero-value PageSize/TokenBudget/PerRequestChunkCap are invalid;
// callers must set them explicitly, mirroring the teacher's explicit
// envconfig.Config rather than silently defaulting.
type Config struct {
	PageSize           int
	TokenBudget        int
	PerRequestChunkCap int
	MaxRunningRequests int
	EOSToken           tokenvec.TokenId

	// AuditIntegrity runs CheckIntegrity at the end of every step. It
	// is an O(tree size) full walk; spec.md §7 scopes Integrity errors
	// to "test builds or explicit audits", so production callers
	// should leave this false and invoke CheckIntegrity out-of-band
	// (e.g. from a periodic audit task) instead.
	AuditIntegrity bool
}

// Scheduler is the single-threaded step driver. All of its fields are
// owned exclusively by the goroutine running Run; nothing here is
// safe for concurrent access from outside that goroutine.
type Scheduler struct {
	cfg Config
	log *slog.Logger

	cache *kvcache.Cache
	pool  *blockpool.Pool

	table   *reqtable.Table
	pending *admission.Queue
	admit   *admission.Admitter

	builder shadow.Builder

	exec Executor

	// running gates entries into pending: at most MaxRunningRequests
	// requests may be Waiting+Prefilling+Decoding at once. A request
	// releases its slot on Finished or Aborted.
	running *semaphore.Weighted

	waitlist []*Submission // requests not yet admitted past the max_running_requests gate
	admitted map[reqtable.ReqId]bool // true once running has been acquired for this id

	ingress chan any // *Submission or Abort
	done    map[reqtable.ReqId]*Submission

	paused map[reqtable.ReqId]bool // decode requests skipped this step for lack of a block

	fatal error
}

// New constructs a Scheduler. builder is typically a *shadow.Comparator
// wrapping the concrete production BatchBuilder, but any shadow.Builder
// works — shadowing is opt-in at that layer, not this one.
func New(cfg Config, builder shadow.Builder, exec Executor, log *slog.Logger) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	pool := blockpool.New(poolCapacity(cfg), cfg.PageSize)
	cache := kvcache.New()
	return &Scheduler{
		cfg:     cfg,
		log:     log,
		cache:   cache,
		pool:    pool,
		table:   reqtable.NewTable(),
		pending: admission.NewQueue(),
		admit: &admission.Admitter{
			Cache:          cache,
			Pool:           pool,
			PerReqChunkCap: cfg.PerRequestChunkCap,
		},
		builder: builder,
		exec:    exec,
		running: semaphore.NewWeighted(int64(cfg.MaxRunningRequests)),
		ingress:  make(chan any, 64),
		done:     make(map[reqtable.ReqId]*Submission),
		admitted: make(map[reqtable.ReqId]bool),
		paused:   make(map[reqtable.ReqId]bool),
	}
}

// poolCapacity sizes the BlockPool at 4096 blocks per allowed running
// request. Config has no separate pool-size option, so every Scheduler
// built by New, in tests and in production, gets its pool size here.
func poolCapacity(cfg Config) int {
	return cfg.MaxRunningRequests * 4096
}

// Submit enqueues a new request on the ingress channel. It does not
// block on admission; the request becomes Waiting once drained at the
// start of the next step.
func (s *Scheduler) Submit(sub *Submission) {
	if sub.ID == (reqtable.ReqId{}) {
		sub.ID = reqtable.NewReqId()
	}
	s.ingress <- sub
}

// RequestAbort enqueues a cancellation for id.
func (s *Scheduler) RequestAbort(id reqtable.ReqId) {
	s.ingress <- Abort{ID: id}
}

// FatalErr returns the Integrity violation that stopped Run, or nil
// if the scheduler has not hit one.
func (s *Scheduler) FatalErr() error {
	return s.fatal
}

// StatusSnapshot reports the cache/pool sizing a status endpoint or CLI
// command renders.
type StatusSnapshot struct {
	Cache    kvcache.SizeInfo
	PoolUsed int
	PoolFree int
}

// statusQuery is an ingress message: cache/pool accounting are owned
// exclusively by the Run goroutine, so a caller on another goroutine
// (the HTTP handler) cannot read s.cache/s.pool directly — it asks the
// Run goroutine for a snapshot the same way it submits a request.
type statusQuery struct {
	resp chan StatusSnapshot
}

// Status returns a point-in-time snapshot of cache/pool sizing,
// computed inside the Run goroutine's own step loop. It blocks until
// the snapshot is produced or ctx is cancelled.
func (s *Scheduler) Status(ctx context.Context) (StatusSnapshot, error) {
	q := statusQuery{resp: make(chan StatusSnapshot, 1)}
	s.ingress <- q
	select {
	case snap := <-q.resp:
		return snap, nil
	case <-ctx.Done():
		return StatusSnapshot{}, ctx.Err()
	}
}

// Run executes the step loop until ctx is cancelled or a step returns
// an error. An Integrity violation is logged, recorded for FatalErr,
// and returned at once; requests still in flight are not drained and
// their Done channels are left open. Any other step error is returned
// as is.
func (s *Scheduler) Run(ctx context.Context) error {
	for {
		if err := s.step(ctx); err != nil {
			var integrity *errtypes.IntegrityError
			if errors.As(err, &integrity) {
				s.log.Error("integrity violation, stopping", "reason", integrity.Reason)
				s.fatal = err
				return err
			}
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// step runs exactly one iteration of the per-step driver described in
// spec.md §4.4.
func (s *Scheduler) step(ctx context.Context) error {
	s.drainIngress()
	s.admitWaitlist()

	decodeReqs := s.table.DecodeSet()
	decodeBlocks := s.allocateDecodeBlocks(decodeReqs)

	scheduled := s.admit.Schedule(s.pending, s.table, len(decodeBlocks), s.cfg.TokenBudget)

	b := s.builder.Build(scheduled, s.table, decodeReqs, decodeBlocks)
	if b.TotalSlots() == 0 {
		return nil // B3: nothing to run this step
	}

	nextTokens, err := s.exec.Run(ctx, b)
	if err != nil {
		return fmt.Errorf("executor round-trip: %w", err)
	}
	if len(nextTokens) != len(b.ReqUIDs) {
		return &errtypes.BadPayloadError{Reason: "executor returned a next_tokens vector misaligned with req_uids"}
	}

	s.applyPrefillProgress(scheduled)
	s.applyDecodeResults(b, nextTokens, decodeBlocks)
	s.reportCacheMetrics()

	if s.cfg.AuditIntegrity {
		return s.Audit()
	}
	return nil
}

// Audit runs CheckIntegrity out-of-band, for callers that poll it
// periodically rather than every step. It must not be called
// concurrently with Run; the caller is responsible for that
// exclusion (e.g. by running it from inside a Run-injected hook).
// Per spec.md P5, integrity covers the whole system, not just the
// radix cache: it also cross-checks BlockPool's free-list accounting
// against every block currently held by the cache or by a request's
// in-flight, not-yet-committed PendingBlocks.
func (s *Scheduler) Audit() error {
	if err := s.cache.CheckIntegrity(); err != nil {
		return err
	}
	used := s.cache.SizeInfo().TotalBlocks
	for _, req := range s.table.All() {
		used += len(req.PendingBlocks)
	}
	return s.pool.CheckIntegrity(used)
}

func (s *Scheduler) reportCacheMetrics() {
	info := s.cache.SizeInfo()
	metrics.CacheBlocks.WithLabelValues("total").Set(float64(info.TotalBlocks))
	metrics.CacheBlocks.WithLabelValues("evictable").Set(float64(info.EvictableBlocks))
	metrics.CacheBlocks.WithLabelValues("protected").Set(float64(info.ProtectedBlocks))
}

func (s *Scheduler) drainIngress() {
	for {
		select {
		case msg := <-s.ingress:
			switch v := msg.(type) {
			case *Submission:
				req := reqtable.New(v.Prompt, v.Sampling)
				req.ID = v.ID
				s.table.Add(req)
				s.done[req.ID] = v
				s.waitlist = append(s.waitlist, v)
			case Abort:
				s.abort(v.ID)
			case statusQuery:
				v.resp <- StatusSnapshot{
					Cache:    s.cache.SizeInfo(),
					PoolUsed: s.pool.Used(),
					PoolFree: s.pool.Free(),
				}
			}
		default:
			return
		}
	}
}

func (s *Scheduler) admitWaitlist() {
	remaining := s.waitlist[:0]
	for _, sub := range s.waitlist {
		if !s.running.TryAcquire(1) {
			remaining = append(remaining, sub)
			continue
		}
		s.admitted[sub.ID] = true
		s.pending.PushBack(sub.ID)
	}
	s.waitlist = remaining
}

// abort implements spec.md §4.4 step 2: unlock, release blocks, mark
// Aborted, notify.
func (s *Scheduler) abort(id reqtable.ReqId) {
	req, ok := s.table.Get(id)
	if !ok {
		return
	}
	if req.State == reqtable.Finished || req.State == reqtable.Aborted {
		return
	}
	if req.LockedHandle != (kvcache.Handle{}) {
		_ = s.cache.Unlock(req.LockedHandle)
	}
	s.pool.Release(toHandles(req.PendingBlocks)...)
	req.PendingBlocks = nil
	s.pending.Remove(id)
	s.table.LeaveDecode(id)
	s.removeFromWaitlist(id)
	req.State = reqtable.Aborted
	s.finish(req, &errtypes.AbortError{Reason: "cancelled"})
}

func (s *Scheduler) removeFromWaitlist(id reqtable.ReqId) {
	for i, sub := range s.waitlist {
		if sub.ID == id {
			s.waitlist = append(s.waitlist[:i], s.waitlist[i+1:]...)
			return
		}
	}
}

// allocateDecodeBlocks implements spec.md §4.4 step 4: one block per
// decoding request, evicting as needed; on shortfall, the
// largest-generated-length requests pause first, tie-broken by ReqId,
// freeing room for the rest.
func (s *Scheduler) allocateDecodeBlocks(decodeReqs []*reqtable.Request) map[reqtable.ReqId]blockpool.Handle {
	out := make(map[reqtable.ReqId]blockpool.Handle, len(decodeReqs))
	ordered := append([]*reqtable.Request(nil), decodeReqs...)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].Generated.Len() != ordered[j].Generated.Len() {
			return ordered[i].Generated.Len() < ordered[j].Generated.Len()
		}
		return idLess(ordered[i].ID, ordered[j].ID)
	})

	for _, req := range ordered {
		delete(s.paused, req.ID)
		handles, ok := s.pool.Allocate(1)
		if !ok {
			freed := s.cache.Evict(1)
			s.pool.Release(freed...)
			handles, ok = s.pool.Allocate(1)
		}
		if !ok {
			s.paused[req.ID] = true
			continue
		}
		out[req.ID] = handles[0]
	}
	return out
}

func (s *Scheduler) applyPrefillProgress(scheduled []admission.ScheduledReq) {
	for _, sched := range scheduled {
		req, ok := s.table.Get(sched.ReqID)
		if !ok {
			continue
		}
		if sched.DirectToDecode {
			continue
		}
		if !sched.CompletesPrefill {
			continue
		}
		// Prefill for this request's prompt is now fully admitted: it
		// enters Decoding now and gets its first decode slot next step,
		// when applyDecodeResults also performs the insert_prefix swap.
		req.State = reqtable.Decoding
		s.table.EnterDecode(req.ID)
	}
}

// applyDecodeResults implements spec.md §4.4 steps 7-8: append sampled
// tokens, perform the insert_prefix atomic handle swap for requests
// whose prefill just completed, and handle termination.
func (s *Scheduler) applyDecodeResults(b batch.Batch, nextTokens []int32, decodeBlocks map[reqtable.ReqId]blockpool.Handle) {
	for i, id := range b.ReqUIDs {
		req, ok := s.table.Get(id)
		if !ok {
			continue
		}
		tok := tokenvec.TokenId(nextTokens[i])
		block := decodeBlocks[id]

		justCompletedPrefill := req.Generated.Len() == 0 && len(req.PendingBlocks) > 0 && req.PrefillProgress == req.Prompt.Len()
		if justCompletedPrefill {
			s.commitPrefix(req)
		}

		req.AppendGenerated(tok)
		// Generated tokens are not folded into RadixCache (only the
		// prompt is, once, in commitPrefix above); the block backing
		// this step's KV write stays owned by the request alone until
		// Finish/Abort releases it.
		req.PendingBlocks = append(req.PendingBlocks, uint32(block))

		if req.IsTerminal(tok, s.cfg.EOSToken) {
			s.finishDecoding(req)
		}
	}
}

// commitPrefix performs the one-shot insert_prefix + atomic handle
// swap for a request whose prompt has just finished prefilling,
// per spec.md §4.4 step 7.
func (s *Scheduler) commitPrefix(req *reqtable.Request) {
	newHandle, stale, err := s.cache.InsertPrefix(req.LockedHandle, req.Prompt[req.LockedHandle.MatchedLen:], toHandles(req.PendingBlocks))
	if err != nil {
		s.log.Warn("insert_prefix failed; request continues without a deeper cache hold", "req", req.ID, "err", err)
		req.PendingBlocks = nil
		return
	}
	_ = s.cache.Unlock(req.LockedHandle)
	req.LockedHandle = newHandle
	req.PendingBlocks = nil
	s.pool.Release(stale...)
}

func (s *Scheduler) finishDecoding(req *reqtable.Request) {
	if req.LockedHandle != (kvcache.Handle{}) {
		_ = s.cache.Unlock(req.LockedHandle)
	}
	s.pool.Release(toHandles(req.PendingBlocks)...)
	req.PendingBlocks = nil
	s.table.LeaveDecode(req.ID)
	req.State = reqtable.Finished
	s.finish(req, nil)
}

func (s *Scheduler) finish(req *reqtable.Request, err error) {
	if s.admitted[req.ID] {
		s.running.Release(1)
		delete(s.admitted, req.ID)
	}
	s.table.Remove(req.ID)
	sub, ok := s.done[req.ID]
	if !ok {
		return
	}
	delete(s.done, req.ID)
	if sub.Result != nil {
		sub.Result.Generated = req.Generated
		sub.Result.State = req.State
		sub.Result.Err = err
	}
	if sub.Done != nil {
		close(sub.Done)
	}
}

func toHandles(raw []uint32) []blockpool.Handle {
	out := make([]blockpool.Handle, len(raw))
	for i, v := range raw {
		out[i] = blockpool.Handle(v)
	}
	return out
}

func toUint32(handles []blockpool.Handle) []uint32 {
	out := make([]uint32, len(handles))
	for i, h := range handles {
		out[i] = uint32(h)
	}
	return out
}

func idLess(a, b reqtable.ReqId) bool {
	return a.String() < b.String()
}
