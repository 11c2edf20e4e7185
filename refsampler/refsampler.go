// Package refsampler implements a minimal seeded sampler over a
// synthetic logit source, used only by tests and the bench harness to
// generate golden traces for the Scheduler's determinism property
// (spec.md §4.4: identical inputs must produce bit-identical
// emitted arrays and state transitions). Production callers never
// import this package — the real step loop always defers sampling to
// the GPU executor (server.Executor).
//
// Grounded on the teacher's sample/sample.go: Temperature.Apply's
// max-subtraction softmax and TopK's gods/v2 priority-queue selection
// are reused nearly verbatim, adapted to operate over a synthetic
// logit source instead of a real model's output layer.
package refsampler

import (
	"cmp"
	"errors"
	"math"
	"slices"

	pq "github.com/emirpasic/gods/v2/queues/priorityqueue"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/sampleuv"

	"github.com/minicore/cpucore/reqtable"
	"github.com/minicore/cpucore/tokenvec"
)

// LogitSource produces a synthetic logit vector for one sampling
// call, indexed by the request's id and the position being sampled.
// Tests supply deterministic sources (e.g. a hash of req id + step);
// the bench harness supplies a fixed-vocab random source seeded once
// per run.
type LogitSource func(id reqtable.ReqId, step int) []float64

// FixedVocabSource returns a LogitSource drawing vocabSize logits
// from src for every call, matching how a real model's final layer
// would shape a step's output without needing one.
func FixedVocabSource(vocabSize int, src rand.Source) LogitSource {
	r := rand.New(src)
	return func(reqtable.ReqId, int) []float64 {
		out := make([]float64, vocabSize)
		for i := range out {
			out[i] = r.NormFloat64()
		}
		return out
	}
}

func softmax(logits []float64) []float64 {
	maxLogit := slices.Max(logits)
	var sum float64
	out := make([]float64, len(logits))
	for i, v := range logits {
		out[i] = math.Exp(v - maxLogit)
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}

func applyTemperature(logits []float64, temp float64) []float64 {
	t := math.Max(temp, 1e-7)
	maxLogit := slices.Max(logits)
	out := make([]float64, len(logits))
	for i, v := range logits {
		out[i] = (v - maxLogit) / t
	}
	return out
}

type logitMap struct {
	index int
	logit float64
}

func logitMapComparator(a, b logitMap) int {
	return -cmp.Compare(a.logit, b.logit)
}

// applyTopK masks every logit outside the top k to -Inf, matching
// sample.TopK.Apply's gods/v2 priority-queue selection.
func applyTopK(logits []float64, k int) []float64 {
	if k <= 0 || k >= len(logits) {
		return logits
	}

	q := pq.NewWith(logitMapComparator)
	for i, logit := range logits {
		q.Enqueue(logitMap{index: i, logit: logit})
	}

	keep := make(map[int]bool, k)
	for range k {
		lm, _ := q.Dequeue()
		keep[lm.index] = true
	}

	out := slices.Clone(logits)
	for i := range out {
		if !keep[i] {
			out[i] = math.Inf(-1)
		}
	}
	return out
}

// Sampler draws one next token per call, seeded for reproducibility.
type Sampler struct {
	Source LogitSource
	Seed   uint64
}

// NewSampler returns a Sampler over source, deterministic for a given
// seed. A seed of 0 is used like any other value; there is no
// time-based seeding.
func NewSampler(source LogitSource, seed uint64) *Sampler {
	return &Sampler{Source: source, Seed: seed}
}

// Sample draws the next token for req at the given step, applying its
// SamplingParams (greedy when Temperature is 0, temperature+top-k
// weighted sampling otherwise).
func (s *Sampler) Sample(req *reqtable.Request, step int) (tokenvec.TokenId, error) {
	logits := s.Source(req.ID, step)
	if len(logits) == 0 {
		return 0, errors.New("refsampler: empty logit vector")
	}

	if req.Sampling.Temperature == 0 {
		return tokenvec.TokenId(argmax(logits)), nil
	}

	logits = applyTemperature(logits, req.Sampling.Temperature)
	if req.Sampling.TopK > 0 {
		logits = applyTopK(logits, req.Sampling.TopK)
	}

	keptIdx := make([]int, 0, len(logits))
	keptLogit := make([]float64, 0, len(logits))
	for i, v := range logits {
		if !math.IsInf(v, -1) {
			keptIdx = append(keptIdx, i)
			keptLogit = append(keptLogit, v)
		}
	}
	if len(keptLogit) == 0 {
		return 0, errors.New("refsampler: no valid logits survived masking")
	}

	probs := softmax(keptLogit)
	src := rand.NewSource(s.Seed + uint64(step) + uint64(req.ID[0]))
	w := sampleuv.NewWeighted(probs, src)
	idx, ok := w.Take()
	if !ok {
		return 0, errors.New("refsampler: weighted sampling failed to select a token")
	}
	return tokenvec.TokenId(keptIdx[idx]), nil
}

func argmax(logits []float64) int {
	best := 0
	for i, v := range logits {
		if v > logits[best] {
			best = i
		}
	}
	return best
}
