package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/exp/rand"

	"github.com/spf13/cobra"

	"github.com/minicore/cpucore/batch"
	"github.com/minicore/cpucore/format"
	"github.com/minicore/cpucore/logutil"
	"github.com/minicore/cpucore/refsampler"
	"github.com/minicore/cpucore/reqtable"
	"github.com/minicore/cpucore/server"
	"github.com/minicore/cpucore/shadow"
	"github.com/minicore/cpucore/tokenvec"
)

var benchCmd = &cobra.Command{
	Use:   "bench",
	Short: "Drive the scheduler against a synthetic refsampler executor and report throughput",
	Args:  cobra.ExactArgs(0),
	RunE:  runBench,
}

func init() {
	benchCmd.Flags().Int("requests", 32, "number of synthetic requests to submit")
	benchCmd.Flags().Int("prompt-len", 64, "tokens per synthetic prompt")
	benchCmd.Flags().Int("max-tokens", 32, "max generated tokens per request")
	benchCmd.Flags().Int64("seed", 1, "refsampler seed")
	rootCmd.AddCommand(benchCmd)
}

func runBench(cmd *cobra.Command, args []string) error {
	n, _ := cmd.Flags().GetInt("requests")
	promptLen, _ := cmd.Flags().GetInt("prompt-len")
	maxTokens, _ := cmd.Flags().GetInt("max-tokens")
	seed, _ := cmd.Flags().GetInt64("seed")

	log := logutil.NewLogger(cmd.ErrOrStderr(), slog.LevelInfo)

	sampler := refsampler.NewSampler(refsampler.FixedVocabSource(32000, rand.NewSource(uint64(seed))), uint64(seed))

	exec := server.ExecutorFunc(func(ctx context.Context, b batch.Batch) ([]int32, error) {
		out := make([]int32, len(b.ReqUIDs))
		for i, id := range b.ReqUIDs {
			fake := &reqtable.Request{ID: id, Sampling: b.SamplingParamsPerReq[i]}
			tok, err := sampler.Sample(fake, i)
			if err != nil {
				return nil, err
			}
			out[i] = int32(tok)
		}
		return out, nil
	})

	cfg := server.Config{
		PageSize:           1,
		TokenBudget:        512,
		PerRequestChunkCap: 0,
		MaxRunningRequests: n,
		EOSToken:           1<<31 - 1, // unreachable: the synthetic executor never emits it
	}
	builder := &shadow.Comparator{Primary: shadow.BuilderFunc(batch.Build)}
	sched := server.New(cfg, builder, exec, log)

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	var wg sync.WaitGroup
	results := make([]*server.Result, n)
	src := rand.New(rand.NewSource(uint64(seed)))

	start := time.Now()
	go sched.Run(ctx)

	for i := 0; i < n; i++ {
		prompt := make(tokenvec.Vec, promptLen)
		for j := range prompt {
			prompt[j] = tokenvec.TokenId(src.Intn(32000))
		}
		result := &server.Result{}
		results[i] = result
		sub := &server.Submission{
			Prompt:   prompt,
			Sampling: reqtable.SamplingParams{Temperature: 0, MaxTokens: maxTokens},
			Done:     make(chan struct{}),
			Result:   result,
		}
		sched.Submit(sub)

		wg.Add(1)
		go func(done chan struct{}) {
			defer wg.Done()
			<-done
		}(sub.Done)
	}

	waitCh := make(chan struct{})
	go func() {
		wg.Wait()
		close(waitCh)
	}()

	select {
	case <-waitCh:
	case <-time.After(30 * time.Second):
		return fmt.Errorf("bench: timed out waiting for requests to finish")
	}
	cancel()

	elapsed := time.Since(start)
	total := 0
	for _, r := range results {
		total += r.Generated.Len()
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%d requests, %d tokens generated in %s (%s/token avg)\n",
		n, total, format.ExactDuration(elapsed), format.ExactDuration(elapsed/time.Duration(max(total, 1))))
	return nil
}
