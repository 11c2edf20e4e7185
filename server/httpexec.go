package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/minicore/cpucore/api"
	"github.com/minicore/cpucore/batch"
)

// HTTPExecutor round-trips a Batch to a GPU worker over HTTP, matching
// spec.md §6's wire payload shape. It implements Executor.
type HTTPExecutor struct {
	URL    string
	Client *http.Client
}

// NewHTTPExecutor returns an HTTPExecutor posting to url, using
// http.DefaultClient if client is nil.
func NewHTTPExecutor(url string, client *http.Client) *HTTPExecutor {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPExecutor{URL: url, Client: client}
}

func (e *HTTPExecutor) Run(ctx context.Context, b batch.Batch) ([]int32, error) {
	req := toExecutorRequest(b)

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode executor request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build executor request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := e.Client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("executor round-trip: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("executor returned status %d", resp.StatusCode)
	}

	var out api.ExecutorResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode executor response: %w", err)
	}
	return out.NextTokens, nil
}

func toExecutorRequest(b batch.Batch) api.ExecutorRequest {
	req := api.ExecutorRequest{
		Positions:    b.Positions,
		InputMapping: b.InputMapping,
		WriteMapping: b.WriteMapping,
		ReqUIDs:      make([]string, len(b.ReqUIDs)),
	}
	for i, id := range b.ReqUIDs {
		req.ReqUIDs[i] = id.String()
	}
	req.SamplingParamsPerReq = make([]api.WireSamplingParams, len(b.SamplingParamsPerReq))
	for i, sp := range b.SamplingParamsPerReq {
		req.SamplingParamsPerReq[i] = api.WireSamplingParams{
			Temperature: sp.Temperature,
			TopK:        sp.TopK,
			TopP:        sp.TopP,
			Seed:        sp.Seed,
		}
	}
	return req
}
