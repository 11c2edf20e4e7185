package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/minicore/cpucore/api"
	"github.com/minicore/cpucore/reqtable"
)

func TestHandleGenerateWaitsForCompletion(t *testing.T) {
	s := newTestScheduler(t, 16, 16, 8, greedyExec(999999)) // 999999 is newTestScheduler's EOSToken
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	srv := httptest.NewServer(NewHTTPHandler(s))
	defer srv.Close()

	body, _ := json.Marshal(api.GenerateRequest{Prompt: []int32{1, 2, 3}})
	resp, err := http.Post(srv.URL+"/generate", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	var out api.GenerateResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, "finished", out.State)
	assert.NotEmpty(t, out.ReqID)
	assert.Equal(t, []int32{999999}, out.Generated)
}

func TestHandleAbortReturns404ForUnknownRequest(t *testing.T) {
	s := newTestScheduler(t, 16, 16, 8, greedyExec(1))
	srv := httptest.NewServer(NewHTTPHandler(s))
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/generate/"+reqtable.NewReqId().String(), nil)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHandleAbortMalformedIDIsBadRequest(t *testing.T) {
	s := newTestScheduler(t, 16, 16, 8, greedyExec(1))
	srv := httptest.NewServer(NewHTTPHandler(s))
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/generate/not-a-uuid", nil)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

// TestHandleAbortAcceptsRegisteredInFlightRequest exercises the 202
// path directly against the active-request registry: handleGenerate is
// the only production writer of that registry, so this simulates its
// Store the same way a real in-flight /generate call would.
func TestHandleAbortAcceptsRegisteredInFlightRequest(t *testing.T) {
	s := newTestScheduler(t, 16, 16, 8, greedyExec(1))
	srv := httptest.NewServer(NewHTTPHandler(s))
	defer srv.Close()

	id := reqtable.NewReqId()
	active.Store(id, struct{}{})
	defer active.Delete(id)

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/generate/"+id.String(), nil)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
}

func TestHandleStatusReportsSizing(t *testing.T) {
	s := newTestScheduler(t, 16, 16, 8, greedyExec(1))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	srv := httptest.NewServer(NewHTTPHandler(s))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()

	var out api.StatusResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, 0, out.CacheBlocksTotal)
	assert.Positive(t, out.BlockPoolFree)
}

func TestHandleGenerateRejectsMalformedJSON(t *testing.T) {
	s := newTestScheduler(t, 16, 16, 8, greedyExec(1))
	srv := httptest.NewServer(NewHTTPHandler(s))
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/generate", "application/json", bytes.NewReader([]byte("{not json")))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
