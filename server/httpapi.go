package server

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/minicore/cpucore/api"
	"github.com/minicore/cpucore/reqtable"
	"github.com/minicore/cpucore/tokenvec"
	"github.com/minicore/cpucore/types/syncmap"
)

// active tracks in-flight HTTP /generate calls by request id, so
// DELETE /generate/{id} can distinguish "no such request" from "this
// request already finished" without reaching into Scheduler state
// that is only safe to touch from its own goroutine.
var active = syncmap.NewSyncMap[reqtable.ReqId, struct{}]()

// NewHTTPHandler wires the control core's own client-facing surface:
// POST /generate submits a request and blocks until it reaches a
// terminal state; DELETE /generate/{id} requests early cancellation;
// GET /status reports cache/pool sizing.
func NewHTTPHandler(s *Scheduler) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/generate", handleGenerate(s))
	mux.HandleFunc("/generate/", handleAbort(s))
	mux.HandleFunc("/status", handleStatus(s))
	return mux
}

func handleGenerate(s *Scheduler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		var req api.GenerateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, api.ErrCodeBadPayload, err.Error())
			return
		}

		prompt := make(tokenvec.Vec, len(req.Prompt))
		for i, t := range req.Prompt {
			prompt[i] = tokenvec.TokenId(t)
		}

		defaults := reqtable.DefaultSamplingParams()
		sampling := reqtable.SamplingParams{
			Temperature: req.Temperature.Value(defaults.Temperature),
			TopK:        req.TopK.Value(defaults.TopK),
			TopP:        req.TopP.Value(defaults.TopP),
			Seed:        req.Seed,
			MaxTokens:   req.MaxTokens.Value(defaults.MaxTokens),
			IgnoreEOS:   req.IgnoreEOS,
		}

		result := &Result{}
		sub := &Submission{
			Prompt:   prompt,
			Sampling: sampling,
			Done:     make(chan struct{}),
			Result:   result,
		}
		s.Submit(sub)
		active.Store(sub.ID, struct{}{})
		defer active.Delete(sub.ID)

		select {
		case <-sub.Done:
		case <-r.Context().Done():
			s.RequestAbort(sub.ID)
			return
		}

		resp := api.GenerateResponse{
			ReqID:     sub.ID.String(),
			Generated: toInt32(result.Generated),
			State:     result.State.String(),
		}
		if result.Err != nil {
			resp.Error = result.Err.Error()
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func handleAbort(s *Scheduler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		idStr := strings.TrimPrefix(r.URL.Path, "/generate/")
		id, err := reqtable.ParseReqId(idStr)
		if err != nil {
			writeError(w, http.StatusBadRequest, api.ErrCodeBadPayload, "malformed req_uid")
			return
		}

		if _, ok := active.Load(id); !ok {
			http.Error(w, "no such in-flight request", http.StatusNotFound)
			return
		}

		s.RequestAbort(id)
		w.WriteHeader(http.StatusAccepted)
	}
}

func handleStatus(s *Scheduler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap, err := s.Status(r.Context())
		if err != nil {
			writeError(w, http.StatusServiceUnavailable, api.ErrCodeGeneral, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, api.StatusResponse{
			CacheBlocksTotal:     snap.Cache.TotalBlocks,
			CacheBlocksEvictable: snap.Cache.EvictableBlocks,
			CacheBlocksProtected: snap.Cache.ProtectedBlocks,
			BlockPoolUsed:        snap.PoolUsed,
			BlockPoolFree:        snap.PoolFree,
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code api.ErrorCode, msg string) {
	writeJSON(w, status, api.ErrorResponse{Message: msg, Code: code})
}

func toInt32(v tokenvec.Vec) []int32 {
	out := make([]int32, len(v))
	for i, t := range v {
		out[i] = int32(t)
	}
	return out
}
