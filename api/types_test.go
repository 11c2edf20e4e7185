package api

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/minicore/cpucore/types"
)

func TestGenerateRequestRoundTrip(t *testing.T) {
	req := GenerateRequest{
		Prompt:      []int32{1, 2, 3},
		Temperature: types.NullWithValue(0.7),
		TopK:        types.NullWithValue(40),
		MaxTokens:   types.NullWithValue(128),
	}

	ser, err := json.Marshal(req)
	require.NoError(t, err)

	var dec GenerateRequest
	require.NoError(t, json.Unmarshal(ser, &dec))
	assert.Equal(t, req, dec)
}

func TestGenerateRequestOmittedSamplingFieldsStayUnset(t *testing.T) {
	var req GenerateRequest
	require.NoError(t, json.Unmarshal([]byte(`{"prompt":[1,2]}`), &req))
	// "top_k" absent from the payload entirely: falls through to the
	// caller-supplied default rather than a zero value.
	assert.Equal(t, -1, req.TopK.Value(-1))
}

func TestExecutorRequestAlignment(t *testing.T) {
	raw := `{
		"positions": [0, 1],
		"input_mapping": [5, 6],
		"write_mapping": [0, 1],
		"sampling_params_per_req": [{"temperature": 0, "top_k": -1, "top_p": 1, "seed": 0}],
		"req_uids": ["abc"]
	}`

	var req ExecutorRequest
	require.NoError(t, json.Unmarshal([]byte(raw), &req))
	assert.Len(t, req.Positions, 2)
	assert.Len(t, req.ReqUIDs, 1)
	assert.Equal(t, -1, req.SamplingParamsPerReq[0].TopK)
}

func TestErrorResponseUsesErrorFieldName(t *testing.T) {
	e := ErrorResponse{Message: "capacity exceeded", Code: ErrCodeCapacity}
	ser, err := json.Marshal(e)
	require.NoError(t, err)
	assert.JSONEq(t, `{"error":"capacity exceeded","code":"capacity"}`, string(ser))
}

func TestStatusErrorFormatting(t *testing.T) {
	tests := []struct {
		name string
		err  StatusError
		want string
	}{
		{"both", StatusError{Status: "500 Internal Server Error", ErrorMessage: "boom"}, "500 Internal Server Error: boom"},
		{"status only", StatusError{Status: "503 Service Unavailable"}, "503 Service Unavailable"},
		{"message only", StatusError{ErrorMessage: "boom"}, "boom"},
		{"neither", StatusError{}, "something went wrong, please see the control core logs for details"},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			assert.Equal(t, test.want, test.err.Error())
		})
	}
}
