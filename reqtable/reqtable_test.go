package reqtable

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/minicore/cpucore/tokenvec"
)

func TestPositionCountsPromptAndGenerated(t *testing.T) {
	r := New(tokenvec.New(1, 2, 3), DefaultSamplingParams())
	assert.Equal(t, 3, r.Position())
	r.AppendGenerated(9)
	assert.Equal(t, 4, r.Position())
}

func TestLastTokenFallsBackToPromptBeforeAnyGeneration(t *testing.T) {
	r := New(tokenvec.New(1, 2, 3), DefaultSamplingParams())
	assert.Equal(t, tokenvec.TokenId(3), r.LastToken())
	r.AppendGenerated(42)
	assert.Equal(t, tokenvec.TokenId(42), r.LastToken())
}

func TestIsTerminalOnEOSUnlessIgnored(t *testing.T) {
	sampling := DefaultSamplingParams()
	sampling.MaxTokens = 100
	r := New(tokenvec.New(1), sampling)
	assert.False(t, r.IsTerminal(7, 99))
	assert.True(t, r.IsTerminal(99, 99))

	r.Sampling.IgnoreEOS = true
	assert.False(t, r.IsTerminal(99, 99))
}

func TestIsTerminalOnMaxTokensRegardlessOfEOS(t *testing.T) {
	sampling := DefaultSamplingParams()
	sampling.MaxTokens = 2
	r := New(tokenvec.New(1), sampling)
	r.AppendGenerated(5)
	r.AppendGenerated(6)
	assert.True(t, r.IsTerminal(5, 99))
}

func TestPromptRemainingTracksPrefillProgress(t *testing.T) {
	r := New(tokenvec.New(1, 2, 3, 4), DefaultSamplingParams())
	assert.Equal(t, 4, r.PromptRemaining())
	r.PrefillProgress = 3
	assert.Equal(t, 1, r.PromptRemaining())
}

func TestTableRemoveDropsFromDecodeOrder(t *testing.T) {
	table := NewTable()
	a := New(tokenvec.New(1), DefaultSamplingParams())
	b := New(tokenvec.New(1), DefaultSamplingParams())
	table.Add(a)
	table.Add(b)
	a.State, b.State = Decoding, Decoding
	table.EnterDecode(a.ID)
	table.EnterDecode(b.ID)

	table.Remove(a.ID)
	_, ok := table.Get(a.ID)
	assert.False(t, ok)
	assert.Equal(t, []*Request{b}, table.DecodeSet())
}

func TestEnterDecodeIsIdempotentAndOrderStable(t *testing.T) {
	table := NewTable()
	a := New(tokenvec.New(1), DefaultSamplingParams())
	b := New(tokenvec.New(1), DefaultSamplingParams())
	table.Add(a)
	table.Add(b)
	a.State, b.State = Decoding, Decoding

	table.EnterDecode(a.ID)
	table.EnterDecode(b.ID)
	table.EnterDecode(a.ID) // repeat entry must not move a to the back

	require.Equal(t, []*Request{a, b}, table.DecodeSet())
}

func TestLeaveDecodeRemovesWithoutAffectingTableMembership(t *testing.T) {
	table := NewTable()
	a := New(tokenvec.New(1), DefaultSamplingParams())
	table.Add(a)
	a.State = Decoding
	table.EnterDecode(a.ID)

	table.LeaveDecode(a.ID)
	assert.Empty(t, table.DecodeSet())
	_, ok := table.Get(a.ID)
	assert.True(t, ok)
}

func TestParseReqIdRoundTripsWithString(t *testing.T) {
	id := NewReqId()
	parsed, err := ParseReqId(id.String())
	require.NoError(t, err)
	assert.Equal(t, id, parsed)
}
