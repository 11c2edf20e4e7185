package shadow

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/minicore/cpucore/admission"
	"github.com/minicore/cpucore/batch"
	"github.com/minicore/cpucore/blockpool"
	"github.com/minicore/cpucore/reqtable"
)

func fixedBuilder(b batch.Batch) Builder {
	return BuilderFunc(func([]admission.ScheduledReq, *reqtable.Table, []*reqtable.Request, map[reqtable.ReqId]blockpool.Handle) batch.Batch {
		return b
	})
}

func TestBuildReturnsPrimaryEvenWhenShadowDiverges(t *testing.T) {
	primary := batch.Batch{Positions: []int32{0, 1}}
	shadowB := batch.Batch{Positions: []int32{0, 9}}

	c := &Comparator{Primary: fixedBuilder(primary), Shadow: fixedBuilder(shadowB), Enabled: true}
	got := c.Build(nil, nil, nil, nil)

	assert.Equal(t, primary, got)
	require.Len(t, c.Divergences(), 1)
	assert.Equal(t, KindPositions, c.Divergences()[0].Kind)
	assert.Equal(t, int32(1), c.Divergences()[0].PrimaryValue)
	assert.Equal(t, int32(9), c.Divergences()[0].ShadowValue)
}

func TestBuildSkipsShadowWhenDisabled(t *testing.T) {
	primary := batch.Batch{Positions: []int32{0}}
	shadowB := batch.Batch{Positions: []int32{1}}

	c := &Comparator{Primary: fixedBuilder(primary), Shadow: fixedBuilder(shadowB), Enabled: false}
	c.Build(nil, nil, nil, nil)

	assert.Empty(t, c.Divergences())
}

func TestBuildRunsShadowOnlyEveryNCalls(t *testing.T) {
	primary := batch.Batch{Positions: []int32{0}}
	shadowB := batch.Batch{Positions: []int32{1}}

	c := &Comparator{Primary: fixedBuilder(primary), Shadow: fixedBuilder(shadowB), Enabled: true, EveryN: 2}
	c.Build(nil, nil, nil, nil) // call 1: skipped
	assert.Empty(t, c.Divergences())
	c.Build(nil, nil, nil, nil) // call 2: runs
	assert.Len(t, c.Divergences(), 1)
}

func TestBuildCapsDivergencesAtMaxDiffs(t *testing.T) {
	primary := batch.Batch{Positions: []int32{0, 0, 0}}
	shadowB := batch.Batch{Positions: []int32{1, 1, 1}}

	c := &Comparator{Primary: fixedBuilder(primary), Shadow: fixedBuilder(shadowB), Enabled: true, MaxDiffs: 2}
	c.Build(nil, nil, nil, nil)

	assert.Len(t, c.Divergences(), 2)
}

func TestBuildRecoversFromShadowPanic(t *testing.T) {
	primary := batch.Batch{Positions: []int32{0}}
	panicky := BuilderFunc(func([]admission.ScheduledReq, *reqtable.Table, []*reqtable.Request, map[reqtable.ReqId]blockpool.Handle) batch.Batch {
		panic("boom")
	})

	c := &Comparator{Primary: fixedBuilder(primary), Shadow: panicky, Enabled: true}
	got := c.Build(nil, nil, nil, nil)

	assert.Equal(t, primary, got)
	assert.Empty(t, c.Divergences())
}

func TestReportWriterEmitsOneJSONLinePerDivergence(t *testing.T) {
	primary := batch.Batch{Positions: []int32{0}}
	shadowB := batch.Batch{Positions: []int32{5}}
	var buf bytes.Buffer

	c := &Comparator{Primary: fixedBuilder(primary), Shadow: fixedBuilder(shadowB), Enabled: true, ReportWriter: &buf}
	c.Build(nil, nil, nil, nil)

	var d Divergence
	require.NoError(t, json.Unmarshal(buf.Bytes(), &d))
	assert.Equal(t, KindPositions, d.Kind)
}

func TestSignatureIsStableAndSensitiveToOrder(t *testing.T) {
	a := Signature([]int32{1, 2, 3})
	b := Signature([]int32{1, 2, 3})
	c := Signature([]int32{3, 2, 1})
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}
