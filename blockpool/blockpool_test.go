package blockpool

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/minicore/cpucore/types/errtypes"
)

func TestAllocateAndRelease(t *testing.T) {
	p := New(4, 1)
	assert.Equal(t, 4, p.Free())
	assert.Equal(t, 0, p.Used())

	h, ok := p.Allocate(3)
	require.True(t, ok)
	assert.Len(t, h, 3)
	assert.Equal(t, 1, p.Free())
	assert.Equal(t, 3, p.Used())

	p.Release(h...)
	assert.Equal(t, 4, p.Free())
	assert.Equal(t, 0, p.Used())
}

func TestAllocateMoreThanFreeFails(t *testing.T) {
	p := New(2, 1)
	h, ok := p.Allocate(3)
	assert.False(t, ok)
	assert.Nil(t, h)
	assert.Equal(t, 2, p.Free())
}

func TestAllocateZeroIsNoOp(t *testing.T) {
	p := New(2, 1)
	h, ok := p.Allocate(0)
	assert.True(t, ok)
	assert.Nil(t, h)
	assert.Equal(t, 2, p.Free())
}

func TestCheckIntegrityDetectsMismatch(t *testing.T) {
	p := New(5, 1)
	p.Allocate(2)
	require.NoError(t, p.CheckIntegrity(2))

	err := p.CheckIntegrity(3)
	require.Error(t, err)
	var integrity *errtypes.IntegrityError
	assert.ErrorAs(t, err, &integrity)
}

func TestPageSizeDefaultsToOne(t *testing.T) {
	p := New(1, 0)
	assert.Equal(t, 1, p.PageSize())
}
