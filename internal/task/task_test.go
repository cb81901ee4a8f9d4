package task

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStageString(t *testing.T) {
	assert.Equal(t, "decompress", Decompress.String())
	assert.Equal(t, "clean", Clean.String())
	assert.Equal(t, "dedup", Dedup.String())
	assert.Equal(t, "load", Load.String())
	assert.Equal(t, "stage(9)", Stage(9).String())
}

func TestParseStage(t *testing.T) {
	for _, s := range Stages {
		parsed, err := ParseStage(s.String())
		require.NoError(t, err)
		assert.Equal(t, s, parsed)
	}

	_, err := ParseStage("compress")
	assert.ErrorContains(t, err, "unknown stage")
}

func TestPredecessor(t *testing.T) {
	_, ok := Decompress.Predecessor()
	assert.False(t, ok, "decompress has no predecessor")

	prev, ok := Clean.Predecessor()
	require.True(t, ok)
	assert.Equal(t, Decompress, prev)

	prev, ok = Load.Predecessor()
	require.True(t, ok)
	assert.Equal(t, Dedup, prev)
}

func TestJoinsAllPredecessors(t *testing.T) {
	assert.True(t, Load.JoinsAllPredecessors())
	assert.False(t, Clean.JoinsAllPredecessors())
	assert.False(t, Dedup.JoinsAllPredecessors())
}

func TestDescriptorID(t *testing.T) {
	d := Descriptor{Stage: Clean, Key: "2013/july.zip"}
	assert.Equal(t, "clean/2013/july.zip", d.ID())

	stage, key, err := ParseID(d.ID())
	require.NoError(t, err)
	assert.Equal(t, Clean, stage)
	assert.Equal(t, "2013/july.zip", key)
}

func TestParseIDErrors(t *testing.T) {
	_, _, err := ParseID("no-separator")
	assert.ErrorContains(t, err, "malformed")

	_, _, err = ParseID("warp/key")
	assert.ErrorContains(t, err, "unknown stage")
}

func TestDescriptorParam(t *testing.T) {
	d := Descriptor{Stage: Dedup, Key: "a.zip", Params: map[string]string{"keep": "last"}}
	assert.Equal(t, "last", d.Param("keep", "first"))
	assert.Equal(t, "first", d.Param("missing", "first"))
}

func TestSortDescriptors(t *testing.T) {
	descs := []Descriptor{
		{Stage: Load, Key: "run"},
		{Stage: Decompress, Key: "b.zip"},
		{Stage: Decompress, Key: "a.zip"},
		{Stage: Clean, Key: "a.zip"},
	}
	SortDescriptors(descs)

	assert.Equal(t, "decompress/a.zip", descs[0].ID())
	assert.Equal(t, "decompress/b.zip", descs[1].ID())
	assert.Equal(t, "clean/a.zip", descs[2].ID())
	assert.Equal(t, "load/run", descs[3].ID())
}
