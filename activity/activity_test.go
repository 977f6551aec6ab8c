package activity

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetadataIndex(t *testing.T) {
	a := &Activity{}
	AddMetadata(a, "Input Dims", "[[1, 2]]")
	SetIndex(a, 4)
	AddMetadata(a, "Call stack", `"a.py(3): f"`)

	assert.Equal(t, `"Input Dims": [[1, 2]], "Profiler Event Index": 4, "Call stack": "a.py(3): f"`, a.Metadata)

	idx, ok := Index(a.Metadata)
	require.True(t, ok)
	assert.Equal(t, 4, idx)
}

func TestMetadataIndexMissing(t *testing.T) {
	for _, md := range []string{
		"",
		`"other": 1`,
		`"Profiler Event Index": "x"`,
		`"Profiler Event Index": -1`,
		`not json`,
	} {
		_, ok := Index(md)
		assert.False(t, ok, "metadata %q", md)
	}
}

func TestMemoryLinksByCorrelation(t *testing.T) {
	for _, copyActivities := range []bool{false, true} {
		m := NewMemory(1)
		m.CopyActivities = copyActivities

		cpu := NewCPUTrace(0, "test")
		op := cpu.AddCPUActivity("aten::add", TypeCPUOp, m.RecordThread(7), 42, 10, 20)
		SetIndex(op, 0)
		m.Transfer(cpu, 100)

		kernel := &Activity{Name: "kernel", Type: TypeConcurrentKernel, Timestamp: 15, Duration: 3, CorrelationID: 42}
		m.Add(kernel)

		tr, err := m.Stop()
		require.NoError(t, err)
		acts := tr.Activities()
		require.Len(t, acts, 2)
		require.NotNil(t, kernel.Linked)
		assert.Equal(t, "aten::add", kernel.Linked.Name)
		if copyActivities {
			assert.NotSame(t, op, acts[0])
		} else {
			assert.Same(t, op, acts[0])
		}
		assert.Same(t, acts[0], kernel.Linked)

		_, err = m.Stop()
		assert.Error(t, err)
	}
}

func TestTypeClassification(t *testing.T) {
	assert.True(t, TypeCPUOp.CPUSide())
	assert.True(t, TypePythonFunction.CPUSide())
	assert.False(t, TypeConcurrentKernel.CPUSide())
	assert.True(t, TypeConcurrentKernel.OnDevice())
	assert.False(t, TypeCUDARuntime.OnDevice())
	assert.Equal(t, "kernel", TypeConcurrentKernel.String())
	assert.Equal(t, "Type(200)", Type(200).String())
}
