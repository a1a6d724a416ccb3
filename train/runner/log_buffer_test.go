package runner

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/inference-sim/retriever-train/train/internal/testutil"
)

func TestLogBuffer_AverageIsSampleWeighted(t *testing.T) {
	b := NewLogBuffer()
	b.Update(map[string]float64{"loss": 1}, 1)
	b.Update(map[string]float64{"loss": 2}, 3)
	b.Update(map[string]float64{"loss": 4, "acc": 0.5}, 4)
	assert.False(t, b.Ready())

	b.Average(2)
	assert.True(t, b.Ready())
	testutil.AssertFloat64Equal(t, "last two", (2*3+4*4)/7.0, b.Output()["loss"], 1e-12)
	testutil.AssertFloat64Equal(t, "acc", 0.5, b.Output()["acc"], 1e-12)
	assert.Equal(t, []string{"acc", "loss"}, b.Keys())

	b.Average(0)
	testutil.AssertFloat64Equal(t, "all", (1+2*3+4*4)/8.0, b.Output()["loss"], 1e-12)
}

func TestLogBuffer_Clear(t *testing.T) {
	b := NewLogBuffer()
	b.Update(map[string]float64{"loss": 1}, 1)
	b.Average(0)

	b.ClearOutput()
	assert.False(t, b.Ready())
	assert.Empty(t, b.Output())
	assert.Equal(t, []float64{1}, b.History("loss"))

	b.Clear()
	assert.Empty(t, b.History("loss"))
}
