// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package masked

import (
	"math"
	"math/rand"
	"testing"

	"github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/graph/graphtest"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"

	_ "github.com/gomlx/gomlx/backends/default"
)

func TestOffset(t *testing.T) {
	assert.Equal(t, LargeNegative, Offset(dtypes.Float32))
	assert.Equal(t, LargeNegative, Offset(dtypes.Float64))
	half := Offset(dtypes.Float16)
	assert.Equal(t, -65504.0, half)
	// Offset must be finite in float16.
	assert.False(t, math.IsInf(float64(float16.Fromfloat32(float32(half)).Float32()), 0))
	assert.Panics(t, func() { Offset(dtypes.Int32) })
}

func TestSoftmax(t *testing.T) {
	graphtest.RunTestGraphFn(t, "masked.Softmax", func(g *graph.Graph) (inputs, outputs []*graph.Node) {
		logits := graph.Const(g, [][]float32{{1, 2, 3}, {5, -100, 7}})
		mask := graph.Const(g, [][]float32{{1, 1, 0}, {0, 1, 1}})
		maskedLogits, probs := Softmax(logits, mask, -1)
		inputs = []*graph.Node{logits, mask}
		outputs = []*graph.Node{maskedLogits, probs}
		return
	}, []any{
		[][]float32{{1, 2, -1e30}, {-1e30, -100, 7}},
		[][]float32{{0.26894142, 0.73105858, 0}, {0, 0, 1}},
	}, 1e-5)

	// Mask broadcast over the keys axis, and Bool masks.
	graphtest.RunTestGraphFn(t, "masked.Softmax with broadcast", func(g *graph.Graph) (inputs, outputs []*graph.Node) {
		logits := graph.Const(g, [][][]float32{{{0, 0, 9}, {1, 1, 9}}})
		mask := graph.Const(g, [][][]bool{{{true, true, false}}})
		_, probs := Softmax(logits, mask, -1)
		inputs = []*graph.Node{logits, mask}
		outputs = []*graph.Node{probs}
		return
	}, []any{
		[][][]float32{{{0.5, 0.5, 0}, {0.5, 0.5, 0}}},
	}, 1e-6)
}

func TestSoftmaxProperties(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	const batchSize, length = 8, 11
	rng := rand.New(rand.NewSource(42))
	logits := make([][]float32, batchSize)
	mask := make([][]float32, batchSize)
	for ii := range batchSize {
		logits[ii] = make([]float32, length)
		mask[ii] = make([]float32, length)
		validLen := 1 + rng.Intn(length)
		for jj := range length {
			logits[ii][jj] = float32(rng.NormFloat64() * 10)
			if jj < validLen {
				mask[ii][jj] = 1
			}
		}
	}
	exec := graph.NewExec(backend, func(logits, mask *graph.Node) *graph.Node {
		_, probs := Softmax(logits, mask, 1)
		return probs
	})
	probs := exec.Call(logits, mask)[0].Value().([][]float32)
	for ii := range batchSize {
		var sum float64
		for jj := range length {
			if mask[ii][jj] == 0 {
				require.Equalf(t, float32(0), probs[ii][jj], "masked position (%d, %d) must be exactly 0", ii, jj)
				continue
			}
			require.GreaterOrEqual(t, probs[ii][jj], float32(0))
			sum += float64(probs[ii][jj])
		}
		require.InDeltaf(t, 1.0, sum, 1e-5, "row %d", ii)
	}
}

func TestMaskHelpers(t *testing.T) {
	graphtest.RunTestGraphFn(t, "mask helpers", func(g *graph.Graph) (inputs, outputs []*graph.Node) {
		mask := graph.Const(g, [][]float32{{1, 1, 0, 0}, {1, 1, 1, 0}})
		x := graph.Const(g, [][]float32{{3, 1, 7, 8}, {-1, -5, -2, 4}})
		inputs = []*graph.Node{mask, x}
		outputs = []*graph.Node{
			Lengths(mask),
			ToFloat(AppendValid(mask), dtypes.Float32),
			ReduceMax(x, mask, -1),
		}
		return
	}, []any{
		[]int32{2, 3},
		[][]float32{{1, 1, 0, 0, 1}, {1, 1, 1, 0, 1}},
		[]float32{3, -1},
	}, 0)
}

func TestBroadcastErrors(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	for name, maskValue := range map[string]any{
		"rank":       []float32{1, 1, 0},
		"dimensions": [][]float32{{1, 1}},
	} {
		require.Panicsf(t, func() {
			exec := graph.NewExec(backend, func(logits, mask *graph.Node) *graph.Node {
				_, probs := Softmax(logits, mask, -1)
				return probs
			})
			exec.Call([][]float32{{1, 2, 3}}, maskValue)
		}, "mask with wrong %s should panic", name)
	}
}
