// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package dropout

import (
	"testing"

	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/graph/graphtest"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/default"
)

func TestValidate(t *testing.T) {
	require.NoError(t, Validate(1))
	require.NoError(t, Validate(0.3))
	require.Error(t, Validate(0))
	require.Error(t, Validate(-0.5))
	require.Error(t, Validate(1.01))
}

func TestFromContext(t *testing.T) {
	ctx := context.New()
	assert.Equal(t, 1.0, FromContext(ctx))
	ctx.SetParam(ParamKeepProb, 0.8)
	assert.Equal(t, 0.8, FromContext(ctx))
}

func TestApply(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	const size = 10_000
	for _, training := range []bool{false, true} {
		ctx := context.New()
		exec := context.NewExec(backend, ctx, func(ctx *context.Context, g *Graph) []*Node {
			ctx.SetTraining(g, training)
			x := Ones(g, shapes.Make(dtypes.Float32, size))
			return []*Node{Apply(ctx, x, 0.5), Apply(ctx, x, 1.0)}
		})
		results := exec.Call()
		dropped := results[0].Value().([]float32)
		untouched := results[1].Value().([]float32)
		var numZeros int
		for ii := range size {
			require.Equal(t, float32(1), untouched[ii])
			if !training {
				require.Equal(t, float32(1), dropped[ii])
				continue
			}
			if dropped[ii] == 0 {
				numZeros++
			} else {
				require.InDelta(t, 2.0, dropped[ii], 1e-6)
			}
		}
		if training {
			assert.InDelta(t, size/2, numZeros, size/10)
		}
	}
}
