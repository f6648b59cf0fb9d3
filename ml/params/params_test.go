// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package params

import (
	"strings"
	"sync"
	"testing"

	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/graph/graphtest"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/initializers"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/default"
)

func TestDeclare(t *testing.T) {
	reg := New(context.New())
	attn := reg.Sub("attn")
	specs := []Spec{
		{Name: "w1", Dims: []int{4, 3}, Regularized: true},
		{Name: "v", Dims: []int{3}},
	}
	require.NoError(t, attn.Declare("bahdanau", specs...))
	assert.Equal(t, "attn", attn.Path())
	assert.Equal(t, "bahdanau", attn.Kind())

	// Same declaration shares the scope.
	require.NoError(t, reg.Sub("attn").Declare("bahdanau", specs...))
	assert.Equal(t, []string{"attn"}, reg.Scopes())
	assert.Equal(t, 15, reg.NumParameters())

	// Incompatible declarations.
	err := attn.Declare("bahdanau", Spec{Name: "w1", Dims: []int{4, 5}}, Spec{Name: "v", Dims: []int{3}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrIncompatible))
	assert.Contains(t, err.Error(), `"w1"`)

	err = attn.Declare("basic", specs...)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrIncompatible))

	err = attn.Declare("bahdanau", specs[0])
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrIncompatible))

	err = attn.Declare("bahdanau", specs[0], Spec{Name: "u", Dims: []int{3}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrIncompatible))

	// Invalid declarations are not incompatibilities.
	err = reg.Declare("root", specs...)
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrIncompatible))
	require.Error(t, reg.Sub("a/b").Declare("x", specs...))
	require.Error(t, reg.Sub("").Declare("x", specs...))
	require.Error(t, reg.Sub("x").Declare("x", Spec{Name: "w", Dims: []int{0}}))
	require.Error(t, reg.Sub("x").Declare("x", Spec{Name: "w", Dims: []int{1}}, Spec{Name: "w", Dims: []int{1}}))
	assert.Equal(t, []string{"attn"}, reg.Scopes())
}

func TestNestedScopes(t *testing.T) {
	reg := New(context.New())
	co := reg.Sub("coattn")
	require.NoError(t, co.Declare("coattention", Spec{Name: "weights", Dims: []int{2, 2}}))
	enc := co.Sub("encoder")
	require.NoError(t, enc.Declare("encoder", Spec{Name: "inputs_w", Dims: []int{10}}))
	require.NoError(t, reg.Sub("classifier").Declare("classifier", Spec{Name: "weights", Dims: []int{7}}))

	assert.Equal(t, "coattn/encoder", enc.Path())
	assert.Equal(t, []string{"coattn", "coattn/encoder", "classifier"}, reg.Scopes())
	assert.Equal(t, []string{"coattn", "coattn/encoder"}, co.Scopes())
	assert.Equal(t, 14, co.NumParameters())
	assert.Equal(t, 21, reg.NumParameters())
	assert.Equal(t, 10, enc.NumParameters())

	summary := reg.String()
	assert.Equal(t, 3, strings.Count(summary, "\n"))
	assert.Contains(t, summary, "coattn/encoder")
	assert.Contains(t, summary, "weights[2 2]")
	reg.LogSummary()
}

func TestValueReuse(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	reg := New(ctx)
	layer := reg.Sub("layer")
	require.NoError(t, layer.Declare("test",
		Spec{Name: "ones", Dims: []int{2, 3}, Initializer: initializers.One},
		Spec{Name: "default", Dims: []int{3}}))

	exec := context.NewExec(backend, ctx, func(ctx *context.Context, x *Node) []*Node {
		g := x.Graph()
		ones := layer.Value(g, dtypes.Float32, "ones")
		again := reg.Sub("layer").Value(g, dtypes.Float32, "ones")
		return []*Node{Einsum("bi,ij->bj", x, ones), again}
	})
	results := exec.Call([][]float32{{1, 2}})
	assert.Equal(t, [][]float32{{3, 3, 3}}, results[0].Value())
	assert.Equal(t, [][]float32{{1, 1, 1}, {1, 1, 1}}, results[1].Value())

	// Only the declared variables exist in the context, created once.
	var names []string
	ctx.EnumerateVariables(func(v *context.Variable) {
		names = append(names, v.Scope()+"/"+v.Name())
	})
	assert.Equal(t, []string{"/layer/ones"}, names)

	require.Panics(t, func() {
		_ = context.NewExec(backend, ctx, func(ctx *context.Context, x *Node) *Node {
			return layer.Value(x.Graph(), dtypes.Float32, "missing")
		}).Call([]float32{1})
	})
}

func TestConcurrentDeclare(t *testing.T) {
	reg := New(context.New())
	var wg sync.WaitGroup
	errs := make([]error, 16)
	for ii := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[ii] = reg.Sub("shared").Declare("test", Spec{Name: "w", Dims: []int{8, 8}})
		}()
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}
	assert.Equal(t, 64, reg.NumParameters())
}
