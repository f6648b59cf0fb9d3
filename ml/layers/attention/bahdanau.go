// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package attention

import (
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/initializers"
	"github.com/gomlx/squad/ml/layers/dropout"
	"github.com/gomlx/squad/ml/params"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ParamBahdanauSize is the context hyperparameter with the default size of the hidden layer of
// the Bahdanau attention score. The default is 0, meaning the width of the keys.
const ParamBahdanauSize = "bahdanau_size"

// BahdanauConfig is the configuration of a Bahdanau attention layer, created by NewBahdanau.
type BahdanauConfig struct {
	config
	size int
}

// NewBahdanau creates the configuration of an additive attention layer [1], where the score of
// key k and value v is
//
//	score(k, v) = v_a · tanh(W1·v + W2·k)
//
// Keys and values can have different widths. size is the dimension of the projections (and of
// v_a); if size <= 0 it is taken from the context hyperparameter ParamBahdanauSize, and
// otherwise defaults to keyWidth.
//
// [1] "Neural Machine Translation by Jointly Learning to Align and Translate", https://arxiv.org/abs/1409.0473
func NewBahdanau(reg *params.Registry, scope string, keyWidth, valueWidth, size int) *BahdanauConfig {
	c := &BahdanauConfig{config: newConfig(reg, scope, keyWidth, valueWidth), size: size}
	if c.size <= 0 {
		c.size = context.GetParamOr(c.ctx, ParamBahdanauSize, 0)
	}
	if c.size <= 0 {
		c.size = keyWidth
	}
	return c
}

// KeepProb sets the dropout keep probability applied to the output during training.
// The default comes from the context hyperparameter dropout.ParamKeepProb, or 1.0.
func (c *BahdanauConfig) KeepProb(keepProb float64) *BahdanauConfig {
	c.keepProb = keepProb
	return c
}

// Done validates the configuration, declares the parameters "W1", "W2" and "v" and returns the layer.
func (c *BahdanauConfig) Done() (*Bahdanau, error) {
	if err := c.validate(KindBahdanau, false); err != nil {
		return nil, err
	}
	if c.size <= 0 {
		return nil, errors.Errorf("%s %q: size must be > 0, got %d", KindBahdanau, c.reg.Path(), c.size)
	}
	xavier := initializers.XavierUniformFn(c.ctx)
	err := c.reg.Declare(KindBahdanau,
		params.Spec{Name: "W1", Dims: []int{c.valueWidth, c.size}, Initializer: xavier, Regularized: true},
		params.Spec{Name: "W2", Dims: []int{c.keyWidth, c.size}, Initializer: xavier, Regularized: true},
		params.Spec{Name: "v", Dims: []int{c.size}, Initializer: xavier})
	if err != nil {
		return nil, err
	}
	klog.V(1).Infof("attention %q: bahdanau, key width %d, value width %d, size %d",
		c.reg.Path(), c.keyWidth, c.valueWidth, c.size)
	return &Bahdanau{layer: c.layer(), size: c.size}, nil
}

// Bahdanau is an additive attention layer.
type Bahdanau struct {
	layer
	size int
}

// Size of the projections of keys and values.
func (l *Bahdanau) Size() int { return l.size }

// Apply the keys (shaped [batchSize, numKeys, keyWidth]) attending to the values (shaped
// [batchSize, numValues, valueWidth]).
//
// It returns:
//   - attnDist: shaped [batchSize, numKeys, numValues], the softmax of the scores over the valid values.
//   - output: shaped [batchSize, numKeys, valueWidth], the values weighted by attnDist, with
//     dropout if ctx is training.
func (l *Bahdanau) Apply(ctx *context.Context, values, valuesMask, keys *Node) (attnDist, output *Node) {
	l.checkSequence("values", values, valuesMask, l.valueWidth)
	l.checkSequence("keys", keys, nil, l.keyWidth)
	l.checkBatch(values, keys)
	g := values.Graph()
	dtype := values.DType()
	batchSize, numValues := values.Shape().Dimensions[0], values.Shape().Dimensions[1]
	numKeys := keys.Shape().Dimensions[1]

	w1 := l.reg.Value(g, dtype, "W1")
	w2 := l.reg.Value(g, dtype, "W2")
	v := l.reg.Value(g, dtype, "v")
	l.reg.Regularize(ctx, g, dtype)

	// Projections are computed once per key and once per value, and only their sum is
	// broadcast to [batchSize, numKeys, numValues, size].
	projValues := Einsum("bvd,dh->bvh", values, w1)
	projKeys := Einsum("bkd,dh->bkh", keys, w2)
	hidden := Tanh(Add(
		Reshape(projValues, batchSize, 1, numValues, l.size),
		Reshape(projKeys, batchSize, numKeys, 1, l.size)))
	logits := ReduceSum(Mul(hidden, Reshape(v, 1, 1, 1, l.size)), -1)

	attnDist, output = attendValues(logits, values, valuesMask)
	output = dropout.Apply(ctx, output, l.keepProb)
	return
}
