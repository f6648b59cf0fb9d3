// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package attention

import (
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/initializers"
	"github.com/gomlx/squad/ml/layers/dropout"
	"github.com/gomlx/squad/ml/layers/masked"
	"github.com/gomlx/squad/ml/params"
	"k8s.io/klog/v2"
)

// BidafConfig is the configuration of a Bidaf attention layer, created by NewBidaf.
type BidafConfig struct {
	config
}

// NewBidaf creates the configuration of a BiDAF [1] attention layer. keyWidth and valueWidth
// must be equal.
//
// The similarity between key k and value v is trilinear:
//
//	sim(k, v) = w1·k + w2·v + (w3 ⊙ k)·v
//
// [1] "Bidirectional Attention Flow for Machine Comprehension", https://arxiv.org/abs/1611.01603
func NewBidaf(reg *params.Registry, scope string, keyWidth, valueWidth int) *BidafConfig {
	return &BidafConfig{config: newConfig(reg, scope, keyWidth, valueWidth)}
}

// KeepProb sets the dropout keep probability applied to the output during training.
// The default comes from the context hyperparameter dropout.ParamKeepProb, or 1.0.
func (c *BidafConfig) KeepProb(keepProb float64) *BidafConfig {
	c.keepProb = keepProb
	return c
}

// Done validates the configuration, declares the parameters "w_sim1", "w_sim2" and "w_sim3" and
// returns the layer.
func (c *BidafConfig) Done() (*Bidaf, error) {
	if err := c.validate(KindBidaf, true); err != nil {
		return nil, err
	}
	xavier := initializers.XavierUniformFn(c.ctx)
	err := c.reg.Declare(KindBidaf,
		params.Spec{Name: "w_sim1", Dims: []int{c.keyWidth}, Initializer: xavier},
		params.Spec{Name: "w_sim2", Dims: []int{c.keyWidth}, Initializer: xavier},
		params.Spec{Name: "w_sim3", Dims: []int{c.keyWidth}, Initializer: xavier})
	if err != nil {
		return nil, err
	}
	klog.V(1).Infof("attention %q: bidaf, width %d", c.reg.Path(), c.keyWidth)
	return &Bidaf{layer: c.layer()}, nil
}

// Bidaf is a two-way attention layer.
type Bidaf struct {
	layer
}

// Apply the two-way attention between keys (shaped [batchSize, numKeys, width]) and values
// (shaped [batchSize, numValues, width]).
//
// From the similarity matrix sim shaped [batchSize, numKeys, numValues]:
//
//   - keys to values: c2q = softmax of sim over the valid values; alpha = c2q·values.
//   - values to keys: m = max of sim over the valid values, for each key; q2cDist = softmax of m
//     over the valid keys; c = q2cDist·keys, one vector per example, broadcast to every key.
//
// It returns:
//   - q2cDist: shaped [batchSize, numKeys], the values to keys distribution. Notice the keys to
//     values distribution is not returned.
//   - output: shaped [batchSize, numKeys, 3*width], the concatenation of
//     [alpha, keys ⊙ alpha, keys ⊙ c], with dropout if ctx is training.
func (l *Bidaf) Apply(ctx *context.Context, values, valuesMask, keys, keysMask *Node) (q2cDist, output *Node) {
	l.checkSequence("values", values, valuesMask, l.valueWidth)
	l.checkSequence("keys", keys, keysMask, l.keyWidth)
	l.checkBatch(values, keys)
	g := values.Graph()
	dtype := values.DType()
	batchSize, numValues := values.Shape().Dimensions[0], values.Shape().Dimensions[1]
	numKeys := keys.Shape().Dimensions[1]
	width := l.keyWidth

	w1 := Reshape(l.reg.Value(g, dtype, "w_sim1"), 1, 1, width)
	w2 := Reshape(l.reg.Value(g, dtype, "w_sim2"), 1, 1, width)
	w3 := Reshape(l.reg.Value(g, dtype, "w_sim3"), 1, 1, width)

	// Similarity: [batchSize, numKeys, numValues]
	simKeys := ReduceSum(Mul(keys, w1), -1)
	simValues := ReduceSum(Mul(values, w2), -1)
	sim := Einsum("bkd,bvd->bkv", Mul(keys, w3), values)
	sim = Add(sim, Reshape(simKeys, batchSize, numKeys, 1))
	sim = Add(sim, Reshape(simValues, batchSize, 1, numValues))

	// Keys to values.
	_, alpha := attendValues(sim, values, valuesMask)

	// Values to keys.
	valuesMaskPerKey := Reshape(masked.ToBool(valuesMask), batchSize, 1, numValues)
	maxSim := masked.ReduceMax(sim, valuesMaskPerKey, -1)
	_, q2cDist = masked.Softmax(maxSim, keysMask, -1)
	c := ReduceSum(Mul(keys, Reshape(q2cDist, batchSize, numKeys, 1)), 1)
	c = Reshape(c, batchSize, 1, width)

	output = Concatenate([]*Node{alpha, Mul(keys, alpha), Mul(keys, c)}, -1)
	output = dropout.Apply(ctx, output, l.keepProb)
	return
}
