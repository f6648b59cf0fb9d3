// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package attention

import (
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/initializers"
	"github.com/gomlx/squad/ml/layers/encoder"
	"github.com/gomlx/squad/ml/layers/masked"
	"github.com/gomlx/squad/ml/params"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// CoEncoderScope is the sub-scope of a co-attention layer that owns its encoder.
const CoEncoderScope = "encoder"

// CoConfig is the configuration of a Co attention layer, created by NewCo.
type CoConfig struct {
	config
}

// NewCo creates the configuration of a co-attention [1] layer. keyWidth and valueWidth must be
// equal.
//
// Besides its own parameters, a co-attention layer owns a single-layer bidirectional encoder (see
// package encoder) in the sub-scope CoEncoderScope, with input size 2*width and hidden size
// width.
//
// [1] "Dynamic Coattention Networks For Question Answering", https://arxiv.org/abs/1611.01604
func NewCo(reg *params.Registry, scope string, keyWidth, valueWidth int) *CoConfig {
	return &CoConfig{config: newConfig(reg, scope, keyWidth, valueWidth)}
}

// KeepProb sets the dropout keep probability of the encoder, applied during training.
// The default comes from the context hyperparameter dropout.ParamKeepProb, or 1.0.
func (c *CoConfig) KeepProb(keepProb float64) *CoConfig {
	c.keepProb = keepProb
	return c
}

// Done validates the configuration, declares the parameters "weights", "bias",
// "context_sentinel" and "question_sentinel", configures the encoder and returns the layer.
func (c *CoConfig) Done() (*Co, error) {
	if err := c.validate(KindCo, true); err != nil {
		return nil, err
	}
	width := c.valueWidth
	xavier := initializers.XavierUniformFn(c.ctx)
	err := c.reg.Declare(KindCo,
		params.Spec{Name: "weights", Dims: []int{width, width}, Initializer: xavier, Regularized: true},
		params.Spec{Name: "bias", Dims: []int{width}, Initializer: initializers.Zero},
		params.Spec{Name: "context_sentinel", Dims: []int{c.keyWidth}, Initializer: xavier},
		params.Spec{Name: "question_sentinel", Dims: []int{width}, Initializer: xavier})
	if err != nil {
		return nil, err
	}
	enc, err := encoder.New(c.reg, CoEncoderScope, 2*width, width).KeepProb(c.keepProb).Done()
	if err != nil {
		return nil, errors.WithMessagef(err, "%s %q", KindCo, c.reg.Path())
	}
	klog.V(1).Infof("attention %q: coattention, width %d", c.reg.Path(), width)
	return &Co{layer: c.layer(), encoder: enc}, nil
}

// Co is a co-attention layer.
type Co struct {
	layer
	encoder *encoder.Encoder
}

// Apply the co-attention between keys (the context, shaped [batchSize, numKeys, width]) and
// values (the question, shaped [batchSize, numValues, width]).
//
// A learned sentinel vector is appended to the keys and another to the values, each treated as
// an extra valid position. With the extended sequences:
//
//   - The values are projected: proj = tanh(values·W + b).
//   - The affinity between each key and projected value is their dot product, L shaped
//     [batchSize, numKeys+1, numValues+1].
//   - c2qDist is the softmax of L over the valid values, and q2cDist the softmax of L over the
//     valid keys.
//   - c2qOutput = c2qDist·values, q2cOutput = q2cDist·keys (one per value) and
//     coOutput = c2qDist·q2cOutput.
//
// The sentinel key row is dropped from [c2qOutput, coOutput], which is then encoded with
// keysMask.
//
// It returns:
//   - c2qDist: shaped [batchSize, numKeys+1, numValues+1], including the sentinels.
//   - output: shaped [batchSize, numKeys, 2*width], the encoded co-attention.
func (l *Co) Apply(ctx *context.Context, values, valuesMask, keys, keysMask *Node) (c2qDist, output *Node) {
	l.checkSequence("values", values, valuesMask, l.valueWidth)
	l.checkSequence("keys", keys, keysMask, l.keyWidth)
	l.checkBatch(values, keys)
	g := values.Graph()
	dtype := values.DType()
	batchSize, numValues := values.Shape().Dimensions[0], values.Shape().Dimensions[1]
	numKeys := keys.Shape().Dimensions[1]
	width := l.valueWidth
	klog.V(2).Infof("attention %q: coattention of keys %s and values %s", l.reg.Path(), keys.Shape(), values.Shape())

	appendSentinel := func(x *Node, name string) *Node {
		sentinel := l.reg.Value(g, dtype, name)
		sentinel = BroadcastToDims(Reshape(sentinel, 1, 1, width), batchSize, 1, width)
		return Concatenate([]*Node{x, sentinel}, 1)
	}
	extKeys := appendSentinel(keys, "context_sentinel")
	extValues := appendSentinel(values, "question_sentinel")
	extKeysMask := masked.AppendValid(keysMask)
	extValuesMask := masked.AppendValid(valuesMask)

	weights := l.reg.Value(g, dtype, "weights")
	bias := Reshape(l.reg.Value(g, dtype, "bias"), 1, 1, width)
	l.reg.Regularize(ctx, g, dtype)
	projValues := Tanh(Add(Einsum("bvd,de->bve", extValues, weights), bias))

	// Affinity: [batchSize, numKeys+1, numValues+1]
	affinity := Einsum("bkd,bvd->bkv", extKeys, projValues)
	_, c2qDist = masked.Softmax(affinity,
		Reshape(extValuesMask, batchSize, 1, numValues+1), -1)
	_, q2cDist := masked.Softmax(TransposeAllDims(affinity, 0, 2, 1),
		Reshape(extKeysMask, batchSize, 1, numKeys+1), -1)

	c2qOutput := Einsum("bkv,bvd->bkd", c2qDist, extValues)
	q2cOutput := Einsum("bvk,bkd->bvd", q2cDist, extKeys)
	coOutput := Einsum("bkv,bvd->bkd", c2qDist, q2cOutput)

	// Drop the sentinel key.
	coInput := Concatenate([]*Node{c2qOutput, coOutput}, -1)
	coInput = Slice(coInput, AxisRange(), AxisRange(0, numKeys))
	output = l.encoder.Apply(ctx, coInput, keysMask)
	return
}
