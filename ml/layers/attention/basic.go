// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package attention

import (
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/squad/ml/layers/dropout"
	"github.com/gomlx/squad/ml/params"
	"k8s.io/klog/v2"
)

// BasicConfig is the configuration of a Basic attention layer, created by NewBasic.
type BasicConfig struct {
	config
}

// NewBasic creates the configuration of a dot-product attention layer. keyWidth and valueWidth
// must be equal.
func NewBasic(reg *params.Registry, scope string, keyWidth, valueWidth int) *BasicConfig {
	return &BasicConfig{config: newConfig(reg, scope, keyWidth, valueWidth)}
}

// KeepProb sets the dropout keep probability applied to the output during training.
// The default comes from the context hyperparameter dropout.ParamKeepProb, or 1.0.
func (c *BasicConfig) KeepProb(keepProb float64) *BasicConfig {
	c.keepProb = keepProb
	return c
}

// Done validates the configuration and returns the layer.
//
// Basic attention has no learned parameters, but its scope is still reserved in the registry.
func (c *BasicConfig) Done() (*Basic, error) {
	if err := c.validate(KindBasic, true); err != nil {
		return nil, err
	}
	if err := c.reg.Declare(KindBasic); err != nil {
		return nil, err
	}
	klog.V(1).Infof("attention %q: basic, width %d", c.reg.Path(), c.keyWidth)
	return &Basic{layer: c.layer()}, nil
}

// Basic is a dot-product attention layer.
type Basic struct {
	layer
}

// Apply the keys (shaped [batchSize, numKeys, width]) attending to the values (shaped
// [batchSize, numValues, width]).
//
// It returns:
//   - attnDist: shaped [batchSize, numKeys, numValues], the softmax over the valid values of the
//     dot product of each key and value.
//   - output: shaped [batchSize, numKeys, width], the values weighted by attnDist, with dropout
//     if ctx is training.
func (l *Basic) Apply(ctx *context.Context, values, valuesMask, keys *Node) (attnDist, output *Node) {
	l.checkSequence("values", values, valuesMask, l.valueWidth)
	l.checkSequence("keys", keys, nil, l.keyWidth)
	l.checkBatch(values, keys)

	logits := Einsum("bkd,bvd->bkv", keys, values)
	attnDist, output = attendValues(logits, values, valuesMask)
	output = dropout.Apply(ctx, output, l.keepProb)
	return
}
