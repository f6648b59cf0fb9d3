// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package attention implements attention layers between two variable-length sequences:
//
//   - Basic: dot-product attention.
//   - Bahdanau: additive attention, with learned projections and scoring vector.
//   - Bidaf: two-way (keys to values and values to keys) attention over a trilinear similarity.
//   - Co: co-attention with sentinels, followed by a bidirectional re-encoding (see package encoder).
//
// The terminology is the one of "X attends to Y": the keys (X) attend to the values (Y). For
// each key, the layers compute an attention distribution over the valid (non-padding) value
// positions, and an output vector aligned with the key.
//
// All layers follow the same pattern: a constructor takes the registry (see package params), the
// scope of the instance and the static feature widths of keys and values, and returns a
// configuration. Its Done method validates it, declares the learned parameters and returns the
// layer, which can be applied any number of times sharing the same weights.
//
// Sequences are shaped [batchSize, length, width] and their masks [batchSize, length], with 1
// (or true) on the valid positions. Every row of a mask must have at least one valid position.
package attention

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/squad/ml/layers/dropout"
	"github.com/gomlx/squad/ml/layers/masked"
	"github.com/gomlx/squad/ml/params"
	"github.com/pkg/errors"
)

// Kinds of the registry scopes owned by each attention layer.
const (
	KindBasic    = "basic_attention"
	KindBahdanau = "bahdanau_attention"
	KindBidaf    = "bidaf_attention"
	KindCo       = "coattention"
)

// config holds what is common to the configuration of all attention layers.
type config struct {
	ctx                  *context.Context
	reg                  *params.Registry
	keyWidth, valueWidth int
	keepProb             float64
}

func newConfig(reg *params.Registry, scope string, keyWidth, valueWidth int) config {
	ctx := reg.Context()
	return config{
		ctx:        ctx,
		reg:        reg.Sub(scope),
		keyWidth:   keyWidth,
		valueWidth: valueWidth,
		keepProb:   dropout.FromContext(ctx),
	}
}

// validate the common configuration. If sameWidth, keys and values must have the same width.
func (c *config) validate(kind string, sameWidth bool) error {
	if c.keyWidth <= 0 || c.valueWidth <= 0 {
		return errors.Errorf("%s %q: keyWidth (%d) and valueWidth (%d) must be > 0",
			kind, c.reg.Path(), c.keyWidth, c.valueWidth)
	}
	if sameWidth && c.keyWidth != c.valueWidth {
		return errors.Errorf("%s %q: keys and values must have the same width, got keyWidth=%d and valueWidth=%d",
			kind, c.reg.Path(), c.keyWidth, c.valueWidth)
	}
	if err := dropout.Validate(c.keepProb); err != nil {
		return errors.WithMessagef(err, "%s %q", kind, c.reg.Path())
	}
	return nil
}

// layer holds what is common to all configured attention layers.
type layer struct {
	reg                  *params.Registry
	keyWidth, valueWidth int
	keepProb             float64
}

func (c *config) layer() layer {
	return layer{reg: c.reg, keyWidth: c.keyWidth, valueWidth: c.valueWidth, keepProb: c.keepProb}
}

// checkSequence panics if x is not shaped [batchSize, length, width] or if mask (when not nil)
// is not shaped [batchSize, length].
func (l *layer) checkSequence(name string, x, mask *Node, width int) {
	if x.Rank() != 3 || x.Shape().Dimensions[2] != width {
		exceptions.Panicf("attention %q: %s must be shaped [batchSize, length, %d], got %s",
			l.reg.Path(), name, width, x.Shape())
	}
	if mask == nil {
		return
	}
	if mask.Rank() != 2 || mask.Shape().Dimensions[0] != x.Shape().Dimensions[0] ||
		mask.Shape().Dimensions[1] != x.Shape().Dimensions[1] {
		exceptions.Panicf("attention %q: %s mask must be shaped [%d, %d], got %s",
			l.reg.Path(), name, x.Shape().Dimensions[0], x.Shape().Dimensions[1], mask.Shape())
	}
}

// checkBatch panics if keys and values have different batch sizes.
func (l *layer) checkBatch(values, keys *Node) {
	if values.Shape().Dimensions[0] != keys.Shape().Dimensions[0] {
		exceptions.Panicf("attention %q: values %s and keys %s have different batch sizes",
			l.reg.Path(), values.Shape(), keys.Shape())
	}
}

// attendValues returns the masked softmax over the values axis of logits shaped
// [batchSize, numKeys, numValues], and the weighted sum of the values for each key.
func attendValues(logits, values, valuesMask *Node) (attnDist, output *Node) {
	batchSize, numValues := values.Shape().Dimensions[0], values.Shape().Dimensions[1]
	logitsMask := Reshape(masked.ToBool(valuesMask), batchSize, 1, numValues)
	_, attnDist = masked.Softmax(logits, logitsMask, -1)
	output = Einsum("bkv,bvd->bkd", attnDist, values)
	return
}
