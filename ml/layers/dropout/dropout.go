// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package dropout applies dropout configured by a keep probability: the fraction of the
// activations that are passed through (and scaled by 1/keepProb) during training.
//
// Dropout is only applied when the context is marked as training for the graph (see
// context.Context.IsTraining), so evaluation and inference always behave as keepProb=1.
package dropout

import (
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/layers"
	"github.com/pkg/errors"
)

const (
	// ParamKeepProb is the context hyperparameter with the default keep probability used by the
	// attention and encoder layers. It must be in the range (0, 1].
	//
	// The default is 1.0, meaning no dropout.
	ParamKeepProb = "keep_prob"
)

// FromContext returns the keep probability configured in ctx with ParamKeepProb, or 1.0.
func FromContext(ctx *context.Context) float64 {
	return context.GetParamOr(ctx, ParamKeepProb, 1.0)
}

// Validate returns an error if keepProb is not in the range (0, 1].
func Validate(keepProb float64) error {
	if keepProb <= 0 || keepProb > 1 {
		return errors.Errorf("invalid keep probability %g, it must be in the range (0, 1]", keepProb)
	}
	return nil
}

// Apply dropout to x, keeping each value with probability keepProb.
//
// It's a no-op if keepProb >= 1 or if ctx is not training.
func Apply(ctx *context.Context, x *Node, keepProb float64) *Node {
	if keepProb >= 1 {
		return x
	}
	return layers.DropoutStatic(ctx, x, 1-keepProb)
}
