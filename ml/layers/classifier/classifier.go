// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package classifier implements the per-position softmax classifier used to predict answer
// span boundaries, and the decoding of the best span from the start and end distributions.
package classifier

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context/initializers"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/squad/ml/layers/masked"
	"github.com/gomlx/squad/ml/params"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Kind of the registry scopes owned by a Classifier.
const Kind = "softmax_classifier"

// Classifier projects each position of a sequence to a single logit, and takes the softmax over
// the valid positions.
type Classifier struct {
	reg        *params.Registry
	hiddenSize int
}

// New creates a classifier for sequences with hiddenSize features, with its parameters
// "weights" (shaped [hiddenSize]) and "bias" (shaped [1]) owned by reg.Sub(scope).
func New(reg *params.Registry, scope string, hiddenSize int) (*Classifier, error) {
	sub := reg.Sub(scope)
	if hiddenSize <= 0 {
		return nil, errors.Errorf("%s %q: hiddenSize must be > 0, got %d", Kind, sub.Path(), hiddenSize)
	}
	err := sub.Declare(Kind,
		params.Spec{Name: "weights", Dims: []int{hiddenSize}, Initializer: initializers.XavierUniformFn(reg.Context())},
		params.Spec{Name: "bias", Dims: []int{1}, Initializer: initializers.Zero})
	if err != nil {
		return nil, err
	}
	klog.V(1).Infof("classifier %q: hidden size %d", sub.Path(), hiddenSize)
	return &Classifier{reg: sub, hiddenSize: hiddenSize}, nil
}

// Apply the classifier to x shaped [batchSize, sequenceLength, hiddenSize], with mask shaped
// [batchSize, sequenceLength].
//
// It returns:
//   - maskedLogits: shaped [batchSize, sequenceLength], the logits with a large negative value
//     added to the padding positions. Suitable for a cross-entropy loss.
//   - probs: the softmax of the logits over the valid positions, 0 on the padding.
func (c *Classifier) Apply(x, mask *Node) (maskedLogits, probs *Node) {
	if x.Rank() != 3 || x.Shape().Dimensions[2] != c.hiddenSize {
		exceptions.Panicf("classifier %q: x must be shaped [batchSize, sequenceLength, %d], got %s",
			c.reg.Path(), c.hiddenSize, x.Shape())
	}
	if mask.Rank() != 2 || mask.Shape().Dimensions[0] != x.Shape().Dimensions[0] ||
		mask.Shape().Dimensions[1] != x.Shape().Dimensions[1] {
		exceptions.Panicf("classifier %q: mask must be shaped [%d, %d], got %s",
			c.reg.Path(), x.Shape().Dimensions[0], x.Shape().Dimensions[1], mask.Shape())
	}
	g := x.Graph()
	dtype := x.DType()
	weights := c.reg.Value(g, dtype, "weights")
	bias := Reshape(c.reg.Value(g, dtype, "bias")) // [1] -> scalar
	logits := Add(Einsum("bld,d->bl", x, weights), bias)
	return masked.Softmax(logits, mask, -1)
}

// MostLikely returns the most probable position of each example, given probs shaped
// [batchSize, sequenceLength]. The result is Int32 shaped [batchSize].
func MostLikely(probs *Node) *Node {
	return ArgMax(probs, -1, dtypes.Int32)
}

// BestSpan returns the span (start, end) with start <= end < start+maxLength that maximizes
// startProbs[start] * endProbs[end], for each example.
//
// startProbs and endProbs are shaped [batchSize, sequenceLength], and start and end are Int32
// shaped [batchSize]. If maxLength <= 0 the span length is not limited. Ties are broken by the
// lowest start, and then by the lowest end.
func BestSpan(startProbs, endProbs *Node, maxLength int) (start, end *Node) {
	if startProbs.Rank() != 2 || !startProbs.Shape().Equal(endProbs.Shape()) {
		exceptions.Panicf("classifier.BestSpan: startProbs and endProbs must be shaped [batchSize, sequenceLength], got %s and %s",
			startProbs.Shape(), endProbs.Shape())
	}
	g := startProbs.Graph()
	batchSize, seqLen := startProbs.Shape().Dimensions[0], startProbs.Shape().Dimensions[1]
	if maxLength <= 0 || maxLength > seqLen {
		maxLength = seqLen
	}

	// scores[b, i, j] = startProbs[b, i] * endProbs[b, j]
	scores := Mul(
		Reshape(startProbs, batchSize, seqLen, 1),
		Reshape(endProbs, batchSize, 1, seqLen))
	positions := shapes.Make(dtypes.Int32, seqLen, seqLen)
	startPos, endPos := Iota(g, positions, 0), Iota(g, positions, 1)
	limit := Add(startPos, Scalar(g, dtypes.Int32, float64(maxLength)))
	valid := LogicalAnd(GreaterOrEqual(endPos, startPos), LessThan(endPos, limit))
	valid = BroadcastToDims(Reshape(valid, 1, seqLen, seqLen), batchSize, seqLen, seqLen)
	// Probabilities are >= 0, so -1 is never selected.
	scores = Where(valid, scores, Neg(OnesLike(scores)))

	best := MostLikely(Reshape(scores, batchSize, seqLen*seqLen))
	seqLenNode := Scalar(g, dtypes.Int32, float64(seqLen))
	start = Div(best, seqLenNode)
	end = Mod(best, seqLenNode)
	return
}
