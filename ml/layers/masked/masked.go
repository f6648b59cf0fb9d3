// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package masked implements the softmax and reductions restricted to the valid (non-padding)
// positions of variable-length sequences, and helpers to manipulate 0/1 masks.
//
// Masks are shaped like the sequences they describe without the feature axis, typically
// [batchSize, sequenceLength]. They can be given as Bool, or as any numeric dtype with 1 for
// valid positions and 0 for padding.
package masked

import (
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/x448/float16"
)

// LargeNegative is the offset added to the logits of masked positions in float32 and float64.
const LargeNegative = -1e30

// Offset returns the large negative value added to masked logits of the given dtype.
//
// For float32 and float64 it is LargeNegative. Half precision types can't represent it, so
// their lowest finite value is used instead.
func Offset(dtype dtypes.DType) float64 {
	switch dtype {
	case dtypes.Float16:
		return float64(float16.Frombits(0xfbff).Float32()) // -65504
	case dtypes.BFloat16:
		return -3.3895313892515355e38
	case dtypes.Float32, dtypes.Float64:
		return LargeNegative
	}
	exceptions.Panicf("masked: invalid dtype %s, logits must be float", dtype)
	return 0
}

// ToBool converts mask to Bool: any non-zero value is a valid position.
func ToBool(mask *graph.Node) *graph.Node {
	if mask.DType() == dtypes.Bool {
		return mask
	}
	return graph.NotEqual(mask, graph.ZerosLike(mask))
}

// ToFloat converts mask to 1 (valid) and 0 (padding) values of the given dtype.
func ToFloat(mask *graph.Node, dtype dtypes.DType) *graph.Node {
	mask = ToBool(mask)
	g := mask.Graph()
	shape := shapes.Make(dtype, mask.Shape().Dimensions...)
	return graph.Where(mask, graph.Ones(g, shape), graph.Zeros(g, shape))
}

// Lengths returns the number of valid positions of each sequence, as Int32.
//
// mask must be shaped [batchSize, sequenceLength], the result is shaped [batchSize].
func Lengths(mask *graph.Node) *graph.Node {
	if mask.Rank() != 2 {
		exceptions.Panicf("masked.Lengths: mask must be shaped [batchSize, sequenceLength], got %s", mask.Shape())
	}
	return graph.ReduceSum(ToFloat(mask, dtypes.Int32), -1)
}

// AppendValid extends mask with one extra valid position at the end of its last axis.
//
// The result is Bool, shaped like mask but with the last axis one position longer.
func AppendValid(mask *graph.Node) *graph.Node {
	dims := slices.Clone(mask.Shape().Dimensions)
	dims[len(dims)-1] = 1
	valid := graph.Ones(mask.Graph(), shapes.Make(dtypes.Float32, dims...))
	extended := graph.Concatenate([]*graph.Node{ToFloat(mask, dtypes.Float32), valid}, -1)
	return ToBool(extended)
}

// Broadcast returns mask as Bool, broadcast to the dimensions of x.
//
// mask must have the same rank as x, with each axis either of dimension 1 or of the same
// dimension as in x.
func Broadcast(mask, x *graph.Node) *graph.Node {
	mask = ToBool(mask)
	if mask.Rank() != x.Rank() {
		exceptions.Panicf("masked: mask shape %s can't be broadcast to %s, they have different ranks",
			mask.Shape(), x.Shape())
	}
	needsBroadcast := false
	for axis, dim := range mask.Shape().Dimensions {
		xDim := x.Shape().Dimensions[axis]
		if dim == xDim {
			continue
		}
		if dim != 1 {
			exceptions.Panicf("masked: mask shape %s can't be broadcast to %s", mask.Shape(), x.Shape())
		}
		needsBroadcast = true
	}
	if !needsBroadcast {
		return mask
	}
	return graph.BroadcastToDims(mask, x.Shape().Dimensions...)
}

// Softmax computes the softmax of logits over axis, considering only the positions where mask
// is valid.
//
// It returns:
//   - maskedLogits: logits with Offset(dtype) added to the masked positions.
//   - probs: the softmax over axis. Masked positions are exactly 0, and the valid positions of
//     each row sum to 1.
//
// mask must be broadcastable to logits (see Broadcast). The result for rows without any valid
// position is not defined: callers must make sure every row has at least one.
func Softmax(logits, mask *graph.Node, axis int) (maskedLogits, probs *graph.Node) {
	dtype := logits.DType()
	if !dtype.IsFloat() {
		exceptions.Panicf("masked.Softmax: logits must be float, got %s", logits.Shape())
	}
	mask = Broadcast(mask, logits)
	penalty := graph.MulScalar(graph.OneMinus(ToFloat(mask, dtype)), Offset(dtype))
	maskedLogits = graph.Add(logits, penalty)
	probs = graph.MaskedSoftmax(logits, mask, axis)
	return
}

// ReduceMax takes the maximum of x over axis, considering only the valid positions of mask.
//
// mask must be broadcastable to x (see Broadcast). Rows without any valid position get
// Offset(dtype).
func ReduceMax(x, mask *graph.Node, axis int) *graph.Node {
	mask = Broadcast(mask, x)
	lowest := graph.BroadcastToDims(graph.Scalar(x.Graph(), x.DType(), Offset(x.DType())), x.Shape().Dimensions...)
	return graph.ReduceMax(graph.Where(mask, x, lowest), axis)
}
