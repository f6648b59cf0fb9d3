// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package layerstest holds test fixtures for the attention, encoder and classifier layers:
// random padded sequences, masks and approximate comparisons.
package layerstest

import (
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"golang.org/x/exp/constraints"
)

// Sequences returns a batch of random sequences shaped [batchSize, length, width], with values
// normally distributed.
func Sequences(rng *rand.Rand, batchSize, length, width int) [][][]float32 {
	x := make([][][]float32, batchSize)
	for b := range x {
		x[b] = make([][]float32, length)
		for pos := range x[b] {
			x[b][pos] = make([]float32, width)
			for f := range x[b][pos] {
				x[b][pos][f] = float32(rng.NormFloat64())
			}
		}
	}
	return x
}

// Mask returns the 0/1 mask shaped [len(lengths), maxLength] for sequences of the given lengths.
func Mask[T constraints.Integer](lengths []T, maxLength int) [][]float32 {
	mask := make([][]float32, len(lengths))
	for b, length := range lengths {
		mask[b] = make([]float32, maxLength)
		for pos := range min(int(length), maxLength) {
			mask[b][pos] = 1
		}
	}
	return mask
}

// RandomLengths returns batchSize lengths in the range [1, maxLength], with the first one
// always maxLength.
func RandomLengths(rng *rand.Rand, batchSize, maxLength int) []int {
	lengths := make([]int, batchSize)
	for b := range lengths {
		lengths[b] = 1 + rng.Intn(maxLength)
	}
	if batchSize > 0 {
		lengths[0] = maxLength
	}
	return lengths
}

// PerturbPadding returns a copy of x where every position masked out by mask is replaced by
// random values.
func PerturbPadding(rng *rand.Rand, x [][][]float32, mask [][]float32) [][][]float32 {
	perturbed := make([][][]float32, len(x))
	for b := range x {
		perturbed[b] = make([][]float32, len(x[b]))
		for pos := range x[b] {
			perturbed[b][pos] = make([]float32, len(x[b][pos]))
			for f := range x[b][pos] {
				if mask[b][pos] == 0 {
					perturbed[b][pos][f] = float32(10 * rng.NormFloat64())
				} else {
					perturbed[b][pos][f] = x[b][pos][f]
				}
			}
		}
	}
	return perturbed
}

// Positions returns, for each example of the batch, only the first lengths[b] positions of x.
func Positions[T any, L constraints.Integer](x [][]T, lengths []L) [][]T {
	out := make([][]T, len(x))
	for b := range x {
		out[b] = x[b][:lengths[b]]
	}
	return out
}

// AssertApprox fails the test if got and want differ by more than the relative or absolute
// tolerance margin, for each float element.
func AssertApprox(t *testing.T, want, got any, margin float64, msgAndArgs ...any) bool {
	t.Helper()
	diff := cmp.Diff(want, got, cmpopts.EquateApprox(margin, margin), cmpopts.EquateEmpty())
	if diff == "" {
		return true
	}
	if len(msgAndArgs) > 0 {
		if format, ok := msgAndArgs[0].(string); ok {
			t.Errorf(format, msgAndArgs[1:]...)
		}
	}
	t.Errorf("values differ (-want +got):\n%s", diff)
	return false
}
