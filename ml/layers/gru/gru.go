// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package gru provides a minimal "Gated Recurrent Unit" (GRU) [1] recurrent layer, with the same
// builder interface as the lstm package.
//
// For each position t of the sequence, with x_t the input and h_{t-1} the previous state:
//
//	r_t = sigmoid(W_r·x_t + U_r·h_{t-1} + b_r)           // reset gate
//	u_t = sigmoid(W_u·x_t + U_u·h_{t-1} + b_u)           // update gate
//	c_t = tanh(W_c·x_t + U_c·(r_t ⊙ h_{t-1}) + b_c)      // candidate state
//	h_t = u_t ⊙ h_{t-1} + (1 - u_t) ⊙ c_t
//
// Sequences of different lengths are supported with GRU.Ragged: past the end of a sequence the
// state is carried unchanged, in either direction.
//
// [1] "Learning Phrase Representations using RNN Encoder-Decoder for Statistical Machine Translation",
// https://arxiv.org/abs/1406.1078
package gru

import (
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/squad/ml/layers/lstm"
	"github.com/gomlx/gomlx/types/shapes"
)

// DirectionType is the same as in the lstm package.
type DirectionType = lstm.DirectionType

const (
	DirForward       = lstm.DirForward
	DirReverse       = lstm.DirReverse
	DirBidirectional = lstm.DirBidirectional
)

const (
	// GateReset is the index of the reset gate weights in the "gates" axis of the GRU weights.
	GateReset = iota

	// GateUpdate is the index of the update gate weights.
	GateUpdate

	// GateCandidate is the index of the candidate state weights.
	GateCandidate

	// NumGates in the "gates" axis of the GRU weights.
	NumGates
)

// GRU holds the configuration of a GRU layer. Create it with New or NewWithWeights, and call
// GRU.Done to apply it.
type GRU struct {
	ctx                          *context.Context
	x, xLengths                  *Node
	direction                    DirectionType
	batchSize, featuresSize      int
	hiddenSize                   int
	inputsW, recurrentW, biasesW *Node
	initialHiddenState           *Node
}

// New creates a GRU layer to apply on x, creating its weights in ctx.
//
// x should be shaped [batchSize, sequenceSize, featuresSize].
//
// Once finished configuring, call GRU.Done.
func New(ctx *context.Context, x *Node, hiddenSize int) *GRU {
	return &GRU{
		ctx:          ctx,
		x:            x,
		direction:    DirForward,
		batchSize:    x.Shape().Dim(0),
		featuresSize: x.Shape().Dim(2),
		hiddenSize:   hiddenSize,
	}
}

// NewWithWeights creates a new GRU layer using the given weights, as opposed to creating them
// on-the-fly.
//
// Args:
//   - x: shaped [batchSize, sequenceSize, featuresSize]
//   - inputsW: shaped [numDirections, NumGates, hiddenSize, featuresSize]
//   - recurrentW: shaped [numDirections, NumGates, hiddenSize, hiddenSize]
//   - biases: shaped [numDirections, NumGates, hiddenSize].
func NewWithWeights(x *Node, inputsW, recurrentW, biases *Node) *GRU {
	l := New(nil, x, inputsW.Shape().Dim(2))
	l.inputsW = inputsW
	l.recurrentW = recurrentW
	l.biasesW = biases
	if inputsW.Shape().Dim(0) == 2 {
		l.direction = DirBidirectional
	}
	inputsW.AssertDims(l.NumDirections(), NumGates, l.hiddenSize, l.featuresSize)
	recurrentW.AssertDims(l.NumDirections(), NumGates, l.hiddenSize, l.hiddenSize)
	biases.AssertDims(l.NumDirections(), NumGates, l.hiddenSize)
	return l
}

// Direction configures in which direction to run the GRU: DirForward, DirReverse or both.
func (l *GRU) Direction(dir DirectionType) *GRU {
	l.direction = dir
	return l
}

// Ragged indicates that x is "ragged" (the sequences are not used to the end), and its lengths are
// given by sequencesLengths, which must be shaped [batchSize].
//
// The default is to assume all sequences are dense.
func (l *GRU) Ragged(sequencesLengths *Node) *GRU {
	l.xLengths = sequencesLengths
	return l
}

// InitialState configures the initial hidden state, shaped [numDirections, batchSize, hiddenSize].
// If not set it defaults to 0.
func (l *GRU) InitialState(initialHiddenState *Node) *GRU {
	l.initialHiddenState = initialHiddenState
	return l
}

// NumDirections based on the direction information selected.
func (l *GRU) NumDirections() int {
	if l.direction == DirBidirectional {
		return 2
	}
	return 1
}

// BiasInitializer initializes the GRU biases shaped [..., NumGates, hiddenSize]: 1 for the reset
// and update gates, so the layer starts carrying its state forward, and 0 for the candidate.
func BiasInitializer(g *Graph, shape shapes.Shape) *Node {
	dims := shape.Dimensions
	gatesAxis := len(dims) - 2
	gatesDims := append([]int(nil), dims...)
	gatesDims[gatesAxis] = GateCandidate
	candidateDims := append([]int(nil), dims...)
	candidateDims[gatesAxis] = NumGates - GateCandidate
	return Concatenate([]*Node{
		Ones(g, shapes.Make(shape.DType, gatesDims...)),
		Zeros(g, shapes.Make(shape.DType, candidateDims...)),
	}, gatesAxis)
}

// Done applies the GRU to the sequence in x and returns:
//   - allHiddenStates: [sequenceSize, numDirections, batchSize, hiddenSize]
//   - lastHiddenState: [numDirections, batchSize, hiddenSize]
func (l *GRU) Done() (allHiddenStates, lastHiddenState *Node) {
	ctx := l.ctx
	x := l.x
	g := x.Graph()
	dtype := x.DType()
	numDirections := l.NumDirections()
	batchSize := l.batchSize
	sequenceSize := x.Shape().Dim(1)
	featuresSize := l.featuresSize
	hiddenSize := l.hiddenSize
	inputsW, recurrentW, biasesW := l.inputsW, l.recurrentW, l.biasesW

	if inputsW == nil {
		inputsW = ctx.VariableWithShape("inputsW", shapes.Make(dtype, numDirections, NumGates, hiddenSize, featuresSize)).ValueGraph(g)
		recurrentW = ctx.VariableWithShape("recurrentW", shapes.Make(dtype, numDirections, NumGates, hiddenSize, hiddenSize)).ValueGraph(g)
		biasesW = ctx.WithInitializer(BiasInitializer).
			VariableWithShape("biasesW", shapes.Make(dtype, numDirections, NumGates, hiddenSize)).ValueGraph(g)
	}

	// Linear projections of x for all positions at once.
	// b->batchSize, s->sequenceSize, f->featuresSize, d->numDirections, n->NumGates, h->hiddenSize.
	projX := Einsum("bsf,dnhf->dnbsh", x, inputsW)
	projX = Add(projX, Reshape(biasesW, numDirections, NumGates, 1, 1, hiddenSize))

	prevHidden := make([]*Node, numDirections)
	for dirIdx := range numDirections {
		if l.initialHiddenState == nil {
			prevHidden[dirIdx] = Zeros(g, shapes.Make(dtype, batchSize, hiddenSize))
		} else {
			l.initialHiddenState.AssertDims(numDirections, batchSize, hiddenSize)
			prevHidden[dirIdx] = Reshape(Slice(l.initialHiddenState, AxisElem(dirIdx)), batchSize, hiddenSize)
		}
	}

	seqHiddenStates := make([][]*Node, numDirections)
	for ii := range numDirections {
		seqHiddenStates[ii] = make([]*Node, sequenceSize)
	}

	for seqIdx := range sequenceSize {
		for dirIdx := range numDirections {
			seqPos := seqIdx
			if dirIdx == 1 || l.direction == DirReverse {
				seqPos = sequenceSize - 1 - seqIdx
			}
			prev := prevHidden[dirIdx]
			dirRecurrentW := Reshape(Slice(recurrentW, AxisElem(dirIdx)), NumGates, hiddenSize, hiddenSize)
			inputProj := func(gate int) *Node {
				proj := Slice(projX, AxisElem(dirIdx), AxisElem(gate), AxisRange(), AxisElem(seqPos))
				return Reshape(proj, batchSize, hiddenSize)
			}
			recurrentProj := func(gate int, state *Node) *Node {
				gateW := Reshape(Slice(dirRecurrentW, AxisElem(gate)), hiddenSize, hiddenSize)
				return Einsum("bh,jh->bj", state, gateW)
			}

			resetGate := Sigmoid(Add(inputProj(GateReset), recurrentProj(GateReset, prev)))
			updateGate := Sigmoid(Add(inputProj(GateUpdate), recurrentProj(GateUpdate, prev)))
			candidate := Tanh(Add(inputProj(GateCandidate), recurrentProj(GateCandidate, Mul(resetGate, prev))))
			hiddenState := Add(Mul(updateGate, prev), Mul(OneMinus(updateGate), candidate))

			// Past the end of the sequence the previous state is carried unchanged: it works in both directions.
			if l.xLengths != nil {
				pastEnd := GreaterOrEqual(Scalar(g, l.xLengths.DType(), float64(seqPos)), l.xLengths)
				pastEnd = BroadcastToDims(Reshape(pastEnd, batchSize, 1), batchSize, hiddenSize)
				hiddenState = Where(pastEnd, prev, hiddenState)
			}

			seqHiddenStates[dirIdx][seqPos] = hiddenState
			prevHidden[dirIdx] = hiddenState
		}
	}

	lastHiddenState = Stack(prevHidden, 0)
	perDirection := make([]*Node, numDirections)
	for dirIdx := range numDirections {
		perDirection[dirIdx] = Stack(seqHiddenStates[dirIdx], 0) // [sequenceSize, batchSize, hiddenSize]
	}
	allHiddenStates = Stack(perDirection, 1)
	return
}
