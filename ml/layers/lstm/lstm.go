// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package lstm provides a minimal "Long Short-Term Memory RNN" (LSTM) [1] layer for ragged
// sequences.
//
// For each position t, with x_t the input and h_{t-1}, c_{t-1} the previous hidden and cell states:
//
//	i_t = sigmoid(W_i·x_t + b_i + U_i·h_{t-1} + b'_i)    // input gate
//	o_t = sigmoid(W_o·x_t + b_o + U_o·h_{t-1} + b'_o)    // output gate
//	f_t = sigmoid(W_f·x_t + b_f + U_f·h_{t-1} + b'_f)    // forget gate
//	g_t = tanh(W_g·x_t + b_g + U_g·h_{t-1} + b'_g)       // cell update
//	c_t = f_t ⊙ c_{t-1} + i_t ⊙ g_t
//	h_t = o_t ⊙ tanh(c_t)
//
// The weights follow the ONNX LSTM layout [2]: the gates axis is ordered input, output, forget,
// cell, and there are 8 biases, the first 4 applied to the input projection and the last 4 to the
// recurrent projection.
//
// With LSTM.Ragged, past the end of a sequence both the hidden and the cell states are carried
// unchanged, in either direction.
//
// Since the graph has no loops, each step of the sequence is instantiated as its own graph nodes.
//
// [1] https://www.bioinf.jku.at/publications/older/2604.pdf, Hochreiter & Schmidhuber, 1997
// [2] https://onnx.ai/onnx/operators/onnx__LSTM.html
package lstm

import (
	"fmt"

	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/shapes"
)

// DirectionType defines the direction to run a recurrent layer.
type DirectionType int

const (
	DirForward DirectionType = iota
	DirReverse
	DirBidirectional
)

var directionNames = []string{"forward", "reverse", "bidirectional"}

// String implements fmt.Stringer.
func (d DirectionType) String() string {
	if d >= 0 && int(d) < len(directionNames) {
		return directionNames[d]
	}
	return fmt.Sprintf("DirectionType(%d)", int(d))
}

const (
	// GateInput is the index of the input gate in the gates axis of the weights.
	GateInput = iota
	GateOutput
	GateForget
	GateCell

	// NumGates in the gates axis of inputsW and recurrentW.
	NumGates
)

// NumBiases in the biases axis: one per gate for the input projection, and one per gate for the
// recurrent projection.
const NumBiases = 2 * NumGates

// LSTM holds an LSTM configuration. Create it with New or NewWithWeights, and apply it with
// LSTM.Done.
type LSTM struct {
	ctx                                  *context.Context
	x, xLengths                          *Node
	direction                            DirectionType
	batchSize, featuresSize, hiddenSize  int
	inputsW, recurrentW, biasesW         *Node
	initialHiddenState, initialCellState *Node
}

// New creates an LSTM layer to apply on x, creating its weights in ctx.
//
// x should be shaped [batchSize, sequenceSize, featuresSize].
func New(ctx *context.Context, x *Node, hiddenSize int) *LSTM {
	return &LSTM{
		ctx:          ctx,
		x:            x,
		direction:    DirForward,
		batchSize:    x.Shape().Dim(0),
		featuresSize: x.Shape().Dim(2),
		hiddenSize:   hiddenSize,
	}
}

// NewWithWeights creates an LSTM layer using the given weights.
//
// Args:
//   - x: shaped [batchSize, sequenceSize, featuresSize]
//   - inputsW: shaped [numDirections, NumGates, hiddenSize, featuresSize]
//   - recurrentW: shaped [numDirections, NumGates, hiddenSize, hiddenSize]
//   - biases: shaped [numDirections, NumBiases, hiddenSize].
//
// If numDirections is 2, the direction is set to DirBidirectional.
func NewWithWeights(x *Node, inputsW, recurrentW, biases *Node) *LSTM {
	l := New(nil, x, inputsW.Shape().Dim(2))
	l.inputsW, l.recurrentW, l.biasesW = inputsW, recurrentW, biases
	if inputsW.Shape().Dim(0) == 2 {
		l.direction = DirBidirectional
	}
	inputsW.AssertDims(l.NumDirections(), NumGates, l.hiddenSize, l.featuresSize)
	recurrentW.AssertDims(l.NumDirections(), NumGates, l.hiddenSize, l.hiddenSize)
	biases.AssertDims(l.NumDirections(), NumBiases, l.hiddenSize)
	return l
}

// Direction configures in which direction to run the LSTM: DirForward, DirReverse or both.
func (l *LSTM) Direction(dir DirectionType) *LSTM {
	l.direction = dir
	return l
}

// Ragged sets the lengths of the sequences in x, shaped [batchSize]. Positions past the length
// of a sequence don't change the states.
func (l *LSTM) Ragged(sequencesLengths *Node) *LSTM {
	l.xLengths = sequencesLengths
	return l
}

// InitialStates configures the initial hidden and cell states, both shaped
// [numDirections, batchSize, hiddenSize]. They default to 0.
func (l *LSTM) InitialStates(hiddenState, cellState *Node) *LSTM {
	l.initialHiddenState = hiddenState
	l.initialCellState = cellState
	return l
}

// NumDirections based on the direction selected.
func (l *LSTM) NumDirections() int {
	if l.direction == DirBidirectional {
		return 2
	}
	return 1
}

// BiasInitializer initializes biases shaped [..., NumBiases, hiddenSize]: 1 for the forget gate
// of the input projection, 0 everywhere else.
func BiasInitializer(g *Graph, shape shapes.Shape) *Node {
	dims := shape.Dimensions
	biasesAxis := len(dims) - 2
	partDims := func(size int) shapes.Shape {
		partial := append([]int(nil), dims...)
		partial[biasesAxis] = size
		return shapes.Make(shape.DType, partial...)
	}
	return Concatenate([]*Node{
		Zeros(g, partDims(GateForget)),
		Ones(g, partDims(1)),
		Zeros(g, partDims(NumBiases-GateForget-1)),
	}, biasesAxis)
}

// Done applies the LSTM to x and returns:
//   - allHiddenStates: [sequenceSize, numDirections, batchSize, hiddenSize]
//   - lastHiddenState and lastCellState: [numDirections, batchSize, hiddenSize]
func (l *LSTM) Done() (allHiddenStates, lastHiddenState, lastCellState *Node) {
	x := l.x
	g := x.Graph()
	dtype := x.DType()
	numDirections := l.NumDirections()
	batchSize, sequenceSize := l.batchSize, x.Shape().Dim(1)
	featuresSize, hiddenSize := l.featuresSize, l.hiddenSize
	inputsW, recurrentW, biasesW := l.inputsW, l.recurrentW, l.biasesW
	if inputsW == nil {
		ctx := l.ctx
		inputsW = ctx.VariableWithShape("inputsW", shapes.Make(dtype, numDirections, NumGates, hiddenSize, featuresSize)).ValueGraph(g)
		recurrentW = ctx.VariableWithShape("recurrentW", shapes.Make(dtype, numDirections, NumGates, hiddenSize, hiddenSize)).ValueGraph(g)
		biasesW = ctx.WithInitializer(BiasInitializer).
			VariableWithShape("biasesW", shapes.Make(dtype, numDirections, NumBiases, hiddenSize)).ValueGraph(g)
	}

	// b->batchSize, s->sequenceSize, f->featuresSize, d->numDirections, n->NumGates, h->hiddenSize.
	projX := Einsum("bsf,dnhf->dnbsh", x, inputsW)
	biasX := Slice(biasesW, AxisRange(), AxisRange(0, NumGates))
	projX = Add(projX, Reshape(biasX, numDirections, NumGates, 1, 1, hiddenSize))

	initial := func(state *Node, dirIdx int) *Node {
		if state == nil {
			return Zeros(g, shapes.Make(dtype, batchSize, hiddenSize))
		}
		state.AssertDims(numDirections, batchSize, hiddenSize)
		return Reshape(Slice(state, AxisElem(dirIdx)), batchSize, hiddenSize)
	}
	prevHidden, prevCell := make([]*Node, numDirections), make([]*Node, numDirections)
	seqHiddenStates := make([][]*Node, numDirections)
	for dirIdx := range numDirections {
		prevHidden[dirIdx] = initial(l.initialHiddenState, dirIdx)
		prevCell[dirIdx] = initial(l.initialCellState, dirIdx)
		seqHiddenStates[dirIdx] = make([]*Node, sequenceSize)
	}

	for seqIdx := range sequenceSize {
		for dirIdx := range numDirections {
			seqPos := seqIdx
			if dirIdx == 1 || l.direction == DirReverse {
				seqPos = sequenceSize - 1 - seqIdx
			}
			dirRecurrentW := Reshape(Slice(recurrentW, AxisElem(dirIdx)), NumGates, hiddenSize, hiddenSize)
			projState := Einsum("bh,njh->nbj", prevHidden[dirIdx], dirRecurrentW) // [NumGates, batchSize, hiddenSize]
			biasState := Slice(biasesW, AxisElem(dirIdx), AxisRange(NumGates, NumBiases))
			projState = Add(projState, Reshape(biasState, NumGates, 1, hiddenSize))
			gate := func(gateIdx int) *Node {
				proj := Slice(projX, AxisElem(dirIdx), AxisElem(gateIdx), AxisRange(), AxisElem(seqPos))
				proj = Reshape(proj, batchSize, hiddenSize)
				return Add(proj, Reshape(Slice(projState, AxisElem(gateIdx)), batchSize, hiddenSize))
			}

			inputGate := Sigmoid(gate(GateInput))
			outputGate := Sigmoid(gate(GateOutput))
			forgetGate := Sigmoid(gate(GateForget))
			cellUpdate := Tanh(gate(GateCell))
			cellState := Add(Mul(prevCell[dirIdx], forgetGate), Mul(cellUpdate, inputGate))
			hiddenState := Mul(outputGate, Tanh(cellState))

			// Past the end of the sequence the previous states are carried unchanged, in both directions.
			if l.xLengths != nil {
				pastEnd := GreaterOrEqual(Scalar(g, l.xLengths.DType(), float64(seqPos)), l.xLengths)
				pastEnd = BroadcastToDims(Reshape(pastEnd, batchSize, 1), batchSize, hiddenSize)
				hiddenState = Where(pastEnd, prevHidden[dirIdx], hiddenState)
				cellState = Where(pastEnd, prevCell[dirIdx], cellState)
			}

			seqHiddenStates[dirIdx][seqPos] = hiddenState
			prevHidden[dirIdx] = hiddenState
			prevCell[dirIdx] = cellState
		}
	}

	lastHiddenState = Stack(prevHidden, 0)
	lastCellState = Stack(prevCell, 0)
	perDirection := make([]*Node, numDirections)
	for dirIdx := range numDirections {
		perDirection[dirIdx] = Stack(seqHiddenStates[dirIdx], 0) // [sequenceSize, batchSize, hiddenSize]
	}
	allHiddenStates = Stack(perDirection, 1)
	return
}
