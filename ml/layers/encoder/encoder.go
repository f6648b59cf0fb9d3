// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package encoder implements a bidirectional recurrent encoder of variable-length sequences.
//
// The encoder runs a stack of recurrent layers (LSTM or GRU) forward over each sequence, and an
// independent stack backward, and concatenates, at each position, the outputs of the two
// directions. The recurrence is driven by the true length of each sequence (the number of valid
// positions in its mask): positions past the end never enter the recurrent update, so padding
// never affects the outputs at valid positions. The outputs at padding positions are zero.
//
// E.g.: encoding question and context embeddings with the same weights.
//
//	reg := params.New(ctx)
//	enc, err := encoder.New(reg, "rnn_encoder", embeddingSize, hiddenSize).KeepProb(0.8).Done()
//	if err != nil { ... }
//	...
//	contextHiddens := enc.Apply(ctx, contextEmbeddings, contextMask)    // [batch, contextLen, 2*hiddenSize]
//	questionHiddens := enc.Apply(ctx, questionEmbeddings, questionMask) // [batch, questionLen, 2*hiddenSize]
package encoder

import (
	"fmt"
	"strings"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/initializers"
	"github.com/gomlx/squad/ml/layers/dropout"
	"github.com/gomlx/squad/ml/layers/gru"
	"github.com/gomlx/squad/ml/layers/lstm"
	"github.com/gomlx/squad/ml/layers/masked"
	"github.com/gomlx/squad/ml/params"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const (
	// ParamCell is the context hyperparameter with the recurrent cell to use, "lstm" or "gru".
	// If not set, New uses "lstm" and NewMulti uses "gru".
	ParamCell = "encoder_cell"

	// ParamNumLayers is the context hyperparameter with the number of stacked layers used by
	// NewMulti when it is given numLayers <= 0. The default is 2.
	ParamNumLayers = "encoder_num_layers"
)

// Kind of the registry scopes owned by an encoder.
const Kind = "encoder"

// Cell is the type of recurrent cell used by the encoder.
type Cell int

const (
	CellLSTM Cell = iota
	CellGRU
)

var cellNames = map[Cell]string{CellLSTM: "lstm", CellGRU: "gru"}

// String implements fmt.Stringer.
func (c Cell) String() string {
	if name, found := cellNames[c]; found {
		return name
	}
	return fmt.Sprintf("Cell(%d)", int(c))
}

// CellFromName returns the Cell for the given name (case-insensitive).
func CellFromName(name string) (Cell, error) {
	for cell, cellName := range cellNames {
		if strings.EqualFold(name, cellName) {
			return cell, nil
		}
	}
	return 0, errors.Errorf("unknown encoder cell %q, valid values are \"lstm\" and \"gru\"", name)
}

// numGates and numBiases per direction, as expected by the lstm and gru layers.
func (c Cell) numGates() int {
	if c == CellGRU {
		return gru.NumGates
	}
	return lstm.NumGates
}

func (c Cell) numBiases() int {
	if c == CellGRU {
		return gru.NumGates
	}
	return lstm.NumBiases
}

// Config of an encoder, created with New or NewMulti. Call Config.Done to declare its parameters
// and get the Encoder.
type Config struct {
	ctx                   *context.Context
	reg                   *params.Registry
	inputSize, hiddenSize int
	numLayers             int
	cell                  Cell
	cellErr               error
	keepProb              float64
}

// New creates the configuration of a single-layer bidirectional encoder, with LSTM cells by default.
//
// Its parameters are owned by the registry scope reg.Sub(scope). The input sequences are
// expected with inputSize features, and the encoder outputs 2*hiddenSize features.
func New(reg *params.Registry, scope string, inputSize, hiddenSize int) *Config {
	return newConfig(reg, scope, inputSize, hiddenSize, 1, CellLSTM)
}

// NewMulti creates the configuration of a bidirectional encoder with numLayers stacked
// recurrent layers per direction, with GRU cells by default.
//
// If numLayers <= 0, it is taken from the context hyperparameter ParamNumLayers.
func NewMulti(reg *params.Registry, scope string, inputSize, hiddenSize, numLayers int) *Config {
	if numLayers <= 0 {
		numLayers = context.GetParamOr(reg.Context(), ParamNumLayers, 2)
	}
	return newConfig(reg, scope, inputSize, hiddenSize, numLayers, CellGRU)
}

func newConfig(reg *params.Registry, scope string, inputSize, hiddenSize, numLayers int, defaultCell Cell) *Config {
	ctx := reg.Context()
	c := &Config{
		ctx:        ctx,
		reg:        reg.Sub(scope),
		inputSize:  inputSize,
		hiddenSize: hiddenSize,
		numLayers:  numLayers,
		cell:       defaultCell,
	}
	c.keepProb = dropout.FromContext(ctx)
	if name := context.GetParamOr(ctx, ParamCell, ""); name != "" {
		c.cell, c.cellErr = CellFromName(name)
	}
	return c
}

// Cell sets the recurrent cell type. It overrides the context hyperparameter ParamCell.
func (c *Config) Cell(cell Cell) *Config {
	c.cell = cell
	c.cellErr = nil
	return c
}

// NumLayers sets the number of stacked recurrent layers per direction.
func (c *Config) NumLayers(numLayers int) *Config {
	c.numLayers = numLayers
	return c
}

// KeepProb sets the dropout keep probability, applied (only during training) to the input of
// each recurrent layer and to the final output.
//
// The default comes from the context hyperparameter dropout.ParamKeepProb, or 1.0 (no dropout).
func (c *Config) KeepProb(keepProb float64) *Config {
	c.keepProb = keepProb
	return c
}

// Done validates the configuration and declares the encoder parameters in the registry.
//
// Declaring an encoder in a scope already used by an identical encoder shares the weights.
func (c *Config) Done() (*Encoder, error) {
	path := c.reg.Path()
	if c.cellErr != nil {
		return nil, errors.WithMessagef(c.cellErr, "encoder %q", path)
	}
	if c.inputSize <= 0 || c.hiddenSize <= 0 {
		return nil, errors.Errorf("encoder %q: inputSize (%d) and hiddenSize (%d) must be > 0",
			path, c.inputSize, c.hiddenSize)
	}
	if c.numLayers <= 0 {
		return nil, errors.Errorf("encoder %q: numLayers must be > 0, got %d", path, c.numLayers)
	}
	if _, found := cellNames[c.cell]; !found {
		return nil, errors.Errorf("encoder %q: invalid cell %s", path, c.cell)
	}
	if err := dropout.Validate(c.keepProb); err != nil {
		return nil, errors.WithMessagef(err, "encoder %q", path)
	}

	weightsInit := initializers.XavierUniformFn(c.ctx)
	biasInit := lstm.BiasInitializer
	if c.cell == CellGRU {
		biasInit = gru.BiasInitializer
	}
	var specs []params.Spec
	for layer := range c.numLayers {
		layerInputSize := c.inputSize
		if layer > 0 {
			layerInputSize = c.hiddenSize
		}
		// Axis 0 of each parameter is the direction: forward and backward.
		specs = append(specs,
			params.Spec{
				Name:        layerParam(layer, "inputs_w"),
				Dims:        []int{2, c.cell.numGates(), c.hiddenSize, layerInputSize},
				Initializer: weightsInit,
				Regularized: true,
			},
			params.Spec{
				Name:        layerParam(layer, "recurrent_w"),
				Dims:        []int{2, c.cell.numGates(), c.hiddenSize, c.hiddenSize},
				Initializer: weightsInit,
				Regularized: true,
			},
			params.Spec{
				Name:        layerParam(layer, "biases"),
				Dims:        []int{2, c.cell.numBiases(), c.hiddenSize},
				Initializer: biasInit,
			})
	}
	if err := c.reg.Declare(Kind, specs...); err != nil {
		return nil, errors.WithMessagef(err, "encoder %q", path)
	}
	klog.V(1).Infof("encoder %q: %s, %d layer(s), input size %d, hidden size %d, keep prob %g",
		path, c.cell, c.numLayers, c.inputSize, c.hiddenSize, c.keepProb)
	return &Encoder{
		reg:        c.reg,
		inputSize:  c.inputSize,
		hiddenSize: c.hiddenSize,
		numLayers:  c.numLayers,
		cell:       c.cell,
		keepProb:   c.keepProb,
	}, nil
}

func layerParam(layer int, name string) string {
	return fmt.Sprintf("layer_%d_%s", layer, name)
}

// Encoder is a configured bidirectional recurrent encoder. It is created with Config.Done and
// can be applied any number of times: all applications share the same weights.
type Encoder struct {
	reg                   *params.Registry
	inputSize, hiddenSize int
	numLayers             int
	cell                  Cell
	keepProb              float64
}

// OutputSize is the number of features output by the encoder: 2*hiddenSize.
func (e *Encoder) OutputSize() int { return 2 * e.hiddenSize }

// HiddenSize of each direction.
func (e *Encoder) HiddenSize() int { return e.hiddenSize }

// Apply the encoder to x, shaped [batchSize, sequenceLength, inputSize], with its mask shaped
// [batchSize, sequenceLength].
//
// It returns the encoded sequence shaped [batchSize, sequenceLength, 2*hiddenSize]: the forward
// direction outputs followed by the backward direction outputs. Padding positions are zero.
//
// Dropout is only applied if ctx is training.
func (e *Encoder) Apply(ctx *context.Context, x, mask *Node) *Node {
	if x.Rank() != 3 || x.Shape().Dimensions[2] != e.inputSize {
		exceptions.Panicf("encoder %q: x must be shaped [batchSize, sequenceLength, %d], got %s",
			e.reg.Path(), e.inputSize, x.Shape())
	}
	batchSize, seqLen := x.Shape().Dimensions[0], x.Shape().Dimensions[1]
	if mask.Rank() != 2 || mask.Shape().Dimensions[0] != batchSize || mask.Shape().Dimensions[1] != seqLen {
		exceptions.Panicf("encoder %q: mask must be shaped [%d, %d] to match x %s, got %s",
			e.reg.Path(), batchSize, seqLen, x.Shape(), mask.Shape())
	}
	g := x.Graph()
	dtype := x.DType()
	lengths := masked.Lengths(mask)
	klog.V(2).Infof("encoder %q: applying to %s", e.reg.Path(), x.Shape())

	directions := []lstm.DirectionType{lstm.DirForward, lstm.DirReverse}
	outputs := make([]*Node, len(directions))
	for dirIdx, dir := range directions {
		h := x
		for layer := range e.numLayers {
			h = dropout.Apply(ctx, h, e.keepProb)
			dirWeights := func(name string) *Node {
				w := e.reg.Value(g, dtype, layerParam(layer, name))
				return Slice(w, AxisRange(dirIdx, dirIdx+1))
			}
			inputsW, recurrentW, biases := dirWeights("inputs_w"), dirWeights("recurrent_w"), dirWeights("biases")
			var allHiddenStates *Node
			switch e.cell {
			case CellGRU:
				allHiddenStates, _ = gru.NewWithWeights(h, inputsW, recurrentW, biases).
					Direction(dir).Ragged(lengths).Done()
			default:
				allHiddenStates, _, _ = lstm.NewWithWeights(h, inputsW, recurrentW, biases).
					Direction(dir).Ragged(lengths).Done()
			}
			// allHiddenStates: [seqLen, 1, batchSize, hiddenSize] -> [batchSize, seqLen, hiddenSize]
			h = Reshape(allHiddenStates, seqLen, batchSize, e.hiddenSize)
			h = TransposeAllDims(h, 1, 0, 2)
		}
		outputs[dirIdx] = h
	}
	e.reg.Regularize(ctx, g, dtype)

	output := Concatenate(outputs, -1)
	validPositions := Reshape(masked.ToFloat(mask, dtype), batchSize, seqLen, 1)
	output = Mul(output, validPositions)
	return dropout.Apply(ctx, output, e.keepProb)
}
