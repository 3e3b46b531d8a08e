// Package nn implements the small neural network building blocks used by the model. All parameters are
// created and read through a vars.Store, so they are registered by name and substituted by their moving
// averages outside training.
package nn

import (
	"slices"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/janpfeifer/lisaGo/internal/vars"
)

// LayerNormEpsilon added to the variance before normalizing.
const LayerNormEpsilon = 1e-6

// LeakyReluAlpha is the slope for negative values in MLP.
const LeakyReluAlpha = 0.1

func lastDim(x *Node) int {
	return x.Shape().Dimensions[x.Rank()-1]
}

// Dense applies an affine transformation over the last axis of x: x·W + b.
// Parameters are "weights" and "biases" in the scope of ctx.
func Dense(store *vars.Store, ctx *context.Context, x *Node, outDim int, useBias bool) *Node {
	inDim := lastDim(x)
	weights := store.Param(ctx, "weights", true, vars.GlorotUniform(inDim, outDim))
	outDims := slices.Clone(x.Shape().Dimensions)
	outDims[len(outDims)-1] = outDim
	y := Dot(Reshape(x, x.Shape().Size()/inDim, inDim), weights)
	if useBias {
		biases := store.Param(ctx, "biases", true, vars.Zeros(outDim))
		y = Add(y, ExpandAxes(biases, 0))
	}
	return Reshape(y, outDims...)
}

// MLP is a Dense layer followed by a leaky ReLU and dropout.
func MLP(store *vars.Store, ctx *context.Context, x *Node, outDim int, dropoutRate float64) *Node {
	y := Dense(store, ctx, x, outDim, true)
	y = Max(y, MulScalar(y, LeakyReluAlpha))
	return Dropout(store, ctx, y, dropoutRate)
}

// LayerNorm normalizes the last axis of x to zero mean and unit variance, followed by a learned
// scale ("gamma") and offset ("beta").
func LayerNorm(store *vars.Store, ctx *context.Context, x *Node) *Node {
	dim := lastDim(x)
	axis := x.Rank() - 1
	gamma := store.Param(ctx, "gamma", true, vars.Ones(dim))
	beta := store.Param(ctx, "beta", true, vars.Zeros(dim))
	mean := ExpandAxes(ReduceMean(x, axis), axis)
	centered := Sub(x, mean)
	variance := ExpandAxes(ReduceMean(Square(centered), axis), axis)
	normalized := Div(centered, Sqrt(AddScalar(variance, LayerNormEpsilon)))
	broadcastDims := make([]int, x.Rank())
	for ii := range broadcastDims {
		broadcastDims[ii] = 1
	}
	broadcastDims[axis] = dim
	return Add(Mul(normalized, Reshape(gamma, broadcastDims...)), Reshape(beta, broadcastDims...))
}

// Dropout zeroes elements of x with probability rate during training, scaling the kept ones by
// 1/(1-rate). Outside training, or with rate 0, it returns x unchanged.
func Dropout(store *vars.Store, ctx *context.Context, x *Node, rate float64) *Node {
	if !store.Training() || rate <= 0 {
		return x
	}
	if rate >= 1 {
		exceptions.Panicf("invalid dropout rate %g", rate)
	}
	g := x.Graph()
	keepProb := 1 - rate
	random := ctx.RandomUniform(g, shapes.Make(x.DType(), x.Shape().Dimensions...))
	keep := LessThan(random, Scalar(g, x.DType(), keepProb))
	return Where(keep, DivScalar(x, keepProb), ZerosLike(x))
}

// Bilinear scores every pair of positions of x1 and x2, both shaped [batch, seq, dim], for numOutputs
// outputs. A bias feature is appended to x1, so each x2 position also gets a prior score.
// It returns a tensor shaped [batch, seq (x1), numOutputs, seq (x2)].
func Bilinear(store *vars.Store, ctx *context.Context, x1, x2 *Node, numOutputs int) *Node {
	if x1.Rank() != 3 || x2.Rank() != 3 {
		exceptions.Panicf("Bilinear requires rank-3 inputs, got %s and %s", x1.Shape(), x2.Shape())
	}
	g := x1.Graph()
	dims := x1.Shape().Dimensions
	ones := Ones(g, shapes.Make(x1.DType(), dims[0], dims[1], 1))
	x1 = Concatenate([]*Node{x1, ones}, 2)
	d1, d2 := lastDim(x1), lastDim(x2)
	weights := store.Param(ctx, "bilinear_weights", true, vars.Zeros(d1, numOutputs, d2))
	projected := Einsum("bid,dnk->bink", x1, weights)
	return Einsum("bink,bjk->binj", projected, x2)
}
