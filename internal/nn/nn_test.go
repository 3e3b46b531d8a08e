package nn

import (
	"testing"

	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/graph/graphtest"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/janpfeifer/lisaGo/internal/vars"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/xla"
)

func TestDense(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	// Pre-set weights so the result is known.
	denseCtx := ctx.In("dense")
	denseCtx.VariableWithValue("weights", [][]float32{{1, 0, 1}, {0, 1, 1}})
	denseCtx.VariableWithValue("biases", []float32{0, 0, 10})
	output := context.ExecOnce(backend, ctx, func(ctx *context.Context, x *Node) *Node {
		store := vars.NewStore(ctx, x.Graph())
		return Dense(store, ctx.In("dense"), x, 3, true)
	}, [][][]float32{{{1, 2}, {3, 4}}})
	assert.Equal(t, []int{1, 2, 3}, output.Shape().Dimensions)
	assert.Equal(t, [][][]float32{{{1, 2, 13}, {3, 4, 17}}}, output.Value())
}

func TestLayerNorm(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	output := context.ExecOnce(backend, context.New(), func(ctx *context.Context, x *Node) *Node {
		store := vars.NewStore(ctx, x.Graph())
		return LayerNorm(store, ctx.In("norm"), x)
	}, [][]float32{{1, 2, 3, 4}, {10, 10, 10, 50}})
	values := output.Value().([][]float32)
	for _, row := range values {
		var mean, variance float32
		for _, v := range row {
			mean += v
		}
		mean /= float32(len(row))
		for _, v := range row {
			variance += (v - mean) * (v - mean)
		}
		variance /= float32(len(row))
		assert.InDelta(t, 0, mean, 1e-4)
		assert.InDelta(t, 1, variance, 1e-3)
	}
}

func TestDropout(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	input := make([]float32, 1000)
	for ii := range input {
		input[ii] = 1
	}
	dropoutFn := func(training bool, rate float64) []float32 {
		output := context.ExecOnce(backend, context.New(), func(ctx *context.Context, x *Node) *Node {
			ctx.SetTraining(x.Graph(), training)
			store := vars.NewStore(ctx, x.Graph())
			return Dropout(store, ctx, x, rate)
		}, input)
		return tensors.CopyFlatData[float32](output)
	}
	assert.Equal(t, input, dropoutFn(false, 0.5), "no dropout outside training")
	assert.Equal(t, input, dropoutFn(true, 0), "no dropout with rate 0")

	var numZeros int
	for _, v := range dropoutFn(true, 0.5) {
		if v == 0 {
			numZeros++
		} else {
			require.InDelta(t, 2.0, v, 1e-6, "kept values are scaled by 1/(1-rate)")
		}
	}
	assert.Greater(t, numZeros, 350)
	assert.Less(t, numZeros, 650)
}

func TestBilinear(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	outputs := context.ExecOnceN(backend, ctx, func(ctx *context.Context, inputs []*Node) []*Node {
		store := vars.NewStore(ctx, inputs[0].Graph())
		scores := Bilinear(store, ctx.In("arcs"), inputs[0], inputs[1], 2)
		mlp := MLP(store, ctx.In("mlp"), inputs[0], 5, 0.1)
		return []*Node{scores, mlp}
	},
		tensors.FromShape(shapes.Make(dtypes.Float32, 2, 3, 4)),
		tensors.FromShape(shapes.Make(dtypes.Float32, 2, 3, 6)))
	require.Len(t, outputs, 2)
	assert.Equal(t, []int{2, 3, 2, 3}, outputs[0].Shape().Dimensions)
	assert.Equal(t, []int{2, 3, 5}, outputs[1].Shape().Dimensions)

	// The bias feature appended to x1 makes the weights [4+1, 2, 6].
	weights := ctx.InspectVariable("/arcs", "bilinear_weights")
	require.NotNil(t, weights)
	assert.Equal(t, []int{5, 2, 6}, weights.Shape().Dimensions)
}
