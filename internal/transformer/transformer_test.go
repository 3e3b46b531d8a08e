package transformer

import (
	"math"
	"testing"

	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/graph/graphtest"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/janpfeifer/lisaGo/internal/config"
	"github.com/janpfeifer/lisaGo/internal/vars"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/xla"
)

func TestTimingSignal(t *testing.T) {
	signal := TimingSignal(3, 5)
	require.Len(t, signal, 3)
	// Position 0: sines are 0, cosines are 1, odd channel padded with 0.
	assert.Equal(t, []float32{0, 0, 1, 1, 0}, signal[0])
	// Position 1, first timescale is 1.
	assert.InDelta(t, math.Sin(1), signal[1][0], 1e-6)
	assert.InDelta(t, math.Cos(1), signal[1][2], 1e-6)
	// Second timescale is MaxTimescale with 2 timescales.
	assert.InDelta(t, math.Sin(2.0/MaxTimescale), signal[2][1], 1e-6)
}

func testLayerConfig() config.LayerConfig {
	return config.LayerConfig{HeadDim: 2, NumHeads: 2, AttnDropout: 0.1, FFDropout: 0.1, PrepostDropout: 0.1, FFHiddenSize: 8}
}

func TestLayer(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	cfg := testLayerConfig()
	x := [][][]float32{
		{{1, 0, 0, 0}, {0, 1, 0, 0}, {0, 0, 1, 0}},
		{{1, 1, 0, 0}, {0, 0, 0, 0}, {0, 0, 0, 0}},
	}
	keep := [][]float32{{1, 1, 1}, {1, 0, 0}}
	layerFn := func(ctx *context.Context, inputs []*Node) *Node {
		g := inputs[0].Graph()
		store := vars.NewStore(ctx, g)
		cfg := cfg.ForMode(ctx.IsTraining(g))
		return Layer(store, ctx.In("layer0"), AddTimingSignal1D(inputs[0]), inputs[1], cfg)
	}
	first := context.ExecOnce(backend, ctx, layerFn, x, keep)
	assert.Equal(t, []int{2, 3, 4}, first.Shape().Dimensions)

	// Outside of training the layer is deterministic.
	second := context.ExecOnce(backend, ctx, layerFn, x, keep)
	assert.Equal(t, tensors.CopyFlatData[float32](first), tensors.CopyFlatData[float32](second))

	// Padded keys don't affect the real tokens: changing the padded positions of the second sentence
	// leaves its first token unchanged.
	x[1][1] = []float32{5, -5, 5, -5}
	third := context.ExecOnce(backend, ctx, layerFn, x, keep)
	firstValues := first.Value().([][][]float32)
	thirdValues := third.Value().([][][]float32)
	assert.InDeltaSlice(t, firstValues[1][0], thirdValues[1][0], 1e-5)
	assert.InDeltaSlice(t, firstValues[0][2], thirdValues[0][2], 1e-5)

	// Parameters of the layer are in the expected scopes.
	assert.NotNil(t, ctx.InspectVariable("/layer0/self_attention/query", "weights"))
	assert.NotNil(t, ctx.InspectVariable("/layer0/ffnn/hidden", "weights"))
	assert.NotNil(t, ctx.InspectVariable("/layer0/ffnn/layer_norm", "gamma"))
}
