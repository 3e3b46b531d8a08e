// Package transformer implements the encoder layer of the model: pre-normalized multi-head self-attention
// and feed-forward blocks with residual connections, and the sinusoidal timing signal added to the inputs.
package transformer

import (
	"math"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/layers/activations"
	"github.com/janpfeifer/lisaGo/internal/config"
	"github.com/janpfeifer/lisaGo/internal/nn"
	"github.com/janpfeifer/lisaGo/internal/vars"
)

const (
	MinTimescale = 1.0
	MaxTimescale = 1.0e4

	// maskedLogit is added to the attention logits of padded keys.
	maskedLogit = -1e9
)

// TimingSignal returns the sinusoidal position signal shaped [length, channels]: the first half of the
// channels are sines and the second half cosines of the position at geometrically spaced timescales.
// If channels is odd, the last channel is 0.
func TimingSignal(length, channels int) [][]float32 {
	numTimescales := channels / 2
	logIncrement := math.Log(MaxTimescale/MinTimescale) / float64(max(numTimescales-1, 1))
	signal := make([][]float32, length)
	for pos := range length {
		row := make([]float32, channels)
		for ii := range numTimescales {
			scaledTime := float64(pos) * MinTimescale * math.Exp(float64(ii)*-logIncrement)
			row[ii] = float32(math.Sin(scaledTime))
			row[numTimescales+ii] = float32(math.Cos(scaledTime))
		}
		signal[pos] = row
	}
	return signal
}

// AddTimingSignal1D adds the timing signal to x, shaped [batch, seq, channels].
func AddTimingSignal1D(x *Node) *Node {
	dims := x.Shape().Dimensions
	if len(dims) != 3 {
		exceptions.Panicf("AddTimingSignal1D requires a [batch, seq, channels] input, got %s", x.Shape())
	}
	signal := ConvertDType(Const(x.Graph(), TimingSignal(dims[1], dims[2])), x.DType())
	return Add(x, ExpandAxes(signal, 0))
}

// Layer applies one transformer layer to x, shaped [batch, seq, hidden], where hidden must equal
// cfg.HiddenSize(). keep is the [batch, seq] mask of real (non-padding) tokens, used to mask the
// attention keys.
//
// The configuration should already be adjusted with cfg.ForMode, so dropouts are disabled outside training.
func Layer(store *vars.Store, ctx *context.Context, x, keep *Node, cfg config.LayerConfig) *Node {
	hidden := cfg.HiddenSize()
	if x.Rank() != 3 || x.Shape().Dimensions[2] != hidden {
		exceptions.Panicf("transformer layer expects input [batch, seq, %d], got %s", hidden, x.Shape())
	}

	attnCtx := ctx.In("self_attention")
	normalized := nn.LayerNorm(store, attnCtx.In("layer_norm"), x)
	y := MultiHeadAttention(store, attnCtx, normalized, keep, cfg)
	x = Add(normalized, nn.Dropout(store, attnCtx, y, cfg.PrepostDropout))

	ffCtx := ctx.In("ffnn")
	normalized = nn.LayerNorm(store, ffCtx.In("layer_norm"), x)
	y = nn.Dense(store, ffCtx.In("hidden"), normalized, cfg.FFHiddenSize, true)
	y = activations.Relu(y)
	y = nn.Dropout(store, ffCtx, y, cfg.FFDropout)
	y = nn.Dense(store, ffCtx.In("output"), y, hidden, true)
	return Add(normalized, nn.Dropout(store, ffCtx, y, cfg.PrepostDropout))
}

// MultiHeadAttention is a masked multi-head self-attention over x, shaped [batch, seq, hidden].
func MultiHeadAttention(store *vars.Store, ctx *context.Context, x, keep *Node, cfg config.LayerConfig) *Node {
	dims := x.Shape().Dimensions
	batchSize, seqLen, hidden := dims[0], dims[1], dims[2]
	numHeads, headDim := cfg.NumHeads, cfg.HeadDim

	splitHeads := func(name string) *Node {
		projected := nn.Dense(store, ctx.In(name), x, hidden, false)
		return Reshape(projected, batchSize, seqLen, numHeads, headDim)
	}
	query := MulScalar(splitHeads("query"), 1/math.Sqrt(float64(headDim)))
	key := splitHeads("key")
	value := splitHeads("value")

	logits := Einsum("bqhd,bkhd->bhqk", query, key) // [batch, heads, query, key]
	keysMask := Reshape(ConvertDType(keep, logits.DType()), batchSize, 1, 1, seqLen)
	logits = Add(logits, MulScalar(Sub(OnesLike(keysMask), keysMask), maskedLogit))
	weights := Softmax(logits, 3)
	weights = nn.Dropout(store, ctx, weights, cfg.AttnDropout)

	attended := Einsum("bhqk,bkhd->bhqd", weights, value)
	attended = Reshape(TransposeAllDims(attended, 0, 2, 1, 3), batchSize, seqLen, hidden)
	return nn.Dense(store, ctx.In("output_transform"), attended, hidden, false)
}
