package optimizer

import (
	"math"
	"testing"

	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/graph/graphtest"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/train/optimizers"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/janpfeifer/lisaGo/internal/vars"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/xla"
)

func TestLearningRate(t *testing.T) {
	warmup := Config{LearnRate: 0.04, WarmupSteps: 8000, DecayRate: 1.5}
	assert.InDelta(t, 0.04*math.Pow(8000, -1.5), warmup.LearningRate(0), 1e-12)
	assert.InDelta(t, 0.04/math.Sqrt(8000), warmup.LearningRate(7999), 1e-9, "peak at the end of warmup")
	assert.InDelta(t, 0.04/math.Sqrt(20000), warmup.LearningRate(19999), 1e-9)

	decay := Config{LearnRate: 0.1, DecayRate: 0.5, DecaySteps: 10}
	assert.InDelta(t, 0.1, decay.LearningRate(0), 1e-12)
	assert.InDelta(t, 0.05, decay.LearningRate(10), 1e-12)
	assert.InDelta(t, 0.1*math.Pow(0.5, 2.5), decay.LearningRate(25), 1e-12)

	constant := Config{LearnRate: 0.3, DecayRate: 1.5}
	assert.Equal(t, 0.3, constant.LearningRate(1000))

	// Graph version matches.
	backend := graphtest.BuildTestBackend()
	steps := []float32{0, 10, 25, 7999, 19999}
	for _, cfg := range []Config{warmup, decay, constant} {
		got := tensors.CopyFlatData[float32](ExecOnce(backend, cfg.LearningRateGraph, steps))
		for ii, step := range steps {
			assert.InDelta(t, cfg.LearningRate(int64(step)), got[ii], 1e-6*cfg.LearnRate, "config %+v, step %g", cfg, step)
		}
	}
}

func TestClipByGlobalNorm(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	for _, clip := range []float64{1, 100} {
		outputs := ExecOnceN(backend, func(a, b *Node) []*Node {
			clipped, norm := ClipByGlobalNorm([]*Node{a, b}, clip)
			return []*Node{clipped[0], clipped[1], norm}
		}, []float32{1, 2}, []float32{0, 2})
		assert.InDelta(t, 3.0, tensors.ToScalar[float32](outputs[2]), 1e-6)
		scale := float32(clip / math.Max(3, clip))
		assert.InDeltaSlice(t, []float32{1 * scale, 2 * scale}, tensors.CopyFlatData[float32](outputs[0]), 1e-6)
		assert.InDeltaSlice(t, []float32{0, 2 * scale}, tensors.CopyFlatData[float32](outputs[1]), 1e-6)
	}
}

// trainer runs training steps over the variable "/w", where the loss is the sum of the rows
// selected by the indices given.
type trainer struct {
	ctx  *context.Context
	opt  *LazyAdam
	exec *context.Exec
}

func newTrainer(cfg Config, lazy bool, initial []float32, rows int) *trainer {
	tr := &trainer{ctx: context.New()}
	tr.opt = &LazyAdam{Config: cfg}
	if lazy {
		tr.opt.IsSparse = func(v *context.Variable) bool { return v.Name() == "w" }
	}
	tr.exec = context.NewExec(graphtest.BuildTestBackend(), tr.ctx, func(ctx *context.Context, indices *Node) *Node {
		g := indices.Graph()
		ctx.SetTraining(g, true)
		store := vars.NewStore(ctx, g)
		table := store.Param(ctx, "w", true, vars.FromFlat(initial, rows, len(initial)/rows))
		loss := ReduceAllSum(Gather(table, ExpandAxes(indices, 1)))
		tr.opt.UpdateGraph(ctx, g, loss)
		return loss
	})
	return tr
}

func (tr *trainer) step(indices []int32) {
	_ = tr.exec.Call(indices)
}

func (tr *trainer) value(scope, name string) []float32 {
	v := tr.ctx.InspectVariable(scope, name)
	if v == nil {
		return nil
	}
	return tensors.CopyFlatData[float32](v.Value())
}

func TestLazyAdamStep(t *testing.T) {
	cfg := Config{LearnRate: 0.1, Beta1: 0.9, Beta2: 0.98, Epsilon: 1e-12}
	for _, nesterov := range []bool{false, true} {
		cfg.Nesterov = nesterov
		tr := newTrainer(cfg, false, []float32{1, 2, 3, 4}, 2)
		tr.step([]int32{0})
		// First step moves each touched weight by lr (times 1+beta1 with Nesterov), against the gradient.
		delta := float32(0.1)
		if nesterov {
			delta *= 1.9
		}
		assert.InDeltaSlice(t, []float32{1 - delta, 2 - delta, 3, 4}, tr.value("/", "w"), 1e-5, "nesterov=%v", nesterov)
		assert.Equal(t, int64(1), optimizers.GetGlobalStep(tr.ctx))
		assert.InDeltaSlice(t, []float32{0.1, 0.1, 0, 0}, tr.value("/"+Scope, "w_m"), 1e-6)
	}
}

func TestLazyRows(t *testing.T) {
	cfg := Config{LearnRate: 0.1, Beta1: 0.9, Beta2: 0.98, Epsilon: 1e-8}
	dense := newTrainer(cfg, false, []float32{1, 2, 3}, 3)
	lazy := newTrainer(cfg, true, []float32{1, 2, 3}, 3)
	for _, tr := range []*trainer{dense, lazy} {
		tr.step([]int32{0, 1})
		tr.step([]int32{0})
	}
	// Row 1 gets no gradient in the second step: with dense Adam its momentum still moves it.
	denseW, lazyW := dense.value("/", "w"), lazy.value("/", "w")
	assert.Less(t, denseW[1], lazyW[1])
	assert.InDelta(t, 2-0.1, lazyW[1], 1e-5)
	assert.Equal(t, float32(3), lazyW[2])
	assert.InDelta(t, denseW[0], lazyW[0], 1e-6)
	assert.InDelta(t, 0.1, lazy.value("/"+Scope, "w_m")[1], 1e-6, "lazy moments of untouched rows are not decayed")
}

func TestMovingAverages(t *testing.T) {
	cfg := Config{LearnRate: 0.1, Beta1: 0.9, Beta2: 0.98, Epsilon: 1e-12, MovingAverageDecay: 0.75}
	tr := newTrainer(cfg, false, []float32{1, 2}, 2)
	require.Nil(t, tr.value(vars.ShadowScopeFor("/"), "w"))
	tr.step([]int32{0, 1})
	// shadow = 0.75*initial + 0.25*updated
	assert.InDeltaSlice(t, []float32{0.75*1 + 0.25*0.9, 0.75*2 + 0.25*1.9}, tr.value(vars.ShadowScopeFor("/"), "w"), 1e-5)

	// Outside training the shadow is read.
	backend := graphtest.BuildTestBackend()
	read := context.ExecOnce(backend, tr.ctx, func(ctx *context.Context, x *Node) *Node {
		store := vars.NewStore(ctx, x.Graph())
		return Add(store.Param(ctx, "w", true, vars.Zeros(2, 1)), x)
	}, float32(0))
	assert.InDeltaSlice(t, []float32{0.975, 1.975}, tensors.CopyFlatData[float32](read), 1e-5)

	// Clear removes the slots but keeps the shadows.
	tr.opt.Clear(tr.ctx)
	assert.Nil(t, tr.value("/"+Scope, "w_m"))
	assert.NotNil(t, tr.value(vars.ShadowScopeFor("/"), "w"))
}

func TestConfigFromContext(t *testing.T) {
	ctx := context.New()
	ctx.SetParams(map[string]any{ParamLearningRate: 0.01, ParamUseNesterov: false})
	cfg := ConfigFromContext(ctx)
	assert.Equal(t, 0.01, cfg.LearnRate)
	assert.False(t, cfg.Nesterov)
	assert.Equal(t, 8000, cfg.WarmupSteps)
	assert.Equal(t, 0.999, cfg.MovingAverageDecay)
}
