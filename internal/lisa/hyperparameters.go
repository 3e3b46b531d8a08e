package lisa

import (
	"github.com/gomlx/gomlx/ml/context"
	"github.com/janpfeifer/lisaGo/internal/optimizer"
	"github.com/janpfeifer/lisaGo/internal/vars"
)

// Hyperparameters of the model itself, besides the optimizer ones.
const (
	ParamInputDropout    = "input_dropout"
	ParamMLPDropout      = "mlp_dropout"
	ParamBilinearDropout = "bilinear_dropout"
	ParamBatchSize       = "batch_size"
	ParamLogEvery        = "log_every"
)

// NewContext returns a context with all hyperparameters set to their default values.
func NewContext() *context.Context {
	ctx := context.New()
	ctx.SetParams(map[string]any{
		// Optimizer.
		optimizer.ParamLearningRate:       0.04,
		optimizer.ParamBeta1:              0.9,
		optimizer.ParamBeta2:              0.98,
		optimizer.ParamEpsilon:            1e-12,
		optimizer.ParamUseNesterov:        true,
		optimizer.ParamGradientClipNorm:   5.0,
		optimizer.ParamMovingAverageDecay: 0.999,
		optimizer.ParamWarmupSteps:        8000,
		optimizer.ParamDecayRate:          1.5,
		optimizer.ParamDecaySteps:         0,

		// Model: dropouts are rates, 0 keeps everything.
		ParamInputDropout:    0.2,
		ParamMLPDropout:      0.1,
		ParamBilinearDropout: 0.1,

		// Training loop.
		ParamBatchSize:       256,
		ParamLogEvery:        20,
		vars.ParamRandomSeed: 42,
	})
	return ctx
}

// Hyperparameters used when building the model graph.
type Hyperparameters struct {
	InputDropout, MLPDropout, BilinearDropout float64
	BatchSize, LogEvery                       int
}

// HyperparametersFromContext reads the model hyperparameters from ctx.
func HyperparametersFromContext(ctx *context.Context) Hyperparameters {
	return Hyperparameters{
		InputDropout:    context.GetParamOr(ctx, ParamInputDropout, 0.2),
		MLPDropout:      context.GetParamOr(ctx, ParamMLPDropout, 0.1),
		BilinearDropout: context.GetParamOr(ctx, ParamBilinearDropout, 0.1),
		BatchSize:       context.GetParamOr(ctx, ParamBatchSize, 256),
		LogEvery:        context.GetParamOr(ctx, ParamLogEvery, 20),
	}
}

// ForMode returns the hyperparameters to use in the given mode: outside training every dropout is
// disabled.
func (h Hyperparameters) ForMode(training bool) Hyperparameters {
	if !training {
		h.InputDropout = 0
		h.MLPDropout = 0
		h.BilinearDropout = 0
	}
	return h
}
