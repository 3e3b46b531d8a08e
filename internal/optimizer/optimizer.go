// Package optimizer implements the training update of the model: a Lazy Adam optimizer (with
// optional Nesterov momentum) over gradients clipped by their global norm, with a decaying learning
// rate, followed by the update of the exponential moving averages of every trainable variable.
//
// It implements GoMLX's optimizers.Interface, so it plugs into the usual training step executors.
package optimizer

import (
	"math"
	"path"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/train/optimizers"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/janpfeifer/lisaGo/internal/vars"
)

// Hyperparameters read from the context.
const (
	ParamLearningRate       = "learning_rate"
	ParamBeta1              = "beta1"
	ParamBeta2              = "beta2"
	ParamEpsilon            = "epsilon"
	ParamUseNesterov        = "use_nesterov"
	ParamGradientClipNorm   = "gradient_clip_norm"
	ParamMovingAverageDecay = "moving_average_decay"
	ParamWarmupSteps        = "warmup_steps"
	ParamDecayRate          = "decay_rate"
	ParamDecaySteps         = "decay_steps"
)

// Scope where the optimizer keeps the moments of each variable, mirroring the variable's scope.
const Scope = "lazy_adam"

// Config of the optimizer.
type Config struct {
	LearnRate, Beta1, Beta2, Epsilon float64
	Nesterov                         bool

	// ClipNorm is the maximum global norm of the gradients. 0 disables clipping.
	ClipNorm float64

	// WarmupSteps, DecayRate and DecaySteps define the learning rate schedule, see Config.LearningRate.
	WarmupSteps, DecaySteps int
	DecayRate               float64

	// MovingAverageDecay of the shadow variables. 0 disables the moving averages.
	MovingAverageDecay float64
}

// ConfigFromContext reads the optimizer configuration from the hyperparameters in ctx, with the
// defaults used by the model.
func ConfigFromContext(ctx *context.Context) Config {
	return Config{
		LearnRate:          context.GetParamOr(ctx, ParamLearningRate, 0.04),
		Beta1:              context.GetParamOr(ctx, ParamBeta1, 0.9),
		Beta2:              context.GetParamOr(ctx, ParamBeta2, 0.98),
		Epsilon:            context.GetParamOr(ctx, ParamEpsilon, 1e-12),
		Nesterov:           context.GetParamOr(ctx, ParamUseNesterov, true),
		ClipNorm:           context.GetParamOr(ctx, ParamGradientClipNorm, 5.0),
		WarmupSteps:        context.GetParamOr(ctx, ParamWarmupSteps, 8000),
		DecayRate:          context.GetParamOr(ctx, ParamDecayRate, 1.5),
		DecaySteps:         context.GetParamOr(ctx, ParamDecaySteps, 0),
		MovingAverageDecay: context.GetParamOr(ctx, ParamMovingAverageDecay, 0.999),
	}
}

// LazyAdam is the Adam optimizer where variables selected by IsSparse (embedding tables) only have the
// rows with non-zero gradients updated, moments included.
//
// It implements optimizers.Interface.
type LazyAdam struct {
	Config

	// IsSparse selects the variables updated lazily. They must be rank 2, indexed by row.
	IsSparse func(v *context.Variable) bool
}

var _ optimizers.Interface = (*LazyAdam)(nil)

// New returns a LazyAdam optimizer configured from ctx.
func New(ctx *context.Context, isSparse func(v *context.Variable) bool) *LazyAdam {
	return &LazyAdam{Config: ConfigFromContext(ctx), IsSparse: isSparse}
}

// trainableVariables used by the graph g.
func trainableVariables(ctx *context.Context, g *Graph) []*context.Variable {
	var trainable []*context.Variable
	ctx.EnumerateVariables(func(v *context.Variable) {
		if v.Trainable && v.InUseByGraph(g) {
			trainable = append(trainable, v)
		}
	})
	return trainable
}

// slotVariable returns the optimizer variable name for v, creating it with zeros if needed.
func slotVariable(ctx *context.Context, v *context.Variable, suffix string) *context.Variable {
	slotCtx := ctx.InAbsPath(path.Join(context.RootScope, Scope, v.Scope())).Checked(false)
	name := v.Name() + suffix
	slot := slotCtx.InspectVariable(slotCtx.Scope(), name)
	if slot == nil {
		slot = slotCtx.VariableWithValue(name, tensors.FromShape(v.Shape()))
	}
	slot.SetTrainable(false)
	return slot
}

// UpdateGraph implements optimizers.Interface: it builds the update of every trainable variable used by
// g to minimize loss, and then updates their moving averages.
func (o *LazyAdam) UpdateGraph(ctx *context.Context, g *Graph, loss *Node) {
	if !loss.Shape().IsScalar() {
		exceptions.Panicf("optimizer requires a scalar loss, got %s", loss.Shape())
	}
	variables := trainableVariables(ctx, g)
	if len(variables) == 0 {
		exceptions.Panicf("no trainable variables used in the graph, nothing to optimize")
	}
	dtype := loss.DType()
	globalStep := optimizers.IncrementGlobalStepGraph(ctx, g, dtype)
	learningRate := o.LearningRateGraph(AddScalar(globalStep, -1))

	values := make([]*Node, len(variables))
	for ii, v := range variables {
		values[ii] = v.ValueGraph(g)
	}
	grads := Gradient(loss, values...)
	grads, _ = ClipByGlobalNorm(grads, o.ClipNorm)

	// Bias corrected learning rate.
	beta1, beta2 := Scalar(g, dtype, o.Beta1), Scalar(g, dtype, o.Beta2)
	one := ScalarOne(g, dtype)
	correction := Div(Sqrt(Sub(one, Pow(beta2, globalStep))), Sub(one, Pow(beta1, globalStep)))
	stepSize := Mul(learningRate, correction)

	for ii, v := range variables {
		o.updateVariable(ctx, g, v, values[ii], grads[ii], stepSize)
	}
	if o.MovingAverageDecay > 0 {
		UpdateMovingAverages(ctx, g, variables, o.MovingAverageDecay)
	}
}

func (o *LazyAdam) updateVariable(ctx *context.Context, g *Graph, v *context.Variable, value, grad, stepSize *Node) {
	mVar := slotVariable(ctx, v, "_m")
	vVar := slotVariable(ctx, v, "_v")
	m, second := mVar.ValueGraph(g), vVar.ValueGraph(g)
	grad = ConvertDType(grad, value.DType())

	newM := Add(MulScalar(m, o.Beta1), MulScalar(grad, 1-o.Beta1))
	newV := Add(MulScalar(second, o.Beta2), MulScalar(Square(grad), 1-o.Beta2))
	momentum := newM
	if o.Nesterov {
		momentum = Add(MulScalar(newM, o.Beta1), MulScalar(grad, 1-o.Beta1))
	}
	update := Div(momentum, AddScalar(Sqrt(newV), o.Epsilon))
	newValue := Sub(value, Mul(ConvertDType(stepSize, value.DType()), update))

	if o.IsSparse != nil && o.IsSparse(v) {
		if value.Rank() != 2 {
			exceptions.Panicf("lazy update of variable %s requires rank 2, got shape %s", path.Join(v.Scope(), v.Name()), value.Shape())
		}
		// Only rows with non-zero gradients are touched.
		numRows := value.Shape().Dimensions[0]
		touched := GreaterThan(ReduceSum(Abs(grad), 1), ScalarZero(g, grad.DType()))
		rows := Reshape(ConvertDType(touched, value.DType()), numRows, 1)
		newM = blendRows(rows, newM, m)
		newV = blendRows(rows, newV, second)
		newValue = blendRows(rows, newValue, value)
	}
	mVar.SetValueGraph(newM)
	vVar.SetValueGraph(newV)
	v.SetValueGraph(newValue)
}

// blendRows takes the rows of onTrue where mask ([rows, 1]) is 1, and of onFalse elsewhere.
func blendRows(mask, onTrue, onFalse *Node) *Node {
	return Add(Mul(onTrue, mask), Mul(onFalse, Sub(OnesLike(mask), mask)))
}

// Clear implements optimizers.Interface: it removes all the optimizer slot variables.
// The moving averages are kept, they are part of the model.
func (o *LazyAdam) Clear(ctx *context.Context) {
	ctx.InAbsPath(path.Join(context.RootScope, Scope)).DeleteVariablesInScope()
}

// UpdateMovingAverages updates the shadow of each variable with its (already updated) value:
// shadow = decay*shadow + (1-decay)*value. Missing shadows are created with the current value of the variable.
func UpdateMovingAverages(ctx *context.Context, g *Graph, variables []*context.Variable, decay float64) {
	if decay <= 0 || decay >= 1 || math.IsNaN(decay) {
		exceptions.Panicf("invalid moving average decay %g", decay)
	}
	for _, v := range variables {
		shadow := vars.EnsureShadow(ctx, v)
		value := v.ValueGraph(g)
		updated := Add(MulScalar(shadow.ValueGraph(g), decay), MulScalar(value, 1-decay))
		shadow.SetValueGraph(updated)
	}
}
