// Package vars implements the registry through which every model parameter is created and read.
//
// A Store is created for each computation graph being built. It guarantees that constructing the same
// named parameter twice in one graph returns the same variable (or fails, depending on the ReusePolicy),
// and it is the single place where parameter reads are redirected to their moving-average shadows
// when the graph is not being trained.
//
// The variables themselves live in the GoMLX context, so graphs built for training, evaluation and
// prediction share the same weights.
package vars

import (
	"hash/fnv"
	"math"
	"math/rand/v2"
	"path"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"k8s.io/klog/v2"
)

// ReusePolicy defines what happens when a parameter with the same scope and name is constructed twice
// in the same graph.
type ReusePolicy int

const (
	// ReuseAuto returns the existing parameter: construct if absent.
	ReuseAuto ReusePolicy = iota

	// ReuseNever panics on the second construction.
	ReuseNever
)

// ShadowScope is the top-level scope where the moving averages of the trainable variables are stored,
// mirroring the scope of the variable they shadow.
const ShadowScope = "moving_average"

// ParamRandomSeed is the hyperparameter with the seed used to initialize parameters.
const ParamRandomSeed = "random_seed"

// Initializer returns the initial value of a parameter, given a random number generator
// seeded deterministically from the random seed and the parameter's full name.
type Initializer func(rng *rand.Rand) *tensors.Tensor

// Store is the parameter registry of one graph.
type Store struct {
	g        *graph.Graph
	training bool
	reuse    ReusePolicy
	seed     uint64

	registry map[string]*context.Variable
	memo     map[string]*graph.Node
}

// NewStore returns an empty Store for the graph g. The training mode and the random seed are taken
// from ctx.
func NewStore(ctx *context.Context, g *graph.Graph) *Store {
	return &Store{
		g:        g,
		training: ctx.IsTraining(g),
		reuse:    ReuseAuto,
		seed:     uint64(context.GetParamOr(ctx, ParamRandomSeed, 42)),
		registry: make(map[string]*context.Variable),
		memo:     make(map[string]*graph.Node),
	}
}

// WithReuse sets the reuse policy and returns the store.
func (s *Store) WithReuse(policy ReusePolicy) *Store {
	s.reuse = policy
	return s
}

// Graph being built with this store.
func (s *Store) Graph() *graph.Graph { return s.g }

// Training returns whether the graph is being built for training.
func (s *Store) Training() bool { return s.training }

func fullName(scope, name string) string {
	return path.Join(scope, name)
}

func (s *Store) rngFor(key string) *rand.Rand {
	h := fnv.New64a()
	_, _ = h.Write([]byte(key))
	return rand.New(rand.NewPCG(s.seed, h.Sum64()))
}

// Variable returns the parameter name in the current scope of ctx, creating it with initialValue if it
// doesn't exist yet in the context (e.g. it wasn't loaded from a checkpoint).
func (s *Store) Variable(ctx *context.Context, name string, trainable bool, initialValue Initializer) *context.Variable {
	key := fullName(ctx.Scope(), name)
	if v, found := s.registry[key]; found {
		if s.reuse == ReuseNever {
			exceptions.Panicf("parameter %q constructed twice in the same graph", key)
		}
		return v
	}
	v := ctx.InspectVariable(ctx.Scope(), name)
	if v == nil {
		v = ctx.Checked(false).VariableWithValue(name, initialValue(s.rngFor(key)))
		klog.V(1).Infof("Created parameter %s shaped %s (trainable=%v)", key, v.Shape(), trainable)
	}
	v.SetTrainable(trainable)
	if trainable {
		EnsureShadow(ctx, v)
	}
	s.registry[key] = v
	return v
}

// Read returns the value of v in the graph. Outside training, if v has a moving-average shadow, the
// shadow's value is returned instead.
func (s *Store) Read(ctx *context.Context, v *context.Variable) *graph.Node {
	if !s.training {
		if shadow := ShadowOf(ctx, v); shadow != nil {
			return shadow.ValueGraph(s.g)
		}
	}
	return v.ValueGraph(s.g)
}

// Param is a shortcut to Variable followed by Read.
func (s *Store) Param(ctx *context.Context, name string, trainable bool, initialValue Initializer) *graph.Node {
	return s.Read(ctx, s.Variable(ctx, name, trainable, initialValue))
}

// Memo returns the node previously built under key in this graph, or builds it with fn.
// It is used for values composed from several parameters, like an embedding table with its OOV row.
func (s *Store) Memo(key string, fn func() *graph.Node) *graph.Node {
	if node, found := s.memo[key]; found {
		return node
	}
	node := fn()
	s.memo[key] = node
	return node
}

// ShadowScopeFor returns the scope of the moving-average shadow of variables in scope.
func ShadowScopeFor(scope string) string {
	return path.Join(context.RootScope, ShadowScope, scope)
}

// ShadowOf returns the moving-average shadow of v, or nil if it doesn't exist yet.
func ShadowOf(ctx *context.Context, v *context.Variable) *context.Variable {
	return ctx.InspectVariable(ShadowScopeFor(v.Scope()), v.Name())
}

// EnsureShadow returns the moving-average shadow of v, creating it with a copy of v's current value
// if it doesn't exist yet.
//
// Shadows are created along with their variables, so every graph built outside training reads them,
// regardless of whether it is compiled before or after the first training step.
func EnsureShadow(ctx *context.Context, v *context.Variable) *context.Variable {
	if shadow := ShadowOf(ctx, v); shadow != nil {
		return shadow
	}
	initial := v.Value()
	var copied *tensors.Tensor
	if initial.DType() == dtypes.Float32 {
		copied = tensors.FromFlatDataAndDimensions(tensors.CopyFlatData[float32](initial), initial.Shape().Dimensions...)
	} else {
		copied = tensors.FromShape(initial.Shape())
		klog.Warningf("moving average of %s (%s) initialized with zeros", fullName(v.Scope(), v.Name()), initial.DType())
	}
	shadow := ctx.InAbsPath(ShadowScopeFor(v.Scope())).Checked(false).VariableWithValue(v.Name(), copied)
	shadow.SetTrainable(false)
	return shadow
}

// Zeros initializer.
func Zeros(dims ...int) Initializer {
	return func(_ *rand.Rand) *tensors.Tensor {
		return tensors.FromShape(shapes.Make(dtypes.Float32, dims...))
	}
}

// Ones initializer.
func Ones(dims ...int) Initializer {
	return func(_ *rand.Rand) *tensors.Tensor {
		flat := make([]float32, shapes.Make(dtypes.Float32, dims...).Size())
		for ii := range flat {
			flat[ii] = 1
		}
		return tensors.FromFlatDataAndDimensions(flat, dims...)
	}
}

// RandomNormal initializer with mean 0 and the given standard deviation.
func RandomNormal(stddev float64, dims ...int) Initializer {
	return func(rng *rand.Rand) *tensors.Tensor {
		flat := make([]float32, shapes.Make(dtypes.Float32, dims...).Size())
		for ii := range flat {
			flat[ii] = float32(rng.NormFloat64() * stddev)
		}
		return tensors.FromFlatDataAndDimensions(flat, dims...)
	}
}

// GlorotUniform initializer for a [fanIn, fanOut] matrix.
func GlorotUniform(fanIn, fanOut int) Initializer {
	return func(rng *rand.Rand) *tensors.Tensor {
		limit := math.Sqrt(6.0 / float64(fanIn+fanOut))
		flat := make([]float32, fanIn*fanOut)
		for ii := range flat {
			flat[ii] = float32((2*rng.Float64() - 1) * limit)
		}
		return tensors.FromFlatDataAndDimensions(flat, fanIn, fanOut)
	}
}

// FromFlat initializer with the exact values given.
func FromFlat(flat []float32, dims ...int) Initializer {
	return func(_ *rand.Rand) *tensors.Tensor {
		return tensors.FromFlatDataAndDimensions(append([]float32(nil), flat...), dims...)
	}
}
