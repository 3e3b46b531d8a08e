// Package lisa builds the LISA multi-task sequence labeling model: a transformer encoder whose
// intermediate layers feed task heads, trained jointly with a single penalty weighted loss.
//
// Model.BuildGraph walks the (validated) configuration once per graph, and Trainer owns the GoMLX
// executors used to train, evaluate and predict with it.
package lisa

import (
	"fmt"
	"math/rand/v2"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/janpfeifer/lisaGo/internal/config"
	"github.com/janpfeifer/lisaGo/internal/embeddings"
	"github.com/janpfeifer/lisaGo/internal/evaluation"
	"github.com/janpfeifer/lisaGo/internal/generics"
	"github.com/janpfeifer/lisaGo/internal/masking"
	"github.com/janpfeifer/lisaGo/internal/nn"
	"github.com/janpfeifer/lisaGo/internal/outputs"
	"github.com/janpfeifer/lisaGo/internal/transformer"
	"github.com/janpfeifer/lisaGo/internal/transitions"
	"github.com/janpfeifer/lisaGo/internal/vars"
	"github.com/janpfeifer/lisaGo/internal/vocab"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Scopes of the model variables.
const (
	ScopeProjectInput = "project_input"
	ScopeTransformer  = "transformer"
	ScopeCRF          = "crf"

	// TransitionsVariable is the name of the transition parameters, in the scope ScopeCRF/<task>.
	TransitionsVariable = "transitions"
)

// LayerScope returns the scope name of the transformer layer i.
func LayerScope(i int) string {
	return fmt.Sprintf("layer%d", i)
}

// Model holds the immutable configuration of a LISA model, and builds its graph.
type Model struct {
	Config    *config.ModelConfig
	Tasks     config.TaskConfig
	Layout    *config.Layout
	Vocab     *vocab.Vocab
	Resources *Resources
}

// NewModel validates the configuration and returns the Model. resources can be nil if no input uses
// pre-trained embeddings and no task uses transition statistics.
func NewModel(model *config.ModelConfig, tasks config.TaskConfig, layout *config.Layout, v *vocab.Vocab, resources *Resources) (*Model, error) {
	if err := config.Validate(model, tasks, layout); err != nil {
		return nil, err
	}
	if resources == nil {
		resources = &Resources{}
	}
	for name, input := range model.Inputs.All() {
		if input.PretrainedEmbeddings != "" {
			if resources.Pretrained[name] == nil {
				return nil, errors.Errorf("pre-trained embeddings of input %q were not loaded", name)
			}
			continue
		}
		if _, err := v.Size(name); err != nil {
			return nil, errors.WithMessagef(err, "input %q", name)
		}
	}
	evalNames := generics.MakeSet[string]()
	for _, task := range tasks.Tasks() {
		if _, err := outputs.Dispatch(task.OutputFn.Name); err != nil {
			return nil, errors.WithMessagef(err, "task %q", task.Name)
		}
		if _, err := v.Size(task.Name); err != nil && (task.OutputFn.Name != "parse_bilinear" || task.UsesTransitions()) {
			return nil, errors.WithMessagef(err, "task %q", task.Name)
		}
		if task.TransitionStats != "" && resources.Transitions[task.Name] == nil {
			return nil, errors.Errorf("transition statistics of task %q were not loaded", task.Name)
		}
		for evalName, evalSpec := range task.EvalFns.All() {
			if _, err := evaluation.Dispatch(evalSpec.Name); err != nil {
				return nil, errors.WithMessagef(err, "task %q, evaluation %q", task.Name, evalName)
			}
			if evalNames.Has(evalName) {
				return nil, errors.Errorf("evaluation %q defined more than once", evalName)
			}
			evalNames.Insert(evalName)
		}
	}
	return &Model{Config: model, Tasks: tasks, Layout: layout, Vocab: v, Resources: resources}, nil
}

// NumLayers of the transformer encoder: the highest layer with tasks, plus one.
func (m *Model) NumLayers() int {
	return m.Tasks.NumLayers()
}

// NumColumns is the minimum number of columns of an input batch.
func (m *Model) NumColumns() int {
	return m.Layout.MinColumns()
}

// InputSpecs returns the embedding specs of the inputs, in configuration order.
// Pre-trained inputs take their size from the embeddings file and always include an OOV entry.
func (m *Model) InputSpecs() []embeddings.Spec {
	specs := make([]embeddings.Spec, 0, len(m.Config.Inputs))
	for name, input := range m.Config.Inputs.All() {
		spec := embeddings.Spec{
			Name:       name,
			Dim:        input.EmbeddingDim,
			Pretrained: m.Resources.Pretrained[name],
		}
		if spec.Pretrained != nil {
			spec.IncludeOOV = true
		} else {
			spec.IncludeOOV = m.Vocab.OOV[name]
			spec.NumEmbeddings = m.Vocab.Sizes[name]
		}
		specs = append(specs, spec)
	}
	return specs
}

// Result of building the model graph.
type Result struct {
	// Loss is Σ task loss * penalty, a scalar.
	Loss *Node

	// TaskLosses are the penalized losses, by task name.
	TaskLosses map[string]*Node

	// Outputs of every task head, flattened as "{task}_{key}".
	Outputs map[string]*Node

	// Metrics by evaluation name.
	Metrics map[string]evaluation.Metric

	// Keep is the mask of real tokens, [batch, seq].
	Keep *Node
}

// BuildGraph builds the model over batch, an integer tensor shaped [batch, seq, columns] with the
// features and labels of each token laid out as in m.Layout.
//
// Whether it is building for training is taken from ctx.IsTraining: outside training dropouts are
// disabled and variables are read from their moving averages, if available.
func (m *Model) BuildGraph(ctx *context.Context, batch *Node) *Result {
	if batch.Rank() != 3 {
		exceptions.Panicf("LISA expects input batch shaped [batch, seq, columns], got %s", batch.Shape())
	}
	if numColumns := batch.Shape().Dimensions[2]; numColumns < m.NumColumns() {
		exceptions.Panicf("LISA layout requires %d columns, input batch has %d", m.NumColumns(), numColumns)
	}
	g := batch.Graph()
	training := ctx.IsTraining(g)
	store := vars.NewStore(ctx, g)
	hp := HyperparametersFromContext(ctx).ForMode(training)
	layerConfig := m.Config.Layers.ForMode(training)
	if batch.DType() != dtypes.Int32 {
		batch = ConvertDType(batch, dtypes.Int32)
	}

	// Masking of padding.
	keep := masking.KeepMask(masking.Column(batch, m.Layout.Features[config.WordFeature]), masking.PadValue)
	maskedBatch := masking.MaskFeatures(batch, keep)
	features := make(map[string]*Node, len(m.Layout.Features))
	for name, idx := range m.Layout.Features {
		features[name] = masking.Column(maskedBatch, idx)
	}
	labels := masking.MaskLabels(batch, m.Layout.Labels, keep, masking.PadValue)

	// Input embeddings.
	specs := m.InputSpecs()
	columns := make([]*Node, 0, len(specs))
	for _, spec := range specs {
		columns = append(columns, features[spec.Name])
	}
	x := embeddings.Compose(store, ctx, specs, columns)
	dims := x.Shape().Dimensions
	// Padded positions had their indices zeroed, which collides with entry 0: zero their embeddings too.
	x = Mul(x, Reshape(keep, dims[0], dims[1], 1))
	x = nn.Dropout(store, ctx, x, hp.InputDropout)
	x = nn.MLP(store, ctx.In(ScopeProjectInput), x, layerConfig.HiddenSize(), 0)

	// Transformer stack, with the task heads.
	numLayers := m.NumLayers()
	klog.Infof("Creating transformer model with %d layers", numLayers)
	result := &Result{
		Loss:       ScalarZero(g, dtypes.Float32),
		TaskLosses: make(map[string]*Node),
		Outputs:    make(map[string]*Node),
		Metrics:    make(map[string]evaluation.Metric),
		Keep:       keep,
	}
	predictions := make(map[string]outputs.Outputs)
	transformerCtx := ctx.In(ScopeTransformer)
	x = transformer.AddTimingSignal1D(x)
	for i := range numLayers {
		layerCtx := transformerCtx.In(LayerScope(i))
		x = transformer.Layer(store, layerCtx, x, keep, layerConfig)
		layerTasks, found := m.Tasks[i]
		if !found {
			continue
		}
		x = nn.LayerNorm(store, layerCtx.In("layer_norm"), x)
		for _, task := range layerTasks.All() {
			taskOutputs := m.buildTask(store, ctx, layerCtx, task, hp, x, keep, features, labels, predictions)
			predictions[task.Name] = taskOutputs

			for evalName, evalSpec := range task.EvalFns.All() {
				evalFn, err := evaluation.Dispatch(evalSpec.Name)
				if err != nil {
					panic(err)
				}
				result.Metrics[evalName] = evalFn(&evaluation.Params{
					Task:        task.Name,
					TaskOutputs: taskOutputs,
					TaskLabels:  labels[task.Name],
					Keep:        keep,
					Predictions: predictions,
					Labels:      labels,
					Config:      evalSpec,
				})
			}

			taskLoss := MulScalar(taskOutputs[outputs.KeyLoss], task.Penalty)
			result.TaskLosses[task.Name] = taskLoss
			result.Loss = Add(result.Loss, taskLoss)
		}
	}

	for task, taskOutputs := range predictions {
		for key, node := range taskOutputs {
			result.Outputs[task+"_"+key] = node
		}
	}
	return result
}

// buildTask creates the transition parameters of the task, if any, and builds its head.
func (m *Model) buildTask(store *vars.Store, ctx, layerCtx *context.Context, task config.TaskSpec, hp Hyperparameters,
	x, keep *Node, features, labels map[string]*Node, predictions map[string]outputs.Outputs) outputs.Outputs {
	vocabSize := m.Vocab.Sizes[task.Name]
	var transitionParams *Node
	if task.UsesTransitions() {
		stats, found := m.Resources.Transitions[task.Name]
		if !found {
			stats = transitions.Zeros(vocabSize)
		}
		crfCtx := ctx.In(ScopeCRF).In(task.Name)
		transitionParams = store.Param(crfCtx, TransitionsVariable, task.CRF, func(_ *rand.Rand) *tensors.Tensor {
			return transitions.ToTensor(stats)
		})
		mode := "decoding"
		if task.CRF {
			mode = "training"
		}
		klog.Infof("Created transition params for %s %s", mode, task.Name)
	}

	fn, err := outputs.Dispatch(task.OutputFn.Name)
	if err != nil {
		panic(err)
	}
	params := &outputs.Params{
		Task:                 task.Name,
		Inputs:               x,
		Features:             features,
		Labels:               labels,
		TaskLabels:           labels[task.Name],
		VocabSize:            vocabSize,
		JointLookup:          m.Vocab.JointLookup,
		Keep:                 keep,
		Transitions:          transitionParams,
		TransitionsTrainable: task.CRF,
		MLPDropout:           hp.MLPDropout,
		BilinearDropout:      hp.BilinearDropout,
		Predictions:          predictions,
		Config:               task.OutputFn,
	}
	taskOutputs := fn(store, layerCtx.In(task.Name), params)
	for _, key := range []string{outputs.KeyLoss, outputs.KeyPredictions, outputs.KeyScores} {
		if taskOutputs[key] == nil {
			exceptions.Panicf("output function %q of task %q didn't produce %q", task.OutputFn.Name, task.Name, key)
		}
	}
	return taskOutputs
}
