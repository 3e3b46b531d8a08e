package lisa

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/checkpoints"
	"github.com/gomlx/gomlx/ml/train"
	"github.com/gomlx/gomlx/ml/train/optimizers"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/janpfeifer/lisaGo/internal/embeddings"
	"github.com/janpfeifer/lisaGo/internal/generics"
	"github.com/janpfeifer/lisaGo/internal/optimizer"
	"github.com/janpfeifer/lisaGo/internal/parameters"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Trainer owns the executors to train, evaluate and predict with a Model, and its checkpoint.
type Trainer struct {
	model   *Model
	ctx     *context.Context
	backend backends.Backend

	// Executors.
	trainStepExec, evalExec, predictExec *context.Exec

	// Keys of the values returned by the executors: they are defined when the graphs are first built,
	// and are the same for every graph since they only depend on the configuration.
	taskNames, metricNames, outputKeys []string

	// checkpoint handler, if model is being saved/loaded to/from disk.
	checkpoint *checkpoints.Handler

	// checkpointsToKeep is the number of copies of older checkpoints to keep around.
	// Default to 10.
	checkpointsToKeep int

	// Hyperparameters cached values: they should also be set in ctx.
	hyperparameters Hyperparameters

	// muLearning "write" for learning, and "read" for evaluating and predicting.
	muLearning sync.RWMutex

	// optimizer used when training the model.
	optimizer *optimizer.LazyAdam

	// NumCompilations of computation graphs.
	NumCompilations int

	// muSave makes saving sequential.
	muSave sync.Mutex
}

// NewTrainer creates the executors for model, with the hyperparameters in ctx (see NewContext).
//
// If checkpointDir is given, the model is loaded from it (if it exists) and saved to it. params
// overwrite the hyperparameters, after the checkpoint is loaded, and may include "keep", the number of
// checkpoints to keep. Unknown params are an error.
func NewTrainer(backend backends.Backend, ctx *context.Context, model *Model, checkpointDir string, params parameters.Params) (*Trainer, error) {
	t := &Trainer{
		model:   model,
		ctx:     ctx,
		backend: backend,
	}

	var err error
	t.checkpointsToKeep, err = parameters.PopParamOr(params, "keep", 10)
	if err != nil {
		return nil, err
	}
	if checkpointDir != "" {
		t.checkpoint, err = checkpoints.Build(ctx).Dir(checkpointDir).Keep(t.checkpointsToKeep).Immediate().Done()
		if err != nil {
			return nil, errors.WithMessagef(err, "failed to build checkpoint for model in path %s", checkpointDir)
		}
	}

	// Overwrite hyperparameters from given params.
	if err = parameters.OverwriteContextParams("lisa", params, ctx); err != nil {
		return nil, err
	}
	if err = parameters.CheckAllConsumed("lisa", params); err != nil {
		return nil, err
	}
	t.hyperparameters = HyperparametersFromContext(ctx)

	t.optimizer = optimizer.New(ctx, func(v *context.Variable) bool {
		return embeddings.IsTableVariable(v.Name())
	})
	for _, task := range model.Tasks.Tasks() {
		t.taskNames = append(t.taskNames, task.Name)
	}
	slices.Sort(t.taskNames)
	t.createExecutors()
	return t, nil
}

// Context of the model, with its variables and hyperparameters.
func (t *Trainer) Context() *context.Context { return t.ctx }

// Model being trained.
func (t *Trainer) Model() *Model { return t.model }

// BatchSize returns the configured batch size.
func (t *Trainer) BatchSize() int { return t.hyperparameters.BatchSize }

func (t *Trainer) createExecutors() {
	ctx := t.ctx.Checked(false)
	t.trainStepExec = context.NewExec(t.backend, ctx, func(ctx *context.Context, batch *graph.Node) []*graph.Node {
		t.NumCompilations++
		g := batch.Graph()
		ctx.SetTraining(g, true)
		result := t.model.BuildGraph(ctx, batch)
		t.optimizer.UpdateGraph(ctx, g, result.Loss)
		train.ExecPerStepUpdateGraphFn(ctx, g)
		values := []*graph.Node{result.Loss}
		for _, task := range t.taskNames {
			values = append(values, result.TaskLosses[task])
		}
		return values
	})
	t.evalExec = context.NewExec(t.backend, ctx, func(ctx *context.Context, batch *graph.Node) []*graph.Node {
		t.NumCompilations++
		result := t.model.BuildGraph(ctx, batch)
		t.metricNames = slices.Sorted(maps.Keys(result.Metrics))
		values := []*graph.Node{result.Loss}
		for _, name := range t.metricNames {
			values = append(values, result.Metrics[name].Total, result.Metrics[name].Count)
		}
		return values
	})
	t.predictExec = context.NewExec(t.backend, ctx, func(ctx *context.Context, batch *graph.Node) []*graph.Node {
		t.NumCompilations++
		result := t.model.BuildGraph(ctx, batch)
		t.outputKeys = slices.Sorted(maps.Keys(result.Outputs))
		return generics.SliceMap(t.outputKeys, func(key string) *graph.Node { return result.Outputs[key] })
	})
}

// call executes exec, converting panics during graph building or execution into errors.
func call(exec *context.Exec, batch *tensors.Tensor) (results []*tensors.Tensor, err error) {
	err = exceptions.TryCatch[error](func() {
		results = exec.Call(batch)
	})
	return
}

// StepLosses returned by Learn.
type StepLosses struct {
	Step int64
	Loss float32

	// Tasks losses, after applying the penalty.
	Tasks map[string]float32
}

// String implements fmt.Stringer.
func (l StepLosses) String() string {
	parts := []string{fmt.Sprintf("step=%d", l.Step), fmt.Sprintf("loss=%.4f", l.Loss)}
	for task, loss := range generics.SortedKeysAndValues(l.Tasks) {
		parts = append(parts, fmt.Sprintf("%s_loss=%.4f", task, loss))
	}
	return strings.Join(parts, ", ")
}

// Learn performs one training step with batch ([batch, seq, columns] int32). It logs the losses and the
// learning rate every "log_every" steps.
func (t *Trainer) Learn(batch *tensors.Tensor) (StepLosses, error) {
	t.muLearning.Lock()
	defer t.muLearning.Unlock()
	results, err := call(t.trainStepExec, batch)
	if err != nil {
		return StepLosses{}, errors.WithMessagef(err, "training step failed")
	}
	losses := StepLosses{
		Step:  optimizers.GetGlobalStep(t.ctx),
		Loss:  tensors.ToScalar[float32](results[0]),
		Tasks: make(map[string]float32, len(t.taskNames)),
	}
	for ii, task := range t.taskNames {
		losses.Tasks[task] = tensors.ToScalar[float32](results[1+ii])
	}
	if logEvery := t.hyperparameters.LogEvery; logEvery > 0 && losses.Step%int64(logEvery) == 0 {
		klog.Infof("%s, lr=%.6g", losses, t.optimizer.LearningRate(losses.Step-1))
	}
	return losses, nil
}

// EvalResults are the metrics accumulated over many batches.
type EvalResults struct {
	// Loss is the mean loss over the batches, weighted by the batch size.
	Loss float64

	// Metrics by evaluation name: Σ totals / Σ counts over all batches.
	Metrics map[string]float64
}

// Evaluate the model (using the moving averages of the variables) over the batches.
func (t *Trainer) Evaluate(batches []*tensors.Tensor) (EvalResults, error) {
	t.muLearning.RLock()
	defer t.muLearning.RUnlock()
	var lossSum float64
	var numExamples int
	totals, counts := make(map[string]float64), make(map[string]float64)
	for _, batch := range batches {
		results, err := call(t.evalExec, batch)
		if err != nil {
			return EvalResults{}, errors.WithMessagef(err, "evaluation failed")
		}
		batchSize := batch.Shape().Dimensions[0]
		lossSum += float64(tensors.ToScalar[float32](results[0])) * float64(batchSize)
		numExamples += batchSize
		for ii, name := range t.metricNames {
			totals[name] += float64(tensors.ToScalar[float32](results[1+2*ii]))
			counts[name] += float64(tensors.ToScalar[float32](results[2+2*ii]))
		}
	}
	r := EvalResults{Metrics: make(map[string]float64, len(totals))}
	if numExamples > 0 {
		r.Loss = lossSum / float64(numExamples)
	}
	for name, total := range totals {
		if counts[name] > 0 {
			r.Metrics[name] = total / counts[name]
		}
	}
	return r, nil
}

// Predict returns the flattened outputs ("{task}_{key}") of every task for the batch.
func (t *Trainer) Predict(batch *tensors.Tensor) (map[string]*tensors.Tensor, error) {
	t.muLearning.RLock()
	defer t.muLearning.RUnlock()
	results, err := call(t.predictExec, batch)
	if err != nil {
		return nil, errors.WithMessagef(err, "prediction failed")
	}
	predictions := make(map[string]*tensors.Tensor, len(results))
	for ii, key := range t.outputKeys {
		predictions[key] = results[ii]
	}
	return predictions, nil
}

// NumParameters returns the number of trainable values of the model. It is 0 until a graph is built.
func (t *Trainer) NumParameters() int {
	var sizes []int
	t.ctx.EnumerateVariables(func(v *context.Variable) {
		if v.Trainable {
			sizes = append(sizes, v.Shape().Size())
		}
	})
	return generics.Sum(sizes)
}

// ClearOptimizer variables and the global step.
func (t *Trainer) ClearOptimizer() {
	t.muLearning.Lock()
	defer t.muLearning.Unlock()
	optimizers.DeleteGlobalStep(t.ctx)
	t.optimizer.Clear(t.ctx)
}

// Save the model, if it is associated to a checkpoint directory.
func (t *Trainer) Save() error {
	t.muSave.Lock()
	defer t.muSave.Unlock()
	if t.checkpoint == nil {
		klog.Warningf("This model is not associated to a checkpoint directory, not saving")
		return nil
	}
	t.muLearning.RLock()
	defer t.muLearning.RUnlock()
	return t.checkpoint.Save()
}

// String implements fmt.Stringer.
func (t *Trainer) String() string {
	if t == nil {
		return "<nil>[LISA]"
	}
	name := fmt.Sprintf("LISA[GoMLX/%s]", t.backend.Name())
	if t.checkpoint == nil || t.checkpoint.Dir() == "" {
		return name
	}
	return fmt.Sprintf("%s@%s", name, t.checkpoint.Dir())
}

// Finalize the executors and the context: the Trainer is left in an invalid state, but resources are
// immediately freed.
func (t *Trainer) Finalize() {
	t.trainStepExec.Finalize()
	t.evalExec.Finalize()
	t.predictExec.Finalize()
	t.ctx.Finalize()
}
