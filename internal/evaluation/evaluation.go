// Package evaluation implements the evaluation functions configured per task.
//
// Each function returns a Metric as a (total, count) pair of scalars for the batch, so results can be
// accumulated over many batches and averaged at the end.
package evaluation

import (
	"slices"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/janpfeifer/lisaGo/internal/config"
	"github.com/janpfeifer/lisaGo/internal/generics"
	"github.com/janpfeifer/lisaGo/internal/outputs"
	"github.com/pkg/errors"
)

const (
	// ParamPredictions selects the predictions output to evaluate. Default is "predictions".
	ParamPredictions = "predictions"

	// ParamTask selects the task whose outputs are evaluated. Default is the task being evaluated.
	ParamTask = "task"

	// ParamLabel selects the gold label. Default is the labels of the task being evaluated.
	ParamLabel = "label"
)

// Metric of one batch: the metric value is Total / Count.
type Metric struct {
	Total, Count *Node
}

// Params holds everything an evaluation function may use.
type Params struct {
	Task        string
	TaskOutputs outputs.Outputs
	TaskLabels  *Node
	Keep        *Node

	// Predictions of all tasks built so far, and all masked labels.
	Predictions map[string]outputs.Outputs
	Labels      map[string]*Node

	Config config.EvalFnSpec
}

// param returns the evaluation function parameter key, or defaultValue.
func (p *Params) param(key, defaultValue string) string {
	if v, found := p.Config.Params[key]; found && v != "" {
		return v
	}
	return defaultValue
}

// predictionsAndLabels resolves the configured predictions and gold labels.
func (p *Params) predictionsAndLabels() (predictions, labels *Node) {
	taskOutputs := p.TaskOutputs
	if task := p.param(ParamTask, p.Task); task != p.Task {
		taskOutputs = p.Predictions[task]
	}
	key := p.param(ParamPredictions, outputs.KeyPredictions)
	predictions = taskOutputs[key]
	if predictions == nil {
		exceptions.Panicf("evaluation %q of task %q: no output %q", p.Config.Name, p.Task, key)
	}
	labels = p.TaskLabels
	if label := p.param(ParamLabel, p.Task); label != p.Task {
		labels = p.Labels[label]
		if labels == nil {
			exceptions.Panicf("evaluation %q of task %q: no label %q", p.Config.Name, p.Task, label)
		}
	}
	if labels.DType() != predictions.DType() {
		labels = ConvertDType(labels, predictions.DType())
	}
	return
}

// Fn is an evaluation function.
type Fn func(p *Params) Metric

var registry = map[string]Fn{
	"accuracy":          Accuracy,
	"sequence_accuracy": SequenceAccuracy,
}

// Dispatch returns the evaluation function registered under name.
func Dispatch(name string) (Fn, error) {
	fn, found := registry[name]
	if !found {
		return nil, errors.Errorf("unknown evaluation function %q, valid values are %q", name, Names())
	}
	return fn, nil
}

// Names of the registered evaluation functions, sorted.
func Names() []string {
	return slices.Collect(generics.SortedKeys(registry))
}

// correctTokens returns a float32 mask of the real tokens predicted correctly.
func correctTokens(p *Params) (correct, keep *Node) {
	predictions, labels := p.predictionsAndLabels()
	keep = ConvertDType(p.Keep, dtypes.Float32)
	correct = Mul(ConvertDType(Equal(predictions, labels), dtypes.Float32), keep)
	return
}

// Accuracy is the fraction of real tokens predicted correctly.
func Accuracy(p *Params) Metric {
	correct, keep := correctTokens(p)
	return Metric{Total: ReduceAllSum(correct), Count: ReduceAllSum(keep)}
}

// SequenceAccuracy is the fraction of sentences with every real token predicted correctly.
// Sentences with no real tokens are not counted.
func SequenceAccuracy(p *Params) Metric {
	correct, keep := correctTokens(p)
	numTokens := ReduceSum(keep, 1)
	numCorrect := ReduceSum(correct, 1)
	hasTokens := ConvertDType(GreaterThan(numTokens, ZerosLike(numTokens)), dtypes.Float32)
	allCorrect := Mul(ConvertDType(Equal(numCorrect, numTokens), dtypes.Float32), hasTokens)
	return Metric{Total: ReduceAllSum(allCorrect), Count: ReduceAllSum(hasTokens)}
}
