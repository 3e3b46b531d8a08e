// Package outputs implements the task heads ("output functions") attached to the layers of the
// encoder. Each head turns the encoder activations into the task's predictions, scores and loss.
//
// Heads are selected by name from the task configuration with Dispatch.
package outputs

import (
	"slices"

	"github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/janpfeifer/lisaGo/internal/config"
	"github.com/janpfeifer/lisaGo/internal/generics"
	"github.com/janpfeifer/lisaGo/internal/vars"
	"github.com/pkg/errors"
)

const (
	// KeyLoss is the scalar loss of the task, before the penalty is applied.
	KeyLoss = "loss"

	// KeyPredictions are the predicted labels, [batch, seq] int32.
	KeyPredictions = "predictions"

	// KeyScores are the scores (usually probabilities) of the labels.
	KeyScores = "scores"
)

// Outputs of a task head, by key. Every head produces at least KeyLoss, KeyPredictions and KeyScores.
type Outputs map[string]*graph.Node

// Params holds everything a task head may use.
type Params struct {
	// Task is the name of the task, also the name of its labels.
	Task string

	// Inputs are the (layer normalized) activations of the encoder, [batch, seq, hidden].
	Inputs *graph.Node

	// Features are the masked feature columns, [batch, seq] each.
	Features map[string]*graph.Node

	// Labels are all masked labels, by label name.
	Labels map[string]*graph.Node

	// TaskLabels are the masked labels of this task.
	TaskLabels *graph.Node

	// VocabSize of the task labels.
	VocabSize int

	// JointLookup maps "{joint}_to_{component}" to the component index of each joint label.
	JointLookup map[string][]int32

	// Keep is the float mask of real tokens, [batch, seq].
	Keep *graph.Node

	// Transitions, if not nil, is the [VocabSize, VocabSize] matrix of tag transition scores.
	// TransitionsTrainable is true if it is trained with a CRF loss, false if it is used only
	// for Viterbi decoding.
	Transitions          *graph.Node
	TransitionsTrainable bool

	// MLPDropout and BilinearDropout rates, already adjusted to the mode (0 outside training).
	MLPDropout, BilinearDropout float64

	// Predictions holds the outputs of the tasks already built, by task name, for heads that
	// take other tasks' outputs as inputs.
	Predictions map[string]Outputs

	// Config of the output function, with its own parameters.
	Config config.OutputFnSpec
}

// Fn is a task head. Its variables should be created in ctx (already scoped for the task).
type Fn func(store *vars.Store, ctx *context.Context, p *Params) Outputs

var registry = map[string]Fn{
	"softmax_classifier":       SoftmaxClassifier,
	"joint_softmax_classifier": JointSoftmaxClassifier,
	"parse_bilinear":           ParseBilinear,
	"conditional_bilinear":     ConditionalBilinear,
}

// Dispatch returns the output function registered under name.
func Dispatch(name string) (Fn, error) {
	fn, found := registry[name]
	if !found {
		return nil, errors.Errorf("unknown output function %q, valid values are %q", name, Names())
	}
	return fn, nil
}

// Names of the registered output functions, sorted.
func Names() []string {
	return slices.Collect(generics.SortedKeys(registry))
}
