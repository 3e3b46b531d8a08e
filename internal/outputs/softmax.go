package outputs

import (
	"strings"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/janpfeifer/lisaGo/internal/nn"
	"github.com/janpfeifer/lisaGo/internal/vars"
)

// ParamMLPSize is the output function parameter with the size of the hidden MLP before the
// classifier logits. 0 (the default) classifies the encoder activations directly.
const ParamMLPSize = "mlp_size"

// classifierLogits projects p.Inputs to p.VocabSize logits.
func classifierLogits(store *vars.Store, ctx *context.Context, p *Params) *Node {
	x := p.Inputs
	if mlpSize := p.Config.IntParam(ParamMLPSize, 0); mlpSize > 0 {
		x = nn.MLP(store, ctx.In("mlp"), x, mlpSize, p.MLPDropout)
	}
	return nn.Dense(store, ctx.In("logits"), x, p.VocabSize, true)
}

// SoftmaxClassifier classifies each token into the task labels.
//
// With trainable transitions the loss is the CRF negative log-likelihood and predictions are
// Viterbi decoded. With fixed transitions the loss is the cross entropy, and predictions are Viterbi
// decoded outside training. Otherwise predictions are the most likely label of each token.
//
// Besides the usual outputs it returns "probabilities" (same as scores) and "logits".
func SoftmaxClassifier(store *vars.Store, ctx *context.Context, p *Params) Outputs {
	ctx = ctx.In("softmax_classifier")
	logits := classifierLogits(store, ctx, p)
	probabilities := Softmax(logits, logits.Rank()-1)
	outputs := Outputs{
		KeyScores:       probabilities,
		"probabilities": probabilities,
		"logits":        logits,
	}

	useViterbi := p.Transitions != nil && (p.TransitionsTrainable || !store.Training())
	if p.Transitions != nil && p.TransitionsTrainable {
		outputs[KeyLoss] = crfNegLogLikelihood(logits, p.Transitions, p.TaskLabels, p.Keep)
	} else {
		outputs[KeyLoss] = maskedCrossEntropy(logits, p.TaskLabels, p.Keep)
	}
	if useViterbi {
		predictions, bestScore := viterbiDecode(logits, p.Transitions, p.Keep)
		outputs[KeyPredictions] = predictions
		outputs["viterbi_score"] = bestScore
	} else {
		outputs[KeyPredictions] = argMax(logits, p.Keep)
	}
	return outputs
}

// JointSoftmaxClassifier classifies each token into joint labels (e.g. "NN/True"), and maps the
// predicted joint label to each of its components using the joint lookup tables. The component
// predictions are returned as "{component}_predictions".
func JointSoftmaxClassifier(store *vars.Store, ctx *context.Context, p *Params) Outputs {
	ctx = ctx.In("joint_softmax_classifier")
	logits := classifierLogits(store, ctx, p)
	probabilities := Softmax(logits, logits.Rank()-1)
	predictions := argMax(logits, p.Keep)
	outputs := Outputs{
		KeyLoss:         maskedCrossEntropy(logits, p.TaskLabels, p.Keep),
		KeyPredictions:  predictions,
		KeyScores:       probabilities,
		"probabilities": probabilities,
	}

	g := logits.Graph()
	prefix := p.Task + "_to_"
	intKeep := ConvertDType(p.Keep, dtypes.Int32)
	for key, table := range p.JointLookup {
		component, found := strings.CutPrefix(key, prefix)
		if !found {
			continue
		}
		if len(table) != p.VocabSize {
			exceptions.Panicf("joint lookup %q has %d entries, but task %q has %d labels", key, len(table), p.Task, p.VocabSize)
		}
		componentPredictions := Gather(Const(g, table), ExpandAxes(predictions, predictions.Rank()))
		outputs[component+"_"+KeyPredictions] = Mul(componentPredictions, intKeep)
	}
	return outputs
}
