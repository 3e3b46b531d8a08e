package outputs

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/janpfeifer/lisaGo/internal/nn"
	"github.com/janpfeifer/lisaGo/internal/vars"
)

const (
	// ParamAttnMLPSize is the size of the token representations used to score arcs.
	ParamAttnMLPSize = "attn_mlp_size"

	// ParamClassMLPSize is the size of the token representations used to score arc labels.
	ParamClassMLPSize = "class_mlp_size"

	// ParamDependencyTask is the task whose arcs a conditional_bilinear head labels.
	ParamDependencyTask = "dependency_task"

	// KeyDepRelMLP and KeyHeadRelMLP are the outputs of parse_bilinear used by conditional_bilinear.
	KeyDepRelMLP  = "dep_rel_mlp"
	KeyHeadRelMLP = "head_rel_mlp"
)

// splitLastAxis splits x in two along its last axis, at position at.
func splitLastAxis(x *Node, at int) (*Node, *Node) {
	dims := x.Shape().Dimensions
	axis := len(dims) - 1
	specs := make([]SliceAxisSpec, len(dims))
	for ii := range specs {
		specs[ii] = AxisRange()
	}
	specs[axis] = AxisRange(0, at)
	first := Slice(x, specs...)
	specs[axis] = AxisRange(at, dims[axis])
	return first, Slice(x, specs...)
}

// ParseBilinear scores every (dependent, head) pair of tokens with a biaffine classifier and
// predicts the head of each token. The task labels are the head positions.
//
// It also returns the dependent and head representations used to label the arcs
// (KeyDepRelMLP, KeyHeadRelMLP), consumed by ConditionalBilinear.
func ParseBilinear(store *vars.Store, ctx *context.Context, p *Params) Outputs {
	ctx = ctx.In("parse_bilinear")
	attnSize := p.Config.IntParam(ParamAttnMLPSize, 500)
	classSize := p.Config.IntParam(ParamClassMLPSize, 100)
	dims := p.Inputs.Shape().Dimensions
	batchSize, seqLen := dims[0], dims[1]

	depMLP := nn.MLP(store, ctx.In("dep_mlp"), p.Inputs, attnSize+classSize, p.MLPDropout)
	headMLP := nn.MLP(store, ctx.In("head_mlp"), p.Inputs, attnSize+classSize, p.MLPDropout)
	depArc, depRel := splitLastAxis(depMLP, attnSize)
	headArc, headRel := splitLastAxis(headMLP, attnSize)

	arcsCtx := ctx.In("arcs")
	depArc = nn.Dropout(store, arcsCtx, depArc, p.BilinearDropout)
	arcLogits := nn.Bilinear(store, arcsCtx, depArc, headArc, 1)
	arcLogits = Reshape(arcLogits, batchSize, seqLen, seqLen)

	// Padded tokens can't be heads.
	headsMask := Reshape(ConvertDType(p.Keep, arcLogits.DType()), batchSize, 1, seqLen)
	arcLogits = Add(arcLogits, MulScalar(Sub(OnesLike(headsMask), headsMask), maskedLogit))

	return Outputs{
		KeyLoss:        maskedCrossEntropy(arcLogits, p.TaskLabels, p.Keep),
		KeyPredictions: argMax(arcLogits, p.Keep),
		KeyScores:      Softmax(arcLogits, 2),
		KeyDepRelMLP:   depRel,
		KeyHeadRelMLP:  headRel,
	}
}

// ConditionalBilinear labels the arcs of the dependency task (parameter ParamDependencyTask, by
// default "parse_head"), which must be built before and produce KeyDepRelMLP and KeyHeadRelMLP.
//
// During training the gold heads are used, otherwise the predicted ones.
func ConditionalBilinear(store *vars.Store, ctx *context.Context, p *Params) Outputs {
	ctx = ctx.In("conditional_bilinear")
	depTask := p.Config.StringParam(ParamDependencyTask, "parse_head")
	depOutputs, found := p.Predictions[depTask]
	if !found || depOutputs[KeyDepRelMLP] == nil || depOutputs[KeyHeadRelMLP] == nil {
		exceptions.Panicf("task %q (conditional_bilinear) requires the outputs of a parse_bilinear task %q built before it",
			p.Task, depTask)
	}
	heads := depOutputs[KeyPredictions]
	if store.Training() {
		if goldHeads, found := p.Labels[depTask]; found {
			heads = goldHeads
		}
	}

	depRel, headRel := depOutputs[KeyDepRelMLP], depOutputs[KeyHeadRelMLP]
	seqLen := depRel.Shape().Dimensions[1]
	depRel = nn.Dropout(store, ctx, depRel, p.BilinearDropout)
	allLogits := nn.Bilinear(store, ctx, depRel, headRel, p.VocabSize) // [batch, dep, label, head]
	headsOneHot := OneHot(heads, seqLen, allLogits.DType())             // [batch, dep, head]
	logits := Einsum("bins,bis->bin", allLogits, headsOneHot)

	return Outputs{
		KeyLoss:        maskedCrossEntropy(logits, p.TaskLabels, p.Keep),
		KeyPredictions: argMax(logits, p.Keep),
		KeyScores:      Softmax(logits, 2),
	}
}
