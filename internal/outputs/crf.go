package outputs

import (
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gopjrt/dtypes"
)

// timeStep returns position t of x ([batch, seq, n]) shaped [batch, n].
func timeStep(x *Node, t int) *Node {
	dims := x.Shape().Dimensions
	return Reshape(Slice(x, AxisRange(), AxisRange(t, t+1)), dims[0], dims[2])
}

// keepAt returns the mask at position t of keep ([batch, seq]) shaped [batch, 1], converted to dtype.
func keepAt(keep *Node, t int, dtype dtypes.DType) *Node {
	batchSize := keep.Shape().Dimensions[0]
	return Reshape(ConvertDType(Slice(keep, AxisRange(), AxisRange(t, t+1)), dtype), batchSize, 1)
}

// blend returns onTrue where mask is 1, and onFalse where it is 0.
func blend(mask, onTrue, onFalse *Node) *Node {
	return Add(Mul(onTrue, mask), Mul(onFalse, Sub(OnesLike(mask), mask)))
}

// crfNegLogLikelihood returns the mean negative log-likelihood of the labels ([batch, seq]) under the
// linear-chain CRF defined by the unary scores ([batch, seq, numTags]) and transitions
// ([numTags, numTags], from row to column).
//
// Padding is expected at the end of the sentences: masked positions carry the forward scores
// unchanged. Sentences with no real tokens don't contribute.
func crfNegLogLikelihood(unary, transitions, labels, keep *Node) *Node {
	g := unary.Graph()
	dims := unary.Shape().Dimensions
	batchSize, seqLen, numTags := dims[0], dims[1], dims[2]
	dtype := unary.DType()
	keep = ConvertDType(keep, dtype)

	// Score of the gold sequence.
	oneHot := OneHot(labels, numTags, dtype)
	goldScore := ReduceSum(Mul(ReduceSum(Mul(unary, oneHot), 2), keep), 1) // [batch]
	if seqLen > 1 {
		from := Slice(oneHot, AxisRange(), AxisRange(0, seqLen-1))
		to := Slice(oneHot, AxisRange(), AxisRange(1, seqLen))
		pairScores := ReduceSum(Mul(Einsum("bsi,ij->bsj", from, transitions), to), 2) // [batch, seq-1]
		goldScore = Add(goldScore, ReduceSum(Mul(pairScores, Slice(keep, AxisRange(), AxisRange(1, seqLen))), 1))
	}

	// Forward algorithm for the log of the partition function.
	alpha := timeStep(unary, 0)
	broadcastTransitions := Reshape(transitions, 1, numTags, numTags)
	for t := 1; t < seqLen; t++ {
		scores := Add(Add(Reshape(alpha, batchSize, numTags, 1), broadcastTransitions),
			Reshape(timeStep(unary, t), batchSize, 1, numTags))
		alpha = blend(keepAt(keep, t, dtype), logSumExp(scores, 1), alpha)
	}
	logPartition := logSumExp(alpha, 1)

	hasTokens := ConvertDType(GreaterThan(ReduceSum(keep, 1), ZerosLike(logPartition)), dtype)
	nll := Mul(Sub(logPartition, goldScore), hasTokens)
	return Div(ReduceAllSum(nll), Max(ReduceAllSum(hasTokens), Scalar(g, dtype, 1)))
}

// viterbiDecode returns the highest scoring tag sequence ([batch, seq] int32, zeroed at padding) and
// its score ([batch]) under the unary scores ([batch, seq, numTags]) and transitions.
func viterbiDecode(unary, transitions, keep *Node) (tags, bestScore *Node) {
	g := unary.Graph()
	dims := unary.Shape().Dimensions
	batchSize, seqLen, numTags := dims[0], dims[1], dims[2]
	dtype := unary.DType()

	identity := Iota(g, shapes.Make(dtypes.Int32, batchSize, numTags), 1)
	backPointers := make([]*Node, seqLen)
	score := timeStep(unary, 0)
	broadcastTransitions := Reshape(transitions, 1, numTags, numTags)
	for t := 1; t < seqLen; t++ {
		scores := Add(Reshape(score, batchSize, numTags, 1), broadcastTransitions) // [batch, from, to]
		best := Add(ReduceMax(scores, 1), timeStep(unary, t))
		backPointer := ArgMax(scores, 1, dtypes.Int32)
		score = blend(keepAt(keep, t, dtype), best, score)
		backPointers[t] = blend(keepAt(keep, t, dtypes.Int32), backPointer, identity)
	}

	path := make([]*Node, seqLen)
	last := ArgMax(score, 1, dtypes.Int32)
	path[seqLen-1] = last
	for t := seqLen - 1; t > 0; t-- {
		path[t-1] = ReduceSum(Mul(OneHot(path[t], numTags, dtypes.Int32), backPointers[t]), 1)
	}
	columns := make([]*Node, seqLen)
	for t, tag := range path {
		columns[t] = Reshape(tag, batchSize, 1)
	}
	tags = Concatenate(columns, 1)
	tags = Mul(tags, ConvertDType(keep, dtypes.Int32))
	bestScore = ReduceMax(score, 1)
	return
}
