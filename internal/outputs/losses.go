package outputs

import (
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gopjrt/dtypes"
)

// maskedLogit is added to the logits of masked entries.
const maskedLogit = -1e9

// logSumExp reduces axis of x with a numerically stable log(Σ exp(x)).
func logSumExp(x *Node, axis int) *Node {
	maxX := StopGradient(ReduceMax(x, axis))
	sumExp := ReduceSum(Exp(Sub(x, ExpandAxes(maxX, axis))), axis)
	return Add(Log(sumExp), maxX)
}

// logSoftmax over the last axis of logits.
func logSoftmax(logits *Node) *Node {
	axis := logits.Rank() - 1
	return Sub(logits, ExpandAxes(logSumExp(logits, axis), axis))
}

// maskedCrossEntropy returns the mean cross entropy over the real tokens. logits are shaped
// labels.Shape() + [numClasses], keep is shaped like labels.
func maskedCrossEntropy(logits, labels, keep *Node) *Node {
	g := logits.Graph()
	dtype := logits.DType()
	axis := logits.Rank() - 1
	numClasses := logits.Shape().Dimensions[axis]
	goldLogProbs := ReduceSum(Mul(logSoftmax(logits), OneHot(labels, numClasses, dtype)), axis)
	total := ReduceAllSum(Mul(Neg(goldLogProbs), keep))
	return Div(total, Max(ReduceAllSum(keep), Scalar(g, dtype, 1)))
}

// argMax over the last axis, as int32 labels zeroed at padded positions.
func argMax(logits, keep *Node) *Node {
	predictions := ArgMax(logits, logits.Rank()-1, dtypes.Int32)
	return Mul(predictions, ConvertDType(keep, dtypes.Int32))
}
