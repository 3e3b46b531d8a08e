// Package masking builds the padding mask from the word column and applies it to the features and
// labels of a batch, before any embedding lookup or loss.
package masking

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/janpfeifer/lisaGo/internal/config"
)

// PadValue marks padded tokens in the word column, and padded sub-columns of multi-column labels.
// It is shared with the data layer.
const PadValue = -1

// KeepMask returns a float32 mask shaped like words ([batch, seq]): 1 where the word is not padValue,
// 0 otherwise.
func KeepMask(words *Node, padValue int) *Node {
	g := words.Graph()
	isReal := NotEqual(words, Scalar(g, words.DType(), padValue))
	return ConvertDType(isReal, dtypes.Float32)
}

// intMask converts the keep mask to dtype and appends an axis, so it broadcasts over the
// columns of the batch: [batch, seq, 1].
func intMask(keep *Node, dtype dtypes.DType) *Node {
	dims := keep.Shape().Dimensions
	return Reshape(ConvertDType(keep, dtype), dims[0], dims[1], 1)
}

// MaskFeatures multiplies every column of features ([batch, seq, columns], integer) by the keep mask.
// Padded positions end up with index 0 in every feature.
func MaskFeatures(features, keep *Node) *Node {
	if features.Rank() != 3 || keep.Rank() != 2 {
		exceptions.Panicf("masking.MaskFeatures: features must be rank 3 and keep rank 2, got %s and %s",
			features.Shape(), keep.Shape())
	}
	return Mul(features, intMask(keep, features.DType()))
}

// Column returns the column idx of the batch ([batch, seq, columns]) shaped [batch, seq].
func Column(batch *Node, idx int) *Node {
	dims := batch.Shape().Dimensions
	if idx < 0 || idx >= dims[2] {
		exceptions.Panicf("masking.Column: column %d out of range for batch shaped %s", idx, batch.Shape())
	}
	column := Slice(batch, AxisRange(), AxisRange(), AxisRange(idx, idx+1))
	return Reshape(column, dims[0], dims[1])
}

// MaskLabel slices the label range out of the batch ([batch, seq, columns]) and zeroes it at
// padded positions.
//
// Single column ranges are returned shaped [batch, seq]. Ranges that run to the end of the row keep
// their columns, [batch, seq, cols], and additionally have every sub-column equal to padValue zeroed.
func MaskLabel(batch *Node, labelRange config.LabelRange, keep *Node, padValue int) *Node {
	dims := batch.Shape().Dimensions
	end := labelRange.End
	if labelRange.MultiColumn() {
		end = dims[2]
	}
	if labelRange.Start < 0 || end > dims[2] || labelRange.Start >= end {
		exceptions.Panicf("masking.MaskLabel: label range %v invalid for batch shaped %s", labelRange, batch.Shape())
	}
	labels := Slice(batch, AxisRange(), AxisRange(), AxisRange(labelRange.Start, end))
	labels = Mul(labels, intMask(keep, labels.DType()))
	if !labelRange.MultiColumn() {
		if end-labelRange.Start != 1 {
			// Fixed multi-column ranges are not squeezed.
			return labels
		}
		return Reshape(labels, dims[0], dims[1])
	}
	g := batch.Graph()
	notPad := ConvertDType(NotEqual(labels, Scalar(g, labels.DType(), padValue)), labels.DType())
	return Mul(labels, notPad)
}

// MaskLabels applies MaskLabel to every label range, keyed by label name.
func MaskLabels(batch *Node, labelRanges map[string]config.LabelRange, keep *Node, padValue int) map[string]*Node {
	labels := make(map[string]*Node, len(labelRanges))
	for name, labelRange := range labelRanges {
		labels[name] = MaskLabel(batch, labelRange, keep, padValue)
	}
	return labels
}
