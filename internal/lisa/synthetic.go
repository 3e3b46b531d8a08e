package lisa

import (
	"math/rand/v2"

	"github.com/gomlx/gomlx/types/tensors"
	"github.com/janpfeifer/lisaGo/internal/config"
	"github.com/janpfeifer/lisaGo/internal/masking"
)

// columnRange returns the number of valid values of a feature or label: its vocabulary size, the
// number of pre-trained embeddings, or the sentence length for labels without vocabulary (heads).
func (m *Model) columnRange(name string, sentenceLen int) int {
	if p := m.Resources.Pretrained[name]; p != nil {
		return p.Count
	}
	if size, found := m.Vocab.Sizes[name]; found && size > 0 {
		return size
	}
	return sentenceLen
}

// RandomBatch returns a batch shaped [batchSize, seqLen, columns] of random valid values for the
// model's layout. Each sentence has a random length in [1, seqLen], and the remaining tokens are
// padding. Multi-column labels also have some of their sub-columns set to masking.PadValue.
func (m *Model) RandomBatch(rng *rand.Rand, batchSize, seqLen int) *tensors.Tensor {
	numColumns := m.NumColumns()
	flat := make([]int32, batchSize*seqLen*numColumns)
	wordColumn := m.Layout.Features[config.WordFeature]
	for b := range batchSize {
		sentenceLen := 1 + rng.IntN(seqLen)
		for s := range seqLen {
			row := flat[(b*seqLen+s)*numColumns : (b*seqLen+s+1)*numColumns]
			if s >= sentenceLen {
				row[wordColumn] = masking.PadValue
				for _, r := range m.Layout.Labels {
					if r.MultiColumn() {
						for c := r.Start; c < numColumns; c++ {
							row[c] = masking.PadValue
						}
					}
				}
				continue
			}
			for name, idx := range m.Layout.Features {
				row[idx] = int32(rng.IntN(m.columnRange(name, sentenceLen)))
			}
			for name, r := range m.Layout.Labels {
				end := r.End
				if r.MultiColumn() {
					end = numColumns
				}
				valueRange := m.columnRange(name, sentenceLen)
				for c := r.Start; c < end; c++ {
					if r.MultiColumn() && rng.IntN(4) == 0 {
						row[c] = masking.PadValue
						continue
					}
					row[c] = int32(rng.IntN(valueRange))
				}
			}
		}
	}
	return tensors.FromFlatDataAndDimensions(flat, batchSize, seqLen, numColumns)
}
