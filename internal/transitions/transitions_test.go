package transitions

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/gomlx/types/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeStats(t *testing.T, contents string) string {
	path := filepath.Join(t.TempDir(), "transitions.tsv")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0644))
	return path
}

func TestLoad(t *testing.T) {
	path := writeStats(t, "NN\tVB\t0.25\n")
	matrix, err := Load(path, 2, map[string]int{"NN": 0, "VB": 1})
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{0, 0.25}, {0, 0}}, matrix)

	path = writeStats(t, "NN\tVB\t0.25\nVB\tNN\t-1.5\nDT\tNN\t1e-3\n\n")
	matrix, err = Load(path, 3, map[string]int{"NN": 0, "VB": 1, "DT": 2})
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{0, 0.25, 0}, {-1.5, 0, 0}, {0.001, 0, 0}}, matrix)

	tensor := ToTensor(matrix)
	assert.Equal(t, []int{3, 3}, tensor.Shape().Dimensions)
	assert.Equal(t, float32(-1.5), tensors.CopyFlatData[float32](tensor)[3])
}

func TestLoadErrors(t *testing.T) {
	vocabMap := map[string]int{"NN": 0, "VB": 1}
	for name, contents := range map[string]string{
		"unknown tag":    "NN\tJJ\t0.25\n",
		"missing field":  "NN\tVB\n",
		"extra field":    "NN\tVB\t0.25\t1\n",
		"not a number":   "NN\tVB\tzero\n",
		"not finite":     "NN\tVB\tNaN\n",
		"space not tabs": "NN VB 0.25\n",
	} {
		_, err := Load(writeStats(t, contents), 2, vocabMap)
		assert.Errorf(t, err, "expected error for %s", name)
	}
	_, err := Load(filepath.Join(t.TempDir(), "missing.tsv"), 2, vocabMap)
	assert.Error(t, err)

	// Index out of range of the given size.
	_, err = Load(writeStats(t, "NN\tVB\t1\n"), 1, vocabMap)
	assert.Error(t, err)
}

func TestZeros(t *testing.T) {
	assert.Equal(t, [][]float32{{0, 0}, {0, 0}}, Zeros(2))
}
