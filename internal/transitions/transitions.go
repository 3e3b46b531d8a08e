// Package transitions loads tag bigram statistics used to initialize the transition parameters of
// CRF and Viterbi decoding.
package transitions

import (
	"bufio"
	"os"
	"strconv"
	"strings"

	"github.com/chewxy/math32"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/pkg/errors"
)

// Load reads the statistics file at path, one `source<TAB>target<TAB>value` triple per line, and returns a
// size x size matrix with matrix[vocabMap[source]][vocabMap[target]] = value. Pairs not listed are 0.
//
// Any unknown tag or malformed line is an error: no partial matrix is returned.
func Load(path string, size int, vocabMap map[string]int) ([][]float32, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open transition statistics %q", path)
	}
	defer func() { _ = f.Close() }()

	matrix := Zeros(size)
	tagIndex := func(tag string, lineNum int) (int, error) {
		idx, found := vocabMap[tag]
		if !found {
			return 0, errors.Errorf("%s:%d: unknown tag %q", path, lineNum, tag)
		}
		if idx < 0 || idx >= size {
			return 0, errors.Errorf("%s:%d: tag %q has index %d, out of range for %d tags", path, lineNum, tag, idx, size)
		}
		return idx, nil
	}

	scanner := bufio.NewScanner(f)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		parts := strings.Split(line, "\t")
		if len(parts) != 3 {
			return nil, errors.Errorf("%s:%d: expected 3 tab-separated fields, got %d", path, lineNum, len(parts))
		}
		from, err := tagIndex(parts[0], lineNum)
		if err != nil {
			return nil, err
		}
		to, err := tagIndex(parts[1], lineNum)
		if err != nil {
			return nil, err
		}
		value, err := strconv.ParseFloat(strings.TrimSpace(parts[2]), 32)
		if err != nil {
			return nil, errors.Wrapf(err, "%s:%d: failed to parse value", path, lineNum)
		}
		v := float32(value)
		if math32.IsNaN(v) || math32.IsInf(v, 0) {
			return nil, errors.Errorf("%s:%d: value %q is not finite", path, lineNum, parts[2])
		}
		matrix[from][to] = v
	}
	if err = scanner.Err(); err != nil {
		return nil, errors.Wrapf(err, "failed to read transition statistics %q", path)
	}
	return matrix, nil
}

// Zeros returns a size x size matrix of zeros, the initial value of transitions without statistics.
func Zeros(size int) [][]float32 {
	matrix := make([][]float32, size)
	for ii := range matrix {
		matrix[ii] = make([]float32, size)
	}
	return matrix
}

// ToTensor converts the matrix to a float32 tensor shaped [size, size].
func ToTensor(matrix [][]float32) *tensors.Tensor {
	return tensors.FromValue(matrix)
}
