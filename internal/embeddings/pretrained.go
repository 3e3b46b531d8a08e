package embeddings

import (
	"bufio"
	"os"
	"strconv"
	"strings"

	"github.com/chewxy/math32"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/stat"
	"k8s.io/klog/v2"
)

// Pretrained embeddings loaded from a file, normalized by their global standard deviation.
type Pretrained struct {
	// Tokens in file order: informative only, the index of each token is given by its row.
	Tokens []string

	// Values of the embeddings, row-major, shaped [Count, Dim].
	Values []float32

	Count, Dim int
}

// LoadPretrained reads an embeddings file, one token per line: `token value_1 … value_d`, separated
// by whitespace. The token is discarded, and the whole matrix is divided by the standard deviation of
// all its values.
//
// Ragged rows, unparseable values, an empty file or a matrix with zero standard deviation are errors.
func LoadPretrained(path string) (*Pretrained, error) {
	klog.Infof("Loading pre-trained embedding file: %s", path)
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open pre-trained embeddings %q", path)
	}
	defer func() { _ = f.Close() }()

	p := &Pretrained{}
	var raw []float64
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		dim := len(fields) - 1
		if p.Count == 0 {
			if dim == 0 {
				return nil, errors.Errorf("%s:%d: embedding with no values", path, lineNum)
			}
			p.Dim = dim
		} else if dim != p.Dim {
			return nil, errors.Errorf("%s:%d: embedding has %d values, previous ones had %d", path, lineNum, dim, p.Dim)
		}
		for _, field := range fields[1:] {
			value, err := strconv.ParseFloat(field, 64)
			if err != nil {
				return nil, errors.Wrapf(err, "%s:%d: failed to parse embedding value", path, lineNum)
			}
			raw = append(raw, value)
		}
		p.Tokens = append(p.Tokens, fields[0])
		p.Count++
	}
	if err = scanner.Err(); err != nil {
		return nil, errors.Wrapf(err, "failed to read pre-trained embeddings %q", path)
	}
	if p.Count == 0 {
		return nil, errors.Errorf("pre-trained embeddings %q is empty", path)
	}
	p.Values, err = normalizeByStdDev(raw)
	if err != nil {
		return nil, errors.WithMessagef(err, "pre-trained embeddings %q", path)
	}
	return p, nil
}

// normalizeByStdDev divides all values by their (population) standard deviation.
func normalizeByStdDev(raw []float64) ([]float32, error) {
	_, stdDev := stat.PopMeanStdDev(raw, nil)
	if stdDev == 0 || stdDev != stdDev {
		return nil, errors.Errorf("values have standard deviation %g, can't normalize", stdDev)
	}
	values := make([]float32, len(raw))
	for ii, v := range raw {
		values[ii] = float32(v / stdDev)
		if math32.IsInf(values[ii], 0) || math32.IsNaN(values[ii]) {
			return nil, errors.Errorf("value #%d (%g) is not finite after normalization", ii, v)
		}
	}
	return values, nil
}
