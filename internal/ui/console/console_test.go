package console

import (
	"bytes"
	"strings"
	"testing"

	"github.com/janpfeifer/lisaGo/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestCenter(t *testing.T) {
	assert.Equal(t, "  ab\n  cd", Center("ab\ncd", 6))
	assert.Equal(t, " abcd\n\n ab", Center("abcd\n\nab", 7))
	// Too narrow: unchanged.
	assert.Equal(t, "abcd", Center("abcd", 2))
	// Color sequences don't count.
	assert.Equal(t, "  \x1b[1mab\x1b[0m", Center("\x1b[1mab\x1b[0m", 6))
}

func TestTopology(t *testing.T) {
	var tasks config.TaskConfig
	require.NoError(t, yaml.Unmarshal([]byte(`
0:
  pos:
    output_fn: {name: softmax_classifier}
    viterbi: true
    eval_fns:
      pos_accuracy: {name: accuracy}
2:
  parse_head:
    output_fn: {name: parse_bilinear}
    penalty: 0.5
`), &tasks))
	out := Topology(config.LayerConfig{HeadDim: 4, NumHeads: 2, FFHiddenSize: 8}, tasks)
	for _, want := range []string{"layer  0", "layer  1", "layer  2", "pos", "viterbi", "eval=pos_accuracy",
		"parse_head", "penalty=0.5", "2 heads x 4 dims"} {
		assert.Contains(t, out, want)
	}
	// Top layer is rendered first.
	assert.Less(t, strings.Index(out, "layer  2"), strings.Index(out, "layer  0"))
}

func TestStepsBar(t *testing.T) {
	var buf bytes.Buffer
	bar := NewStepsBar(&buf, 3)
	for range 3 {
		require.NoError(t, bar.Add(1))
	}
	require.NoError(t, bar.Finish())
	assert.True(t, bar.IsFinished())
}
