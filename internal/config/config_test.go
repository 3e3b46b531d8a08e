package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

const testModelJSON = `{
  "layers": {
    "head_dim": 25, "num_heads": 8, "attn_dropout": 0.1, "ff_dropout": 0.1,
    "prepost_dropout": 0.2, "ff_hidden_size": 800
  },
  "inputs": {
    "word_type": {"embedding_dim": 100, "pretrained_embeddings": "glove.100d.txt"},
    "predicate": {"embedding_dim": 100}
  }
}`

const testTasksYAML = `
"3":
  parse_head:
    penalty: 1.0
    output_fn:
      name: parse_bilinear
      params: {class_mlp_size: 100}
    eval_fns:
      parse_eval: {name: accuracy}
"0":
  gold_pos:
    output_fn: {name: softmax_classifier}
    crf: true
    transition_stats: pos_transitions.tsv
  predicate:
    penalty: 0.5
    viterbi: true
    output_fn: {name: softmax_classifier}
`

const testLayoutYAML = `
features:
  word_type: 3
  predicate: 4
labels:
  gold_pos: 5
  parse_head: [6, 7]
  predicate: [7, 8]
  srl: [8, -1]
`

func TestParse(t *testing.T) {
	model := &ModelConfig{}
	require.NoError(t, yaml.Unmarshal([]byte(testModelJSON), model))
	assert.Equal(t, []string{"word_type", "predicate"}, model.Inputs.Keys())
	wordInput, found := model.Inputs.Get("word_type")
	require.True(t, found)
	assert.Equal(t, 100, wordInput.EmbeddingDim)
	assert.Equal(t, "glove.100d.txt", wordInput.PretrainedEmbeddings)
	assert.Equal(t, 200, model.Layers.HiddenSize())

	var tasks TaskConfig
	require.NoError(t, yaml.Unmarshal([]byte(testTasksYAML), &tasks))
	assert.Equal(t, 4, tasks.NumLayers())
	assert.Equal(t, []string{"gold_pos", "predicate"}, tasks[0].Keys())
	all := tasks.Tasks()
	require.Len(t, all, 3)
	assert.Equal(t, "gold_pos", all[0].Name)
	assert.True(t, all[0].CRF)
	assert.Equal(t, 1.0, all[0].Penalty, "penalty defaults to 1")
	assert.Equal(t, 0.5, all[1].Penalty)
	assert.Equal(t, "parse_head", all[2].Name)
	assert.Equal(t, 100, all[2].OutputFn.IntParam("class_mlp_size", 0))
	assert.Equal(t, 7, all[2].OutputFn.IntParam("attn_mlp_size", 7))
	assert.Equal(t, []string{"parse_eval"}, all[2].EvalFns.Keys())

	layout := &Layout{}
	require.NoError(t, yaml.Unmarshal([]byte(testLayoutYAML), layout))
	assert.Equal(t, LabelRange{5, 6}, layout.Labels["gold_pos"])
	assert.True(t, layout.Labels["srl"].MultiColumn())
	assert.False(t, layout.Labels["parse_head"].MultiColumn())
	assert.Equal(t, 9, layout.MinColumns())
	assert.Equal(t, []string{"word_type", "predicate"}, layout.SortedFeatureNames())

	require.NoError(t, Validate(model, tasks, layout))
}

func TestValidate(t *testing.T) {
	model := &ModelConfig{}
	require.NoError(t, yaml.Unmarshal([]byte(testModelJSON), model))
	var tasks TaskConfig
	require.NoError(t, yaml.Unmarshal([]byte(testTasksYAML), &tasks))

	// Missing word_type.
	layout := &Layout{}
	require.NoError(t, yaml.Unmarshal([]byte(testLayoutYAML), layout))
	delete(layout.Features, WordFeature)
	assert.ErrorContains(t, Validate(model, tasks, layout), WordFeature)

	// Task without label.
	layout = &Layout{}
	require.NoError(t, yaml.Unmarshal([]byte(testLayoutYAML), layout))
	delete(layout.Labels, "predicate")
	assert.ErrorContains(t, Validate(model, tasks, layout), "predicate")

	// Transition statistics without crf or viterbi are accepted: they are loaded but unused.
	layout = &Layout{}
	require.NoError(t, yaml.Unmarshal([]byte(testLayoutYAML), layout))
	var statsOnly TaskConfig
	require.NoError(t, yaml.Unmarshal([]byte(`"0": {predicate: {output_fn: {name: softmax_classifier}, transition_stats: t.tsv}}`), &statsOnly))
	assert.NoError(t, Validate(model, statsOnly, layout))

	// Negative layer.
	var badTasks TaskConfig
	assert.Error(t, yaml.Unmarshal([]byte(`"-1": {pos: {output_fn: {name: x}}}`), &badTasks))
	assert.Error(t, yaml.Unmarshal([]byte(`first: {pos: {output_fn: {name: x}}}`), &badTasks))

	// Duplicate keys.
	var dupInputs Ordered[InputConfig]
	assert.Error(t, yaml.Unmarshal([]byte("a: {embedding_dim: 1}\na: {embedding_dim: 2}"), &dupInputs))
}

func TestLayerConfigForMode(t *testing.T) {
	lc := LayerConfig{HeadDim: 2, NumHeads: 2, AttnDropout: 0.1, FFDropout: 0.2, PrepostDropout: 0.3, FFHiddenSize: 8}
	assert.Equal(t, lc, lc.ForMode(true))
	eval := lc.ForMode(false)
	assert.Zero(t, eval.AttnDropout)
	assert.Zero(t, eval.FFDropout)
	assert.Zero(t, eval.PrepostDropout)
	assert.Equal(t, 8, eval.FFHiddenSize)
}

func TestLoadTaskConfig(t *testing.T) {
	dir := t.TempDir()
	first := filepath.Join(dir, "pos.yaml")
	second := filepath.Join(dir, "parse.json")
	require.NoError(t, os.WriteFile(first, []byte(`{"0": {"gold_pos": {"output_fn": {"name": "softmax_classifier"}}}}`), 0644))
	require.NoError(t, os.WriteFile(second, []byte(`{"2": {"parse_head": {"output_fn": {"name": "parse_bilinear"}}}}`), 0644))
	tasks, err := LoadTaskConfig(first, second)
	require.NoError(t, err)
	assert.Equal(t, 3, tasks.NumLayers())

	_, err = LoadTaskConfig(first, first)
	assert.Error(t, err)
	_, err = LoadTaskConfig(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}
