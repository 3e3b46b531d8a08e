// Package config defines the static configuration of a LISA model: the model structure (inputs and
// transformer layers), the tasks attached to each layer, and the layout of features and labels in the
// flat per-token input vector.
//
// All files are YAML, and since JSON is a subset of YAML, the JSON configuration files used for LISA
// models can be loaded as well.
package config

import (
	"math"
	"os"
	"slices"
	"strconv"

	"github.com/janpfeifer/lisaGo/internal/generics"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// WordFeature is the feature used to derive the padding mask. It is required.
const WordFeature = "word_type"

// InputConfig configures the embedding of one input feature.
type InputConfig struct {
	EmbeddingDim int `yaml:"embedding_dim"`

	// PretrainedEmbeddings is an optional path to a file with pre-trained embeddings. If set, the
	// embedding table is initialized from it and an OOV entry is always included.
	PretrainedEmbeddings string `yaml:"pretrained_embeddings"`
}

// LayerConfig configures every transformer layer. Dropouts are rates: 0 means keep everything.
type LayerConfig struct {
	HeadDim        int     `yaml:"head_dim"`
	NumHeads       int     `yaml:"num_heads"`
	AttnDropout    float64 `yaml:"attn_dropout"`
	FFDropout      float64 `yaml:"ff_dropout"`
	PrepostDropout float64 `yaml:"prepost_dropout"`
	FFHiddenSize   int     `yaml:"ff_hidden_size"`
}

// HiddenSize of the transformer: HeadDim * NumHeads.
func (lc LayerConfig) HiddenSize() int {
	return lc.HeadDim * lc.NumHeads
}

// ForMode returns the layer configuration to use in the given mode: outside training every dropout
// is disabled.
func (lc LayerConfig) ForMode(training bool) LayerConfig {
	if !training {
		lc.AttnDropout = 0
		lc.FFDropout = 0
		lc.PrepostDropout = 0
	}
	return lc
}

// ModelConfig holds the structure of the model.
type ModelConfig struct {
	// Inputs maps feature names to their embedding configuration. The embeddings are concatenated
	// in this order.
	Inputs Ordered[InputConfig] `yaml:"inputs"`

	// Layers configures all transformer layers. The number of layers is given by the tasks.
	Layers LayerConfig `yaml:"layers"`
}

// OutputFnSpec selects the output function (task head) of a task and its parameters.
type OutputFnSpec struct {
	Name   string         `yaml:"name"`
	Params map[string]any `yaml:"params"`
}

// IntParam returns the integer parameter key, or defaultValue if not set.
func (s OutputFnSpec) IntParam(key string, defaultValue int) int {
	switch v := s.Params[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return defaultValue
}

// StringParam returns the string parameter key, or defaultValue if not set.
func (s OutputFnSpec) StringParam(key string, defaultValue string) string {
	if v, ok := s.Params[key].(string); ok {
		return v
	}
	return defaultValue
}

// EvalFnSpec selects an evaluation function and its parameters.
type EvalFnSpec struct {
	Name   string            `yaml:"name"`
	Params map[string]string `yaml:"params"`
}

// TaskSpec configures one task attached to a layer.
type TaskSpec struct {
	// Name of the task, also the name of its label and vocabulary. Set from the mapping key.
	Name string `yaml:"-"`

	OutputFn OutputFnSpec `yaml:"output_fn"`

	// CRF trains transition parameters with a CRF loss (and implies Viterbi decoding).
	CRF bool `yaml:"crf"`

	// Viterbi decodes with fixed (non-trainable) transition parameters.
	Viterbi bool `yaml:"viterbi"`

	// TransitionStats is an optional file with tag bigram statistics to initialize transitions.
	TransitionStats string `yaml:"transition_stats"`

	// Penalty multiplies the task loss. Defaults to 1.
	Penalty float64 `yaml:"penalty"`

	EvalFns Ordered[EvalFnSpec] `yaml:"eval_fns"`
}

// UnmarshalYAML implements yaml.Unmarshaler, setting the defaults.
func (t *TaskSpec) UnmarshalYAML(node *yaml.Node) error {
	type plain TaskSpec
	p := plain{Penalty: 1}
	if err := node.Decode(&p); err != nil {
		return err
	}
	*t = TaskSpec(p)
	return nil
}

// UsesTransitions returns whether the task needs a transition parameter.
func (t TaskSpec) UsesTransitions() bool {
	return t.CRF || t.Viterbi
}

// TaskConfig maps a transformer layer index to the tasks attached after it, in configuration order.
type TaskConfig map[int]Ordered[TaskSpec]

// UnmarshalYAML implements yaml.Unmarshaler: layer keys may be given as strings (JSON) or ints.
func (tc *TaskConfig) UnmarshalYAML(node *yaml.Node) error {
	var perLayer Ordered[Ordered[TaskSpec]]
	if err := node.Decode(&perLayer); err != nil {
		return err
	}
	config := make(TaskConfig, len(perLayer))
	for key, tasks := range perLayer.All() {
		layer, err := strconv.Atoi(key)
		if err != nil {
			return errors.Wrapf(err, "task configuration layer %q is not an integer", key)
		}
		if layer < 0 {
			return errors.Errorf("task configuration layer %d is negative", layer)
		}
		for ii := range tasks {
			tasks[ii].Value.Name = tasks[ii].Key
		}
		config[layer] = tasks
	}
	*tc = config
	return nil
}

// NumLayers returns max(layer index) + 1, or 0 if there are no tasks.
func (tc TaskConfig) NumLayers() int {
	maxLayer, ok := generics.MaxKey(tc)
	if !ok {
		return 0
	}
	return maxLayer + 1
}

// Tasks returns all tasks, ordered by layer and then by configuration order.
func (tc TaskConfig) Tasks() []TaskSpec {
	var tasks []TaskSpec
	for _, layerTasks := range generics.SortedKeysAndValues(tc) {
		for _, task := range layerTasks.All() {
			tasks = append(tasks, task)
		}
	}
	return tasks
}

// Merge the tasks of other into tc. A layer defined in both is an error.
func (tc TaskConfig) Merge(other TaskConfig) error {
	for layer, tasks := range other {
		if _, found := tc[layer]; found {
			return errors.Errorf("tasks for layer %d defined more than once", layer)
		}
		tc[layer] = tasks
	}
	return nil
}

// LabelRange is the range of columns [Start, End) of a label in the input vector. End == -1 means
// the label spans all columns from Start to the end of the vector.
type LabelRange struct {
	Start, End int
}

// ToEnd marks a LabelRange.End that spans to the end of the vector.
const ToEnd = -1

// UnmarshalYAML implements yaml.Unmarshaler: it accepts either `[start, end]` or a single column index.
func (r *LabelRange) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		var col int
		if err := node.Decode(&col); err != nil {
			return err
		}
		*r = LabelRange{Start: col, End: col + 1}
		return nil
	}
	var pair []int
	if err := node.Decode(&pair); err != nil {
		return err
	}
	if len(pair) != 2 {
		return errors.Errorf("line %d: label range must be [start, end], got %v", node.Line, pair)
	}
	*r = LabelRange{Start: pair[0], End: pair[1]}
	return nil
}

// MultiColumn returns whether the label spans to the end of the vector (one or more columns).
func (r LabelRange) MultiColumn() bool {
	return r.End == ToEnd
}

// Layout describes where each feature and label lives in the per-token input vector.
type Layout struct {
	Features map[string]int        `yaml:"features"`
	Labels   map[string]LabelRange `yaml:"labels"`
}

// MinColumns returns the minimum number of columns a batch must have to hold every feature and label.
func (l *Layout) MinColumns() int {
	cols := 0
	for _, idx := range l.Features {
		cols = max(cols, idx+1)
	}
	for _, r := range l.Labels {
		if r.MultiColumn() {
			cols = max(cols, r.Start+1)
		} else {
			cols = max(cols, r.End)
		}
	}
	return cols
}

// Validate the configurations against each other.
func Validate(model *ModelConfig, tasks TaskConfig, layout *Layout) error {
	if _, found := layout.Features[WordFeature]; !found {
		return errors.Errorf("feature %q is required to derive the padding mask, but it is missing from the layout", WordFeature)
	}
	for name, idx := range layout.Features {
		if idx < 0 {
			return errors.Errorf("feature %q has negative column %d", name, idx)
		}
	}
	for name, r := range layout.Labels {
		if r.Start < 0 || (!r.MultiColumn() && r.End <= r.Start) {
			return errors.Errorf("label %q has invalid range [%d, %d]", name, r.Start, r.End)
		}
	}
	if len(model.Inputs) == 0 {
		return errors.New("model has no inputs configured")
	}
	for name, input := range model.Inputs.All() {
		if _, found := layout.Features[name]; !found {
			return errors.Errorf("input %q has no feature column in the layout", name)
		}
		if input.EmbeddingDim <= 0 {
			return errors.Errorf("input %q has invalid embedding_dim %d", name, input.EmbeddingDim)
		}
	}
	lc := model.Layers
	if lc.HeadDim <= 0 || lc.NumHeads <= 0 || lc.FFHiddenSize <= 0 {
		return errors.Errorf("invalid layers configuration %+v", lc)
	}
	for _, rate := range []float64{lc.AttnDropout, lc.FFDropout, lc.PrepostDropout} {
		if rate < 0 || rate >= 1 {
			return errors.Errorf("invalid dropout rate %g in layers configuration", rate)
		}
	}
	if tasks.NumLayers() == 0 {
		return errors.New("no tasks configured")
	}
	seen := generics.MakeSet[string]()
	for _, task := range tasks.Tasks() {
		if seen.Has(task.Name) {
			return errors.Errorf("task %q configured more than once", task.Name)
		}
		seen.Insert(task.Name)
		if _, found := layout.Labels[task.Name]; !found {
			return errors.Errorf("task %q has no label range in the layout", task.Name)
		}
		if task.OutputFn.Name == "" {
			return errors.Errorf("task %q has no output_fn", task.Name)
		}
		if math.IsNaN(task.Penalty) || math.IsInf(task.Penalty, 0) {
			return errors.Errorf("task %q has invalid penalty %g", task.Name, task.Penalty)
		}
	}
	return nil
}

func loadYAML(path string, out any) error {
	contents, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "failed to read configuration %q", path)
	}
	if err = yaml.Unmarshal(contents, out); err != nil {
		return errors.Wrapf(err, "failed to parse configuration %q", path)
	}
	return nil
}

// LoadModelConfig from the given file.
func LoadModelConfig(path string) (*ModelConfig, error) {
	model := &ModelConfig{}
	if err := loadYAML(path, model); err != nil {
		return nil, err
	}
	return model, nil
}

// LoadTaskConfig from one or more files, merging their layers.
func LoadTaskConfig(paths ...string) (TaskConfig, error) {
	tasks := make(TaskConfig)
	for _, path := range paths {
		var fileTasks TaskConfig
		if err := loadYAML(path, &fileTasks); err != nil {
			return nil, err
		}
		if err := tasks.Merge(fileTasks); err != nil {
			return nil, errors.WithMessagef(err, "merging task configuration %q", path)
		}
	}
	return tasks, nil
}

// LoadLayout from the given file.
func LoadLayout(path string) (*Layout, error) {
	layout := &Layout{}
	if err := loadYAML(path, layout); err != nil {
		return nil, err
	}
	return layout, nil
}

// SortedFeatureNames returns the feature names sorted by column.
func (l *Layout) SortedFeatureNames() []string {
	names := make([]string, 0, len(l.Features))
	for name := range generics.SortedKeys(l.Features) {
		names = append(names, name)
	}
	slices.SortStableFunc(names, func(a, b string) int { return l.Features[a] - l.Features[b] })
	return names
}
