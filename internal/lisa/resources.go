package lisa

import (
	stdcontext "context"
	"sync"

	"github.com/janpfeifer/lisaGo/internal/config"
	"github.com/janpfeifer/lisaGo/internal/embeddings"
	"github.com/janpfeifer/lisaGo/internal/transitions"
	"github.com/janpfeifer/lisaGo/internal/vocab"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

// MaxParallelLoads is the maximum number of resource files read concurrently.
const MaxParallelLoads = 4

// Resources read from files, needed to build the model.
type Resources struct {
	// Pretrained embeddings by input name.
	Pretrained map[string]*embeddings.Pretrained

	// Transitions statistics by task name, [vocab size][vocab size].
	Transitions map[string][][]float32
}

// LoadResources reads, concurrently, the pre-trained embeddings of the inputs and the transition
// statistics of the tasks that configure them. Any failure aborts the loading.
func LoadResources(ctx stdcontext.Context, model *config.ModelConfig, tasks config.TaskConfig, v *vocab.Vocab) (*Resources, error) {
	r := &Resources{
		Pretrained:  make(map[string]*embeddings.Pretrained),
		Transitions: make(map[string][][]float32),
	}
	var mu sync.Mutex
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(MaxParallelLoads)

	for name, input := range model.Inputs.All() {
		if input.PretrainedEmbeddings == "" {
			continue
		}
		group.Go(func() error {
			if err := groupCtx.Err(); err != nil {
				return err
			}
			p, err := embeddings.LoadPretrained(input.PretrainedEmbeddings)
			if err != nil {
				return errors.WithMessagef(err, "input %q", name)
			}
			mu.Lock()
			defer mu.Unlock()
			r.Pretrained[name] = p
			return nil
		})
	}

	for _, task := range tasks.Tasks() {
		if task.TransitionStats == "" {
			continue
		}
		if !task.UsesTransitions() {
			klog.Warningf("Task %q sets transition_stats but neither crf nor viterbi: statistics are loaded but unused", task.Name)
		}
		size, err := v.Size(task.Name)
		if err != nil {
			_ = group.Wait()
			return nil, errors.WithMessagef(err, "transition statistics of task %q", task.Name)
		}
		group.Go(func() error {
			if err := groupCtx.Err(); err != nil {
				return err
			}
			matrix, err := transitions.Load(task.TransitionStats, size, v.Maps[task.Name])
			if err != nil {
				return errors.WithMessagef(err, "task %q", task.Name)
			}
			mu.Lock()
			defer mu.Unlock()
			r.Transitions[task.Name] = matrix
			return nil
		})
	}

	if err := group.Wait(); err != nil {
		return nil, err
	}
	klog.V(1).Infof("Loaded %d pre-trained embeddings and %d transition statistics", len(r.Pretrained), len(r.Transitions))
	return r, nil
}
