// lisa loads a LISA model configuration, prints its topology and, optionally, trains it for a
// number of steps on synthetic batches, saving checkpoints along the way.
//
// Example:
//
//	$ lisa -model=config/model.yaml -tasks=config/tasks.yaml -layout=config/layout.yaml \
//	    -vocab=word_type=vocab/words.txt:oov,pos=vocab/pos.txt -steps=100 -checkpoint=/tmp/lisa
package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand/v2"
	"os"
	"strings"
	"time"

	"github.com/gomlx/gomlx/backends"
	_ "github.com/gomlx/gomlx/backends/xla"
	mlctx "github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/janpfeifer/lisaGo/internal/config"
	"github.com/janpfeifer/lisaGo/internal/lisa"
	"github.com/janpfeifer/lisaGo/internal/parameters"
	"github.com/janpfeifer/lisaGo/internal/profilers"
	"github.com/janpfeifer/lisaGo/internal/ui/console"
	"github.com/janpfeifer/lisaGo/internal/vars"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Flags
var (
	flagModel  = flag.String("model", "", "Model configuration file (YAML or JSON).")
	flagTasks  = flag.String("tasks", "", "Comma-separated list of task configuration files (YAML or JSON).")
	flagLayout = flag.String("layout", "", "Layout of features and labels in the input vectors (YAML or JSON).")
	flagVocab  = flag.String("vocab", "", "Comma-separated list of vocabularies as name=path, "+
		"with an optional \":oov\" suffix for vocabularies with an out-of-vocabulary entry.")
	flagJoint = flag.String("joint", "", "Comma-separated list of joint labels as joint=component1+component2, "+
		"to build the lookup tables from joint label to component labels.")
	flagJointSep = flag.String("joint_sep", "/", "Separator of the components in the joint label entries.")
	flagParams   = flag.String("params", "", "Hyperparameters overrides as a comma-separated list of "+
		"key=value, e.g. \"learning_rate=0.01,use_nesterov=false\". Use \"help\" to list them.")
	flagCheckpoint = flag.String("checkpoint", "", "Directory where to load/save the model. "+
		"If empty the model is not saved.")
	flagSteps       = flag.Int("steps", 0, "Number of training steps on synthetic batches. If 0 it doesn't train.")
	flagSeqLen      = flag.Int("seq_len", 32, "Sequence length of the synthetic batches.")
	flagEvalEvery   = flag.Int("eval_every", 100, "Evaluate (and save) every this number of steps. If 0 only at the end.")
	flagEvalBatches = flag.Int("eval_batches", 4, "Number of synthetic batches used for evaluation.")
)

// Globals
var (
	// globalCtx used everywhere. It is cancelled when the program is about to exit either by
	// an interrupt (ctrl+C) or by reaching the end.
	globalCtx = context.Background()
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	// Capture Control+C
	var globalCancel func()
	globalCtx, globalCancel = context.WithCancel(context.Background())
	console.SafeInterrupt(globalCancel, 5*time.Second)
	defer globalCancel()

	profs := must.M1(profilers.Setup(globalCtx))
	defer profs.Stop()

	ctx := lisa.NewContext()
	if *flagParams == "help" {
		fmt.Print(parameters.HelpText("lisa", ctx))
		return
	}
	model := must.M1(loadModel(globalCtx))
	fmt.Println(console.Center(console.Topology(model.Config.Layers, model.Tasks), console.TerminalWidth()))
	if *flagSteps <= 0 {
		return
	}
	must.M(train(ctx, model))
}

// loadModel loads the configuration files, the vocabularies and the resources of the model.
func loadModel(ctx context.Context) (*lisa.Model, error) {
	if *flagModel == "" || *flagTasks == "" || *flagLayout == "" {
		return nil, errors.New("flags -model, -tasks and -layout are required")
	}
	modelConfig, err := config.LoadModelConfig(*flagModel)
	if err != nil {
		return nil, err
	}
	tasks, err := config.LoadTaskConfig(strings.Split(*flagTasks, ",")...)
	if err != nil {
		return nil, err
	}
	layout, err := config.LoadLayout(*flagLayout)
	if err != nil {
		return nil, err
	}
	v, err := loadVocab(*flagVocab, *flagJoint, *flagJointSep)
	if err != nil {
		return nil, err
	}
	resources, err := lisa.LoadResources(ctx, modelConfig, tasks, v)
	if err != nil {
		return nil, err
	}
	return lisa.NewModel(modelConfig, tasks, layout, v, resources)
}

// train the model on synthetic batches for -steps steps.
func train(ctx *mlctx.Context, model *lisa.Model) error {
	backend, err := backends.New()
	if err != nil {
		return err
	}
	trainer, err := lisa.NewTrainer(backend, ctx, model, *flagCheckpoint, parameters.NewFromConfigString(*flagParams))
	if err != nil {
		return err
	}
	defer trainer.Finalize()
	klog.V(1).Infof("Trainer: %s", trainer)

	seed := uint64(mlctx.GetParamOr(ctx, vars.ParamRandomSeed, 42))
	rng := rand.New(rand.NewPCG(seed, seed+1))
	evalBatches := make([]*tensors.Tensor, *flagEvalBatches)
	for ii := range evalBatches {
		evalBatches[ii] = model.RandomBatch(rng, trainer.BatchSize(), *flagSeqLen)
	}
	evaluate := func() error {
		results, err := trainer.Evaluate(evalBatches)
		if err != nil {
			return err
		}
		klog.Infof("Evaluation: loss=%.4f, metrics=%v", results.Loss, results.Metrics)
		return trainer.Save()
	}

	bar := console.NewStepsBar(os.Stderr, *flagSteps)
	for step := 1; step <= *flagSteps; step++ {
		if globalCtx.Err() != nil {
			klog.Infof("Interrupted after %d steps", step-1)
			break
		}
		losses, err := trainer.Learn(model.RandomBatch(rng, trainer.BatchSize(), *flagSeqLen))
		if err != nil {
			return err
		}
		bar.Describe(fmt.Sprintf("loss=%.4f", losses.Loss))
		_ = bar.Add(1)
		if *flagEvalEvery > 0 && step%*flagEvalEvery == 0 && step < *flagSteps {
			if err = evaluate(); err != nil {
				return err
			}
		}
	}
	_ = bar.Finish()
	klog.Infof("%s: %d trainable parameters", trainer, trainer.NumParameters())
	return evaluate()
}
