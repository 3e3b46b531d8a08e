// Package embeddings implements the embedding tables of the input features: loading of pre-trained
// embeddings and the lookup of feature indices into dense vectors.
package embeddings

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/janpfeifer/lisaGo/internal/vars"
	"k8s.io/klog/v2"
)

const (
	// TableVariable is the name of the variable holding the embeddings.
	TableVariable = "embeddings"

	// OOVVariable is the name of the variable holding the out-of-vocabulary embedding.
	OOVVariable = "oov_embedding"

	// RandomStdDev is the standard deviation of randomly initialized embeddings.
	RandomStdDev = 1.0
)

// Spec describes the embedding table of one feature.
type Spec struct {
	// Name of the feature: there is one table per name.
	Name string

	// Dim of the embeddings, as configured.
	Dim int

	// IncludeOOV appends one extra row, selected by index NumEmbeddings.
	IncludeOOV bool

	// Pretrained, if not nil, initializes the table. Its shape overrides Dim and NumEmbeddings.
	Pretrained *Pretrained

	// NumEmbeddings is the vocabulary size, used if Pretrained is nil.
	NumEmbeddings int
}

// Scope returns the scope of the embedding variables of the feature name.
func Scope(name string) string {
	return name + "_embeddings"
}

// IsTableVariable returns whether a variable name is one of the embedding table variables.
func IsTableVariable(name string) bool {
	return name == TableVariable || name == OOVVariable
}

// Table returns the embedding table for spec, shaped [NumEmbeddings (+1 if IncludeOOV), Dim].
// Within one graph, the table of a name is built only once and shared.
func Table(store *vars.Store, ctx *context.Context, spec Spec) *Node {
	return store.Memo("embeddings/"+spec.Name, func() *Node {
		embCtx := ctx.In(Scope(spec.Name))
		numEmbeddings, dim := spec.NumEmbeddings, spec.Dim
		var initializer vars.Initializer
		if spec.Pretrained != nil {
			p := spec.Pretrained
			if p.Dim != dim {
				klog.Errorf("Pre-trained %s embedding dim does not match specified dim (%d vs %d).", spec.Name, p.Dim, dim)
			}
			if numEmbeddings > 0 && numEmbeddings != p.Count {
				klog.Errorf("Number of pre-trained %s embeddings does not match specified number of embeddings (%d vs %d).",
					spec.Name, p.Count, numEmbeddings)
			}
			numEmbeddings, dim = p.Count, p.Dim
			initializer = vars.FromFlat(p.Values, numEmbeddings, dim)
		} else {
			if numEmbeddings <= 0 || dim <= 0 {
				exceptions.Panicf("embedding %q requires a positive vocabulary size and dim, got %d and %d",
					spec.Name, numEmbeddings, dim)
			}
			initializer = vars.RandomNormal(RandomStdDev, numEmbeddings, dim)
		}
		table := store.Param(embCtx, TableVariable, true, initializer)
		if spec.IncludeOOV {
			oov := store.Param(embCtx, OOVVariable, true, vars.RandomNormal(RandomStdDev, 1, dim))
			table = Concatenate([]*Node{table, oov}, 0)
		}
		return table
	})
}

// Lookup the embeddings of the integer values (any shape) of the feature in spec.
// It returns values.Shape() + [dim].
func Lookup(store *vars.Store, ctx *context.Context, spec Spec, values *Node) *Node {
	table := Table(store, ctx, spec)
	return Gather(table, ExpandAxes(values, values.Rank()))
}

// Compose looks up every spec with the matching column of values (same order, each shaped
// [batch, seq]) and concatenates the embeddings along the feature axis, returning
// [batch, seq, Σ dim].
func Compose(store *vars.Store, ctx *context.Context, specs []Spec, columns []*Node) *Node {
	if len(specs) != len(columns) {
		exceptions.Panicf("embeddings.Compose: %d specs given for %d columns", len(specs), len(columns))
	}
	if len(specs) == 0 {
		exceptions.Panicf("embeddings.Compose: no inputs configured")
	}
	parts := make([]*Node, len(specs))
	for ii, spec := range specs {
		parts[ii] = Lookup(store, ctx, spec, columns[ii])
		klog.Infof("Added %s to inputs list", spec.Name)
	}
	if len(parts) == 1 {
		return parts[0]
	}
	return Concatenate(parts, parts[0].Rank()-1)
}
