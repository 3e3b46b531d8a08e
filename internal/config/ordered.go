package config

import (
	"iter"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Entry of an Ordered mapping.
type Entry[T any] struct {
	Key   string
	Value T
}

// Ordered is a mapping decoded from YAML that preserves the order of its keys as written
// in the file. The order is used to concatenate inputs and to dispatch tasks deterministically.
type Ordered[T any] []Entry[T]

// UnmarshalYAML implements yaml.Unmarshaler.
func (o *Ordered[T]) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return errors.Errorf("line %d: expected a mapping, got %s", node.Line, node.ShortTag())
	}
	entries := make(Ordered[T], 0, len(node.Content)/2)
	for ii := 0; ii+1 < len(node.Content); ii += 2 {
		key := node.Content[ii].Value
		if _, found := entries.Get(key); found {
			return errors.Errorf("line %d: duplicate key %q", node.Content[ii].Line, key)
		}
		var value T
		if err := node.Content[ii+1].Decode(&value); err != nil {
			return errors.WithMessagef(err, "decoding %q", key)
		}
		entries = append(entries, Entry[T]{Key: key, Value: value})
	}
	*o = entries
	return nil
}

// Get returns the value for the key, and whether it was found.
func (o Ordered[T]) Get(key string) (value T, found bool) {
	for _, e := range o {
		if e.Key == key {
			return e.Value, true
		}
	}
	return
}

// Keys in the order they were defined.
func (o Ordered[T]) Keys() []string {
	keys := make([]string, len(o))
	for ii, e := range o {
		keys[ii] = e.Key
	}
	return keys
}

// All iterates over keys and values in order.
func (o Ordered[T]) All() iter.Seq2[string, T] {
	return func(yield func(string, T) bool) {
		for _, e := range o {
			if !yield(e.Key, e.Value) {
				return
			}
		}
	}
}
