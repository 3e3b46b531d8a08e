package main

import (
	"strings"

	"github.com/janpfeifer/lisaGo/internal/vocab"
	"github.com/pkg/errors"
)

// oovSuffix marks, in the -vocab flag, a vocabulary with an out-of-vocabulary entry.
const oovSuffix = ":oov"

// splitList splits a comma-separated list, dropping empty entries.
func splitList(list string) []string {
	var parts []string
	for _, part := range strings.Split(list, ",") {
		if part = strings.TrimSpace(part); part != "" {
			parts = append(parts, part)
		}
	}
	return parts
}

// loadVocab loads the vocabularies given as "name=path[:oov]" entries, and then builds the joint label
// lookup tables given as "joint=component1+component2" entries.
func loadVocab(vocabList, jointList, sep string) (*vocab.Vocab, error) {
	v := vocab.New()
	for _, entry := range splitList(vocabList) {
		name, path, found := strings.Cut(entry, "=")
		if !found || name == "" || path == "" {
			return nil, errors.Errorf("invalid vocabulary %q, expected name=path[%s]", entry, oovSuffix)
		}
		path, oov := strings.CutSuffix(path, oovSuffix)
		if err := v.LoadFile(name, path, oov); err != nil {
			return nil, err
		}
	}
	for _, entry := range splitList(jointList) {
		joint, components, found := strings.Cut(entry, "=")
		if !found || joint == "" || components == "" {
			return nil, errors.Errorf("invalid joint label %q, expected joint=component1+component2", entry)
		}
		for idx, component := range strings.Split(components, "+") {
			if err := v.BuildJointLookup(joint, component, idx, sep); err != nil {
				return nil, err
			}
		}
	}
	return v, nil
}
