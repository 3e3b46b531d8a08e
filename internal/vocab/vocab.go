// Package vocab holds the vocabularies of features and labels: their sizes, whether they include an
// out-of-vocabulary (OOV) entry, the name to index maps and the lookup tables between joint labels
// and their components.
//
// Vocabularies are built elsewhere, this package only loads and queries them.
package vocab

import (
	"bufio"
	"os"
	"strings"

	"github.com/pkg/errors"
)

// Vocab holds the vocabularies of all features and labels, keyed by their names.
type Vocab struct {
	// Sizes of each vocabulary, not including the OOV entry.
	Sizes map[string]int

	// OOV marks vocabularies that reserve index Sizes[name] for out-of-vocabulary entries.
	OOV map[string]bool

	// Maps from entry name to index.
	Maps map[string]map[string]int

	// Reverse maps from index to entry name.
	Reverse map[string][]string

	// JointLookup maps "{joint}_to_{component}" to a table indexed by the joint label index,
	// with the corresponding component label index.
	JointLookup map[string][]int32
}

// New creates an empty Vocab.
func New() *Vocab {
	return &Vocab{
		Sizes:       make(map[string]int),
		OOV:         make(map[string]bool),
		Maps:        make(map[string]map[string]int),
		Reverse:     make(map[string][]string),
		JointLookup: make(map[string][]int32),
	}
}

// Add the vocabulary for name with the given entries, in index order.
func (v *Vocab) Add(name string, entries []string, oov bool) error {
	m := make(map[string]int, len(entries))
	for idx, entry := range entries {
		if _, found := m[entry]; found {
			return errors.Errorf("vocabulary %q has duplicate entry %q", name, entry)
		}
		m[entry] = idx
	}
	v.Sizes[name] = len(entries)
	v.OOV[name] = oov
	v.Maps[name] = m
	v.Reverse[name] = entries
	return nil
}

// Size returns the size of the vocabulary, or an error if it is unknown.
func (v *Vocab) Size(name string) (int, error) {
	size, found := v.Sizes[name]
	if !found {
		return 0, errors.Errorf("unknown vocabulary %q", name)
	}
	return size, nil
}

// Lookup the index of entry in the vocabulary name. Unknown entries map to the OOV index if the
// vocabulary has one, otherwise it returns an error.
func (v *Vocab) Lookup(name, entry string) (int, error) {
	m, found := v.Maps[name]
	if !found {
		return 0, errors.Errorf("unknown vocabulary %q", name)
	}
	if idx, found := m[entry]; found {
		return idx, nil
	}
	if v.OOV[name] {
		return v.Sizes[name], nil
	}
	return 0, errors.Errorf("entry %q not in vocabulary %q", entry, name)
}

// LoadFile reads a vocabulary file, one entry per line: the entry is the first field, any other
// fields (e.g. counts) are ignored. Empty lines are skipped.
func (v *Vocab) LoadFile(name, path string, oov bool) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "failed to open vocabulary %q", path)
	}
	defer func() { _ = f.Close() }()
	var entries []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		entries = append(entries, fields[0])
	}
	if err = scanner.Err(); err != nil {
		return errors.Wrapf(err, "failed to read vocabulary %q", path)
	}
	return errors.WithMessagef(v.Add(name, entries, oov), "loading %q", path)
}

// JointLookupKey returns the key in JointLookup for a joint label and one of its components.
func JointLookupKey(joint, component string) string {
	return joint + "_to_" + component
}

// BuildJointLookup creates the lookup table from the joint label vocabulary to its componentIdx-th
// component, by splitting the joint entries with sep (e.g. "NN/True" split by "/").
// The component vocabulary must already be loaded.
func (v *Vocab) BuildJointLookup(joint, component string, componentIdx int, sep string) error {
	jointEntries, found := v.Reverse[joint]
	if !found {
		return errors.Errorf("unknown joint vocabulary %q", joint)
	}
	table := make([]int32, len(jointEntries))
	for jointIdx, entry := range jointEntries {
		parts := strings.Split(entry, sep)
		if componentIdx >= len(parts) {
			return errors.Errorf("joint entry %q of %q has no component #%d when split by %q",
				entry, joint, componentIdx, sep)
		}
		idx, err := v.Lookup(component, parts[componentIdx])
		if err != nil {
			return errors.WithMessagef(err, "building joint lookup %q", JointLookupKey(joint, component))
		}
		table[jointIdx] = int32(idx)
	}
	v.JointLookup[JointLookupKey(joint, component)] = table
	return nil
}

// JointComponents returns the names of the components with lookup tables for the joint label.
func (v *Vocab) JointComponents(joint string) []string {
	prefix := joint + "_to_"
	var components []string
	for key := range v.JointLookup {
		if strings.HasPrefix(key, prefix) {
			components = append(components, strings.TrimPrefix(key, prefix))
		}
	}
	return components
}
