package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/janpfeifer/lisaGo/internal/vocab"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, contents string) string {
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoadVocab(t *testing.T) {
	dir := t.TempDir()
	words := writeFile(t, dir, "words.txt", "the\ncat\n")
	pos := writeFile(t, dir, "pos.txt", "DT\nNN\n")
	pred := writeFile(t, dir, "pred.txt", "False\nTrue\n")
	joint := writeFile(t, dir, "joint.txt", "DT/False\nNN/True\nNN/False\n")

	v, err := loadVocab(
		"word_type="+words+":oov, pos="+pos+",predicate="+pred+",joint_pos_predicate="+joint,
		"joint_pos_predicate=pos+predicate", "/")
	require.NoError(t, err)
	assert.Equal(t, 2, v.Sizes["word_type"])
	assert.True(t, v.OOV["word_type"])
	assert.False(t, v.OOV["pos"])
	assert.Equal(t, []int32{0, 1, 1}, v.JointLookup[vocab.JointLookupKey("joint_pos_predicate", "pos")])
	assert.Equal(t, []int32{0, 1, 0}, v.JointLookup[vocab.JointLookupKey("joint_pos_predicate", "predicate")])

	_, err = loadVocab("word_type", "", "/")
	require.Error(t, err)
	_, err = loadVocab("word_type="+words, "joint_pos_predicate", "/")
	require.Error(t, err)
	_, err = loadVocab("word_type="+filepath.Join(dir, "missing.txt"), "", "/")
	require.Error(t, err)
}
