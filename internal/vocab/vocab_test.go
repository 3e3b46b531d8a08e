package vocab

import (
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gold_pos.txt")
	require.NoError(t, os.WriteFile(path, []byte("NN\t120\nVB 33\n\nDT\n"), 0644))
	v := New()
	require.NoError(t, v.LoadFile("gold_pos", path, false))
	size, err := v.Size("gold_pos")
	require.NoError(t, err)
	assert.Equal(t, 3, size)
	idx, err := v.Lookup("gold_pos", "DT")
	require.NoError(t, err)
	assert.Equal(t, 2, idx)
	_, err = v.Lookup("gold_pos", "JJ")
	assert.Error(t, err)
	assert.Equal(t, []string{"NN", "VB", "DT"}, v.Reverse["gold_pos"])

	_, err = v.Size("unknown")
	assert.Error(t, err)
}

func TestOOV(t *testing.T) {
	v := New()
	require.NoError(t, v.Add("word", []string{"<PAD>", "the", "cat"}, true))
	idx, err := v.Lookup("word", "dog")
	require.NoError(t, err)
	assert.Equal(t, 3, idx, "OOV is one past the last entry")
	assert.Error(t, v.Add("dup", []string{"a", "a"}, false))
}

func TestBuildJointLookup(t *testing.T) {
	v := New()
	require.NoError(t, v.Add("joint_pos_predicate", []string{"NN/False", "VB/True", "VB/False"}, false))
	require.NoError(t, v.Add("gold_pos", []string{"VB", "NN"}, false))
	require.NoError(t, v.Add("predicate", []string{"False", "True"}, false))
	require.NoError(t, v.BuildJointLookup("joint_pos_predicate", "gold_pos", 0, "/"))
	require.NoError(t, v.BuildJointLookup("joint_pos_predicate", "predicate", 1, "/"))
	assert.Equal(t, []int32{1, 0, 0}, v.JointLookup["joint_pos_predicate_to_gold_pos"])
	assert.Equal(t, []int32{0, 1, 0}, v.JointLookup[JointLookupKey("joint_pos_predicate", "predicate")])
	components := v.JointComponents("joint_pos_predicate")
	slices.Sort(components)
	assert.Equal(t, []string{"gold_pos", "predicate"}, components)

	assert.Error(t, v.BuildJointLookup("joint_pos_predicate", "predicate", 2, "/"))
}
