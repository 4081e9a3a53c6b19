package bluegreen

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyDifferences(t *testing.T) {
	source := map[string]string{"1": "aa", "2": "bb", "3": "cc"}
	target := map[string]string{"1": "aa", "3": "zz", "4": "dd"}
	keys := []string{"1", "2", "3", "4"}

	missingInTarget, missingInSource, mismatched := classifyDifferences(keys, source, target, 0)

	assert.Equal(t, []string{"2"}, missingInTarget)
	assert.Equal(t, []string{"4"}, missingInSource)
	assert.Equal(t, []string{"3"}, mismatched)
}

func TestClassifyDifferencesIdenticalSides(t *testing.T) {
	hashes := map[string]string{"1": "aa", "2": "bb"}

	missingInTarget, missingInSource, mismatched := classifyDifferences(
		[]string{"1", "2"}, hashes, hashes, 0,
	)

	assert.Empty(t, missingInTarget)
	assert.Empty(t, missingInSource)
	assert.Empty(t, mismatched)
}

func TestClassifyDifferencesToleranceCapsCollection(t *testing.T) {
	source := map[string]string{"1": "a", "2": "b", "3": "c", "4": "d"}
	target := map[string]string{}
	keys := []string{"1", "2", "3", "4"}

	missingInTarget, missingInSource, mismatched := classifyDifferences(keys, source, target, 2)

	assert.Len(t, missingInTarget, 2)
	assert.Empty(t, missingInSource)
	assert.Empty(t, mismatched)
}

func TestUnionKeysDeduplicatesAndSorts(t *testing.T) {
	union := unionKeys([]string{"b", "a", "c"}, []string{"c", "d"})
	require.Equal(t, []string{"a", "b", "c", "d"}, union)
}
