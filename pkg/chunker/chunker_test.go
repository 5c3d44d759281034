package chunker

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// randomBytes returns deterministic pseudo-random data so cut points
// are stable across test runs.
func randomBytes(t *testing.T, n int, seed int64) []byte {
	t.Helper()
	data := make([]byte, n)
	r := rand.New(rand.NewSource(seed))
	_, err := r.Read(data)
	require.NoError(t, err)
	return data
}

func TestSplitEmpty(t *testing.T) {
	assert.Nil(t, Split(nil, TierGranular))
	assert.Nil(t, Split([]byte{}, TierGranular))
}

func TestSplitShortInputSingleCut(t *testing.T) {
	data := randomBytes(t, 1024, 1)
	cuts := Split(data, TierGranular)
	require.Len(t, cuts, 1)
	assert.Equal(t, int64(0), cuts[0].Offset)
	assert.Equal(t, len(data), cuts[0].Length)
}

func TestSplitInlineTierNeverChunks(t *testing.T) {
	data := randomBytes(t, 100*1024, 2)
	cuts := Split(data, TierInline)
	require.Len(t, cuts, 1)
	assert.Equal(t, len(data), cuts[0].Length)
}

func TestSplitCoversInputExactly(t *testing.T) {
	data := randomBytes(t, 300*1024, 3)
	cuts := Split(data, TierGranular)
	require.NotEmpty(t, cuts)

	var offset int64
	for _, cut := range cuts {
		assert.Equal(t, offset, cut.Offset, "cuts are contiguous")
		offset += int64(cut.Length)
	}
	assert.Equal(t, int64(len(data)), offset, "cuts cover the whole input")
}

func TestSplitRespectsBounds(t *testing.T) {
	minSize, _, maxSize := TierGranular.Params()
	data := randomBytes(t, 500*1024, 4)
	cuts := Split(data, TierGranular)

	for i, cut := range cuts {
		assert.LessOrEqual(t, cut.Length, maxSize)
		if i < len(cuts)-1 {
			assert.GreaterOrEqual(t, cut.Length, minSize, "only the final cut may undershoot min")
		}
	}
}

func TestSplitDeterministic(t *testing.T) {
	data := randomBytes(t, 1024*1024, 5)
	first := Split(data, TierStandard)
	second := Split(data, TierStandard)
	assert.Equal(t, first, second)
}

func TestSplitAverageNearTarget(t *testing.T) {
	_, avgSize, _ := TierGranular.Params()
	data := randomBytes(t, 4*1024*1024, 6)
	cuts := Split(data, TierGranular)
	require.NotEmpty(t, cuts)

	mean := len(data) / len(cuts)
	// Normalized chunking should land within a factor of two of the
	// configured average on random data.
	assert.Greater(t, mean, avgSize/2)
	assert.Less(t, mean, avgSize*2)
}

func TestSplitInsertionLocality(t *testing.T) {
	data := randomBytes(t, 2*1024*1024, 7)

	insertAt := 1_000_000
	insert := []byte("inserted run of bytes")
	modified := make([]byte, 0, len(data)+len(insert))
	modified = append(modified, data[:insertAt]...)
	modified = append(modified, insert...)
	modified = append(modified, data[insertAt:]...)

	hashesOf := func(input []byte) map[string]int {
		set := make(map[string]int)
		for _, cut := range Split(input, TierGranular) {
			set[string(input[cut.Offset:cut.Offset+int64(cut.Length)])]++
		}
		return set
	}

	before := hashesOf(data)
	after := hashesOf(modified)

	// Symmetric difference of the chunk multisets.
	diff := 0
	for chunk, n := range after {
		if m := before[chunk]; n > m {
			diff += n - m
		}
	}
	for chunk, n := range before {
		if m := after[chunk]; n > m {
			diff += n - m
		}
	}

	// A small insert perturbs only the chunks around the edit point.
	assert.LessOrEqual(t, diff, 8, "insert must not ripple through the file")
}

func TestSplitPrefixStability(t *testing.T) {
	data := randomBytes(t, 1024*1024, 8)
	extended := append(append([]byte{}, data...), randomBytes(t, 64*1024, 9)...)

	original := Split(data, TierGranular)
	grown := Split(extended, TierGranular)

	// Appending data must not move any boundary before the old tail.
	require.Greater(t, len(original), 2)
	for i := 0; i < len(original)-1; i++ {
		assert.Equal(t, original[i], grown[i])
	}
}
