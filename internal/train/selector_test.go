package train

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ABCchaos/KataGo/internal/atomicfile"
)

// selectorWithCounts builds a selector whose batch counts come from a
// fixed table instead of sidecar files.
func selectorWithCounts(seed int64, counts map[string]int64) *SubEpochFileSelector {
	s := NewSubEpochFileSelector(testRNG(seed), testLogger())
	s.numBatches = func(file string) (int64, error) {
		return counts[file], nil
	}

	return s
}

func namedStream(seed int64, files ...string) *FileStream {
	return newFileStream(files, testRNG(seed))
}

func TestSelectStopsAtTarget(t *testing.T) {
	t.Parallel()

	s := selectorWithCounts(1, map[string]int64{"a": 10, "b": 10, "c": 10})

	files, total, err := s.Select(namedStream(1, "a", "b", "c"), 20)
	require.NoError(t, err)
	assert.Len(t, files, 2)
	assert.Equal(t, int64(20), total)
}

func TestSelectAlwaysIncludesFirstFile(t *testing.T) {
	t.Parallel()

	// A single oversized file is still selected; the expected-total skip
	// never applies while the selection is empty.
	s := selectorWithCounts(1, map[string]int64{"big": 1000})

	files, total, err := s.Select(namedStream(1, "big"), 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"big"}, files)
	assert.Equal(t, int64(1000), total)
}

func TestSelectSkipsEmptyFiles(t *testing.T) {
	t.Parallel()

	s := selectorWithCounts(1, map[string]int64{"empty": 0, "a": 10})

	files, total, err := s.Select(namedStream(1, "empty", "a"), 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, files)
	assert.Equal(t, int64(10), total)
}

func TestSelectEmptyStream(t *testing.T) {
	t.Parallel()

	s := selectorWithCounts(1, nil)

	files, total, err := s.Select(namedStream(1), 10)
	require.NoError(t, err)
	assert.Empty(t, files)
	assert.Equal(t, int64(0), total)
}

func TestSelectAllFilesEmptyTerminates(t *testing.T) {
	t.Parallel()

	// An infinite stream of zero-batch files must not spin forever.
	s := selectorWithCounts(1, map[string]int64{"a": 0, "b": 0})

	files, total, err := s.Select(namedStream(1, "a", "b"), 10)
	require.NoError(t, err)
	assert.Empty(t, files)
	assert.Equal(t, int64(0), total)
}

func TestSelectExpectedTotalMatchesTarget(t *testing.T) {
	t.Parallel()

	// Files of 10 batches against a target of 25: two files always fit,
	// the boundary third overshoots by 5 and is skipped with probability
	// 0.5, so the expected total is exactly 25.
	counts := map[string]int64{}

	var names []string

	for i := 0; i < 10; i++ {
		name := fmt.Sprintf("f%d", i)
		names = append(names, name)
		counts[name] = 10
	}

	const trials = 2000

	var sum float64

	for seed := int64(0); seed < trials; seed++ {
		s := selectorWithCounts(seed, counts)

		_, total, err := s.Select(namedStream(seed, names...), 25)
		require.NoError(t, err)
		assert.Contains(t, []int64{20, 30}, total)

		sum += float64(total)
	}

	assert.InDelta(t, 25.0, sum/trials, 0.5)
}

func TestSelectPropagatesSidecarError(t *testing.T) {
	t.Parallel()

	s := NewSubEpochFileSelector(testRNG(1), testLogger())

	_, _, err := s.Select(namedStream(1, "/nonexistent/data.npz"), 10)
	assert.Error(t, err)
}

func TestSidecarPath(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "dir/data.json", sidecarPath("dir/data.npz"))
	assert.Equal(t, "dir.v2/data.json", sidecarPath("dir.v2/data.npz"))
	assert.Equal(t, "dir.v2/data.json", sidecarPath("dir.v2/data"))
}

func TestReadNumBatches(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	require.NoError(t, atomicfile.WriteJSON(dir+"/data.json", fileInfo{NumBatches: 17}))

	n, err := readNumBatches(dir + "/data.npz")
	require.NoError(t, err)
	assert.Equal(t, int64(17), n)
}
