package jobsplit

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gridqueue/gridqueue/pkg/catalog"
	"github.com/gridqueue/gridqueue/pkg/element"
)

func names(units [][]catalog.File) [][]string {
	var out [][]string
	for _, u := range units {
		var n []string
		for _, f := range u {
			n = append(n, f.Name)
		}
		out = append(out, n)
	}
	return out
}

func TestMergeUnits(t *testing.T) {
	files := []catalog.File{
		{Name: "r2-p1-b", Run: 2, Lumis: []uint64{5}, Parents: []string{"p1"}},
		{Name: "r1-p2", Run: 1, Lumis: []uint64{9}, Parents: []string{"p2"}},
		{Name: "r1-p1-late", Run: 1, Lumis: []uint64{3}, FirstEvent: 500, Parents: []string{"p1", "p0"}},
		{Name: "r1-p1-early", Run: 1, Lumis: []uint64{3}, FirstEvent: 1, Parents: []string{"p0", "p1"}},
		{Name: "r2-p1-a", Run: 2, Lumis: []uint64{4}, Parents: []string{"p1"}},
		{Name: "r1-p1-first", Run: 1, Lumis: []uint64{2}, Parents: []string{"p0", "p1"}},
	}

	expected := [][]string{
		{"r1-p1-first", "r1-p1-early", "r1-p1-late"},
		{"r1-p2"},
		{"r2-p1-a", "r2-p1-b"},
	}
	require.Equal(t, expected, names(MergeUnits(files)))

	// The order does not depend on the input order.
	reversed := make([]catalog.File, 0, len(files))
	for i := len(files) - 1; i >= 0; i-- {
		reversed = append(reversed, files[i])
	}
	require.Equal(t, expected, names(MergeUnits(reversed)))
}

func TestMergeUnitJobs(t *testing.T) {
	files := []catalog.File{
		{Name: "a", Run: 1, Events: 10, Lumis: []uint64{1}},
		{Name: "b", Run: 1, Events: 10, Lumis: []uint64{2}},
		{Name: "c", Run: 2, Events: 5, Lumis: []uint64{1}},
	}
	jobs, err := Split(datasetElement(element.JobSplitting{Algorithm: AlgorithmMergeUnit}), files)
	require.NoError(t, err)
	require.Equal(t, [][]string{{"a", "b"}, {"c"}}, jobFiles(jobs))
	require.Equal(t, uint64(20), jobs[0].Events)
}
