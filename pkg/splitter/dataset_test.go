package splitter

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/gridqueue/gridqueue/pkg/catalog"
	"github.com/gridqueue/gridqueue/pkg/element"
	"github.com/gridqueue/gridqueue/pkg/spec"
)

func testCatalog() *catalog.Static {
	c := catalog.NewStatic()
	c.AddBlock("/ds", "/ds#3", catalog.File{Name: "c1", Size: 500, Events: 50})
	c.AddBlock("/ds", "/ds#1",
		catalog.File{Name: "a1", Size: 100, Events: 10},
		catalog.File{Name: "a2", Size: 100, Events: 10},
	)
	c.AddBlock("/ds", "/ds#2", catalog.File{Name: "b1", Size: 300, Events: 30})
	c.AddBlock("/ds", "/ds#empty")
	c.AddDataset("/empty")
	return c
}

func blockNames(elements []*element.WorkElement) [][]string {
	var out [][]string
	for _, e := range elements {
		out = append(out, e.Mask.Blocks)
	}
	return out
}

func TestDatasetPolicies(t *testing.T) {
	for _, tc := range []struct {
		desc     string
		spec     spec.Specification
		expected [][]string
		jobs     []int
	}{
		{
			desc:     "one block per element",
			spec:     spec.Specification{Policy: spec.PolicyBlock},
			expected: [][]string{{"/ds#1"}, {"/ds#2"}, {"/ds#3"}},
			jobs:     []int{2, 1, 1},
		},
		{
			desc:     "two blocks per element with event sized jobs",
			spec:     spec.Specification{Policy: spec.PolicyBlock, Block: spec.BlockParams{BlocksPerElement: 2, EventsPerJob: 15}},
			expected: [][]string{{"/ds#1", "/ds#2"}, {"/ds#3"}},
			jobs:     []int{4, 4},
		},
		{
			desc:     "file count",
			spec:     spec.Specification{Policy: spec.PolicyFileCount, Files: spec.FileParams{FilesPerElement: 3}},
			expected: [][]string{{"/ds#1", "/ds#2"}, {"/ds#3"}},
			jobs:     []int{3, 1},
		},
		{
			desc:     "size with oversized block",
			spec:     spec.Specification{Policy: spec.PolicySize, Files: spec.FileParams{BytesPerElement: 400}},
			expected: [][]string{{"/ds#1"}, {"/ds#2"}, {"/ds#3"}},
			jobs:     []int{2, 1, 1},
		},
		{
			desc:     "whitelist",
			spec:     spec.Specification{Policy: spec.PolicyBlock, BlockWhitelist: []string{"/ds#3"}},
			expected: [][]string{{"/ds#3"}},
			jobs:     []int{1},
		},
		{
			desc:     "size based jobs",
			spec:     spec.Specification{Policy: spec.PolicyBlock, Jobs: spec.JobParams{Algorithm: spec.JobsBySize, BytesPerJob: 150}},
			expected: [][]string{{"/ds#1"}, {"/ds#2"}, {"/ds#3"}},
			jobs:     []int{2, 2, 4},
		},
	} {
		t.Run(tc.desc, func(t *testing.T) {
			s := tc.spec
			s.Name, s.Dataset = "reco", "/ds"

			elements, err := Split(context.Background(), testCatalog(), &s, nil)
			require.NoError(t, err)
			require.Equal(t, tc.expected, blockNames(elements))

			var jobs []int
			for _, e := range elements {
				jobs = append(jobs, e.Jobs)
				require.False(t, e.IsSynthetic())
				require.Equal(t, len(e.Mask.Blocks), len(e.Blocks))
			}
			require.Equal(t, tc.jobs, jobs)
		})
	}
}

func TestDatasetResumeMask(t *testing.T) {
	s := &spec.Specification{Name: "reco", Policy: spec.PolicyBlock, Dataset: "/ds"}
	elements, err := Split(context.Background(), testCatalog(), s, &element.Mask{Blocks: []string{"/ds#2"}})
	require.NoError(t, err)
	require.Equal(t, [][]string{{"/ds#2"}}, blockNames(elements))
}

func TestDatasetNoWork(t *testing.T) {
	for _, dataset := range []string{"/empty", "/missing"} {
		s := &spec.Specification{Name: "reco", Policy: spec.PolicyBlock, Dataset: dataset}
		_, err := Split(context.Background(), testCatalog(), s, nil)
		require.ErrorIs(t, err, ErrNoWork, dataset)
	}
}

type brokenCatalog struct{ catalog.Catalog }

func (brokenCatalog) ListBlocks(context.Context, string) ([]element.Block, error) {
	return nil, errors.New("connection refused")
}

func TestDatasetCatalogFailure(t *testing.T) {
	s := &spec.Specification{Name: "reco", Policy: spec.PolicyBlock, Dataset: "/ds"}
	_, err := Split(context.Background(), brokenCatalog{}, s, nil)
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrNoWork)
	require.Contains(t, err.Error(), "connection refused")
}

func TestDatasetValidate(t *testing.T) {
	s := &spec.Specification{Name: "reco", Policy: spec.PolicyFileCount, Dataset: "/ds"}
	_, err := Split(context.Background(), testCatalog(), s, nil)
	var specErr *spec.SpecificationError
	require.ErrorAs(t, err, &specErr)
	require.Equal(t, "files.files_per_element", specErr.Field)

	p, err := ForKind(spec.PolicyBlock, nil)
	require.NoError(t, err)
	require.Error(t, p.Validate(&spec.Specification{Name: "reco", Dataset: "/ds"}))

	_, err = ForKind(spec.PolicyUnknown, nil)
	require.ErrorAs(t, err, &specErr)
}
