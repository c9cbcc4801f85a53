package jobsplit

import (
	"cmp"
	"slices"
	"strings"

	"github.com/gridqueue/gridqueue/pkg/catalog"
)

// MergeUnits groups files that share parent lineage and run, so that one job
// covers each unit and merge-sensitive outputs never span two jobs.
//
// Within a unit files are ordered by run, first lumi, first event and name.
// Units are ordered by the same key applied to their first file, then by
// lineage, which gives a total order independent of catalog iteration.
func MergeUnits(files []catalog.File) [][]catalog.File {
	type unitKey struct {
		lineage string
		run     uint64
	}
	units := map[unitKey][]catalog.File{}
	for _, f := range files {
		k := unitKey{lineage: lineage(f), run: f.Run}
		units[k] = append(units[k], f)
	}

	keys := make([]unitKey, 0, len(units))
	for k, unit := range units {
		slices.SortFunc(unit, compareFiles)
		keys = append(keys, k)
	}
	slices.SortFunc(keys, func(a, b unitKey) int {
		if c := compareFiles(units[a][0], units[b][0]); c != 0 {
			return c
		}
		return strings.Compare(a.lineage, b.lineage)
	})

	out := make([][]catalog.File, 0, len(keys))
	for _, k := range keys {
		out = append(out, units[k])
	}
	return out
}

func compareFiles(a, b catalog.File) int {
	return cmp.Or(
		cmp.Compare(a.Run, b.Run),
		cmp.Compare(a.FirstLumi(), b.FirstLumi()),
		cmp.Compare(a.FirstEvent, b.FirstEvent),
		strings.Compare(a.Name, b.Name),
	)
}

func lineage(f catalog.File) string {
	parents := slices.Clone(f.Parents)
	slices.Sort(parents)
	return strings.Join(parents, ",")
}
