package spec

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestValidate(t *testing.T) {
	for _, tc := range []struct {
		desc  string
		spec  Specification
		field string
	}{
		{desc: "valid synthetic", spec: Specification{Name: "mc", Policy: PolicyEvents}},
		{desc: "valid dataset", spec: Specification{Name: "reco", Policy: PolicyBlock, Dataset: "/A/B/RAW"}},
		{desc: "missing name", spec: Specification{Policy: PolicyEvents}, field: "name"},
		{desc: "unknown policy", spec: Specification{Name: "x"}, field: "policy"},
		{desc: "dataset missing", spec: Specification{Name: "x", Policy: PolicySize}, field: "dataset"},
		{desc: "dataset on synthetic", spec: Specification{Name: "x", Policy: PolicyEvents, Dataset: "/A/B/C"}, field: "dataset"},
		{desc: "negative priority", spec: Specification{Name: "x", Policy: PolicyEvents, Priority: -1}, field: "priority"},
		{
			desc:  "site in both lists",
			spec:  Specification{Name: "x", Policy: PolicyEvents, SiteWhitelist: []string{"T1"}, SiteBlacklist: []string{"T1"}},
			field: "site_whitelist",
		},
		{
			desc:  "file jobs on synthetic",
			spec:  Specification{Name: "x", Policy: PolicyEvents, Jobs: JobParams{Algorithm: JobsByFileCount, FilesPerJob: 1}},
			field: "jobs.algorithm",
		},
		{
			desc:  "zero files per job",
			spec:  Specification{Name: "x", Policy: PolicyBlock, Dataset: "/A", Jobs: JobParams{Algorithm: JobsByFileCount}},
			field: "jobs.files_per_job",
		},
	} {
		t.Run(tc.desc, func(t *testing.T) {
			err := tc.spec.Validate()
			if tc.field == "" {
				require.NoError(t, err)
				return
			}
			var specErr *SpecificationError
			require.ErrorAs(t, err, &specErr)
			require.Equal(t, tc.field, specErr.Field)
		})
	}
}

func TestValidateEvents(t *testing.T) {
	require.NoError(t, EventParams{TotalEvents: 10, EventsPerJob: 5}.ValidateEvents())

	var specErr *SpecificationError
	require.ErrorAs(t, EventParams{EventsPerJob: 5}.ValidateEvents(), &specErr)
	require.Equal(t, "events.total_events", specErr.Field)

	require.ErrorAs(t, EventParams{TotalEvents: 5}.ValidateEvents(), &specErr)
	require.Equal(t, "events.events_per_job", specErr.Field)

	require.ErrorAs(t, EventParams{TotalEvents: 5, EventsPerJob: 1, FirstEvent: 1 << 32}.ValidateEvents(), &specErr)
	require.Equal(t, "events.first_event", specErr.Field)

	require.ErrorAs(t, EventParams{TotalEvents: 10, EventsPerJob: 1 << 63}.ValidateEvents(), &specErr)
	require.Equal(t, "events.events_per_job", specErr.Field)

	require.ErrorAs(t, EventParams{TotalEvents: MaxTotalEvents + 1, EventsPerJob: 10}.ValidateEvents(), &specErr)
	require.Equal(t, "events.total_events", specErr.Field)

	require.ErrorAs(t, EventParams{TotalEvents: 10, EventsPerJob: 10, FirstLumi: 1 << 32}.ValidateEvents(), &specErr)
	require.Equal(t, "events.first_lumi", specErr.Field)

	require.NoError(t, EventParams{TotalEvents: MaxTotalEvents, EventsPerJob: 1<<32 - 1}.ValidateEvents())
}

func TestPolicyKindEncoding(t *testing.T) {
	var s Specification
	require.NoError(t, yaml.Unmarshal([]byte("name: mc\npolicy: events\nevents:\n  total_events: 100\n  events_per_job: 10\n"), &s))
	require.Equal(t, PolicyEvents, s.Policy)
	require.Equal(t, uint64(100), s.Events.TotalEvents)

	b, err := json.Marshal(s)
	require.NoError(t, err)
	require.Contains(t, string(b), `"policy":"events"`)

	require.Error(t, yaml.Unmarshal([]byte("policy: nonsense\n"), &s))

	// a record without a policy reads back as it was written
	b, err = json.Marshal(Specification{Name: "a"})
	require.NoError(t, err)
	var back Specification
	require.NoError(t, json.Unmarshal(b, &back))
	require.Equal(t, PolicyUnknown, back.Policy)
	var specErr *SpecificationError
	require.ErrorAs(t, back.Validate(), &specErr)

	_, err = PolicyKind(42).MarshalText()
	require.Error(t, err)
}

func TestFingerprint(t *testing.T) {
	a := Specification{Name: "mc", Policy: PolicyEvents, Events: EventParams{TotalEvents: 100, EventsPerJob: 10}}
	b := a
	require.Equal(t, a.Fingerprint(), b.Fingerprint())

	b.Events.TotalEvents = 200
	require.NotEqual(t, a.Fingerprint(), b.Fingerprint())
}
