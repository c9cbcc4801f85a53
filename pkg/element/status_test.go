package element

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	for _, tc := range []struct {
		from, to Status
		ok       bool
	}{
		{StatusAvailable, StatusNegotiating, true},
		{StatusAvailable, StatusAcquired, false},
		{StatusNegotiating, StatusAcquired, true},
		{StatusNegotiating, StatusAvailable, true},
		{StatusAcquired, StatusRunning, true},
		{StatusRunning, StatusDone, true},
		{StatusRunning, StatusFailed, true},
		{StatusRunning, StatusAvailable, false},
		{StatusRunning, StatusCancelRequested, true},
		{StatusAvailable, StatusCancelRequested, true},
		{StatusAvailable, StatusCanceled, true},
		{StatusRunning, StatusCanceled, false},
		{StatusCancelRequested, StatusCanceled, true},
		{StatusCancelRequested, StatusCancelRequested, false},
		{StatusCancelRequested, StatusDone, false},
		{StatusDone, StatusCancelRequested, false},
		{StatusCanceled, StatusAvailable, false},
		{StatusFailed, StatusRunning, false},
	} {
		t.Run(tc.from.String()+"->"+tc.to.String(), func(t *testing.T) {
			require.Equal(t, tc.ok, CanTransition(tc.from, tc.to))
		})
	}
}

func TestStatusText(t *testing.T) {
	for st := range statusNames {
		b, err := json.Marshal(st)
		require.NoError(t, err)

		var out Status
		require.NoError(t, json.Unmarshal(b, &out))
		require.Equal(t, st, out)
	}

	_, err := ParseStatus("Bogus")
	require.Error(t, err)
	require.Equal(t, "Status(42)", Status(42).String())
}

func TestEligibleAt(t *testing.T) {
	e := &WorkElement{}
	require.True(t, e.EligibleAt("T1_A"))

	e.SiteWhitelist = []string{"T1_A", "T2_B"}
	require.True(t, e.EligibleAt("T2_B"))
	require.False(t, e.EligibleAt("T3_C"))

	e.SiteBlacklist = []string{"T2_B"}
	require.False(t, e.EligibleAt("T2_B"))
}

func TestCloneIsDeep(t *testing.T) {
	e := &WorkElement{
		ID:            NewID(time.Now()),
		SiteWhitelist: []string{"T1_A"},
		Mask:          Mask{Blocks: []string{"/a#1"}},
	}
	c := e.Clone()
	c.SiteWhitelist[0] = "T2_B"
	c.Mask.Blocks[0] = "/b#1"
	require.Equal(t, "T1_A", e.SiteWhitelist[0])
	require.Equal(t, "/a#1", e.Mask.Blocks[0])
}
