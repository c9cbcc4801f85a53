package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gridqueue/gridqueue/pkg/element"
	"github.com/gridqueue/gridqueue/pkg/spec"
)

func TestReadSpec(t *testing.T) {
	dir := t.TempDir()
	yamlPath := filepath.Join(dir, "sim.yaml")
	require.NoError(t, os.WriteFile(yamlPath, []byte(`
name: sim
team: production
priority: 4
policy: events
events:
  total_events: 1500000
  events_per_job: 1000
`), 0o600))
	jsonPath := filepath.Join(dir, "sim.json")
	require.NoError(t, os.WriteFile(jsonPath, []byte(`{"name":"sim","team":"production","priority":4,"policy":"events","events":{"total_events":1500000,"events_per_job":1000}}`), 0o600))

	fromYAML, err := readSpec(yamlPath)
	require.NoError(t, err)
	fromJSON, err := readSpec(jsonPath)
	require.NoError(t, err)
	require.Equal(t, fromYAML, fromJSON)
	require.Equal(t, spec.PolicyEvents, fromYAML.Policy)
	require.Equal(t, uint64(1500000), fromYAML.Events.TotalEvents)

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("policy: sometimes\n"), 0o600))
	_, err = readSpec(bad)
	require.Error(t, err)
}

func TestInputSize(t *testing.T) {
	e := &element.WorkElement{Blocks: []element.Block{{Size: 100}, {Size: 23}}}
	require.Equal(t, uint64(123), inputSize(e))
}
