package visit

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestDefaultRoutingTable_Adjacency(t *testing.T) {
	rt := DefaultRoutingTable()

	assert.True(t, rt.CanTransition(StageFrontDesk, StageNurse))
	assert.True(t, rt.CanTransition(StageFrontDesk, StageDoctor), "quick visits skip the nurse")
	assert.False(t, rt.CanTransition(StageFrontDesk, StageBilling))
	assert.False(t, rt.CanTransition(StageFrontDesk, StageCompleted))

	assert.True(t, rt.CanTransition(StageNurse, StageDoctor))
	assert.True(t, rt.CanTransition(StageDoctor, StageBilling))
	assert.True(t, rt.CanTransition(StageBilling, StageReturnedToFrontDesk))
	assert.True(t, rt.CanTransition(StageReturnedToFrontDesk, StageCompleted))
	assert.True(t, rt.CanTransition(StageLab, StagePharmacy))
	assert.True(t, rt.CanTransition(StagePharmacy, StageLab))

	assert.True(t, rt.CanTransition(StageLab, StageLab), "repeat test")
	assert.True(t, rt.CanTransition(StagePharmacy, StagePharmacy), "re-dispense")
	assert.False(t, rt.CanTransition(StageNurse, StageNurse))
	assert.False(t, rt.CanTransition(StageDoctor, StageDoctor))

	for _, st := range Stages {
		assert.False(t, rt.CanTransition(st, StageFrontDesk), "%s must not re-enter front_desk", st)
		assert.False(t, rt.CanTransition(StageCompleted, st), "completed must not exit to %s", st)
	}
	assert.Equal(t, 40, rt.Edges())
}

func TestDefaultRoutingTable_BillingReachableViaDoctor(t *testing.T) {
	rt := DefaultRoutingTable()
	require.False(t, rt.CanTransition(StageFrontDesk, StageBilling))
	assert.True(t, rt.CanTransition(StageFrontDesk, StageDoctor))
	assert.True(t, rt.CanTransition(StageDoctor, StageBilling))
}

func TestRoutingTable_Destinations(t *testing.T) {
	rt := DefaultRoutingTable()
	assert.Equal(t, []Stage{StageNurse, StageDoctor}, rt.Destinations(StageFrontDesk))
	assert.Empty(t, rt.Destinations(StageCompleted))
}

func TestRoutingTable_Advance(t *testing.T) {
	rt := DefaultRoutingTable()
	v := &Visit{VisitNumber: "VIS-1", CurrentStage: StageDoctor, Status: StatusInProgress}

	require.NoError(t, rt.Advance(v, StageCompleted))
	assert.Equal(t, StageCompleted, v.CurrentStage)
	assert.Equal(t, StatusCompleted, v.Status)

	err := rt.Advance(v, StageBilling)
	assert.Equal(t, KindTerminalState, KindOf(err))

	v = &Visit{VisitNumber: "VIS-2", CurrentStage: StageFrontDesk, Status: StatusInProgress}
	err = rt.Advance(v, StagePharmacy)
	assert.Equal(t, KindIllegalTransition, KindOf(err))
	assert.Equal(t, StageFrontDesk, v.CurrentStage)
}

func TestNewRoutingTable_Validation(t *testing.T) {
	full := func() map[Stage][]Stage {
		return map[Stage][]Stage{
			StageFrontDesk:           {StageNurse},
			StageNurse:               {StageDoctor},
			StageDoctor:              {StageCompleted},
			StageLab:                 {StageDoctor},
			StagePharmacy:            {StageBilling},
			StageBilling:             {StageCompleted},
			StageReturnedToFrontDesk: {StageCompleted},
		}
	}

	_, err := NewRoutingTable(full())
	require.NoError(t, err)

	adj := full()
	adj["radiology"] = []Stage{StageDoctor}
	_, err = NewRoutingTable(adj)
	assert.ErrorContains(t, err, "unknown stage")

	adj = full()
	adj[StageNurse] = []Stage{"radiology"}
	_, err = NewRoutingTable(adj)
	assert.ErrorContains(t, err, "unknown stage")

	adj = full()
	adj[StageCompleted] = []Stage{StageNurse}
	_, err = NewRoutingTable(adj)
	assert.ErrorContains(t, err, "terminal")

	adj = full()
	adj[StageBilling] = []Stage{StageFrontDesk}
	_, err = NewRoutingTable(adj)
	assert.ErrorContains(t, err, "front_desk")

	adj = full()
	delete(adj, StageLab)
	_, err = NewRoutingTable(adj)
	assert.ErrorContains(t, err, "lab has no exits")
}

const routingYAML = `
transitions:
  front_desk: [nurse]
  nurse: [doctor]
  doctor: [pharmacy, completed]
  lab: [doctor]
  pharmacy: [billing]
  billing: [returned_to_front_desk]
  returned_to_front_desk: [completed]
  completed: []
`

func TestLoadRoutingTable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "routing.yaml")
	require.NoError(t, os.WriteFile(path, []byte(routingYAML), 0o600))

	rt, err := LoadRoutingTable(path)
	require.NoError(t, err)
	assert.False(t, rt.CanTransition(StageFrontDesk, StageDoctor))
	assert.True(t, rt.CanTransition(StageDoctor, StagePharmacy))
	assert.False(t, rt.CanTransition(StageDoctor, StageLab))
	assert.Equal(t, 8, rt.Edges())
}

func TestLoadRoutingTable_Errors(t *testing.T) {
	_, err := LoadRoutingTable(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "read routing file")

	_, err = ParseRoutingTable([]byte("transitions: {}"))
	assert.ErrorContains(t, err, "no transitions")

	_, err = ParseRoutingTable([]byte("transitions: [oops"))
	assert.ErrorContains(t, err, "parse routing file")
}

func TestRoutingTable_MarshalYAML(t *testing.T) {
	out, err := yaml.Marshal(DefaultRoutingTable())
	require.NoError(t, err)

	rt, err := ParseRoutingTable(out)
	require.NoError(t, err)
	assert.Equal(t, 40, rt.Edges())
	assert.True(t, rt.CanTransition(StageLab, StageLab))
}
