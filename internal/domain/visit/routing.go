package visit

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// RoutingTable is the adjacency of legal stage handoffs.
type RoutingTable struct {
	edges map[Stage]map[Stage]bool
}

// DefaultRoutingTable returns the clinic's standard routing:
//   - front_desk hands to nurse, or straight to doctor for quick visits
//   - every other working stage hands to any working stage except
//     front_desk, or to completed
//   - lab and pharmacy may hand to themselves (repeat test, re-dispense)
//   - completed has no exits
func DefaultRoutingTable() *RoutingTable {
	adj := map[Stage][]Stage{
		StageFrontDesk: {StageNurse, StageDoctor},
	}
	working := []Stage{StageNurse, StageDoctor, StageLab, StagePharmacy, StageBilling, StageReturnedToFrontDesk}
	for _, from := range working {
		var to []Stage
		for _, dst := range working {
			if dst == from && from != StageLab && from != StagePharmacy {
				continue
			}
			to = append(to, dst)
		}
		adj[from] = append(to, StageCompleted)
	}
	t, err := NewRoutingTable(adj)
	if err != nil {
		panic(fmt.Sprintf("default routing table: %v", err))
	}
	return t
}

// NewRoutingTable validates adj and builds a table from it. Every working
// stage must be listed with at least one exit, front_desk is entry only, and
// completed may not have exits.
func NewRoutingTable(adj map[Stage][]Stage) (*RoutingTable, error) {
	t := &RoutingTable{edges: make(map[Stage]map[Stage]bool)}
	for from, dests := range adj {
		if !from.Valid() {
			return nil, fmt.Errorf("routing: unknown stage %q", from)
		}
		if from.Terminal() {
			if len(dests) > 0 {
				return nil, fmt.Errorf("routing: %s is terminal and cannot have exits", from)
			}
			continue
		}
		set := make(map[Stage]bool, len(dests))
		for _, to := range dests {
			if !to.Valid() {
				return nil, fmt.Errorf("routing: %s lists unknown stage %q", from, to)
			}
			if to == StageFrontDesk {
				return nil, fmt.Errorf("routing: %s cannot hand back to front_desk, use returned_to_front_desk", from)
			}
			set[to] = true
		}
		t.edges[from] = set
	}

	for _, st := range Stages {
		if st.Terminal() {
			continue
		}
		if len(t.edges[st]) == 0 {
			return nil, fmt.Errorf("routing: %s has no exits", st)
		}
	}
	return t, nil
}

type routingFile struct {
	Transitions map[string][]string `yaml:"transitions"`
}

// LoadRoutingTable reads a YAML routing file of the form
//
//	transitions:
//	  front_desk: [nurse, doctor]
//	  nurse: [doctor, completed]
func LoadRoutingTable(path string) (*RoutingTable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read routing file: %w", err)
	}
	return ParseRoutingTable(data)
}

// ParseRoutingTable parses the YAML routing document in data.
func ParseRoutingTable(data []byte) (*RoutingTable, error) {
	var f routingFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse routing file: %w", err)
	}
	if len(f.Transitions) == 0 {
		return nil, fmt.Errorf("routing file has no transitions")
	}

	adj := make(map[Stage][]Stage, len(f.Transitions))
	for from, dests := range f.Transitions {
		st := make([]Stage, 0, len(dests))
		for _, d := range dests {
			st = append(st, Stage(d))
		}
		adj[Stage(from)] = st
	}
	return NewRoutingTable(adj)
}

// CanTransition reports whether a visit at from may be handed to to.
func (t *RoutingTable) CanTransition(from, to Stage) bool {
	return t.edges[from][to]
}

// Destinations returns the stages reachable from from in journey order.
func (t *RoutingTable) Destinations(from Stage) []Stage {
	var out []Stage
	for _, st := range Stages {
		if t.edges[from][st] {
			out = append(out, st)
		}
	}
	return out
}

// Advance moves v to stage to. It changes only the current stage and, on
// reaching completed, the status. v is modified in place.
func (t *RoutingTable) Advance(v *Visit, to Stage) error {
	if err := v.ensureActive(); err != nil {
		return err
	}
	if !t.CanTransition(v.CurrentStage, to) {
		return newError(KindIllegalTransition, "cannot hand off from %s to %s (allowed: %v)",
			v.CurrentStage, to, t.Destinations(v.CurrentStage))
	}
	v.CurrentStage = to
	if to == StageCompleted {
		v.Status = StatusCompleted
	}
	return nil
}

// MarshalYAML renders the table in the routing file format.
func (t *RoutingTable) MarshalYAML() (interface{}, error) {
	f := routingFile{Transitions: make(map[string][]string, len(t.edges))}
	for from := range t.edges {
		var dests []string
		for _, to := range t.Destinations(from) {
			dests = append(dests, string(to))
		}
		f.Transitions[string(from)] = dests
	}
	return f, nil
}

// Edges returns the number of legal handoffs, for diagnostics.
func (t *RoutingTable) Edges() int {
	n := 0
	for _, set := range t.edges {
		n += len(set)
	}
	return n
}
