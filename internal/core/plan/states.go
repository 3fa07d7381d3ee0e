package plan

import (
	"fmt"
	"sort"
)

// =============================================================================
// Bootstrap States
// =============================================================================

// State is one step of a bootstrap run.
type State int

const (
	StateProvisionAccounts State = iota + 1
	StateDeployRegistry
	StateDeployAll
	StateWhitelist
	StateInitialize
	StateApproveAuthority
	StateCreateGenesisState
	StateSeedFunds
	StateCreateSampleMarkets
)

var stateNames = map[State]string{
	StateProvisionAccounts:   "ProvisionAccounts",
	StateDeployRegistry:      "DeployRegistry",
	StateDeployAll:           "DeployAll",
	StateWhitelist:           "Whitelist",
	StateInitialize:          "Initialize",
	StateApproveAuthority:    "ApproveAuthority",
	StateCreateGenesisState:  "CreateGenesisState",
	StateSeedFunds:           "SeedFunds",
	StateCreateSampleMarkets: "CreateSampleMarkets",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// stateRequires lists what each state reads from earlier states. The
// previous state in the run is always a prerequisite so that the order is
// total; the remaining entries document the data dependency.
var stateRequires = map[State][]State{
	StateProvisionAccounts:   nil,
	StateDeployRegistry:      {StateProvisionAccounts},
	StateDeployAll:           {StateDeployRegistry},
	StateWhitelist:           {StateDeployAll},
	StateInitialize:          {StateWhitelist, StateDeployAll},
	StateApproveAuthority:    {StateInitialize, StateProvisionAccounts},
	StateCreateGenesisState:  {StateApproveAuthority, StateDeployAll},
	StateSeedFunds:           {StateCreateGenesisState, StateInitialize},
	StateCreateSampleMarkets: {StateSeedFunds, StateCreateGenesisState},
}

// Requires returns the prerequisites of s.
func (s State) Requires() []State {
	return append([]State(nil), stateRequires[s]...)
}

// OrderStates sorts the bootstrap states by their prerequisites using
// Kahn's algorithm. Ties are broken by state value so the result is stable.
//
// Example:
//
//	for _, s := range plan.OrderStates() {
//	    // ProvisionAccounts, DeployRegistry, DeployAll, Whitelist, ...
//	}
func OrderStates() []State {
	inDegree := make(map[State]int, len(stateRequires))
	dependents := make(map[State][]State)
	for s, reqs := range stateRequires {
		inDegree[s] = len(reqs)
		for _, r := range reqs {
			dependents[r] = append(dependents[r], s)
		}
	}

	var queue []State
	for s, degree := range inDegree {
		if degree == 0 {
			queue = append(queue, s)
		}
	}
	sortStates(queue)

	var result []State
	for len(queue) > 0 {
		s := queue[0]
		queue = queue[1:]
		result = append(result, s)

		var ready []State
		for _, dep := range dependents[s] {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				ready = append(ready, dep)
			}
		}
		sortStates(ready)
		queue = append(queue, ready...)
		sortStates(queue)
	}
	return result
}

func sortStates(states []State) {
	sort.Slice(states, func(i, j int) bool { return states[i] < states[j] })
}

// CanEnter reports whether every prerequisite of s is in completed. The
// returned reason is empty when entry is allowed.
func CanEnter(s State, completed map[State]bool) (bool, string) {
	if _, known := stateRequires[s]; !known {
		return false, fmt.Sprintf("unknown state %s", s)
	}
	for _, r := range stateRequires[s] {
		if !completed[r] {
			return false, fmt.Sprintf("%s requires %s to complete first", s, r)
		}
	}
	return true, ""
}
