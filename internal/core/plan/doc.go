// Package plan provides pure functions for bootstrap planning.
//
// This package contains the functional core of a bootstrap run: given an
// artifact store and a plan Config it decides, before any transaction is
// sent, which contracts are deployed, which of them are fronted by a
// delegator proxy, which are whitelisted, and which initializer each one
// exposes. All functions are pure (no I/O, no side effects).
//
// # Functions
//
//   - Build: turn artifacts + Config into a Plan (Deployments, Whitelist, Initializers)
//   - OrderStates: derive the bootstrap state order from state prerequisites
//   - CanEnter: check a state's prerequisites against completed states
//
// # Usage
//
// The imperative shell (internal/shell/bootstrap) builds the plan once and
// then executes it against a ledger client.
//
//	p, err := plan.Build(store, plan.DefaultConfig())
//	for _, d := range p.Deployments {
//	    switch k := d.Kind.(type) {
//	    case plan.Plain:
//	    case plan.Delegated:
//	        _ = k.TargetName
//	    }
//	}
package plan
