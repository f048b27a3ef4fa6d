// Package restobs defines the narrow read-only accessor the balancing
// engine and the SOC estimator use to query the pack orchestrator's
// rest state, without importing the pack package itself. This breaks
// the cyclic reference spec §9 calls out ("balancing queries pack
// state; pack publishes 'at rest'") the same way the teacher's HAL
// exposes capability interfaces rather than concrete service types.
package restobs

// PackObserver is implemented by the pack orchestrator and consumed by
// anything that needs to know whether the pack is currently at rest.
type PackObserver interface {
	AtRest() bool
}
