/*
Package simulation runs predictive micro-climate models against zone snapshots.

An Engine is configured with a model type, which selects a Solver from the
process-wide registry (see Register). Solvers are deterministic: the same model
type, snapshot and parameters always yield the same Result. The numerical
method is the solver's business; the engine only bounds its running time,
reports divergence uniformly through ErrSolverDivergence and keeps the
scenario bookkeeping of its model in a scenario.Manager.

The built-in model, registered as DefaultModel, treats a zone as a single
well-mixed volume of air exchanging heat, moisture and pollutants with the
outdoors through ventilation:

	dT/dt = v·(T_ambient − T) + heat_load
	dH/dt = v·(H_outdoor − H)
	dA/dt = v·(A_outdoor − A) + pollutant_emission

where v is the ventilation rate in air changes per hour and time is measured
in hours. It integrates with explicit Euler steps and diverges when the step
violates the method's stability bound (v·h ≥ 2) or the state stops being
finite.
*/
package simulation
