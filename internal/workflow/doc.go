// Package workflow implements the Temporal workflows hosting the engine.
//
// The engine never runs timers of its own: expiry is applied lazily when a
// task is read. Workflows supply the clock-driven side of the lifecycle by
// sleeping until a task's deadline plus a grace period and then settling it,
// which forces the lazy expiry and publishes the settlement to escrow.
//
// Workflows must stay deterministic. They use workflow.Now and workflow.Sleep
// for time and delegate every engine call to activities.
package workflow
