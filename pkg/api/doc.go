// Package api defines the public types and contracts of the stepline
// workflow engine: step and workflow definitions, run results and execution
// records, the History storage contract, lifecycle events with their typed
// payloads, webhook subscriptions, and the fixed condition table.
//
// The package is intentionally free of execution logic; the runner and the
// storage backends live under internal/ and are reached through the
// interfaces declared here. Application code usually imports the root
// stepline package, which re-exports everything relevant.
package api
