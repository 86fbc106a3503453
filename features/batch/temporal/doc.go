// Package temporal runs backtests as durable Temporal workflows. An
// in-process backtest dies with the process; a suite of hundreds of baselines
// replayed under a candidate configuration can take long enough that worker
// restarts, deploys and transient storage outages become routine rather than
// exceptional. Temporal keeps the fan-out alive across all of them: the
// workflow schedules one replay activity per artifact id, each activity
// retries independently, and the aggregate score lands in workflow history.
//
// # Topology
//
// Three pieces cooperate:
//
//   - BacktestWorkflow is the deterministic coordinator. It fans one
//     ReplayArtifact activity out per baseline id and aggregates the scores.
//   - Activities hosts the worker-side implementations. ReplayArtifact loads
//     the baseline from the artifact store, replays it under the candidate
//     overrides and scores the drift.
//   - Worker and Starter wrap the Temporal client for the two process roles:
//     workers poll the kurral-backtest queue and execute, starters submit
//     workflows and wait on results.
//
// Both roles accept a pre-configured client or construct a lazy one from
// client options, so a single process can host both sides during development
// while production splits them.
//
// # Determinism
//
// The workflow never touches the store, the cache or the clock directly.
// Artifact loading, replay and scoring all happen inside activities; the
// workflow sees only slim score outcomes, which also keeps artifact payloads
// out of workflow history. Missing and malformed artifacts fail their
// activity non-retryably and are recorded as zero-score outcomes, while
// storage outages stay retryable under the activity retry policy.
//
// # OpenTelemetry
//
// When the package constructs the Temporal client it installs the OTEL
// tracing interceptor and metrics handler from Temporal's contrib module, so
// traces flow from starter through workflow to each replay activity. Pass a
// pre-configured client to take over interceptor wiring.
package temporal
