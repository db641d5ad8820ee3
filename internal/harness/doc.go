// Package harness runs write scenarios end to end against the real
// pipeline and records what happened as a deterministic trace.
//
// A scenario is a YAML file naming a fallback chain, a script for each
// provider, one write intent, an optional cache mutation and an optional
// confirmation poll. Run wires the production dispatcher, reconciler,
// journal, effects and poller around scripted providers and an in-memory
// ledger, then returns:
//
//   - the trace: every provider attempt, cache step, poll check,
//     confirmation outcome and recorded activity, stamped with a logical
//     clock
//   - the outcome: result kind, failure codes, per-provider call counts,
//     final cache values
//
// Expectations in the scenario are checked against the outcome, and trace
// assertions against the trace. RunWithGolden additionally compares the
// trace with testdata/golden/<name>.golden:
//
//	go test ./internal/harness -update
//
// regenerates the golden files.
//
// Poll sleeps are recorded, not slept, so scenarios that exercise the full
// poll schedule finish immediately.
package harness
