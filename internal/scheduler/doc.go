// Package scheduler decides, for every content item and every platform its
// author selected, whether to attempt a publish right now, how to record the
// outcome, and how to avoid duplicate or doomed attempts across repeated
// ticks against a shared, eventually-consistent store.
//
// The pieces are deliberately small and separable:
//
//   - Evaluate (filter.go): pure eligibility decision per (content, platform).
//   - MergeResult (merge.go): pure state transition from a publish result.
//   - Aggregate (aggregate.go): pure derivation of the content-level status.
//   - Service (service.go, dispatch.go): the tick loop and bounded-concurrency
//     dispatcher that wire the pure parts to the repository and publishers.
//
// Dispatch-level errors never propagate out of the tick loop; they become
// recorded platform state. Only repository unavailability surfaces as an
// error, and the loop retries it on the next tick.
package scheduler
