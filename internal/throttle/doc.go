// Package throttle implements resource-pressure admission control for
// workers.
//
// A [Throttle] samples host CPU and memory usage through a [Sampler],
// maps each dimension onto a [Level] using four ascending thresholds, and
// takes the higher of the two. Each worker gets its own [State]: a delay
// derived from the level (with random jitter so workers never back off in
// lockstep) and a debounced pause that only engages after the Pause level
// has been observed three checks in a row.
//
// [Throttle.WaitForResources] is the only blocking call; it sleeps for the
// computed delay or pause and returns early when the caller's context is
// cancelled.
package throttle
