// Package event provides a synchronous pub-sub bus for in-process
// notifications between armada components.
//
// Coordination components publish small immutable events after their
// state changes (the work queue after every mutation, workers on state
// transitions, the throttle when a pause begins). The observer subscribes
// to these to push fresh snapshots without polling.
//
// Handlers run synchronously on the publisher's goroutine after the bus
// lock is released, so a handler may publish or subscribe without
// deadlocking. A panicking handler is recovered and logged; remaining
// handlers still run.
package event
