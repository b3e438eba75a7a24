// Package workqueue provides the shared work list that every worker of a
// mission pulls commands from.
//
// The core type is [Queue]. Commands are appended as pending [Item]s and
// claimed in insertion order: [Queue.ClaimNext] atomically flips the first
// pending item to executing and records the claimant, so no two workers
// ever hold the same item. Only the claimant may [Queue.Complete] or
// [Queue.Fail] an item; a mismatched worker id is a benign no-op reported
// as false, which covers double completion and workers that restarted
// mid-claim. A failed item returns to pending and may be claimed by anyone.
//
// Memory is bounded. Pending items beyond the configured ceiling are
// evicted oldest first, executing items are never evicted, and completed
// items move into a fixed-size history ring.
//
// Observers can [Queue.Subscribe] to post-mutation [Snapshot]s. Delivery is
// non-blocking: a listener that falls behind only ever sees the latest
// snapshot.
//
// Queue state can be persisted with [Queue.SaveState] and restored with
// [LoadState] for crash recovery.
//
// Usage:
//
//	q := workqueue.New(workqueue.WithBus(bus))
//	q.AddMany([]string{"RUN nmap -sV 10.0.0.1"})
//
//	if item, ok := q.ClaimNext("worker-1"); ok {
//	    out := exec.Execute(ctx, item.Command)
//	    q.Complete(item.ID, "worker-1", out)
//	}
package workqueue
