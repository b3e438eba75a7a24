// Package worker runs one autonomous agent of a mission.
//
// A Worker alternates between two activities. When the shared queue has
// pending commands it claims one, fingerprints it against the
// collaboration bus so no two agents run the same task, executes it, and
// reports the outcome. When the queue is empty it waits for admission
// (host resources, then the model's rate budget), asks the model for the
// next batch of commands, and publishes whatever findings and discoveries
// the model or the executed output reported.
//
// The Worker depends on narrow contracts ([executor.Executor],
// [model.Client], [Recorder]) so tests can substitute fakes. Shared
// components are passed in through [Deps]; a Worker never creates them.
//
// Lifecycle:
//
//	w := worker.New("agent-1", cfg, deps)
//	go w.Run(ctx)   // blocks until Completed, Error, or Stopped
//	w.Pause()       // finishes the current step, then waits
//	w.Resume()
//	w.Stop()        // cancels in-flight calls
package worker
