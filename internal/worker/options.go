package worker

import (
	"github.com/Iron-Ham/armada/internal/collab"
	"github.com/Iron-Ham/armada/internal/event"
	"github.com/Iron-Ham/armada/internal/executor"
	"github.com/Iron-Ham/armada/internal/logging"
	"github.com/Iron-Ham/armada/internal/model"
	"github.com/Iron-Ham/armada/internal/ratebudget"
	"github.com/Iron-Ham/armada/internal/throttle"
	"github.com/Iron-Ham/armada/internal/workqueue"
)

// Deps are the shared components and collaborators a Worker uses. Every
// field except Recorder, Bus and Logger is required.
type Deps struct {
	Queue    *workqueue.Queue
	Throttle *throttle.Throttle
	Budget   *ratebudget.Manager
	Collab   *collab.Bus
	Executor executor.Executor
	Model    model.Client

	// Recorder is optional mission history.
	Recorder Recorder

	// Bus receives WorkerStatusEvents.
	Bus *event.Bus

	Logger *logging.Logger
}
