// Package logging provides structured logging for armada missions.
//
// It wraps log/slog with a JSON handler and a small set of helpers for
// attaching mission, worker, and component context to every entry. Logs go
// to {dir}/debug.log when a directory is configured, otherwise to stderr.
//
// All types in this package are safe for concurrent use. Child loggers
// created via the With* methods share the parent's handler.
//
// # Basic Usage
//
//	logger, err := logging.NewLogger("/var/lib/armada/mission-1", "INFO")
//	if err != nil {
//		return err
//	}
//	defer logger.Close()
//
//	wlog := logger.WithMission(missionID).WithWorker("worker-1")
//	wlog.Info("claimed item", "item_id", 7)
//
// Components accept a nil *Logger and fall back to [NopLogger].
package logging
