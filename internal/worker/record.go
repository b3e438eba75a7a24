package worker

import (
	"context"
	"time"

	"github.com/Iron-Ham/armada/internal/batch"
	"github.com/Iron-Ham/armada/internal/store"
)

func (w *Worker) finding(f batch.Finding) store.Finding {
	return store.Finding{
		MissionID: w.cfg.MissionID,
		AgentID:   w.id,
		Target:    w.cfg.Target,
		Severity:  string(f.Severity),
		Content:   f.Content,
		CreatedAt: w.now(),
	}
}

func (w *Worker) recordTurn(ctx context.Context, role, content string) {
	if w.recorder == nil {
		return
	}
	err := w.recorder.RecordTurn(ctx, store.Turn{
		MissionID: w.cfg.MissionID,
		AgentID:   w.id,
		Role:      role,
		Content:   content,
		CreatedAt: w.now(),
	})
	if err != nil {
		w.logger.Warn("record turn failed", "error", err)
	}
}

func (w *Worker) recordExecution(ctx context.Context, itemID int64, cmd, result, status string, d time.Duration) {
	if w.recorder == nil {
		return
	}
	err := w.recorder.RecordExecution(ctx, store.Execution{
		MissionID: w.cfg.MissionID,
		AgentID:   w.id,
		ItemID:    itemID,
		Command:   cmd,
		Result:    result,
		Status:    status,
		Duration:  d,
		CreatedAt: w.now(),
	})
	if err != nil {
		w.logger.Warn("record execution failed", "error", err)
	}
}

func (w *Worker) recordDiscovery(ctx context.Context, discoveryType, key string, data map[string]string) {
	if w.recorder == nil {
		return
	}
	_, err := w.recorder.RecordDiscovery(ctx, store.Discovery{
		MissionID: w.cfg.MissionID,
		AgentID:   w.id,
		Type:      discoveryType,
		Key:       key,
		Data:      data,
		CreatedAt: w.now(),
	})
	if err != nil {
		w.logger.Warn("record discovery failed", "error", err)
	}
}
