package pool

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"labyrinth/internal/registry"
	"labyrinth/internal/runtime"

	"github.com/hibiken/asynq"
)

const TaskUnitProvision = "unit:provision"

type ProvisionPayload struct {
	UnitID      string `json:"unit_id"`
	Tier        int    `json:"tier"`
	Image       string `json:"image"`
	ServicePort int    `json:"service_port"`
}

// Enqueuer submits unit-creation work to the background queue.
type Enqueuer interface {
	EnqueueProvision(payload ProvisionPayload) error
}

var _ Enqueuer = (*AsynqEnqueuer)(nil)

// AsynqEnqueuer queues provision tasks on Redis with asynq's built-in
// exponential-backoff retry, so creation failures never propagate to
// request handlers.
type AsynqEnqueuer struct {
	client   *asynq.Client
	maxRetry int
	timeout  time.Duration
}

func NewAsynqEnqueuer(client *asynq.Client, maxRetry int, timeout time.Duration) *AsynqEnqueuer {
	if maxRetry == 0 {
		maxRetry = 5
	}
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	return &AsynqEnqueuer{client: client, maxRetry: maxRetry, timeout: timeout}
}

func (e *AsynqEnqueuer) EnqueueProvision(payload ProvisionPayload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal provision payload: %w", err)
	}

	task := asynq.NewTask(TaskUnitProvision, data)
	_, err = e.client.Enqueue(task,
		asynq.MaxRetry(e.maxRetry),
		asynq.Timeout(e.timeout),
		asynq.TaskID(payload.UnitID), // dedupe re-enqueues for the same unit
	)
	if err != nil {
		return fmt.Errorf("enqueue provision task: %w", err)
	}
	return nil
}

// ProvisionWorker handles unit:provision tasks: create the unit through
// the runtime collaborator, record its endpoint, and bring it healthy.
type ProvisionWorker struct {
	registry *registry.Registry
	runtime  runtime.Runtime
	manager  *Manager
	timeout  time.Duration
	logger   *slog.Logger
}

func NewProvisionWorker(reg *registry.Registry, rt runtime.Runtime, mgr *Manager, timeout time.Duration, logger *slog.Logger) *ProvisionWorker {
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	return &ProvisionWorker{
		registry: reg,
		runtime:  rt,
		manager:  mgr,
		timeout:  timeout,
		logger:   logger.With("component", "provision-worker"),
	}
}

func (w *ProvisionWorker) HandleProvision(ctx context.Context, task *asynq.Task) error {
	var payload ProvisionPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("unmarshal provision payload: %w", err)
	}

	log := w.logger.With("unit_id", payload.UnitID, "tier", payload.Tier)

	// The provisioning record can disappear if an operator recycled the
	// tier while this task waited in the queue.
	if _, err := w.registry.Get(payload.UnitID); err != nil {
		log.Warn("Provisioning record gone, skipping task")
		return nil
	}

	cctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	handle, err := w.runtime.Create(cctx, runtime.Spec{
		UnitID:      payload.UnitID,
		Tier:        payload.Tier,
		Image:       payload.Image,
		ServicePort: payload.ServicePort,
	})
	if err != nil {
		w.manager.recordProvisionResult(payload.Tier, err)
		log.Error("Unit creation failed", "error", err)

		retried, _ := asynq.GetRetryCount(ctx)
		maxRetry, _ := asynq.GetMaxRetry(ctx)
		if retried >= maxRetry {
			// Out of retries: drop the provisioning record so the
			// reconciler can issue a fresh request later.
			w.registry.Remove(payload.UnitID)
			log.Error("Giving up on unit after retries", "retried", retried)
		}
		return fmt.Errorf("create unit: %w", err)
	}

	if err := w.registry.SetEndpoint(payload.UnitID, handle.RuntimeID, handle.Address); err != nil {
		// Registry record vanished between Get and here; tear the
		// container back down rather than leak it.
		dctx, dcancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer dcancel()
		_ = w.runtime.Destroy(dctx, handle.RuntimeID)
		return nil
	}

	if _, err := w.registry.Transition(payload.UnitID, registry.StateHealthy); err != nil {
		log.Error("Failed to mark unit healthy", "error", err)
		return err
	}

	w.manager.recordProvisionResult(payload.Tier, nil)
	log.Info("Unit provisioned", "address", handle.Address)
	return nil
}
