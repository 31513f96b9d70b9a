package worker

import (
	"context"
	"log"
	"time"

	"funnel-service/internal/broker"
	"funnel-service/internal/models"
	"funnel-service/internal/service"
	"funnel-service/internal/util"

	"github.com/robfig/cron/v3"
)

// TaskWorker consumes funnel tasks from the queue. Returning an error
// from a handler skips the commit so the queue redelivers; that is the
// only retry policy.
type TaskWorker struct {
	consumer    *broker.Consumer
	taskHandler *broker.TaskHandler
	cartService *service.CartService
}

// NewTaskWorker creates a new task worker
func NewTaskWorker(
	consumer *broker.Consumer,
	cartService *service.CartService,
) *TaskWorker {
	w := &TaskWorker{
		consumer:    consumer,
		cartService: cartService,
	}

	handler := broker.NewTaskHandler()
	handler.OnUpsellAbandonCheck(w.handleUpsellAbandonCheck)
	handler.OnSendReceipt(w.handleSendReceipt)
	handler.OnSendShippingUpdate(w.handleSendShippingUpdate)
	w.taskHandler = handler

	return w
}

// Start starts the worker
func (w *TaskWorker) Start(ctx context.Context) error {
	log.Println("Starting funnel task worker...")
	return w.consumer.StartConsuming(ctx, w.taskHandler.HandleMessage)
}

// Stop stops the worker
func (w *TaskWorker) Stop() error {
	log.Println("Stopping funnel task worker...")
	return w.consumer.Close()
}

// handleUpsellAbandonCheck holds the task until its deadline, then runs
// the abandonment check. The stage compare-and-swap in the service makes
// a redelivered or already-resolved check a no-op.
func (w *TaskWorker) handleUpsellAbandonCheck(ctx context.Context, task *models.TaskEnvelope) error {
	if wait := time.Until(task.DueAt); wait > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}

	err := w.cartService.HandleUpsellAbandonment(ctx, task.CartID)
	w.observe(models.TaskTypeUpsellAbandonCheck, err)
	return err
}

func (w *TaskWorker) handleSendReceipt(ctx context.Context, task *models.TaskEnvelope) error {
	err := w.cartService.SendReceipt(ctx, task.CartID)
	w.observe(models.TaskTypeSendReceipt, err)
	return err
}

func (w *TaskWorker) handleSendShippingUpdate(ctx context.Context, task *models.TaskEnvelope) error {
	err := w.cartService.SendShippingUpdate(ctx, task.CartID, task.FulfillmentID)
	w.observe(models.TaskTypeSendShippingUpdate, err)
	return err
}

func (w *TaskWorker) observe(taskType string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	util.TasksProcessedTotal.WithLabelValues(taskType, status).Inc()
}

// SweepWorker runs the periodic abandonment sweep. It is the backstop
// for delayed tasks lost to a broker outage and the only mechanism that
// flags stale checkouts.
type SweepWorker struct {
	cartService *service.CartService
	cron        *cron.Cron
}

// NewSweepWorker creates a new sweep worker
func NewSweepWorker(cartService *service.CartService) *SweepWorker {
	return &SweepWorker{
		cartService: cartService,
		cron:        cron.New(),
	}
}

// Start schedules the sweep every minute and starts the scheduler.
func (sw *SweepWorker) Start(ctx context.Context) error {
	_, err := sw.cron.AddFunc("* * * * *", func() {
		sweepCtx, cancel := context.WithTimeout(ctx, 50*time.Second)
		defer cancel()

		if err := sw.cartService.SweepAbandoned(sweepCtx); err != nil {
			log.Printf("Abandonment sweep failed: %v", err)
		}
	})
	if err != nil {
		return err
	}

	log.Println("Starting abandonment sweep...")
	sw.cron.Start()
	return nil
}

// Stop stops the scheduler, waiting for a running sweep to finish.
func (sw *SweepWorker) Stop() {
	log.Println("Stopping abandonment sweep...")
	<-sw.cron.Stop().Done()
}
