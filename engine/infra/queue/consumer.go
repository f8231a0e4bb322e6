package queue

import (
	"context"
	"errors"
	"time"

	"github.com/stepflow-io/stepflow/engine/core"
	"github.com/stepflow-io/stepflow/pkg/logger"
)

// HandlerFunc processes one delivered task. A returned error schedules
// redelivery after the configured retry delay.
type HandlerFunc func(ctx context.Context, taskID core.ID) error

// Consumer drives the delivery loop: promote due tasks, pop the next ready
// one, hand it to the handler. It runs until the context is cancelled.
type Consumer struct {
	queue   *Queue
	handler HandlerFunc
}

func NewConsumer(queue *Queue, handler HandlerFunc) *Consumer {
	return &Consumer{queue: queue, handler: handler}
}

// Run blocks until ctx is cancelled. Handler errors are logged and the task
// is rescheduled; they never stop the loop.
func (c *Consumer) Run(ctx context.Context) error {
	log := logger.FromContext(ctx)
	promote := time.NewTicker(c.queue.cfg.PromoteInterval)
	defer promote.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-promote.C:
			if _, err := c.queue.PromoteDue(ctx); err != nil && ctx.Err() == nil {
				log.Error("failed to promote scheduled tasks", "error", err)
			}
		default:
		}
		taskID, err := c.queue.Dequeue(ctx)
		if errors.Is(err, ErrEmpty) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Error("failed to dequeue task", "error", err)
			continue
		}
		c.deliver(ctx, taskID)
	}
}

func (c *Consumer) deliver(ctx context.Context, taskID core.ID) {
	log := logger.FromContext(ctx).With("task_id", taskID)
	if err := c.handler(ctx, taskID); err != nil {
		log.Warn("task handler failed, scheduling redelivery", "error", err)
		retryAt := time.Now().Add(c.queue.cfg.RetryDelay)
		if enqErr := c.queue.Enqueue(context.WithoutCancel(ctx), taskID, retryAt); enqErr != nil {
			log.Error("failed to schedule redelivery", "error", enqErr)
		}
	}
}
