package queue

import (
	"context"
	"time"
)

// Delivery is one leased job handed to a worker. Attempt starts at 1.
type Delivery struct {
	UploadID string
	Attempt  int

	// handle is the backend's own reference to the leased message.
	handle any
}

// Enqueuer hands an upload id to the worker pool.
type Enqueuer interface {
	Enqueue(ctx context.Context, uploadID string) error
}

// Consumer leases deliveries and settles them. Receive returns ok=false when nothing is ready.
type Consumer interface {
	Receive(ctx context.Context) (d Delivery, ok bool, err error)
	Ack(ctx context.Context, d Delivery) error
	Retry(ctx context.Context, d Delivery, delay time.Duration) error
	DeadLetter(ctx context.Context, d Delivery, reason string) error
	ExtendLease(ctx context.Context, d Delivery, extension time.Duration) error
}

// Canceler drops a job that has not been processed yet.
type Canceler interface {
	Cancel(ctx context.Context, uploadID string) error
}

// DepthReporter exposes the ready backlog for metrics.
type DepthReporter interface {
	ReadyDepth(ctx context.Context) (int64, error)
}

// Abandoner is implemented by backends without a visibility timeout. A worker that gives up on a
// delivery without settling it calls Abandon so the job is handed out again after redeliverAfter.
type Abandoner interface {
	Abandon(ctx context.Context, d Delivery, redeliverAfter time.Duration) error
}
