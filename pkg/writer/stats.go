package writer

import "errors"

// Stats reports async writer activity.
type Stats struct {
	// QueueDepth is the number of writes waiting in the queue.
	QueueDepth int `json:"queue_depth"`

	// DroppedWrites counts writes rejected by backpressure.
	DroppedWrites int64 `json:"dropped_writes"`

	// TotalWrites counts writes accepted into the queue.
	TotalWrites int64 `json:"total_writes"`

	// FailedWrites counts accepted writes the store rejected.
	FailedWrites int64 `json:"failed_writes"`
}

// Errors returned by async writer operations.
var (
	// ErrQueueFull is returned when the write queue is full and MaxWaitTime exceeded
	ErrQueueFull = errors.New("writer: queue full, write dropped")

	// ErrWriterClosed is returned when attempting to write to a closed writer
	ErrWriterClosed = errors.New("writer: writer is closed")

	// ErrFlushTimeout is returned when Flush() times out waiting for queue to drain
	ErrFlushTimeout = errors.New("writer: flush timeout exceeded")
)
