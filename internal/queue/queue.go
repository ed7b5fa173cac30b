package queue

import (
	"context"
	"errors"

	"driving-school-jobs/internal/models"
)

// ErrNotConnected is returned when publishing while the broker link is down.
var ErrNotConnected = errors.New("broker not connected")

// Publisher hands job requests to the broker. Publish does not wait for a consumer.
type Publisher interface {
	Publish(ctx context.Context, queue string, msg models.QueueMessage) error
	Close() error
}

// Delivery is one message taken from a queue. It must be acked or nacked exactly once.
type Delivery struct {
	Queue   string
	Message models.QueueMessage
	Ack     func() error
	Nack    func(requeue bool) error
}

// Consumer streams deliveries from one or more queues until ctx is done.
type Consumer interface {
	Consume(ctx context.Context, queues ...string) (<-chan Delivery, error)
	Close() error
}

// Queue names per job family.
const (
	PDFQueue        = "pdf-generation"
	SimulationQueue = "simulation-jobs"
	DireksiyonQueue = "direksiyon-takip-jobs"
)

// Name returns the queue a job type is routed to.
func Name(prefix string, t models.JobType) string {
	var base string
	switch t {
	case models.JobTypeSingleSimulation, models.JobTypeGroupSimulation:
		base = SimulationQueue
	case models.JobTypeDireksiyonTakipSingle, models.JobTypeDireksiyonTakipGroup:
		base = DireksiyonQueue
	default:
		base = PDFQueue
	}
	return prefix + base
}

// AllNames lists every queue a worker should consume.
func AllNames(prefix string) []string {
	return []string{prefix + PDFQueue, prefix + SimulationQueue, prefix + DireksiyonQueue}
}
