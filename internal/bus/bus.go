// Package bus defines the message transport between the coordinator, the
// worker fleet, and the aggregator. Semantics are AMQP-style: persistent
// messages, explicit ack after side effects, at-least-once delivery with
// competing consumers on shared queues.
package bus

import (
	"context"

	"github.com/guardant/guardant/internal/model"
)

// AckFunc acknowledges a delivery. Calling it more than once is a no-op.
type AckFunc func(ctx context.Context) error

// NackFunc returns a delivery to the queue for redelivery.
type NackFunc func(ctx context.Context) error

// TaskDelivery is one probe task received from a regional task queue.
// Attempt counts prior deliveries of the same message (1 for the first).
type TaskDelivery struct {
	Task    model.ProbeTask
	Attempt int
	Ack     AckFunc
	Nack    NackFunc
}

// CommandDelivery is one control command received on a worker queue.
type CommandDelivery struct {
	Command model.ControlCommand
	Ack     AckFunc
}

// ResultDelivery is one probe result received from the shared result queue.
type ResultDelivery struct {
	Result model.ProbeResult
	Ack    AckFunc
}

// MessageBus is the broker abstraction. Implementations: RedisBus for
// production, MemoryBus for tests.
//
// Topology: tasks route by region to queue tasks.<region> (competing
// consumers); commands route by worker id to queue worker.<id>, with
// "broadcast" fanning out to every worker; results land on the single
// durable worker_results queue consumed by aggregator instances.
type MessageBus interface {
	PublishTask(ctx context.Context, region string, task model.ProbeTask) error
	PublishCommand(ctx context.Context, target string, cmd model.ControlCommand) error
	PublishResult(ctx context.Context, result model.ProbeResult) error

	// ConsumeTasks joins the competing-consumer group on tasks.<region>.
	// The channel closes when ctx is done.
	ConsumeTasks(ctx context.Context, region, workerID string) (<-chan TaskDelivery, error)
	// ConsumeCommands receives targeted and broadcast commands for a worker.
	ConsumeCommands(ctx context.Context, workerID string) (<-chan CommandDelivery, error)
	// ConsumeResults joins the named consumer group on worker_results.
	ConsumeResults(ctx context.Context, group, consumer string) (<-chan ResultDelivery, error)

	Close() error
}

// Queue/stream naming, shared by both implementations.
const (
	TaskQueuePrefix   = "tasks."
	WorkerQueuePrefix = "worker."
	BroadcastQueue    = "worker_commands.broadcast"
	ResultQueue       = "worker_results"
)

// TaskQueue returns the queue name for a region.
func TaskQueue(region string) string { return TaskQueuePrefix + region }

// WorkerQueue returns the targeted command queue for a worker. The routing
// key equals the queue name, so targeted sends cannot miss the bound queue.
func WorkerQueue(workerID string) string { return WorkerQueuePrefix + workerID }
