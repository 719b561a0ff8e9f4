package bus

import (
	"context"
	"sync"

	"github.com/guardant/guardant/internal/model"
)

// MemoryBus is an in-process MessageBus used by tests and single-binary
// deployments. Queues are unbounded; redelivery via Nack re-enqueues with an
// incremented attempt counter.
type MemoryBus struct {
	mu sync.Mutex

	taskQueues map[string]chan taskEnvelope    // region -> queue
	cmdQueues  map[string]chan CommandDelivery // workerID -> queue
	results    chan resultEnvelope

	closed bool
}

type taskEnvelope struct {
	task    model.ProbeTask
	attempt int
}

type resultEnvelope struct {
	result model.ProbeResult
}

const memoryQueueDepth = 4096

// NewMemoryBus creates an empty in-memory bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		taskQueues: make(map[string]chan taskEnvelope),
		cmdQueues:  make(map[string]chan CommandDelivery),
		results:    make(chan resultEnvelope, memoryQueueDepth),
	}
}

func (b *MemoryBus) taskQueue(region string) chan taskEnvelope {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.taskQueues[region]
	if !ok {
		q = make(chan taskEnvelope, memoryQueueDepth)
		b.taskQueues[region] = q
	}
	return q
}

func (b *MemoryBus) cmdQueue(workerID string) chan CommandDelivery {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.cmdQueues[workerID]
	if !ok {
		q = make(chan CommandDelivery, memoryQueueDepth)
		b.cmdQueues[workerID] = q
	}
	return q
}

// PublishTask enqueues a task for the region's competing consumers.
func (b *MemoryBus) PublishTask(ctx context.Context, region string, task model.ProbeTask) error {
	select {
	case b.taskQueue(region) <- taskEnvelope{task: task, attempt: 1}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PublishCommand enqueues a command for one worker, or for every worker queue
// that currently exists when target is broadcast.
func (b *MemoryBus) PublishCommand(ctx context.Context, target string, cmd model.ControlCommand) error {
	noopAck := func(context.Context) error { return nil }
	if target == model.BroadcastTarget {
		b.mu.Lock()
		queues := make([]chan CommandDelivery, 0, len(b.cmdQueues))
		for _, q := range b.cmdQueues {
			queues = append(queues, q)
		}
		b.mu.Unlock()
		for _, q := range queues {
			select {
			case q <- CommandDelivery{Command: cmd, Ack: noopAck}:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	}
	select {
	case b.cmdQueue(target) <- CommandDelivery{Command: cmd, Ack: noopAck}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PublishResult enqueues a result on the shared result queue.
func (b *MemoryBus) PublishResult(ctx context.Context, result model.ProbeResult) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return context.Canceled
	}
	select {
	case b.results <- resultEnvelope{result: result}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ConsumeTasks delivers tasks for the region until ctx is done. Multiple
// consumers on the same region compete for messages.
func (b *MemoryBus) ConsumeTasks(ctx context.Context, region, _ string) (<-chan TaskDelivery, error) {
	q := b.taskQueue(region)
	out := make(chan TaskDelivery)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case env := <-q:
				d := TaskDelivery{
					Task:    env.task,
					Attempt: env.attempt,
					Ack:     func(context.Context) error { return nil },
					Nack: func(nctx context.Context) error {
						redelivered := env
						redelivered.attempt++
						select {
						case q <- redelivered:
							return nil
						case <-nctx.Done():
							return nctx.Err()
						}
					},
				}
				select {
				case out <- d:
				case <-ctx.Done():
					// Returned unconsumed; re-enqueue so no task is lost.
					q <- env
					return
				}
			}
		}
	}()
	return out, nil
}

// ConsumeCommands delivers targeted commands for the worker.
func (b *MemoryBus) ConsumeCommands(ctx context.Context, workerID string) (<-chan CommandDelivery, error) {
	q := b.cmdQueue(workerID)
	out := make(chan CommandDelivery)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case d := <-q:
				select {
				case out <- d:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// ConsumeResults delivers results from the shared queue. All consumers
// compete regardless of group name.
func (b *MemoryBus) ConsumeResults(ctx context.Context, _, _ string) (<-chan ResultDelivery, error) {
	out := make(chan ResultDelivery)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case env := <-b.results:
				d := ResultDelivery{
					Result: env.result,
					Ack:    func(context.Context) error { return nil },
				}
				select {
				case out <- d:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// Close marks the bus closed. Outstanding channels drain via their contexts.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}
