package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/guardant/guardant/internal/model"
)

const (
	taskGroup    = "workers"
	commandGroup = "agent"

	// redeliverIdle is how long a pending entry may sit unacked before a
	// competing consumer may claim it.
	redeliverIdle = 30 * time.Second

	readBlock = 500 * time.Millisecond
	readCount = 32
)

// RedisBus implements MessageBus on Redis streams. Each queue is a stream;
// competing consumers are stream consumer groups; the pending-entries list
// supplies the per-message attempt counter.
type RedisBus struct {
	rdb *redis.Client
}

// NewRedisBus wraps an existing client.
func NewRedisBus(rdb *redis.Client) *RedisBus {
	return &RedisBus{rdb: rdb}
}

// DialRedisBus connects to the broker URL (redis:// form).
func DialRedisBus(ctx context.Context, url string) (*RedisBus, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("bus: parse broker url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("bus: connect: %w", err)
	}
	return &RedisBus{rdb: rdb}, nil
}

func (b *RedisBus) Close() error {
	return b.rdb.Close()
}

func (b *RedisBus) publish(ctx context.Context, stream string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("bus: encode for %s: %w", stream, err)
	}
	err = b.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]any{"json": string(data)},
	}).Err()
	if err != nil {
		return fmt.Errorf("bus: publish to %s: %w", stream, err)
	}
	return nil
}

// PublishTask routes a task to the region's stream.
func (b *RedisBus) PublishTask(ctx context.Context, region string, task model.ProbeTask) error {
	return b.publish(ctx, TaskQueue(region), task)
}

// PublishCommand routes a command to worker.<id>, or to the broadcast stream.
func (b *RedisBus) PublishCommand(ctx context.Context, target string, cmd model.ControlCommand) error {
	if target == model.BroadcastTarget {
		return b.publish(ctx, BroadcastQueue, cmd)
	}
	return b.publish(ctx, WorkerQueue(target), cmd)
}

// PublishResult appends a result to the shared durable result stream.
func (b *RedisBus) PublishResult(ctx context.Context, result model.ProbeResult) error {
	return b.publish(ctx, ResultQueue, result)
}

func (b *RedisBus) ensureGroup(ctx context.Context, stream, group string) error {
	err := b.rdb.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("bus: create group %s on %s: %w", group, stream, err)
	}
	return nil
}

// ackFunc builds an idempotent XAck closure.
func (b *RedisBus) ackFunc(stream, group, id string) AckFunc {
	done := false
	return func(ctx context.Context) error {
		if done {
			return nil
		}
		done = true
		return b.rdb.XAck(ctx, stream, group, id).Err()
	}
}

// claimStale transfers long-pending entries to this consumer and returns them
// with their retry counts. Used for task redelivery after worker failures.
func (b *RedisBus) claimStale(ctx context.Context, stream, group, consumer string) ([]redis.XMessage, map[string]int64) {
	pending, err := b.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: stream,
		Group:  group,
		Idle:   redeliverIdle,
		Start:  "-",
		End:    "+",
		Count:  readCount,
	}).Result()
	if err != nil || len(pending) == 0 {
		return nil, nil
	}
	ids := make([]string, 0, len(pending))
	attempts := make(map[string]int64, len(pending))
	for _, p := range pending {
		ids = append(ids, p.ID)
		attempts[p.ID] = p.RetryCount
	}
	claimed, err := b.rdb.XClaim(ctx, &redis.XClaimArgs{
		Stream:   stream,
		Group:    group,
		Consumer: consumer,
		MinIdle:  redeliverIdle,
		Messages: ids,
	}).Result()
	if err != nil {
		return nil, nil
	}
	return claimed, attempts
}

func decodeJSONField(msg redis.XMessage, v any) error {
	raw, ok := msg.Values["json"].(string)
	if !ok {
		return fmt.Errorf("bus: message %s has no json field", msg.ID)
	}
	return json.Unmarshal([]byte(raw), v)
}

// consumeStream reads one stream/group into handler until ctx is done.
// handler receives the message and its attempt number (1 for fresh reads).
func (b *RedisBus) consumeStream(ctx context.Context, stream, group, consumer string, handler func(msg redis.XMessage, attempt int) bool) {
	for {
		if ctx.Err() != nil {
			return
		}

		claimed, attempts := b.claimStale(ctx, stream, group, consumer)
		for _, msg := range claimed {
			// RetryCount counts deliveries so far; the claim is one more.
			attempt := int(attempts[msg.ID]) + 1
			if !handler(msg, attempt) {
				return
			}
		}

		streams, err := b.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    group,
			Consumer: consumer,
			Streams:  []string{stream, ">"},
			Count:    readCount,
			Block:    readBlock,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || ctx.Err() != nil {
				continue
			}
			log.Printf("[bus] read %s failed: %v", stream, err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		for _, s := range streams {
			for _, msg := range s.Messages {
				if !handler(msg, 1) {
					return
				}
			}
		}
	}
}

// ConsumeTasks joins the region's competing-consumer group.
func (b *RedisBus) ConsumeTasks(ctx context.Context, region, workerID string) (<-chan TaskDelivery, error) {
	stream := TaskQueue(region)
	if err := b.ensureGroup(ctx, stream, taskGroup); err != nil {
		return nil, err
	}
	out := make(chan TaskDelivery)
	go func() {
		defer close(out)
		b.consumeStream(ctx, stream, taskGroup, workerID, func(msg redis.XMessage, attempt int) bool {
			var task model.ProbeTask
			if err := decodeJSONField(msg, &task); err != nil {
				log.Printf("[bus] drop malformed task %s: %v", msg.ID, err)
				_ = b.rdb.XAck(ctx, stream, taskGroup, msg.ID).Err()
				return true
			}
			d := TaskDelivery{
				Task:    task,
				Attempt: attempt,
				Ack:     b.ackFunc(stream, taskGroup, msg.ID),
				// Leaving the entry pending is the redelivery path.
				Nack: func(context.Context) error { return nil },
			}
			select {
			case out <- d:
				return true
			case <-ctx.Done():
				return false
			}
		})
	}()
	return out, nil
}

// ConsumeCommands merges the targeted worker queue and the broadcast stream.
// Broadcast durability is per worker: each worker owns a group named after
// itself on the broadcast stream.
func (b *RedisBus) ConsumeCommands(ctx context.Context, workerID string) (<-chan CommandDelivery, error) {
	targeted := WorkerQueue(workerID)
	if err := b.ensureGroup(ctx, targeted, commandGroup); err != nil {
		return nil, err
	}
	if err := b.ensureGroup(ctx, BroadcastQueue, workerID); err != nil {
		return nil, err
	}

	out := make(chan CommandDelivery)
	emit := func(stream, group string) func(msg redis.XMessage, attempt int) bool {
		return func(msg redis.XMessage, _ int) bool {
			var cmd model.ControlCommand
			if err := decodeJSONField(msg, &cmd); err != nil {
				log.Printf("[bus] drop malformed command %s: %v", msg.ID, err)
				_ = b.rdb.XAck(ctx, stream, group, msg.ID).Err()
				return true
			}
			select {
			case out <- CommandDelivery{Command: cmd, Ack: b.ackFunc(stream, group, msg.ID)}:
				return true
			case <-ctx.Done():
				return false
			}
		}
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		b.consumeStream(ctx, targeted, commandGroup, workerID, emit(targeted, commandGroup))
	}()
	go func() {
		defer wg.Done()
		b.consumeStream(ctx, BroadcastQueue, workerID, workerID, emit(BroadcastQueue, workerID))
	}()
	go func() {
		wg.Wait()
		close(out)
	}()
	return out, nil
}

// ConsumeResults joins the aggregator consumer group on worker_results.
func (b *RedisBus) ConsumeResults(ctx context.Context, group, consumer string) (<-chan ResultDelivery, error) {
	if err := b.ensureGroup(ctx, ResultQueue, group); err != nil {
		return nil, err
	}
	out := make(chan ResultDelivery)
	go func() {
		defer close(out)
		b.consumeStream(ctx, ResultQueue, group, consumer, func(msg redis.XMessage, _ int) bool {
			var result model.ProbeResult
			if err := decodeJSONField(msg, &result); err != nil {
				log.Printf("[bus] drop malformed result %s: %v", msg.ID, err)
				_ = b.rdb.XAck(ctx, ResultQueue, group, msg.ID).Err()
				return true
			}
			select {
			case out <- ResultDelivery{Result: result, Ack: b.ackFunc(ResultQueue, group, msg.ID)}:
				return true
			case <-ctx.Done():
				return false
			}
		})
	}()
	return out, nil
}
