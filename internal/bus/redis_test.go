package bus

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/guardant/guardant/internal/model"
)

func newRedisBus(t *testing.T) *RedisBus {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewRedisBus(rdb)
}

func TestRedisBusTaskRoundTrip(t *testing.T) {
	b := newRedisBus(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tasks, err := b.ConsumeTasks(ctx, "eu-central-1", "w1")
	if err != nil {
		t.Fatalf("ConsumeTasks: %v", err)
	}

	task := model.ProbeTask{
		TaskID:      "t1",
		NestID:      "nest-a",
		ServiceID:   "svc-1",
		ServiceType: model.ServiceTypeWeb,
		Target:      "https://example.com",
	}
	if err := b.PublishTask(ctx, "eu-central-1", task); err != nil {
		t.Fatalf("PublishTask: %v", err)
	}

	d := recvTask(t, tasks)
	if d.Task.TaskID != "t1" || d.Task.ServiceType != model.ServiceTypeWeb {
		t.Fatalf("delivery = %+v", d.Task)
	}
	if d.Attempt != 1 {
		t.Fatalf("Attempt = %d, want 1", d.Attempt)
	}
	if err := d.Ack(ctx); err != nil {
		t.Fatalf("Ack: %v", err)
	}
	// Acking twice must be a no-op.
	if err := d.Ack(ctx); err != nil {
		t.Fatalf("second Ack: %v", err)
	}
}

func TestRedisBusCommandsTargetedAndBroadcast(t *testing.T) {
	b := newRedisBus(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w1, err := b.ConsumeCommands(ctx, "w1")
	if err != nil {
		t.Fatalf("ConsumeCommands w1: %v", err)
	}
	w2, err := b.ConsumeCommands(ctx, "w2")
	if err != nil {
		t.Fatalf("ConsumeCommands w2: %v", err)
	}

	if err := b.PublishCommand(ctx, "w1", model.ControlCommand{Command: model.CommandSuspend, Target: "w1"}); err != nil {
		t.Fatalf("publish targeted: %v", err)
	}
	if d := recvCommand(t, w1); d.Command.Command != model.CommandSuspend {
		t.Fatalf("w1 got %+v", d.Command)
	}

	if err := b.PublishCommand(ctx, model.BroadcastTarget, model.ControlCommand{Command: model.CommandResetPointsPeriod, Target: model.BroadcastTarget}); err != nil {
		t.Fatalf("publish broadcast: %v", err)
	}
	for name, ch := range map[string]<-chan CommandDelivery{"w1": w1, "w2": w2} {
		d := recvCommand(t, ch)
		if d.Command.Command != model.CommandResetPointsPeriod {
			t.Fatalf("%s got %+v", name, d.Command)
		}
		if err := d.Ack(ctx); err != nil {
			t.Fatalf("%s ack: %v", name, err)
		}
	}
}

func TestRedisBusResultsCompeteWithinGroup(t *testing.T) {
	b := newRedisBus(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c1, err := b.ConsumeResults(ctx, "aggregator", "c1")
	if err != nil {
		t.Fatalf("ConsumeResults c1: %v", err)
	}
	c2, err := b.ConsumeResults(ctx, "aggregator", "c2")
	if err != nil {
		t.Fatalf("ConsumeResults c2: %v", err)
	}

	want := map[string]bool{"r1": true, "r2": true, "r3": true}
	for id := range want {
		if err := b.PublishResult(ctx, model.ProbeResult{ResultID: id, Status: model.StatusUp}); err != nil {
			t.Fatalf("publish %s: %v", id, err)
		}
	}

	got := map[string]int{}
	deadline := time.After(5 * time.Second)
	for len(got) < len(want) {
		select {
		case d := <-c1:
			got[d.Result.ResultID]++
			_ = d.Ack(ctx)
		case d := <-c2:
			got[d.Result.ResultID]++
			_ = d.Ack(ctx)
		case <-deadline:
			t.Fatalf("received %v, want all of %v", got, want)
		}
	}
	for id, n := range got {
		if !want[id] || n != 1 {
			t.Fatalf("result %s delivered %d times", id, n)
		}
	}
}

func TestRedisBusDropsMalformedMessages(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	b := NewRedisBus(rdb)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tasks, err := b.ConsumeTasks(ctx, "eu-central-1", "w1")
	if err != nil {
		t.Fatalf("ConsumeTasks: %v", err)
	}

	// A garbage entry is acked away; the next valid task still arrives.
	if err := rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: TaskQueue("eu-central-1"),
		Values: map[string]any{"json": "{not json"},
	}).Err(); err != nil {
		t.Fatalf("xadd garbage: %v", err)
	}
	if err := b.PublishTask(ctx, "eu-central-1", model.ProbeTask{TaskID: "t-ok"}); err != nil {
		t.Fatalf("PublishTask: %v", err)
	}

	d := recvTask(t, tasks)
	if d.Task.TaskID != "t-ok" {
		t.Fatalf("delivery = %+v, want the valid task", d.Task)
	}
}

func TestQueueNames(t *testing.T) {
	if got := TaskQueue("us-east-1"); got != "tasks.us-east-1" {
		t.Fatalf("TaskQueue = %q", got)
	}
	if got := WorkerQueue("w1"); got != "worker.w1" {
		t.Fatalf("WorkerQueue = %q", got)
	}
}
