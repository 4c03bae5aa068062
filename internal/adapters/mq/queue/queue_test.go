package queue

import (
	"context"
	"testing"
	"time"

	"github.com/pitwall/racepulse/internal/domain/model"
)

func testEvent(seq uint64) Event {
	return model.RaceEvent{
		SessionID: "race-1",
		Seq:       seq,
		Wall:      time.Now(),
		Type:      model.TypeLapTime,
		DriverID:  "car-01",
		LapTime:   &model.LapTimePayload{Lap: 1, LapSeconds: 91.2, Position: 1},
	}
}

func TestEnqueueDequeue(t *testing.T) {
	q := NewInMemoryQueue(WithCapacity(8))
	defer q.Close()

	ctx := context.Background()
	for seq := uint64(1); seq <= 3; seq++ {
		if !q.Enqueue(ctx, testEvent(seq)) {
			t.Fatalf("enqueue %d failed", seq)
		}
	}
	if got := q.Len(ctx); got != 3 {
		t.Fatalf("Len = %d, want 3", got)
	}

	out := q.Dequeue(ctx)
	for want := uint64(1); want <= 3; want++ {
		select {
		case e := <-out:
			if e.Seq != want {
				t.Fatalf("dequeued seq %d, want %d", e.Seq, want)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for seq %d", want)
		}
	}
}

func TestEnqueueBackpressure(t *testing.T) {
	q := NewInMemoryQueue(WithCapacity(2))
	defer q.Close()

	ctx := context.Background()
	if !q.Enqueue(ctx, testEvent(1)) || !q.Enqueue(ctx, testEvent(2)) {
		t.Fatal("filling the queue should succeed")
	}
	if q.Enqueue(ctx, testEvent(3)) {
		t.Fatal("enqueue past capacity should report backpressure")
	}
}

func TestEnqueueAfterClose(t *testing.T) {
	q := NewInMemoryQueue(WithCapacity(2))
	if err := q.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if q.Enqueue(context.Background(), testEvent(1)) {
		t.Fatal("enqueue after close should fail")
	}
}

func TestDequeueDrainsAfterClose(t *testing.T) {
	q := NewInMemoryQueue(WithCapacity(4))
	ctx := context.Background()
	q.Enqueue(ctx, testEvent(1))
	q.Enqueue(ctx, testEvent(2))
	q.Close()

	out := q.Dequeue(ctx)
	var got int
	for range out {
		got++
	}
	if got != 2 {
		t.Fatalf("drained %d events after close, want 2", got)
	}
}
