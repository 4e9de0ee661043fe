package events

import (
	"context"
	"testing"
	"time"
)

func TestEmitAndWaitFIFO(t *testing.T) {
	q := New()
	q.Emit(LowFreeSpace, LowFreeSpaceData{Free: 1024})
	q.Emit(OutOfSpace, nil)

	ev, err := q.Wait(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if ev.Code != LowFreeSpace {
		t.Errorf("expected LowFreeSpace first, got %v", ev.Code)
	}

	ev, err = q.Wait(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if ev.Code != OutOfSpace {
		t.Errorf("expected OutOfSpace second, got %v", ev.Code)
	}
}

func TestWaitTimeout(t *testing.T) {
	q := New()
	_, err := q.Wait(context.Background(), 20*time.Millisecond)
	if err != context.DeadlineExceeded {
		t.Errorf("expected DeadlineExceeded, got %v", err)
	}
}

func TestWaitContextCancel(t *testing.T) {
	q := New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := q.Wait(ctx, time.Second)
	if err != context.Canceled {
		t.Errorf("expected Canceled, got %v", err)
	}
}

func TestWaitUnblocksOnEmit(t *testing.T) {
	q := New()
	done := make(chan Event, 1)
	go func() {
		ev, err := q.Wait(context.Background(), 2*time.Second)
		if err == nil {
			done <- ev
		}
	}()

	time.Sleep(10 * time.Millisecond)
	q.Emit(Corrupted, CorruptedData{})

	select {
	case ev := <-done:
		if ev.Code != Corrupted {
			t.Errorf("expected Corrupted, got %v", ev.Code)
		}
	case <-time.After(time.Second):
		t.Fatal("Wait did not unblock on Emit")
	}
}

func TestDrain(t *testing.T) {
	q := New()
	q.Emit(Terminate, nil)
	q.Drain()

	_, err := q.Wait(context.Background(), 20*time.Millisecond)
	if err != context.DeadlineExceeded {
		t.Errorf("expected queue empty after Drain, got err=%v", err)
	}
}
