package queue_test

import (
	"testing"
	"time"

	"github.com/gviegas/x11present/internal/queue"
)

func TestPushPopOrder(t *testing.T) {
	q := queue.New(4)
	for _, v := range []uint32{0, 1, 2} {
		q.Push(v)
	}
	for _, want := range []uint32{0, 1, 2} {
		got, ok := q.Pop(-1)
		if !ok || got != want {
			t.Fatalf("Pop: got (%d, %t), want (%d, true)", got, ok, want)
		}
	}
}

func TestPopZeroTimeoutEmpty(t *testing.T) {
	q := queue.New(1)
	if _, ok := q.Pop(0); ok {
		t.Fatal("Pop(0) on empty queue: ok = true, want false")
	}
}

func TestPopTimeout(t *testing.T) {
	q := queue.New(1)
	start := time.Now()
	_, ok := q.Pop(20 * time.Millisecond)
	if ok {
		t.Fatal("Pop: ok = true, want false")
	}
	if time.Since(start) < 20*time.Millisecond {
		t.Fatal("Pop returned before the timeout elapsed")
	}
}

func TestSentinelNeverBlocksOnFullQueue(t *testing.T) {
	const n = 3
	q := queue.New(n + 1) // capacity reserves room for the sentinel.
	for i := uint32(0); i < n; i++ {
		q.Push(i)
	}
	done := make(chan struct{})
	go func() {
		q.Push(queue.Sentinel)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Push(Sentinel) blocked despite the reserved capacity slot")
	}
	for i := 0; i < n; i++ {
		if v, ok := q.Pop(0); !ok || v != uint32(i) {
			t.Fatalf("Pop: got (%d, %t), want (%d, true)", v, ok, i)
		}
	}
	if v, ok := q.Pop(0); !ok || v != queue.Sentinel {
		t.Fatalf("Pop: got (%d, %t), want (Sentinel, true)", v, ok)
	}
}

func TestBlockingPopWakesOnPush(t *testing.T) {
	q := queue.New(1)
	result := make(chan uint32, 1)
	go func() {
		v, ok := q.Pop(-1)
		if !ok {
			t.Error("Pop: ok = false, want true")
		}
		result <- v
	}()
	time.Sleep(10 * time.Millisecond)
	q.Push(7)
	select {
	case v := <-result:
		if v != 7 {
			t.Fatalf("Pop: got %d, want 7", v)
		}
	case <-time.After(time.Second):
		t.Fatal("blocked Pop never woke up")
	}
}
