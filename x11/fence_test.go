// Copyright 2022 Gustavo C. Viegas. All rights reserved.

package x11

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/gviegas/x11present/internal/xconn/xconntest"
)

func TestSyncFenceStartsTriggered(t *testing.T) {
	conn := xconntest.New(":0")
	f, err := newSyncFence(conn, 1)
	if err != nil {
		t.Fatalf("newSyncFence: %v", err)
	}
	defer f.destroy(conn)

	if !f.Triggered() {
		t.Error("new fence should start triggered")
	}
	if err := f.Await(0); err != nil {
		t.Errorf("Await on a triggered fence should not error: %v", err)
	}
}

func TestSyncFenceResetAndAwaitTimeout(t *testing.T) {
	conn := xconntest.New(":0")
	f, err := newSyncFence(conn, 1)
	if err != nil {
		t.Fatalf("newSyncFence: %v", err)
	}
	defer f.destroy(conn)

	f.Reset()
	if f.Triggered() {
		t.Error("fence should not be triggered after Reset")
	}
	if err := f.Await(5 * time.Millisecond); err == nil {
		t.Error("Await should time out on an untriggered fence")
	}
}

func TestSyncFenceAwaitUnblocksOnTrigger(t *testing.T) {
	conn := xconntest.New(":0")
	f, err := newSyncFence(conn, 1)
	if err != nil {
		t.Fatalf("newSyncFence: %v", err)
	}
	defer f.destroy(conn)

	f.Reset()
	done := make(chan error, 1)
	go func() { done <- f.Await(time.Second) }()

	time.Sleep(5 * time.Millisecond)
	// Simulate the server triggering the fence, the way Present
	// does when an image becomes idle.
	atomic.StoreUint32(f.word(), fenceTriggered)

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Await returned error after trigger: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Await did not unblock after trigger")
	}
}

func TestSyncFenceDestroySwallowsServerError(t *testing.T) {
	conn := xconntest.New(":0")
	f, err := newSyncFence(conn, 1)
	if err != nil {
		t.Fatalf("newSyncFence: %v", err)
	}
	conn.FailNext("SyncDestroyFence", errBoom)
	f.destroy(conn) // must not panic even though the server call fails.
}
