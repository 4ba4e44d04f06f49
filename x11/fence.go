// Copyright 2022 Gustavo C. Viegas. All rights reserved.

package x11

import (
	"fmt"
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/gviegas/x11present/internal/xconn"
)

// syncFence is the cross-process fence described in §3/§4.4: a
// page of anonymous shared memory (visible to both this process
// and the X server, which maps the same fd) carrying a single
// 32-bit trigger word, plus the server-side DRI3 fence id that
// names this memory to the Present extension.
//
// The real xshmfence library blocks on the trigger word with a
// futex wait so that Await never busy-polls; this engine instead
// polls with a short backoff, which is simpler and still correct
// (Await only returns once the word is observed triggered) at
// the cost of added wake-up latency under heavy contention.
type syncFence struct {
	fenceID uint32
	fd      int
	mem     []byte
}

const (
	fenceUntriggered uint32 = 0
	fenceTriggered   uint32 = 1
)

// newSyncFence allocates the shared page, maps it, and registers
// it with the server as a sync fence attached to drawable. The
// fence starts in the triggered state, matching "image starts
// non-busy" in §4.4.
func newSyncFence(conn xconn.Conn, drawable uint32) (*syncFence, error) {
	fd, err := unix.MemfdCreate("x11present-fence", 0)
	if err != nil {
		return nil, fmt.Errorf("x11: MemfdCreate: %w", err)
	}
	const pageSize = 4096
	if err := unix.Ftruncate(fd, pageSize); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("x11: Ftruncate: %w", err)
	}
	mem, err := unix.Mmap(fd, 0, pageSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("x11: Mmap: %w", err)
	}
	word := (*uint32)(unsafe.Pointer(&mem[0]))
	atomic.StoreUint32(word, fenceTriggered)

	fenceID, err := conn.NewID()
	if err != nil {
		unix.Munmap(mem)
		unix.Close(fd)
		return nil, err
	}
	dupFD, err := unix.Dup(fd)
	if err != nil {
		unix.Munmap(mem)
		unix.Close(fd)
		return nil, fmt.Errorf("x11: Dup: %w", err)
	}
	unix.CloseOnExec(dupFD)
	if err := conn.DRI3FenceFromFD(drawable, fenceID, true, uintptr(dupFD)); err != nil {
		unix.Close(dupFD)
		unix.Munmap(mem)
		unix.Close(fd)
		return nil, fmt.Errorf("x11: DRI3FenceFromFD: %w", err)
	}
	unix.Close(dupFD)

	return &syncFence{fenceID: fenceID, fd: fd, mem: mem}, nil
}

func (f *syncFence) word() *uint32 {
	return (*uint32)(unsafe.Pointer(&f.mem[0]))
}

// Reset clears the fence back to the untriggered state; the
// server triggers it again once the image is idle (§4.5.5 step
// 4).
func (f *syncFence) Reset() {
	atomic.StoreUint32(f.word(), fenceUntriggered)
}

// Triggered reports whether the fence is currently triggered,
// without blocking.
func (f *syncFence) Triggered() bool {
	return atomic.LoadUint32(f.word()) == fenceTriggered
}

// Await blocks until the fence is triggered or timeout elapses.
// A negative timeout blocks indefinitely.
func (f *syncFence) Await(timeout time.Duration) error {
	if f.Triggered() {
		return nil
	}
	deadline := time.Time{}
	if timeout >= 0 {
		deadline = time.Now().Add(timeout)
	}
	backoff := 100 * time.Microsecond
	const maxBackoff = 2 * time.Millisecond
	for {
		if f.Triggered() {
			return nil
		}
		if timeout >= 0 && time.Now().After(deadline) {
			return fmt.Errorf("x11: fence await timed out")
		}
		time.Sleep(backoff)
		if backoff < maxBackoff {
			backoff *= 2
		}
	}
}

// destroy runs the first two steps of §4.4's destruction
// ordering for a slot that acquired server resources: destroy the
// server-side sync fence, then unmap the local fence memory. Each
// step proceeds regardless of whether the previous one succeeded.
func (f *syncFence) destroy(conn xconn.Conn) {
	if err := conn.SyncDestroyFence(f.fenceID); err != nil {
		// Non-fatal: the connection (and thus the fence) may already
		// be gone if the server dropped us.
		_ = err
	}
	if f.mem != nil {
		unix.Munmap(f.mem)
		f.mem = nil
	}
	if f.fd != 0 {
		unix.Close(f.fd)
		f.fd = 0
	}
}
