package latch_test

import (
	"testing"

	"github.com/gviegas/x11present/internal/latch"
)

func TestStickyNegativity(t *testing.T) {
	l := latch.New(latch.Success)
	if got := l.Merge(latch.OutOfDate); got != latch.OutOfDate {
		t.Fatalf("Merge(OutOfDate): got %v, want %v", got, latch.OutOfDate)
	}
	for _, new := range []latch.Status{latch.Success, latch.Suboptimal, latch.SurfaceLost, latch.NotReady, latch.Timeout} {
		if got := l.Merge(new); got != latch.OutOfDate {
			t.Fatalf("Merge(%v) after fatal: got %v, want %v", new, got, latch.OutOfDate)
		}
	}
	if got := l.Load(); got != latch.OutOfDate {
		t.Fatalf("Load: got %v, want %v", got, latch.OutOfDate)
	}
}

func TestStickySuboptimal(t *testing.T) {
	l := latch.New(latch.Success)
	if got := l.Merge(latch.Suboptimal); got != latch.Suboptimal {
		t.Fatalf("Merge(Suboptimal): got %v, want %v", got, latch.Suboptimal)
	}
	if got := l.Merge(latch.Success); got != latch.Suboptimal {
		t.Fatalf("Merge(Success) after Suboptimal: got %v, want %v", got, latch.Suboptimal)
	}
	if got := l.Merge(latch.NotReady); got != latch.NotReady {
		t.Fatalf("Merge(NotReady) after Suboptimal: got %v, want %v", got, latch.NotReady)
	}
	if got := l.Load(); got != latch.Suboptimal {
		t.Fatalf("Load: got %v, want %v", got, latch.Suboptimal)
	}
}

func TestSuboptimalOverwrittenByFatal(t *testing.T) {
	l := latch.New(latch.Success)
	l.Merge(latch.Suboptimal)
	if got := l.Merge(latch.SurfaceLost); got != latch.SurfaceLost {
		t.Fatalf("Merge(SurfaceLost): got %v, want %v", got, latch.SurfaceLost)
	}
	if got := l.Load(); got != latch.SurfaceLost {
		t.Fatalf("Load: got %v, want %v", got, latch.SurfaceLost)
	}
}

func TestTransientNeverWritten(t *testing.T) {
	l := latch.New(latch.Success)
	if got := l.Merge(latch.Timeout); got != latch.Timeout {
		t.Fatalf("Merge(Timeout): got %v, want %v", got, latch.Timeout)
	}
	if got := l.Load(); got != latch.Success {
		t.Fatalf("Load: got %v, want %v (Timeout must not be written)", got, latch.Success)
	}
	if got := l.Merge(latch.NotReady); got != latch.NotReady {
		t.Fatalf("Merge(NotReady): got %v, want %v", got, latch.NotReady)
	}
	if got := l.Load(); got != latch.Success {
		t.Fatalf("Load: got %v, want %v (NotReady must not be written)", got, latch.Success)
	}
}
