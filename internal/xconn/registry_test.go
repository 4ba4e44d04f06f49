package xconn_test

import (
	"fmt"
	"sync"
	"testing"

	"github.com/gviegas/x11present/internal/xconn"
	"github.com/gviegas/x11present/internal/xconn/xconntest"
)

func TestGetOrCreateReusesConnection(t *testing.T) {
	var dials int
	r := xconn.NewRegistry(func(display string) (xconn.Conn, error) {
		dials++
		return xconntest.New(display), nil
	})
	c1, err := r.GetOrCreate(":0")
	if err != nil {
		t.Fatal(err)
	}
	c2, err := r.GetOrCreate(":0")
	if err != nil {
		t.Fatal(err)
	}
	if c1 != c2 {
		t.Fatal("GetOrCreate returned two different connections for the same display")
	}
	if dials != 1 {
		t.Fatalf("dial count: got %d, want 1", dials)
	}
}

func TestGetOrCreateDistinctDisplays(t *testing.T) {
	r := xconn.NewRegistry(func(display string) (xconn.Conn, error) {
		return xconntest.New(display), nil
	})
	c1, _ := r.GetOrCreate(":0")
	c2, _ := r.GetOrCreate(":1")
	if c1 == c2 {
		t.Fatal("GetOrCreate returned the same connection for two different displays")
	}
	if r.Len() != 2 {
		t.Fatalf("Len: got %d, want 2", r.Len())
	}
}

func TestGetOrCreateConcurrentSameDisplay(t *testing.T) {
	var dials int
	var mu sync.Mutex
	r := xconn.NewRegistry(func(display string) (xconn.Conn, error) {
		mu.Lock()
		dials++
		mu.Unlock()
		return xconntest.New(display), nil
	})
	var wg sync.WaitGroup
	conns := make([]xconn.Conn, 32)
	for i := range conns {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, _ := r.GetOrCreate(":0")
			conns[i] = c
		}(i)
	}
	wg.Wait()
	for _, c := range conns[1:] {
		if c != conns[0] {
			t.Fatal("concurrent GetOrCreate callers did not converge on one connection")
		}
	}
	if dials != 1 {
		t.Fatalf("dial count: got %d, want 1", dials)
	}
}

func TestGetOrCreatePropagatesDialError(t *testing.T) {
	wantErr := fmt.Errorf("boom")
	r := xconn.NewRegistry(func(display string) (xconn.Conn, error) {
		return nil, wantErr
	})
	_, err := r.GetOrCreate(":0")
	if err != wantErr {
		t.Fatalf("GetOrCreate error: got %v, want %v", err, wantErr)
	}
}
