package mesh

import (
	"sync"
	"testing"
	"time"
)

func TestTaskQueue_RunsInSubmissionOrder(t *testing.T) {
	var q taskQueue
	var mu sync.Mutex
	var order []int

	var last <-chan struct{}
	for i := 0; i < 100; i++ {
		i := i
		last = q.submit(func() {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		})
	}

	select {
	case <-last:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for queue")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 100 {
		t.Fatalf("ran %d tasks, want 100", len(order))
	}
	for i, v := range order {
		if v != i {
			t.Fatalf("order[%d]=%d, want %d", i, v, i)
		}
	}
}

func TestTaskQueue_TasksNeverOverlap(t *testing.T) {
	var q taskQueue
	var mu sync.Mutex
	running, maxRunning := 0, 0

	var dones []<-chan struct{}
	for i := 0; i < 20; i++ {
		dones = append(dones, q.submit(func() {
			mu.Lock()
			running++
			if running > maxRunning {
				maxRunning = running
			}
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			running--
			mu.Unlock()
		}))
	}
	for _, d := range dones {
		<-d
	}
	if maxRunning != 1 {
		t.Fatalf("maxRunning=%d, want 1", maxRunning)
	}
}

func TestTaskQueue_RestartsAfterIdle(t *testing.T) {
	var q taskQueue
	<-q.submit(func() {})

	ran := false
	<-q.submit(func() { ran = true })
	if !ran {
		t.Fatalf("task submitted after idle did not run")
	}
}
