package resource

import (
	"fmt"
	"sync"
	"testing"

	"github.com/rs/zerolog"
)

func testManager(limits map[string]float64) *Manager {
	return NewManager(limits, zerolog.Nop())
}

func TestAllocateRelease_RoundTrip(t *testing.T) {
	m := testManager(map[string]float64{"cpu": 4, "memory": 1024})

	before := m.Available()

	if !m.Allocate("t1", map[string]float64{"cpu": 2, "memory": 512}) {
		t.Fatal("expected allocation to succeed")
	}

	avail := m.Available()
	if avail["cpu"] != 2 || avail["memory"] != 512 {
		t.Errorf("unexpected availability after allocate: %v", avail)
	}

	m.Release("t1")

	after := m.Available()
	for name := range before {
		if after[name] != before[name] {
			t.Errorf("release did not restore %s: before=%v after=%v", name, before[name], after[name])
		}
	}
}

func TestAllocate_Rejections(t *testing.T) {
	tests := []struct {
		name string
		req  map[string]float64
	}{
		{"over cpu limit", map[string]float64{"cpu": 5}},
		{"unknown resource", map[string]float64{"gpu": 1}},
		{"over after partial use", map[string]float64{"cpu": 3}},
	}

	m := testManager(map[string]float64{"cpu": 4})
	if !m.Allocate("base", map[string]float64{"cpu": 2}) {
		t.Fatal("setup allocation failed")
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if m.Allocate("other", tt.req) {
				t.Errorf("expected allocation of %v to fail", tt.req)
			}
		})
	}

	// A rejected request must not leak partial reservations.
	if avail := m.Available(); avail["cpu"] != 2 {
		t.Errorf("rejected allocations leaked: available cpu = %v, want 2", avail["cpu"])
	}
}

func TestAllocate_DoubleHoldRejected(t *testing.T) {
	m := testManager(map[string]float64{"cpu": 4})

	if !m.Allocate("t1", map[string]float64{"cpu": 1}) {
		t.Fatal("first allocation failed")
	}
	if m.Allocate("t1", map[string]float64{"cpu": 1}) {
		t.Error("second allocation for same task should fail")
	}
}

func TestRelease_UnknownTaskIsNoOp(t *testing.T) {
	m := testManager(map[string]float64{"cpu": 4})
	m.Release("never-allocated")

	if avail := m.Available(); avail["cpu"] != 4 {
		t.Errorf("release of unknown task changed pool: %v", avail)
	}
}

func TestAllocate_ConcurrentNeverExceedsLimit(t *testing.T) {
	m := testManager(map[string]float64{"cpu": 10})

	var wg sync.WaitGroup
	granted := make(chan string, 100)

	// 100 goroutines race for 10 single-cpu slots.
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			taskID := fmt.Sprintf("task-%d", id)
			if m.Allocate(taskID, map[string]float64{"cpu": 1}) {
				granted <- taskID
			}
		}(i)
	}
	wg.Wait()
	close(granted)

	count := 0
	for range granted {
		count++
	}
	if count != 10 {
		t.Errorf("expected exactly 10 grants, got %d", count)
	}
	if avail := m.Available(); avail["cpu"] != 0 {
		t.Errorf("expected cpu fully allocated, available = %v", avail["cpu"])
	}
}

func TestUtilizationAndSnapshot(t *testing.T) {
	m := testManager(map[string]float64{"cpu": 4})

	if !m.Allocate("t1", map[string]float64{"cpu": 2}) {
		t.Fatal("allocation failed")
	}

	util := m.Utilization()
	if util["cpu"] != 0.5 {
		t.Errorf("expected cpu utilization 0.5, got %v", util["cpu"])
	}

	sample := m.Snapshot()
	if sample.Utilization["cpu"] != 0.5 {
		t.Errorf("snapshot utilization = %v, want 0.5", sample.Utilization["cpu"])
	}
	if len(m.History()) != 1 {
		t.Errorf("expected 1 history sample, got %d", len(m.History()))
	}
}

func TestSnapshot_HistoryBounded(t *testing.T) {
	m := testManager(map[string]float64{"cpu": 4})

	for i := 0; i < defaultHistorySize+50; i++ {
		m.Snapshot()
	}
	if got := len(m.History()); got != defaultHistorySize {
		t.Errorf("history length = %d, want %d", got, defaultHistorySize)
	}
}

func TestZeroAndNegativeRequirements(t *testing.T) {
	m := testManager(map[string]float64{"cpu": 1})

	// Empty and non-positive requests always fit.
	if !m.Allocate("t1", nil) {
		t.Error("nil requirements should allocate")
	}
	if !m.Allocate("t2", map[string]float64{"cpu": 0}) {
		t.Error("zero requirement should allocate")
	}
	if avail := m.Available(); avail["cpu"] != 1 {
		t.Errorf("non-positive requests changed pool: %v", avail)
	}
}
