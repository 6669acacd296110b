package resource

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Default pool limits used when the caller provides none.
const (
	DefaultCPULimit    = 8.0
	DefaultMemoryLimit = 8192.0 // MB
	DefaultIOLimit     = 1000.0 // ops/sec
)

// defaultHistorySize bounds the usage-sample ring consumed by adaptive scaling.
const defaultHistorySize = 120

// Usage is a point-in-time utilization sample, one fraction (0.0-1.0) per
// named resource.
type Usage struct {
	At          time.Time
	Utilization map[string]float64
}

// Manager tracks a shared budget of named resources (cpu, memory, io) and
// grants or releases per-task allocations against it.
//
// Allocate is a single check-and-reserve critical section: under concurrent
// callers the pool can never be driven past its limits.
type Manager struct {
	mu        sync.Mutex
	limits    map[string]float64
	allocated map[string]float64
	byTask    map[string]map[string]float64 // taskID -> amounts actually reserved
	history   []Usage
	histSize  int
	log       zerolog.Logger
}

// NewManager creates a Manager with the given per-resource limits.
// Nil or empty limits fall back to the defaults.
func NewManager(limits map[string]float64, logger zerolog.Logger) *Manager {
	if len(limits) == 0 {
		limits = map[string]float64{
			"cpu":    DefaultCPULimit,
			"memory": DefaultMemoryLimit,
			"io":     DefaultIOLimit,
		}
	}

	lim := make(map[string]float64, len(limits))
	alloc := make(map[string]float64, len(limits))
	for name, amount := range limits {
		lim[name] = amount
		alloc[name] = 0
	}

	return &Manager{
		limits:    lim,
		allocated: alloc,
		byTask:    make(map[string]map[string]float64),
		histSize:  defaultHistorySize,
		log:       logger,
	}
}

// CanAllocate reports whether the request would fit the pool right now.
// Pure check, no mutation. The answer is advisory only: use Allocate for the
// authoritative check-and-reserve.
func (m *Manager) CanAllocate(req map[string]float64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fits(req)
}

// Allocate re-checks and reserves the request atomically for the given task.
// Returns false without reserving anything if the request does not fit, if
// the task already holds an allocation, or if it names an unknown resource.
func (m *Manager) Allocate(taskID string, req map[string]float64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, held := m.byTask[taskID]; held {
		return false
	}
	if !m.fits(req) {
		return false
	}

	// Record the exact amounts reserved so Release restores them precisely.
	granted := make(map[string]float64, len(req))
	for name, amount := range req {
		if amount <= 0 {
			continue
		}
		m.allocated[name] += amount
		granted[name] = amount
	}
	m.byTask[taskID] = granted

	return true
}

// Release returns the task's allocation to the pool. Idempotent: unknown
// task IDs are a no-op, and only amounts actually recorded for the task are
// decremented, so allocated can never go negative.
func (m *Manager) Release(taskID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	granted, ok := m.byTask[taskID]
	if !ok {
		return
	}
	for name, amount := range granted {
		m.allocated[name] -= amount
		if m.allocated[name] < 0 {
			// allocated <= limit and per-task bookkeeping should make this
			// unreachable; clamp and complain rather than corrupt the pool.
			m.log.Error().Str("resource", name).Msg("allocation underflow, clamping to zero")
			m.allocated[name] = 0
		}
	}
	delete(m.byTask, taskID)
}

// Available returns limit - allocated for every resource.
func (m *Manager) Available() map[string]float64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	avail := make(map[string]float64, len(m.limits))
	for name, limit := range m.limits {
		avail[name] = limit - m.allocated[name]
	}
	return avail
}

// Utilization returns allocated/limit (0.0-1.0) for every resource.
func (m *Manager) Utilization() map[string]float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.utilizationLocked()
}

// Snapshot samples current utilization and appends it to the bounded
// history ring. Returns the sample.
func (m *Manager) Snapshot() Usage {
	m.mu.Lock()
	defer m.mu.Unlock()

	sample := Usage{At: time.Now(), Utilization: m.utilizationLocked()}
	m.history = append(m.history, sample)
	if len(m.history) > m.histSize {
		m.history = m.history[len(m.history)-m.histSize:]
	}
	return sample
}

// History returns a copy of the recorded usage samples, oldest first.
func (m *Manager) History() []Usage {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Usage, len(m.history))
	copy(out, m.history)
	return out
}

// Limits returns a copy of the configured limits.
func (m *Manager) Limits() map[string]float64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]float64, len(m.limits))
	for name, limit := range m.limits {
		out[name] = limit
	}
	return out
}

func (m *Manager) fits(req map[string]float64) bool {
	for name, amount := range req {
		if amount <= 0 {
			continue
		}
		limit, known := m.limits[name]
		if !known {
			return false
		}
		if m.allocated[name]+amount > limit {
			return false
		}
	}
	return true
}

func (m *Manager) utilizationLocked() map[string]float64 {
	util := make(map[string]float64, len(m.limits))
	for name, limit := range m.limits {
		if limit <= 0 {
			util[name] = 0
			continue
		}
		util[name] = m.allocated[name] / limit
	}
	return util
}
