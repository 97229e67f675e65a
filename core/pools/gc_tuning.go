package pools

import (
	"runtime"
	"runtime/debug"
)

// GCConfig holds garbage collector tuning knobs applied at engine startup.
type GCConfig struct {
	// GOGC target percentage. Higher means less frequent collections at
	// the cost of a larger heap.
	GOGC int

	// MemoryLimit is a soft heap limit in bytes, 0 for none.
	MemoryLimit int64

	// BaselineHeap pre-touches this many bytes once so the first load
	// spike does not trigger a collection storm.
	BaselineHeap int64
}

// DefaultGCConfig returns settings suited to a pooled, low-churn server:
// the buffer pools keep steady-state allocation near zero, so the
// collector can run rarely.
func DefaultGCConfig() GCConfig {
	return GCConfig{
		GOGC:         200,
		BaselineHeap: 32 << 20,
	}
}

// ApplyGCConfig applies the tuning. Call once before serving.
func ApplyGCConfig(cfg GCConfig) {
	if cfg.GOGC > 0 {
		debug.SetGCPercent(cfg.GOGC)
	}
	if cfg.MemoryLimit > 0 {
		debug.SetMemoryLimit(cfg.MemoryLimit)
	}
	if cfg.BaselineHeap > 0 {
		runtime.GC()
		_ = make([]byte, cfg.BaselineHeap)
	}
}
