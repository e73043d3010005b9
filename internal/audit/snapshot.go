package audit

import (
	"runtime/metrics"
	"time"
)

const heapObjectsMetric = "/memory/classes/heap/objects:bytes"

// Snapshot is a point-in-time reading of process resources.
type Snapshot struct {
	At time.Time
	// CPU is user+system time consumed by the whole process so far.
	// Only meaningful when CPUSupported is true.
	CPU          time.Duration
	CPUSupported bool
	HeapBytes    uint64
}

// TakeSnapshot reads process CPU time and live heap bytes.
func TakeSnapshot(now time.Time) Snapshot {
	s := Snapshot{At: now}
	s.CPU, s.CPUSupported = processCPUTime()

	sample := []metrics.Sample{{Name: heapObjectsMetric}}
	metrics.Read(sample)
	if sample[0].Value.Kind() == metrics.KindUint64 {
		s.HeapBytes = sample[0].Value.Uint64()
	}
	return s
}

// CPUDelta returns the CPU time spent between s and later, or false when the
// platform cannot report it.
func (s Snapshot) CPUDelta(later Snapshot) (time.Duration, bool) {
	if !s.CPUSupported || !later.CPUSupported {
		return 0, false
	}
	return later.CPU - s.CPU, true
}

// HeapDelta is the signed change in live heap bytes. It can be negative when
// a GC cycle ran in between.
func (s Snapshot) HeapDelta(later Snapshot) int64 {
	return int64(later.HeapBytes) - int64(s.HeapBytes)
}
