package dispatch

import "runtime"

// MemoryProbe reports the process's current heap allocation in bytes. It is
// injectable so the safety envelope can be exercised without actually
// exhausting memory.
type MemoryProbe func() uint64

// HeapAlloc is the production probe.
func HeapAlloc() uint64 {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return m.HeapAlloc
}
