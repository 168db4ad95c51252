package pmm

import (
	"fmt"

	"kestrel/kernel/mm"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
)

// PoolStats describes the state of a single frame pool.
type PoolStats struct {
	Start, End mm.Frame
	Free       uint64
}

// Stats is a snapshot of the allocator state.
type Stats struct {
	TotalFrames    uint64
	FreeFrames     uint64
	MetadataFrames uint64
	Pools          []PoolStats
}

// Stats returns a snapshot of the allocator state.
func (alloc *BitmapAllocator) Stats() Stats {
	alloc.mutex.Acquire()
	defer alloc.mutex.Release()

	stats := Stats{
		TotalFrames:    alloc.totalPages,
		FreeFrames:     alloc.totalPages - alloc.reservedPages,
		MetadataFrames: uint64(alloc.metadata.Count),
		Pools:          make([]PoolStats, 0, len(alloc.pools)),
	}

	for _, pool := range alloc.pools {
		stats.Pools = append(stats.Pools, PoolStats{Start: pool.startFrame, End: pool.endFrame, Free: uint64(pool.freeCount)})
	}

	return stats
}

// WriteJSON serializes the allocator statistics as a JSON object.
func (alloc *BitmapAllocator) WriteJSON(writer *jwriter.Writer) {
	stats := alloc.Stats()

	obj := writer.Object()
	defer obj.End()

	obj.Name("TotalFrames").Int(int(stats.TotalFrames))
	obj.Name("FreeFrames").Int(int(stats.FreeFrames))
	obj.Name("MetadataFrames").Int(int(stats.MetadataFrames))

	pools := obj.Name("Pools").Array()
	defer pools.End()

	for _, pool := range stats.Pools {
		poolObj := pools.Object()
		poolObj.Name("Start").String(fmt.Sprintf("%#x", pool.Start.Address()))
		poolObj.Name("End").String(fmt.Sprintf("%#x", (pool.End + 1).Address()))
		poolObj.Name("FreeFrames").Int(int(pool.Free))
		poolObj.End()
	}
}
