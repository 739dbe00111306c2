// Package diag is the substrate's profiling device: a sink threads and
// the fault path record events into, exportable as a pprof profile
// instead of read back through a device file.
package diag

import (
	"fmt"
	"sync"

	"github.com/google/pprof/profile"

	"wasmkernel/cpulocal"
	"wasmkernel/thread"
)

// EventKind enumerates the substrate events this recorder samples.
type EventKind uint8

const (
	EventPageFault EventKind = iota
	EventHeapGrow
	EventCodegenError
)

func (k EventKind) String() string {
	switch k {
	case EventPageFault:
		return "page_fault"
	case EventHeapGrow:
		return "heap_grow"
	case EventCodegenError:
		return "codegen_error"
	default:
		return "unknown"
	}
}

// shard is one CPU's slice of the counts, behind its own lock so fault
// paths on different CPUs do not contend on a single recorder mutex.
type shard struct {
	mu     sync.Mutex
	counts map[EventKind]map[thread.ThreadId]int64
}

// Recorder accumulates per-thread event counts. It is safe for concurrent
// use: callers on different threads' fault paths record independently.
type Recorder struct {
	shards *cpulocal.Array[shard]
}

// NewRecorder returns an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{shards: cpulocal.NewArray[shard]()}
}

// Record increments kind's count for id.
func (r *Recorder) Record(kind EventKind, id thread.ThreadId) {
	s := r.shards.Mine()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.counts == nil {
		s.counts = make(map[EventKind]map[thread.ThreadId]int64)
	}
	byThread, ok := s.counts[kind]
	if !ok {
		byThread = make(map[thread.ThreadId]int64)
		s.counts[kind] = byThread
	}
	byThread[id]++
}

// Export merges every shard and builds a pprof profile.Profile snapshot of
// every count recorded so far, one Location per EventKind and one Sample
// per (kind, thread) pair, labeled with the originating thread id.
func (r *Recorder) Export() (*profile.Profile, error) {
	merged := make(map[EventKind]map[thread.ThreadId]int64)
	r.shards.Do(func(s *shard) {
		s.mu.Lock()
		defer s.mu.Unlock()
		for kind, byThread := range s.counts {
			dst, ok := merged[kind]
			if !ok {
				dst = make(map[thread.ThreadId]int64)
				merged[kind] = dst
			}
			for id, n := range byThread {
				dst[id] += n
			}
		}
	})

	p := &profile.Profile{
		SampleType: []*profile.ValueType{{Type: "events", Unit: "count"}},
	}

	var nextID uint64 = 1
	locForKind := make(map[EventKind]*profile.Location)
	for kind := range merged {
		fn := &profile.Function{ID: nextID, Name: kind.String()}
		nextID++
		loc := &profile.Location{ID: nextID, Line: []profile.Line{{Function: fn}}}
		nextID++

		p.Function = append(p.Function, fn)
		p.Location = append(p.Location, loc)
		locForKind[kind] = loc
	}

	for kind, byThread := range merged {
		loc := locForKind[kind]
		for id, count := range byThread {
			p.Sample = append(p.Sample, &profile.Sample{
				Location: []*profile.Location{loc},
				Value:    []int64{count},
				Label:    map[string][]string{"thread": {fmt.Sprintf("%d", id)}},
			})
		}
	}

	if err := p.CheckValid(); err != nil {
		return nil, err
	}
	return p, nil
}
