package device

import "sync"

// Statistics tracks device access counters
type Statistics struct {
	mu             sync.RWMutex
	sectorsRead    int64
	sectorsWritten int64
	bytesRead      int64
	bytesWritten   int64
}

// StatsSnapshot is a point-in-time copy of the device counters
type StatsSnapshot struct {
	SectorsRead    int64
	SectorsWritten int64
	BytesRead      int64
	BytesWritten   int64
}

func (s *Statistics) recordRead(n int) {
	s.mu.Lock()
	s.sectorsRead++
	s.bytesRead += int64(n)
	s.mu.Unlock()
}

func (s *Statistics) recordWrite(n int) {
	s.mu.Lock()
	s.sectorsWritten++
	s.bytesWritten += int64(n)
	s.mu.Unlock()
}

// Snapshot returns the current counter values
func (s *Statistics) Snapshot() StatsSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return StatsSnapshot{
		SectorsRead:    s.sectorsRead,
		SectorsWritten: s.sectorsWritten,
		BytesRead:      s.bytesRead,
		BytesWritten:   s.bytesWritten,
	}
}
