package certwatch

import "sync"

// ReloadSignal is an advisory flag raised when certificate material changes
// on disk. It is cleared again after a fixed delay whether or not anything
// acted on it. The watcher is the only writer.
type ReloadSignal struct {
	mu      sync.RWMutex
	pending bool
}

// NewReloadSignal returns a lowered signal.
func NewReloadSignal() *ReloadSignal {
	return &ReloadSignal{}
}

// Pending reports whether a certificate change was observed within the
// current clear window.
func (s *ReloadSignal) Pending() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pending
}

func (s *ReloadSignal) set(pending bool) {
	s.mu.Lock()
	s.pending = pending
	s.mu.Unlock()
}
