package pagetable

import "sync"

type span struct {
	start, end uintptr
}

func (s span) overlaps(other span) bool {
	return s.start < other.end && other.start < s.end
}

// rangeLock grants exclusive ownership of virtual address ranges. Any number
// of disjoint ranges can be held at once; a request that overlaps a held
// range blocks until that range is released.
type rangeLock struct {
	mu   sync.Mutex
	cond *sync.Cond
	held []span
}

func (l *rangeLock) lock(start, end uintptr) {
	req := span{start, end}

	l.mu.Lock()
	if l.cond == nil {
		l.cond = sync.NewCond(&l.mu)
	}
	for l.conflicts(req) {
		l.cond.Wait()
	}
	l.held = append(l.held, req)
	l.mu.Unlock()
}

func (l *rangeLock) unlock(start, end uintptr) {
	l.mu.Lock()
	for i, s := range l.held {
		if s.start == start && s.end == end {
			l.held = append(l.held[:i], l.held[i+1:]...)
			break
		}
	}
	l.mu.Unlock()
	l.cond.Broadcast()
}

func (l *rangeLock) conflicts(req span) bool {
	for _, s := range l.held {
		if s.overlaps(req) {
			return true
		}
	}
	return false
}
