package coordinator

import "sync"

// CompletionLog collects the checksums of transferred drops. Appends are
// safe from any goroutine.
type CompletionLog struct {
	mu        sync.Mutex
	checksums []string
}

func (l *CompletionLog) Append(checksums ...string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.checksums = append(l.checksums, checksums...)
}

func (l *CompletionLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.checksums)
}

// Checksums returns a copy in completion order.
func (l *CompletionLog) Checksums() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.checksums))
	copy(out, l.checksums)
	return out
}
