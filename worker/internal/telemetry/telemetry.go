// Package telemetry is the agent-side counter sink. The default sink
// discards; deployments plug in a real one, tests use the memory sink.
package telemetry

import "sync"

type Client interface {
	Incr(name string)
}

type nop struct{}

func NewNop() Client {
	return nop{}
}

func (nop) Incr(string) {}

// MemorySink accumulates counts in process. Safe for concurrent use.
type MemorySink struct {
	mu     sync.Mutex
	counts map[string]int
}

func NewMemorySink() *MemorySink {
	return &MemorySink{counts: make(map[string]int)}
}

func (m *MemorySink) Incr(name string) {
	m.mu.Lock()
	m.counts[name]++
	m.mu.Unlock()
}

func (m *MemorySink) Count(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[name]
}
