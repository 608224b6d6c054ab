package unique

import (
	"os"
	"sync"
)

// mockOS fakes the process identity of a coordinator while using the real
// filesystem, and counts removals.
type mockOS struct {
	realOS
	pid int

	// procErr is returned when signaling any process
	procErr error

	mu      sync.Mutex
	removed map[string]int
}

func (m *mockOS) Getpid() int {
	return m.pid
}

func (m *mockOS) FindProcess(pid int) (processIface, error) {
	return mockProcess{m.procErr}, nil
}

func (m *mockOS) Remove(path string) error {
	m.mu.Lock()
	if m.removed == nil {
		m.removed = make(map[string]int)
	}
	m.removed[path]++
	m.mu.Unlock()
	return m.realOS.Remove(path)
}

func (m *mockOS) removals(path string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.removed[path]
}

type mockProcess struct {
	err error
}

func (m mockProcess) Signal(s os.Signal) error {
	return m.err
}
