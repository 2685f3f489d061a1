package utils

import (
	"sync"
)

// OptionalMutex guards allocator and engine state. When UseMutex is false the consumer has promised
// to serialize access itself and every method is a no-op.
type OptionalMutex struct {
	Mutex    sync.Mutex
	UseMutex bool
}

func (m *OptionalMutex) Lock() {
	if m.UseMutex {
		m.Mutex.Lock()
	}
}

func (m *OptionalMutex) Unlock() {
	if m.UseMutex {
		m.Mutex.Unlock()
	}
}

// Do runs the callback while holding the mutex
func (m *OptionalMutex) Do(callback func()) {
	m.Lock()
	defer m.Unlock()

	callback()
}

// OptionalRWMutex is the reader/writer form of OptionalMutex, used where lookups far outnumber
// mutations, such as the repository's block table
type OptionalRWMutex struct {
	Mutex    sync.RWMutex
	UseMutex bool
}

func (m *OptionalRWMutex) Lock() {
	if m.UseMutex {
		m.Mutex.Lock()
	}
}

func (m *OptionalRWMutex) Unlock() {
	if m.UseMutex {
		m.Mutex.Unlock()
	}
}

func (m *OptionalRWMutex) RLock() {
	if m.UseMutex {
		m.Mutex.RLock()
	}
}

func (m *OptionalRWMutex) RUnlock() {
	if m.UseMutex {
		m.Mutex.RUnlock()
	}
}
