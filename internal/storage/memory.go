package storage

import (
	"context"
	"sync"
)

type Memory struct {
	lock    sync.Mutex
	storage map[string]string
}

func NewMemory() *Memory {
	return &Memory{
		storage: make(map[string]string),
	}
}

func (m *Memory) Get(_ context.Context, key string) (string, error) {
	m.lock.Lock()
	defer m.lock.Unlock()

	v, ok := m.storage[key]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (m *Memory) Set(_ context.Context, key, value string) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	if m.storage == nil {
		m.storage = make(map[string]string)
	}
	m.storage[key] = value
	return nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	delete(m.storage, key)
	return nil
}
