package cache

import (
	"errors"
	"sync"
	"time"
)

// ErrMiss возвращается при промахе in-memory кэша.
var ErrMiss = errors.New("cache: miss")

type memoryEntry struct {
	value []byte
	exp   time.Time
}

// Memory — процессный TTL-кэш для запусков без Redis.
type Memory struct {
	mu    sync.Mutex
	items map[string]memoryEntry
}

// NewMemory создаёт in-memory кэш.
func NewMemory() *Memory {
	return &Memory{items: make(map[string]memoryEntry)}
}

// Once выполняет функцию, если ключ ещё не задан.
func (m *Memory) Once(key string, ttl time.Duration, fn func() error) error {
	m.mu.Lock()
	entry, ok := m.items[key]
	if ok && time.Now().Before(entry.exp) {
		m.mu.Unlock()
		return nil
	}
	m.items[key] = memoryEntry{exp: time.Now().Add(ttl)}
	m.mu.Unlock()
	if err := fn(); err != nil {
		m.mu.Lock()
		delete(m.items, key)
		m.mu.Unlock()
		return err
	}
	return nil
}

// Set задаёт значение.
func (m *Memory) Set(key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[key] = memoryEntry{value: value, exp: time.Now().Add(ttl)}
	return nil
}

// Get возвращает значение или ErrMiss.
func (m *Memory) Get(key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.items[key]
	if !ok || time.Now().After(entry.exp) {
		delete(m.items, key)
		return nil, ErrMiss
	}
	return entry.value, nil
}
