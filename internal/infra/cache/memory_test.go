package cache

import (
	"errors"
	"testing"
	"time"
)

func TestMemorySetGet(t *testing.T) {
	m := NewMemory()
	if err := m.Set("k", []byte("v"), time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, err := m.Get("k")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != "v" {
		t.Fatalf("ожидали v, получили %q", got)
	}
}

func TestMemoryGetMiss(t *testing.T) {
	m := NewMemory()
	if _, err := m.Get("нет"); !errors.Is(err, ErrMiss) {
		t.Fatalf("ожидали ErrMiss, получили %v", err)
	}
}

func TestMemoryExpiry(t *testing.T) {
	m := NewMemory()
	if err := m.Set("k", []byte("v"), -time.Second); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if _, err := m.Get("k"); !errors.Is(err, ErrMiss) {
		t.Fatalf("просроченный ключ должен давать ErrMiss, получили %v", err)
	}
}

func TestMemoryOnceRunsOnce(t *testing.T) {
	m := NewMemory()
	calls := 0
	fn := func() error {
		calls++
		return nil
	}
	if err := m.Once("k", time.Minute, fn); err != nil {
		t.Fatalf("первый Once: %v", err)
	}
	if err := m.Once("k", time.Minute, fn); err != nil {
		t.Fatalf("второй Once: %v", err)
	}
	if calls != 1 {
		t.Fatalf("функция должна выполниться один раз, было %d", calls)
	}
}

func TestMemoryOnceRetriesAfterError(t *testing.T) {
	m := NewMemory()
	calls := 0
	boom := errors.New("boom")
	fn := func() error {
		calls++
		if calls == 1 {
			return boom
		}
		return nil
	}
	if err := m.Once("k", time.Minute, fn); !errors.Is(err, boom) {
		t.Fatalf("ошибка должна вернуться наружу: %v", err)
	}
	if err := m.Once("k", time.Minute, fn); err != nil {
		t.Fatalf("после ошибки ключ должен освободиться: %v", err)
	}
	if calls != 2 {
		t.Fatalf("ожидали два вызова, было %d", calls)
	}
}
