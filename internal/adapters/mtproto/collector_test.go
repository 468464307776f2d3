package mtproto

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/gotd/td/tgerr"
	"github.com/rs/zerolog"

	"tg-event-radar/internal/domain"
)

func newTestCollector(t *testing.T) *Collector {
	t.Helper()
	sessions := NewSessionManager(filepath.Join(t.TempDir(), "session.json"))
	return NewCollector(1, "hash", sessions, 100, zerolog.Nop())
}

func TestInvokeRetriesAfterFloodWaitWithoutExtraDelay(t *testing.T) {
	c := newTestCollector(t)
	var pauses []time.Duration
	c.sleep = func(_ context.Context, d time.Duration) error {
		pauses = append(pauses, d)
		return nil
	}

	calls := 0
	start := time.Now()
	err := c.invoke(context.Background(), "op", func(context.Context) error {
		calls++
		if calls == 1 {
			return tgerr.New(420, "FLOOD_WAIT_3")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if calls != 2 {
		t.Fatalf("ожидали повтор сразу после паузы, вызовов %d", calls)
	}
	if len(pauses) != 1 || pauses[0] != 4*time.Second {
		t.Fatalf("ожидали одну паузу wait+1s, получили %v", pauses)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Fatalf("после предписанной паузы не должно быть бэкофф-задержки: %s", elapsed)
	}
}

func TestInvokeLongFloodWaitIsTransient(t *testing.T) {
	c := newTestCollector(t)
	c.sleep = func(context.Context, time.Duration) error {
		t.Fatalf("долгий FLOOD_WAIT не должен ожидаться")
		return nil
	}

	calls := 0
	err := c.invoke(context.Background(), "op", func(context.Context) error {
		calls++
		return tgerr.New(420, "FLOOD_WAIT_120")
	})
	if !errors.Is(err, domain.ErrTransientNetwork) {
		t.Fatalf("ожидали ErrTransientNetwork, получили %v", err)
	}
	if calls != 1 {
		t.Fatalf("долгий FLOOD_WAIT не повторяется, вызовов %d", calls)
	}
}

func TestInvokeBoundsFloodRetries(t *testing.T) {
	c := newTestCollector(t)
	var pauses int
	c.sleep = func(context.Context, time.Duration) error {
		pauses++
		return nil
	}

	calls := 0
	err := c.invoke(context.Background(), "op", func(context.Context) error {
		calls++
		return tgerr.New(420, "FLOOD_WAIT_1")
	})
	if !errors.Is(err, domain.ErrTransientNetwork) {
		t.Fatalf("ожидали ErrTransientNetwork, получили %v", err)
	}
	if calls != floodRetries+1 {
		t.Fatalf("ожидали %d вызовов, получили %d", floodRetries+1, calls)
	}
	if pauses != floodRetries {
		t.Fatalf("ожидали %d пауз, получили %d", floodRetries, pauses)
	}
}
