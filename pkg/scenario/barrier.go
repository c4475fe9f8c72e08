package scenario

import (
	"context"
	"fmt"
	"sync"
)

// barrier точка синхронизации линий. Открывается, когда до нее дошли все
// линии, в шагах которых она есть. Линия, прервавшая сценарий, выходит из
// всех барьеров, до которых не дошла, чтобы остальные не ждали ее.
type barrier struct {
	mu      sync.Mutex
	parties int
	arrived int
	open    bool
	done    chan struct{}
}

func (b *barrier) release() {
	if !b.open && b.arrived >= b.parties {
		b.open = true
		close(b.done)
	}
}

func (b *barrier) wait(ctx context.Context) error {
	b.mu.Lock()
	b.arrived++
	b.release()
	b.mu.Unlock()

	select {
	case <-b.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *barrier) leave() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.parties--
	b.release()
}

// barriers барьеры сценария по имени
type barriers map[string]*barrier

func newBarriers(sc *Scenario) barriers {
	out := make(barriers)
	for _, l := range sc.Lines {
		for _, st := range l.Steps {
			if st.Action != ActionBarrier {
				continue
			}
			b, ok := out[st.Name]
			if !ok {
				b = &barrier{done: make(chan struct{})}
				out[st.Name] = b
			}
			b.parties++
		}
	}
	return out
}

func (bs barriers) wait(ctx context.Context, name string) error {
	b, ok := bs[name]
	if !ok {
		return fmt.Errorf("барьер %q не найден", name)
	}
	return b.wait(ctx)
}

// leaveRemaining выводит линию из барьеров в шагах, которые она не выполнит
func (bs barriers) leaveRemaining(steps []Step) {
	for _, st := range steps {
		if st.Action != ActionBarrier {
			continue
		}
		if b, ok := bs[st.Name]; ok {
			b.leave()
		}
	}
}
