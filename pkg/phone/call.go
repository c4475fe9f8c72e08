package phone

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/looplab/fsm"

	"github.com/arzzra/rtap_phone/pkg/engine"
)

// CallState состояние жизненного цикла вызова
type CallState string

const (
	StateNone        CallState = "NONE"
	StateRinging     CallState = "RINGING"
	StateConfirmed   CallState = "CONFIRMED"
	StateActiveMedia CallState = "ACTIVE_MEDIA"
	StateEnded       CallState = "ENDED"
)

// String возвращает строковое представление состояния
func (s CallState) String() string {
	return string(s)
}

// События конечного автомата вызова
const (
	eventRing    = "ring"
	eventConfirm = "confirm"
	eventMedia   = "media"
	eventEnd     = "end"
)

// Direction направление вызова
type Direction string

const (
	DirectionOutbound Direction = "outbound"
	DirectionInbound  Direction = "inbound"
)

// Call вызов линии.
//
// Состояние хранится в конечном автомате looplab/fsm: NONE -> RINGING ->
// CONFIRMED -> ACTIVE_MEDIA, из любого нетерминального состояния в ENDED.
// ENDED терминальное, поэтому завершенный вызов не может вернуться в
// CONFIRMED или ACTIVE_MEDIA.
type Call struct {
	ID        engine.CallID
	Direction Direction
	Remote    string
	CreatedAt time.Time

	sm *fsm.FSM

	mu          sync.RWMutex
	slot        engine.Slot
	confirmedAt time.Time
}

func newCall(id engine.CallID, dir Direction, remote string, logger *slog.Logger, metrics *Metrics) *Call {
	c := &Call{
		ID:        id,
		Direction: dir,
		Remote:    remote,
		CreatedAt: time.Now(),
		slot:      engine.InvalidSlot,
	}

	c.sm = fsm.NewFSM(
		string(StateNone),
		fsm.Events{
			// Вызов создан движком
			{Name: eventRing, Src: []string{string(StateNone)}, Dst: string(StateRinging)},
			// Диалог подтвержден
			{Name: eventConfirm, Src: []string{string(StateRinging)}, Dst: string(StateConfirmed)},
			// Медиа активно, входящий вызов может перейти сюда сразу из RINGING
			{Name: eventMedia, Src: []string{string(StateRinging), string(StateConfirmed)}, Dst: string(StateActiveMedia)},
			// Завершение из любого нетерминального состояния
			{Name: eventEnd, Src: []string{
				string(StateNone),
				string(StateRinging),
				string(StateConfirmed),
				string(StateActiveMedia),
			}, Dst: string(StateEnded)},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				metrics.transition(CallState(e.Src), CallState(e.Dst))
				logger.Debug("Переход состояния вызова",
					slog.Int("call_id", int(id)),
					slog.String("from", e.Src),
					slog.String("to", e.Dst),
					slog.String("event", e.Event))
			},
		},
	)
	return c
}

// State возвращает текущее состояние вызова
func (c *Call) State() CallState {
	return CallState(c.sm.Current())
}

// Slot возвращает порт моста вызова. Имеет смысл только в ACTIVE_MEDIA.
func (c *Call) Slot() engine.Slot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.slot
}

// ConfirmedAt время перехода в CONFIRMED, нулевое если перехода не было
func (c *Call) ConfirmedAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.confirmedAt
}

// fire выполняет переход. Недопустимый переход не является ошибкой
// операции: он означает, что вызов уже в целевом или терминальном
// состоянии. Отмена ctx не должна мешать фиксации перехода.
func (c *Call) fire(ctx context.Context, event string) bool {
	if err := c.sm.Event(context.WithoutCancel(ctx), event); err != nil {
		return false
	}
	if event == eventConfirm {
		c.mu.Lock()
		c.confirmedAt = time.Now()
		c.mu.Unlock()
	}
	return true
}

// activateMedia фиксирует порт моста и переводит вызов в ACTIVE_MEDIA.
// Порт должен быть валидным.
func (c *Call) activateMedia(ctx context.Context, slot engine.Slot) bool {
	if slot == engine.InvalidSlot || !c.sm.Can(eventMedia) {
		return false
	}
	c.mu.Lock()
	c.slot = slot
	c.mu.Unlock()
	return c.fire(ctx, eventMedia)
}
