// Package poller реализует ограниченное по времени ожидание условия.
//
// Все ожидания линии (регистрация, подтверждение вызова, активное медиа,
// длительность разговора, начало и завершение вызова) построены на одной
// функции Until, поэтому поведение таймаутов у них одинаковое.
package poller

import (
	"context"
	"time"
)

const (
	// DefaultInterval интервал опроса для быстрых проверок состояния вызова
	DefaultInterval = 100 * time.Millisecond

	// DefaultTickEvery минимальный интервал между вызовами OnTick
	DefaultTickEvery = 5 * time.Second
)

// Options параметры ожидания.
type Options struct {
	// Timeout максимальное время ожидания. Ноль означает ожидание без
	// дедлайна, ограниченное только контекстом и самим условием.
	Timeout time.Duration

	// Interval пауза между проверками условия
	Interval time.Duration

	// TickEvery минимальный интервал между вызовами OnTick
	TickEvery time.Duration

	// OnTick вызывается не чаще TickEvery, получает прошедшее время
	OnTick func(elapsed time.Duration)
}

func (o Options) withDefaults() Options {
	if o.Interval <= 0 {
		o.Interval = DefaultInterval
	}
	if o.TickEvery <= 0 {
		o.TickEvery = DefaultTickEvery
	}
	return o
}

// Until проверяет cond до тех пор, пока оно не станет истинным.
//
// Возвращает true, как только условие выполнено, и false, если прошло
// больше Timeout или контекст завершен. Условие проверяется сразу, затем
// через каждый Interval. Других побочных эффектов по таймауту нет: решение
// о том, является ли таймаут ошибкой, принимает вызывающий код.
func Until(ctx context.Context, opts Options, cond func() bool) bool {
	opts = opts.withDefaults()

	start := time.Now()
	lastTick := start

	timer := time.NewTimer(opts.Interval)
	defer timer.Stop()

	for {
		if cond() {
			return true
		}

		now := time.Now()
		elapsed := now.Sub(start)
		if opts.Timeout > 0 && elapsed >= opts.Timeout {
			return false
		}

		if opts.OnTick != nil && now.Sub(lastTick) >= opts.TickEvery {
			lastTick = now
			opts.OnTick(elapsed)
		}

		wait := opts.Interval
		if opts.Timeout > 0 {
			if rest := opts.Timeout - elapsed; rest < wait {
				wait = rest
			}
		}

		timer.Reset(wait)
		select {
		case <-ctx.Done():
			return false
		case <-timer.C:
		}
	}
}
