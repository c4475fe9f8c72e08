// Package phone реализует контроллер жизненного цикла телефонной линии.
//
// Line объединяет менеджер регистрации, контроллер вызова, политику
// обработки входящих вызовов, управление воспроизведением и отправку DTMF
// для одной линии. Каждая линия работает на собственном воркере; все линии
// разделяют один engine.Engine.
//
// Все ожидания ограничены таймаутами из Config и построены на
// poller.Until. Таймаут не является ошибкой: итог ожидания отражается в
// состоянии вызова и журнале Results, которые тестовый драйвер проверяет
// после сценария.
//
// Пример:
//
//	line, err := phone.NewLine(eng, phone.LineConfig{
//		Number: "1001",
//		Domain: "10.0.0.1",
//		Disposition: phone.DispositionPolicy{Action: phone.ActionAnswer},
//	})
//	if err != nil {
//		return err
//	}
//	if !line.Register(ctx) {
//		return fmt.Errorf("линия не зарегистрирована")
//	}
//	state, _ := line.PlaceCall(ctx, "1002")
//	if state == phone.StateConfirmed {
//		line.WaitForActiveMedia(ctx, phone.ExpectMedia)
//		line.SendDigits("123")
//		line.HangUp(ctx)
//	}
//	line.Unregister(ctx)
package phone

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/arzzra/rtap_phone/pkg/engine"
	"github.com/arzzra/rtap_phone/pkg/poller"
)

// Line сессия одной телефонной линии
type Line struct {
	eng     engine.Engine
	cfg     LineConfig
	logger  *slog.Logger
	metrics *Metrics
	results *Results
	worker  string

	// attached принадлежит воркеру линии
	attached bool

	// mu защищает поля ниже: входящий вызов приходит на горутине движка
	mu         sync.Mutex
	account    engine.AccountID
	hasAccount bool
	registered bool
	call       *Call
	playback   *Playback
}

// LineOption опция линии
type LineOption func(*Line)

// WithLogger задает базовый логгер линии
func WithLogger(logger *slog.Logger) LineOption {
	return func(l *Line) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithMetrics задает сборщик метрик
func WithMetrics(m *Metrics) LineOption {
	return func(l *Line) {
		l.metrics = m
	}
}

// WithWorkerName задает имя воркера для регистрации в движке
func WithWorkerName(name string) LineOption {
	return func(l *Line) {
		if name != "" {
			l.worker = name
		}
	}
}

// NewLine создает линию поверх разделяемого движка
func NewLine(eng engine.Engine, cfg LineConfig, opts ...LineOption) (*Line, error) {
	if eng == nil {
		return nil, NewPhoneError(CodeInvalidConfig, cfg.Number, "движок не задан")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	l := &Line{
		eng:     eng,
		cfg:     cfg,
		logger:  slog.Default(),
		results: &Results{},
		worker:  "line-" + cfg.Number,
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = l.logger.With(
		slog.String("component", "line"),
		slog.String("line", cfg.Number),
		slog.String("worker", l.worker),
	)
	return l, nil
}

// Number возвращает номер линии
func (l *Line) Number() string {
	return l.cfg.Number
}

// Config возвращает конфигурацию линии
func (l *Line) Config() LineConfig {
	return l.cfg
}

// Results возвращает журнал результатов линии
func (l *Line) Results() *Results {
	return l.results
}

// AttachWorker закрепляет текущую горутину за потоком ОС и регистрирует
// поток в движке. Выполняется один раз, до любых других обращений к
// движку; все операции линии вызывают его сами.
func (l *Line) AttachWorker() error {
	if l.attached {
		return nil
	}

	runtime.LockOSThread()
	if err := l.eng.RegisterThread(l.worker); err != nil {
		runtime.UnlockOSThread()
		return NewPhoneError(CodeWorkerNotAttached, l.cfg.Number, "регистрация воркера в движке").
			WithField("worker", l.worker).
			WithCause(err)
	}

	l.attached = true
	l.metrics.workerAttached(1)
	l.logger.Debug("Воркер зарегистрирован в движке")
	return nil
}

// DetachWorker освобождает поток ОС воркера
func (l *Line) DetachWorker() {
	if !l.attached {
		return
	}
	l.attached = false
	l.metrics.workerAttached(-1)
	runtime.UnlockOSThread()
}

// CurrentCall возвращает текущий вызов или nil
func (l *Line) CurrentCall() *Call {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.call
}

// CallState возвращает состояние текущего вызова, NONE если вызова нет
func (l *Line) CallState() CallState {
	if c := l.CurrentCall(); c != nil {
		return c.State()
	}
	return StateNone
}

func (l *Line) setCall(c *Call) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.call = c
}

func (l *Line) accountID() (engine.AccountID, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.account, l.hasAccount
}

// recordFailure фиксирует сбой вызова движка в журнале результатов
func (l *Line) recordFailure(operation string, err error) {
	l.results.Append(ResultError)
	l.metrics.signalingFailure(operation)
	l.logger.Error("Сбой операции движка",
		slog.String("operation", operation),
		slog.String("error", err.Error()))
}

// attach регистрирует воркер перед операцией и логирует сбой
func (l *Line) attach(operation string) bool {
	if err := l.AttachWorker(); err != nil {
		l.logger.Error("Воркер не зарегистрирован",
			slog.String("operation", operation),
			slog.String("error", err.Error()))
		return false
	}
	return true
}

func (l *Line) fastWait(timeout time.Duration, onTick func(elapsed time.Duration)) poller.Options {
	return poller.Options{
		Timeout:   timeout,
		Interval:  l.cfg.Timing.FastPoll,
		TickEvery: l.cfg.Timing.ProgressEvery,
		OnTick:    onTick,
	}
}

// String возвращает краткое описание линии
func (l *Line) String() string {
	return fmt.Sprintf("line %s@%s", l.cfg.Number, l.cfg.Domain)
}

// Close снимает регистрацию, если она есть, и освобождает воркер
func (l *Line) Close(ctx context.Context) {
	if _, ok := l.accountID(); ok {
		l.Unregister(ctx)
	}
	l.DetachWorker()
}
