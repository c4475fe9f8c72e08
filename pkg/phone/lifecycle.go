package phone

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/arzzra/rtap_phone/pkg/engine"
	"github.com/arzzra/rtap_phone/pkg/poller"
)

// MediaExpectation ожидаемый исход WaitForActiveMedia
type MediaExpectation int

const (
	// ExpectMedia вызов должен дойти до активного медиа
	ExpectMedia MediaExpectation = iota
	// ExpectNoMedia медиа не ожидается, например вызов будет отклонен
	ExpectNoMedia
)

// String возвращает строковое представление ожидания
func (m MediaExpectation) String() string {
	if m == ExpectNoMedia {
		return "no_media"
	}
	return "media"
}

// PlaceCall размещает исходящий вызов и ждет CONFIRMED до PlaceCallTimeout.
//
// Вызов сразу переходит в RINGING. По таймауту вызов остается в RINGING,
// ошибки нет: вызывающий проверяет возвращенное состояние. Если вызов
// отклонен до подтверждения, ожидание прекращается раньше, состояние тоже
// остается RINGING, а обрыв фиксирует WaitForActiveMedia или WaitForCallToEnd. Ошибка
// возвращается только если у линии нет аккаунта. Сбой движка при создании
// вызова записывается в Results.
func (l *Line) PlaceCall(ctx context.Context, destination string) (CallState, error) {
	acc, ok := l.accountID()
	if !ok {
		return StateNone, errNotRegistered(l.cfg.Number, "place_call")
	}
	if !l.attach("place_call") {
		return StateNone, NewPhoneError(CodeWorkerNotAttached, l.cfg.Number, "воркер не зарегистрирован")
	}

	uri := engine.DialURI(destination, l.cfg.Domain, l.cfg.Transport)
	logger := l.logger.With(slog.String("destination", uri))

	id, err := l.eng.MakeCall(acc, uri)
	if err != nil {
		l.recordFailure("make_call", err)
		l.metrics.call(string(DirectionOutbound), "failed")
		return StateNone, nil
	}

	call := newCall(id, DirectionOutbound, uri, l.logger, l.metrics)
	call.fire(ctx, eventRing)
	l.setCall(call)
	logger.Info("Исходящий вызов", slog.Int("call_id", int(id)))

	start := time.Now()
	confirmed, dropped := false, false
	poller.Until(ctx, l.fastWait(l.cfg.Timing.PlaceCallTimeout, func(elapsed time.Duration) {
		logger.Info("Ожидание ответа", slog.Duration("elapsed", elapsed))
	}), func() bool {
		info, err := l.eng.CallInfo(id)
		// отклоненный вызов не станет CONFIRMED, ждать дальше нет смысла
		if dropped = callEnded(info, err); dropped {
			return true
		}
		if err != nil {
			return false
		}
		confirmed = info.Confirmed()
		return confirmed
	})

	if dropped {
		logger.Warn("Вызов отклонен или сброшен до подтверждения")
		l.metrics.call(string(DirectionOutbound), "rejected")
		return call.State(), nil
	}
	if !confirmed {
		logger.Warn("Вызов не подтвержден",
			slog.Duration("timeout", l.cfg.Timing.PlaceCallTimeout),
			slog.String("state", call.State().String()))
		l.metrics.call(string(DirectionOutbound), "unconfirmed")
		l.metrics.waitTimeout("place_call")
		return call.State(), nil
	}

	call.fire(ctx, eventConfirm)
	took := time.Since(start)
	l.metrics.call(string(DirectionOutbound), "confirmed")
	l.metrics.confirmed(took)
	logger.Info("Вызов подтвержден", slog.Duration("took", took))
	return call.State(), nil
}

// WaitForActiveMedia ждет, пока вызов будет одновременно валиден и с
// активным медиа, и переводит его в ACTIVE_MEDIA.
//
// Если вызов стал невалидным раньше, при ExpectNoMedia это успех и метод
// сразу возвращается, иначе это неожиданный обрыв, который логируется.
// В обоих случаях вызов переходит в ENDED. Ошибок нет: вызывающий проверяет
// возвращенное состояние.
func (l *Line) WaitForActiveMedia(ctx context.Context, expect MediaExpectation) CallState {
	call := l.CurrentCall()
	if call == nil {
		l.logger.Warn("Ожидание медиа без вызова")
		return StateNone
	}
	if !l.attach("wait_media") {
		return call.State()
	}

	dropped := false
	slot := engine.InvalidSlot
	active := poller.Until(ctx, l.fastWait(l.cfg.Timing.MediaTimeout, nil), func() bool {
		info, err := l.eng.CallInfo(call.ID)
		if callEnded(info, err) {
			dropped = true
			return true
		}
		if err != nil {
			return false
		}
		if info.MediaActive && info.ConfSlot != engine.InvalidSlot {
			slot = info.ConfSlot
			return true
		}
		return false
	})

	switch {
	case dropped:
		call.fire(ctx, eventEnd)
		l.stopPlaybackForEndedCall()
		if expect == ExpectNoMedia {
			l.logger.Info("Вызов завершен без медиа, как ожидалось")
		} else {
			l.logger.Warn("Вызов неожиданно завершился до активации медиа")
		}
	case active:
		call.activateMedia(ctx, slot)
		l.logger.Info("Медиа активно", slog.Int("slot", int(slot)))
	default:
		l.metrics.waitTimeout("wait_media")
		if expect == ExpectNoMedia {
			l.logger.Info("Медиа не активировалось, как ожидалось")
		} else {
			l.logger.Warn("Медиа не активировалось",
				slog.Duration("timeout", l.cfg.Timing.MediaTimeout))
		}
	}
	return call.State()
}

// WaitForConnectedDuration ждет, пока длительность разговора достигнет
// target. Возвращает ErrCallNotInProgress, если вызова нет. Ожидание не
// ограничено таймаутом; оно завершается с false, если вызов оборвался
// раньше, или по отмене ctx. Прогресс логируется не чаще ProgressEvery.
func (l *Line) WaitForConnectedDuration(ctx context.Context, target time.Duration) (bool, error) {
	call := l.CurrentCall()
	if call == nil {
		return false, errCallNotInProgress(l.cfg.Number, "wait_connected_duration")
	}
	if target <= 0 {
		return true, nil
	}
	if !l.attach("wait_connected_duration") {
		return false, NewPhoneError(CodeWorkerNotAttached, l.cfg.Number, "воркер не зарегистрирован")
	}

	var connected time.Duration
	ended := false
	reached := poller.Until(ctx, l.fastWait(0, func(time.Duration) {
		l.logger.Info("Длительность разговора",
			slog.Duration("connected", connected),
			slog.Duration("target", target))
	}), func() bool {
		info, err := l.eng.CallInfo(call.ID)
		if callEnded(info, err) {
			ended = true
			return true
		}
		if err != nil {
			return false
		}
		connected = info.Connected
		return connected >= target
	})

	if ended {
		call.fire(ctx, eventEnd)
		l.stopPlaybackForEndedCall()
		l.logger.Warn("Вызов завершился до нужной длительности",
			slog.Duration("connected", connected),
			slog.Duration("target", target))
		return false, nil
	}
	if reached {
		l.logger.Info("Длительность разговора достигнута", slog.Duration("connected", connected))
	}
	return reached, nil
}

// WaitForCallToStart ждет появления вызова на линии до CallStartTimeout
func (l *Line) WaitForCallToStart(ctx context.Context) bool {
	started := poller.Until(ctx, l.fastWait(l.cfg.Timing.CallStartTimeout, func(elapsed time.Duration) {
		l.logger.Info("Ожидание входящего вызова", slog.Duration("elapsed", elapsed))
	}), func() bool {
		return l.CurrentCall() != nil
	})

	if !started {
		l.logger.Warn("Вызов не поступил", slog.Duration("timeout", l.cfg.Timing.CallStartTimeout))
		l.metrics.waitTimeout("wait_call_start")
	}
	return started
}

// WaitForCallToEnd ждет, пока вызов перестанет быть валидным, до
// CallEndTimeout. Возвращает ErrCallNotInProgress, если вызова не было.
func (l *Line) WaitForCallToEnd(ctx context.Context) (bool, error) {
	call := l.CurrentCall()
	if call == nil {
		return false, errCallNotInProgress(l.cfg.Number, "wait_call_end")
	}
	if !l.attach("wait_call_end") {
		return false, NewPhoneError(CodeWorkerNotAttached, l.cfg.Number, "воркер не зарегистрирован")
	}

	ended := poller.Until(ctx, l.fastWait(l.cfg.Timing.CallEndTimeout, func(elapsed time.Duration) {
		l.logger.Info("Ожидание завершения вызова", slog.Duration("elapsed", elapsed))
	}), func() bool {
		return callEnded(l.eng.CallInfo(call.ID))
	})

	if !ended {
		l.logger.Warn("Вызов не завершился", slog.Duration("timeout", l.cfg.Timing.CallEndTimeout))
		l.metrics.waitTimeout("wait_call_end")
		return false, nil
	}

	call.fire(ctx, eventEnd)
	l.stopPlaybackForEndedCall()
	l.logger.Info("Вызов завершен")
	return true, nil
}

// HangUp завершает текущий вызов. Активное воспроизведение
// останавливается до отправки завершения. Для вызова, уже завершенного
// движком, только фиксируется ENDED и освобождается плеер.
func (l *Line) HangUp(ctx context.Context) error {
	call := l.CurrentCall()
	if call == nil {
		return errCallNotInProgress(l.cfg.Number, "hang_up")
	}
	if !l.attach("hang_up") {
		return NewPhoneError(CodeWorkerNotAttached, l.cfg.Number, "воркер не зарегистрирован")
	}

	info, err := l.eng.CallInfo(call.ID)
	if callEnded(info, err) {
		l.logger.Info("Вызов уже завершен", slog.Int("call_id", int(call.ID)))
		call.fire(ctx, eventEnd)
		l.stopPlaybackForEndedCall()
		return nil
	}
	if err != nil {
		l.logger.Warn("Состояние вызова недоступно, завершаем без него",
			slog.Int("call_id", int(call.ID)),
			slog.String("error", err.Error()))
	}

	l.StopPlayback()

	if err := l.eng.Hangup(call.ID); err != nil {
		l.recordFailure("hangup", err)
		return nil
	}
	call.fire(ctx, eventEnd)
	// плеер мог быть подключен с горутины движка, пока шло завершение
	l.stopPlaybackForEndedCall()
	l.logger.Info("Вызов завершен линией",
		slog.Duration("connected", info.Connected),
		slog.Duration("total", info.Total))
	return nil
}

// CallDuration возвращает длительность разговора и общую длительность
// текущего вызова по счетчикам движка
func (l *Line) CallDuration() (connected, total time.Duration, err error) {
	call := l.CurrentCall()
	if call == nil {
		return 0, 0, errCallNotInProgress(l.cfg.Number, "call_duration")
	}
	if !l.attach("call_duration") {
		return 0, 0, NewPhoneError(CodeWorkerNotAttached, l.cfg.Number, "воркер не зарегистрирован")
	}

	info, err := l.eng.CallInfo(call.ID)
	if err != nil {
		return 0, 0, NewPhoneError(CodeCallNotInProgress, l.cfg.Number, "движок не знает вызов").
			WithField("call_id", int(call.ID)).
			WithCause(err)
	}
	return info.Connected, info.Total, nil
}

// callEnded сообщает, что движок считает вызов завершенным. Прочие ошибки
// CallInfo, например таймаут команды, временные: опрос продолжается.
func callEnded(info engine.CallInfo, err error) bool {
	if err != nil {
		return errors.Is(err, engine.ErrUnknownCall)
	}
	return !info.Valid
}
