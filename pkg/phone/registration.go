package phone

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/arzzra/rtap_phone/pkg/engine"
	"github.com/arzzra/rtap_phone/pkg/poller"
)

// Register создает аккаунт линии в движке и ждет подтверждения регистрации.
//
// Опрос идет с интервалом RegisterPoll до RegisterTimeout. По таймауту
// Register молча возвращает false: операции, которым нужна регистрация,
// позже завершатся явной ошибкой. Повторный вызов для существующего
// аккаунта продлевает регистрацию.
func (l *Line) Register(ctx context.Context) bool {
	if !l.attach("register") {
		l.metrics.registration("failed", 0)
		return false
	}

	start := time.Now()
	acc, ok := l.accountID()
	if ok {
		if err := l.eng.SetRegistration(acc, true); err != nil {
			l.logger.Error("Ошибка продления регистрации", slog.String("error", err.Error()))
			l.metrics.registration("failed", 0)
			return false
		}
	} else {
		created, err := l.eng.CreateAccount(l.cfg.account(), l.handleIncoming)
		if err != nil {
			l.logger.Error("Ошибка создания аккаунта", slog.String("error", err.Error()))
			l.metrics.registration("failed", 0)
			return false
		}
		acc = created

		l.mu.Lock()
		l.account = acc
		l.hasAccount = true
		l.mu.Unlock()
	}

	l.logger.Info("Регистрация линии", slog.String("domain", l.cfg.Domain))

	registered := poller.Until(ctx, poller.Options{
		Timeout:   l.cfg.Timing.RegisterTimeout,
		Interval:  l.cfg.Timing.RegisterPoll,
		TickEvery: l.cfg.Timing.ProgressEvery,
		OnTick: func(elapsed time.Duration) {
			l.logger.Info("Ожидание регистрации", slog.Duration("elapsed", elapsed))
		},
	}, func() bool {
		info, err := l.eng.AccountInfo(acc)
		if err != nil {
			return false
		}
		return info.RegStatus == engine.RegStatusOK
	})

	l.mu.Lock()
	l.registered = registered
	l.mu.Unlock()

	if !registered {
		l.logger.Warn("Регистрация не подтверждена",
			slog.Duration("timeout", l.cfg.Timing.RegisterTimeout))
		l.metrics.registration("timeout", 0)
		l.metrics.waitTimeout("register")
		return false
	}

	took := time.Since(start)
	l.logger.Info("Линия зарегистрирована", slog.Duration("took", took))
	l.metrics.registration("ok", took)
	return true
}

// Registered возвращает true, если последняя регистрация подтверждена
func (l *Line) Registered() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.registered
}

// Unregister снимает регистрацию и удаляет аккаунт.
//
// Аккаунт удаляется только после того, как движок сообщил о снятии
// регистрации (RegExpires == -1), или по истечении UnregisterTimeout:
// удаление во время перехода регистрации портит состояние движка. Сбои
// удаления логируются и не прерывают teardown. Текущий вызов освобождается
// после удаления аккаунта. Возвращает true, если снятие подтверждено.
func (l *Line) Unregister(ctx context.Context) bool {
	acc, ok := l.accountID()
	if !ok {
		l.logger.Debug("Снятие регистрации пропущено: аккаунта нет")
		return false
	}
	if !l.attach("unregister") {
		l.metrics.unregistration("failed")
		return false
	}

	l.logger.Info("Снятие регистрации линии")
	if err := l.eng.SetRegistration(acc, false); err != nil {
		l.logger.Warn("Ошибка запроса снятия регистрации", slog.String("error", err.Error()))
	}

	confirmed := poller.Until(ctx, poller.Options{
		Timeout:   l.cfg.Timing.UnregisterTimeout,
		Interval:  l.cfg.Timing.UnregisterPoll,
		TickEvery: l.cfg.Timing.ProgressEvery,
	}, func() bool {
		info, err := l.eng.AccountInfo(acc)
		if errors.Is(err, engine.ErrUnknownAccount) {
			return true
		}
		if err != nil {
			return false
		}
		return info.RegExpires == engine.RegExpiresDeregistered
	})
	if !confirmed {
		l.logger.Warn("Снятие регистрации не подтверждено, аккаунт удаляется принудительно",
			slog.Duration("timeout", l.cfg.Timing.UnregisterTimeout))
		l.metrics.waitTimeout("unregister")
	}

	if err := l.eng.DeleteAccount(acc); err != nil {
		l.logger.Warn("Ошибка удаления аккаунта", slog.String("error", err.Error()))
	}

	l.mu.Lock()
	l.hasAccount = false
	l.registered = false
	l.mu.Unlock()

	l.releaseCall()

	if confirmed {
		l.metrics.unregistration("ok")
		l.logger.Info("Регистрация снята")
	} else {
		l.metrics.unregistration("timeout")
	}
	return confirmed
}

// releaseCall освобождает воспроизведение и ссылку на вызов
func (l *Line) releaseCall() {
	l.StopPlayback()

	l.mu.Lock()
	c := l.call
	l.call = nil
	l.mu.Unlock()

	if c != nil {
		l.logger.Debug("Вызов освобожден",
			slog.Int("call_id", int(c.ID)),
			slog.String("state", c.State().String()))
	}
}
