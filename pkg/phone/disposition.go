package phone

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/arzzra/rtap_phone/pkg/engine"
	"github.com/arzzra/rtap_phone/pkg/poller"
)

// Action решение по входящему вызову
type Action string

const (
	ActionAnswer  Action = "ANSWER"
	ActionBusy    Action = "BUSY"
	ActionUnknown Action = ""
)

// ParseAction разбирает название политики без учета регистра.
// Нераспознанное значение сохраняется как есть и при входящем вызове
// приводит к ошибке в логе.
func ParseAction(s string) Action {
	switch a := Action(strings.ToUpper(strings.TrimSpace(s))); a {
	case ActionAnswer, ActionBusy:
		return a
	default:
		return Action(strings.TrimSpace(s))
	}
}

const (
	// DefaultAnswerDelay задержка ответа, имитирующая снятие трубки
	DefaultAnswerDelay = time.Second
)

// DispositionPolicy политика обработки входящих вызовов. Не меняется после
// создания линии.
type DispositionPolicy struct {
	Action Action
	// Delay задержка перед ответом для ANSWER. Отрицательное значение
	// отключает задержку, ноль означает DefaultAnswerDelay.
	Delay time.Duration
	// AudioFile если задан, воспроизводится после ответа
	AudioFile string
	// Loop зацикливает воспроизведение AudioFile
	Loop bool
	// Code код ответа для BUSY, по умолчанию 486
	Code int
}

func (p DispositionPolicy) withDefaults() DispositionPolicy {
	if p.Action == ActionAnswer && p.Delay == 0 {
		p.Delay = DefaultAnswerDelay
	}
	if p.Action == ActionBusy && p.Code == 0 {
		p.Code = engine.StatusBusy
	}
	return p
}

// Answer политика ответа с воспроизведением файла
func Answer(delay time.Duration, audioFile string, loop bool) DispositionPolicy {
	return DispositionPolicy{Action: ActionAnswer, Delay: delay, AudioFile: audioFile, Loop: loop}
}

// Busy политика отклонения вызова кодом code
func Busy(code int) DispositionPolicy {
	return DispositionPolicy{Action: ActionBusy, Code: code}
}

// handleIncoming вызывается движком на его горутине для каждого входящего
// вызова. Политика выполняется один раз, без повторов.
func (l *Line) handleIncoming(id engine.CallID) {
	ctx := context.Background()
	policy := l.cfg.Disposition

	remote := ""
	if info, err := l.eng.CallInfo(id); err == nil {
		remote = info.RemoteURI
	}

	call := newCall(id, DirectionInbound, remote, l.logger, l.metrics)
	call.fire(ctx, eventRing)
	l.setCall(call)

	logger := l.logger.With(
		slog.Int("call_id", int(id)),
		slog.String("from", remote),
		slog.String("disposition", string(policy.Action)))
	logger.Info("Входящий вызов")

	switch policy.Action {
	case ActionAnswer:
		if policy.Delay > 0 {
			time.Sleep(policy.Delay)
		}
		if err := l.eng.Answer(id, engine.StatusOK); err != nil {
			l.recordFailure("answer", err)
			l.metrics.call(string(DirectionInbound), "failed")
			return
		}
		call.fire(ctx, eventConfirm)
		l.metrics.call(string(DirectionInbound), "answered")
		logger.Info("Вызов принят")

		if policy.AudioFile != "" {
			l.awaitMediaSlot(ctx, call)
			if err := l.startPlayback(policy.AudioFile, policy.Loop); err != nil {
				logger.Error("Ошибка запуска воспроизведения после ответа",
					slog.String("error", err.Error()))
			}
		}

	case ActionBusy:
		code := policy.Code
		if code == 0 {
			code = engine.StatusBusy
		}
		if err := l.eng.Answer(id, code); err != nil {
			l.recordFailure("answer", err)
			l.metrics.call(string(DirectionInbound), "failed")
			return
		}
		l.metrics.call(string(DirectionInbound), "busy")
		logger.Info("Вызов отклонен", slog.Int("code", code))

	default:
		l.metrics.call(string(DirectionInbound), "unanswered")
		logger.Error("Неизвестная политика обработки входящего вызова, вызов оставлен без ответа")
	}
}

// awaitMediaSlot ждет порт моста принятого вызова, чтобы подключить к нему
// плеер. Ограничено MediaTimeout.
func (l *Line) awaitMediaSlot(ctx context.Context, call *Call) {
	slot := engine.InvalidSlot
	poller.Until(ctx, l.fastWait(l.cfg.Timing.MediaTimeout, nil), func() bool {
		info, err := l.eng.CallInfo(call.ID)
		if callEnded(info, err) {
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
	if slot != engine.InvalidSlot {
		call.activateMedia(ctx, slot)
	}
}
