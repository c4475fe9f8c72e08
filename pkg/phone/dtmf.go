package phone

import (
	"errors"
	"log/slog"
)

var errNoCallForDTMF = errors.New("нет вызова для отправки DTMF")

// SendDigits отправляет последовательность DTMF по текущему вызову.
//
// Любой сбой, включая отсутствие вызова, добавляет ERROR в Results и не
// прерывает сценарий. Возвращает true при успешной отправке.
func (l *Line) SendDigits(digits string) bool {
	call := l.CurrentCall()
	if call == nil {
		l.recordFailure("dtmf", errNoCallForDTMF)
		return false
	}
	if !l.attach("dtmf") {
		l.recordFailure("dtmf", errors.New("воркер не зарегистрирован"))
		return false
	}

	if err := l.eng.SendDTMF(call.ID, digits); err != nil {
		l.recordFailure("dtmf", err)
		return false
	}

	l.logger.Info("DTMF отправлен",
		slog.Int("call_id", int(call.ID)),
		slog.String("digits", digits))
	return true
}
