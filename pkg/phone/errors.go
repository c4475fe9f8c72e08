package phone

import (
	"errors"
	"fmt"
	"time"
)

// ErrorCode типизированный код ошибки линии
type ErrorCode int

const (
	// CodeCallNotInProgress операция требует вызова, а его нет
	CodeCallNotInProgress ErrorCode = iota + 2000
	// CodeAudioFileNotFound аудио файл не существует или не является обычным файлом
	CodeAudioFileNotFound
	// CodeNotRegistered у линии нет аккаунта в движке
	CodeNotRegistered
	// CodeWorkerNotAttached воркер не удалось зарегистрировать в движке
	CodeWorkerNotAttached
	// CodePlaybackFailed движок не смог создать или подключить плеер
	CodePlaybackFailed
	// CodeInvalidConfig неверная конфигурация линии
	CodeInvalidConfig
)

// String возвращает строковое представление кода ошибки
func (c ErrorCode) String() string {
	switch c {
	case CodeCallNotInProgress:
		return "CallNotInProgress"
	case CodeAudioFileNotFound:
		return "AudioFileNotFound"
	case CodeNotRegistered:
		return "NotRegistered"
	case CodeWorkerNotAttached:
		return "WorkerNotAttached"
	case CodePlaybackFailed:
		return "PlaybackFailed"
	case CodeInvalidConfig:
		return "InvalidConfig"
	default:
		return fmt.Sprintf("ErrorCode(%d)", int(c))
	}
}

// PhoneError структурированная ошибка линии
type PhoneError struct {
	Code      ErrorCode
	Message   string
	Line      string
	Timestamp time.Time
	Fields    map[string]interface{}
	Cause     error
}

// Error реализует интерфейс error
func (e *PhoneError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Code, e.Message)
	if e.Line != "" {
		msg = fmt.Sprintf("[%s] линия %s: %s", e.Code, e.Line, e.Message)
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap позволяет использовать errors.Is и errors.As
func (e *PhoneError) Unwrap() error {
	return e.Cause
}

// Is сравнивает ошибки по коду, поэтому errors.Is(err, ErrCallNotInProgress)
// срабатывает для любой ошибки с тем же кодом
func (e *PhoneError) Is(target error) bool {
	var t *PhoneError
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// WithField добавляет дополнительное поле к ошибке
func (e *PhoneError) WithField(key string, value interface{}) *PhoneError {
	if e.Fields == nil {
		e.Fields = make(map[string]interface{})
	}
	e.Fields[key] = value
	return e
}

// WithCause добавляет исходную ошибку
func (e *PhoneError) WithCause(cause error) *PhoneError {
	e.Cause = cause
	return e
}

// NewPhoneError создает новую ошибку линии
func NewPhoneError(code ErrorCode, line, message string) *PhoneError {
	return &PhoneError{
		Code:      code,
		Message:   message,
		Line:      line,
		Timestamp: time.Now(),
	}
}

// Эталонные ошибки для errors.Is
var (
	ErrCallNotInProgress = &PhoneError{Code: CodeCallNotInProgress, Message: "вызов не установлен"}
	ErrAudioFileNotFound = &PhoneError{Code: CodeAudioFileNotFound, Message: "аудио файл не найден"}
	ErrNotRegistered     = &PhoneError{Code: CodeNotRegistered, Message: "линия не зарегистрирована"}
)

func errCallNotInProgress(line, operation string) *PhoneError {
	return NewPhoneError(CodeCallNotInProgress, line, "вызов не установлен").
		WithField("operation", operation)
}

func errAudioFileNotFound(line, path string, cause error) *PhoneError {
	return NewPhoneError(CodeAudioFileNotFound, line, fmt.Sprintf("аудио файл %s недоступен", path)).
		WithField("path", path).
		WithCause(cause)
}

func errNotRegistered(line, operation string) *PhoneError {
	return NewPhoneError(CodeNotRegistered, line, "у линии нет аккаунта").
		WithField("operation", operation)
}
