// Package engine описывает телефонный движок, которым управляют линии.
//
// Движок владеет SIP стеком, транспортом, RTP и аудио-мостом. Линии
// используют его только через интерфейс Engine, один экземпляр которого
// разделяется всеми линиями процесса. Реализации обязаны допускать
// конкурентные вызовы из нескольких зарегистрированных воркеров.
package engine

import (
	"context"
	"errors"
	"time"
)

// AccountID идентификатор аккаунта внутри движка
type AccountID int

// CallID идентификатор вызова внутри движка
type CallID int

// PlayerID идентификатор аудио-плеера
type PlayerID int

// Slot номер порта конференц-моста
type Slot int

// InvalidSlot означает, что порт моста еще не назначен
const InvalidSlot Slot = -1

// Коды статуса регистрации
const (
	// RegStatusOK регистрация подтверждена регистратором
	RegStatusOK = 200

	// RegExpiresDeregistered значение RegExpires после снятия регистрации
	RegExpiresDeregistered = -1
)

// Текстовые состояния вызова, возвращаемые в CallInfo.StateText
const (
	StateCalling      = "CALLING"
	StateIncoming     = "INCOMING"
	StateEarly        = "EARLY"
	StateConnecting   = "CONNECTING"
	StateConfirmed    = "CONFIRMED"
	StateDisconnected = "DISCONNCTD"
)

// Коды ответа на входящий вызов
const (
	StatusRinging = 180
	StatusOK      = 200
	StatusBusy    = 486
	StatusDecline = 603
)

var (
	ErrNotStarted      = errors.New("движок не запущен")
	ErrUnknownAccount  = errors.New("аккаунт не найден")
	ErrUnknownCall     = errors.New("вызов не найден")
	ErrUnknownPlayer   = errors.New("плеер не найден")
	ErrCallNotActive   = errors.New("вызов не активен")
	ErrInvalidSlot     = errors.New("неверный порт моста")
	ErrThreadNotJoined = errors.New("воркер не зарегистрирован в движке")
)

// AccountConfig учетные данные линии
type AccountConfig struct {
	// Username номер телефона или имя пользователя
	Username string
	// Password пароль для digest аутентификации, может быть пустым
	Password string
	// Domain адрес PBX (host или host:port)
	Domain string
	// Transport udp, tcp или tls
	Transport string
}

// AccountInfo состояние регистрации аккаунта
type AccountInfo struct {
	URI string
	// RegStatus последний код ответа регистратора, 0 если ответа еще нет
	RegStatus int
	// RegExpires оставшееся время регистрации в секундах, -1 после снятия
	RegExpires int
	// RegActive true, пока регистрация поддерживается
	RegActive bool
}

// Registered возвращает true, если регистратор подтвердил регистрацию
func (a AccountInfo) Registered() bool {
	return a.RegStatus == RegStatusOK && a.RegExpires > 0
}

// CallInfo снимок состояния вызова
type CallInfo struct {
	// Valid false, когда движок уже освободил вызов
	Valid bool
	// StateText текстовое состояние SIP диалога, например CONFIRMED
	StateText string
	// MediaActive true, когда аудио путь вызова активен
	MediaActive bool
	// Connected длительность с момента подтверждения
	Connected time.Duration
	// Total длительность с момента создания вызова
	Total time.Duration
	// ConfSlot порт моста вызова, InvalidSlot пока медиа не активно
	ConfSlot Slot
	// RemoteURI адрес удаленной стороны
	RemoteURI string
	// LastStatus последний код ответа по вызову
	LastStatus int
}

// Confirmed проверяет, что диалог подтвержден
func (c CallInfo) Confirmed() bool {
	return c.StateText == StateConfirmed
}

// IncomingCallHandler вызывается движком для каждого входящего вызова.
// Вызов происходит на горутине движка.
type IncomingCallHandler func(call CallID)

// Lifecycle жизненный цикл движка: init, start, работа линий, stop.
type Lifecycle interface {
	Start(ctx context.Context) error
	Stop() error

	// RegisterThread регистрирует текущий поток ОС в движке. Вызывается
	// один раз в начале каждого воркера, до любых других вызовов.
	RegisterThread(name string) error
}

// Accounts регистрация линий
type Accounts interface {
	// CreateAccount создает аккаунт и начинает регистрацию
	CreateAccount(cfg AccountConfig, onIncoming IncomingCallHandler) (AccountID, error)
	// SetRegistration продлевает (true) или снимает (false) регистрацию
	SetRegistration(acc AccountID, active bool) error
	AccountInfo(acc AccountID) (AccountInfo, error)
	DeleteAccount(acc AccountID) error
}

// Calls управление вызовами
type Calls interface {
	MakeCall(acc AccountID, uri string) (CallID, error)
	Answer(call CallID, code int) error
	Hangup(call CallID) error
	CallInfo(call CallID) (CallInfo, error)
	SendDTMF(call CallID, digits string) error
}

// Conference аудио-мост и плееры
type Conference interface {
	CreatePlayer(path string, loop bool) (PlayerID, error)
	PlayerSlot(p PlayerID) (Slot, error)
	Connect(src, dst Slot) error
	Disconnect(src, dst Slot) error
	DestroyPlayer(p PlayerID) error
}

// Engine полный интерфейс телефонного движка
type Engine interface {
	Lifecycle
	Accounts
	Calls
	Conference
}
