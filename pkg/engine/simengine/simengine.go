// Package simengine детерминированный телефонный движок в памяти.
//
// Используется в тестах и для прогона сценариев без PBX. Поведение
// вызовов задается сценарием CallScript в терминах опросов: каждый вызов
// CallInfo продвигает вызов на один тик. Все обращения к движку
// записываются и доступны через Invocations и Count.
package simengine

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/arzzra/rtap_phone/pkg/engine"
)

// Never означает, что событие сценария не наступает
const Never = -1

// CallScript сценарий развития вызова
type CallScript struct {
	// ConfirmAtTick номер опроса, на котором исходящий вызов становится
	// CONFIRMED. 0 - сразу, Never - никогда.
	ConfirmAtTick int
	// MediaAtTick номер опроса после подтверждения, на котором медиа
	// становится активным. Never - никогда.
	MediaAtTick int
	// DropAtTick номер опроса после подтверждения, на котором удаленная
	// сторона завершает вызов. Never - никогда.
	DropAtTick int
	// RejectCode если не ноль, вызов отклоняется этим кодом вместо
	// подтверждения на ConfirmAtTick
	RejectCode int
}

// DefaultCallScript вызов подтверждается на 3 опросе, медиа сразу активно
func DefaultCallScript() CallScript {
	return CallScript{ConfirmAtTick: 3, MediaAtTick: 0, DropAtTick: Never}
}

// Invocation запись об обращении к движку
type Invocation struct {
	Method string
	Args   []any
	At     time.Time
}

type account struct {
	id         engine.AccountID
	cfg        engine.AccountConfig
	onIncoming engine.IncomingCallHandler
	reads      int
	regActive  bool
	regStatus  int
	regExpires int
	// опрос, на котором меняется состояние регистрации
	switchAt int
}

type call struct {
	id          engine.CallID
	acc         engine.AccountID
	remote      string
	inbound     bool
	script      CallScript
	state       string
	valid       bool
	media       bool
	slot        engine.Slot
	lastStatus  int
	reads       int
	confirmedAt int
	createdAt   time.Time
	connectedAt time.Time
	endedAt     time.Time
	digits      []string
	// peer вторая сторона вызова между аккаунтами этого же движка
	peer *call
}

type player struct {
	id   engine.PlayerID
	path string
	loop bool
	slot engine.Slot
}

// Engine симулятор движка
type Engine struct {
	mu sync.Mutex

	// RegisterAfterReads число опросов AccountInfo до ответа 200
	RegisterAfterReads int
	// UnregisterAfterReads число опросов AccountInfo до снятия регистрации
	UnregisterAfterReads int
	// RegisterStatus код ответа регистратора, по умолчанию 200
	RegisterStatus int
	// OutboundScript сценарий для исходящих вызовов
	OutboundScript CallScript
	// InboundScript сценарий для входящих вызовов после ответа
	InboundScript CallScript
	// DTMFError если задан, SendDTMF всегда возвращает эту ошибку
	DTMFError error
	// Now источник времени
	Now func() time.Time

	started     bool
	threads     map[string]int
	accounts    map[engine.AccountID]*account
	calls       map[engine.CallID]*call
	players     map[engine.PlayerID]*player
	links       map[[2]engine.Slot]struct{}
	invocations []Invocation

	nextAccount engine.AccountID
	nextCall    engine.CallID
	nextPlayer  engine.PlayerID
	// порт 0 занят звуковым устройством, как в pjsua
	nextSlot engine.Slot
}

var _ engine.Engine = (*Engine)(nil)

// New создает симулятор с мгновенной регистрацией и DefaultCallScript
func New() *Engine {
	return &Engine{
		RegisterStatus: engine.RegStatusOK,
		OutboundScript: DefaultCallScript(),
		InboundScript:  CallScript{ConfirmAtTick: 0, MediaAtTick: 0, DropAtTick: Never},
		Now:            time.Now,
		threads:        make(map[string]int),
		accounts:       make(map[engine.AccountID]*account),
		calls:          make(map[engine.CallID]*call),
		players:        make(map[engine.PlayerID]*player),
		links:          make(map[[2]engine.Slot]struct{}),
		nextSlot:       1,
	}
}

func (e *Engine) record(method string, args ...any) {
	e.invocations = append(e.invocations, Invocation{Method: method, Args: args, At: e.Now()})
}

// Start запускает движок
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.record("Start")
	e.started = true
	return nil
}

// Stop останавливает движок и освобождает все вызовы
func (e *Engine) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.record("Stop")
	for _, c := range e.calls {
		e.endCall(c, 0)
	}
	e.started = false
	return nil
}

// RegisterThread учитывает регистрацию воркера
func (e *Engine) RegisterThread(name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.record("RegisterThread", name)
	e.threads[name]++
	return nil
}

// Threads возвращает число регистраций каждого воркера
func (e *Engine) Threads() map[string]int {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]int, len(e.threads))
	for k, v := range e.threads {
		out[k] = v
	}
	return out
}

// CreateAccount создает аккаунт и начинает регистрацию
func (e *Engine) CreateAccount(cfg engine.AccountConfig, onIncoming engine.IncomingCallHandler) (engine.AccountID, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.record("CreateAccount", cfg.Username)

	if !e.started {
		return 0, engine.ErrNotStarted
	}

	e.nextAccount++
	acc := &account{
		id:         e.nextAccount,
		cfg:        cfg,
		onIncoming: onIncoming,
		regActive:  true,
		switchAt:   e.RegisterAfterReads,
	}
	e.accounts[acc.id] = acc
	return acc.id, nil
}

// SetRegistration продлевает или снимает регистрацию
func (e *Engine) SetRegistration(id engine.AccountID, active bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.record("SetRegistration", id, active)

	acc, ok := e.accounts[id]
	if !ok {
		return fmt.Errorf("%w: %d", engine.ErrUnknownAccount, id)
	}
	acc.regActive = active
	if active {
		acc.switchAt = acc.reads + e.RegisterAfterReads
	} else {
		acc.switchAt = acc.reads + e.UnregisterAfterReads
	}
	return nil
}

// AccountInfo возвращает состояние регистрации, продвигая его на один опрос
func (e *Engine) AccountInfo(id engine.AccountID) (engine.AccountInfo, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	acc, ok := e.accounts[id]
	if !ok {
		return engine.AccountInfo{}, fmt.Errorf("%w: %d", engine.ErrUnknownAccount, id)
	}

	if acc.reads >= acc.switchAt {
		if acc.regActive {
			acc.regStatus = e.RegisterStatus
			acc.regExpires = 300
			if acc.regStatus != engine.RegStatusOK {
				acc.regExpires = 0
			}
		} else {
			acc.regExpires = engine.RegExpiresDeregistered
		}
	}
	acc.reads++

	return engine.AccountInfo{
		URI:        engine.AccountURI(acc.cfg),
		RegStatus:  acc.regStatus,
		RegExpires: acc.regExpires,
		RegActive:  acc.regActive,
	}, nil
}

// DeleteAccount удаляет аккаунт
func (e *Engine) DeleteAccount(id engine.AccountID) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.record("DeleteAccount", id)

	if _, ok := e.accounts[id]; !ok {
		return fmt.Errorf("%w: %d", engine.ErrUnknownAccount, id)
	}
	delete(e.accounts, id)
	return nil
}

// MakeCall создает исходящий вызов по сценарию OutboundScript
func (e *Engine) MakeCall(acc engine.AccountID, uri string) (engine.CallID, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.record("MakeCall", acc, uri)

	caller, ok := e.accounts[acc]
	if !ok {
		return 0, fmt.Errorf("%w: %d", engine.ErrUnknownAccount, acc)
	}

	c := e.newCall(acc, uri, false, e.OutboundScript)
	c.state = engine.StateCalling

	// вызов на аккаунт этого же движка доставляется ему как входящий
	if callee := e.findByURI(uri); callee != nil && callee.id != acc && callee.regActive {
		in := e.newCall(callee.id, engine.AccountURI(caller.cfg), true, e.InboundScript)
		in.state = engine.StateIncoming
		in.peer, c.peer = c, in
		e.record("Ring", callee.id, in.remote)
		if handler := callee.onIncoming; handler != nil {
			go handler(in.id)
		}
	}
	return c.id, nil
}

func (e *Engine) findByURI(uri string) *account {
	user := userPart(uri)
	for _, a := range e.accounts {
		if a.cfg.Username == user {
			return a
		}
	}
	return nil
}

func userPart(uri string) string {
	if i := strings.Index(uri, ":"); i >= 0 {
		uri = uri[i+1:]
	}
	if i := strings.Index(uri, "@"); i >= 0 {
		uri = uri[:i]
	}
	return uri
}

func (e *Engine) newCall(acc engine.AccountID, remote string, inbound bool, script CallScript) *call {
	e.nextCall++
	c := &call{
		id:          e.nextCall,
		acc:         acc,
		remote:      remote,
		inbound:     inbound,
		script:      script,
		valid:       true,
		slot:        engine.InvalidSlot,
		confirmedAt: -1,
		createdAt:   e.Now(),
	}
	e.calls[c.id] = c
	return c
}

// Ring имитирует входящий вызов на аккаунт. Обработчик аккаунта
// вызывается синхронно на горутине вызывающего, как на горутине движка.
func (e *Engine) Ring(acc engine.AccountID, from string) (engine.CallID, error) {
	e.mu.Lock()
	a, ok := e.accounts[acc]
	if !ok {
		e.mu.Unlock()
		return 0, fmt.Errorf("%w: %d", engine.ErrUnknownAccount, acc)
	}
	e.record("Ring", acc, from)
	c := e.newCall(acc, from, true, e.InboundScript)
	c.state = engine.StateIncoming
	handler := a.onIncoming
	e.mu.Unlock()

	if handler != nil {
		handler(c.id)
	}
	return c.id, nil
}

// RemoteHangup имитирует завершение вызова удаленной стороной
func (e *Engine) RemoteHangup(id engine.CallID) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.record("RemoteHangup", id)

	c, ok := e.calls[id]
	if !ok {
		return fmt.Errorf("%w: %d", engine.ErrUnknownCall, id)
	}
	e.endCall(c, 200)
	return nil
}

// Answer отвечает на входящий вызов
func (e *Engine) Answer(id engine.CallID, code int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.record("Answer", id, code)

	c, ok := e.calls[id]
	if !ok {
		return fmt.Errorf("%w: %d", engine.ErrUnknownCall, id)
	}
	if !c.valid {
		return fmt.Errorf("%w: %d", engine.ErrCallNotActive, id)
	}

	c.lastStatus = code
	switch {
	case code >= 200 && code < 300:
		e.confirm(c)
	case code >= 300:
		e.endCall(c, code)
	default:
		c.state = engine.StateEarly
	}
	return nil
}

func (e *Engine) confirm(c *call) {
	c.state = engine.StateConfirmed
	c.connectedAt = e.Now()
	c.confirmedAt = c.reads
}

func (e *Engine) endCall(c *call, code int) {
	if !c.valid {
		return
	}
	if code != 0 {
		c.lastStatus = code
	}
	c.valid = false
	c.media = false
	c.state = engine.StateDisconnected
	c.endedAt = e.Now()
	if c.peer != nil {
		e.endCall(c.peer, code)
	}
	for link := range e.links {
		if link[0] == c.slot || link[1] == c.slot {
			delete(e.links, link)
		}
	}
}

// Hangup завершает вызов
func (e *Engine) Hangup(id engine.CallID) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.record("Hangup", id)

	c, ok := e.calls[id]
	if !ok {
		return fmt.Errorf("%w: %d", engine.ErrUnknownCall, id)
	}
	if !c.valid {
		return fmt.Errorf("%w: %d", engine.ErrCallNotActive, id)
	}
	e.endCall(c, 0)
	return nil
}

// CallInfo возвращает снимок вызова, продвигая сценарий на один тик
func (e *Engine) CallInfo(id engine.CallID) (engine.CallInfo, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	c, ok := e.calls[id]
	if !ok {
		return engine.CallInfo{}, fmt.Errorf("%w: %d", engine.ErrUnknownCall, id)
	}

	if c.valid {
		e.advance(c)
	}
	c.reads++

	now := e.Now()
	info := engine.CallInfo{
		Valid:       c.valid,
		StateText:   c.state,
		MediaActive: c.media,
		ConfSlot:    c.slot,
		RemoteURI:   c.remote,
		LastStatus:  c.lastStatus,
	}
	end := now
	if !c.valid {
		end = c.endedAt
	}
	info.Total = end.Sub(c.createdAt)
	if !c.connectedAt.IsZero() {
		info.Connected = end.Sub(c.connectedAt)
	}
	return info, nil
}

func (e *Engine) advance(c *call) {
	s := c.script

	if c.state != engine.StateConfirmed {
		switch {
		case c.inbound:
			return
		case c.peer != nil:
			if c.peer.state != engine.StateConfirmed {
				return
			}
		case s.ConfirmAtTick == Never || c.reads < s.ConfirmAtTick:
			return
		case s.RejectCode != 0:
			e.endCall(c, s.RejectCode)
			return
		}
		e.confirm(c)
	}

	sinceConfirm := c.reads - c.confirmedAt
	if s.DropAtTick != Never && sinceConfirm >= s.DropAtTick {
		e.endCall(c, 200)
		return
	}
	if !c.media && s.MediaAtTick != Never && sinceConfirm >= s.MediaAtTick {
		c.media = true
		if c.slot == engine.InvalidSlot {
			c.slot = e.nextSlot
			e.nextSlot++
		}
	}
}

// SendDTMF отправляет DTMF по вызову
func (e *Engine) SendDTMF(id engine.CallID, digits string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.record("SendDTMF", id, digits)

	if e.DTMFError != nil {
		return e.DTMFError
	}
	c, ok := e.calls[id]
	if !ok {
		return fmt.Errorf("%w: %d", engine.ErrUnknownCall, id)
	}
	if !c.valid {
		return fmt.Errorf("%w: %d", engine.ErrCallNotActive, id)
	}
	c.digits = append(c.digits, digits)
	return nil
}

// Digits возвращает отправленные по вызову DTMF последовательности
func (e *Engine) Digits(id engine.CallID) []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if c, ok := e.calls[id]; ok {
		return append([]string(nil), c.digits...)
	}
	return nil
}

// CreatePlayer создает плеер для существующего файла
func (e *Engine) CreatePlayer(path string, loop bool) (engine.PlayerID, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.record("CreatePlayer", path, loop)

	if _, err := os.Stat(path); err != nil {
		return 0, fmt.Errorf("создание плеера %s: %w", path, err)
	}

	e.nextPlayer++
	p := &player{id: e.nextPlayer, path: path, loop: loop, slot: e.nextSlot}
	e.nextSlot++
	e.players[p.id] = p
	return p.id, nil
}

// PlayerSlot возвращает порт моста плеера
func (e *Engine) PlayerSlot(id engine.PlayerID) (engine.Slot, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	p, ok := e.players[id]
	if !ok {
		return engine.InvalidSlot, fmt.Errorf("%w: %d", engine.ErrUnknownPlayer, id)
	}
	return p.slot, nil
}

func (e *Engine) slotExists(s engine.Slot) bool {
	for _, p := range e.players {
		if p.slot == s {
			return true
		}
	}
	for _, c := range e.calls {
		if c.valid && c.slot == s {
			return true
		}
	}
	return false
}

// Connect соединяет порты моста
func (e *Engine) Connect(src, dst engine.Slot) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.record("Connect", src, dst)

	if !e.slotExists(src) || !e.slotExists(dst) {
		return fmt.Errorf("%w: %d -> %d", engine.ErrInvalidSlot, src, dst)
	}
	e.links[[2]engine.Slot{src, dst}] = struct{}{}
	return nil
}

// Disconnect разъединяет порты моста
func (e *Engine) Disconnect(src, dst engine.Slot) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.record("Disconnect", src, dst)

	key := [2]engine.Slot{src, dst}
	if _, ok := e.links[key]; !ok {
		return fmt.Errorf("%w: %d -> %d не соединены", engine.ErrInvalidSlot, src, dst)
	}
	delete(e.links, key)
	return nil
}

// DestroyPlayer удаляет плеер и все его соединения
func (e *Engine) DestroyPlayer(id engine.PlayerID) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.record("DestroyPlayer", id)

	p, ok := e.players[id]
	if !ok {
		return fmt.Errorf("%w: %d", engine.ErrUnknownPlayer, id)
	}
	for link := range e.links {
		if link[0] == p.slot || link[1] == p.slot {
			delete(e.links, link)
		}
	}
	delete(e.players, id)
	return nil
}

// Links возвращает активные соединения моста
func (e *Engine) Links() [][2]engine.Slot {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([][2]engine.Slot, 0, len(e.links))
	for l := range e.links {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i][0] != out[j][0] {
			return out[i][0] < out[j][0]
		}
		return out[i][1] < out[j][1]
	})
	return out
}

// PlayerCount возвращает число живых плееров
func (e *Engine) PlayerCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.players)
}

// Invocations возвращает обращения к движку с указанным методом,
// или все обращения для пустого method
func (e *Engine) Invocations(method string) []Invocation {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []Invocation
	for _, inv := range e.invocations {
		if method == "" || inv.Method == method {
			out = append(out, inv)
		}
	}
	return out
}

// Count возвращает число обращений с указанным методом
func (e *Engine) Count(method string) int {
	return len(e.Invocations(method))
}

// LastCall возвращает идентификатор последнего созданного вызова
func (e *Engine) LastCall() (engine.CallID, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.nextCall, e.nextCall > 0
}

// AccountByUser ищет аккаунт по имени пользователя
func (e *Engine) AccountByUser(username string) (engine.AccountID, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, a := range e.accounts {
		if a.cfg.Username == username {
			return id, true
		}
	}
	return 0, false
}
