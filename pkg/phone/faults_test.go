package phone_test

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/arzzra/rtap_phone/pkg/engine"
	"github.com/arzzra/rtap_phone/pkg/engine/simengine"
	"github.com/arzzra/rtap_phone/pkg/phone"
)

// errCommandTimeout временный сбой движка, как таймаут команды pjsua
var errCommandTimeout = errors.New("telnet: command timeout")

// faultyEngine симулятор со сбоями CallInfo и хуком после Connect
type faultyEngine struct {
	*simengine.Engine

	mu        sync.Mutex
	infoFails int
	onConnect func()
}

func (f *faultyEngine) failCallInfo(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.infoFails = n
}

func (f *faultyEngine) CallInfo(id engine.CallID) (engine.CallInfo, error) {
	f.mu.Lock()
	if f.infoFails > 0 {
		f.infoFails--
		f.mu.Unlock()
		return engine.CallInfo{}, errCommandTimeout
	}
	f.mu.Unlock()
	return f.Engine.CallInfo(id)
}

func (f *faultyEngine) Connect(src, dst engine.Slot) error {
	err := f.Engine.Connect(src, dst)
	f.mu.Lock()
	hook := f.onConnect
	f.onConnect = nil
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	return err
}

func (s *LineSuite) faultyLine(number string) (*phone.Line, *faultyEngine) {
	fe := &faultyEngine{Engine: s.eng}
	l, err := phone.NewLine(fe, phone.LineConfig{
		Number:      number,
		Password:    "secret",
		Domain:      "pbx.local",
		Disposition: phone.Busy(0),
		Timing:      fastTiming(),
	}, phone.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	s.Require().NoError(err)
	s.lines = append(s.lines, l)
	s.Require().True(l.Register(s.ctx))
	return l, fe
}

func (s *LineSuite) TestTransientCallInfoErrorDoesNotEndCall() {
	l, fe := s.faultyLine("1001")
	call := s.confirmedCall(l)

	fe.failCallInfo(2)
	s.Equal(phone.StateActiveMedia, l.WaitForActiveMedia(s.ctx, phone.ExpectMedia))

	info, err := s.eng.CallInfo(call.ID)
	s.Require().NoError(err)
	s.True(info.Valid)

	fe.failCallInfo(1)
	ok, err := l.WaitForConnectedDuration(s.ctx, 20*time.Millisecond)
	s.NoError(err)
	s.True(ok)
	s.Equal(phone.StateActiveMedia, l.CallState())
}

func (s *LineSuite) TestWaitForCallToEndIgnoresTransientError() {
	l, fe := s.faultyLine("1001")
	s.confirmedCall(l)

	fe.failCallInfo(3)
	ended, err := l.WaitForCallToEnd(s.ctx)
	s.NoError(err)
	s.False(ended)
	s.Equal(phone.StateConfirmed, l.CallState())
}

func (s *LineSuite) TestHangUpAfterTransientCallInfoError() {
	l, fe := s.faultyLine("1001")
	call := s.confirmedCall(l)

	fe.failCallInfo(1)
	s.Require().NoError(l.HangUp(s.ctx))
	s.Equal(1, s.eng.Count("Hangup"))
	s.Equal(phone.StateEnded, l.CallState())

	info, err := s.eng.CallInfo(call.ID)
	s.Require().NoError(err)
	s.False(info.Valid)
}

func (s *LineSuite) TestHangUpAfterRemoteDropReleasesPlayback() {
	l := s.registeredLine("1001", phone.Busy(0))
	call := s.confirmedCall(l)
	s.Require().Equal(phone.StateActiveMedia, l.WaitForActiveMedia(s.ctx, phone.ExpectMedia))
	s.Require().NoError(l.StartPlayback(s.audio, true))

	s.Require().NoError(s.eng.RemoteHangup(call.ID))
	s.Require().NoError(l.HangUp(s.ctx))

	s.Equal(phone.StateEnded, l.CallState())
	s.False(l.Playing())
	s.Zero(s.eng.PlayerCount())
	s.Empty(s.eng.Links())
	s.Zero(s.eng.Count("Hangup"))
}

func (s *LineSuite) TestPlaybackDroppedWhenCallEndsWhileConnecting() {
	l, fe := s.faultyLine("1001")
	call := s.confirmedCall(l)
	s.Require().Equal(phone.StateActiveMedia, l.WaitForActiveMedia(s.ctx, phone.ExpectMedia))

	// вызов завершается между Connect и публикацией воспроизведения
	fe.onConnect = func() {
		s.Require().NoError(s.eng.RemoteHangup(call.ID))
		s.Require().NoError(l.HangUp(s.ctx))
	}
	s.Require().NoError(l.StartPlayback(s.audio, false))

	s.Equal(phone.StateEnded, l.CallState())
	s.False(l.Playing())
	s.Zero(s.eng.PlayerCount())
	s.Empty(s.eng.Links())
}
