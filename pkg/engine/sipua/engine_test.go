package sipua

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/rtap_phone/pkg/engine"
)

func startEngine(t *testing.T) *Engine {
	t.Helper()

	e := New(Config{
		ListenHost:     "127.0.0.1",
		ListenPort:     0,
		RegisterRetry:  time.Hour,
		RequestTimeout: 2 * time.Second,
		Logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, e.Start(context.Background()))
	t.Cleanup(func() { _ = e.Stop() })
	return e
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{Transport: "TCP"}.withDefaults()

	assert.Equal(t, "tcp", cfg.Transport)
	assert.Equal(t, "127.0.0.1", cfg.AdvertiseHost)
	assert.Equal(t, 20*time.Millisecond, cfg.Ptime)
	assert.Equal(t, uint8(101), cfg.DTMFPayloadType)
	assert.NotNil(t, cfg.Logger)
}

func TestEngineNotStarted(t *testing.T) {
	e := New(Config{})

	assert.ErrorIs(t, e.RegisterThread("w"), engine.ErrNotStarted)
	_, err := e.CreateAccount(engine.AccountConfig{Username: "1000", Domain: "127.0.0.1"}, nil)
	assert.ErrorIs(t, err, engine.ErrNotStarted)
	assert.NoError(t, e.Stop())
}

func TestEngineUnknownIDs(t *testing.T) {
	if testing.Short() {
		t.Skip("opens sockets")
	}
	e := startEngine(t)

	_, err := e.CallInfo(7)
	assert.ErrorIs(t, err, engine.ErrUnknownCall)
	assert.ErrorIs(t, e.Hangup(7), engine.ErrUnknownCall)
	_, err = e.AccountInfo(3)
	assert.ErrorIs(t, err, engine.ErrUnknownAccount)
	_, err = e.PlayerSlot(1)
	assert.ErrorIs(t, err, engine.ErrUnknownPlayer)
	assert.ErrorIs(t, e.Connect(0, 1), engine.ErrInvalidSlot)
	assert.NoError(t, e.RegisterThread("worker-1"))
}

func TestEnginePlayer(t *testing.T) {
	if testing.Short() {
		t.Skip("opens sockets")
	}
	e := startEngine(t)

	id, err := e.CreatePlayer(writeWAV(t, ramp(800)), true)
	require.NoError(t, err)
	slot, err := e.PlayerSlot(id)
	require.NoError(t, err)
	assert.NotEqual(t, engine.InvalidSlot, slot)

	require.NoError(t, e.DestroyPlayer(id))
	assert.ErrorIs(t, e.DestroyPlayer(id), engine.ErrUnknownPlayer)

	_, err = e.CreatePlayer("/nonexistent/prompt.wav", false)
	assert.Error(t, err)
}

// dial places a call from a fresh engine to callee, which handles the
// incoming call with answer
func dial(t *testing.T, answer func(e *Engine, id engine.CallID)) (caller, callee *Engine, out engine.CallID, in chan engine.CallID) {
	t.Helper()

	caller = startEngine(t)
	callee = startEngine(t)
	in = make(chan engine.CallID, 1)

	_, err := callee.CreateAccount(engine.AccountConfig{Username: "2000", Domain: callee.Addr()}, func(id engine.CallID) {
		in <- id
		answer(callee, id)
	})
	require.NoError(t, err)

	acc, err := caller.CreateAccount(engine.AccountConfig{Username: "1000", Domain: callee.Addr()}, nil)
	require.NoError(t, err)

	out, err = caller.MakeCall(acc, "sip:2000@"+callee.Addr())
	require.NoError(t, err)
	return caller, callee, out, in
}

func TestEngineCallLoopback(t *testing.T) {
	if testing.Short() {
		t.Skip("SIP loopback")
	}

	caller, callee, out, in := dial(t, func(e *Engine, id engine.CallID) {
		_ = e.Answer(id, engine.StatusOK)
	})

	var incoming engine.CallID
	select {
	case incoming = <-in:
	case <-time.After(5 * time.Second):
		t.Fatal("INVITE not delivered")
	}

	require.Eventually(t, func() bool {
		info, err := caller.CallInfo(out)
		return err == nil && info.Confirmed() && info.MediaActive
	}, 5*time.Second, 20*time.Millisecond)

	info, err := callee.CallInfo(incoming)
	require.NoError(t, err)
	assert.True(t, info.Valid)
	assert.True(t, info.Confirmed())
	assert.True(t, info.MediaActive)
	assert.NotEqual(t, engine.InvalidSlot, info.ConfSlot)
	assert.Contains(t, info.RemoteURI, "1000")

	assert.NoError(t, caller.SendDTMF(out, "1#"))
	assert.Error(t, caller.SendDTMF(out, "x"))

	require.NoError(t, caller.Hangup(out))
	require.Eventually(t, func() bool {
		info, err := callee.CallInfo(incoming)
		return err == nil && !info.Valid
	}, 5*time.Second, 20*time.Millisecond)

	info, err = caller.CallInfo(out)
	require.NoError(t, err)
	assert.False(t, info.Valid)
	assert.Equal(t, engine.StateDisconnected, info.StateText)
	assert.ErrorIs(t, caller.Hangup(out), engine.ErrCallNotActive)
}

func TestEngineCallBusy(t *testing.T) {
	if testing.Short() {
		t.Skip("SIP loopback")
	}

	caller, _, out, _ := dial(t, func(e *Engine, id engine.CallID) {
		_ = e.Answer(id, engine.StatusBusy)
	})

	require.Eventually(t, func() bool {
		info, err := caller.CallInfo(out)
		return err == nil && !info.Valid
	}, 5*time.Second, 20*time.Millisecond)

	info, err := caller.CallInfo(out)
	require.NoError(t, err)
	assert.Equal(t, engine.StatusBusy, info.LastStatus)
	assert.False(t, info.MediaActive)
	assert.Zero(t, info.Connected)
}
