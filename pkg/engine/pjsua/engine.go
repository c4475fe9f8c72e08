// Package pjsua drives a pjsua process through its telnet CLI and exposes
// it as an engine.Engine.
//
// The process is started with a null sound device and UDP transport, the way
// the softphone ran pjsip in-process. Call state is read by polling
// "call list"; pjsua forgets disconnected calls, so a call known to the
// engine that disappears from the list is reported as no longer valid.
// Incoming calls are detected by a monitor goroutine and handed to the
// account handler on a new goroutine.
//
// Audio players must be preloaded with --play-file (Config.PlayFiles):
// CreatePlayer maps a path to the conference port pjsua created for it.
package pjsua

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/arzzra/rtap_phone/pkg/engine"
	"github.com/arzzra/rtap_phone/pkg/poller"
)

// Config describes how to start or attach to pjsua
type Config struct {
	// BinaryPath of pjsua. Empty attaches to an already running CLI.
	BinaryPath string
	Host       string
	TelnetPort int
	// LocalPort is the UDP SIP port, 0 lets pjsua choose
	LocalPort int
	MaxCalls  int
	LogFile   string
	LogLevel  int
	// PlayFiles are preloaded as conference file players
	PlayFiles []string
	ExtraArgs []string

	StartupTimeout  time.Duration
	CommandTimeout  time.Duration
	MonitorInterval time.Duration

	Logger *slog.Logger
}

// DefaultConfig returns the settings used by the CLI
func DefaultConfig() Config {
	return Config{
		BinaryPath:      "pjsua",
		Host:            "127.0.0.1",
		TelnetPort:      2323,
		MaxCalls:        32,
		LogFile:         "/tmp/pjsip.log",
		LogLevel:        6,
		StartupTimeout:  10 * time.Second,
		CommandTimeout:  5 * time.Second,
		MonitorInterval: 200 * time.Millisecond,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Host == "" {
		c.Host = d.Host
	}
	if c.TelnetPort == 0 {
		c.TelnetPort = d.TelnetPort
	}
	if c.MaxCalls == 0 {
		c.MaxCalls = d.MaxCalls
	}
	if c.StartupTimeout == 0 {
		c.StartupTimeout = d.StartupTimeout
	}
	if c.CommandTimeout == 0 {
		c.CommandTimeout = d.CommandTimeout
	}
	if c.MonitorInterval == 0 {
		c.MonitorInterval = d.MonitorInterval
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

type accountState struct {
	cfg        engine.AccountConfig
	uri        string
	onIncoming engine.IncomingCallHandler
}

// playerRef is a preloaded port shared by every line playing the same file
type playerRef struct {
	slot engine.Slot
	refs int
}

type callState struct {
	acc       engine.AccountID
	remote    string
	inbound   bool
	createdAt time.Time
	connected time.Time
	endedAt   time.Time
	ended     bool
	status    int
}

// Engine is an engine.Engine backed by a pjsua CLI
type Engine struct {
	cfg    Config
	logger *slog.Logger
	proc   *exec.Cmd

	// cli is set before the monitor starts and never replaced
	cli commander

	mu       sync.Mutex
	accounts map[engine.AccountID]*accountState
	calls    map[engine.CallID]*callState
	players  map[engine.PlayerID]*playerRef

	stop chan struct{}
	wg   sync.WaitGroup
}

var _ engine.Engine = (*Engine)(nil)

// New creates an engine; nothing is started until Start
func New(cfg Config) *Engine {
	cfg = cfg.withDefaults()
	return &Engine{
		cfg:      cfg,
		logger:   cfg.Logger.With(slog.String("component", "pjsua")),
		accounts: make(map[engine.AccountID]*accountState),
		calls:    make(map[engine.CallID]*callState),
		players:  make(map[engine.PlayerID]*playerRef),
	}
}

// newWithCommander creates an engine over an already connected CLI
func newWithCommander(cfg Config, cli commander) *Engine {
	e := New(cfg)
	e.cli = cli
	return e
}

// Start launches pjsua if BinaryPath is set, connects to its CLI and starts
// the incoming call monitor
func (e *Engine) Start(ctx context.Context) error {
	if e.cli == nil {
		if e.cfg.BinaryPath != "" {
			if err := e.launch(); err != nil {
				return err
			}
		}
		cli, err := e.connect(ctx)
		if err != nil {
			e.killProcess()
			return err
		}
		e.cli = cli
	}

	e.stop = make(chan struct{})
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.monitor()
	}()

	e.logger.Info("pjsua engine started",
		slog.String("host", e.cfg.Host),
		slog.Int("telnet_port", e.cfg.TelnetPort))
	return nil
}

func (e *Engine) launch() error {
	args := buildArgs(e.cfg)
	cmd := exec.Command(e.cfg.BinaryPath, args...)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start pjsua: %w", err)
	}
	e.proc = cmd
	e.logger.Info("pjsua process started",
		slog.Int("pid", cmd.Process.Pid),
		slog.Any("args", args))
	return nil
}

// connect retries the telnet dial until pjsua opens its CLI port
func (e *Engine) connect(ctx context.Context) (commander, error) {
	addr := e.cfg.Host + ":" + strconv.Itoa(e.cfg.TelnetPort)

	var (
		cli     *telnetConn
		lastErr error
	)
	ok := poller.Until(ctx, poller.Options{
		Timeout:  e.cfg.StartupTimeout,
		Interval: 200 * time.Millisecond,
	}, func() bool {
		dialCtx, cancel := context.WithTimeout(ctx, e.cfg.CommandTimeout)
		defer cancel()
		cli, lastErr = dialTelnet(dialCtx, addr, e.cfg.CommandTimeout)
		return lastErr == nil
	})
	if !ok {
		return nil, fmt.Errorf("pjsua cli at %s not reachable: %w", addr, lastErr)
	}
	return cli, nil
}

// Stop shuts down the monitor, the CLI and the process
func (e *Engine) Stop() error {
	if e.stop != nil {
		close(e.stop)
		e.wg.Wait()
		e.stop = nil
	}

	if e.cli != nil {
		if e.proc != nil {
			e.exec(cmdShutdown)
		}
		e.cli.Close()
	}
	e.killProcess()
	e.logger.Info("pjsua engine stopped")
	return nil
}

func (e *Engine) killProcess() {
	if e.proc == nil {
		return
	}
	e.proc.Process.Signal(os.Interrupt)

	done := make(chan error, 1)
	go func() {
		done <- e.proc.Wait()
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		e.proc.Process.Kill()
		<-done
	}
	e.proc = nil
}

// RegisterThread is a no-op: pjsua threads live in the child process
func (e *Engine) RegisterThread(name string) error {
	e.logger.Debug("worker attached", slog.String("worker", name))
	return nil
}

func (e *Engine) exec(command string) (string, error) {
	if e.cli == nil {
		return "", engine.ErrNotStarted
	}
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.CommandTimeout)
	defer cancel()
	return e.cli.Exec(ctx, command)
}

func (e *Engine) selectAccount(acc engine.AccountID) error {
	_, err := e.exec(formatCommand(cmdAccSelect, int(acc)))
	return err
}

// CreateAccount reuses an account pjsua already has for the same URI,
// otherwise adds one
func (e *Engine) CreateAccount(cfg engine.AccountConfig, onIncoming engine.IncomingCallHandler) (engine.AccountID, error) {
	uri := engine.AccountURI(cfg)

	out, err := e.exec(cmdAccShow)
	if err != nil {
		return 0, err
	}

	id := -1
	for _, a := range parseAccounts(out) {
		if sameUser(a.URI, uri) {
			id = a.ID
			break
		}
	}
	if id < 0 {
		out, err := e.exec(formatCommand(cmdAccAdd, uri, engine.RegistrarURI(cfg)))
		if err != nil {
			return 0, err
		}
		if id, err = parseAccountID(out); err != nil {
			return 0, err
		}
	}

	acc := engine.AccountID(id)
	e.mu.Lock()
	e.accounts[acc] = &accountState{cfg: cfg, uri: uri, onIncoming: onIncoming}
	e.mu.Unlock()

	e.logger.Info("account ready", slog.Int("acc_id", id), slog.String("uri", uri))
	return acc, nil
}

// SetRegistration sends REGISTER or un-REGISTER for the account
func (e *Engine) SetRegistration(acc engine.AccountID, active bool) error {
	if err := e.knownAccount(acc); err != nil {
		return err
	}
	if err := e.selectAccount(acc); err != nil {
		return err
	}
	cmd := cmdAccUnreg
	if active {
		cmd = cmdAccReg
	}
	_, err := e.exec(cmd)
	return err
}

func (e *Engine) knownAccount(acc engine.AccountID) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.accounts[acc]; !ok {
		return fmt.Errorf("%w: %d", engine.ErrUnknownAccount, acc)
	}
	return nil
}

// AccountInfo reads the registration state from "acc show"
func (e *Engine) AccountInfo(acc engine.AccountID) (engine.AccountInfo, error) {
	if err := e.knownAccount(acc); err != nil {
		return engine.AccountInfo{}, err
	}
	out, err := e.exec(cmdAccShow)
	if err != nil {
		return engine.AccountInfo{}, err
	}
	for _, a := range parseAccounts(out) {
		if a.ID == int(acc) {
			return engine.AccountInfo{
				URI:        a.URI,
				RegStatus:  a.Status,
				RegExpires: a.Expires,
				RegActive:  a.State != accountOffline,
			}, nil
		}
	}
	return engine.AccountInfo{}, fmt.Errorf("%w: %d", engine.ErrUnknownAccount, acc)
}

// DeleteAccount removes the account from pjsua
func (e *Engine) DeleteAccount(acc engine.AccountID) error {
	if err := e.knownAccount(acc); err != nil {
		return err
	}
	if _, err := e.exec(formatCommand(cmdAccDel, int(acc))); err != nil {
		return err
	}
	e.mu.Lock()
	delete(e.accounts, acc)
	e.mu.Unlock()
	return nil
}

// MakeCall places a call from acc
func (e *Engine) MakeCall(acc engine.AccountID, uri string) (engine.CallID, error) {
	if err := e.knownAccount(acc); err != nil {
		return 0, err
	}
	if err := e.selectAccount(acc); err != nil {
		return 0, err
	}
	out, err := e.exec(formatCommand(cmdCallNew, uri))
	if err != nil {
		return 0, err
	}
	id, err := parseCallID(out)
	if err != nil {
		return 0, err
	}

	call := engine.CallID(id)
	e.mu.Lock()
	e.calls[call] = &callState{acc: acc, remote: uri, createdAt: time.Now()}
	e.mu.Unlock()
	return call, nil
}

func (e *Engine) knownCall(id engine.CallID) (*callState, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.calls[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", engine.ErrUnknownCall, id)
	}
	return c, nil
}

// Answer responds to an incoming call with code
func (e *Engine) Answer(id engine.CallID, code int) error {
	c, err := e.knownCall(id)
	if err != nil {
		return err
	}
	if _, err := e.exec(formatCommand(cmdAnswer, code, int(id))); err != nil {
		return err
	}
	e.mu.Lock()
	c.status = code
	e.mu.Unlock()
	return nil
}

// Hangup terminates a call
func (e *Engine) Hangup(id engine.CallID) error {
	if _, err := e.knownCall(id); err != nil {
		return err
	}
	_, err := e.exec(formatCommand(cmdHangup, int(id)))
	return err
}

// SendDTMF sends digits on a call
func (e *Engine) SendDTMF(id engine.CallID, digits string) error {
	if _, err := e.knownCall(id); err != nil {
		return err
	}
	_, err := e.exec(formatCommand(cmdDTMF, digits, int(id)))
	return err
}

// CallInfo reports the call as pjsua lists it
func (e *Engine) CallInfo(id engine.CallID) (engine.CallInfo, error) {
	c, err := e.knownCall(id)
	if err != nil {
		return engine.CallInfo{}, err
	}

	out, err := e.exec(cmdCallList)
	if err != nil {
		return engine.CallInfo{}, err
	}

	var entry *callEntry
	for _, ce := range parseCalls(out) {
		if ce.ID == int(id) {
			entry = &ce
			break
		}
	}

	now := time.Now()
	e.mu.Lock()
	if entry == nil && !c.ended {
		c.ended = true
		c.endedAt = now
	}
	if entry != nil && entry.State == engine.StateConfirmed && c.connected.IsZero() {
		c.connected = now
	}
	info := engine.CallInfo{
		Valid:      !c.ended,
		StateText:  engine.StateDisconnected,
		ConfSlot:   engine.InvalidSlot,
		RemoteURI:  c.remote,
		LastStatus: c.status,
	}
	end := now
	if c.ended {
		end = c.endedAt
	}
	info.Total = end.Sub(c.createdAt)
	if !c.connected.IsZero() {
		info.Connected = end.Sub(c.connected)
	}
	e.mu.Unlock()

	if entry == nil {
		return info, nil
	}
	info.StateText = entry.State
	info.MediaActive = entry.Media == mediaActive
	if info.MediaActive {
		info.ConfSlot = e.callSlot(entry.RemoteURI)
	}
	return info, nil
}

// callSlot finds the conference port pjsua named after the remote party
func (e *Engine) callSlot(remote string) engine.Slot {
	out, err := e.exec(cmdConfList)
	if err != nil {
		return engine.InvalidSlot
	}
	for _, p := range parseConfPorts(out) {
		if p.Name == remote || sameUser(p.Name, remote) {
			return engine.Slot(p.ID)
		}
	}
	return engine.InvalidSlot
}

// CreatePlayer returns the preloaded file player for path. pjsua file
// players always loop; loop=false plays until StopPlayback.
func (e *Engine) CreatePlayer(path string, loop bool) (engine.PlayerID, error) {
	out, err := e.exec(cmdConfList)
	if err != nil {
		return 0, err
	}
	base := filepath.Base(path)
	for _, p := range parseConfPorts(out) {
		if p.Name == path || filepath.Base(p.Name) == base {
			id := engine.PlayerID(p.ID)
			e.mu.Lock()
			ref, ok := e.players[id]
			if !ok {
				ref = &playerRef{slot: engine.Slot(p.ID)}
				e.players[id] = ref
			}
			ref.refs++
			e.mu.Unlock()
			return id, nil
		}
	}
	return 0, fmt.Errorf("%w: %s is not preloaded with --play-file", engine.ErrUnknownPlayer, path)
}

// PlayerSlot returns the conference port of a player
func (e *Engine) PlayerSlot(id engine.PlayerID) (engine.Slot, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ref, ok := e.players[id]
	if !ok {
		return engine.InvalidSlot, fmt.Errorf("%w: %d", engine.ErrUnknownPlayer, id)
	}
	return ref.slot, nil
}

// Connect makes src transmit to dst
func (e *Engine) Connect(src, dst engine.Slot) error {
	if src == engine.InvalidSlot || dst == engine.InvalidSlot {
		return fmt.Errorf("%w: %d -> %d", engine.ErrInvalidSlot, src, dst)
	}
	_, err := e.exec(formatCommand(cmdConfConn, int(src), int(dst)))
	return err
}

// Disconnect stops src transmitting to dst
func (e *Engine) Disconnect(src, dst engine.Slot) error {
	if src == engine.InvalidSlot || dst == engine.InvalidSlot {
		return fmt.Errorf("%w: %d -> %d", engine.ErrInvalidSlot, src, dst)
	}
	_, err := e.exec(formatCommand(cmdConfDisc, int(src), int(dst)))
	return err
}

// DestroyPlayer releases one reference to the player. The preloaded port
// stays in the bridge; the id is forgotten once no line holds it.
func (e *Engine) DestroyPlayer(id engine.PlayerID) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	ref, ok := e.players[id]
	if !ok {
		return fmt.Errorf("%w: %d", engine.ErrUnknownPlayer, id)
	}
	if ref.refs--; ref.refs <= 0 {
		delete(e.players, id)
	}
	return nil
}

func (e *Engine) monitor() {
	ticker := time.NewTicker(e.cfg.MonitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stop:
			return
		case <-ticker.C:
			e.pollIncoming()
		}
	}
}

// pollIncoming registers calls pjsua reports as incoming and dispatches them
// to the handler of the called account
func (e *Engine) pollIncoming() {
	out, err := e.exec(cmdCallList)
	if err != nil {
		e.logger.Debug("call list failed", slog.String("error", err.Error()))
		return
	}

	for _, entry := range parseCalls(out) {
		if !entry.Incoming || entry.State != engine.StateIncoming {
			continue
		}

		id := engine.CallID(entry.ID)
		e.mu.Lock()
		if _, known := e.calls[id]; known {
			e.mu.Unlock()
			continue
		}
		acc, handler := e.accountFor(entry.LocalURI)
		e.calls[id] = &callState{acc: acc, remote: entry.RemoteURI, inbound: true, createdAt: time.Now()}
		e.mu.Unlock()

		e.logger.Info("incoming call",
			slog.Int("call_id", entry.ID),
			slog.String("from", entry.RemoteURI),
			slog.String("to", entry.LocalURI))
		if handler != nil {
			go handler(id)
		}
	}
}

// accountFor picks the account matching the called URI, or the only
// account with a handler when pjsua does not print it. Called with mu held.
func (e *Engine) accountFor(local string) (engine.AccountID, engine.IncomingCallHandler) {
	var (
		fallback engine.AccountID
		handler  engine.IncomingCallHandler
		count    int
	)
	for id, a := range e.accounts {
		if local != "" && sameUser(a.uri, local) {
			return id, a.onIncoming
		}
		if a.onIncoming != nil {
			fallback, handler = id, a.onIncoming
			count++
		}
	}
	if local == "" && count == 1 {
		return fallback, handler
	}
	return 0, nil
}
