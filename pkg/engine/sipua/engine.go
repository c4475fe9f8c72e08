// Package sipua is a native engine.Engine built on sipgo.
//
// One SIP listener (UDP or TCP) serves every account of the process. An
// answered call gets its own RTP socket carrying PCMU, with RFC 4733 events
// for DTMF. Calls and WAV players are ports of a conference bridge that
// mixes 20 ms frames, so Connect(player, call) streams the file to the
// remote party.
package sipua

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"

	"github.com/arzzra/rtap_phone/pkg/engine"
)

// Config of the native engine
type Config struct {
	// ListenHost and ListenPort of the SIP listener. Port 0 picks a free port.
	ListenHost string
	ListenPort int
	// Transport is udp or tcp
	Transport string
	// AdvertiseHost goes into Contact and SDP, defaults to ListenHost
	AdvertiseHost string
	UserAgent     string

	RegisterExpiry time.Duration
	RegisterRetry  time.Duration
	RequestTimeout time.Duration

	// RTP port range, zero lets the kernel choose
	RTPPortMin int
	RTPPortMax int
	// DSCP and SocketPriority mark RTP sockets on linux
	DSCP           int
	SocketPriority int

	Ptime           time.Duration
	DTMFPayloadType uint8
	DTMFDuration    time.Duration
	DTMFGap         time.Duration

	// Debug dumps every SIP message through sipgo
	Debug  bool
	Logger *slog.Logger
}

// DefaultConfig returns the settings used by the CLI
func DefaultConfig() Config {
	return Config{
		ListenHost:      "127.0.0.1",
		ListenPort:      5060,
		Transport:       "udp",
		UserAgent:       "rtap_phone/1.0",
		RegisterExpiry:  300 * time.Second,
		RegisterRetry:   10 * time.Second,
		RequestTimeout:  5 * time.Second,
		DSCP:            46,
		SocketPriority:  6,
		Ptime:           20 * time.Millisecond,
		DTMFPayloadType: 101,
		DTMFDuration:    100 * time.Millisecond,
		DTMFGap:         50 * time.Millisecond,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ListenHost == "" {
		c.ListenHost = d.ListenHost
	}
	if c.Transport == "" {
		c.Transport = d.Transport
	}
	c.Transport = strings.ToLower(c.Transport)
	if c.AdvertiseHost == "" {
		c.AdvertiseHost = c.ListenHost
	}
	if c.UserAgent == "" {
		c.UserAgent = d.UserAgent
	}
	if c.RegisterExpiry <= 0 {
		c.RegisterExpiry = d.RegisterExpiry
	}
	if c.RegisterRetry <= 0 {
		c.RegisterRetry = d.RegisterRetry
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = d.RequestTimeout
	}
	if c.Ptime <= 0 {
		c.Ptime = d.Ptime
	}
	if c.DTMFPayloadType == 0 {
		c.DTMFPayloadType = d.DTMFPayloadType
	}
	if c.DTMFDuration <= 0 {
		c.DTMFDuration = d.DTMFDuration
	}
	if c.DTMFGap <= 0 {
		c.DTMFGap = d.DTMFGap
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Engine is a sipgo user agent serving every line of the process
type Engine struct {
	cfg    Config
	logger *slog.Logger

	ua     *sipgo.UserAgent
	client *sipgo.Client
	server *sipgo.Server
	bridge *bridge

	udp  net.PacketConn
	tcp  net.Listener
	port int

	mu          sync.Mutex
	started     bool
	threads     map[string]int
	accounts    map[engine.AccountID]*account
	calls       map[engine.CallID]*call
	dialogs     map[string]*call
	players     map[engine.PlayerID]*player
	nextAccount engine.AccountID
	nextCall    engine.CallID
	nextPlayer  engine.PlayerID

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an engine, Start opens the listener
func New(cfg Config) *Engine {
	cfg = cfg.withDefaults()
	return &Engine{
		cfg:      cfg,
		logger:   cfg.Logger.With(slog.String("component", "sipua")),
		threads:  make(map[string]int),
		accounts: make(map[engine.AccountID]*account),
		calls:    make(map[engine.CallID]*call),
		dialogs:  make(map[string]*call),
		players:  make(map[engine.PlayerID]*player),
	}
}

// Addr returns the address of the SIP listener
func (e *Engine) Addr() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return net.JoinHostPort(e.cfg.AdvertiseHost, strconv.Itoa(e.port))
}

// Start creates the user agent and begins serving SIP requests
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return nil
	}

	sip.SIPDebug = e.cfg.Debug

	ua, err := sipgo.NewUA(
		sipgo.WithUserAgent(e.cfg.UserAgent),
		sipgo.WithUserAgentHostname(e.cfg.AdvertiseHost),
	)
	if err != nil {
		return fmt.Errorf("create user agent: %w", err)
	}
	srv, err := sipgo.NewServer(ua)
	if err != nil {
		_ = ua.Close()
		return fmt.Errorf("create server: %w", err)
	}
	cli, err := sipgo.NewClient(ua, sipgo.WithClientHostname(e.cfg.AdvertiseHost))
	if err != nil {
		_ = ua.Close()
		return fmt.Errorf("create client: %w", err)
	}

	srv.OnInvite(e.onInvite)
	srv.OnAck(e.onAck)
	srv.OnBye(e.onBye)
	srv.OnCancel(e.onCancel)
	srv.OnOptions(e.onOptions)

	addr := net.JoinHostPort(e.cfg.ListenHost, strconv.Itoa(e.cfg.ListenPort))
	e.ctx, e.cancel = context.WithCancel(context.WithoutCancel(ctx))

	switch e.cfg.Transport {
	case "udp":
		conn, err := net.ListenPacket("udp4", addr)
		if err != nil {
			_ = ua.Close()
			return fmt.Errorf("listen %s: %w", addr, err)
		}
		e.udp = conn
		e.port = conn.LocalAddr().(*net.UDPAddr).Port
		e.serve(func() error { return srv.ServeUDP(conn) })
	case "tcp":
		ln, err := net.Listen("tcp4", addr)
		if err != nil {
			_ = ua.Close()
			return fmt.Errorf("listen %s: %w", addr, err)
		}
		e.tcp = ln
		e.port = ln.Addr().(*net.TCPAddr).Port
		e.serve(func() error { return srv.ServeTCP(ln) })
	default:
		_ = ua.Close()
		return fmt.Errorf("unsupported transport %q", e.cfg.Transport)
	}

	e.ua, e.server, e.client = ua, srv, cli
	e.bridge = newBridge(e.cfg.Ptime)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.bridge.run(e.ctx)
	}()

	e.started = true
	e.logger.Info("SIP engine started",
		slog.String("transport", e.cfg.Transport),
		slog.String("addr", net.JoinHostPort(e.cfg.AdvertiseHost, strconv.Itoa(e.port))))
	return nil
}

func (e *Engine) serve(fn func() error) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := fn(); err != nil && e.ctx.Err() == nil && !errors.Is(err, net.ErrClosed) {
			e.logger.Error("SIP listener stopped", slog.String("error", err.Error()))
		}
	}()
}

// Stop hangs up calls, removes registrations and closes the listener
func (e *Engine) Stop() error {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return nil
	}
	var calls []engine.CallID
	for id, c := range e.calls {
		if c.valid {
			calls = append(calls, id)
		}
	}
	var accs []*account
	for _, a := range e.accounts {
		a.stopRefresh()
		if a.registered() {
			accs = append(accs, a)
		}
	}
	e.mu.Unlock()

	for _, id := range calls {
		if err := e.Hangup(id); err != nil {
			e.logger.Debug("Hangup on stop", slog.Int("call_id", int(id)), slog.String("error", err.Error()))
		}
	}
	for _, a := range accs {
		e.sendUnregister(e.ctx, a)
	}

	e.mu.Lock()
	e.started = false
	e.cancel()
	if e.udp != nil {
		_ = e.udp.Close()
	}
	if e.tcp != nil {
		_ = e.tcp.Close()
	}
	for _, c := range e.calls {
		if c.stream != nil {
			c.stream.close()
		}
	}
	e.mu.Unlock()

	err := e.ua.Close()
	e.wg.Wait()
	e.logger.Info("SIP engine stopped")
	return err
}

// RegisterThread records a worker. sipgo has no thread registry, the count
// is kept for diagnostics.
func (e *Engine) RegisterThread(name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.started {
		return engine.ErrNotStarted
	}
	e.threads[name]++
	return nil
}

// contact is the Contact header for a local user
func (e *Engine) contact(user string) *sip.ContactHeader {
	return &sip.ContactHeader{
		Address: sip.Uri{
			Scheme: "sip",
			User:   user,
			Host:   e.cfg.AdvertiseHost,
			Port:   e.port,
		},
	}
}

// request sends req and waits for its final response
func (e *Engine) request(ctx context.Context, req *sip.Request, opts ...sipgo.ClientRequestOption) (*sip.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.RequestTimeout)
	defer cancel()

	tx, err := e.client.TransactionRequest(ctx, req, opts...)
	if err != nil {
		return nil, fmt.Errorf("send %s: %w", req.Method, err)
	}
	defer tx.Terminate()

	for {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%s: %w", req.Method, ctx.Err())
		case <-tx.Done():
			if err := tx.Err(); err != nil {
				return nil, fmt.Errorf("%s transaction: %w", req.Method, err)
			}
			return nil, fmt.Errorf("%s: transaction ended without final response", req.Method)
		case res := <-tx.Responses():
			if res == nil || res.StatusCode < 200 {
				continue
			}
			return res, nil
		}
	}
}

// respond answers a server transaction, adding our To tag
func respond(tx sip.ServerTransaction, req *sip.Request, code int, tag string, contact *sip.ContactHeader, body []byte) error {
	res := sip.NewResponseFromRequest(req, code, reasonPhrase(code), body)
	if to := res.To(); to != nil && tag != "" && code > 100 {
		if to.Params == nil {
			to.Params = sip.NewParams()
		}
		if _, ok := to.Params.Get("tag"); !ok {
			to.Params = to.Params.Add("tag", tag)
		}
	}
	if contact != nil {
		res.AppendHeader(contact)
	}
	if len(body) > 0 {
		ct := sip.ContentTypeHeader("application/sdp")
		res.AppendHeader(&ct)
	}
	return tx.Respond(res)
}

func reasonPhrase(code int) string {
	switch code {
	case 100:
		return "Trying"
	case 180:
		return "Ringing"
	case 183:
		return "Session Progress"
	case 200:
		return "OK"
	case 404:
		return "Not Found"
	case 481:
		return "Call/Transaction Does Not Exist"
	case 486:
		return "Busy Here"
	case 487:
		return "Request Terminated"
	case 488:
		return "Not Acceptable Here"
	case 603:
		return "Decline"
	}
	return ""
}

func (e *Engine) onOptions(req *sip.Request, tx sip.ServerTransaction) {
	if err := tx.Respond(sip.NewResponseFromRequest(req, 200, "OK", nil)); err != nil {
		e.logger.Debug("OPTIONS response failed", slog.String("error", err.Error()))
	}
}
