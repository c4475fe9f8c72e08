package sipua

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
	"github.com/icholy/digest"

	"github.com/arzzra/rtap_phone/pkg/engine"
)

// account is a line's registration binding. Fields are guarded by Engine.mu.
type account struct {
	id         engine.AccountID
	cfg        engine.AccountConfig
	aor        sip.Uri
	registrar  sip.Uri
	callID     string
	tag        string
	cseq       uint32
	onIncoming engine.IncomingCallHandler

	status  int
	expires int
	active  bool
	cancel  context.CancelFunc
}

func (a *account) nextCSeq() uint32 {
	a.cseq++
	return a.cseq
}

func (a *account) registered() bool {
	return a.status == engine.RegStatusOK && a.expires > 0
}

func (a *account) stopRefresh() {
	if a.cancel != nil {
		a.cancel()
		a.cancel = nil
	}
}

func (a *account) info() engine.AccountInfo {
	return engine.AccountInfo{
		URI:        a.aor.String(),
		RegStatus:  a.status,
		RegExpires: a.expires,
		RegActive:  a.active,
	}
}

// CreateAccount adds an account and starts registering it in the background
func (e *Engine) CreateAccount(cfg engine.AccountConfig, onIncoming engine.IncomingCallHandler) (engine.AccountID, error) {
	var aor, registrar sip.Uri
	if err := sip.ParseUri(engine.AccountURI(cfg), &aor); err != nil {
		return 0, fmt.Errorf("account uri: %w", err)
	}
	if err := sip.ParseUri(engine.RegistrarURI(cfg), &registrar); err != nil {
		return 0, fmt.Errorf("registrar uri: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.started {
		return 0, engine.ErrNotStarted
	}

	e.nextAccount++
	a := &account{
		id:         e.nextAccount,
		cfg:        cfg,
		aor:        aor,
		registrar:  registrar,
		callID:     uuid.NewString(),
		tag:        sip.RandString(8),
		onIncoming: onIncoming,
	}
	e.accounts[a.id] = a
	e.startRefresh(a)

	e.logger.Info("Account created", slog.Int("account", int(a.id)), slog.String("aor", aor.String()))
	return a.id, nil
}

// SetRegistration refreshes (true) or removes (false) the registration
func (e *Engine) SetRegistration(id engine.AccountID, active bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	a, ok := e.accounts[id]
	if !ok {
		return fmt.Errorf("%w: %d", engine.ErrUnknownAccount, id)
	}
	a.stopRefresh()
	if active {
		a.status = 0
		e.startRefresh(a)
		return nil
	}

	a.active = false
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.sendUnregister(e.ctx, a)
	}()
	return nil
}

// AccountInfo returns the last registration result
func (e *Engine) AccountInfo(id engine.AccountID) (engine.AccountInfo, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	a, ok := e.accounts[id]
	if !ok {
		return engine.AccountInfo{}, fmt.Errorf("%w: %d", engine.ErrUnknownAccount, id)
	}
	return a.info(), nil
}

// DeleteAccount forgets the account. A live registration is removed in the
// background.
func (e *Engine) DeleteAccount(id engine.AccountID) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	a, ok := e.accounts[id]
	if !ok {
		return fmt.Errorf("%w: %d", engine.ErrUnknownAccount, id)
	}
	a.stopRefresh()
	delete(e.accounts, id)

	if a.registered() && e.started {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.sendUnregister(e.ctx, a)
		}()
	}
	return nil
}

// startRefresh runs the register loop of a. Caller holds e.mu.
func (e *Engine) startRefresh(a *account) {
	ctx, cancel := context.WithCancel(e.ctx)
	a.cancel = cancel
	a.active = true

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		for {
			wait := e.register(ctx, a)
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
		}
	}()
}

// register sends one REGISTER and returns the delay before the next one
func (e *Engine) register(ctx context.Context, a *account) time.Duration {
	logger := e.logger.With(slog.Int("account", int(a.id)))

	res, err := e.sendRegister(ctx, a, e.cfg.RegisterExpiry)
	if ctx.Err() != nil {
		return 0
	}
	if err != nil {
		logger.Warn("REGISTER failed", slog.String("error", err.Error()))
		return e.cfg.RegisterRetry
	}

	code := int(res.StatusCode)
	expires := 0
	if code >= 200 && code < 300 {
		expires = grantedExpires(res, e.cfg.RegisterExpiry)
	}

	e.mu.Lock()
	a.status = code
	a.expires = expires
	e.mu.Unlock()

	if expires <= 0 {
		logger.Warn("Registration rejected", slog.Int("status", code))
		return e.cfg.RegisterRetry
	}
	logger.Debug("Registered", slog.Int("expires", expires))
	return time.Duration(expires) * time.Second / 2
}

// sendUnregister removes the binding with Expires: 0
func (e *Engine) sendUnregister(ctx context.Context, a *account) {
	res, err := e.sendRegister(ctx, a, 0)
	if err != nil {
		e.logger.Warn("Unregister failed", slog.Int("account", int(a.id)), slog.String("error", err.Error()))
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	a.status = int(res.StatusCode)
	if a.status >= 200 && a.status < 300 {
		a.expires = engine.RegExpiresDeregistered
	}
}

func (e *Engine) sendRegister(ctx context.Context, a *account, expiry time.Duration) (*sip.Response, error) {
	e.mu.Lock()
	seq := a.nextCSeq()
	e.mu.Unlock()

	secs := int(expiry / time.Second)
	req := sip.NewRequest(sip.REGISTER, a.registrar)
	req.AppendHeader(&sip.FromHeader{Address: a.aor, Params: sip.NewParams().Add("tag", a.tag)})
	req.AppendHeader(&sip.ToHeader{Address: a.aor})
	callID := sip.CallIDHeader(a.callID)
	req.AppendHeader(&callID)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: seq, MethodName: sip.REGISTER})
	req.AppendHeader(e.contact(a.cfg.Username))
	req.AppendHeader(sip.NewHeader("Expires", strconv.Itoa(secs)))
	maxFwd := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxFwd)

	res, err := e.request(ctx, req)
	if err != nil {
		return nil, err
	}
	if needsAuth(res) && a.cfg.Password != "" {
		e.mu.Lock()
		seq = a.nextCSeq()
		e.mu.Unlock()
		return e.authorize(ctx, req, res, a.cfg, seq)
	}
	return res, nil
}

func needsAuth(res *sip.Response) bool {
	return res.StatusCode == 401 || res.StatusCode == 407
}

// authorize answers a digest challenge by resending req with credentials
func (e *Engine) authorize(ctx context.Context, req *sip.Request, res *sip.Response, cfg engine.AccountConfig, seq uint32) (*sip.Response, error) {
	authReq, err := authorizedRequest(req, res, cfg, seq)
	if err != nil {
		return nil, err
	}
	return e.request(ctx, authReq, sipgo.ClientRequestAddVia)
}

// authorizedRequest clones req with an Authorization header for the
// challenge in res
func authorizedRequest(req *sip.Request, res *sip.Response, cfg engine.AccountConfig, seq uint32) (*sip.Request, error) {
	challengeHeader, authHeader := "WWW-Authenticate", "Authorization"
	if res.StatusCode == 407 {
		challengeHeader, authHeader = "Proxy-Authenticate", "Proxy-Authorization"
	}
	h := res.GetHeader(challengeHeader)
	if h == nil {
		return nil, fmt.Errorf("%d without %s", res.StatusCode, challengeHeader)
	}
	chal, err := digest.ParseChallenge(h.Value())
	if err != nil {
		return nil, fmt.Errorf("parse challenge: %w", err)
	}
	cred, err := digest.Digest(chal, digest.Options{
		Method:   req.Method.String(),
		URI:      req.Recipient.String(),
		Username: cfg.Username,
		Password: cfg.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("digest: %w", err)
	}

	authReq := req.Clone()
	authReq.RemoveHeader("Via")
	if cseq := authReq.CSeq(); cseq != nil {
		cseq.SeqNo = seq
	}
	authReq.AppendHeader(sip.NewHeader(authHeader, cred.String()))
	return authReq, nil
}

// grantedExpires reads the registration lifetime from the Contact expires
// parameter or the Expires header
func grantedExpires(res *sip.Response, requested time.Duration) int {
	if c := res.Contact(); c != nil && c.Params != nil {
		if v, ok := c.Params.Get("expires"); ok {
			if n, err := strconv.Atoi(v); err == nil {
				return n
			}
		}
	}
	if h := res.GetHeader("Expires"); h != nil {
		if n, err := strconv.Atoi(h.Value()); err == nil {
			return n
		}
	}
	return int(requested / time.Second)
}
