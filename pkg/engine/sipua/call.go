package sipua

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"

	"github.com/arzzra/rtap_phone/pkg/engine"
)

// call is one INVITE dialog. Fields are guarded by Engine.mu.
type call struct {
	id        engine.CallID
	acc       *account
	inbound   bool
	sipCallID string

	invite   *sip.Request
	serverTx sip.ServerTransaction
	// final is closed once an inbound INVITE got its final response
	final     chan struct{}
	finalOnce sync.Once
	abort     context.CancelFunc

	// dialog state for in-dialog requests
	localURI     sip.Uri
	localTag     string
	remoteURI    sip.Uri
	remoteTag    string
	remoteTarget sip.Uri
	destination  string
	cseq         uint32
	confirmed    bool

	state       string
	valid       bool
	lastStatus  int
	remote      string
	createdAt   time.Time
	connectedAt time.Time
	endedAt     time.Time

	offer  *mediaDesc
	stream *rtpStream
	media  bool
	slot   engine.Slot
}

func (c *call) closeFinal() {
	c.finalOnce.Do(func() { close(c.final) })
}

func (e *Engine) newCall(a *account, inbound bool, remote string) *call {
	e.nextCall++
	c := &call{
		id:        e.nextCall,
		acc:       a,
		inbound:   inbound,
		remote:    remote,
		valid:     true,
		createdAt: time.Now(),
		slot:      engine.InvalidSlot,
		localTag:  sip.RandString(8),
		final:     make(chan struct{}),
	}
	e.calls[c.id] = c
	return c
}

// openStream allocates the RTP socket of a call
func (e *Engine) openStream() (*rtpStream, error) {
	conn, err := listenRTP(e.cfg.ListenHost, e.cfg.RTPPortMin, e.cfg.RTPPortMax)
	if err != nil {
		return nil, err
	}
	if err := setQoS(conn, e.cfg.DSCP, e.cfg.SocketPriority); err != nil {
		e.logger.Debug("RTP QoS not applied", slog.String("error", err.Error()))
	}
	return newRTPStream(conn, e.logger), nil
}

func (e *Engine) localSDP(s *rtpStream) ([]byte, error) {
	return buildSDP(e.cfg.AdvertiseHost, s.localPort(), e.cfg.DTMFPayloadType, e.cfg.Ptime, e.cfg.UserAgent)
}

// MakeCall sends an INVITE from acc. Progress is reported through CallInfo.
func (e *Engine) MakeCall(accID engine.AccountID, uri string) (engine.CallID, error) {
	var target sip.Uri
	if err := sip.ParseUri(uri, &target); err != nil {
		return 0, fmt.Errorf("destination %q: %w", uri, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.started {
		return 0, engine.ErrNotStarted
	}
	a, ok := e.accounts[accID]
	if !ok {
		return 0, fmt.Errorf("%w: %d", engine.ErrUnknownAccount, accID)
	}

	stream, err := e.openStream()
	if err != nil {
		return 0, fmt.Errorf("open rtp: %w", err)
	}
	body, err := e.localSDP(stream)
	if err != nil {
		stream.close()
		return 0, fmt.Errorf("build offer: %w", err)
	}

	c := e.newCall(a, false, uri)
	c.stream = stream
	c.state = engine.StateCalling
	c.sipCallID = uuid.NewString()
	c.localURI = a.aor
	c.remoteURI = target
	c.remoteTarget = target
	c.cseq = 1
	c.invite = e.buildInvite(c, body)
	e.dialogs[dialogKey(c.sipCallID, c.localTag)] = c

	ctx, cancel := context.WithCancel(e.ctx)
	c.abort = cancel
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.runInvite(ctx, c)
	}()

	e.logger.Info("Outgoing call", slog.Int("call_id", int(c.id)), slog.String("to", uri))
	return c.id, nil
}

func (e *Engine) buildInvite(c *call, body []byte) *sip.Request {
	req := sip.NewRequest(sip.INVITE, c.remoteTarget)
	req.AppendHeader(&sip.FromHeader{Address: c.localURI, Params: sip.NewParams().Add("tag", c.localTag)})
	req.AppendHeader(&sip.ToHeader{Address: c.remoteURI})
	callID := sip.CallIDHeader(c.sipCallID)
	req.AppendHeader(&callID)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: c.cseq, MethodName: sip.INVITE})
	req.AppendHeader(e.contact(c.acc.cfg.Username))
	maxFwd := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxFwd)
	ct := sip.ContentTypeHeader("application/sdp")
	req.AppendHeader(&ct)
	req.SetBody(body)
	return req
}

// runInvite drives the client INVITE transaction until a final response
func (e *Engine) runInvite(ctx context.Context, c *call) {
	logger := e.logger.With(slog.Int("call_id", int(c.id)))

	e.mu.Lock()
	req := c.invite
	e.mu.Unlock()

	tx, err := e.client.TransactionRequest(ctx, req)
	if err != nil {
		logger.Warn("INVITE failed", slog.String("error", err.Error()))
		e.finish(c, 503)
		return
	}
	authed := false

	// handle returns true once the call got its final outcome
	handle := func(res *sip.Response) bool {
		code := int(res.StatusCode)
		switch {
		case code < 200:
			e.progress(c, code)
			return false

		case code < 300:
			e.answered(c, req, res)
			return true

		case needsAuth(res) && !authed && c.acc.cfg.Password != "":
			authed = true
			tx.Terminate()
			e.mu.Lock()
			c.cseq++
			seq := c.cseq
			e.mu.Unlock()

			authReq, err := authorizedRequest(req, res, c.acc.cfg, seq)
			if err == nil {
				tx, err = e.client.TransactionRequest(ctx, authReq, sipgo.ClientRequestAddVia)
			}
			if err != nil {
				logger.Warn("INVITE auth failed", slog.String("error", err.Error()))
				e.finish(c, code)
				return true
			}
			req = authReq
			e.mu.Lock()
			c.invite = authReq
			e.mu.Unlock()
			return false

		default:
			logger.Info("Call rejected", slog.Int("status", code))
			e.finish(c, code)
			return true
		}
	}

	for {
		select {
		case <-ctx.Done():
			tx.Terminate()
			return

		case res := <-tx.Responses():
			if res != nil && handle(res) {
				return
			}

		case <-tx.Done():
			// a final response may still be queued
			select {
			case res := <-tx.Responses():
				if res != nil && handle(res) {
					return
				}
				continue
			default:
			}
			logger.Warn("INVITE transaction ended without final response")
			e.finish(c, 408)
			return
		}
	}
}

func (e *Engine) progress(c *call, code int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !c.valid {
		return
	}
	c.lastStatus = code
	if code > 100 {
		c.state = engine.StateEarly
	}
}

// answered confirms an outgoing call: ACK, then media
func (e *Engine) answered(c *call, invite *sip.Request, res *sip.Response) {
	e.mu.Lock()
	c.lastStatus = int(res.StatusCode)
	if to := res.To(); to != nil && to.Params != nil {
		c.remoteTag, _ = to.Params.Get("tag")
	}
	if contact := res.Contact(); contact != nil {
		c.remoteTarget = contact.Address
	}
	c.destination = res.Source()
	c.cseq = invite.CSeq().SeqNo
	c.confirmed = true
	hungUp := !c.valid
	e.mu.Unlock()

	if err := e.sendACK(invite, res); err != nil {
		e.logger.Warn("ACK failed", slog.Int("call_id", int(c.id)), slog.String("error", err.Error()))
	}

	if hungUp {
		// hung up while the INVITE was pending
		e.sendBye(c)
		return
	}

	var offer *mediaDesc
	if body := res.Body(); len(body) > 0 {
		if m, err := parseSDP(body); err == nil {
			offer = &m
		} else {
			e.logger.Warn("Bad SDP answer", slog.Int("call_id", int(c.id)), slog.String("error", err.Error()))
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if !c.valid {
		return
	}
	c.state = engine.StateConfirmed
	c.connectedAt = time.Now()
	c.offer = offer
	e.startMedia(c)
	e.logger.Info("Call confirmed", slog.Int("call_id", int(c.id)))
}

// startMedia links the call stream to the remote endpoint and the bridge.
// Caller holds e.mu.
func (e *Engine) startMedia(c *call) {
	if c.stream == nil || c.offer == nil || c.media {
		return
	}
	addr, err := c.offer.Addr()
	if err != nil {
		e.logger.Warn("Remote RTP address", slog.Int("call_id", int(c.id)), slog.String("error", err.Error()))
		return
	}
	c.stream.start(addr, c.offer.DTMFPayload)
	c.slot = e.bridge.add(c.stream)
	c.media = true
}

func (e *Engine) sendACK(invite *sip.Request, res *sip.Response) error {
	target := invite.Recipient
	if contact := res.Contact(); contact != nil {
		target = contact.Address
	}
	ack := sip.NewRequest(sip.ACK, target)
	sip.CopyHeaders("From", invite, ack)
	sip.CopyHeaders("Call-ID", invite, ack)
	if to := res.To(); to != nil {
		ack.AppendHeader(sip.HeaderClone(to))
	}
	ack.AppendHeader(&sip.CSeqHeader{SeqNo: invite.CSeq().SeqNo, MethodName: sip.ACK})
	maxFwd := sip.MaxForwardsHeader(70)
	ack.AppendHeader(&maxFwd)
	if src := res.Source(); src != "" {
		ack.SetDestination(src)
	}
	return e.client.WriteRequest(ack, sipgo.ClientRequestAddVia)
}

// inDialog builds a request inside the confirmed dialog of c. Caller holds
// e.mu.
func (e *Engine) inDialog(c *call, method sip.RequestMethod) *sip.Request {
	c.cseq++
	req := sip.NewRequest(method, c.remoteTarget)
	req.AppendHeader(&sip.FromHeader{Address: c.localURI, Params: sip.NewParams().Add("tag", c.localTag)})
	to := &sip.ToHeader{Address: c.remoteURI, Params: sip.NewParams()}
	if c.remoteTag != "" {
		to.Params = to.Params.Add("tag", c.remoteTag)
	}
	req.AppendHeader(to)
	callID := sip.CallIDHeader(c.sipCallID)
	req.AppendHeader(&callID)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: c.cseq, MethodName: method})
	maxFwd := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxFwd)
	if c.destination != "" {
		req.SetDestination(c.destination)
	}
	return req
}

func (e *Engine) sendBye(c *call) {
	e.mu.Lock()
	req := e.inDialog(c, sip.BYE)
	e.mu.Unlock()

	res, err := e.request(e.ctx, req)
	if err != nil {
		e.logger.Warn("BYE failed", slog.Int("call_id", int(c.id)), slog.String("error", err.Error()))
		return
	}
	e.logger.Debug("BYE answered", slog.Int("call_id", int(c.id)), slog.Int("status", int(res.StatusCode)))
}

func (e *Engine) sendCancel(c *call) {
	e.mu.Lock()
	invite := c.invite
	e.mu.Unlock()

	req := sip.NewRequest(sip.CANCEL, invite.Recipient)
	sip.CopyHeaders("Via", invite, req)
	sip.CopyHeaders("From", invite, req)
	sip.CopyHeaders("To", invite, req)
	sip.CopyHeaders("Call-ID", invite, req)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: invite.CSeq().SeqNo, MethodName: sip.CANCEL})
	maxFwd := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxFwd)

	if _, err := e.request(e.ctx, req); err != nil {
		e.logger.Debug("CANCEL failed", slog.Int("call_id", int(c.id)), slog.String("error", err.Error()))
	}
}

// finish ends a call from a network event
func (e *Engine) finish(c *call, code int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.endCall(c, code)
}

// endCall releases the call. Caller holds e.mu.
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
	c.endedAt = time.Now()
	if c.abort != nil {
		c.abort()
	}
	c.closeFinal()
	if c.slot != engine.InvalidSlot {
		e.bridge.remove(c.slot)
		c.slot = engine.InvalidSlot
	}
	if c.stream != nil {
		c.stream.close()
	}
	delete(e.dialogs, dialogKey(c.sipCallID, c.localTag))
	e.logger.Info("Call ended", slog.Int("call_id", int(c.id)), slog.Int("status", c.lastStatus))
}

// Answer sends a response to an incoming call. 2xx connects media, 3xx and
// above rejects the call.
func (e *Engine) Answer(id engine.CallID, code int) error {
	e.mu.Lock()
	c, err := e.activeCall(id)
	if err != nil {
		e.mu.Unlock()
		return err
	}
	if !c.inbound {
		e.mu.Unlock()
		return fmt.Errorf("%w: call %d is outgoing", engine.ErrCallNotActive, id)
	}
	select {
	case <-c.final:
		e.mu.Unlock()
		return fmt.Errorf("%w: call %d already answered", engine.ErrCallNotActive, id)
	default:
	}

	var body []byte
	if code >= 200 && code < 300 {
		if c.stream == nil {
			stream, err := e.openStream()
			if err != nil {
				e.mu.Unlock()
				return fmt.Errorf("open rtp: %w", err)
			}
			c.stream = stream
		}
		if body, err = e.localSDP(c.stream); err != nil {
			e.mu.Unlock()
			return fmt.Errorf("build answer: %w", err)
		}
	}
	invite, tx, tag := c.invite, c.serverTx, c.localTag
	contact := e.contact(c.acc.cfg.Username)
	e.mu.Unlock()

	if err := respond(tx, invite, code, tag, contact, body); err != nil {
		return fmt.Errorf("respond %d: %w", code, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	c.lastStatus = code
	switch {
	case code >= 300:
		e.endCall(c, code)
	case code >= 200:
		c.state = engine.StateConfirmed
		c.confirmed = true
		c.connectedAt = time.Now()
		c.closeFinal()
		e.startMedia(c)
	default:
		c.state = engine.StateEarly
	}
	e.logger.Info("Incoming call answered", slog.Int("call_id", int(id)), slog.Int("status", code))
	return nil
}

// Hangup ends the call: BYE when confirmed, CANCEL while an outgoing call is
// pending, 603 for an unanswered incoming call
func (e *Engine) Hangup(id engine.CallID) error {
	e.mu.Lock()
	c, err := e.activeCall(id)
	if err != nil {
		e.mu.Unlock()
		return err
	}
	confirmed, inbound := c.confirmed, c.inbound
	invite, tx, tag := c.invite, c.serverTx, c.localTag
	if c.abort != nil && !confirmed {
		c.abort()
	}
	e.mu.Unlock()

	switch {
	case confirmed:
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.sendBye(c)
		}()
	case inbound:
		if err := respond(tx, invite, engine.StatusDecline, tag, nil, nil); err != nil {
			e.logger.Debug("Decline failed", slog.Int("call_id", int(id)), slog.String("error", err.Error()))
		}
	default:
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.sendCancel(c)
		}()
	}

	e.finish(c, 0)
	return nil
}

// activeCall returns a valid call. Caller holds e.mu.
func (e *Engine) activeCall(id engine.CallID) (*call, error) {
	c, ok := e.calls[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", engine.ErrUnknownCall, id)
	}
	if !c.valid {
		return nil, fmt.Errorf("%w: %d", engine.ErrCallNotActive, id)
	}
	return c, nil
}

// CallInfo returns a snapshot of the call
func (e *Engine) CallInfo(id engine.CallID) (engine.CallInfo, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	c, ok := e.calls[id]
	if !ok {
		return engine.CallInfo{}, fmt.Errorf("%w: %d", engine.ErrUnknownCall, id)
	}

	info := engine.CallInfo{
		Valid:       c.valid,
		StateText:   c.state,
		MediaActive: c.media,
		ConfSlot:    c.slot,
		RemoteURI:   c.remote,
		LastStatus:  c.lastStatus,
	}
	end := time.Now()
	if !c.valid {
		end = c.endedAt
	}
	info.Total = end.Sub(c.createdAt)
	if !c.connectedAt.IsZero() {
		info.Connected = end.Sub(c.connectedAt)
	}
	return info, nil
}

// SendDTMF sends digits as RFC 4733 events and returns when the last one is
// on the wire
func (e *Engine) SendDTMF(id engine.CallID, digits string) error {
	e.mu.Lock()
	c, err := e.activeCall(id)
	if err != nil {
		e.mu.Unlock()
		return err
	}
	if !c.media {
		e.mu.Unlock()
		return fmt.Errorf("%w: call %d has no media", engine.ErrCallNotActive, id)
	}
	stream := c.stream
	e.mu.Unlock()

	return stream.sendDTMF(digits, e.cfg.DTMFDuration, e.cfg.DTMFGap, e.cfg.Ptime)
}

// onInvite handles a new incoming INVITE. sipgo terminates the transaction
// when the handler returns, so it blocks until the call gets a final
// response.
func (e *Engine) onInvite(req *sip.Request, tx sip.ServerTransaction) {
	callID := ""
	if h := req.CallID(); h != nil {
		callID = string(*h)
	}

	e.mu.Lock()
	if tag := toTag(req); tag != "" {
		existing, ok := e.dialogs[dialogKey(callID, tag)]
		e.mu.Unlock()
		if !ok {
			_ = respond(tx, req, 481, "", nil, nil)
			return
		}
		e.reInvite(existing, req, tx)
		return
	}
	a := e.accountFor(req.Recipient.User)
	if a == nil || !e.started {
		e.mu.Unlock()
		_ = respond(tx, req, 404, sip.RandString(8), nil, nil)
		return
	}

	c := e.newCall(a, true, req.From().Address.String())
	c.state = engine.StateIncoming
	c.sipCallID = callID
	c.invite = req
	c.serverTx = tx
	c.localURI = req.To().Address
	c.remoteURI = req.From().Address
	if tag, ok := req.From().Params.Get("tag"); ok {
		c.remoteTag = tag
	}
	c.remoteTarget = req.From().Address
	if contact := req.Contact(); contact != nil {
		c.remoteTarget = contact.Address
	}
	c.destination = req.Source()
	if body := req.Body(); len(body) > 0 {
		if m, err := parseSDP(body); err == nil {
			c.offer = &m
		}
	}
	e.dialogs[dialogKey(callID, c.localTag)] = c
	handler := a.onIncoming
	final := c.final
	tag := c.localTag
	e.mu.Unlock()

	e.logger.Info("Incoming call", slog.Int("call_id", int(c.id)), slog.String("from", c.remote))

	if c.offer == nil {
		_ = respond(tx, req, 488, tag, nil, nil)
		e.finish(c, 488)
		return
	}
	if err := respond(tx, req, 180, tag, e.contact(a.cfg.Username), nil); err != nil {
		e.logger.Warn("Ringing failed", slog.Int("call_id", int(c.id)), slog.String("error", err.Error()))
	}
	e.progress(c, 180)

	if handler != nil {
		go handler(c.id)
	}

	select {
	case <-final:
	case <-tx.Done():
		// CANCEL or transaction timeout before the answer
		e.finish(c, 487)
	case <-e.ctx.Done():
	}
}

// reInvite answers a re-INVITE of a confirmed call with the current session
func (e *Engine) reInvite(c *call, req *sip.Request, tx sip.ServerTransaction) {
	e.mu.Lock()
	if !c.confirmed || c.stream == nil {
		e.mu.Unlock()
		_ = respond(tx, req, 491, "", nil, nil)
		return
	}
	body, err := e.localSDP(c.stream)
	tag := c.localTag
	contact := e.contact(c.acc.cfg.Username)
	e.mu.Unlock()
	if err != nil {
		_ = respond(tx, req, 500, tag, nil, nil)
		return
	}
	_ = respond(tx, req, 200, tag, contact, body)
}

// accountFor finds the account an incoming request is addressed to. With a
// single account every call goes to it. Caller holds e.mu.
func (e *Engine) accountFor(user string) *account {
	var only *account
	for _, a := range e.accounts {
		if strings.EqualFold(a.cfg.Username, user) {
			return a
		}
		only = a
	}
	if len(e.accounts) == 1 {
		return only
	}
	return nil
}

func (e *Engine) onAck(req *sip.Request, _ sip.ServerTransaction) {
	e.logger.Debug("ACK received", slog.String("call_id", callIDOf(req)))
}

// onBye ends a call hung up by the remote party
func (e *Engine) onBye(req *sip.Request, tx sip.ServerTransaction) {
	e.mu.Lock()
	c, ok := e.dialogs[dialogKey(callIDOf(req), toTag(req))]
	if !ok {
		e.mu.Unlock()
		_ = tx.Respond(sip.NewResponseFromRequest(req, 481, reasonPhrase(481), nil))
		return
	}
	e.endCall(c, 0)
	e.mu.Unlock()

	if err := tx.Respond(sip.NewResponseFromRequest(req, 200, "OK", nil)); err != nil {
		e.logger.Debug("BYE response failed", slog.String("error", err.Error()))
	}
}

// onCancel ends an incoming call that was not answered yet
func (e *Engine) onCancel(req *sip.Request, tx sip.ServerTransaction) {
	_ = tx.Respond(sip.NewResponseFromRequest(req, 200, "OK", nil))

	e.mu.Lock()
	var c *call
	for _, d := range e.dialogs {
		if d.inbound && !d.confirmed && d.sipCallID == callIDOf(req) {
			c = d
			break
		}
	}
	if c == nil {
		e.mu.Unlock()
		return
	}
	invite, stx, tag := c.invite, c.serverTx, c.localTag
	e.endCall(c, 487)
	e.mu.Unlock()

	_ = respond(stx, invite, 487, tag, nil, nil)
}

func callIDOf(req *sip.Request) string {
	if h := req.CallID(); h != nil {
		return string(*h)
	}
	return ""
}

// dialogKey identifies a dialog by Call-ID and local tag, so both legs of a
// call between two accounts of one engine are told apart
func dialogKey(callID, localTag string) string {
	return callID + "|" + localTag
}

func toTag(req *sip.Request) string {
	if to := req.To(); to != nil && to.Params != nil {
		tag, _ := to.Params.Get("tag")
		return tag
	}
	return ""
}

var _ engine.Engine = (*Engine)(nil)
