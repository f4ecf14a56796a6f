// Package sipengine implements the call engine over plain SIP/RTP:
// sipgo for signaling, one UDP socket per call for media, G.711 µ-law
// audio both ways. Inbound dialogs ride sipgo's server dialog
// sessions; outbound dialogs are driven request by request.
package sipengine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"

	"github.com/CHA0S-CORP/general-disarray/internal/agent/engine"
	"github.com/CHA0S-CORP/general-disarray/internal/agent/media"
)

// ErrNoCall is returned for operations on call IDs the engine does not
// know.
var ErrNoCall = errors.New("no such call")

const (
	// eventQueueCapacity bounds undelivered events; overflow is dropped
	// with a warning rather than blocking signaling goroutines.
	eventQueueCapacity = 128

	// dialTimeout caps how long an unanswered outbound INVITE is kept
	// alive before the engine gives up on its own.
	dialTimeout = 64 * time.Second
)

// Config carries the SIP account and transport settings.
type Config struct {
	User     string
	Password string
	// Domain is the registrar/proxy domain. Empty disables
	// registration; the agent still takes direct calls.
	Domain string

	BindAddr string
	Port     int
	// AdvertiseAddr is the address placed in Contact headers and SDP.
	AdvertiseAddr string

	RTPPortMin int
	RTPPortMax int

	// TempDir is where call recordings are created.
	TempDir string

	RegisterExpiry time.Duration
}

func (c Config) withDefaults() Config {
	if c.BindAddr == "" {
		c.BindAddr = "0.0.0.0"
	}
	if c.Port == 0 {
		c.Port = 5060
	}
	if c.AdvertiseAddr == "" {
		c.AdvertiseAddr = "127.0.0.1"
	}
	if c.RTPPortMin == 0 {
		c.RTPPortMin = 10000
	}
	if c.RTPPortMax == 0 {
		c.RTPPortMax = 20000
	}
	if c.TempDir == "" {
		c.TempDir = os.TempDir()
	}
	if c.RegisterExpiry <= 0 {
		c.RegisterExpiry = 300 * time.Second
	}
	return c
}

// Engine is the sipgo-backed implementation of engine.Engine and
// engine.FrameCapture.
type Engine struct {
	cfg Config

	ua       *sipgo.UserAgent
	srv      *sipgo.Server
	client   *sipgo.Client
	dialogUA *sipgo.DialogUA

	reg   *registrar
	ports *portPool

	mu    sync.RWMutex
	calls map[string]*engCall

	events chan engine.Event

	serveCtx    context.Context
	serveCancel context.CancelFunc
	serveErr    chan error
}

var (
	_ engine.Engine       = (*Engine)(nil)
	_ engine.FrameCapture = (*Engine)(nil)
)

// New creates an engine. Start must be called before any other
// operation.
func New(cfg Config) *Engine {
	cfg = cfg.withDefaults()
	return &Engine{
		cfg:      cfg,
		ports:    newPortPool(cfg.RTPPortMin, cfg.RTPPortMax),
		calls:    make(map[string]*engCall),
		events:   make(chan engine.Event, eventQueueCapacity),
		serveErr: make(chan error, 1),
	}
}

// Start boots the SIP stack: user agent, server, client, request
// handlers, the UDP listener and, when a domain is configured, the
// registrar refresh loop.
func (e *Engine) Start(_ engine.Token) error {
	ua, err := sipgo.NewUA()
	if err != nil {
		return fmt.Errorf("failed to create user agent: %w", err)
	}
	srv, err := sipgo.NewServer(ua)
	if err != nil {
		ua.Close()
		return fmt.Errorf("failed to create server: %w", err)
	}
	client, err := sipgo.NewClient(ua)
	if err != nil {
		ua.Close()
		return fmt.Errorf("failed to create client: %w", err)
	}
	e.ua, e.srv, e.client = ua, srv, client

	e.dialogUA = &sipgo.DialogUA{
		Client: client,
		ContactHDR: sip.ContactHeader{
			Address: sip.Uri{
				Scheme: "sip",
				User:   e.localUser(),
				Host:   e.cfg.AdvertiseAddr,
				Port:   e.cfg.Port,
			},
		},
	}

	srv.OnRequest(sip.INVITE, e.onInvite)
	srv.OnRequest(sip.ACK, e.onAck)
	srv.OnRequest(sip.BYE, e.onBye)
	srv.OnRequest(sip.CANCEL, e.onCancel)

	e.serveCtx, e.serveCancel = context.WithCancel(context.Background())
	listenAddr := fmt.Sprintf("%s:%d", e.cfg.BindAddr, e.cfg.Port)
	go func() {
		slog.Info("[Engine] SIP listener starting", "addr", listenAddr)
		if err := srv.ListenAndServe(e.serveCtx, "udp", listenAddr); err != nil {
			select {
			case e.serveErr <- err:
			default:
			}
			slog.Error("[Engine] SIP listener stopped", "error", err)
		}
	}()

	// Surface immediate bind failures instead of starting half-up.
	select {
	case err := <-e.serveErr:
		e.serveCancel()
		ua.Close()
		return fmt.Errorf("failed to start SIP listener on %s: %w", listenAddr, err)
	case <-time.After(200 * time.Millisecond):
	}

	if e.cfg.Domain != "" && e.cfg.User != "" {
		reg, err := newRegistrar(client, e.cfg, e.emit)
		if err != nil {
			e.serveCancel()
			ua.Close()
			return err
		}
		e.reg = reg
		reg.start(e.serveCtx)
	}

	slog.Info("[Engine] Started",
		"listen", listenAddr,
		"advertise", e.cfg.AdvertiseAddr,
		"rtp_ports", fmt.Sprintf("%d-%d", e.cfg.RTPPortMin, e.cfg.RTPPortMax),
	)
	return nil
}

// Stop unregisters, tears down remaining media sessions and shuts the
// SIP transport.
func (e *Engine) Stop(_ engine.Token) {
	if e.reg != nil {
		e.reg.stop()
	}
	for _, c := range e.takeAllCalls() {
		if s := c.dialogSession(); s != nil {
			_ = s.Close()
		}
		if m := c.takeMedia(); m != nil {
			m.close()
		}
	}
	if e.serveCancel != nil {
		e.serveCancel()
	}
	if e.ua != nil {
		if err := e.ua.Close(); err != nil {
			slog.Debug("[Engine] UA close failed", "error", err)
		}
	}
	slog.Info("[Engine] Stopped")
}

// Poll returns pending events, waiting up to wait for the first one.
func (e *Engine) Poll(_ engine.Token, wait time.Duration) []engine.Event {
	var out []engine.Event
	if wait > 0 {
		timer := time.NewTimer(wait)
		select {
		case ev := <-e.events:
			out = append(out, ev)
		case <-timer.C:
		}
		timer.Stop()
		if out == nil {
			return nil
		}
	}
	for {
		select {
		case ev := <-e.events:
			out = append(out, ev)
		default:
			return out
		}
	}
}

// Dial sends an INVITE and returns the new call ID without waiting
// for an answer. Progress arrives as events.
func (e *Engine) Dial(_ engine.Token, uri string) (string, error) {
	var target sip.Uri
	if err := sip.ParseUri(uri, &target); err != nil {
		return "", fmt.Errorf("invalid target URI %q: %w", uri, err)
	}

	callID := uuid.New().String()
	m, err := newRTPSession(callID, e.ports)
	if err != nil {
		return "", err
	}
	offer, err := buildSDP(e.cfg.AdvertiseAddr, m.localPort)
	if err != nil {
		m.close()
		return "", err
	}

	invite := e.buildInvite(target, callID, offer)
	c := &engCall{
		id:        callID,
		remoteURI: uri,
		inbound:   false,
		invite:    invite,
		media:     m,
	}
	if err := e.addCall(c); err != nil {
		m.close()
		return "", err
	}

	dialCtx, cancel := context.WithTimeout(e.serveCtx, dialTimeout)
	c.mu.Lock()
	c.dialCancel = cancel
	c.mu.Unlock()

	tx, err := e.client.TransactionRequest(dialCtx, invite)
	if err != nil {
		cancel()
		e.removeCall(callID)
		if m := c.takeMedia(); m != nil {
			m.close()
		}
		return "", fmt.Errorf("failed to send INVITE: %w", err)
	}

	slog.Info("[Engine] INVITE sent", "call_id", callID, "target", uri)
	e.emit(engine.Event{Type: engine.EventCallState, CallID: callID, Signal: engine.SignalCalling})

	go e.watchDial(dialCtx, c, invite, tx)
	return callID, nil
}

// watchDial consumes responses on the INVITE transaction until the
// call is answered, rejected or abandoned.
func (e *Engine) watchDial(ctx context.Context, c *engCall, invite *sip.Request, tx sip.ClientTransaction) {
	defer func() {
		if cancel := c.clearDialCancel(); cancel != nil {
			cancel()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			// Abandoned locally or dial timeout reached.
			e.sendCancel(invite)
			code := 408
			if c.hangupRequested() {
				code = 487
			}
			e.finishCall(c, code)
			return

		case resp := <-tx.Responses():
			if resp == nil {
				e.finishCall(c, 408)
				return
			}
			code := int(resp.StatusCode)
			switch {
			case code < 180:
				slog.Debug("[Engine] Provisional response", "call_id", c.id, "status", code)
			case code < 200:
				slog.Info("[Engine] Ringing", "call_id", c.id, "status", code)
				e.emit(engine.Event{Type: engine.EventCallState, CallID: c.id, Signal: engine.SignalRinging, Code: code})
			case code < 300:
				e.completeDial(c, invite, resp)
				return
			default:
				slog.Info("[Engine] Call rejected", "call_id", c.id, "status", code, "reason", resp.Reason)
				e.finishCall(c, code)
				return
			}

		case <-tx.Done():
			if !c.isConfirmed() {
				e.finishCall(c, 408)
			}
			return
		}
	}
}

// completeDial handles the 2xx: remote media endpoint, ACK and the
// confirmed/media events.
func (e *Engine) completeDial(c *engCall, invite *sip.Request, resp *sip.Response) {
	if body := resp.Body(); len(body) > 0 {
		raddr, rport, err := remoteEndpoint(body)
		if err != nil {
			slog.Error("[Engine] Failed to extract remote media", "call_id", c.id, "error", err)
		} else if m := c.mediaSession(); m != nil {
			if err := m.setRemote(raddr, rport); err != nil {
				slog.Error("[Engine] Bad remote media endpoint", "call_id", c.id, "error", err)
			}
		}
	}

	c.mu.Lock()
	c.okResp = resp
	c.mu.Unlock()

	if err := e.sendAck(invite, resp); err != nil {
		// The 200 OK still stands; the dialog is up.
		slog.Error("[Engine] Failed to send ACK", "call_id", c.id, "error", err)
	}

	c.setConfirmed()
	slog.Info("[Engine] Call answered", "call_id", c.id, "status", resp.StatusCode)
	e.emit(engine.Event{Type: engine.EventCallState, CallID: c.id, Signal: engine.SignalConfirmed, Code: int(resp.StatusCode)})
	e.emit(engine.Event{Type: engine.EventMediaState, CallID: c.id, MediaReady: true})
}

// Answer accepts a pending inbound call: media session up, 200 OK
// with our SDP answer out. Confirmation arrives with the ACK.
func (e *Engine) Answer(_ engine.Token, callID string) error {
	c, ok := e.getCall(callID)
	if !ok {
		return fmt.Errorf("answer %s: %w", callID, ErrNoCall)
	}
	if !c.inbound {
		return fmt.Errorf("answer %s: not an inbound call", callID)
	}
	if c.dialogSession() != nil {
		return nil
	}

	raddr, rport, err := remoteEndpoint(c.remoteSDP)
	if err != nil {
		resp := sip.NewResponseFromRequest(c.inviteReq, sip.StatusNotAcceptable, "Not Acceptable - invalid SDP", nil)
		_ = c.inviteTx.Respond(resp)
		e.finishCall(c, 488)
		return fmt.Errorf("answer %s: %w", callID, err)
	}

	m, err := newRTPSession(callID, e.ports)
	if err != nil {
		resp := sip.NewResponseFromRequest(c.inviteReq, sip.StatusInternalServerError, "Server Error", nil)
		_ = c.inviteTx.Respond(resp)
		e.finishCall(c, 500)
		return fmt.Errorf("answer %s: %w", callID, err)
	}
	if err := m.setRemote(raddr, rport); err != nil {
		m.close()
		resp := sip.NewResponseFromRequest(c.inviteReq, sip.StatusNotAcceptable, "Not Acceptable - invalid SDP", nil)
		_ = c.inviteTx.Respond(resp)
		e.finishCall(c, 488)
		return fmt.Errorf("answer %s: %w", callID, err)
	}

	answerSDP, err := buildSDP(e.cfg.AdvertiseAddr, m.localPort)
	if err != nil {
		m.close()
		return fmt.Errorf("answer %s: %w", callID, err)
	}

	session, err := e.dialogUA.ReadInvite(c.inviteReq, c.inviteTx)
	if err != nil {
		m.close()
		return fmt.Errorf("answer %s: failed to create dialog session: %w", callID, err)
	}
	if err := session.RespondSDP(answerSDP); err != nil {
		_ = session.Close()
		m.close()
		return fmt.Errorf("answer %s: failed to send 200 OK: %w", callID, err)
	}

	c.setDialogSession(session)
	c.setMedia(m)
	slog.Info("[Engine] Answered", "call_id", callID, "rtp_port", m.localPort)
	return nil
}

// Hangup tears a call down with whatever the dialog state calls for:
// BYE when confirmed, CANCEL for an unanswered dial, a 486 decline
// for an unanswered inbound INVITE.
func (e *Engine) Hangup(_ engine.Token, callID string) error {
	c, ok := e.getCall(callID)
	if !ok {
		return fmt.Errorf("hangup %s: %w", callID, ErrNoCall)
	}

	switch {
	case c.isConfirmed() && c.inbound:
		if s := c.dialogSession(); s != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := s.Bye(ctx); err != nil {
				slog.Warn("[Engine] BYE failed", "call_id", callID, "error", err)
			}
			cancel()
		}
		e.finishCall(c, 200)

	case c.isConfirmed():
		e.sendBye(c)
		e.finishCall(c, 200)

	case c.inbound:
		if c.dialogSession() == nil && c.inviteTx != nil {
			resp := sip.NewResponseFromRequest(c.inviteReq, sip.StatusCode(486), "Busy Here", nil)
			if err := c.inviteTx.Respond(resp); err != nil {
				slog.Warn("[Engine] Decline failed", "call_id", callID, "error", err)
			}
		}
		e.finishCall(c, 486)

	default:
		// Outbound and unanswered: abandon the dial. The watcher sends
		// CANCEL and finishes the call.
		if cancel := c.requestHangup(); cancel != nil {
			cancel()
		} else {
			e.finishCall(c, 487)
		}
	}
	return nil
}

// StartRecording attaches a WAV recorder to the call's inbound audio
// and returns the file path. Idempotent while a recorder is attached.
func (e *Engine) StartRecording(_ engine.Token, callID string) (string, error) {
	c, ok := e.getCall(callID)
	if !ok {
		return "", fmt.Errorf("record %s: %w", callID, ErrNoCall)
	}
	m := c.mediaSession()
	if m == nil {
		return "", fmt.Errorf("record %s: no media session", callID)
	}
	if path, recording := m.recorderPath(); recording {
		return path, nil
	}

	path := filepath.Join(e.cfg.TempDir, fmt.Sprintf("rec-%s.wav", uuid.New().String()[:8]))
	rec, err := media.NewRecorder(path, media.CodecPCMU.SampleRate, 1, 16)
	if err != nil {
		return "", fmt.Errorf("record %s: %w", callID, err)
	}
	m.setRecorder(rec)
	slog.Debug("[Engine] Recording started", "call_id", callID, "file", path)
	return path, nil
}

// StopRecording finalizes the call's recording, if one is running.
func (e *Engine) StopRecording(_ engine.Token, callID string) error {
	c, ok := e.getCall(callID)
	if !ok {
		return fmt.Errorf("record %s: %w", callID, ErrNoCall)
	}
	m := c.mediaSession()
	if m == nil {
		return nil
	}
	if rec := m.takeRecorder(); rec != nil {
		if err := rec.Close(); err != nil {
			return fmt.Errorf("record %s: %w", callID, err)
		}
		slog.Debug("[Engine] Recording stopped", "call_id", callID)
	}
	return nil
}

// StartTransmit plays the WAV file at path into the call.
func (e *Engine) StartTransmit(_ engine.Token, callID, path string) error {
	c, ok := e.getCall(callID)
	if !ok {
		return fmt.Errorf("transmit %s: %w", callID, ErrNoCall)
	}
	m := c.mediaSession()
	if m == nil {
		return fmt.Errorf("transmit %s: no media session", callID)
	}
	return m.startTransmit(path)
}

// StopTransmit cancels in-progress playback on the call.
func (e *Engine) StopTransmit(_ engine.Token, callID string) error {
	c, ok := e.getCall(callID)
	if !ok {
		return fmt.Errorf("transmit %s: %w", callID, ErrNoCall)
	}
	if m := c.mediaSession(); m != nil {
		m.stopTransmit()
	}
	return nil
}

// StartFrameCapture pushes each decoded inbound frame to fn instead
// of any recorder. fn runs on the media read goroutine.
func (e *Engine) StartFrameCapture(_ engine.Token, callID string, fn func(frame []byte)) error {
	c, ok := e.getCall(callID)
	if !ok {
		return fmt.Errorf("capture %s: %w", callID, ErrNoCall)
	}
	m := c.mediaSession()
	if m == nil {
		return fmt.Errorf("capture %s: no media session", callID)
	}
	m.setOnFrame(fn)
	return nil
}

// StopFrameCapture detaches the frame callback.
func (e *Engine) StopFrameCapture(_ engine.Token, callID string) error {
	c, ok := e.getCall(callID)
	if !ok {
		return fmt.Errorf("capture %s: %w", callID, ErrNoCall)
	}
	if m := c.mediaSession(); m != nil {
		m.setOnFrame(nil)
	}
	return nil
}

// ---- SIP request handlers ----

func (e *Engine) onInvite(req *sip.Request, tx sip.ServerTransaction) {
	callID := callIDOf(req)
	if callID == "" {
		resp := sip.NewResponseFromRequest(req, sip.StatusBadRequest, "Missing Call-ID", nil)
		_ = tx.Respond(resp)
		return
	}
	if _, exists := e.getCall(callID); exists {
		// Session modification (re-INVITE) is not supported.
		resp := sip.NewResponseFromRequest(req, sip.StatusCode(488), "Not Acceptable Here", nil)
		_ = tx.Respond(resp)
		return
	}

	remoteURI := ""
	if from := req.From(); from != nil {
		remoteURI = from.Address.String()
	}

	c := &engCall{
		id:        callID,
		remoteURI: remoteURI,
		inbound:   true,
		inviteReq: req,
		inviteTx:  tx,
		remoteSDP: req.Body(),
	}
	if err := e.addCall(c); err != nil {
		resp := sip.NewResponseFromRequest(req, sip.StatusInternalServerError, "Server Error", nil)
		_ = tx.Respond(resp)
		return
	}

	trying := sip.NewResponseFromRequest(req, sip.StatusTrying, "Trying", nil)
	if err := tx.Respond(trying); err != nil {
		slog.Warn("[Engine] Failed to send 100 Trying", "call_id", callID, "error", err)
	}
	ringing := sip.NewResponseFromRequest(req, sip.StatusCode(180), "Ringing", nil)
	if err := tx.Respond(ringing); err != nil {
		slog.Warn("[Engine] Failed to send 180 Ringing", "call_id", callID, "error", err)
	}

	slog.Info("[Engine] Incoming call", "call_id", callID, "from", remoteURI)
	e.emit(engine.Event{Type: engine.EventIncomingCall, CallID: callID, RemoteURI: remoteURI})
}

func (e *Engine) onAck(req *sip.Request, tx sip.ServerTransaction) {
	callID := callIDOf(req)
	c, ok := e.getCall(callID)
	if !ok {
		slog.Debug("[Engine] ACK for unknown call", "call_id", callID)
		return
	}
	session := c.dialogSession()
	if !c.inbound || session == nil {
		return
	}
	if c.isConfirmed() {
		slog.Debug("[Engine] ACK retransmission ignored", "call_id", callID)
		return
	}

	if err := session.ReadAck(req, tx); err != nil {
		slog.Warn("[Engine] Failed to read ACK", "call_id", callID, "error", err)
	}
	c.setConfirmed()

	slog.Info("[Engine] Call confirmed", "call_id", callID)
	e.emit(engine.Event{Type: engine.EventCallState, CallID: callID, Signal: engine.SignalConfirmed, Code: 200})
	e.emit(engine.Event{Type: engine.EventMediaState, CallID: callID, MediaReady: true})
}

func (e *Engine) onBye(req *sip.Request, tx sip.ServerTransaction) {
	callID := callIDOf(req)
	c, ok := e.getCall(callID)
	if !ok {
		resp := sip.NewResponseFromRequest(req, sip.StatusCode(481), "Call/Transaction Does Not Exist", nil)
		_ = tx.Respond(resp)
		return
	}

	if s := c.dialogSession(); s != nil {
		if err := s.ReadBye(req, tx); err != nil {
			slog.Warn("[Engine] Failed to read BYE", "call_id", callID, "error", err)
		}
	} else {
		resp := sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil)
		if err := tx.Respond(resp); err != nil {
			slog.Error("[Engine] Failed to respond to BYE", "call_id", callID, "error", err)
		}
	}

	slog.Info("[Engine] BYE received", "call_id", callID)
	e.finishCall(c, 200)
}

func (e *Engine) onCancel(req *sip.Request, tx sip.ServerTransaction) {
	callID := callIDOf(req)
	c, ok := e.getCall(callID)
	if !ok || c.isConfirmed() {
		resp := sip.NewResponseFromRequest(req, sip.StatusCode(481), "Call/Transaction Does Not Exist", nil)
		_ = tx.Respond(resp)
		return
	}

	resp := sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil)
	if err := tx.Respond(resp); err != nil {
		slog.Error("[Engine] Failed to respond to CANCEL", "call_id", callID, "error", err)
	}
	if c.inbound && c.inviteTx != nil && c.dialogSession() == nil {
		terminated := sip.NewResponseFromRequest(c.inviteReq, sip.StatusCode(487), "Request Terminated", nil)
		_ = c.inviteTx.Respond(terminated)
	}

	slog.Info("[Engine] Cancelled by remote", "call_id", callID)
	e.finishCall(c, 487)
}

// ---- outbound request construction ----

func (e *Engine) buildInvite(target sip.Uri, callID string, sdpBody []byte) *sip.Request {
	invite := sip.NewRequest(sip.INVITE, target)

	maxFwd := sip.MaxForwardsHeader(70)
	invite.AppendHeader(&maxFwd)

	fromParams := sip.NewParams()
	fromParams.Add("tag", uuid.New().String()[:8])
	invite.AppendHeader(&sip.FromHeader{
		Address: sip.Uri{Scheme: "sip", User: e.localUser(), Host: e.cfg.AdvertiseAddr, Port: e.cfg.Port},
		Params:  fromParams,
	})
	invite.AppendHeader(&sip.ToHeader{Address: target, Params: sip.NewParams()})

	callIDHdr := sip.CallIDHeader(callID)
	invite.AppendHeader(&callIDHdr)
	invite.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: sip.INVITE})
	invite.AppendHeader(&sip.ContactHeader{
		Address: sip.Uri{Scheme: "sip", User: e.localUser(), Host: e.cfg.AdvertiseAddr, Port: e.cfg.Port},
	})
	contentType := sip.ContentTypeHeader("application/sdp")
	invite.AppendHeader(&contentType)
	invite.SetBody(sdpBody)
	return invite
}

// sendAck acknowledges a 2xx. Per RFC 3261 the ACK for a 2xx is a new
// request sent directly via transport, addressed to the Contact from
// the response.
func (e *Engine) sendAck(invite *sip.Request, resp *sip.Response) error {
	requestURI := invite.Recipient
	if contact := resp.Contact(); contact != nil {
		requestURI = contact.Address
	}

	ack := sip.NewRequest(sip.ACK, requestURI)
	sip.CopyHeaders("From", invite, ack)
	sip.CopyHeaders("Call-ID", invite, ack)
	if to := resp.To(); to != nil {
		ack.AppendHeader(&sip.ToHeader{DisplayName: to.DisplayName, Address: to.Address, Params: to.Params})
	}
	if cseq := invite.CSeq(); cseq != nil {
		ack.AppendHeader(&sip.CSeqHeader{SeqNo: cseq.SeqNo, MethodName: sip.ACK})
	}
	maxFwd := sip.MaxForwardsHeader(70)
	ack.AppendHeader(&maxFwd)

	// Send the ACK back where the 2xx came from.
	destAddr := resp.Source()
	if destAddr == "" {
		port := requestURI.Port
		if port == 0 {
			port = 5060
		}
		destAddr = fmt.Sprintf("%s:%d", requestURI.Host, port)
	}
	ack.SetDestination(destAddr)

	done := make(chan error, 1)
	go func() { done <- e.client.WriteRequest(ack) }()
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("write ACK: %w", err)
		}
	case <-time.After(5 * time.Second):
		return fmt.Errorf("ACK write timed out")
	}
	return nil
}

// sendCancel cancels an in-progress INVITE per RFC 3261 Section 9.1.
func (e *Engine) sendCancel(invite *sip.Request) {
	cancelReq := sip.NewRequest(sip.CANCEL, invite.Recipient)
	sip.CopyHeaders("Via", invite, cancelReq)
	sip.CopyHeaders("From", invite, cancelReq)
	sip.CopyHeaders("To", invite, cancelReq)
	sip.CopyHeaders("Call-ID", invite, cancelReq)
	if cseq := invite.CSeq(); cseq != nil {
		cancelReq.AppendHeader(&sip.CSeqHeader{SeqNo: cseq.SeqNo, MethodName: sip.CANCEL})
	}
	maxFwd := sip.MaxForwardsHeader(70)
	cancelReq.AppendHeader(&maxFwd)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	tx, err := e.client.TransactionRequest(ctx, cancelReq)
	if err != nil {
		slog.Debug("[Engine] CANCEL send failed", "error", err)
		return
	}
	select {
	case <-tx.Responses():
	case <-tx.Done():
	case <-ctx.Done():
	}
}

// sendBye ends a confirmed outbound dialog. The request goes to the
// Contact from the 200 OK with the tags the dialog established.
func (e *Engine) sendBye(c *engCall) {
	c.mu.Lock()
	invite, okResp := c.invite, c.okResp
	c.mu.Unlock()
	if invite == nil || okResp == nil {
		return
	}

	recipient := invite.Recipient
	if contact := okResp.Contact(); contact != nil {
		recipient = contact.Address
	}

	bye := sip.NewRequest(sip.BYE, recipient)
	sip.CopyHeaders("From", invite, bye)
	sip.CopyHeaders("Call-ID", invite, bye)
	if to := okResp.To(); to != nil {
		bye.AppendHeader(&sip.ToHeader{DisplayName: to.DisplayName, Address: to.Address, Params: to.Params})
	}
	var seqNo uint32 = 2
	if cseq := invite.CSeq(); cseq != nil {
		seqNo = cseq.SeqNo + 1
	}
	bye.AppendHeader(&sip.CSeqHeader{SeqNo: seqNo, MethodName: sip.BYE})
	maxFwd := sip.MaxForwardsHeader(70)
	bye.AppendHeader(&maxFwd)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	tx, err := e.client.TransactionRequest(ctx, bye)
	if err != nil {
		slog.Error("[Engine] Failed to send BYE", "call_id", c.id, "error", err)
		return
	}
	select {
	case resp := <-tx.Responses():
		if resp != nil {
			slog.Debug("[Engine] BYE response", "call_id", c.id, "status", resp.StatusCode)
		}
	case <-tx.Done():
	case <-ctx.Done():
		slog.Warn("[Engine] BYE timed out", "call_id", c.id)
	}
}

// ---- call registry ----

func (e *Engine) addCall(c *engCall) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.calls[c.id]; exists {
		return fmt.Errorf("call %s already exists", c.id)
	}
	e.calls[c.id] = c
	return nil
}

func (e *Engine) getCall(id string) (*engCall, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	c, ok := e.calls[id]
	return c, ok
}

func (e *Engine) removeCall(id string) (*engCall, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.calls[id]
	if ok {
		delete(e.calls, id)
	}
	return c, ok
}

func (e *Engine) takeAllCalls() []*engCall {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*engCall, 0, len(e.calls))
	for _, c := range e.calls {
		out = append(out, c)
	}
	e.calls = make(map[string]*engCall)
	return out
}

// finishCall removes the call, closes its media and dialog session
// and announces the disconnect. Safe to reach from multiple paths;
// only the first caller does the work.
func (e *Engine) finishCall(c *engCall, code int) {
	if _, ok := e.removeCall(c.id); !ok {
		return
	}
	if s := c.dialogSession(); s != nil {
		_ = s.Close()
	}
	if m := c.takeMedia(); m != nil {
		m.close()
	}
	e.emit(engine.Event{Type: engine.EventCallState, CallID: c.id, Signal: engine.SignalDisconnected, Code: code})
}

func (e *Engine) emit(ev engine.Event) {
	select {
	case e.events <- ev:
	default:
		slog.Warn("[Engine] Event queue full, dropping event", "type", ev.Type.String(), "call_id", ev.CallID)
	}
}

func (e *Engine) localUser() string {
	if e.cfg.User != "" {
		return e.cfg.User
	}
	return "disarray"
}

func callIDOf(req *sip.Request) string {
	// Cast to string directly - .String() adds "Call-ID: " prefix
	if id := req.CallID(); id != nil {
		return string(*id)
	}
	return ""
}
