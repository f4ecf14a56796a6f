package sipengine

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

	"github.com/CHA0S-CORP/general-disarray/internal/agent/engine"
)

// registerRetryInterval spaces attempts after a failed registration.
const registerRetryInterval = 10 * time.Second

// registrar keeps the agent's binding alive at the SIP registrar. All
// REGISTERs of one agent share a Call-ID with an increasing CSeq, and
// 401/407 challenges are answered with digest credentials.
type registrar struct {
	client *sipgo.Client
	cfg    Config
	emit   func(engine.Event)

	registrarURI sip.Uri
	callID       string
	fromTag      string
	cseq         uint32

	cancel context.CancelFunc
	done   chan struct{}
}

func newRegistrar(client *sipgo.Client, cfg Config, emit func(engine.Event)) (*registrar, error) {
	var uri sip.Uri
	if err := sip.ParseUri("sip:"+cfg.Domain, &uri); err != nil {
		return nil, fmt.Errorf("invalid registrar domain %q: %w", cfg.Domain, err)
	}
	return &registrar{
		client:       client,
		cfg:          cfg,
		emit:         emit,
		registrarURI: uri,
		callID:       uuid.New().String(),
		fromTag:      uuid.New().String()[:8],
		done:         make(chan struct{}),
	}, nil
}

// start launches the refresh loop.
func (r *registrar) start(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	r.cancel = cancel
	go r.loop(ctx)
}

// loop registers, refreshes at half expiry and retries failures.
func (r *registrar) loop(ctx context.Context) {
	defer close(r.done)
	expires := int(r.cfg.RegisterExpiry.Seconds())
	registered := false

	for {
		code, err := r.register(ctx, expires)

		var wait time.Duration
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Warn("[Register] Registration failed",
				"registrar", r.registrarURI.String(),
				"code", code,
				"error", err,
			)
			registered = false
			r.emit(engine.Event{Type: engine.EventRegistration, Registered: false, Code: code})
			wait = registerRetryInterval
		} else {
			if !registered {
				slog.Info("[Register] Registered",
					"user", r.cfg.User,
					"registrar", r.registrarURI.String(),
					"expires", expires,
				)
			}
			registered = true
			r.emit(engine.Event{Type: engine.EventRegistration, Registered: true, Code: code})
			wait = r.cfg.RegisterExpiry / 2
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// stop halts refreshing and removes the binding with an Expires: 0
// REGISTER, best effort.
func (r *registrar) stop() {
	r.cancel()
	<-r.done

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if code, err := r.register(ctx, 0); err != nil {
		slog.Debug("[Register] Unregister failed", "code", code, "error", err)
	} else {
		slog.Info("[Register] Unregistered", "user", r.cfg.User)
	}
}

// register performs one REGISTER round, answering a digest challenge
// if the registrar issues one. Returns the final status code.
func (r *registrar) register(ctx context.Context, expires int) (int, error) {
	req := r.buildRegister(expires, "", "")
	code, resp, err := r.roundTrip(ctx, req)
	if err != nil {
		return 0, err
	}

	if code == 401 || code == 407 {
		authHeader, challengeHeader := "Authorization", "WWW-Authenticate"
		if code == 407 {
			authHeader, challengeHeader = "Proxy-Authorization", "Proxy-Authenticate"
		}
		hdr := resp.GetHeader(challengeHeader)
		if hdr == nil {
			return code, fmt.Errorf("registrar sent %d without %s header", code, challengeHeader)
		}
		cred, err := answerChallenge(hdr.Value(), "REGISTER", r.registrarURI.String(), r.cfg.User, r.cfg.Password)
		if err != nil {
			return code, err
		}

		req = r.buildRegister(expires, authHeader, cred)
		code, _, err = r.roundTrip(ctx, req)
		if err != nil {
			return 0, err
		}
	}

	if code < 200 || code >= 300 {
		return code, fmt.Errorf("registration rejected: %d", code)
	}
	return code, nil
}

// answerChallenge turns a WWW-Authenticate or Proxy-Authenticate
// header value into the matching credentials header value.
func answerChallenge(challenge, method, uri, username, password string) (string, error) {
	chal, err := digest.ParseChallenge(challenge)
	if err != nil {
		return "", fmt.Errorf("failed to parse digest challenge: %w", err)
	}
	cred, err := digest.Digest(chal, digest.Options{
		Method:   method,
		URI:      uri,
		Username: username,
		Password: password,
	})
	if err != nil {
		return "", fmt.Errorf("failed to compute digest response: %w", err)
	}
	return cred.String(), nil
}

// roundTrip sends the request and waits for its final response.
func (r *registrar) roundTrip(ctx context.Context, req *sip.Request) (int, *sip.Response, error) {
	rctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	tx, err := r.client.TransactionRequest(rctx, req)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to send REGISTER: %w", err)
	}

	for {
		select {
		case resp := <-tx.Responses():
			if resp == nil {
				return 0, nil, fmt.Errorf("no response to REGISTER")
			}
			if resp.StatusCode < 200 {
				continue
			}
			return int(resp.StatusCode), resp, nil
		case <-tx.Done():
			return 0, nil, fmt.Errorf("REGISTER transaction terminated without final response")
		case <-rctx.Done():
			return 0, nil, fmt.Errorf("REGISTER timed out: %w", rctx.Err())
		}
	}
}

func (r *registrar) buildRegister(expires int, authHeader, authValue string) *sip.Request {
	req := sip.NewRequest(sip.REGISTER, r.registrarURI)

	maxFwd := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxFwd)

	aor := sip.Uri{Scheme: "sip", User: r.cfg.User, Host: r.registrarURI.Host}
	fromParams := sip.NewParams()
	fromParams.Add("tag", r.fromTag)
	req.AppendHeader(&sip.FromHeader{Address: aor, Params: fromParams})
	req.AppendHeader(&sip.ToHeader{Address: aor, Params: sip.NewParams()})

	callID := sip.CallIDHeader(r.callID)
	req.AppendHeader(&callID)

	r.cseq++
	req.AppendHeader(&sip.CSeqHeader{SeqNo: r.cseq, MethodName: sip.REGISTER})

	req.AppendHeader(&sip.ContactHeader{Address: sip.Uri{
		Scheme: "sip",
		User:   r.cfg.User,
		Host:   r.cfg.AdvertiseAddr,
		Port:   r.cfg.Port,
	}})
	req.AppendHeader(sip.NewHeader("Expires", strconv.Itoa(expires)))

	if authHeader != "" {
		req.AppendHeader(sip.NewHeader(authHeader, authValue))
	}
	return req
}
