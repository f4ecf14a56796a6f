package sipengine

import (
	"sync"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
)

// engCall tracks one call's SIP and media state inside the engine.
// The identification fields are fixed at creation; everything else is
// guarded by mu because sipgo request handlers, the dial watcher and
// worker-loop operations all touch it.
type engCall struct {
	id        string
	remoteURI string
	inbound   bool

	mu sync.Mutex

	// UAS side
	inviteReq *sip.Request
	inviteTx  sip.ServerTransaction
	remoteSDP []byte
	session   *sipgo.DialogServerSession

	// UAC side
	invite     *sip.Request
	okResp     *sip.Response
	dialCancel func()
	hangupReq  bool

	confirmed bool
	media     *rtpSession
}

func (c *engCall) isConfirmed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.confirmed
}

func (c *engCall) setConfirmed() {
	c.mu.Lock()
	c.confirmed = true
	c.mu.Unlock()
}

func (c *engCall) mediaSession() *rtpSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.media
}

func (c *engCall) setMedia(s *rtpSession) {
	c.mu.Lock()
	c.media = s
	c.mu.Unlock()
}

// takeMedia detaches the media session so teardown runs exactly once.
func (c *engCall) takeMedia() *rtpSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.media
	c.media = nil
	return s
}

func (c *engCall) dialogSession() *sipgo.DialogServerSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

func (c *engCall) setDialogSession(s *sipgo.DialogServerSession) {
	c.mu.Lock()
	c.session = s
	c.mu.Unlock()
}

// requestHangup marks the call as locally abandoned and cancels the
// dial watcher. Returns the cancel func that was armed, if any.
func (c *engCall) requestHangup() func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hangupReq = true
	cancel := c.dialCancel
	c.dialCancel = nil
	return cancel
}

func (c *engCall) hangupRequested() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hangupReq
}

// clearDialCancel detaches the dial context cancel func, leaving the
// hangup flag alone. The dial watcher uses it to release the context
// once the dial has settled.
func (c *engCall) clearDialCancel() func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	cancel := c.dialCancel
	c.dialCancel = nil
	return cancel
}
