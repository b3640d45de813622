package relay

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/t-web/relayq/internal/login"
	"github.com/t-web/relayq/internal/request"
)

// retryState makes the at-most-one-restore invariant explicit: a dispatch
// moves retryNone -> retryInFlight -> retryExhausted and never loops.
type retryState int

const (
	retryNone retryState = iota
	retryInFlight
	retryExhausted
)

func authClassError(lm login.Manager, err error) bool {
	if err == nil {
		return false
	}
	if request.IsAuthError(err) {
		return true
	}
	return lm.DomainDependsOnLogin() && request.IsNotFoundError(err)
}

// authRetryListener decorates a caller's listener with the one-shot restore
// flow for asynchronous dispatches, and serves as the exhausted second-stage
// decorator for both paths.
type authRetryListener struct {
	client *Client
	next   Listener
	req    *request.Request
	tag    string

	mu    sync.Mutex
	state retryState
}

func (c *Client) performRestoreAsync(req *request.Request, tag string, l Listener) *request.Response {
	dec := &authRetryListener{client: c, next: l, req: req, tag: tag}
	return c.performNoRestore(req, tag, dec, false)
}

func (a *authRetryListener) OnResponse(res *request.Response, tag string) {
	notifyResponse(a.next, res, tag)
}

func (a *authRetryListener) OnCancel(tag string) {
	notifyCancel(a.next, tag)
}

func (a *authRetryListener) OnError(err error, tag string) {
	lm := a.client.LoginManager()

	a.mu.Lock()
	state := a.state
	a.mu.Unlock()

	if state == retryExhausted {
		// The retried request failed too; this outcome is final.
		if authClassError(lm, err) {
			lm.OnLoginRestoreFailed()
		}
		notifyError(a.next, err, tag)
		return
	}

	if !authClassError(lm, err) {
		notifyError(a.next, err, tag)
		return
	}
	if !lm.CanRestoreLogin() {
		lm.OnLoginRestoreFailed()
		notifyError(a.next, err, tag)
		return
	}

	a.mu.Lock()
	a.state = retryInFlight
	a.mu.Unlock()

	originalErr := err
	a.client.exec.Go(func() {
		restored := lm.RestoreLoginData(a.client.transport)
		a.mu.Lock()
		a.state = retryExhausted
		a.mu.Unlock()
		if restored {
			log.Logger.Debug().
				Str("method", a.req.Method).
				Str("url", a.req.URL).
				Msg("session restored, resubmitting request")
			a.client.performNoRestore(a.req, a.tag, a, false)
			return
		}
		lm.OnLoginRestoreFailed()
		notifyError(a.next, originalErr, a.tag)
	})
}

// syncGate swallows the auth-class error the inline restore continuation is
// about to handle, so the caller's listener fires at most once.
type syncGate struct {
	client *Client
	next   Listener
}

func (g *syncGate) OnResponse(res *request.Response, tag string) {
	notifyResponse(g.next, res, tag)
}

func (g *syncGate) OnCancel(tag string) {
	notifyCancel(g.next, tag)
}

func (g *syncGate) OnError(err error, tag string) {
	lm := g.client.LoginManager()
	if authClassError(lm, err) && lm.CanRestoreLogin() {
		return
	}
	notifyError(g.next, err, tag)
}

func (c *Client) performRestoreSync(req *request.Request, tag string, l Listener) *request.Response {
	lm := c.LoginManager()

	res := c.performNoRestore(req, tag, &syncGate{client: c, next: l}, true)
	err := responseErr(res)
	if !authClassError(lm, err) {
		return res
	}
	if !lm.CanRestoreLogin() {
		// The gate already surfaced the error to the caller.
		lm.OnLoginRestoreFailed()
		return res
	}
	if lm.RestoreLoginData(c.transport) {
		final := &authRetryListener{client: c, next: l, req: req, tag: tag, state: retryExhausted}
		return c.performNoRestore(req, tag, final, true)
	}
	lm.OnLoginRestoreFailed()
	notifyError(l, err, tag)
	return res
}

func responseErr(res *request.Response) error {
	if res == nil {
		return nil
	}
	return res.Err
}
