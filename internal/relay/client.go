package relay

import (
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/t-web/relayq/internal/login"
	"github.com/t-web/relayq/internal/request"
)

// DefaultRequestTimeout bounds a single transport attempt unless overridden
// with SetRequestTimeout.
const DefaultRequestTimeout = 1500 * time.Millisecond

// ProgressListener observes the in-flight request count. Started fires after
// a request is newly submitted to the transport, Finished after a terminal
// notification removes a registry entry; counts are read after the mutation.
// Duplicate-suppressed calls never fire either event.
type ProgressListener interface {
	OnRequestStarted(c *Client, active int)
	OnRequestFinished(c *Client, active int)
}

// Client is the request dispatcher. It deduplicates concurrent identical
// requests, fans terminal outcomes out to every waiting listener, drives the
// one-shot login-restore retry flow and serves as the transport's single
// notification sink.
type Client struct {
	transport Transport
	registry  *ListenerRegistry
	exec      Executor

	mu              sync.Mutex
	login           login.Manager
	progress        ProgressListener
	baseURL         string
	timeout         time.Duration
	charset         string
	allowDuplicates bool
}

// NewClient wires a dispatcher to its transport and registers itself as the
// transport's sink. A nil manager falls back to anonymous access.
func NewClient(t Transport, lm login.Manager) *Client {
	if lm == nil {
		lm = login.Anonymous{}
	}
	c := &Client{
		transport: t,
		registry:  NewListenerRegistry(),
		exec:      newBoundedExecutor(2),
		login:     lm,
		timeout:   DefaultRequestTimeout,
	}
	t.SetSink(c)
	return c
}

// SetExecutor swaps the background restore executor. Tests inject a
// synchronous stand-in to make retry ordering deterministic.
func (c *Client) SetExecutor(e Executor) {
	if e != nil {
		c.exec = e
	}
}

// PerformRequest dispatches one request. Synchronous calls block until the
// terminal outcome is known and return it; asynchronous calls return nil and
// notify the listener later. Synchronous calls must not be issued from a
// transport callback goroutine.
func (c *Client) PerformRequest(req *request.Request, tag string, l Listener, synchronous bool) *request.Response {
	if req == nil {
		return nil
	}
	req.Retry = request.DefaultRetryPolicy(c.RequestTimeout())
	if req.Charset == "" {
		req.Charset = c.DefaultCharset()
	}
	lm := c.LoginManager()
	if !lm.ShouldRestoreLogin() {
		return c.performNoRestore(req, tag, l, synchronous)
	}
	if synchronous {
		return c.performRestoreSync(req, tag, l)
	}
	return c.performRestoreAsync(req, tag, l)
}

// performNoRestore is the direct dispatch path: tag, credentials, registry
// registration, then transport submission unless the call is a suppressed
// duplicate.
func (c *Client) performNoRestore(req *request.Request, tag string, l Listener, synchronous bool) *request.Response {
	req.Tag = tag
	c.LoginManager().ApplyToRequest(req)

	first := c.registry.Register(req.Identity(), l, tag)
	if first || synchronous || c.AllowDuplicateRequests() {
		c.notifyStarted()
		return c.transport.Submit(req, synchronous)
	}
	log.Logger.Debug().
		Str("method", req.Method).
		Str("url", req.URL).
		Msg("duplicate request suppressed")
	return nil
}

// Sink implementation. The transport invokes these from its worker
// goroutines; the atomic take ensures each identity is resolved exactly
// once even when a cancellation sweep races a terminal outcome.

func (c *Client) OnResponse(res *request.Response, req *request.Request) {
	c.fanOut(req, func(reg registration) {
		notifyResponse(reg.listener, res, reg.tag)
	})
}

func (c *Client) OnError(err error, req *request.Request) {
	c.fanOut(req, func(reg registration) {
		notifyError(reg.listener, err, reg.tag)
	})
}

func (c *Client) OnCancel(req *request.Request) {
	c.fanOut(req, func(reg registration) {
		notifyCancel(reg.listener, reg.tag)
	})
}

func (c *Client) fanOut(req *request.Request, deliver func(registration)) {
	regs, ok := c.registry.TakeAll(req.Identity())
	if !ok {
		// Already cancelled or nobody was waiting.
		return
	}
	c.notifyFinished()
	for _, reg := range regs {
		deliver(reg)
	}
}

// CancelByTag cancels every pending request carrying the tag.
func (c *Client) CancelByTag(tag string) {
	c.CancelAllForListener(nil, tag)
}

// CancelAll cancels every pending request.
func (c *Client) CancelAll() {
	c.CancelAllForListener(nil, "")
}

// CancelAllForListener cancels pending requests scoped by listener and tag.
// A nil listener matches any caller; an empty tag matches any tag. Matched
// identities deliver OnCancel to each waiting listener, with its own tag,
// before the transport confirms the cancellation.
func (c *Client) CancelAllForListener(target Listener, tag string) {
	c.transport.CancelAll(func(p Pending) bool {
		if tag != "" && tag != p.Tag {
			return false
		}
		var regs []registration
		var ok bool
		if target == nil {
			regs, ok = c.registry.TakeAll(p.Identity)
		} else {
			regs, ok = c.registry.TakeIfOwnedBy(p.Identity, target)
		}
		if !ok {
			// Nobody waiting: an untargeted sweep still confirms the
			// cancel, a listener-scoped one leaves the request alone.
			return target == nil
		}
		c.notifyFinished()
		for _, reg := range regs {
			notifyCancel(reg.listener, reg.tag)
		}
		return true
	})
}

// ActiveRequestsCount reports distinct unresolved request identities.
func (c *Client) ActiveRequestsCount() int {
	return c.registry.Count()
}

func (c *Client) notifyStarted() {
	if p := c.progressListener(); p != nil {
		p.OnRequestStarted(c, c.ActiveRequestsCount())
	}
}

func (c *Client) notifyFinished() {
	if p := c.progressListener(); p != nil {
		p.OnRequestFinished(c, c.ActiveRequestsCount())
	}
}

func (c *Client) progressListener() ProgressListener {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.progress
}

// SetProgressListener installs the in-flight count observer. Pass nil to
// remove it.
func (c *Client) SetProgressListener(p ProgressListener) {
	c.mu.Lock()
	c.progress = p
	c.mu.Unlock()
}

// AllowDuplicateRequests reports whether duplicate suppression is disabled.
func (c *Client) AllowDuplicateRequests() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.allowDuplicates
}

// SetAllowDuplicateRequests toggles duplicate suppression. When true, every
// call reaches the transport even while an equal identity is in flight.
func (c *Client) SetAllowDuplicateRequests(allow bool) {
	c.mu.Lock()
	c.allowDuplicates = allow
	c.mu.Unlock()
}

// RequestTimeout returns the per-attempt timeout attached to new requests.
func (c *Client) RequestTimeout() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.timeout
}

func (c *Client) SetRequestTimeout(d time.Duration) {
	if d <= 0 {
		d = DefaultRequestTimeout
	}
	c.mu.Lock()
	c.timeout = d
	c.mu.Unlock()
}

// DefaultCharset returns the charset stamped on requests that do not carry
// their own. Empty means none is attached.
func (c *Client) DefaultCharset() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.charset
}

func (c *Client) SetDefaultCharset(charset string) {
	c.mu.Lock()
	c.charset = charset
	c.mu.Unlock()
}

// LoginManager returns the active manager.
func (c *Client) LoginManager() login.Manager {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.login
}

// SetLoginManager swaps the active manager; nil restores anonymous access.
func (c *Client) SetLoginManager(lm login.Manager) {
	if lm == nil {
		lm = login.Anonymous{}
	}
	c.mu.Lock()
	c.login = lm
	c.mu.Unlock()
}

// Login performs a synchronous login through the active manager.
func (c *Client) Login(username, password string) error {
	return c.LoginManager().Login(username, password, c.transport)
}

// Logout performs a synchronous logout through the active manager.
func (c *Client) Logout() error {
	return c.LoginManager().Logout(c.transport)
}

// IsLogged reports whether the session could be restored automatically.
func (c *Client) IsLogged() bool {
	return c.LoginManager().CanRestoreLogin()
}

// RestoreLogin attempts a synchronous session restore.
func (c *Client) RestoreLogin() bool {
	lm := c.LoginManager()
	if !lm.CanRestoreLogin() {
		return false
	}
	return lm.RestoreLoginData(c.transport)
}

// BaseURL returns the normalized base URL convenience dispatches resolve
// against.
func (c *Client) BaseURL() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.baseURL
}

// SetBaseURL stores the base URL, guaranteeing a trailing slash.
func (c *Client) SetBaseURL(baseURL string) {
	if baseURL != "" && !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	c.mu.Lock()
	c.baseURL = baseURL
	c.mu.Unlock()
}

func (c *Client) urlFor(path string) string {
	return c.BaseURL() + strings.TrimPrefix(path, "/")
}

// Convenience dispatches against BaseURL. They build plain requests; body
// serialization stays with the caller.

func (c *Client) Get(path string, params url.Values, headers map[string]string, tag string, l Listener, synchronous bool) *request.Response {
	req := &request.Request{
		Method:    http.MethodGet,
		URL:       c.urlFor(path),
		GetParams: params,
		Headers:   headers,
	}
	return c.PerformRequest(req, tag, l, synchronous)
}

func (c *Client) Post(path string, postParams map[string]string, body []byte, headers map[string]string, tag string, l Listener, synchronous bool) *request.Response {
	req := &request.Request{
		Method:     http.MethodPost,
		URL:        c.urlFor(path),
		PostParams: postParams,
		Headers:    headers,
	}
	if len(postParams) == 0 {
		req.Body = body
	}
	return c.PerformRequest(req, tag, l, synchronous)
}

func (c *Client) Patch(path string, body []byte, headers map[string]string, tag string, l Listener, synchronous bool) *request.Response {
	req := &request.Request{
		Method:  http.MethodPatch,
		URL:     c.urlFor(path),
		Body:    body,
		Headers: headers,
	}
	return c.PerformRequest(req, tag, l, synchronous)
}

func (c *Client) Delete(path string, params url.Values, headers map[string]string, tag string, l Listener, synchronous bool) *request.Response {
	req := &request.Request{
		Method:    http.MethodDelete,
		URL:       c.urlFor(path),
		GetParams: params,
		Headers:   headers,
	}
	return c.PerformRequest(req, tag, l, synchronous)
}
