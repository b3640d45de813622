// Package httpq implements the HTTP transport queue behind the relay
// client: a worker pool, a pending set with predicate-filtered bulk
// cancellation, and delivery into a single notification sink.
package httpq

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/t-web/relayq/internal/observability"
	"github.com/t-web/relayq/internal/relay"
	"github.com/t-web/relayq/internal/request"
)

const (
	defaultWorkers        = 4
	defaultQueueSize      = 64
	defaultAttemptTimeout = 1500 * time.Millisecond
)

// Config sizes the queue and shapes its HTTP client. Zero values take
// defaults. CAFile names a PEM bundle trusted instead of the system roots.
type Config struct {
	Workers   int
	QueueSize int
	CAFile    string
}

// pendingCall is the queue's copy of one submission. cancelled is guarded by
// the queue mutex; once set, the call's outcome is never delivered.
type pendingCall struct {
	id        uint64
	req       *request.Request
	cancelled bool
	abort     context.CancelFunc
}

// Queue executes requests on a fixed worker pool. Synchronous submissions
// run inline on the caller with no pool hop.
type Queue struct {
	httpClient *http.Client
	jobs       chan *pendingCall

	mu      sync.Mutex
	sink    relay.Sink
	pending map[uint64]*pendingCall
	nextID  uint64
	closed  bool

	// submitters counts Submit calls that passed the closed-check and may
	// still touch the jobs channel. Close waits for them before closing it.
	submitters sync.WaitGroup

	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New starts the worker pool.
func New(cfg Config) (*Queue, error) {
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	httpClient, err := newHTTPClient(cfg.CAFile)
	if err != nil {
		return nil, err
	}
	q := &Queue{
		httpClient: httpClient,
		jobs:       make(chan *pendingCall, cfg.QueueSize),
		pending:    make(map[uint64]*pendingCall),
	}
	q.wg.Add(cfg.Workers)
	for i := 0; i < cfg.Workers; i++ {
		go q.worker()
	}
	return q, nil
}

func newHTTPClient(caFile string) (*http.Client, error) {
	caFile = strings.TrimSpace(caFile)
	if caFile == "" {
		return &http.Client{}, nil
	}
	caPEM, err := os.ReadFile(caFile)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if ok := pool.AppendCertsFromPEM(caPEM); !ok {
		return nil, fmt.Errorf("httpq: parse tls ca bundle: %s", caFile)
	}
	return &http.Client{
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{
				MinVersion: tls.VersionTLS12,
				RootCAs:    pool,
			},
		},
	}, nil
}

// SetSink registers the single notification target for every outcome.
func (q *Queue) SetSink(s relay.Sink) {
	q.mu.Lock()
	q.sink = s
	q.mu.Unlock()
}

// Submit executes the request. Synchronous submissions run inline and return
// the outcome; asynchronous ones enqueue to the pool and return nil without
// blocking the caller, even when the pool's buffer is full.
func (q *Queue) Submit(req *request.Request, synchronous bool) *request.Response {
	p, err := q.track(req)
	if err != nil {
		res := &request.Response{Err: err}
		if synchronous {
			return res
		}
		if sink := q.currentSink(); sink != nil {
			sink.OnError(err, req)
		}
		return nil
	}
	if synchronous {
		q.submitters.Done()
		return q.run(p)
	}
	q.enqueue(p)
	return nil
}

// enqueue hands the call to the pool. A full buffer falls back to a spawned
// send so the caller never blocks; Close waits these senders out before the
// jobs channel goes away.
func (q *Queue) enqueue(p *pendingCall) {
	select {
	case q.jobs <- p:
		q.submitters.Done()
	default:
		go func() {
			q.jobs <- p
			q.submitters.Done()
		}()
	}
}

// CancelAll sweeps the pending set under the lock. The predicate confirms
// each cancellation; confirmed calls are marked, removed, and their network
// attempts aborted. An in-flight call may still complete at the HTTP layer
// but delivers nowhere. The predicate runs under the sweep lock, so cancel
// callbacks must not submit or cancel through the queue.
func (q *Queue) CancelAll(match func(relay.Pending) bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for id, p := range q.pending {
		if p.cancelled {
			continue
		}
		if match(relay.Pending{Identity: p.req.Identity(), Tag: p.req.Tag, Request: p.req}) {
			p.cancelled = true
			if p.abort != nil {
				p.abort()
			}
			delete(q.pending, id)
		}
	}
}

// Close refuses new submissions, waits for in-flight Submit calls to finish
// enqueuing, then stops the workers after the backlog drains.
func (q *Queue) Close() {
	q.closeOnce.Do(func() {
		q.mu.Lock()
		q.closed = true
		q.mu.Unlock()
		q.submitters.Wait()
		close(q.jobs)
		q.wg.Wait()
	})
}

func (q *Queue) worker() {
	defer q.wg.Done()
	for p := range q.jobs {
		q.run(p)
	}
}

// track admits one submission. The submitter count is raised under the same
// lock that guards the closed flag, so Close cannot slip between the check
// and the registration.
func (q *Queue) track(req *request.Request) (*pendingCall, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, request.ErrQueueClosed
	}
	q.submitters.Add(1)
	q.nextID++
	p := &pendingCall{id: q.nextID, req: req}
	q.pending[p.id] = p
	return p, nil
}

// run executes one call and delivers its outcome unless a cancellation sweep
// claimed it first.
func (q *Queue) run(p *pendingCall) *request.Response {
	start := time.Now()
	res := q.execute(p)
	duration := time.Since(start)

	q.mu.Lock()
	cancelled := p.cancelled
	delete(q.pending, p.id)
	sink := q.sink
	q.mu.Unlock()

	outcome := "ok"
	switch {
	case cancelled:
		outcome = "cancelled"
	case res.Err != nil:
		outcome = "error"
	}
	observability.RecordDispatch(p.req.Method, res.StatusCode, outcome, duration)

	if cancelled {
		log.Logger.Debug().
			Str("method", p.req.Method).
			Str("url", p.req.URL).
			Msg("dropping outcome of cancelled request")
		return res
	}
	if sink != nil {
		if res.Err != nil {
			sink.OnError(res.Err, p.req)
		} else {
			sink.OnResponse(res, p.req)
		}
	}
	return res
}

// execute performs the network attempts allowed by the request's retry
// policy: a fixed per-attempt timeout and at most one retry, taken only for
// transport-level failures, never for HTTP error statuses.
func (q *Queue) execute(p *pendingCall) *request.Response {
	attempts := 1 + p.req.Retry.MaxRetries
	var res *request.Response
	for attempt := 0; attempt < attempts; attempt++ {
		res = q.attempt(p)
		if res.Err == nil || res.StatusCode != 0 {
			return res
		}
		if q.isCancelled(p) {
			return res
		}
		log.Logger.Warn().
			Err(res.Err).
			Str("method", p.req.Method).
			Str("url", p.req.URL).
			Int("attempt", attempt+1).
			Msg("transport attempt failed")
	}
	return res
}

func (q *Queue) attempt(p *pendingCall) *request.Response {
	req := p.req
	timeout := req.Retry.Timeout
	if timeout <= 0 {
		timeout = defaultAttemptTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	q.mu.Lock()
	if p.cancelled {
		q.mu.Unlock()
		return &request.Response{Err: request.ErrCancelled}
	}
	p.abort = cancel
	q.mu.Unlock()

	target := req.URL
	if len(req.GetParams) > 0 {
		sep := "?"
		if strings.Contains(target, "?") {
			sep = "&"
		}
		target += sep + req.GetParams.Encode()
	}

	var body io.Reader
	contentType := ""
	switch {
	case len(req.PostParams) > 0:
		form := url.Values{}
		for k, v := range req.PostParams {
			form.Set(k, v)
		}
		body = strings.NewReader(form.Encode())
		contentType = "application/x-www-form-urlencoded"
	case len(req.Body) > 0:
		body = bytes.NewReader(req.Body)
	}
	if contentType != "" && req.Charset != "" {
		contentType += "; charset=" + req.Charset
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, target, body)
	if err != nil {
		return &request.Response{Err: err}
	}
	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	httpRes, err := q.httpClient.Do(httpReq)
	if err != nil {
		if q.isCancelled(p) {
			return &request.Response{Err: request.ErrCancelled}
		}
		return &request.Response{Err: err}
	}
	defer httpRes.Body.Close()

	payload, err := io.ReadAll(httpRes.Body)
	if err != nil {
		return &request.Response{StatusCode: httpRes.StatusCode, Headers: httpRes.Header, Err: err}
	}

	res := &request.Response{
		StatusCode: httpRes.StatusCode,
		Headers:    httpRes.Header,
		Body:       payload,
	}
	if httpRes.StatusCode >= 400 {
		res.Err = &request.StatusError{Code: httpRes.StatusCode, Status: httpRes.Status}
	}
	return res
}

func (q *Queue) isCancelled(p *pendingCall) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return p.cancelled
}

func (q *Queue) currentSink() relay.Sink {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.sink
}
