package httpq

import (
	"crypto/tls"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/t-web/relayq/internal/relay"
	"github.com/t-web/relayq/internal/request"
	"github.com/t-web/relayq/internal/testutil/testlog"
	"github.com/t-web/relayq/internal/testutil/tlstest"
)

type recordingSink struct {
	mu        sync.Mutex
	responses []*request.Response
	errors    []error
	done      chan struct{}
}

func newRecordingSink() *recordingSink {
	return &recordingSink{done: make(chan struct{}, 16)}
}

func (s *recordingSink) OnResponse(res *request.Response, req *request.Request) {
	s.mu.Lock()
	s.responses = append(s.responses, res)
	s.mu.Unlock()
	s.done <- struct{}{}
}

func (s *recordingSink) OnError(err error, req *request.Request) {
	s.mu.Lock()
	s.errors = append(s.errors, err)
	s.mu.Unlock()
	s.done <- struct{}{}
}

func (s *recordingSink) OnCancel(req *request.Request) {}

func (s *recordingSink) wait(t *testing.T) {
	t.Helper()
	select {
	case <-s.done:
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for sink delivery")
	}
}

func (s *recordingSink) counts() (responses, errors int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.responses), len(s.errors)
}

func newTestQueue(t *testing.T) (*Queue, *recordingSink) {
	t.Helper()
	return newTestQueueConfig(t, Config{Workers: 2, QueueSize: 8})
}

func newTestQueueConfig(t *testing.T, cfg Config) (*Queue, *recordingSink) {
	t.Helper()
	q, err := New(cfg)
	if err != nil {
		t.Fatalf("starting queue: %v", err)
	}
	t.Cleanup(q.Close)
	sink := newRecordingSink()
	q.SetSink(sink)
	return q, sink
}

func testRequest(method, target string) *request.Request {
	return &request.Request{
		Method: method,
		URL:    target,
		Retry:  request.DefaultRetryPolicy(2 * time.Second),
	}
}

func TestSynchronousSubmitReturnsResponse(t *testing.T) {
	testlog.Start(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("hello"))
	}))
	defer srv.Close()

	q, sink := newTestQueue(t)
	res := q.Submit(testRequest(http.MethodGet, srv.URL), true)

	if res == nil || res.Err != nil || res.StatusCode != 200 {
		t.Fatalf("unexpected result %+v", res)
	}
	if string(res.Body) != "hello" {
		t.Fatalf("unexpected body %q", res.Body)
	}
	if responses, _ := sink.counts(); responses != 1 {
		t.Fatalf("synchronous outcome should also reach the sink, got %d", responses)
	}
}

func TestAsynchronousSubmitDeliversToSink(t *testing.T) {
	testlog.Start(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	q, sink := newTestQueue(t)
	if res := q.Submit(testRequest(http.MethodGet, srv.URL), false); res != nil {
		t.Fatalf("async submit must return nil, got %+v", res)
	}
	sink.wait(t)
	if responses, errs := sink.counts(); responses != 1 || errs != 0 {
		t.Fatalf("expected one response, got %d responses %d errors", responses, errs)
	}
}

func TestErrorStatusBecomesStatusError(t *testing.T) {
	testlog.Start(t)
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		http.Error(w, "denied", http.StatusUnauthorized)
	}))
	defer srv.Close()

	q, _ := newTestQueue(t)
	res := q.Submit(testRequest(http.MethodGet, srv.URL), true)

	if res == nil || !request.IsAuthError(res.Err) {
		t.Fatalf("401 should classify as an auth error, got %+v", res)
	}
	if res.StatusCode != 401 || len(res.Body) == 0 {
		t.Fatalf("status and body should survive alongside the error, got %+v", res)
	}
	if got := atomic.LoadInt32(&hits); got != 1 {
		t.Fatalf("HTTP error statuses must not be retried, got %d attempts", got)
	}
}

func TestTransportFailureRetriesOnce(t *testing.T) {
	testlog.Start(t)
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		// Drop the connection before writing a response.
		conn, _, err := w.(http.Hijacker).Hijack()
		if err != nil {
			t.Errorf("hijack failed: %v", err)
			return
		}
		conn.Close()
	}))
	defer srv.Close()

	q, _ := newTestQueue(t)
	res := q.Submit(testRequest(http.MethodGet, srv.URL), true)

	if res == nil || res.Err == nil {
		t.Fatalf("dropped connection should surface an error")
	}
	if got := atomic.LoadInt32(&hits); got != 2 {
		t.Fatalf("expected the original attempt plus one retry, got %d", got)
	}
}

func TestCancelledRequestIsNeverDelivered(t *testing.T) {
	testlog.Start(t)
	entered := make(chan struct{})
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		entered <- struct{}{}
		<-release
	}))
	defer srv.Close()
	defer close(release)

	q, err := New(Config{Workers: 1, QueueSize: 8})
	if err != nil {
		t.Fatalf("starting queue: %v", err)
	}
	sink := newRecordingSink()
	q.SetSink(sink)

	req := testRequest(http.MethodGet, srv.URL)
	req.Tag = "slow"
	q.Submit(req, false)
	<-entered

	q.CancelAll(func(p relay.Pending) bool { return p.Tag == "slow" })

	// Close drains the worker, so any delivery would have happened by now.
	q.Close()
	if responses, errs := sink.counts(); responses != 0 || errs != 0 {
		t.Fatalf("cancelled outcome must not reach the sink, got %d responses %d errors", responses, errs)
	}
}

func TestCancelAllPredicateSeesTagAndIdentity(t *testing.T) {
	testlog.Start(t)
	entered := make(chan struct{})
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		entered <- struct{}{}
		<-release
	}))
	defer srv.Close()

	q, err := New(Config{Workers: 1, QueueSize: 8})
	if err != nil {
		t.Fatalf("starting queue: %v", err)
	}
	defer q.Close()
	q.SetSink(newRecordingSink())

	req := testRequest(http.MethodGet, srv.URL)
	req.Tag = "probe"
	q.Submit(req, false)
	<-entered
	defer close(release)

	var seen []relay.Pending
	q.CancelAll(func(p relay.Pending) bool {
		seen = append(seen, p)
		return false
	})
	if len(seen) != 1 || seen[0].Tag != "probe" || seen[0].Identity != req.Identity() {
		t.Fatalf("predicate should observe the pending call, got %+v", seen)
	}
}

func TestSubmitAfterClose(t *testing.T) {
	testlog.Start(t)
	q, err := New(Config{Workers: 1, QueueSize: 1})
	if err != nil {
		t.Fatalf("starting queue: %v", err)
	}
	sink := newRecordingSink()
	q.SetSink(sink)
	q.Close()

	res := q.Submit(testRequest(http.MethodGet, "http://example.invalid/"), true)
	if res == nil || !errors.Is(res.Err, request.ErrQueueClosed) {
		t.Fatalf("synchronous submit after close should report the closed queue, got %+v", res)
	}

	if res := q.Submit(testRequest(http.MethodGet, "http://example.invalid/"), false); res != nil {
		t.Fatalf("async submit must return nil")
	}
	sink.wait(t)
	if _, errs := sink.counts(); errs != 1 {
		t.Fatalf("async submit after close should error through the sink, got %d", errs)
	}
}

func TestFormParamsAndQueryEncoding(t *testing.T) {
	testlog.Start(t)
	type seen struct {
		query       url.Values
		contentType string
		form        url.Values
	}
	got := make(chan seen, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		got <- seen{query: r.URL.Query(), contentType: r.Header.Get("Content-Type"), form: r.PostForm}
	}))
	defer srv.Close()

	q, _ := newTestQueue(t)
	req := testRequest(http.MethodPost, srv.URL)
	req.GetParams = url.Values{"page": {"2"}}
	req.PostParams = map[string]string{"title": "hello world"}
	req.Headers = map[string]string{"X-Probe": "1"}

	res := q.Submit(req, true)
	if res == nil || res.Err != nil {
		t.Fatalf("unexpected result %+v", res)
	}

	s := <-got
	if s.query.Get("page") != "2" {
		t.Fatalf("query params lost: %v", s.query)
	}
	if s.contentType != "application/x-www-form-urlencoded" {
		t.Fatalf("unexpected content type %q", s.contentType)
	}
	if s.form.Get("title") != "hello world" {
		t.Fatalf("form body lost: %v", s.form)
	}
}

func TestBodySubmissionWhenNoFormParams(t *testing.T) {
	testlog.Start(t)
	got := make(chan []byte, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		payload, _ := io.ReadAll(r.Body)
		got <- payload
	}))
	defer srv.Close()

	q, _ := newTestQueue(t)
	req := testRequest(http.MethodPatch, srv.URL)
	req.Body = []byte(`{"title":"x"}`)

	if res := q.Submit(req, true); res == nil || res.Err != nil {
		t.Fatalf("unexpected result %+v", res)
	}
	if body := <-got; string(body) != `{"title":"x"}` {
		t.Fatalf("unexpected body %q", body)
	}
}

func TestTLSTrustBundle(t *testing.T) {
	testlog.Start(t)
	dir := t.TempDir()
	ca := tlstest.NewAuthority(t, dir, "relayq test ca")
	certPath, keyPath := ca.IssueServerCert(t, dir, "localhost", []string{"localhost"}, []net.IP{net.IPv4(127, 0, 0, 1)})

	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		t.Fatalf("loading server cert: %v", err)
	}
	srv := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("secure"))
	}))
	srv.TLS = &tls.Config{Certificates: []tls.Certificate{cert}}
	srv.StartTLS()
	defer srv.Close()

	q, _ := newTestQueueConfig(t, Config{Workers: 1, QueueSize: 4, CAFile: ca.CAFile()})
	res := q.Submit(testRequest(http.MethodGet, srv.URL), true)
	if res == nil || res.Err != nil || string(res.Body) != "secure" {
		t.Fatalf("unexpected TLS result %+v", res)
	}
}

func TestUntrustedServerIsRejected(t *testing.T) {
	testlog.Start(t)
	dir := t.TempDir()
	ca := tlstest.NewAuthority(t, dir, "relayq test ca")

	// Server cert from the default httptest authority, not ours.
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("secure"))
	}))
	defer srv.Close()

	q, _ := newTestQueueConfig(t, Config{Workers: 1, QueueSize: 4, CAFile: ca.CAFile()})
	res := q.Submit(testRequest(http.MethodGet, srv.URL), true)
	if res == nil || res.Err == nil {
		t.Fatalf("handshake against an untrusted cert should fail, got %+v", res)
	}
}

func TestBadTrustBundleFailsStartup(t *testing.T) {
	testlog.Start(t)
	if _, err := New(Config{CAFile: filepath.Join(t.TempDir(), "absent.pem")}); err == nil {
		t.Fatalf("missing CA bundle should fail queue construction")
	}
}

func TestAsyncSubmitDoesNotBlockOnFullBuffer(t *testing.T) {
	testlog.Start(t)
	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case entered <- struct{}{}:
		default:
		}
		<-release
	}))
	defer srv.Close()

	q, err := New(Config{Workers: 1, QueueSize: 1})
	if err != nil {
		t.Fatalf("starting queue: %v", err)
	}
	sink := newRecordingSink()
	q.SetSink(sink)

	// One request occupies the worker, one fills the buffer.
	q.Submit(testRequest(http.MethodGet, srv.URL), false)
	<-entered
	q.Submit(testRequest(http.MethodGet, srv.URL), false)

	returned := make(chan struct{})
	go func() {
		q.Submit(testRequest(http.MethodGet, srv.URL), false)
		close(returned)
	}()
	select {
	case <-returned:
	case <-time.After(2 * time.Second):
		t.Fatalf("async submit blocked on a full buffer")
	}

	close(release)
	q.Close()
	if responses, errs := sink.counts(); responses != 3 || errs != 0 {
		t.Fatalf("all backlogged submissions should still deliver, got %d responses %d errors", responses, errs)
	}
}

func TestCloseWithBacklogDoesNotPanic(t *testing.T) {
	testlog.Start(t)
	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case entered <- struct{}{}:
		default:
		}
		<-release
	}))
	defer srv.Close()

	q, err := New(Config{Workers: 1, QueueSize: 1})
	if err != nil {
		t.Fatalf("starting queue: %v", err)
	}
	sink := newRecordingSink()
	q.SetSink(sink)

	for i := 0; i < 4; i++ {
		q.Submit(testRequest(http.MethodGet, srv.URL), false)
	}
	<-entered

	closed := make(chan struct{})
	go func() {
		q.Close()
		close(closed)
	}()

	// Close must wait for the backlog, not race the pending senders.
	time.Sleep(50 * time.Millisecond)
	close(release)
	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatalf("close did not finish draining the backlog")
	}
	if responses, errs := sink.counts(); responses != 4 || errs != 0 {
		t.Fatalf("backlog should drain through the sink, got %d responses %d errors", responses, errs)
	}
	if res := q.Submit(testRequest(http.MethodGet, srv.URL), true); !errors.Is(res.Err, request.ErrQueueClosed) {
		t.Fatalf("submissions after close should be refused, got %+v", res)
	}
}

func TestCharsetAppendedToContentType(t *testing.T) {
	testlog.Start(t)
	got := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got <- r.Header.Get("Content-Type")
	}))
	defer srv.Close()

	q, _ := newTestQueue(t)
	req := testRequest(http.MethodPost, srv.URL)
	req.PostParams = map[string]string{"title": "x"}
	req.Charset = "utf-8"

	if res := q.Submit(req, true); res == nil || res.Err != nil {
		t.Fatalf("unexpected result %+v", res)
	}
	if ct := <-got; ct != "application/x-www-form-urlencoded; charset=utf-8" {
		t.Fatalf("unexpected content type %q", ct)
	}
}
