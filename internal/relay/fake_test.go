package relay

import (
	"sync"

	"github.com/t-web/relayq/internal/request"
)

// fakeTransport records submissions. With a script it resolves each
// submission inline through the sink; without one the test drives delivery
// via deliverResponse/deliverError.
type fakeTransport struct {
	mu          sync.Mutex
	sink        Sink
	submissions []*request.Request
	pending     []*request.Request
	script      func(req *request.Request) *request.Response
}

func (f *fakeTransport) SetSink(s Sink) {
	f.mu.Lock()
	f.sink = s
	f.mu.Unlock()
}

func (f *fakeTransport) Submit(req *request.Request, synchronous bool) *request.Response {
	f.mu.Lock()
	f.submissions = append(f.submissions, req)
	f.pending = append(f.pending, req)
	script := f.script
	f.mu.Unlock()

	if script == nil {
		return nil
	}
	res := script(req)
	f.resolve(req, res)
	if synchronous {
		return res
	}
	return nil
}

func (f *fakeTransport) CancelAll(match func(Pending) bool) {
	f.mu.Lock()
	snapshot := append([]*request.Request(nil), f.pending...)
	f.mu.Unlock()

	var kept []*request.Request
	for _, req := range snapshot {
		if !match(Pending{Identity: req.Identity(), Tag: req.Tag, Request: req}) {
			kept = append(kept, req)
		}
	}
	f.mu.Lock()
	f.pending = kept
	f.mu.Unlock()
}

func (f *fakeTransport) deliverResponse(req *request.Request, res *request.Response) {
	f.resolve(req, res)
}

func (f *fakeTransport) deliverError(req *request.Request, err error) {
	f.resolve(req, &request.Response{Err: err})
}

func (f *fakeTransport) resolve(req *request.Request, res *request.Response) {
	f.mu.Lock()
	for i, pending := range f.pending {
		if pending == req {
			f.pending = append(f.pending[:i], f.pending[i+1:]...)
			break
		}
	}
	sink := f.sink
	f.mu.Unlock()
	if sink == nil {
		return
	}
	if res.Err != nil {
		sink.OnError(res.Err, req)
	} else {
		sink.OnResponse(res, req)
	}
}

func (f *fakeTransport) submissionCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.submissions)
}

// recordingListener captures terminal callbacks in arrival order.
type recordingListener struct {
	mu        sync.Mutex
	responses []string // tags
	errors    []error
	errorTags []string
	cancels   []string // tags
}

func (r *recordingListener) OnResponse(res *request.Response, tag string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.responses = append(r.responses, tag)
}

func (r *recordingListener) OnError(err error, tag string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errors = append(r.errors, err)
	r.errorTags = append(r.errorTags, tag)
}

func (r *recordingListener) OnCancel(tag string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancels = append(r.cancels, tag)
}

func (r *recordingListener) counts() (responses, errors, cancels int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.responses), len(r.errors), len(r.cancels)
}

// inlineExecutor runs restore tasks on the calling goroutine so retry
// ordering is deterministic in tests.
type inlineExecutor struct{}

func (inlineExecutor) Go(task func()) { task() }
