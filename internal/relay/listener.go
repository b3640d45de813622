package relay

import "github.com/t-web/relayq/internal/request"

// Listener receives exactly one terminal callback per dispatched request:
// response, error or cancel. Callbacks for asynchronous dispatches arrive on
// transport worker goroutines. The tag is the one the listener's own caller
// supplied, even when its request was duplicate-suppressed.
//
// Listener-scoped cancellation compares listeners by interface equality, so
// listeners passed to CancelAllForListener should be pointers.
type Listener interface {
	OnResponse(res *request.Response, tag string)
	OnError(err error, tag string)
	OnCancel(tag string)
}

// ListenerFuncs adapts plain functions to Listener. Nil fields are skipped.
type ListenerFuncs struct {
	Response func(res *request.Response, tag string)
	Error    func(err error, tag string)
	Cancel   func(tag string)
}

func (l *ListenerFuncs) OnResponse(res *request.Response, tag string) {
	if l.Response != nil {
		l.Response(res, tag)
	}
}

func (l *ListenerFuncs) OnError(err error, tag string) {
	if l.Error != nil {
		l.Error(err, tag)
	}
}

func (l *ListenerFuncs) OnCancel(tag string) {
	if l.Cancel != nil {
		l.Cancel(tag)
	}
}

// Nil-safe invocation helpers. A nil listener is a registered caller that
// does not want callbacks; it still participates in duplicate suppression.

func notifyResponse(l Listener, res *request.Response, tag string) {
	if l != nil {
		l.OnResponse(res, tag)
	}
}

func notifyError(l Listener, err error, tag string) {
	if l != nil {
		l.OnError(err, tag)
	}
}

func notifyCancel(l Listener, tag string) {
	if l != nil {
		l.OnCancel(tag)
	}
}
