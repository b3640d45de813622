package relay

import "github.com/t-web/relayq/internal/request"

// Pending describes one submission held by the transport queue, as seen by
// cancellation predicates.
type Pending struct {
	Identity request.Identity
	Tag      string
	Request  *request.Request
}

// Sink is the single notification target the transport delivers every
// terminal outcome to, regardless of which call originated the request.
type Sink interface {
	OnResponse(res *request.Response, req *request.Request)
	OnError(err error, req *request.Request)
	OnCancel(req *request.Request)
}

// Transport is the queue the client dispatches through. Submit returns the
// outcome inline for synchronous calls and nil for asynchronous ones.
// CancelAll confirms cancellation for every pending request the predicate
// matches; matched requests are never delivered afterwards.
type Transport interface {
	Submit(req *request.Request, synchronous bool) *request.Response
	CancelAll(match func(Pending) bool)
	SetSink(s Sink)
}
