// Package request defines the transport-agnostic request/response model and
// the value-based identity used for duplicate detection.
package request

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"
)

// Identity is a value-based key for duplicate detection. Two independently
// constructed requests with the same method, URL and parameters share one
// identity.
type Identity string

// RetryPolicy bounds one transport attempt. MaxRetries counts native
// transport-level retries only; auth-driven resubmissions create new
// pending requests and are not covered here.
type RetryPolicy struct {
	Timeout    time.Duration
	MaxRetries int
	Multiplier float64
}

// DefaultRetryPolicy returns the fixed policy the dispatcher attaches to
// every request: bounded timeout, one retry, no backoff growth.
func DefaultRetryPolicy(timeout time.Duration) RetryPolicy {
	return RetryPolicy{
		Timeout:    timeout,
		MaxRetries: 1,
		Multiplier: 1.0,
	}
}

// Request describes one HTTP call to be dispatched. Tag is assigned by the
// dispatcher from the caller-supplied value and travels back in callbacks.
type Request struct {
	Method     string
	URL        string
	GetParams  url.Values
	PostParams map[string]string
	Headers    map[string]string
	Body       []byte
	Charset    string
	Tag        string
	Retry      RetryPolicy
}

// Response carries the terminal outcome of one transport submission. Err is
// set for network failures and HTTP error statuses; Body is retained when
// the server produced one.
type Response struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
	Err        error
}

// Identity derives the request's duplicate-detection key. Query and post
// parameters are key-sorted before hashing so construction order does not
// matter.
func (r *Request) Identity() Identity {
	h := sha256.New()
	h.Write([]byte(r.Method))
	h.Write([]byte{0})
	h.Write([]byte(r.URL))
	h.Write([]byte{0})
	h.Write([]byte(r.GetParams.Encode()))
	h.Write([]byte{0})
	h.Write([]byte(encodeSorted(r.PostParams)))
	h.Write([]byte{0})
	h.Write(r.Body)
	return Identity(hex.EncodeToString(h.Sum(nil)))
}

func encodeSorted(params map[string]string) string {
	if len(params) == 0 {
		return ""
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(url.QueryEscape(k))
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(params[k]))
	}
	return b.String()
}
