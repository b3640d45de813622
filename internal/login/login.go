// Package login owns the credential side of the dispatch flow.
//
// Ownership boundary:
// - the Manager contract the relay client consumes
// - the anonymous no-op manager
// - the session-token manager with restore support
package login

import (
	"errors"

	"github.com/t-web/relayq/internal/request"
)

var ErrLoginFailed = errors.New("login: login failed")

// Submitter is the narrow transport surface a manager needs for its own
// login, logout and restore calls.
type Submitter interface {
	Submit(req *request.Request, synchronous bool) *request.Response
}

// Manager supplies login state to the relay client. All calls may arrive
// from transport worker goroutines; implementations must be safe for
// concurrent use.
type Manager interface {
	// ShouldRestoreLogin reports whether dispatches go through the
	// restore-on-demand flow at all.
	ShouldRestoreLogin() bool

	// CanRestoreLogin reports whether enough credential state is held to
	// attempt a restore.
	CanRestoreLogin() bool

	// DomainDependsOnLogin marks domains where a 404 can mean a lost
	// session rather than a missing resource.
	DomainDependsOnLogin() bool

	// ApplyToRequest stamps stored credentials onto an outgoing request.
	ApplyToRequest(req *request.Request)

	// RestoreLoginData re-establishes the session through the transport.
	// It blocks and reports success.
	RestoreLoginData(s Submitter) bool

	// OnLoginRestoreFailed is told exactly once per dispatch whose restore
	// attempt was exhausted or impossible.
	OnLoginRestoreFailed()

	Login(username, password string, s Submitter) error
	Logout(s Submitter) error
}

// Anonymous is the default manager: no credentials, no restore flow.
type Anonymous struct{}

func (Anonymous) ShouldRestoreLogin() bool              { return false }
func (Anonymous) CanRestoreLogin() bool                 { return false }
func (Anonymous) DomainDependsOnLogin() bool            { return false }
func (Anonymous) ApplyToRequest(*request.Request)       {}
func (Anonymous) RestoreLoginData(Submitter) bool       { return false }
func (Anonymous) OnLoginRestoreFailed()                 {}
func (Anonymous) Login(string, string, Submitter) error { return nil }
func (Anonymous) Logout(Submitter) error                { return nil }
