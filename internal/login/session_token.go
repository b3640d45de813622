package login

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/t-web/relayq/internal/observability"
	"github.com/t-web/relayq/internal/request"
)

// SessionToken authenticates with a username/password form post and carries
// the returned bearer token on every outgoing request. Restore re-posts the
// stored credentials.
type SessionToken struct {
	loginURL      string
	logoutURL     string
	domainOnLogin bool

	mu       sync.Mutex
	username string
	password string
	token    string
}

// NewSessionToken builds a manager against the given login endpoint.
// logoutURL may be empty; domainDependsOnLogin marks deployments where a 404
// can indicate a dropped session.
func NewSessionToken(loginURL, logoutURL string, domainDependsOnLogin bool) *SessionToken {
	return &SessionToken{
		loginURL:      loginURL,
		logoutURL:     logoutURL,
		domainOnLogin: domainDependsOnLogin,
	}
}

func (m *SessionToken) ShouldRestoreLogin() bool   { return true }
func (m *SessionToken) DomainDependsOnLogin() bool { return m.domainOnLogin }

func (m *SessionToken) CanRestoreLogin() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.username != ""
}

func (m *SessionToken) ApplyToRequest(req *request.Request) {
	m.mu.Lock()
	token := m.token
	m.mu.Unlock()
	if token == "" {
		return
	}
	if req.Headers == nil {
		req.Headers = make(map[string]string)
	}
	req.Headers["Authorization"] = "Bearer " + token
}

func (m *SessionToken) Login(username, password string, s Submitter) error {
	token, err := m.authenticate(username, password, s)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.username = username
	m.password = password
	m.token = token
	m.mu.Unlock()
	return nil
}

func (m *SessionToken) RestoreLoginData(s Submitter) bool {
	m.mu.Lock()
	username := m.username
	password := m.password
	m.mu.Unlock()
	if username == "" {
		return false
	}
	token, err := m.authenticate(username, password, s)
	if err != nil {
		log.Logger.Warn().Err(err).Msg("login restore attempt failed")
		observability.RecordLoginRestore("failed")
		return false
	}
	m.mu.Lock()
	m.token = token
	m.mu.Unlock()
	observability.RecordLoginRestore("ok")
	return true
}

func (m *SessionToken) OnLoginRestoreFailed() {
	m.mu.Lock()
	m.token = ""
	m.mu.Unlock()
	log.Logger.Warn().Msg("login restore exhausted, session dropped")
}

func (m *SessionToken) Logout(s Submitter) error {
	m.mu.Lock()
	logoutURL := m.logoutURL
	token := m.token
	m.username = ""
	m.password = ""
	m.token = ""
	m.mu.Unlock()

	if logoutURL == "" || token == "" {
		return nil
	}
	req := &request.Request{
		Method:  http.MethodPost,
		URL:     logoutURL,
		Headers: map[string]string{"Authorization": "Bearer " + token},
	}
	res := s.Submit(req, true)
	if res != nil && res.Err != nil {
		return res.Err
	}
	return nil
}

func (m *SessionToken) authenticate(username, password string, s Submitter) (string, error) {
	req := &request.Request{
		Method: http.MethodPost,
		URL:    m.loginURL,
		PostParams: map[string]string{
			"username": username,
			"password": password,
		},
	}
	res := s.Submit(req, true)
	if res == nil {
		return "", ErrLoginFailed
	}
	if res.Err != nil {
		return "", res.Err
	}
	var payload struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(res.Body, &payload); err != nil {
		return "", err
	}
	if payload.Token == "" {
		return "", ErrLoginFailed
	}
	return payload.Token, nil
}
