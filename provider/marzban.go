package provider

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"

	"github.com/tidwall/gjson"

	"github.com/xshayank/VpnMarket-sub001/database/model"
)

// tokenAuth holds a bearer token obtained from an OAuth password login,
// the scheme shared by marzban and marzneshin.
type tokenAuth struct {
	mu    sync.RWMutex
	token string
}

func (a *tokenAuth) set(token string) {
	a.mu.Lock()
	a.token = token
	a.mu.Unlock()
}

func (a *tokenAuth) authorize(req *http.Request) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.token != "" {
		req.Header.Set("Authorization", "Bearer "+a.token)
	}
}

func passwordLogin(s *session, auth *tokenAuth, path, username, password string) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		form := url.Values{}
		form.Set("grant_type", "password")
		form.Set("username", username)
		form.Set("password", password)
		status, body, err := s.send(ctx, http.MethodPost, path, form, false)
		if err != nil {
			return err
		}
		if isAuthStatus(status) || status == http.StatusUnprocessableEntity {
			return fmt.Errorf("%w: login returned %d", ErrAuthFailed, status)
		}
		if err := classifyStatus(http.MethodPost, path, status, body); err != nil {
			return err
		}
		token := gjson.GetBytes(body, "access_token").String()
		if token == "" {
			return fmt.Errorf("%w: login response without access_token", ErrMalformedResponse)
		}
		auth.set(token)
		return nil
	}
}

func requireCredentials(panel *model.Panel) error {
	if panel.Username == "" || panel.Password == "" {
		return fmt.Errorf("%w: panel %d has no username/password", ErrConfiguration, panel.Id)
	}
	return nil
}

// Marzban speaks the marzban admin API.
type Marzban struct {
	*session
}

func NewMarzban(panel *model.Panel, hc *http.Client) (Provider, error) {
	if err := requireCredentials(panel); err != nil {
		return nil, err
	}
	s, err := newSession(panel.Url, hc)
	if err != nil {
		return nil, err
	}
	auth := &tokenAuth{}
	s.authorize = auth.authorize
	s.login = passwordLogin(s, auth, "/api/admin/token", panel.Username, panel.Password)
	return &Marzban{session: s}, nil
}

func (m *Marzban) GetUsage(ctx context.Context, remoteID string) (int64, error) {
	body, err := m.call(ctx, http.MethodGet, "/api/user/"+url.PathEscape(remoteID), nil)
	if err != nil {
		return 0, err
	}
	return ResolveUsage(body)
}

func (m *Marzban) Enable(ctx context.Context, remoteID string) error {
	return m.setStatus(ctx, remoteID, "active")
}

func (m *Marzban) Disable(ctx context.Context, remoteID string) error {
	return m.setStatus(ctx, remoteID, "disabled")
}

func (m *Marzban) setStatus(ctx context.Context, remoteID, status string) error {
	body, err := m.call(ctx, http.MethodPut, "/api/user/"+url.PathEscape(remoteID), map[string]string{"status": status})
	if err != nil {
		return err
	}
	if err := CheckSuccess(body); err != nil {
		return err
	}
	if got := gjson.GetBytes(body, "status"); got.Exists() && got.String() != status {
		return fmt.Errorf("%w: status is %q after update", ErrRemoteFailure, got.String())
	}
	return nil
}
