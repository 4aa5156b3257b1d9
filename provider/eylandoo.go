package provider

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/xshayank/VpnMarket-sub001/database/model"
)

// Eylandoo speaks the eylandoo v1 API authenticated by a static API key.
type Eylandoo struct {
	*session
}

func NewEylandoo(panel *model.Panel, hc *http.Client) (Provider, error) {
	if panel.ApiToken == "" {
		return nil, fmt.Errorf("%w: panel %d has no api token", ErrConfiguration, panel.Id)
	}
	s, err := newSession(panel.Url, hc)
	if err != nil {
		return nil, err
	}
	token := panel.ApiToken
	s.authorize = func(req *http.Request) {
		req.Header.Set("X-API-KEY", token)
	}
	s.login = func(ctx context.Context) error {
		status, body, err := s.send(ctx, http.MethodGet, "/api/v1/users?per_page=1", nil, true)
		if err != nil {
			return err
		}
		if isAuthStatus(status) {
			return fmt.Errorf("%w: api key rejected", ErrAuthFailed)
		}
		if err := classifyStatus(http.MethodGet, "/api/v1/users", status, body); err != nil {
			return err
		}
		return CheckSuccess(body)
	}
	return &Eylandoo{session: s}, nil
}

func (e *Eylandoo) GetUsage(ctx context.Context, remoteID string) (int64, error) {
	body, err := e.call(ctx, http.MethodGet, "/api/v1/users/"+url.PathEscape(remoteID), nil)
	if err != nil {
		return 0, err
	}
	return ResolveUsage(body)
}

func (e *Eylandoo) Enable(ctx context.Context, remoteID string) error {
	return e.setActive(ctx, remoteID, true)
}

func (e *Eylandoo) Disable(ctx context.Context, remoteID string) error {
	return e.setActive(ctx, remoteID, false)
}

func (e *Eylandoo) setActive(ctx context.Context, remoteID string, active bool) error {
	body, err := e.call(ctx, http.MethodPut, "/api/v1/users/"+url.PathEscape(remoteID), map[string]bool{"is_active": active})
	if err != nil {
		return err
	}
	return CheckSuccess(body)
}
