package provider

import (
	"context"
	"net/http"
	"net/url"

	"github.com/xshayank/VpnMarket-sub001/database/model"
)

// Marzneshin speaks the marzneshin admin API, which has dedicated enable/disable endpoints.
type Marzneshin struct {
	*session
}

func NewMarzneshin(panel *model.Panel, hc *http.Client) (Provider, error) {
	if err := requireCredentials(panel); err != nil {
		return nil, err
	}
	s, err := newSession(panel.Url, hc)
	if err != nil {
		return nil, err
	}
	auth := &tokenAuth{}
	s.authorize = auth.authorize
	s.login = passwordLogin(s, auth, "/api/admins/token", panel.Username, panel.Password)
	return &Marzneshin{session: s}, nil
}

func (m *Marzneshin) GetUsage(ctx context.Context, remoteID string) (int64, error) {
	body, err := m.call(ctx, http.MethodGet, "/api/users/"+url.PathEscape(remoteID), nil)
	if err != nil {
		return 0, err
	}
	return ResolveUsage(body)
}

func (m *Marzneshin) Enable(ctx context.Context, remoteID string) error {
	return m.post(ctx, "/api/users/"+url.PathEscape(remoteID)+"/enable")
}

func (m *Marzneshin) Disable(ctx context.Context, remoteID string) error {
	return m.post(ctx, "/api/users/"+url.PathEscape(remoteID)+"/disable")
}

func (m *Marzneshin) post(ctx context.Context, path string) error {
	body, err := m.call(ctx, http.MethodPost, path, nil)
	if err != nil {
		return err
	}
	return CheckSuccess(body)
}
