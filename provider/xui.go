package provider

import (
	"context"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/url"

	"github.com/goccy/go-json"
	"github.com/tidwall/gjson"

	"github.com/xshayank/VpnMarket-sub001/database/model"
)

// XUI speaks the 3x-ui panel API. Accounts are inbound clients identified by email;
// the session is a cookie obtained from /login.
type XUI struct {
	*session
}

func NewXUI(panel *model.Panel, hc *http.Client) (Provider, error) {
	if err := requireCredentials(panel); err != nil {
		return nil, err
	}
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	client := &http.Client{Transport: hc.Transport, Timeout: hc.Timeout, Jar: jar}
	s, err := newSession(panel.Url, client)
	if err != nil {
		return nil, err
	}
	x := &XUI{session: s}
	s.login = func(ctx context.Context) error {
		form := url.Values{}
		form.Set("username", panel.Username)
		form.Set("password", panel.Password)
		status, body, err := s.send(ctx, http.MethodPost, "/login", form, false)
		if err != nil {
			return err
		}
		if err := classifyStatus(http.MethodPost, "/login", status, body); err != nil {
			return err
		}
		if !gjson.GetBytes(body, "success").Bool() {
			return fmt.Errorf("%w: %s", ErrAuthFailed, failureMessage(gjson.ParseBytes(body)))
		}
		return nil
	}
	return x, nil
}

func (x *XUI) GetUsage(ctx context.Context, remoteID string) (int64, error) {
	body, err := x.call(ctx, http.MethodGet, "/panel/api/inbounds/getClientTraffics/"+url.PathEscape(remoteID), nil)
	if err != nil {
		return 0, err
	}
	return ResolveUsage(body)
}

func (x *XUI) Enable(ctx context.Context, remoteID string) error {
	return x.setEnable(ctx, remoteID, true)
}

func (x *XUI) Disable(ctx context.Context, remoteID string) error {
	return x.setEnable(ctx, remoteID, false)
}

// setEnable rewrites the client entry inside its inbound settings with the new enable flag.
func (x *XUI) setEnable(ctx context.Context, email string, enable bool) error {
	body, err := x.call(ctx, http.MethodGet, "/panel/api/inbounds/list", nil)
	if err != nil {
		return err
	}
	if err := CheckSuccess(body); err != nil {
		return err
	}

	inboundID, client, err := findXUIClient(body, email)
	if err != nil {
		return err
	}
	clientKey := xuiClientKey(client)
	if clientKey == "" {
		return fmt.Errorf("%w: client %s has no identifier", ErrMalformedResponse, email)
	}
	client["enable"] = enable

	settings, err := json.Marshal(map[string]any{"clients": []any{client}})
	if err != nil {
		return err
	}
	payload := map[string]any{"id": inboundID, "settings": string(settings)}
	resp, err := x.call(ctx, http.MethodPost, "/panel/api/inbounds/updateClient/"+url.PathEscape(clientKey), payload)
	if err != nil {
		return err
	}
	return CheckSuccess(resp)
}

func findXUIClient(listBody []byte, email string) (int64, map[string]any, error) {
	var (
		inboundID int64
		found     string
	)
	gjson.GetBytes(listBody, "obj").ForEach(func(_, inbound gjson.Result) bool {
		settings := gjson.Parse(inbound.Get("settings").String())
		settings.Get("clients").ForEach(func(_, c gjson.Result) bool {
			if c.Get("email").String() == email {
				found = c.Raw
				return false
			}
			return true
		})
		if found != "" {
			inboundID = inbound.Get("id").Int()
			return false
		}
		return true
	})
	if found == "" {
		return 0, nil, fmt.Errorf("%w: client %s", ErrNotFound, email)
	}
	client := map[string]any{}
	if err := json.Unmarshal([]byte(found), &client); err != nil {
		return 0, nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	return inboundID, client, nil
}

// xuiClientKey returns the identifier updateClient expects: the uuid for vmess/vless,
// the password for trojan and the email for shadowsocks.
func xuiClientKey(client map[string]any) string {
	for _, key := range []string{"id", "password", "email"} {
		if v, ok := client[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}
