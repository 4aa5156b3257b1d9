package provider

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/goccy/go-json"
)

const maxResponseBody = 4 << 20

// session is the HTTP plumbing shared by the panel clients: it logs in lazily,
// re-logs in once on an authorization failure and classifies errors.
type session struct {
	baseURL string
	http    *http.Client

	mu       sync.Mutex
	loggedIn bool

	// login performs the panel specific authentication.
	login func(ctx context.Context) error
	// authorize decorates every authenticated request.
	authorize func(req *http.Request)
}

func newSession(rawURL string, hc *http.Client) (*session, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("%w: invalid panel url %q", ErrConfiguration, rawURL)
	}
	return &session{
		baseURL: strings.TrimRight(u.String(), "/"),
		http:    hc,
	}, nil
}

// Login forces a fresh authentication.
func (s *session) Login(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loginLocked(ctx)
}

func (s *session) loginLocked(ctx context.Context) error {
	s.loggedIn = false
	if s.login != nil {
		if err := s.login(ctx); err != nil {
			return err
		}
	}
	s.loggedIn = true
	return nil
}

func (s *session) ensureLogin(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loggedIn {
		return nil
	}
	return s.loginLocked(ctx)
}

// call performs an authenticated request. A 401/403 triggers exactly one re-login and replay.
func (s *session) call(ctx context.Context, method, path string, body any) ([]byte, error) {
	if err := s.ensureLogin(ctx); err != nil {
		return nil, err
	}
	status, respBody, err := s.send(ctx, method, path, body, true)
	if err != nil {
		return nil, err
	}
	if isAuthStatus(status) {
		if err := s.Login(ctx); err != nil {
			return nil, err
		}
		status, respBody, err = s.send(ctx, method, path, body, true)
		if err != nil {
			return nil, err
		}
		if isAuthStatus(status) {
			return nil, fmt.Errorf("%w: %s %s returned %d", ErrAuthFailed, method, path, status)
		}
	}
	return respBody, classifyStatus(method, path, status, respBody)
}

// send executes one request. Bodies of type url.Values are form encoded, everything else is JSON.
func (s *session) send(ctx context.Context, method, path string, body any, authorized bool) (int, []byte, error) {
	var reader io.Reader
	contentType := ""
	switch b := body.(type) {
	case nil:
	case url.Values:
		reader = strings.NewReader(b.Encode())
		contentType = "application/x-www-form-urlencoded"
	default:
		data, err := json.Marshal(b)
		if err != nil {
			return 0, nil, err
		}
		reader = bytes.NewReader(data)
		contentType = "application/json"
	}

	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, reader)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: %v", ErrConfiguration, err)
	}
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if authorized && s.authorize != nil {
		s.authorize(req)
	}

	resp, err := s.http.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: %v", ErrRemoteUnavailable, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return 0, nil, fmt.Errorf("%w: reading body: %v", ErrRemoteUnavailable, err)
	}
	return resp.StatusCode, data, nil
}

func isAuthStatus(status int) bool {
	return status == http.StatusUnauthorized || status == http.StatusForbidden
}

func classifyStatus(method, path string, status int, body []byte) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusNotFound:
		return fmt.Errorf("%w: %s %s", ErrNotFound, method, path)
	case status >= 500:
		return fmt.Errorf("%w: %s %s returned %d", ErrRemoteUnavailable, method, path, status)
	}
	return fmt.Errorf("%w: %s %s returned %d: %s", ErrRemoteFailure, method, path, status, truncate(body, 200))
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}
