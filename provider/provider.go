// Package provider talks to the remote provisioning panels. Every panel type is hidden
// behind the Provider interface and constructed through a Registry keyed by panel type.
package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/xshayank/VpnMarket-sub001/database/model"
)

var (
	// ErrConfiguration means the panel cannot be called at all (missing credentials, unknown type).
	// Retrying cannot help.
	ErrConfiguration = errors.New("panel configuration error")
	// ErrRemoteUnavailable covers network failures and 5xx responses.
	ErrRemoteUnavailable = errors.New("panel unavailable")
	// ErrAuthFailed is returned when a request is still unauthorized after one re-login.
	ErrAuthFailed = errors.New("panel authentication failed")
	// ErrMalformedResponse is returned for bodies that are not valid JSON.
	ErrMalformedResponse = errors.New("malformed panel response")
	// ErrRemoteFailure is returned when the panel explicitly reports failure.
	ErrRemoteFailure = errors.New("panel reported failure")
	// ErrNotFound is returned when the remote account does not exist.
	ErrNotFound = errors.New("remote account not found")
)

// Provider is the capability set the engine needs from a panel.
type Provider interface {
	Login(ctx context.Context) error
	// GetUsage returns the remote traffic counter in bytes. A response without any usage
	// field is a valid zero reading; an explicit failure flag is an error.
	GetUsage(ctx context.Context, remoteID string) (int64, error)
	Enable(ctx context.Context, remoteID string) error
	Disable(ctx context.Context, remoteID string) error
}

// Factory builds a client for one panel.
type Factory func(panel *model.Panel, hc *http.Client) (Provider, error)

const clientTTL = 10 * time.Minute

// Registry resolves panels to clients and keeps logged-in clients around for reuse.
type Registry struct {
	mu         sync.RWMutex
	factories  map[model.PanelType]Factory
	clients    *cache.Cache
	httpClient *http.Client
}

func NewRegistry(hc *http.Client) *Registry {
	if hc == nil {
		hc = &http.Client{Timeout: 15 * time.Second}
	}
	return &Registry{
		factories:  make(map[model.PanelType]Factory),
		clients:    cache.New(clientTTL, clientTTL),
		httpClient: hc,
	}
}

// DefaultRegistry returns a registry with every supported panel type registered.
func DefaultRegistry() *Registry {
	r := NewRegistry(nil)
	r.Register(model.PanelMarzban, NewMarzban)
	r.Register(model.PanelMarzneshin, NewMarzneshin)
	r.Register(model.PanelXUI, NewXUI)
	r.Register(model.PanelEylandoo, NewEylandoo)
	return r
}

func (r *Registry) Register(t model.PanelType, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[t] = f
	r.clients.Flush()
}

// For returns the client for panel, building it on first use.
func (r *Registry) For(panel *model.Panel) (Provider, error) {
	if panel == nil {
		return nil, fmt.Errorf("%w: nil panel", ErrConfiguration)
	}
	key := cacheKey(panel)
	if c, ok := r.clients.Get(key); ok {
		return c.(Provider), nil
	}

	r.mu.RLock()
	factory, ok := r.factories[panel.PanelType]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: unsupported panel type %q", ErrConfiguration, panel.PanelType)
	}

	client, err := factory(panel, r.httpClient)
	if err != nil {
		return nil, err
	}
	r.clients.SetDefault(key, client)
	return client, nil
}

// Invalidate drops the cached client of a panel, e.g. after its credentials changed.
func (r *Registry) Invalidate(panel *model.Panel) {
	r.clients.Delete(cacheKey(panel))
}

func cacheKey(panel *model.Panel) string {
	return fmt.Sprintf("%d|%s|%s|%s", panel.Id, panel.PanelType, panel.Url, panel.Username)
}
