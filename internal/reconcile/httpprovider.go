package reconcile

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"
)

// HTTPProvider implements Provider against the eigochat API. The server has
// no push channel, so the provider emits local events for its own successful
// exchange and sign-out, the way the original client SDK surfaced auth-state
// changes it caused itself.
type HTTPProvider struct {
	httpClient *http.Client
	baseURL    string

	mu           sync.Mutex
	accessToken  string
	listeners    map[int]func(Event)
	nextListener int
}

// NewHTTPProvider creates a provider targeting baseURL, e.g.
// "http://localhost:8080".
func NewHTTPProvider(baseURL string) *HTTPProvider {
	return &HTTPProvider{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		baseURL:    strings.TrimRight(baseURL, "/"),
		listeners:  make(map[int]func(Event)),
	}
}

// SetAccessToken seeds the bearer token, e.g. from persisted storage.
func (p *HTTPProvider) SetAccessToken(token string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.accessToken = token
}

func (p *HTTPProvider) token() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.accessToken
}

type sessionProbeResponse struct {
	Authenticated bool `json:"authenticated"`
	User          *struct {
		ID    string `json:"id"`
		Email string `json:"email"`
	} `json:"user"`
	ExpiresAt int64 `json:"expiresAt"`
}

// CurrentSession probes GET /api/session. The endpoint answers 200 for both
// verdicts; "not signed in" is authenticated=false, not an error.
func (p *HTTPProvider) CurrentSession(ctx context.Context) (*Session, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/api/session", nil)
	if err != nil {
		return nil, err
	}
	if token := p.token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("session probe: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("session probe: status %d", resp.StatusCode)
	}

	var probe sessionProbeResponse
	if err := json.NewDecoder(resp.Body).Decode(&probe); err != nil {
		return nil, fmt.Errorf("session probe: %w", err)
	}
	if !probe.Authenticated || probe.User == nil {
		return nil, nil
	}

	return &Session{
		User:        Identity{ID: probe.User.ID, Email: probe.User.Email},
		AccessToken: p.token(),
		ExpiresAt:   time.Unix(probe.ExpiresAt, 0),
	}, nil
}

// Subscribe registers a local event listener.
func (p *HTTPProvider) Subscribe(fn func(Event)) (unsubscribe func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextListener
	p.nextListener++
	p.listeners[id] = fn
	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		delete(p.listeners, id)
	}
}

func (p *HTTPProvider) emit(e Event) {
	p.mu.Lock()
	fns := make([]func(Event), 0, len(p.listeners))
	for _, fn := range p.listeners {
		fns = append(fns, fn)
	}
	p.mu.Unlock()
	for _, fn := range fns {
		fn(e)
	}
}

type exchangeResponse struct {
	AccessToken string `json:"accessToken"`
	UserID      string `json:"userId"`
	Email       string `json:"email"`
	ExpiresAt   int64  `json:"expiresAt"`
}

// ExchangeCode posts the one-time code to /api/auth/exchange, adopts the
// returned access token, and emits SessionEstablished locally.
func (p *HTTPProvider) ExchangeCode(ctx context.Context, code string) (*Session, error) {
	payload, err := json.Marshal(map[string]string{"code": code})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/auth/exchange", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("exchange code: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("exchange code: status %d", resp.StatusCode)
	}

	var exchanged exchangeResponse
	if err := json.NewDecoder(resp.Body).Decode(&exchanged); err != nil {
		return nil, fmt.Errorf("exchange code: %w", err)
	}
	if exchanged.AccessToken == "" {
		return nil, errors.New("exchange code: empty session")
	}

	p.mu.Lock()
	p.accessToken = exchanged.AccessToken
	p.mu.Unlock()

	session := &Session{
		User:        Identity{ID: exchanged.UserID, Email: exchanged.Email},
		AccessToken: exchanged.AccessToken,
		ExpiresAt:   time.Unix(exchanged.ExpiresAt, 0),
	}
	p.emit(Event{Kind: SessionEstablished, Session: session})
	return session, nil
}

// SignOut posts to /api/session/logout, drops the local token, and emits
// SessionCleared. The token clears even when the server call fails.
func (p *HTTPProvider) SignOut(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/session/logout", nil)
	if err != nil {
		return err
	}
	if token := p.token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, callErr := p.httpClient.Do(req)
	if callErr == nil {
		resp.Body.Close()
	}

	p.mu.Lock()
	p.accessToken = ""
	p.mu.Unlock()
	p.emit(Event{Kind: SessionCleared})

	if callErr != nil {
		return fmt.Errorf("sign out: %w", callErr)
	}
	return nil
}
