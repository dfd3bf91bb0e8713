package reconcile

import (
	"context"
	"sync"
)

// Options configures a Reconciler.
type Options struct {
	// LoginPath is where Guard sends unauthenticated visitors of protected
	// routes. Defaults to "/auth/signin".
	LoginPath string

	// PublicPath is where SignOut requests navigation to. Defaults to "/".
	PublicPath string

	// Navigate is invoked for redirect side effects. Nil disables navigation.
	Navigate func(path string)
}

// Reconciler owns the process-wide {user, authenticated, loading} triple.
// All three fields update together under one lock; there is no observable
// state where authenticated is true and the user is nil.
type Reconciler struct {
	provider Provider
	opts     Options

	mu            sync.Mutex
	user          *Identity
	authenticated bool
	loading       bool
	// eventSeen is set once any subscription event verdict is applied. A
	// slower initial probe must not overwrite a newer event verdict.
	eventSeen  bool
	redirected bool
	torn       bool

	events      chan Event
	cancel      context.CancelFunc
	unsubscribe func()
	done        chan struct{}
}

// New creates a Reconciler. Call Start to begin the probe and subscription.
func New(provider Provider, opts Options) *Reconciler {
	if opts.LoginPath == "" {
		opts.LoginPath = "/auth/signin"
	}
	if opts.PublicPath == "" {
		opts.PublicPath = "/"
	}
	return &Reconciler{
		provider: provider,
		opts:     opts,
		loading:  true,
		events:   make(chan Event, 16),
		done:     make(chan struct{}),
	}
}

// Start issues the initial session probe and subscribes to auth-change
// events. Events are funneled through a single-consumer queue so verdicts
// apply strictly in arrival order.
func (r *Reconciler) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	r.cancel = cancel
	r.mu.Unlock()

	r.unsubscribe = r.provider.Subscribe(func(e Event) {
		select {
		case r.events <- e:
		case <-ctx.Done():
		}
	})

	go r.consume(ctx)

	go func() {
		session, err := r.provider.CurrentSession(ctx)
		r.applyProbe(session, err)
	}()
}

func (r *Reconciler) consume(ctx context.Context) {
	defer close(r.done)
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-r.events:
			r.applyEvent(e)
		}
	}
}

// applyEvent applies an auth-change verdict. Last writer wins by arrival
// order; the event also blocks any still-outstanding probe from landing.
func (r *Reconciler) applyEvent(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.torn {
		return
	}
	r.eventSeen = true

	switch e.Kind {
	case SessionEstablished, PasswordRecovery:
		if e.Session != nil {
			user := e.Session.User
			r.user = &user
			r.authenticated = true
		} else {
			r.user = nil
			r.authenticated = false
		}
	case SessionCleared:
		r.user = nil
		r.authenticated = false
	}
	r.loading = false
}

// applyProbe applies the initial probe verdict unless an event already
// settled one. Errors fail closed to Unauthenticated; either way the
// loading flag settles so the UI is never stuck.
func (r *Reconciler) applyProbe(session *Session, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.torn {
		return
	}
	if !r.eventSeen {
		if err == nil && session != nil {
			user := session.User
			r.user = &user
			r.authenticated = true
		} else {
			r.user = nil
			r.authenticated = false
		}
	}
	r.loading = false
}

// CurrentUser returns the identity of the authenticated user, or nil.
func (r *Reconciler) CurrentUser() *Identity {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.user == nil {
		return nil
	}
	user := *r.user
	return &user
}

func (r *Reconciler) IsAuthenticated() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.authenticated
}

func (r *Reconciler) IsLoading() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.loading
}

// Guard checks whether a protected route may render. While loading it takes
// no action. When unauthenticated it requests navigation to the login path
// at most once per lifecycle and reports that a redirect was issued.
func (r *Reconciler) Guard() (redirected bool) {
	r.mu.Lock()
	if r.torn || r.loading || r.authenticated || r.redirected {
		r.mu.Unlock()
		return false
	}
	r.redirected = true
	navigate := r.opts.Navigate
	path := r.opts.LoginPath
	r.mu.Unlock()

	if navigate != nil {
		navigate(path)
	}
	return true
}

// ExchangeCode spends a one-time auth code for a session. A successful
// exchange settles the triple through the same path as a provider event.
func (r *Reconciler) ExchangeCode(ctx context.Context, code string) (*Session, error) {
	session, err := r.provider.ExchangeCode(ctx, code)
	if err != nil {
		return nil, err
	}
	r.applyEvent(Event{Kind: SessionEstablished, Session: session})
	return session, nil
}

// SignOut signs out at the provider, clears the triple, and requests
// navigation to the public path. The local state clears even when the
// provider call fails.
func (r *Reconciler) SignOut(ctx context.Context) error {
	err := r.provider.SignOut(ctx)

	r.mu.Lock()
	if r.torn {
		r.mu.Unlock()
		return err
	}
	r.eventSeen = true
	r.user = nil
	r.authenticated = false
	r.loading = false
	navigate := r.opts.Navigate
	path := r.opts.PublicPath
	r.mu.Unlock()

	if navigate != nil {
		navigate(path)
	}
	return err
}

// Teardown releases the subscription and all pending work. Late-arriving
// probe or event verdicts are discarded and no further redirects fire.
func (r *Reconciler) Teardown() {
	r.mu.Lock()
	if r.torn {
		r.mu.Unlock()
		return
	}
	r.torn = true
	cancel := r.cancel
	r.mu.Unlock()

	if r.unsubscribe != nil {
		r.unsubscribe()
	}
	if cancel != nil {
		cancel()
		<-r.done
	}
}
