package reconcile

import (
	"context"
	"sync"
	"time"
)

const (
	defaultRecoveryProbeDelay = 2 * time.Second
	defaultRecoveryTimeout    = 5 * time.Second
)

// RecoveryOptions tunes the recovery race. Zero values use the defaults.
type RecoveryOptions struct {
	// ProbeDelay is how long to wait before the fallback manual probe.
	ProbeDelay time.Duration
	// Timeout is the hard deadline after which recovery fails.
	Timeout time.Duration
}

// AwaitRecovery drives the password-reset confirmation flow. It races three
// signal sources: the provider's event subscription, a delayed manual probe,
// and a hard timeout. The first source to positively confirm a session wins;
// the timeout loses to any confirmation that lands first. A monotonic
// settle-once guard keeps two sources from both firing.
//
// Returns the confirmed session, or nil when recovery timed out or ctx was
// cancelled.
func AwaitRecovery(ctx context.Context, provider Provider, opts RecoveryOptions) *Session {
	if opts.ProbeDelay <= 0 {
		opts.ProbeDelay = defaultRecoveryProbeDelay
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultRecoveryTimeout
	}

	var settleOnce sync.Once
	result := make(chan *Session, 1)
	settle := func(session *Session) {
		settleOnce.Do(func() {
			result <- session
		})
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	unsubscribe := provider.Subscribe(func(e Event) {
		switch e.Kind {
		case SessionEstablished, PasswordRecovery:
			if e.Session != nil {
				settle(e.Session)
			}
		}
	})
	defer unsubscribe()

	probeTimer := time.NewTimer(opts.ProbeDelay)
	defer probeTimer.Stop()
	deadline := time.NewTimer(opts.Timeout)
	defer deadline.Stop()

	for {
		select {
		case session := <-result:
			return session
		case <-probeTimer.C:
			go func() {
				session, err := provider.CurrentSession(ctx)
				if err == nil && session != nil {
					settle(session)
				}
			}()
		case <-deadline.C:
			settle(nil)
		case <-ctx.Done():
			settle(nil)
		}
	}
}
