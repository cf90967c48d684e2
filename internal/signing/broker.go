package signing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"bbsns.org/internal/ids"
)

const defaultPollInterval = 2 * time.Second

// Broker runs the remote-signing handshake: init a session, hand the user a
// deep link, and poll until the wallet authorizes or the session dies.
type Broker struct {
	store        SessionStore
	baseURL      string
	now          func() time.Time
	pollInterval time.Duration
}

// BrokerOption configures Broker behavior.
type BrokerOption func(*Broker)

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) BrokerOption {
	return func(b *Broker) {
		if fn != nil {
			b.now = fn
		}
	}
}

// WithPollInterval overrides the wait-loop tick; tests shrink it.
func WithPollInterval(d time.Duration) BrokerOption {
	return func(b *Broker) {
		if d > 0 {
			b.pollInterval = d
		}
	}
}

// NewBroker constructs a broker issuing signing links under baseURL.
func NewBroker(store SessionStore, baseURL string, opts ...BrokerOption) *Broker {
	b := &Broker{
		store:        store,
		baseURL:      strings.TrimRight(baseURL, "/"),
		now:          time.Now,
		pollInterval: defaultPollInterval,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// InitSession creates a pending session with an unguessable token and the
// TTL of its purpose.
func (b *Broker) InitSession(ctx context.Context, purpose Purpose, ref string) (Session, error) {
	if !purpose.Valid() {
		return Session{}, fmt.Errorf("signing: unknown purpose %q", purpose)
	}
	token, err := ids.NewSessionToken()
	if err != nil {
		return Session{}, fmt.Errorf("signing: mint session token: %w", err)
	}
	now := b.now().UTC()
	s := Session{
		ID:        token,
		Purpose:   purpose,
		Ref:       ref,
		Status:    StatusPending,
		CreatedAt: now,
		ExpiresAt: now.Add(purpose.TTL()),
	}
	if err := b.store.Save(ctx, s); err != nil {
		return Session{}, err
	}
	return s, nil
}

// SigningURL is the deep link the wallet app opens for a session.
func (b *Broker) SigningURL(s Session) string {
	return fmt.Sprintf("%s/remote-sign/%s/%s", b.baseURL, s.Purpose, s.ID)
}

// Authorize records the wallet result. Exactly one Authorize per session
// succeeds; late or duplicate calls report the reason the session is closed.
func (b *Broker) Authorize(ctx context.Context, id string, res Result) (Session, error) {
	s, err := b.store.Get(ctx, id)
	if err != nil {
		return Session{}, err
	}
	if s.Status.Terminal() {
		return Session{}, b.terminalErr(s)
	}
	if b.now().UTC().After(s.ExpiresAt) {
		if _, err := b.store.Finish(ctx, id, StatusPending, StatusExpired, nil, ""); err != nil && !errors.Is(err, ErrConflict) {
			return Session{}, err
		}
		return Session{}, ErrExpired
	}
	done, err := b.store.Finish(ctx, id, StatusPending, StatusAuthorized, &res, "")
	if errors.Is(err, ErrConflict) {
		// Lost the race; surface whatever terminal state won.
		s, gerr := b.store.Get(ctx, id)
		if gerr != nil {
			return Session{}, gerr
		}
		return Session{}, b.terminalErr(s)
	}
	return done, err
}

// Fail closes a pending session with a reason, e.g. the wallet declined.
func (b *Broker) Fail(ctx context.Context, id, reason string) (Session, error) {
	s, err := b.store.Get(ctx, id)
	if err != nil {
		return Session{}, err
	}
	if s.Status.Terminal() {
		return Session{}, b.terminalErr(s)
	}
	done, err := b.store.Finish(ctx, id, StatusPending, StatusFailed, nil, reason)
	if errors.Is(err, ErrConflict) {
		s, gerr := b.store.Get(ctx, id)
		if gerr != nil {
			return Session{}, gerr
		}
		return Session{}, b.terminalErr(s)
	}
	return done, err
}

// PollStatus returns the current session state, expiring it lazily when the
// TTL has passed without authorization.
func (b *Broker) PollStatus(ctx context.Context, id string) (Session, error) {
	s, err := b.store.Get(ctx, id)
	if err != nil {
		return Session{}, err
	}
	if s.Status == StatusPending && b.now().UTC().After(s.ExpiresAt) {
		done, err := b.store.Finish(ctx, id, StatusPending, StatusExpired, nil, "")
		if errors.Is(err, ErrConflict) {
			return b.store.Get(ctx, id)
		}
		return done, err
	}
	return s, nil
}

// Wait polls until the session leaves pending or the purpose's attempt
// budget runs out. The returned session may be authorized, expired or
// failed; callers branch on Status.
func (b *Broker) Wait(ctx context.Context, id string) (Session, error) {
	s, err := b.PollStatus(ctx, id)
	if err != nil {
		return Session{}, err
	}
	if s.Status.Terminal() {
		return s, nil
	}

	ticker := time.NewTicker(b.pollInterval)
	defer ticker.Stop()
	for attempt := 1; attempt < s.Purpose.MaxPollAttempts(); attempt++ {
		select {
		case <-ctx.Done():
			return Session{}, ctx.Err()
		case <-ticker.C:
		}
		s, err = b.PollStatus(ctx, id)
		if err != nil {
			return Session{}, err
		}
		if s.Status.Terminal() {
			return s, nil
		}
	}
	return Session{}, ErrTimeout
}

func (b *Broker) terminalErr(s Session) error {
	if s.Status == StatusExpired {
		return ErrExpired
	}
	return fmt.Errorf("%w: session is %s", ErrAlreadyTerminal, s.Status)
}
