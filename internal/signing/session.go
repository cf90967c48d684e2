package signing

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound        = errors.New("signing: session not found")
	ErrAlreadyTerminal = errors.New("signing: session already terminal")
	ErrExpired         = errors.New("signing: session expired")
	ErrTimeout         = errors.New("signing: polling timed out")
	ErrConflict        = errors.New("signing: concurrent update lost")
)

// Purpose determines a session's TTL and polling budget.
type Purpose string

const (
	PurposeLogin           Purpose = "login"
	PurposeVote            Purpose = "vote"
	PurposeMultisigConfirm Purpose = "multisig-confirm"
)

func (p Purpose) Valid() bool {
	switch p {
	case PurposeLogin, PurposeVote, PurposeMultisigConfirm:
		return true
	}
	return false
}

// TTL is how long a pending session stays authorizable.
func (p Purpose) TTL() time.Duration {
	switch p {
	case PurposeLogin:
		return 3 * time.Minute
	case PurposeVote:
		return 5 * time.Minute
	case PurposeMultisigConfirm:
		return 10 * time.Minute
	}
	return 3 * time.Minute
}

// MaxPollAttempts bounds the server-side wait loop. Multisig confirmation
// runs against chain latency and gets a longer budget.
func (p Purpose) MaxPollAttempts() int {
	if p == PurposeMultisigConfirm {
		return 300
	}
	return 60
}

// Status is the session lifecycle state. pending is the only non-terminal
// state; a session leaves it exactly once.
type Status string

const (
	StatusPending    Status = "pending"
	StatusAuthorized Status = "authorized"
	StatusExpired    Status = "expired"
	StatusFailed     Status = "failed"
)

func (s Status) Terminal() bool { return s != StatusPending }

// Result is what the wallet hands back on authorization. Token is filled by
// the login flow so status pollers can collect their JWT.
type Result struct {
	Wallet    string `json:"wallet"`
	Signature string `json:"signature"`
	Token     string `json:"token,omitempty"`
}

// Session is one remote-signing handshake.
type Session struct {
	ID        string    `json:"id"`
	Purpose   Purpose   `json:"purpose"`
	Ref       string    `json:"ref,omitempty"` // proposal ID or tx index being signed
	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Result    *Result   `json:"result,omitempty"`
	Reason    string    `json:"reason,omitempty"`
}

// SessionStore persists sessions and arbitrates the single terminal
// transition. Finish must be atomic: of N concurrent callers moving the same
// session out of `from`, exactly one succeeds and the rest get ErrConflict.
type SessionStore interface {
	Save(ctx context.Context, s Session) error
	Get(ctx context.Context, id string) (Session, error)
	Finish(ctx context.Context, id string, from, to Status, res *Result, reason string) (Session, error)
}
